package proxy

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeChangeCipherSpec = 0x14
	recordTypeAlert            = 0x15
	recordTypeHandshake        = 0x16
	recordTypeApplicationData  = 0x17
	recordTypeHeartbeat        = 0x18

	handshakeTypeClientHello = 0x01

	// A TLSPlaintext fragment may not exceed 2^14 bytes; TLS 1.2 ciphertext
	// allows another 2048 bytes of expansion.
	maxRecordLen = 1<<14 + 2048

	extensionServerName           = 0x0000
	extensionEncryptedServerName  = 0xffce
	extensionEncryptedClientHello = 0xfe0d

	serverNameTypeHostName = 0
	maxSessionIDLen        = 32
)

// ParseErrorKind classifies why a buffer could not be parsed.
type ParseErrorKind int

const (
	// Truncated means the buffer ended before the record it starts with.
	Truncated ParseErrorKind = iota + 1
	// Malformed means the record is complete but a length field inside it
	// disagrees with its container.
	Malformed
)

func (k ParseErrorKind) String() string {
	switch k {
	case Truncated:
		return "truncated"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("ParseErrorKind(%d)", int(k))
	}
}

var (
	ErrTruncated = errors.New("truncated tls record")
	ErrMalformed = errors.New("malformed tls record")
)

// ParseError reports the first field of the TLS structure that could not be
// read. It matches ErrTruncated or ErrMalformed with errors.Is.
type ParseError struct {
	Kind  ParseErrorKind
	Field string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("tls: %s %s", e.Kind, e.Field)
}

func (e *ParseError) Is(target error) bool {
	switch target {
	case ErrTruncated:
		return e.Kind == Truncated
	case ErrMalformed:
		return e.Kind == Malformed
	}
	return false
}

func truncated(field string) error { return &ParseError{Kind: Truncated, Field: field} }
func malformed(field string) error { return &ParseError{Kind: Malformed, Field: field} }

// HelloInfo is what ParseClientHello learned from the first record.
type HelloInfo struct {
	// IsClientHello is set when the record carries a ClientHello message.
	IsClientHello bool
	// ServerName is the first usable host_name entry. It is "" when none
	// exists or when that entry is empty.
	ServerName string
	// EncryptedSNI lists encrypted-SNI-style extension types that appeared
	// before ServerName was found. Their payload is never decoded.
	EncryptedSNI []uint16
}

// ParseClientHello reads exactly one TLS plaintext record from the front of
// buf and, if it carries a ClientHello, extracts the SNI host name. Bytes
// after the record are ignored. A record that is not a ClientHello, or a
// ClientHello without a usable host name, is not an error.
func ParseClientHello(buf []byte) (HelloInfo, error) {
	var info HelloInfo
	s := cryptobyte.String(buf)

	var contentType uint8
	var version, length uint16
	if !s.ReadUint8(&contentType) || !s.ReadUint16(&version) || !s.ReadUint16(&length) {
		return info, truncated("record header")
	}
	if !knownRecordType(contentType) {
		return info, malformed("record content type")
	}
	if int(length) > maxRecordLen {
		return info, malformed("record length")
	}
	var payload cryptobyte.String
	if !s.ReadBytes((*[]byte)(&payload), int(length)) {
		return info, truncated("record payload")
	}
	if contentType != recordTypeHandshake {
		return info, nil
	}

	var msgType uint8
	var body cryptobyte.String
	if !payload.ReadUint8(&msgType) {
		return info, malformed("handshake type")
	}
	if !payload.ReadUint24LengthPrefixed(&body) {
		return info, malformed("handshake length")
	}
	if msgType != handshakeTypeClientHello {
		return info, nil
	}
	info.IsClientHello = true

	return info, parseClientHelloBody(body, &info)
}

func knownRecordType(t uint8) bool {
	switch t {
	case recordTypeChangeCipherSpec, recordTypeAlert, recordTypeHandshake,
		recordTypeApplicationData, recordTypeHeartbeat:
		return true
	}
	return false
}

func parseClientHelloBody(body cryptobyte.String, info *HelloInfo) error {
	// legacy_version(2) + random(32)
	if !body.Skip(2 + 32) {
		return malformed("client random")
	}
	var sessionID, cipherSuites, compression cryptobyte.String
	if !body.ReadUint8LengthPrefixed(&sessionID) || len(sessionID) > maxSessionIDLen {
		return malformed("session id")
	}
	if !body.ReadUint16LengthPrefixed(&cipherSuites) || len(cipherSuites)%2 != 0 {
		return malformed("cipher suites")
	}
	if !body.ReadUint8LengthPrefixed(&compression) {
		return malformed("compression methods")
	}
	if body.Empty() {
		// Extensions are optional.
		return nil
	}

	var extensions cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&extensions) {
		return malformed("extensions length")
	}
	for !extensions.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&extData) {
			return malformed("extension")
		}

		switch extType {
		case extensionServerName:
			name, found, err := parseServerNameList(extData)
			if err != nil {
				return err
			}
			if found {
				info.ServerName = name
				return nil
			}
		case extensionEncryptedServerName, extensionEncryptedClientHello:
			info.EncryptedSNI = append(info.EncryptedSNI, extType)
		}
	}
	return nil
}

// parseServerNameList returns the first host_name entry whose bytes are valid
// UTF-8. Entries of other name types or with invalid UTF-8 are skipped. An
// empty entry still counts as found and ends the search.
func parseServerNameList(ext cryptobyte.String) (name string, found bool, err error) {
	var list cryptobyte.String
	if !ext.ReadUint16LengthPrefixed(&list) {
		return "", false, malformed("server name list")
	}
	for !list.Empty() {
		var nameType uint8
		var entry cryptobyte.String
		if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&entry) {
			return "", false, malformed("server name entry")
		}
		if nameType != serverNameTypeHostName || !utf8.Valid(entry) {
			continue
		}
		return string(entry), true, nil
	}
	return "", false, nil
}
