package proxy_test

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

// captureClientHello runs a crypto/tls client against one end of a pipe and
// returns the first TLS record it writes, which carries its ClientHello.
func captureClientHello(t *testing.T, serverName string) []byte {
	t.Helper()
	server, client := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		tlsClient := tls.Client(client, &tls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: true,
		})
		_ = tlsClient.Handshake()
	}()

	header := make([]byte, 5)
	_, err := io.ReadFull(server, header)
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint16(header[3:5]))
	_, err = io.ReadFull(server, payload)
	require.NoError(t, err)

	// Close the server side to unblock the client goroutine.
	_ = server.Close()
	<-done

	return append(header, payload...)
}

type nameEntry struct {
	nameType uint8
	name     string
}

func serverNameExt(entries ...nameEntry) func(*cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) {
		b.AddUint16(0x0000)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				for _, e := range entries {
					b.AddUint8(e.nameType)
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes([]byte(e.name))
					})
				}
			})
		})
	}
}

func opaqueExt(extType uint16, data []byte) func(*cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) {
		b.AddUint16(extType)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(data)
		})
	}
}

// clientHelloBody builds a minimal ClientHello body. With no extensions the
// extensions block is omitted entirely.
func clientHelloBody(exts ...func(*cryptobyte.Builder)) func(*cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) {
		b.AddUint16(0x0303)
		b.AddBytes(make([]byte, 32))
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(0x1301) })
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
		if len(exts) == 0 {
			return
		}
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, ext := range exts {
				ext(b)
			}
		})
	}
}

func handshakeRecord(msgType uint8, body func(*cryptobyte.Builder)) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x16)
	b.AddUint16(0x0301)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(msgType)
		b.AddUint24LengthPrefixed(body)
	})
	return b.BytesOrPanic()
}

func buildClientHello(exts ...func(*cryptobyte.Builder)) []byte {
	return handshakeRecord(0x01, clientHelloBody(exts...))
}
