package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/AtDexters-Lab/sni6-proxy/internal/config"
	hn "github.com/AtDexters-Lab/sni6-proxy/internal/hostnames"
	"github.com/AtDexters-Lab/sni6-proxy/internal/iface"
	"github.com/google/uuid"
)

const (
	// MaxHeaderSize caps the single initial read from a client. A ClientHello
	// that does not arrive within this one read cannot be routed.
	MaxHeaderSize = 4096

	// BackendPort is the TCP port every backend is contacted on.
	BackendPort = 443
)

// State is a step of a session's lifecycle. States only move forward.
type State int

const (
	StateAccepted State = iota
	StateHeaderCaptured
	StateSNIExtracted
	StateAuthorized
	StateResolved
	StateConnected
	StateForwarded
	StateRelaying
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:       "accepted",
	StateHeaderCaptured: "header_captured",
	StateSNIExtracted:   "sni_extracted",
	StateAuthorized:     "authorized",
	StateResolved:       "resolved",
	StateConnected:      "connected",
	StateForwarded:      "forwarded",
	StateRelaying:       "relaying",
	StateClosed:         "closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Reason says why a session was closed before relaying. A Reason is itself an
// error so callers can test a session error with errors.Is(err, ReasonNoSNI).
type Reason int

const (
	ReasonReadError Reason = iota + 1
	ReasonParseFailed
	ReasonNoSNI
	ReasonNotAllowlisted
	ReasonResolutionFailed
	ReasonConnectFailed
	ReasonForwardFailed
)

var reasonNames = [...]string{
	ReasonReadError:        "read_error",
	ReasonParseFailed:      "parse_failed",
	ReasonNoSNI:            "no_sni",
	ReasonNotAllowlisted:   "not_allowlisted",
	ReasonResolutionFailed: "resolution_failed",
	ReasonConnectFailed:    "connect_failed",
	ReasonForwardFailed:    "forward_failed",
}

func (r Reason) String() string {
	if r > 0 && int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

func (r Reason) Error() string { return r.String() }

var (
	errEmptyRead    = errors.New("client closed before sending any data")
	errNoServerName = errors.New("tls header does not contain sni")
)

// SessionError is returned by Router.Serve when a session ends before the
// relay phase.
type SessionError struct {
	Session  uuid.UUID
	Reason   Reason
	Hostname string
	Err      error
}

func (e *SessionError) Error() string {
	if e.Hostname != "" {
		return fmt.Sprintf("%s (hostname %q): %v", e.Reason, e.Hostname, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Is(target error) bool {
	r, ok := target.(Reason)
	return ok && r == e.Reason
}

// Router drives one client connection at a time from the initial read to the
// end of the relay. It holds only immutable configuration and is safe to use
// from many goroutines.
type Router struct {
	allow       []string
	resolver    iface.Resolver
	dialer      iface.Dialer
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewRouter creates a Router. The allowlist is copied so later changes to
// cfg do not affect running sessions.
func NewRouter(cfg *config.Config, resolver iface.Resolver, dialer iface.Dialer, logger *slog.Logger) *Router {
	return &Router{
		allow:       append([]string(nil), cfg.AllowHostnames...),
		resolver:    resolver,
		dialer:      dialer,
		idleTimeout: cfg.IdleTimeout(),
		logger:      logger,
	}
}

// session is the per-connection state. It is owned by the goroutine running
// Router.Serve and never shared.
type session struct {
	id          uuid.UUID
	client      net.Conn
	header      []byte
	hostname    string
	backendAddr netip.AddrPort
	backend     net.Conn
	state       State
	logger      *slog.Logger
}

func (s *session) fail(reason Reason, err error) error {
	s.logger.Debug("session failed", "state", s.state.String(), "reason", reason.String())
	s.state = StateClosed
	return &SessionError{Session: s.id, Reason: reason, Hostname: s.hostname, Err: err}
}

func (s *session) close() {
	s.client.Close()
	if s.backend != nil {
		s.backend.Close()
	}
}

// Serve takes ownership of client and runs it through the session
// lifecycle. It returns nil once both relay directions have finished, or a
// *SessionError if the session ended earlier. client is always closed.
func (r *Router) Serve(ctx context.Context, client net.Conn) error {
	s := &session{
		id:     uuid.New(),
		client: client,
		state:  StateAccepted,
	}
	s.logger = r.logger.With("session", s.id.String(), "peer", client.RemoteAddr().String())
	defer s.close()

	if err := r.captureHeader(s); err != nil {
		return err
	}
	if err := r.extractSNI(s); err != nil {
		return err
	}
	if !hn.IsAllowed(s.hostname, r.allow) {
		return s.fail(ReasonNotAllowlisted, fmt.Errorf("sni name %q is not in host allowlist", s.hostname))
	}
	s.state = StateAuthorized

	if err := r.resolve(ctx, s); err != nil {
		return err
	}

	backend, err := r.dialer.DialContext(ctx, "tcp6", s.backendAddr.String())
	if err != nil {
		return s.fail(ReasonConnectFailed, fmt.Errorf("can't connect to %s on %s: %w", s.hostname, s.backendAddr, err))
	}
	s.backend = backend
	s.state = StateConnected

	// The backend must see the ClientHello before anything else the client sends.
	n, err := s.backend.Write(s.header)
	if err != nil {
		return s.fail(ReasonForwardFailed, fmt.Errorf("failed transferring tls header from client to server: %w", err))
	}
	s.logger.Debug("forwarded tls header", "backend", s.backendAddr.String(), "bytes", n)
	s.header = nil
	s.state = StateForwarded

	up, down := r.relay(s)
	s.state = StateClosed
	s.logger.Info("session closed", "backend", s.backendAddr.String(), "bytes_up", up, "bytes_down", down)
	return nil
}

func (r *Router) captureHeader(s *session) error {
	buf := make([]byte, MaxHeaderSize)
	n, err := s.client.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			err = errEmptyRead
		}
		return s.fail(ReasonReadError, err)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return s.fail(ReasonReadError, err)
	}
	s.header = buf[:n]
	s.state = StateHeaderCaptured
	return nil
}

func (r *Router) extractSNI(s *session) error {
	info, err := ParseClientHello(s.header)
	if err != nil {
		return s.fail(ReasonParseFailed, fmt.Errorf("failed parsing tls header: %w", err))
	}
	for _, ext := range info.EncryptedSNI {
		s.logger.Warn("client offered encrypted server name", "extension", fmt.Sprintf("%#04x", ext))
	}
	if info.ServerName == "" {
		return s.fail(ReasonNoSNI, errNoServerName)
	}
	s.hostname = info.ServerName
	s.logger = s.logger.With("hostname", s.hostname)
	s.state = StateSNIExtracted
	return nil
}

func (r *Router) resolve(ctx context.Context, s *session) error {
	addrs, err := r.resolver.LookupNetIP(ctx, s.hostname)
	if err != nil {
		return s.fail(ReasonResolutionFailed, err)
	}
	s.logger.Debug("resolved backend candidates", "addrs", addrs)

	addr, ok := firstIPv6(addrs)
	if !ok {
		return s.fail(ReasonResolutionFailed, fmt.Errorf("%s does not have a valid IPv6 address", s.hostname))
	}
	s.backendAddr = netip.AddrPortFrom(addr, BackendPort)
	s.state = StateResolved
	return nil
}

// firstIPv6 returns the first address that is IPv6 proper. IPv4 results,
// mapped or not, are skipped: the listener is IPv4, so an IPv4 backend could
// be this proxy itself.
func firstIPv6(addrs []netip.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		if a.Is6() && !a.Is4In6() {
			return a, true
		}
	}
	return netip.Addr{}, false
}
