package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/AtDexters-Lab/sni6-proxy/internal/config"
)

// Listener is responsible for accepting incoming connections from end-users
// and handing each one to its own Router session.
type Listener struct {
	config   *config.Config
	router   *Router
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	listener net.Listener
}

// NewListener creates a new Listener instance.
func NewListener(cfg *config.Config, router *Router, logger *slog.Logger) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		config: cfg,
		router: router,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the configured port on all IPv4 interfaces and begins
// accepting connections in the background.
func (l *Listener) Start() error {
	listenAddr := ":" + strconv.Itoa(l.config.ListenPort)
	tcpListener, err := net.Listen("tcp4", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", l.config.ListenPort, err)
	}

	l.mu.Lock()
	l.listener = tcpListener
	l.mu.Unlock()
	l.logger.Info("listener started", "addr", tcpListener.Addr().String())

	l.wg.Add(1)
	go l.acceptConnections(tcpListener)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Stop closes the listening socket and waits for the accept loop to exit.
// Sessions already running are not waited for.
func (l *Listener) Stop() {
	l.logger.Info("stopping listener")
	l.cancel()
	l.mu.Lock()
	if l.listener != nil {
		l.listener.Close()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Listener) acceptConnections(ln net.Listener) {
	defer l.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("failed to accept new connection", "error", err)
			continue
		}
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	peer := conn.RemoteAddr().String()
	defer func() {
		if p := recover(); p != nil {
			l.logger.Error("panic while handling client connection", "peer", peer, "panic", p)
			conn.Close()
		}
	}()

	l.logger.Info("accepted connection", "peer", peer)

	err := l.router.Serve(l.ctx, conn)
	if err == nil {
		return
	}
	var serr *SessionError
	if errors.As(err, &serr) {
		l.logger.Warn("failed handling client connection",
			"session", serr.Session.String(),
			"peer", peer,
			"reason", serr.Reason.String(),
			"hostname", serr.Hostname,
			"error", serr.Err)
		return
	}
	l.logger.Error("failed handling client connection", "peer", peer, "error", err)
}
