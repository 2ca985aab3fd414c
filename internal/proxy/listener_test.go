package proxy_test

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/AtDexters-Lab/sni6-proxy/internal/config"
	"github.com/AtDexters-Lab/sni6-proxy/internal/logging"
	proxy "github.com/AtDexters-Lab/sni6-proxy/internal/proxy"
	"github.com/stretchr/testify/require"
)

// startEchoBackend accepts any number of connections. Each one reports the
// header it received first and then echoes everything else back.
func startEchoBackend(t *testing.T, headerLen int) (net.Listener, <-chan []byte) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	headers := make(chan []byte, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				header := make([]byte, headerLen)
				if _, err := io.ReadFull(c, header); err != nil {
					return
				}
				headers <- header
				_, _ = io.Copy(c, c)
			}(c)
		}
	}()
	return ln, headers
}

func startListener(t *testing.T, backendAddr string) *proxy.Listener {
	t.Helper()
	cfg := config.Default()
	cfg.ListenPort = 0
	router := proxy.NewRouter(cfg, v6Only(), &recordingDialer{target: backendAddr}, logging.Discard())
	l := proxy.NewListener(cfg, router, logging.Discard())
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return l
}

func dialListener(t *testing.T, l *proxy.Listener) net.Conn {
	t.Helper()
	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	conn, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func requireEcho(t *testing.T, conn net.Conn, msg []byte) {
	t.Helper()
	_, err := conn.Write(msg)
	require.NoError(t, err)
	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, got)
}

func TestListenerIsolatesFailingSessions(t *testing.T) {
	hello := captureClientHello(t, "test.com")
	backend, headers := startEchoBackend(t, len(hello))
	defer backend.Close()

	l := startListener(t, backend.Addr().String())

	// Opened before the failure and used after it.
	early := dialListener(t, l)

	bad := dialListener(t, l)
	_, err := bad.Write([]byte("this is not a tls record"))
	require.NoError(t, err)
	rest, err := io.ReadAll(bad)
	require.NoError(t, err)
	require.Empty(t, rest)

	for _, conn := range []net.Conn{early, dialListener(t, l)} {
		_, err := conn.Write(hello)
		require.NoError(t, err)
		select {
		case header := <-headers:
			require.True(t, bytes.Equal(hello, header))
		case <-time.After(5 * time.Second):
			t.Fatal("backend never received the client hello")
		}
		requireEcho(t, conn, []byte("application bytes"))
	}
}

func TestListenerStop(t *testing.T) {
	cfg := config.Default()
	cfg.ListenPort = 0
	router := proxy.NewRouter(cfg, v6Only(), &recordingDialer{}, logging.Discard())
	l := proxy.NewListener(cfg, router, logging.Discard())
	require.Nil(t, l.Addr())
	require.NoError(t, l.Start())

	_, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	l.Stop()

	_, err = net.DialTimeout("tcp4", net.JoinHostPort("127.0.0.1", port), time.Second)
	require.Error(t, err)
}

func TestListenerStartFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp4", ":0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := config.Default()
	cfg.ListenPort = busy.Addr().(*net.TCPAddr).Port
	router := proxy.NewRouter(cfg, v6Only(), &recordingDialer{}, logging.Discard())
	l := proxy.NewListener(cfg, router, logging.Discard())

	require.Error(t, l.Start())
}
