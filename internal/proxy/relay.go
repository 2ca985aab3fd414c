package proxy

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// copyBufferSize defines the size of the buffer used for copying data between client and backend.
const copyBufferSize = 32 * 1024 // 32KB

// bufferPool is a pool of byte slices used for copying data to reduce allocations.
var bufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, copyBufferSize)
		return &b
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	bufferPool.Put(buf)
}

// relay copies bytes in both directions until each direction has finished on
// its own. A direction that ends does not stop the other one; it only
// half-closes its destination so the peer sees end of stream.
func (r *Router) relay(s *session) (up, down int64) {
	s.state = StateRelaying

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		up = r.pipe(s.logger, "client->backend", s.backend, s.client)
	}()
	go func() {
		defer wg.Done()
		down = r.pipe(s.logger, "backend->client", s.client, s.backend)
	}()
	wg.Wait()
	return up, down
}

func (r *Router) pipe(logger *slog.Logger, direction string, dst, src net.Conn) int64 {
	defer closeWrite(dst)

	bufPtr := getBuffer()
	defer putBuffer(bufPtr)

	var reader io.Reader = src
	if r.idleTimeout > 0 {
		reader = &idleReader{conn: src, timeout: r.idleTimeout}
	}

	n, err := copyBuffered(dst, reader, *bufPtr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			logger.Info("relay direction idle timeout reached", "direction", direction, "bytes", n)
		} else if !errors.Is(err, net.ErrClosed) {
			logger.Warn("relay direction failed", "direction", direction, "bytes", n, "error", err)
		}
	}
	return n
}

// copyBuffered copies through buf. *net.TCPConn implements both io.WriterTo
// and io.ReaderFrom, which would make io.CopyBuffer ignore buf and allocate
// its own; hiding them keeps every copy on the pooled buffer.
func copyBuffered(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	return io.CopyBuffer(writerOnly{dst}, readerOnly{src}, buf)
}

type readerOnly struct{ io.Reader }

type writerOnly struct{ io.Writer }

// idleReader refreshes the read deadline before every read so a direction
// only ends after timeout without traffic.
type idleReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if err := ir.conn.SetReadDeadline(time.Now().Add(ir.timeout)); err != nil {
		return 0, err
	}
	return ir.conn.Read(p)
}

type halfCloser interface {
	CloseWrite() error
}

// closeWrite signals end of stream to conn's peer when the connection type
// supports half-close. Other connections are left alone: the session closes
// them once both directions are done.
func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
