package proxy

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is one client connection and its upstream pairing. BytesIn counts
// bytes read from the client, BytesOut bytes written back to it.
type Session struct {
	ID       string
	Proxy    string
	Client   string
	Upstream string
	OpenedAt time.Time

	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	mu     sync.Mutex
	err    error
	closed bool
}

func newSession(proxy, upstream string, c net.Conn) *Session {
	s := &Session{
		ID:       uuid.NewString(),
		Proxy:    proxy,
		Upstream: upstream,
		OpenedAt: time.Now(),
	}
	if addr := c.RemoteAddr(); addr != nil {
		s.Client = addr.String()
	}
	return s
}

func (s *Session) BytesIn() uint64  { return s.bytesIn.Load() }
func (s *Session) BytesOut() uint64 { return s.bytesOut.Load() }

// fail records the error that ends the session. The first recorded error
// wins so a cause is not replaced by the close it triggers.
func (s *Session) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

type sessionKey struct{}

// SessionFromContext returns the session serving an HTTP request.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*Session)
	return s, ok
}

// sessionConn counts the bytes of a client connection. If onClose is set it
// runs once after the first Close. If act is set, reads and writes that move
// data mark the connection active, and done is closed on the first Close.
type sessionConn struct {
	net.Conn
	s *Session

	act  *activity
	done chan struct{}

	onClose   func()
	closeOnce sync.Once
}

func (c *sessionConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.s.bytesIn.Add(uint64(n))
	if n > 0 && c.act != nil {
		c.act.touch()
	}
	return n, err
}

func (c *sessionConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.s.bytesOut.Add(uint64(n))
	if n > 0 && c.act != nil {
		c.act.touch()
	}
	return n, err
}

func (c *sessionConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}

// reset closes the connection with an RST instead of a FIN where the
// transport allows it.
func (c *sessionConn) reset() error {
	if tc, ok := c.Conn.(*net.TCPConn); ok {
		_ = tc.SetLinger(0)
	}
	return c.Close()
}
