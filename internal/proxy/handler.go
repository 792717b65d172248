package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/udayangaac/multi-proxy/internal/config"
	"github.com/udayangaac/multi-proxy/internal/dialer"
	"github.com/udayangaac/multi-proxy/internal/eventlog"
)

// Relay is the protocol-specific half of a Handler.
type Relay interface {
	// Dial connects to target within the handler's dial timeout.
	Dial(ctx context.Context, target string) (net.Conn, error)
	// Serve accepts connections on ln until ctx is done.
	Serve(ctx context.Context, ln net.Listener) error
}

// Handler serves one proxy definition. Sessions outlive a single Serve
// call, so an instance can be restarted on a new listener without dropping
// them; Drain ends them.
type Handler struct {
	def   config.Definition
	cfg   Config
	relay Relay

	// sessCtx is canceled to abort every session.
	sessCtx    context.Context
	sessCancel context.CancelFunc

	mu    sync.Mutex
	conns map[*sessionConn]struct{}

	sessions sync.WaitGroup
	bg       sync.WaitGroup

	accepted atomic.Uint64
	active   atomic.Int64
}

// NewHandler builds the relay selected by def.Protocol.
func NewHandler(def config.Definition, cfg Config) (*Handler, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{DialTimeout: cfg.DialTimeout})
	}
	if cfg.Sink == nil {
		cfg.Sink = eventlog.Discard
	}

	h := &Handler{
		def:   def,
		cfg:   cfg,
		conns: make(map[*sessionConn]struct{}),
	}
	h.sessCtx, h.sessCancel = context.WithCancel(context.Background())

	switch def.Protocol {
	case config.ProtocolTCP, "":
		h.relay = &TCPRelay{h: h, target: def.Upstream}
	case config.ProtocolHTTP:
		r, err := newHTTPRelay(h)
		if err != nil {
			h.sessCancel()
			return nil, err
		}
		h.relay = r
	default:
		h.sessCancel()
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidProtocol, def.Protocol)
	}

	return h, nil
}

// Serve accepts connections on ln until ctx is done, in which case it
// closes ln and returns nil. Any other accept failure is returned.
func (h *Handler) Serve(ctx context.Context, ln net.Listener) error {
	return h.relay.Serve(ctx, ln)
}

// dial connects to target through d within the dial timeout.
func (h *Handler) dial(ctx context.Context, d dialer.Dialer, target string) (net.Conn, error) {
	if h.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.DialTimeout)
		defer cancel()
	}

	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	return conn, nil
}

// Accepted returns the number of connections accepted since creation.
func (h *Handler) Accepted() uint64 { return h.accepted.Load() }

// Active returns the number of open sessions.
func (h *Handler) Active() int { return int(h.active.Load()) }

// Drain waits for open sessions to end. When ctx is done first, the
// remaining sessions are aborted and Drain returns once they are gone.
// The handler cannot serve again afterwards.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		n := h.abort()
		<-done
		err = fmt.Errorf("proxy %s: aborted %d sessions: %w", h.def.Name, n, ctx.Err())
	}

	h.sessCancel()
	h.bg.Wait()
	return err
}

// abort cancels every session and closes the tracked client connections.
func (h *Handler) abort() int {
	h.sessCancel()

	h.mu.Lock()
	conns := make([]*sessionConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.s.fail(context.Canceled)
		_ = c.Close()
	}
	return len(conns)
}

// acceptLoop accepts until ctx is done, retrying temporary errors with a
// capped delay, and runs serve for each session in its own goroutine.
func (h *Handler) acceptLoop(ctx context.Context, ln net.Listener, serve func(*sessionConn)) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var delay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTemporary(err) {
				delay = nextAcceptDelay(delay)
				t := time.NewTimer(delay)
				select {
				case <-t.C:
					continue
				case <-ctx.Done():
					t.Stop()
					return nil
				}
			}
			return err
		}
		delay = 0

		sc := h.open(c, false)
		go serve(sc)
	}
}

func isTemporary(err error) bool {
	var te interface{ Temporary() bool }
	return errors.As(err, &te) && te.Temporary()
}

// nextAcceptDelay mirrors net/http's accept backoff.
func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}

// open registers a session for c and logs its open event. With
// serverOwned, c is handed to a server that closes it: the session ends on
// Close, and the connection is closed with ErrIdleTimeout once no data moved
// for IdleTimeout. Otherwise the caller must call finish and enforce the
// idle timeout itself.
func (h *Handler) open(c net.Conn, serverOwned bool) *sessionConn {
	sc := &sessionConn{Conn: c, s: newSession(h.def.Name, h.def.Upstream, c)}
	watchIdle := serverOwned && h.cfg.IdleTimeout > 0
	if serverOwned {
		sc.onClose = func() { h.finish(sc) }
	}
	if watchIdle {
		sc.act = newActivity()
		sc.done = make(chan struct{})
	}

	h.sessions.Add(1)
	h.accepted.Add(1)
	h.active.Add(1)

	h.mu.Lock()
	h.conns[sc] = struct{}{}
	h.mu.Unlock()

	h.cfg.Metrics.SessionOpened(h.def.Name)
	h.cfg.Sink.Log(eventlog.Event{
		Kind:     eventlog.KindOpen,
		Proxy:    h.def.Name,
		Session:  sc.s.ID,
		Client:   sc.s.Client,
		Upstream: sc.s.Upstream,
	})

	if watchIdle {
		go watch(h.sessCtx, sc.done, h.cfg.IdleTimeout, sc.act, func(err error) {
			sc.s.fail(err)
			_ = sc.Close()
		})
	}
	return sc
}

// data logs a data event unless the session already ended.
func (h *Handler) data(s *Session, msg string) {
	if !h.def.Debug {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	h.cfg.Sink.Log(eventlog.Event{
		Kind:     eventlog.KindData,
		Proxy:    h.def.Name,
		Session:  s.ID,
		BytesIn:  s.BytesIn(),
		BytesOut: s.BytesOut(),
		Message:  msg,
	})
}

// finish logs the terminal event of sc's session exactly once.
func (h *Handler) finish(sc *sessionConn) {
	s := sc.s

	h.data(s, "")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	ev := eventlog.Event{
		Kind:     eventlog.KindClose,
		Proxy:    h.def.Name,
		Session:  s.ID,
		Client:   s.Client,
		Upstream: s.Upstream,
		BytesIn:  s.BytesIn(),
		BytesOut: s.BytesOut(),
		Duration: time.Since(s.OpenedAt),
	}
	if s.err != nil {
		ev.Kind = eventlog.KindError
		ev.Err = s.err
	}
	h.cfg.Sink.Log(ev)
	s.mu.Unlock()

	h.mu.Lock()
	delete(h.conns, sc)
	h.mu.Unlock()

	if errors.Is(ev.Err, ErrIdleTimeout) {
		h.cfg.Metrics.IdleTimeout(h.def.Name)
	}
	h.cfg.Metrics.SessionClosed(h.def.Name, ev.BytesIn, ev.BytesOut)
	h.active.Add(-1)
	h.sessions.Done()
}
