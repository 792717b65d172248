package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/udayangaac/multi-proxy/internal/config"
	"github.com/udayangaac/multi-proxy/internal/eventlog"
	"github.com/udayangaac/multi-proxy/internal/metrics"
	"github.com/udayangaac/multi-proxy/internal/testutil"
)

type served struct {
	h      *Handler
	addr   string
	cancel context.CancelFunc
	errc   chan error
	once   sync.Once
}

// stop ends Serve and drains with the given grace period.
func (s *served) stop(t *testing.T, grace time.Duration) error {
	t.Helper()

	var err error
	s.once.Do(func() {
		s.cancel()
		if serr := <-s.errc; serr != nil {
			t.Errorf("Serve: %v", serr)
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		err = s.h.Drain(ctx)
	})
	return err
}

func serve(t *testing.T, def config.Definition, cfg Config) *served {
	t.Helper()

	h, err := NewHandler(def, cfg)
	if err != nil {
		t.Fatal(err)
	}
	ln, err := ListenTCP(context.Background(), "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &served{h: h, addr: ln.Addr().String(), cancel: cancel, errc: make(chan error, 1)}
	go func() { s.errc <- h.Serve(ctx, ln) }()

	t.Cleanup(func() { _ = s.stop(t, 2*time.Second) })
	return s
}

func kinds(evs []eventlog.Event) []eventlog.Kind {
	out := make([]eventlog.Kind, len(evs))
	for i, ev := range evs {
		out[i] = ev.Kind
	}
	return out
}

func onlySession(t *testing.T, rec *testutil.EventRecorder) []eventlog.Event {
	t.Helper()

	sessions := rec.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions want 1", len(sessions))
	}
	for _, evs := range sessions {
		return evs
	}
	return nil
}

func TestTCPRelay(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{
		Name:     "echo",
		Upstream: echo.Addr().String(),
		Protocol: config.ProtocolTCP,
		Debug:    true,
	}, Config{DialTimeout: time.Second, Sink: rec})

	c, err := net.Dial("tcp", s.addr)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("hello"))
	_ = c.Close()

	rec.WaitFor(t, 2*time.Second, func(r *testutil.EventRecorder) bool { return r.Ended() == 1 })

	evs := onlySession(t, rec)
	got := kinds(evs)
	want := []eventlog.Kind{eventlog.KindOpen, eventlog.KindData, eventlog.KindClose}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	last := evs[len(evs)-1]
	if last.BytesIn != 5 || last.BytesOut != 5 {
		t.Fatalf("bytes in=%d out=%d want 5/5", last.BytesIn, last.BytesOut)
	}
	if last.Proxy != "echo" || last.Upstream != echo.Addr().String() {
		t.Fatalf("unexpected event %+v", last)
	}
}

func TestTCPRelayNoDataEventsWithoutDebug(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{Name: "quiet", Upstream: echo.Addr().String(), Protocol: config.ProtocolTCP},
		Config{DialTimeout: time.Second, Sink: rec})

	c, err := net.Dial("tcp", s.addr)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("ping"))
	_ = c.Close()

	rec.WaitFor(t, 2*time.Second, func(r *testutil.EventRecorder) bool { return r.Ended() == 1 })
	if n := rec.Count(eventlog.KindData); n != 0 {
		t.Fatalf("got %d data events want 0", n)
	}
}

func TestTCPRelayUpstreamUnreachable(t *testing.T) {
	t.Parallel()

	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{Name: "down", Upstream: testutil.ClosedAddr(t), Protocol: config.ProtocolTCP},
		Config{DialTimeout: time.Second, Sink: rec})

	// The accept loop survives failed dials.
	for range 2 {
		c, err := net.Dial("tcp", s.addr)
		if err != nil {
			t.Fatal(err)
		}
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := c.Read(make([]byte, 1)); err == nil {
			t.Fatal("expected the client connection to be reset")
		} else if errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatal("client connection was left open")
		}
		_ = c.Close()
	}

	rec.WaitFor(t, 2*time.Second, func(r *testutil.EventRecorder) bool { return r.Ended() == 2 })

	sessions := rec.Sessions()
	testutil.CheckSessionOrder(t, sessions)
	for id, evs := range sessions {
		last := evs[len(evs)-1]
		if last.Kind != eventlog.KindError || !errors.Is(last.Err, ErrUpstreamUnreachable) {
			t.Fatalf("session %s: got %s %v", id, last.Kind, last.Err)
		}
	}
	if got := s.h.Accepted(); got != 2 {
		t.Fatalf("accepted %d want 2", got)
	}
}

func TestTCPRelayIdleTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const idle = 150 * time.Millisecond

	echo := testutil.StartEchoTCPServer(t, ctx)
	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{Name: "idle", Upstream: echo.Addr().String(), Protocol: config.ProtocolTCP},
		Config{DialTimeout: time.Second, IdleTimeout: idle, Sink: rec})

	start := time.Now()
	c, err := net.Dial("tcp", s.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_ = c.SetReadDeadline(time.Now().Add(idle + 2*time.Second))
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < idle {
		t.Fatalf("closed after %s, before the idle timeout", elapsed)
	}

	rec.WaitFor(t, 2*time.Second, func(r *testutil.EventRecorder) bool { return r.Ended() == 1 })
	evs := onlySession(t, rec)
	if last := evs[len(evs)-1]; !errors.Is(last.Err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", last.Err)
	}
}

func TestHandlerDrainAbortsSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{Name: "busy", Upstream: echo.Addr().String(), Protocol: config.ProtocolTCP},
		Config{DialTimeout: time.Second, Sink: rec})

	c, err := net.Dial("tcp", s.addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("hold"))

	err = s.stop(t, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if n := s.h.Active(); n != 0 {
		t.Fatalf("%d sessions still active after Drain", n)
	}

	evs := onlySession(t, rec)
	if last := evs[len(evs)-1]; last.Kind != eventlog.KindError || !errors.Is(last.Err, context.Canceled) {
		t.Fatalf("got %s %v", last.Kind, last.Err)
	}

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected the client connection to be closed")
	}
}

func TestHandlerDrainWaitsForSessions(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	echo := testutil.StartEchoTCPServer(t, ctx)
	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{Name: "drain", Upstream: echo.Addr().String(), Protocol: config.ProtocolTCP},
		Config{DialTimeout: time.Second, Sink: rec})

	c, err := net.Dial("tcp", s.addr)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c, c, []byte("bye"))

	time.AfterFunc(50*time.Millisecond, func() { _ = c.Close() })
	if err := s.stop(t, 2*time.Second); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	evs := onlySession(t, rec)
	if last := evs[len(evs)-1]; last.Kind != eventlog.KindClose {
		t.Fatalf("got %s %v", last.Kind, last.Err)
	}
}

func TestHTTPRelayRoutes(t *testing.T) {
	t.Parallel()

	backend := func(name string) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "%s %s", name, r.URL.Path)
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	api := backend("api")
	auth := backend("auth")
	fallback := backend("default")

	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{
		Name:     "web",
		Upstream: fallback.URL,
		Protocol: config.ProtocolHTTP,
		Debug:    true,
		Routes: []config.Route{
			{Prefix: "/api", Upstream: api.URL},
			{Prefix: "/api/auth", Upstream: auth.URL},
		},
	}, Config{DialTimeout: time.Second, IdleTimeout: time.Second, Sink: rec})

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 2 * time.Second}

	tests := []struct {
		path string
		want string
	}{
		{path: "/api/users", want: "api /users"},
		{path: "/api", want: "api /"},
		{path: "/api/auth/login", want: "auth /login"},
		{path: "/apix", want: "default /apix"},
		{path: "/", want: "default /"},
	}

	for _, tt := range tests {
		resp, err := client.Get("http://" + s.addr + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK || string(body) != tt.want {
			t.Fatalf("%s: got %d %q want %q", tt.path, resp.StatusCode, body, tt.want)
		}
	}

	rec.WaitFor(t, 2*time.Second, func(r *testutil.EventRecorder) bool { return r.Ended() == len(tests) })
	testutil.CheckSessionOrder(t, rec.Sessions())

	var access []string
	for _, ev := range rec.Events() {
		if ev.Kind == eventlog.KindData && ev.Message != "" {
			access = append(access, ev.Message)
		}
	}
	if len(access) != len(tests) {
		t.Fatalf("got %d access lines want %d: %v", len(access), len(tests), access)
	}
	if !strings.HasPrefix(access[0], "GET /api/users /api 200 ") {
		t.Fatalf("unexpected access line %q", access[0])
	}
}

func TestHTTPRelayNoRoute(t *testing.T) {
	t.Parallel()

	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{
		Name:     "routes-only",
		Protocol: config.ProtocolHTTP,
		Routes:   []config.Route{{Prefix: "/a", Upstream: "http://" + testutil.ClosedAddr(t)}},
	}, Config{DialTimeout: time.Second, Sink: rec})

	resp, err := http.Get("http://" + s.addr + "/b")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got %d want 404", resp.StatusCode)
	}
}

func TestHTTPRelayIdleTimeout(t *testing.T) {
	t.Parallel()

	const idle = 150 * time.Millisecond

	// stalled reads requests and never answers.
	stalled, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = stalled.Close() })
	go func() {
		for {
			c, err := stalled.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(io.Discard, c)
			}()
		}
	}()

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(ok.Close)

	reg := prometheus.NewRegistry()
	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{
		Name:     "web",
		Upstream: "http://" + stalled.Addr().String(),
		Protocol: config.ProtocolHTTP,
		Routes:   []config.Route{{Prefix: "/ok", Upstream: ok.URL}},
	}, Config{DialTimeout: time.Second, IdleTimeout: idle, Sink: rec, Metrics: metrics.New(reg, "test")})

	tests := []struct {
		name string
		send func(t *testing.T, c net.Conn)
	}{
		{
			name: "silent client",
			send: func(*testing.T, net.Conn) {},
		},
		{
			name: "stalled upstream",
			send: func(t *testing.T, c net.Conn) {
				if _, err := io.WriteString(c, "GET /slow HTTP/1.1\r\nHost: web\r\n\r\n"); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "idle keep-alive",
			send: func(t *testing.T, c net.Conn) {
				if _, err := io.WriteString(c, "GET /ok HTTP/1.1\r\nHost: web\r\n\r\n"); err != nil {
					t.Fatal(err)
				}
				br := bufio.NewReader(c)
				resp, err := http.ReadResponse(br, nil)
				if err != nil {
					t.Fatal(err)
				}
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					t.Fatalf("status %d", resp.StatusCode)
				}
			},
		},
	}

	for _, tt := range tests {
		start := time.Now()
		c, err := net.Dial("tcp", s.addr)
		if err != nil {
			t.Fatal(err)
		}
		tt.send(t, c)

		_ = c.SetReadDeadline(time.Now().Add(idle + 2*time.Second))
		_, err = io.Copy(io.Discard, c)
		_ = c.Close()
		if errors.Is(err, os.ErrDeadlineExceeded) {
			t.Fatalf("%s: connection still open after %s", tt.name, time.Since(start))
		}
		if elapsed := time.Since(start); elapsed < idle {
			t.Fatalf("%s: closed after %s, before the idle timeout", tt.name, elapsed)
		}
	}

	rec.WaitFor(t, 2*time.Second, func(r *testutil.EventRecorder) bool { return r.Ended() == len(tests) })
	for id, evs := range rec.Sessions() {
		last := evs[len(evs)-1]
		if last.Kind != eventlog.KindError || !errors.Is(last.Err, ErrIdleTimeout) {
			t.Fatalf("session %s ended with %s %v, want ErrIdleTimeout", id, last.Kind, last.Err)
		}
	}

	const want = `
# HELP test_idle_timeouts_total Number of sessions closed by the idle timeout
# TYPE test_idle_timeouts_total counter
test_idle_timeouts_total{proxy="web"} 3
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(want), "test_idle_timeouts_total"); err != nil {
		t.Fatal(err)
	}
}

func TestHTTPRelayUpstreamUnreachable(t *testing.T) {
	t.Parallel()

	rec := &testutil.EventRecorder{}
	s := serve(t, config.Definition{
		Name:     "down",
		Upstream: "http://" + testutil.ClosedAddr(t),
		Protocol: config.ProtocolHTTP,
	}, Config{DialTimeout: time.Second, Sink: rec})

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + s.addr + "/")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got %d want 502", resp.StatusCode)
	}

	rec.WaitFor(t, 2*time.Second, func(r *testutil.EventRecorder) bool { return r.Ended() == 1 })
	evs := onlySession(t, rec)
	if last := evs[len(evs)-1]; last.Kind != eventlog.KindError || !errors.Is(last.Err, ErrUpstreamUnreachable) {
		t.Fatalf("got %s %v", last.Kind, last.Err)
	}
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "temporary" }
func (temporaryError) Temporary() bool { return true }
func (temporaryError) Timeout() bool   { return false }

// scriptedListener returns errs from Accept in order, then a permanent
// error.
type scriptedListener struct {
	net.Listener
	mu   sync.Mutex
	errs []error
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errs) == 0 {
		return nil, errors.New("accept: listener broken")
	}
	err := l.errs[0]
	l.errs = l.errs[1:]
	return nil, err
}

func (l *scriptedListener) Close() error { return nil }

func TestAcceptLoopRetriesTemporaryErrors(t *testing.T) {
	t.Parallel()

	h, err := NewHandler(config.Definition{Name: "x", Upstream: "127.0.0.1:1", Protocol: config.ProtocolTCP}, Config{})
	if err != nil {
		t.Fatal(err)
	}

	ln := &scriptedListener{errs: []error{temporaryError{}, temporaryError{}}}
	err = h.Serve(context.Background(), ln)
	if err == nil || err.Error() != "accept: listener broken" {
		t.Fatalf("expected the permanent accept error, got %v", err)
	}
	if len(ln.errs) != 0 {
		t.Fatalf("temporary errors were not retried")
	}
}

func TestNewHandlerInvalidProtocol(t *testing.T) {
	t.Parallel()

	_, err := NewHandler(config.Definition{Name: "x", Protocol: "udp"}, Config{})
	if !errors.Is(err, config.ErrInvalidProtocol) {
		t.Fatalf("expected ErrInvalidProtocol, got %v", err)
	}
}
