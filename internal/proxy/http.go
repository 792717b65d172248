package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/udayangaac/multi-proxy/internal/dialer"
)

// HTTPRelay serves client connections with a reverse proxy. Requests are
// routed by longest path prefix; unmatched requests go to the default
// upstream, or get 404 when there is none.
type HTTPRelay struct {
	h        *Handler
	fallback *route
	routes   []*route
	rp       *httputil.ReverseProxy
}

type route struct {
	prefix string
	label  string
	target *url.URL
}

type routeKey struct{}

func newHTTPRelay(h *Handler) (*HTTPRelay, error) {
	r := &HTTPRelay{h: h}

	if h.def.Upstream != "" {
		u, err := url.Parse(h.def.Upstream)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: upstream: %w", h.def.Name, err)
		}
		r.fallback = &route{label: "/", target: u}
	}
	for _, rt := range h.def.Routes {
		u, err := url.Parse(rt.Upstream)
		if err != nil {
			return nil, fmt.Errorf("proxy %s: route %s: %w", h.def.Name, rt.Prefix, err)
		}
		r.routes = append(r.routes, &route{prefix: rt.Prefix, label: rt.Prefix, target: u})
	}
	slices.SortStableFunc(r.routes, func(a, b *route) int {
		return len(b.prefix) - len(a.prefix)
	})

	r.rp = &httputil.ReverseProxy{
		Rewrite:       r.rewrite,
		Transport:     r.newTransport(),
		FlushInterval: 10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:  r.errorHandler,
		BufferPool:    copyBuffers,
	}
	return r, nil
}

func (r *HTTPRelay) Dial(ctx context.Context, target string) (net.Conn, error) {
	return r.h.dial(ctx, r.h.cfg.Dialer, target)
}

// Serve runs an http.Server on ln. Cancelling ctx shuts the server down
// gracefully; aborting the handler closes the remaining connections.
//
// The server has no IdleTimeout of its own: each session's watchdog closes
// the connection once no data moved for the handler's idle timeout, whether
// it is between requests or waiting on the upstream.
func (r *HTTPRelay) Serve(ctx context.Context, ln net.Listener) error {
	h := r.h
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: h.cfg.HeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.sessCtx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if sc, ok := c.(*sessionConn); ok {
				return context.WithValue(ctx, sessionKey{}, sc.s)
			}
			return ctx
		},
	}

	h.bg.Go(func() {
		<-ctx.Done()
		if err := srv.Shutdown(h.sessCtx); err != nil {
			_ = srv.Close()
		}
	})

	err := srv.Serve(&sessionListener{Listener: ln, h: h})
	if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *HTTPRelay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	rt := r.match(req.URL.Path)
	label := "-"
	if rt == nil {
		http.NotFound(rec, req)
	} else {
		label = rt.label
		r.rp.ServeHTTP(rec, req.WithContext(context.WithValue(req.Context(), routeKey{}, rt)))
	}

	if s, ok := SessionFromContext(req.Context()); ok {
		r.h.data(s, fmt.Sprintf("%s %s %s %d %s", req.Method, req.URL.Path, label, rec.status, time.Since(start)))
	}
}

func (r *HTTPRelay) match(path string) *route {
	for _, rt := range r.routes {
		if matchPrefix(path, rt.prefix) {
			return rt
		}
	}
	return r.fallback
}

func matchPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func (r *HTTPRelay) rewrite(pr *httputil.ProxyRequest) {
	rt, ok := pr.In.Context().Value(routeKey{}).(*route)
	if !ok {
		return
	}

	if rt.prefix != "" && rt.prefix != "/" {
		p := strings.TrimPrefix(pr.In.URL.Path, rt.prefix)
		if p == "" {
			p = "/"
		}
		pr.Out.URL.Path = p
		pr.Out.URL.RawPath = ""
	}
	pr.SetURL(rt.target)
	pr.SetXForwarded()
}

func (r *HTTPRelay) errorHandler(w http.ResponseWriter, req *http.Request, err error) {
	// The client went away; there is nobody to answer.
	if req.Context().Err() != nil {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	if !errors.Is(err, ErrUpstreamUnreachable) {
		err = fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	if s, ok := SessionFromContext(req.Context()); ok {
		s.fail(err)
	}
	r.h.cfg.Metrics.DialError(r.h.def.Name)
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func (r *HTTPRelay) newTransport() http.RoundTripper {
	h := r.h
	t := &http.Transport{
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return r.Dial(ctx, addr)
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        2048,
		MaxIdleConnsPerHost: 1024,
		IdleConnTimeout:     h.cfg.IdleTimeout,
		TLSHandshakeTimeout: h.cfg.DialTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// Prefer the standard library proxy support when the configured
	// dialer is an HTTP proxy.
	if up, ok := h.cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		// When using Transport.Proxy, DialContext is used to connect to the proxy itself.
		direct := up.Direct()
		t.DialContext = func(ctx context.Context, _, addr string) (net.Conn, error) {
			return h.dial(ctx, direct, addr)
		}
	}

	return t
}

// sessionListener opens a session for every accepted connection; the
// session ends when net/http closes the connection.
type sessionListener struct {
	net.Listener
	h *Handler
}

func (l *sessionListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return l.h.open(c, true), nil
}

// statusRecorder remembers the final response status for access lines.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote && code >= http.StatusOK {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
