// Package backend runs throwaway upstream servers for trying out proxy
// definitions locally: HTTP backends answer every request with a line
// naming themselves, TCP backends echo.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/udayangaac/multi-proxy/internal/config"
)

// Server is a running debug backend.
type Server struct {
	ln     net.Listener
	label  string
	logger *slog.Logger

	srv *http.Server

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func (s *Server) Addr() string  { return s.ln.Addr().String() }
func (s *Server) Label() string { return s.label }

// Close stops the backend and waits for its goroutines.
func (s *Server) Close() error {
	var err error
	if s.srv != nil {
		err = s.srv.Close()
	} else {
		err = s.ln.Close()
		s.mu.Lock()
		s.closed = true
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
	}
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func listen(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("backend listen %s: %w", addr, err)
	}
	return ln, nil
}

// StartHTTP serves "DEBUG: You hit <label> at port <port>" on addr.
func StartHTTP(ctx context.Context, addr, label string, logger *slog.Logger) (*Server, error) {
	ln, err := listen(ctx, addr)
	if err != nil {
		return nil, err
	}
	_, port, _ := net.SplitHostPort(ln.Addr().String())

	s := &Server{ln: ln, label: label, logger: logger}
	s.srv = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintf(w, "DEBUG: You hit %s at port %s\n", label, port)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Go(func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("debug backend failed", "backend", label, "error", err)
		}
	})
	logger.Info("started debug backend", "backend", label, "protocol", "http", "addr", s.Addr())
	return s, nil
}

// StartTCP echoes every connection on addr.
func StartTCP(ctx context.Context, addr, label string, logger *slog.Logger) (*Server, error) {
	ln, err := listen(ctx, addr)
	if err != nil {
		return nil, err
	}

	s := &Server{ln: ln, label: label, logger: logger, conns: make(map[net.Conn]struct{})}
	s.wg.Go(func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					logger.Error("debug backend failed", "backend", label, "error", err)
				}
				return
			}
			s.track(c, true)
			s.wg.Go(func() {
				defer s.track(c, false)
				defer c.Close()
				_, _ = io.Copy(c, c)
			})
		}
	})
	logger.Info("started debug backend", "backend", label, "protocol", "tcp", "addr", s.Addr())
	return s, nil
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closed {
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// Target is an upstream a debug backend should stand in for.
type Target struct {
	Addr     string
	Label    string
	Protocol config.Protocol
}

// Targets lists the upstreams of defs, once per address. Route upstreams
// are labelled "Service <n> (<prefix>)".
func Targets(defs []config.Definition) ([]Target, error) {
	seen := make(map[string]bool)
	var out []Target
	add := func(upstream, label string, p config.Protocol) error {
		addr := upstream
		if p == config.ProtocolHTTP {
			u, err := url.Parse(upstream)
			if err != nil {
				return fmt.Errorf("backend %s: %w", label, err)
			}
			addr = u.Host
			if u.Port() == "" {
				addr = net.JoinHostPort(u.Hostname(), "80")
			}
		}
		if seen[addr] {
			return nil
		}
		seen[addr] = true
		out = append(out, Target{Addr: addr, Label: label, Protocol: p})
		return nil
	}

	for _, def := range defs {
		if def.Upstream != "" {
			if err := add(def.Upstream, def.Name, def.Protocol); err != nil {
				return nil, err
			}
		}
		for i, rt := range def.Routes {
			if err := add(rt.Upstream, fmt.Sprintf("Service %d (%s)", i+1, rt.Prefix), config.ProtocolHTTP); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// StartAll starts a backend for every target. On failure the backends
// already started are closed.
func StartAll(ctx context.Context, targets []Target, logger *slog.Logger) ([]*Server, error) {
	servers := make([]*Server, 0, len(targets))
	for _, t := range targets {
		start := StartTCP
		if t.Protocol == config.ProtocolHTTP {
			start = StartHTTP
		}
		s, err := start(ctx, t.Addr, t.Label, logger)
		if err != nil {
			CloseAll(servers)
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func CloseAll(servers []*Server) {
	for _, s := range servers {
		_ = s.Close()
	}
}
