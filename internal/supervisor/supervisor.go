package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/udayangaac/multi-proxy/internal/config"
	"github.com/udayangaac/multi-proxy/internal/dialer"
	"github.com/udayangaac/multi-proxy/internal/eventlog"
	"github.com/udayangaac/multi-proxy/internal/metrics"
	"github.com/udayangaac/multi-proxy/internal/proxy"
	"github.com/udayangaac/multi-proxy/internal/registry"
)

type Option func(*Supervisor)

// WithSink sets the event sink shared by every instance.
func WithSink(l eventlog.Logger) Option {
	return func(s *Supervisor) { s.sink = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithListenFunc replaces the TCP listener factory.
func WithListenFunc(f proxy.ListenFunc) Option {
	return func(s *Supervisor) { s.listen = f }
}

// Supervisor owns the proxy instances. It is started once and stopped once.
type Supervisor struct {
	cfg     *config.Config
	sink    eventlog.Logger
	metrics *metrics.Metrics
	logger  *slog.Logger
	listen  proxy.ListenFunc

	mu        sync.Mutex
	started   bool
	stopping  bool
	registry  *registry.Registry
	instances []*instance
	cancel    context.CancelFunc

	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// New returns a Supervisor for cfg. cfg must not be modified afterwards.
func New(cfg *config.Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		sink:    eventlog.Discard,
		logger:  slog.New(slog.DiscardHandler),
		listen:  proxy.TCPListener(cfg.KeepAlive),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start registers defs, builds a handler per definition and binds every
// listener. Either all instances come up or none do: on failure the
// listeners bound so far are closed before the error is returned.
//
// Duplicate or invalid definitions fail with a *config.Error, bind
// failures with a *StartupError.
func (s *Supervisor) Start(ctx context.Context, defs []config.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	reg := registry.New()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}

	insts := make([]*instance, 0, reg.Len())
	for _, def := range reg.Definitions() {
		h, err := s.newHandler(def)
		if err != nil {
			return err
		}
		insts = append(insts, newInstance(def, h))
	}

	lns := make([]net.Listener, 0, len(insts))
	for _, inst := range insts {
		ln, err := s.listen(ctx, inst.def.Listen)
		if err != nil {
			for _, l := range lns {
				_ = l.Close()
			}
			return &StartupError{Proxy: inst.def.Name, Listen: inst.def.Listen, Err: bindError(err)}
		}
		lns = append(lns, ln)
	}

	reg.Freeze()
	s.registry = reg
	s.instances = insts
	s.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	for i, inst := range insts {
		s.bound(inst, lns[i])
		go s.run(runCtx, inst, lns[i])
	}

	s.logger.Info("proxies started", "count", len(insts))
	return nil
}

func (s *Supervisor) newHandler(def config.Definition) (*proxy.Handler, error) {
	d, err := dialer.New(dialer.Config{
		DialTimeout:        s.cfg.DialTimeout,
		NegotiationTimeout: s.cfg.DialTimeout,
		KeepAlive:          s.cfg.KeepAlive,
	}, def.Via)
	if err != nil {
		return nil, &config.Error{Proxy: def.Name, Field: "via", Err: err}
	}

	h, err := proxy.NewHandler(def, proxy.Config{
		DialTimeout:   s.cfg.DialTimeout,
		IdleTimeout:   s.cfg.IdleTimeout,
		HeaderTimeout: s.cfg.HeaderTimeout,
		Dialer:        d,
		Sink:          s.sink,
		Metrics:       s.metrics,
	})
	if err != nil {
		return nil, &config.Error{Proxy: def.Name, Field: "definition", Err: err}
	}
	return h, nil
}

// bound records a freshly bound listener and reports the instance running.
func (s *Supervisor) bound(inst *instance, ln net.Listener) {
	inst.setListener(ln)
	s.setState(inst, StateRunning, nil)
	s.sink.Log(eventlog.Event{
		Kind:     eventlog.KindListening,
		Proxy:    inst.def.Name,
		Upstream: inst.def.Upstream,
		Message:  ln.Addr().String(),
	})
}

func (s *Supervisor) setState(inst *instance, st State, err error) {
	inst.setState(st, err)
	s.metrics.SetState(inst.def.Name, string(st), allStates)
}

// run serves inst until ctx is done, rebinding it after accept failures.
func (s *Supervisor) run(ctx context.Context, inst *instance, ln net.Listener) {
	defer close(inst.done)

	name := inst.def.Name
	failures := 0
	for {
		before := inst.h.Accepted()
		err := inst.h.Serve(ctx, ln)
		_ = ln.Close()
		inst.setListener(nil)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("accept loop exited")
		}
		if inst.h.Accepted() > before {
			failures = 0
		}

		for {
			failures++
			fail := &InstanceFailure{Proxy: name, Attempt: failures, Err: err}
			if failures > s.cfg.MaxRestarts {
				s.setState(inst, StateDegraded, fail)
				s.sink.Log(eventlog.Event{Kind: eventlog.KindDegraded, Proxy: name, Err: fail})
				s.logger.Error("proxy degraded", "proxy", name, "error", fail)
				return
			}

			delay := s.backoff(failures)
			s.setState(inst, StateRestarting, fail)
			s.metrics.Restart(name)
			s.sink.Log(eventlog.Event{
				Kind:    eventlog.KindRestart,
				Proxy:   name,
				Err:     fail,
				Message: fmt.Sprintf("restarting in %s", delay),
			})

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}

			ln, err = s.listen(ctx, inst.def.Listen)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return
			}
			err = bindError(err)
		}

		s.bound(inst, ln)
	}
}

// backoff returns the delay before restart attempt n (1-based):
// RestartBackoff doubled n-1 times, capped at MaxRestartBackoff.
func (s *Supervisor) backoff(n int) time.Duration {
	d := s.cfg.RestartBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= s.cfg.MaxRestartBackoff {
			return s.cfg.MaxRestartBackoff
		}
	}
	return min(d, s.cfg.MaxRestartBackoff)
}

// Stop cancels every accept loop, waits up to DrainTimeout (or ctx) for
// sessions to end and aborts the rest. It returns after every session and
// accept loop has exited. Later calls return the first call's result.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		insts := s.instances
		cancel := s.cancel
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		errs := make([]error, len(insts))
		var g errgroup.Group
		for i, inst := range insts {
			g.Go(func() error {
				<-inst.done

				dctx, dcancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
				defer dcancel()
				errs[i] = inst.h.Drain(dctx)

				s.setState(inst, StateStopped, nil)
				s.sink.Log(eventlog.Event{Kind: eventlog.KindStopped, Proxy: inst.def.Name})
				return nil
			})
		}
		_ = g.Wait()

		s.stopErr = errors.Join(errs...)
		if s.stopErr != nil {
			s.logger.Warn("proxies stopped with aborted sessions", "error", s.stopErr)
		} else {
			s.logger.Info("proxies stopped", "count", len(insts))
		}
		close(s.stopped)
	})
	return s.stopErr
}

// Wait blocks until Stop has completed.
func (s *Supervisor) Wait() {
	<-s.stopped
}

// Instances returns a snapshot of every instance in definition order.
func (s *Supervisor) Instances() []Info {
	s.mu.Lock()
	insts := s.instances
	s.mu.Unlock()

	out := make([]Info, len(insts))
	for i, inst := range insts {
		out[i] = inst.info()
	}
	return out
}

// ResolveUpstream returns the upstream of the instance listening on addr.
func (s *Supervisor) ResolveUpstream(listen string) (string, error) {
	s.mu.Lock()
	reg := s.registry
	s.mu.Unlock()

	if reg == nil {
		return "", fmt.Errorf("%w: %s", registry.ErrUnknownListenAddress, listen)
	}
	return reg.ResolveUpstream(listen)
}
