package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Logger is what producers depend on.
type Logger interface {
	Log(ev Event)
}

// Discard drops every event.
var Discard Logger = discard{}

type discard struct{}

func (discard) Log(Event) {}

type Config struct {
	// BufferSize is the number of events that can be queued.
	BufferSize int
	// BackpressureWindow bounds how long Log waits for buffer space.
	// Zero drops immediately when the buffer is full.
	BackpressureWindow time.Duration
}

// Sink is a buffered, non-blocking event writer.
type Sink struct {
	h      slog.Handler
	ch     chan Event
	window time.Duration

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Sessions whose open event was dropped; their remaining events are
	// dropped too so a logged session always starts with open.
	orphans sync.Map

	dropped atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
}

// NewSink starts the consumer goroutine writing to h. Close must be called
// to stop it.
func NewSink(h slog.Handler, cfg Config) *Sink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	s := &Sink{
		h:      h,
		ch:     make(chan Event, cfg.BufferSize),
		window: cfg.BackpressureWindow,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Log queues ev. It returns once the event is queued or dropped.
func (s *Sink) Log(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if ev.Session != "" && ev.Kind != KindOpen {
		if _, ok := s.orphans.Load(ev.Session); ok {
			if ev.Kind.Terminal() {
				s.orphans.Delete(ev.Session)
			}
			s.dropped.Add(1)
			return
		}
	}

	if !s.enqueue(ev) {
		s.dropped.Add(1)
		if ev.Kind == KindOpen {
			s.orphans.Store(ev.Session, struct{}{})
		}
	}
}

func (s *Sink) enqueue(ev Event) bool {
	select {
	case <-s.quit:
		return false
	default:
	}

	select {
	case s.ch <- ev:
		return true
	default:
	}

	if s.window <= 0 {
		return false
	}

	t := time.NewTimer(s.window)
	defer t.Stop()

	select {
	case s.ch <- ev:
		return true
	case <-t.C:
		return false
	case <-s.quit:
		return false
	}
}

func (s *Sink) run() {
	defer close(s.done)

	for {
		select {
		case ev := <-s.ch:
			s.write(ev)
		case <-s.quit:
			for {
				select {
				case ev := <-s.ch:
					s.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.failed.Add(1)
		}
	}()

	ctx := context.Background()
	r := ev.record()
	if !s.h.Enabled(ctx, r.Level) {
		return
	}
	if err := s.h.Handle(ctx, r); err != nil {
		s.failed.Add(1)
		return
	}
	s.written.Add(1)
}

// Close stops accepting events, flushes the queue and waits for the
// consumer to exit or ctx to be done.
func (s *Sink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.quit)
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of events dropped because the buffer was full,
// the sink was closed, or the session's open event was dropped.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Failed returns the number of events the handler failed to write.
func (s *Sink) Failed() uint64 {
	return s.failed.Load()
}

// Written returns the number of events written.
func (s *Sink) Written() uint64 {
	return s.written.Load()
}
