// Package eventlog records proxy lifecycle and traffic events.
//
// Producers call Sink.Log from accept loops and session goroutines. Events
// are queued in a bounded buffer and written by a single consumer
// goroutine, so Log never blocks longer than the configured backpressure
// window and never reports an error back to the caller. Events that cannot
// be queued or written are dropped and counted.
package eventlog

import (
	"log/slog"
	"time"
)

// Kind identifies an event.
type Kind string

// Session events.
const (
	KindOpen  Kind = "open"
	KindData  Kind = "data"
	KindClose Kind = "close"
	KindError Kind = "error"
)

// Instance events.
const (
	KindListening Kind = "listening"
	KindRestart   Kind = "restart"
	KindDegraded  Kind = "degraded"
	KindStopped   Kind = "stopped"
)

// Terminal reports whether k ends a session.
func (k Kind) Terminal() bool {
	return k == KindClose || k == KindError
}

// Event is a single log record.
type Event struct {
	Time time.Time
	Kind Kind

	Proxy    string
	Session  string
	Client   string
	Upstream string

	BytesIn  uint64
	BytesOut uint64
	Duration time.Duration

	Message string
	Err     error
}

func (e *Event) level() slog.Level {
	switch e.Kind {
	case KindError, KindRestart:
		return slog.LevelWarn
	case KindDegraded:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (e *Event) message() string {
	if e.Session != "" {
		return "session " + string(e.Kind)
	}
	return "proxy " + string(e.Kind)
}

func (e *Event) record() slog.Record {
	r := slog.NewRecord(e.Time, e.level(), e.message(), 0)
	r.AddAttrs(slog.String("proxy", e.Proxy))
	if e.Session != "" {
		r.AddAttrs(slog.String("session", e.Session))
	}
	if e.Client != "" {
		r.AddAttrs(slog.String("client", e.Client))
	}
	if e.Upstream != "" {
		r.AddAttrs(slog.String("upstream", e.Upstream))
	}
	if e.Kind == KindData || e.Kind.Terminal() {
		r.AddAttrs(slog.Uint64("bytes_in", e.BytesIn), slog.Uint64("bytes_out", e.BytesOut))
	}
	if e.Duration > 0 {
		r.AddAttrs(slog.Duration("duration", e.Duration))
	}
	if e.Message != "" {
		r.AddAttrs(slog.String("detail", e.Message))
	}
	if e.Err != nil {
		r.AddAttrs(slog.String("error", e.Err.Error()))
	}
	return r
}
