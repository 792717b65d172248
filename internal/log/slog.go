package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
)

// Logger is a *slog.Logger bound to an optional rotatable file.
type Logger struct {
	*slog.Logger
	file *RotatableFile
}

// New creates a logger writing to cfg.File, or to w when cfg.File is nil.
func New(cfg *Config, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}

	var f *RotatableFile
	if cfg.File != nil {
		f = NewRotatableFile(cfg.File)
		w = f
	}

	return &Logger{
		Logger: slog.New(NewHandler(w, cfg)),
		file:   f,
	}
}

// NewHandler returns the text or JSON handler selected by cfg.
func NewHandler(w io.Writer, cfg *Config) slog.Handler {
	hops := &slog.HandlerOptions{Level: ToSlogLevel(cfg.Level), ReplaceAttr: replaceAttr}
	if cfg.Format == JSONFormat {
		return slog.NewJSONHandler(w, hops)
	}
	return slog.NewTextHandler(w, hops)
}

// Named returns a copy of the logger tagged with name.
func (l *Logger) Named(name string) *Logger {
	c := *l
	c.Logger = c.Logger.With("name", name)
	return &c
}

// Reopen reopens the log file, if any.
func (l *Logger) Reopen() error {
	if l.file == nil {
		return nil
	}
	return l.file.Reopen()
}

// ReopenOnSignal reopens the log file each time one of sigs arrives, until
// ctx is done. Without a log file it only waits for ctx.
func (l *Logger) ReopenOnSignal(ctx context.Context, sigs ...os.Signal) {
	if l.file == nil {
		<-ctx.Done()
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if err := l.Reopen(); err != nil {
				l.Error("failed to reopen log file", "error", err)
			}
		}
	}
}

func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

func ToSlogLevel(level Level) slog.Level {
	switch level {
	case ErrorLevel:
		return slog.LevelError
	case WarnLevel:
		return slog.LevelWarn
	case InfoLevel:
		return slog.LevelInfo
	case DebugLevel:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		a.Key = "timestamp"
	case slog.LevelKey:
		a.Key = "severity"
	case slog.MessageKey:
		a.Key = "message"
	}
	return a
}
