// Package log configures the process logger on top of log/slog.
package log

import (
	"fmt"
	"os"
	"strings"
)

var (
	DefaultFileFlags = os.O_CREATE | os.O_APPEND | os.O_WRONLY

	DefaultFileMode os.FileMode = 0o600
)

// Config selects where the process logger writes and what it keeps.
type Config struct {
	File   *os.File
	Level  Level
	Format Format
}

func DefaultConfig() *Config {
	return &Config{
		Level:  InfoLevel,
		Format: TextFormat,
	}
}

// Level implements pflag.Value so it can be bound directly to a flag.
type Level int

// The zero Level is invalid so an unset value prints as level(0).
const (
	ErrorLevel Level = 1 + iota
	WarnLevel
	InfoLevel
	DebugLevel
)

var levelNames = [4]string{"error", "warn", "info", "debug"}

func (l Level) String() string {
	if l < ErrorLevel || l > DebugLevel {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l-1]
}

func (l *Level) Set(s string) error {
	for i, n := range levelNames {
		if strings.EqualFold(s, n) {
			*l = Level(i + 1)
			return nil
		}
	}
	return fmt.Errorf("unknown log level %q", s)
}

func (l *Level) Type() string {
	return "level"
}

// Format implements pflag.Value.
type Format int

// The zero Format is invalid, like the zero Level.
const (
	TextFormat Format = 1 + iota
	JSONFormat
)

var formatNames = [2]string{"text", "json"}

func (f Format) String() string {
	if f < TextFormat || f > JSONFormat {
		return fmt.Sprintf("format(%d)", int(f))
	}
	return formatNames[f-1]
}

func (f *Format) Set(s string) error {
	for i, n := range formatNames {
		if strings.EqualFold(s, n) {
			*f = Format(i + 1)
			return nil
		}
	}
	return fmt.Errorf("unknown log format %q", s)
}

func (f *Format) Type() string {
	return "format"
}

// OpenFile opens path for appending with the default flags and mode.
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, DefaultFileFlags, DefaultFileMode)
}
