package config

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateListenAddress = errors.New("duplicate listen address")
	ErrMissingListen          = errors.New("missing listen address")
	ErrMissingUpstream        = errors.New("missing upstream address")
	ErrInvalidProtocol        = errors.New("invalid protocol")
	ErrRoutesRequireHTTP      = errors.New("routes require protocol http")

	errNotPositive = errors.New("must be > 0")
	errNegative    = errors.New("must be >= 0")
)

// Error reports an invalid or conflicting definition. It is fatal at
// startup.
type Error struct {
	Proxy string
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Proxy == "" {
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config: proxy %q: %s: %v", e.Proxy, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
