package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrAddressInUse is wrapped by a StartupError when a listen address
	// is already bound.
	ErrAddressInUse = errors.New("address in use")

	ErrAlreadyStarted = errors.New("supervisor already started")
	ErrStopped        = errors.New("supervisor stopped")
)

// StartupError reports a listener that could not be bound. Start releases
// every listener it bound before returning it.
type StartupError struct {
	Proxy  string
	Listen string
	Err    error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start proxy %q on %s: %v", e.Proxy, e.Listen, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// InstanceFailure reports an accept loop or rebind failure of one proxy.
// It is logged and never stops sibling proxies.
type InstanceFailure struct {
	Proxy   string
	Attempt int
	Err     error
}

func (e *InstanceFailure) Error() string {
	return fmt.Sprintf("proxy %q failed (attempt %d): %v", e.Proxy, e.Attempt, e.Err)
}

func (e *InstanceFailure) Unwrap() error {
	return e.Err
}

func bindError(err error) error {
	if isAddrInUse(err) {
		return fmt.Errorf("%w: %w", ErrAddressInUse, err)
	}
	return err
}
