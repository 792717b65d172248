package proxy

import "errors"

var (
	// ErrUpstreamUnreachable is recorded on a session whose upstream could
	// not be dialed.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	// ErrIdleTimeout is returned by CopyBidirectional when neither direction
	// moved data for the idle timeout.
	ErrIdleTimeout = errors.New("idle timeout")
)
