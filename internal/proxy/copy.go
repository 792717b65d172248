package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays data between left and right until either
// direction reaches EOF or fails, ctx is done, or no data moved in either
// direction for idleTimeout. Both connections are closed before it returns.
//
// It returns nil after a clean EOF, ctx.Err() on cancellation,
// ErrIdleTimeout on expiry, or the first copy error.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) error {
	var (
		once   sync.Once
		result error
		stop   = make(chan struct{})
	)
	finish := func(err error) {
		once.Do(func() {
			result = err
			close(stop)
			_ = left.Close()
			_ = right.Close()
		})
	}

	act := newActivity()

	var g errgroup.Group

	g.Go(func() error {
		finish(pipe(left, right, act))
		return nil
	})

	g.Go(func() error {
		finish(pipe(right, left, act))
		return nil
	})

	g.Go(func() error {
		watch(ctx, stop, idleTimeout, act, finish)
		return nil
	})

	_ = g.Wait()
	return result
}

// watch ends the relay when ctx is done or the connection went idle.
func watch(ctx context.Context, stop <-chan struct{}, idleTimeout time.Duration, act *activity, finish func(error)) {
	var expired <-chan time.Time
	var timer *time.Timer
	if idleTimeout > 0 {
		timer = time.NewTimer(idleTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			finish(ctx.Err())
			return
		case <-expired:
			idle := act.idle()
			if idle >= idleTimeout {
				finish(ErrIdleTimeout)
				return
			}
			timer.Reset(idleTimeout - idle)
		}
	}
}

func pipe(dst, src net.Conn, act *activity) error {
	buf := copyBuffers.Get()
	defer copyBuffers.Put(buf)

	_, err := io.CopyBuffer(activityWriter{w: dst, act: act}, src, buf)
	return err
}

// activity records the time of the last successful write on either side,
// as an offset from a monotonic start time.
type activity struct {
	start time.Time
	last  atomic.Int64
}

func newActivity() *activity {
	return &activity{start: time.Now()}
}

func (a *activity) touch() {
	a.last.Store(int64(time.Since(a.start)))
}

func (a *activity) idle() time.Duration {
	return time.Since(a.start) - time.Duration(a.last.Load())
}

type activityWriter struct {
	w   io.Writer
	act *activity
}

func (w activityWriter) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	if n > 0 {
		w.act.touch()
	}
	return n, err
}
