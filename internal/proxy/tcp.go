package proxy

import (
	"context"
	"net"
)

// TCPRelay pipes every client connection to a single upstream address.
type TCPRelay struct {
	h      *Handler
	target string
}

func (r *TCPRelay) Dial(ctx context.Context, target string) (net.Conn, error) {
	return r.h.dial(ctx, r.h.cfg.Dialer, target)
}

func (r *TCPRelay) Serve(ctx context.Context, ln net.Listener) error {
	return r.h.acceptLoop(ctx, ln, r.relay)
}

func (r *TCPRelay) relay(sc *sessionConn) {
	h := r.h
	defer h.finish(sc)

	up, err := r.Dial(h.sessCtx, r.target)
	if err != nil {
		sc.s.fail(err)
		h.cfg.Metrics.DialError(h.def.Name)
		_ = sc.reset()
		return
	}

	sc.s.fail(CopyBidirectional(h.sessCtx, sc, up, h.cfg.IdleTimeout))
}
