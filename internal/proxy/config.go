package proxy

import (
	"time"

	"github.com/udayangaac/multi-proxy/internal/dialer"
	"github.com/udayangaac/multi-proxy/internal/eventlog"
	"github.com/udayangaac/multi-proxy/internal/metrics"
)

type Config struct {
	// DialTimeout bounds each upstream dial.
	DialTimeout time.Duration

	// IdleTimeout closes TCP sessions that moved no data in either
	// direction and idle HTTP keep-alive connections. Zero disables it.
	IdleTimeout time.Duration

	// HeaderTimeout bounds reading HTTP request headers.
	HeaderTimeout time.Duration

	// Dialer reaches the upstream. Nil dials directly.
	Dialer dialer.Dialer

	// Sink receives session events. Nil discards them.
	Sink eventlog.Logger

	Metrics *metrics.Metrics
}
