// Package metrics exposes Prometheus collectors for proxies and sessions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultNamespace = "multi_proxy"

// Metrics is safe for concurrent use. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	sessions     *prometheus.CounterVec
	active       *prometheus.GaugeVec
	bytes        *prometheus.CounterVec
	dialErrors   *prometheus.CounterVec
	idleTimeouts *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	state        *prometheus.GaugeVec
}

func New(r prometheus.Registerer, namespace string) *Metrics {
	if r == nil {
		r = prometheus.NewRegistry() // This registry will be discarded.
	}
	f := promauto.With(r)
	l := []string{"proxy"}

	return &Metrics{
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "sessions_total",
			Namespace: namespace,
			Help:      "Number of accepted client sessions",
		}, l),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:      "sessions_active",
			Namespace: namespace,
			Help:      "Number of open client sessions",
		}, l),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "bytes_total",
			Namespace: namespace,
			Help:      "Number of bytes relayed, by direction (in: client to upstream, out: upstream to client)",
		}, []string{"proxy", "direction"}),
		dialErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "upstream_dial_errors_total",
			Namespace: namespace,
			Help:      "Number of failed upstream dials",
		}, l),
		idleTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "idle_timeouts_total",
			Namespace: namespace,
			Help:      "Number of sessions closed by the idle timeout",
		}, l),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "instance_restarts_total",
			Namespace: namespace,
			Help:      "Number of proxy instance restarts after accept loop failures",
		}, l),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name:      "instance_state",
			Namespace: namespace,
			Help:      "Current proxy instance state, 1 for the active state label",
		}, []string{"proxy", "state"}),
	}
}

func (m *Metrics) SessionOpened(proxy string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(proxy).Inc()
	m.active.WithLabelValues(proxy).Inc()
}

func (m *Metrics) SessionClosed(proxy string, in, out uint64) {
	if m == nil {
		return
	}
	m.active.WithLabelValues(proxy).Dec()
	m.bytes.WithLabelValues(proxy, "in").Add(float64(in))
	m.bytes.WithLabelValues(proxy, "out").Add(float64(out))
}

func (m *Metrics) DialError(proxy string) {
	if m == nil {
		return
	}
	m.dialErrors.WithLabelValues(proxy).Inc()
}

func (m *Metrics) IdleTimeout(proxy string) {
	if m == nil {
		return
	}
	m.idleTimeouts.WithLabelValues(proxy).Inc()
}

func (m *Metrics) Restart(proxy string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(proxy).Inc()
}

// SetState marks state as the current state of proxy among all.
func (m *Metrics) SetState(proxy, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(proxy, s).Set(v)
	}
}

// RegisterEventCounters exposes the event sink's drop and failure counters.
func RegisterEventCounters(r prometheus.Registerer, namespace string, dropped, failed func() uint64) {
	if r == nil {
		return
	}
	f := promauto.With(r)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name:      "events_dropped_total",
		Namespace: namespace,
		Help:      "Number of log events dropped because the event buffer was full",
	}, func() float64 { return float64(dropped()) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name:      "events_failed_total",
		Namespace: namespace,
		Help:      "Number of log events the log writer failed to write",
	}, func() float64 { return float64(failed()) })
}
