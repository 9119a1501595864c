// Package metrics provides opt-in prometheus instrumentation for the AP
// session core, lifted from the same observability boundaries the teacher
// logs at (github.com/cvsouth/tor-go/cmd/tor-client/main.go's
// logger.Warn("failed to cache ...") call sites) onto counters, rather than
// only log lines.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the session core emits. A nil
// *Metrics is always safe to call methods on: every method on it is a no-op.
type Metrics struct {
	loginAttemptsTotal    prometheus.Counter
	reconnectsTotal       prometheus.Counter
	receiverErrorsTotal   prometheus.Counter
	tokenCacheHitsTotal   prometheus.Counter
	tokenCacheMissesTotal prometheus.Counter
}

// New constructs and, if reg is non-nil, registers the core's metrics.
// Passing a nil Registerer disables registration; the counters still count,
// but nothing exports them.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loginAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apgo_login_attempts_total",
			Help: "Total number of login attempts made by the session core.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apgo_reconnects_total",
			Help: "Total number of reconnect attempts triggered by the receiver loop.",
		}),
		receiverErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apgo_receiver_errors_total",
			Help: "Total number of packet decode/dispatch errors observed by the receiver loop.",
		}),
		tokenCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apgo_token_cache_hits_total",
			Help: "Total number of token requests served from cache.",
		}),
		tokenCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "apgo_token_cache_misses_total",
			Help: "Total number of token requests that required a network fetch.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.loginAttemptsTotal,
			m.reconnectsTotal,
			m.receiverErrorsTotal,
			m.tokenCacheHitsTotal,
			m.tokenCacheMissesTotal,
		)
	}
	return m
}

func (m *Metrics) LoginAttempt() {
	if m == nil {
		return
	}
	m.loginAttemptsTotal.Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) ReceiverError() {
	if m == nil {
		return
	}
	m.receiverErrorsTotal.Inc()
}

func (m *Metrics) TokenCacheHit() {
	if m == nil {
		return
	}
	m.tokenCacheHitsTotal.Inc()
}

func (m *Metrics) TokenCacheMiss() {
	if m == nil {
		return
	}
	m.tokenCacheMissesTotal.Inc()
}
