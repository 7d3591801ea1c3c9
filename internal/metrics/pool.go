// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dokkugw_pool_sessions",
		Help: "SSH sessions held by the pool, by state (idle, leased)",
	}, []string{"state"})

	PoolWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dokkugw_pool_waiters",
		Help: "Callers currently blocked in Acquire",
	})

	PoolAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_pool_acquire_total",
		Help: "Session acquisitions by result (ok, exhausted, connect_failed, auth_failed, canceled)",
	}, []string{"result"})

	PoolAcquireWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dokkugw_pool_acquire_wait_seconds",
		Help:    "Time spent waiting for a session lease",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	PoolDialTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_pool_dial_total",
		Help: "SSH dial attempts by result",
	}, []string{"result"})

	PoolDiscardTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_pool_discard_total",
		Help: "Sessions discarded by reason (invalidated, probe_failed, closed)",
	}, []string{"reason"})
)

// SetPoolSessions publishes the idle/leased split.
func SetPoolSessions(idle, leased int) {
	PoolSessions.WithLabelValues("idle").Set(float64(idle))
	PoolSessions.WithLabelValues("leased").Set(float64(leased))
}

// ObservePoolAcquire records the outcome and wait time of one Acquire call.
func ObservePoolAcquire(result string, wait time.Duration) {
	PoolAcquireTotal.WithLabelValues(result).Inc()
	PoolAcquireWait.Observe(wait.Seconds())
}

// IncPoolDial records one dial attempt.
func IncPoolDial(result string) {
	PoolDialTotal.WithLabelValues(result).Inc()
}

// IncPoolDiscard records a session thrown away by the pool.
func IncPoolDiscard(reason string) {
	PoolDiscardTotal.WithLabelValues(reason).Inc()
}
