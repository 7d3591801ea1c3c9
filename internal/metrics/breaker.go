// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Breakers guard dependencies of the gateway; today that is only dialing the
// remote host ("remote_dial").
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dokkugw_breaker_state",
		Help: "1 for the position each breaker is in, 0 for the others",
	}, []string{"breaker", "state"})

	BreakerOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_breaker_opened_total",
		Help: "Breaker openings by cause (threshold, half_open_failed)",
	}, []string{"breaker", "cause"})

	BreakerRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_breaker_rejected_total",
		Help: "Calls refused without reaching the dependency",
	}, []string{"breaker"})
)

// SetBreakerState marks state as the current position of breaker among
// positions, zeroing the others.
func SetBreakerState(breaker, state string, positions ...string) {
	for _, p := range positions {
		v := 0.0
		if p == state {
			v = 1
		}
		BreakerState.WithLabelValues(breaker, p).Set(v)
	}
}

// IncBreakerOpened records one transition to open.
func IncBreakerOpened(breaker, cause string) {
	BreakerOpenedTotal.WithLabelValues(breaker, cause).Inc()
}

// IncBreakerRejected records one call turned away by an open breaker.
func IncBreakerRejected(breaker string) {
	BreakerRejectedTotal.WithLabelValues(breaker).Inc()
}
