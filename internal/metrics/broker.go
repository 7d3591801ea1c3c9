// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BrokerStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dokkugw_broker_streams",
		Help: "Live stream keys by state",
	}, []string{"state"})

	BrokerSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dokkugw_broker_subscribers",
		Help: "Current subscribers by stream kind",
	}, []string{"kind"})

	BrokerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_broker_events_total",
		Help: "Events emitted by stream kind and event kind",
	}, []string{"kind", "event"})

	BrokerDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_broker_dropped_total",
		Help: "Events dropped from slow subscriber queues (drop-oldest backpressure)",
	}, []string{"kind"})

	BrokerReconnectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_broker_reconnect_total",
		Help: "Upstream reconnect attempts by result (resumed, retry, failed)",
	}, []string{"kind", "result"})

	BrokerTeardownTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_broker_teardown_total",
		Help: "Upstream teardowns by reason",
	}, []string{"reason"})
)

// AddBrokerStream moves one stream key into (delta=+1) or out of (delta=-1) a state.
func AddBrokerStream(state string, delta float64) {
	BrokerStreams.WithLabelValues(state).Add(delta)
}

// AddBrokerSubscribers adjusts the subscriber gauge.
func AddBrokerSubscribers(kind string, delta float64) {
	BrokerSubscribers.WithLabelValues(kind).Add(delta)
}

// IncBrokerEvent records one emitted event.
func IncBrokerEvent(kind, event string) {
	BrokerEventsTotal.WithLabelValues(kind, event).Inc()
}

// AddBrokerDropped records events evicted from a subscriber queue.
func AddBrokerDropped(kind string, n int) {
	if n <= 0 {
		return
	}
	BrokerDroppedTotal.WithLabelValues(kind).Add(float64(n))
}

// IncBrokerReconnect records one reconnect step.
func IncBrokerReconnect(kind, result string) {
	BrokerReconnectTotal.WithLabelValues(kind, result).Inc()
}

// IncBrokerTeardown records one upstream teardown.
func IncBrokerTeardown(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	BrokerTeardownTotal.WithLabelValues(reason).Inc()
}
