// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_exec_total",
		Help: "Unary operations by operation and outcome (exit0, exit_nonzero, error kind)",
	}, []string{"operation", "outcome"})

	ExecDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dokkugw_exec_duration_seconds",
		Help:    "Wall time of unary operations including retries",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	ExecRetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_exec_retry_total",
		Help: "Transport-level retries of unary operations",
	}, []string{"operation"})

	ExecTruncatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_exec_truncated_total",
		Help: "Unary results whose captured output hit the byte cap",
	}, []string{"operation", "stderr"})

	RenderRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dokkugw_render_rejected_total",
		Help: "Invocations rejected by the allowlist before reaching the remote host",
	}, []string{"kind"})
)

// ObserveExec records the outcome of one unary operation.
func ObserveExec(operation string, exitCode int, errKind string, d time.Duration) {
	outcome := errKind
	if outcome == "" {
		if exitCode == 0 {
			outcome = "exit0"
		} else {
			outcome = "exit_nonzero"
		}
	}
	ExecTotal.WithLabelValues(operation, outcome).Inc()
	ExecDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncExecRetry records one transport retry.
func IncExecRetry(operation string) {
	ExecRetryTotal.WithLabelValues(operation).Inc()
}

// IncExecTruncated records a truncated stdout or stderr capture.
func IncExecTruncated(operation string, stderr bool) {
	ExecTruncatedTotal.WithLabelValues(operation, strconv.FormatBool(stderr)).Inc()
}

// IncRenderRejected records an allowlist rejection by error kind.
func IncRenderRejected(kind string) {
	RenderRejectedTotal.WithLabelValues(kind).Inc()
}
