// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ManuGH/dokkugw/internal/api/problem"
	"github.com/ManuGH/dokkugw/internal/audit"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/go-chi/httprate"
)

const rateWindow = time.Minute

// RateLimiter is a per-caller sliding-window limiter whose budget can be
// changed at runtime. Callers are keyed by forward-auth username, falling
// back to the client IP.
type RateLimiter struct {
	current atomic.Pointer[limiterState]
	audit   *audit.Logger
}

type limiterState struct {
	rpm int
	rl  *httprate.RateLimiter // nil when unlimited
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// caller. Zero disables limiting. auditLog may be nil.
func NewRateLimiter(rpm int, auditLog *audit.Logger) *RateLimiter {
	l := &RateLimiter{audit: auditLog}
	l.SetRPM(rpm)
	return l
}

// SetRPM replaces the budget. Counters restart from zero.
func (l *RateLimiter) SetRPM(rpm int) {
	if cur := l.current.Load(); cur != nil && cur.rpm == rpm {
		return
	}
	st := &limiterState{rpm: rpm}
	if rpm > 0 {
		st.rl = httprate.NewRateLimiter(rpm, rateWindow,
			httprate.WithKeyFuncs(keyByCaller),
			httprate.WithLimitHandler(l.limited),
		)
	}
	l.current.Store(st)
}

// RPM returns the active budget.
func (l *RateLimiter) RPM() int { return l.current.Load().rpm }

// Handler enforces the active budget.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := l.current.Load()
		if st.rl == nil {
			next.ServeHTTP(w, r)
			return
		}
		st.rl.Handler(next).ServeHTTP(w, r)
	})
}

func (l *RateLimiter) limited(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	l.audit.RateLimitExceeded(r.Context(), id.Actor(), r.RemoteAddr, r.URL.Path)

	w.Header().Set("Retry-After", strconv.Itoa(int(rateWindow.Seconds())))
	problem.Write(w, r, http.StatusTooManyRequests, "gateway/rate_limited", "Too Many Requests", "RATE_LIMITED",
		"Too many requests. Please try again later.", nil)
}

func keyByCaller(r *http.Request) (string, error) {
	if id, ok := auth.FromContext(r.Context()); ok && !id.IsZero() {
		return "user:" + id.Username, nil
	}
	return httprate.KeyByIP(r)
}
