// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/ManuGH/dokkugw/internal/api/problem"
)

// CSRFProtection rejects cross-origin state-changing requests. The proxy
// authenticates browsers by cookie, so an operation POST from a foreign
// page would otherwise run with the victim's identity. Requests carrying
// neither Origin nor Referer come from non-browser clients and pass.
func CSRFProtection(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimSuffix(origin, "/")] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			origin := requestOrigin(r)
			if origin != "" && !allowed[origin] && !isSameOrigin(origin, r) {
				problem.Write(w, r, http.StatusForbidden, "auth/cross_origin", "Forbidden", "CROSS_ORIGIN",
					"cross-origin request not allowed", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestOrigin extracts the origin from Origin, falling back to Referer.
func requestOrigin(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return strings.TrimSuffix(origin, "/")
	}
	referer := r.Header.Get("Referer")
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}

// isSameOrigin compares against the request's own scheme and host, honoring
// X-Forwarded-Proto from the proxy.
func isSameOrigin(origin string, r *http.Request) bool {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	if r.Host == "" {
		return false
	}
	return origin == scheme+"://"+r.Host
}
