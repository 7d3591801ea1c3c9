// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package middleware

import (
	"net/http"

	"github.com/ManuGH/dokkugw/internal/api/problem"
	"github.com/ManuGH/dokkugw/internal/audit"
	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/log"
)

// ForwardAuthConfig configures identity extraction from the reverse proxy.
type ForwardAuthConfig struct {
	HeaderPrefix string // e.g. "X-Authentik-"
	SecretHeader string // optional shared-secret header set by the proxy
	Secret       string
	Audit        *audit.Logger
}

// ForwardAuth trusts the identity headers injected by the forward-auth
// proxy. Requests without a username, or without the proxy's shared
// secret when one is configured, are rejected with 401.
func ForwardAuth(cfg ForwardAuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if !auth.VerifyProxySecret(r, cfg.SecretHeader, cfg.Secret) {
				logger := log.WithComponentFromContext(ctx, "auth")
				logger.Warn().
					Str(log.FieldEvent, "auth.proxy_secret_mismatch").
					Str("remote_addr", r.RemoteAddr).
					Msg("request did not come through the auth proxy")
				cfg.Audit.AuthMissing(ctx, r.RemoteAddr, r.URL.Path)
				problem.Write(w, r, http.StatusUnauthorized, "auth/unauthenticated", "Unauthorized", "UNAUTHORIZED",
					"request did not pass the authentication proxy", nil)
				return
			}

			id := auth.ExtractIdentity(r, cfg.HeaderPrefix)
			if id.IsZero() {
				cfg.Audit.AuthMissing(ctx, r.RemoteAddr, r.URL.Path)
				problem.Write(w, r, http.StatusUnauthorized, "auth/unauthenticated", "Unauthorized", "UNAUTHORIZED",
					"missing forward-auth identity", nil)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(ctx, id)))
		})
	}
}
