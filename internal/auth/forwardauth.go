// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// DefaultHeaderPrefix matches Authentik's proxy outpost.
const DefaultHeaderPrefix = "X-Authentik-"

// ExtractIdentity reads the forward-auth headers:
// <prefix>Username, Email, Name, Groups ("|" separated) and Uid.
// A missing Username yields a zero Identity.
func ExtractIdentity(r *http.Request, prefix string) Identity {
	if r == nil {
		return Identity{}
	}
	if prefix == "" {
		prefix = DefaultHeaderPrefix
	}
	get := func(name string) string { return strings.TrimSpace(r.Header.Get(prefix + name)) }

	id := Identity{
		Username: get("Username"),
		Email:    get("Email"),
		Name:     get("Name"),
		UID:      get("Uid"),
	}
	if raw := get("Groups"); raw != "" {
		for _, g := range strings.Split(raw, "|") {
			if g = strings.TrimSpace(g); g != "" {
				id.Groups = append(id.Groups, g)
			}
		}
	}
	return id
}

// VerifyProxySecret checks the shared secret the proxy injects into header.
// An empty expected secret disables the check.
func VerifyProxySecret(r *http.Request, header, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return true
	}
	if r == nil {
		return false
	}
	got := r.Header.Get(header)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}
