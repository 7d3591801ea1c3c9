// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"context"
	"strings"
)

// Identity is the already-authenticated caller, as asserted by the
// forward-auth proxy in front of the gateway.
type Identity struct {
	// Username is the stable login name. Required.
	Username string   `json:"username"`
	Email    string   `json:"email,omitempty"`
	Name     string   `json:"name,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	UID      string   `json:"uid,omitempty"`
}

// Anonymous is used for internal calls that have no HTTP caller.
var Anonymous = Identity{Username: "system"}

// IsZero reports whether no identity was asserted.
func (i Identity) IsZero() bool { return strings.TrimSpace(i.Username) == "" }

// Actor is the label written to logs and the audit trail.
func (i Identity) Actor() string {
	if i.IsZero() {
		return "unknown"
	}
	return i.Username
}

// InGroup reports whether the identity belongs to group.
func (i Identity) InGroup(group string) bool {
	for _, g := range i.Groups {
		if g == group {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored on ctx, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
