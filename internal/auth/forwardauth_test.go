// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestExtractIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/apps", nil)
	r.Header.Set("X-Authentik-Username", "alice")
	r.Header.Set("X-Authentik-Email", "alice@example.com")
	r.Header.Set("X-Authentik-Name", "Alice Example")
	r.Header.Set("X-Authentik-Groups", "admins| ops ||")
	r.Header.Set("X-Authentik-Uid", "42")

	want := Identity{
		Username: "alice",
		Email:    "alice@example.com",
		Name:     "Alice Example",
		Groups:   []string{"admins", "ops"},
		UID:      "42",
	}
	if diff := cmp.Diff(want, ExtractIdentity(r, "")); diff != "" {
		t.Fatalf("ExtractIdentity mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, want.InGroup("ops"))
	assert.False(t, want.InGroup("dev"))
}

func TestExtractIdentityCustomPrefixAndMissingUser(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Auth-Username", "bob")
	assert.Equal(t, "bob", ExtractIdentity(r, "X-Auth-").Username)

	id := ExtractIdentity(r, "")
	assert.True(t, id.IsZero())
	assert.Equal(t, "unknown", id.Actor())
}

func TestVerifyProxySecret(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, VerifyProxySecret(r, "X-Proxy-Secret", ""))
	assert.False(t, VerifyProxySecret(r, "X-Proxy-Secret", "s3cret"))

	r.Header.Set("X-Proxy-Secret", "wrong")
	assert.False(t, VerifyProxySecret(r, "X-Proxy-Secret", "s3cret"))

	r.Header.Set("X-Proxy-Secret", "s3cret")
	assert.True(t, VerifyProxySecret(r, "X-Proxy-Secret", "s3cret"))
	assert.False(t, VerifyProxySecret(nil, "X-Proxy-Secret", "s3cret"))
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{Username: "carol"})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "carol", id.Actor())
}
