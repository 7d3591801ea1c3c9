// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package validate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_URL(t *testing.T) {
	tests := []struct {
		name           string
		value          string
		allowedSchemes []string
		wantErr        bool
	}{
		{"valid http", "http://example.com", []string{"http", "https"}, false},
		{"valid https", "https://example.com", []string{"http", "https"}, false},
		{"empty url", "", []string{"http"}, true},
		{"no host", "http://", []string{"http"}, true},
		{"invalid scheme", "ftp://example.com", []string{"http", "https"}, true},
		{"with port", "http://collector:4318", []string{"http"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.URL("endpoint", tt.value, tt.allowedSchemes)
			assert.Equal(t, tt.wantErr, !v.IsValid(), v.Err())
		})
	}
}

func TestValidator_PortAndHostPort(t *testing.T) {
	v := New()
	v.Port("a", 22)
	v.HostPort("b", ":8080")
	v.HostPort("c", "127.0.0.1:9090")
	require.True(t, v.IsValid(), v.Err())

	v.Port("d", 0)
	v.Port("e", 70000)
	v.HostPort("f", "8080")
	v.HostPort("g", "host:http")
	assert.Len(t, v.Errors(), 4)
}

func TestValidator_Ranges(t *testing.T) {
	v := New()
	v.Range("pool.size", 4, 1, 64)
	v.FloatRange("samplingRate", 0.5, 0, 1)
	v.Positive("exec.timeoutMs", 1)
	v.NonNegative("stream.backlogLines", 0)
	require.True(t, v.IsValid())

	v.Range("pool.size", 0, 1, 64)
	v.FloatRange("samplingRate", 1.5, 0, 1)
	v.Positive("exec.timeoutMs", 0)
	v.NonNegative("stream.backlogLines", -1)
	assert.Len(t, v.Errors(), 4)
}

func TestValidator_StringsAndCustom(t *testing.T) {
	v := New()
	v.NotEmpty("remote.host", "  ")
	v.OneOf("log.level", "verbose", LogLevels)
	v.Custom("x", 3, func(any) error { return errors.New("nope") })

	errs := v.Errors()
	require.Len(t, errs, 3)
	assert.Equal(t, "remote.host", errs[0].Field)
	assert.Equal(t, "nope", errs[2].Message)
}

func TestValidator_ReadableFile(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(key, []byte("key"), 0o600))

	v := New()
	v.ReadableFile("remote.credentialPath", key)
	require.True(t, v.IsValid(), v.Err())

	v.ReadableFile("missing", filepath.Join(dir, "nope"))
	v.ReadableFile("dir", dir)
	v.ReadableFile("empty", "")
	assert.Len(t, v.Errors(), 3)
}

func TestValidator_ParentDirectoryCreates(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "state", "audit.sqlite")

	v := New()
	v.ParentDirectory("audit.dbPath", db)
	require.True(t, v.IsValid(), v.Err())
	info, err := os.Stat(filepath.Join(dir, "state"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	v.ParentDirectory("audit.dbPath", "../escape/audit.sqlite")
	assert.False(t, v.IsValid())
}

func TestValidationErrorJoinsMessages(t *testing.T) {
	v := New()
	require.NoError(t, v.Err())

	v.AddError("a", "first", nil)
	assert.Equal(t, "validation failed for a: first", v.Err().Error())

	v.AddError("b", "second", nil)
	err := v.Err()
	assert.Equal(t, "validation failed for a: first; validation failed for b: second", err.Error())

	var verr ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors(), 2)
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarn, lvl)

	_, err = ParseLogLevel("trace")
	assert.ErrorIs(t, err, ErrInvalidLogLevel)
}
