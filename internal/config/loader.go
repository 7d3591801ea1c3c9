// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader. configPath may be empty.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envList(key string, defaultVal []string) []string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseList(key, defaultVal)
}

// Path returns the config file path.
func (l *Loader) Path() string { return l.configPath }

// Load loads configuration with precedence: ENV > File > Defaults.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes path over cfg. Keys absent from the file keep their
// current value; unknown keys are an error.
func (l *Loader) loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	const p = EnvPrefix

	cfg.Remote.Host = l.envString(p+"REMOTE_HOST", cfg.Remote.Host)
	cfg.Remote.Port = l.envInt(p+"REMOTE_PORT", cfg.Remote.Port)
	cfg.Remote.User = l.envString(p+"REMOTE_USER", cfg.Remote.User)
	cfg.Remote.CredentialPath = l.envString(p+"REMOTE_CREDENTIAL_PATH", cfg.Remote.CredentialPath)
	cfg.Remote.KnownHostsPath = l.envString(p+"REMOTE_KNOWN_HOSTS_PATH", cfg.Remote.KnownHostsPath)
	cfg.Remote.CommandPrefix = l.envList(p+"REMOTE_COMMAND_PREFIX", cfg.Remote.CommandPrefix)
	cfg.Remote.DialTimeoutMs = l.envInt(p+"REMOTE_DIAL_TIMEOUT_MS", cfg.Remote.DialTimeoutMs)

	cfg.Pool.Size = l.envInt(p+"POOL_SIZE", cfg.Pool.Size)
	cfg.Pool.AcquireTimeoutMs = l.envInt(p+"POOL_ACQUIRE_TIMEOUT_MS", cfg.Pool.AcquireTimeoutMs)
	cfg.Pool.FailFast = l.envBool(p+"POOL_FAIL_FAST", cfg.Pool.FailFast)
	cfg.Pool.IdleProbe = l.envBool(p+"POOL_IDLE_PROBE", cfg.Pool.IdleProbe)
	cfg.Pool.DialRetries = l.envInt(p+"POOL_DIAL_RETRIES", cfg.Pool.DialRetries)
	cfg.Pool.BackoffBaseMs = l.envInt(p+"POOL_BACKOFF_BASE_MS", cfg.Pool.BackoffBaseMs)
	cfg.Pool.BackoffMaxMs = l.envInt(p+"POOL_BACKOFF_MAX_MS", cfg.Pool.BackoffMaxMs)
	cfg.Pool.BreakerThreshold = l.envInt(p+"POOL_BREAKER_THRESHOLD", cfg.Pool.BreakerThreshold)
	cfg.Pool.BreakerResetMs = l.envInt(p+"POOL_BREAKER_RESET_MS", cfg.Pool.BreakerResetMs)

	cfg.Exec.TimeoutMs = l.envInt(p+"EXEC_TIMEOUT_MS", cfg.Exec.TimeoutMs)
	cfg.Exec.OutputCapBytes = l.envInt(p+"EXEC_OUTPUT_CAP_BYTES", cfg.Exec.OutputCapBytes)

	cfg.Stream.MaxLifetimeMs = l.envInt(p+"STREAM_MAX_LIFETIME_MS", cfg.Stream.MaxLifetimeMs)
	cfg.Stream.SubscriberQueueDepth = l.envInt(p+"STREAM_SUBSCRIBER_QUEUE_DEPTH", cfg.Stream.SubscriberQueueDepth)
	cfg.Stream.HeartbeatMs = l.envInt(p+"STREAM_HEARTBEAT_MS", cfg.Stream.HeartbeatMs)
	cfg.Stream.DrainTimeoutMs = l.envInt(p+"STREAM_DRAIN_TIMEOUT_MS", cfg.Stream.DrainTimeoutMs)
	cfg.Stream.ReconnectRetries = l.envInt(p+"STREAM_RECONNECT_RETRIES", cfg.Stream.ReconnectRetries)
	cfg.Stream.BacklogLines = l.envInt(p+"STREAM_BACKLOG_LINES", cfg.Stream.BacklogLines)
	cfg.Stream.StableAfterMs = l.envInt(p+"STREAM_STABLE_AFTER_MS", cfg.Stream.StableAfterMs)

	cfg.API.ListenAddr = l.envString(p+"API_LISTEN_ADDR", cfg.API.ListenAddr)
	cfg.API.MetricsAddr = l.envString(p+"API_METRICS_ADDR", cfg.API.MetricsAddr)
	cfg.API.RateLimitRPM = l.envInt(p+"API_RATE_LIMIT_RPM", cfg.API.RateLimitRPM)
	cfg.API.IdentityHeaders = l.envString(p+"API_IDENTITY_HEADERS", cfg.API.IdentityHeaders)
	cfg.API.ProxySecretHeader = l.envString(p+"API_PROXY_SECRET_HEADER", cfg.API.ProxySecretHeader)
	cfg.API.ProxySecret = l.envString(p+"API_PROXY_SECRET", cfg.API.ProxySecret)
	cfg.API.ShutdownTimeoutMs = l.envInt(p+"API_SHUTDOWN_TIMEOUT_MS", cfg.API.ShutdownTimeoutMs)

	cfg.Log.Level = l.envString(p+"LOG_LEVEL", cfg.Log.Level)

	cfg.Telemetry.Enabled = l.envBool(p+"TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString(p+"TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString(p+"TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat(p+"TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = l.envString(p+"TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)

	cfg.Audit.DBPath = l.envString(p+"AUDIT_DB_PATH", cfg.Audit.DBPath)
}
