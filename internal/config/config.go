// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the gateway configuration.
//
// Precedence is defaults, then the YAML file (unknown keys are an error),
// then DOKKUGW_* environment variables. The result is validated as a whole.
// Durations are expressed in milliseconds to match the file format.
package config

import "time"

// Config is the complete gateway configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Pool      PoolConfig      `yaml:"pool"`
	Exec      ExecConfig      `yaml:"exec"`
	Stream    StreamConfig    `yaml:"stream"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Audit     AuditConfig     `yaml:"audit"`

	// Version is the binary version; it is never read from the file.
	Version string `yaml:"-"`
}

// RemoteConfig addresses the Dokku host.
type RemoteConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	User           string   `yaml:"user"`
	CredentialPath string   `yaml:"credentialPath"`
	KnownHostsPath string   `yaml:"knownHostsPath"`
	CommandPrefix  []string `yaml:"commandPrefix"`
	DialTimeoutMs  int      `yaml:"dialTimeoutMs"`
}

// PoolConfig sizes the SSH session pool.
type PoolConfig struct {
	Size             int  `yaml:"size"`
	AcquireTimeoutMs int  `yaml:"acquireTimeoutMs"`
	FailFast         bool `yaml:"failFast"`
	IdleProbe        bool `yaml:"idleProbe"`
	DialRetries      int  `yaml:"dialRetries"`
	BackoffBaseMs    int  `yaml:"backoffBaseMs"`
	BackoffMaxMs     int  `yaml:"backoffMaxMs"`
	BreakerThreshold int  `yaml:"breakerThreshold"`
	BreakerResetMs   int  `yaml:"breakerResetMs"`
}

// ExecConfig bounds unary executions.
type ExecConfig struct {
	TimeoutMs      int `yaml:"timeoutMs"`
	OutputCapBytes int `yaml:"outputCapBytes"`
}

// StreamConfig controls the stream broker.
type StreamConfig struct {
	MaxLifetimeMs        int `yaml:"maxLifetimeMs"`
	SubscriberQueueDepth int `yaml:"subscriberQueueDepth"`
	HeartbeatMs          int `yaml:"heartbeatMs"`
	DrainTimeoutMs       int `yaml:"drainTimeoutMs"`
	ReconnectRetries     int `yaml:"reconnectRetries"`
	BacklogLines         int `yaml:"backlogLines"`
	StableAfterMs        int `yaml:"stableAfterMs"`
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	ListenAddr        string `yaml:"listenAddr"`
	MetricsAddr       string `yaml:"metricsAddr"`
	RateLimitRPM      int    `yaml:"rateLimitRPM"`
	IdentityHeaders   string `yaml:"identityHeaders"`
	ProxySecretHeader string `yaml:"proxySecretHeader"`
	ProxySecret       string `yaml:"proxySecret"`
	ShutdownTimeoutMs int    `yaml:"shutdownTimeoutMs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// AuditConfig configures durable audit storage. An empty DBPath keeps
// audit entries in the log only.
type AuditConfig struct {
	DBPath string `yaml:"dbPath"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Remote: RemoteConfig{
			Port:          22,
			User:          "dokku",
			DialTimeoutMs: 10000,
		},
		Pool: PoolConfig{
			Size:             4,
			AcquireTimeoutMs: 5000,
			FailFast:         true,
			IdleProbe:        true,
			DialRetries:      3,
			BackoffBaseMs:    200,
			BackoffMaxMs:     10000,
			BreakerThreshold: 5,
			BreakerResetMs:   30000,
		},
		Exec: ExecConfig{
			TimeoutMs:      30000,
			OutputCapBytes: 256 << 10,
		},
		Stream: StreamConfig{
			MaxLifetimeMs:        3600000,
			SubscriberQueueDepth: 256,
			HeartbeatMs:          15000,
			DrainTimeoutMs:       5000,
			ReconnectRetries:     5,
			BacklogLines:         0,
			StableAfterMs:        30000,
		},
		API: APIConfig{
			ListenAddr:        ":8080",
			MetricsAddr:       ":9090",
			RateLimitRPM:      600,
			IdentityHeaders:   "X-Authentik-",
			ShutdownTimeoutMs: 10000,
		},
		Log: LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}

// Ms converts a millisecond option to a duration.
func Ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
