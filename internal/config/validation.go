// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"github.com/ManuGH/dokkugw/internal/validate"
)

// Validate checks cfg and reports every problem at once.
func Validate(cfg Config) error {
	v := validate.New()

	v.NotEmpty("remote.host", cfg.Remote.Host)
	v.Port("remote.port", cfg.Remote.Port)
	v.NotEmpty("remote.user", cfg.Remote.User)
	v.ReadableFile("remote.credentialPath", cfg.Remote.CredentialPath)
	if cfg.Remote.KnownHostsPath != "" {
		v.ReadableFile("remote.knownHostsPath", cfg.Remote.KnownHostsPath)
	}
	v.Positive("remote.dialTimeoutMs", cfg.Remote.DialTimeoutMs)

	v.Range("pool.size", cfg.Pool.Size, 1, 64)
	v.Positive("pool.acquireTimeoutMs", cfg.Pool.AcquireTimeoutMs)
	v.NonNegative("pool.dialRetries", cfg.Pool.DialRetries)
	v.Positive("pool.backoffBaseMs", cfg.Pool.BackoffBaseMs)
	v.Positive("pool.backoffMaxMs", cfg.Pool.BackoffMaxMs)
	if cfg.Pool.BackoffMaxMs < cfg.Pool.BackoffBaseMs {
		v.AddError("pool.backoffMaxMs", "must not be smaller than pool.backoffBaseMs", cfg.Pool.BackoffMaxMs)
	}
	v.Positive("pool.breakerThreshold", cfg.Pool.BreakerThreshold)
	v.Positive("pool.breakerResetMs", cfg.Pool.BreakerResetMs)

	v.Positive("exec.timeoutMs", cfg.Exec.TimeoutMs)
	v.Range("exec.outputCapBytes", cfg.Exec.OutputCapBytes, 1024, 64<<20)

	v.Positive("stream.maxLifetimeMs", cfg.Stream.MaxLifetimeMs)
	v.Range("stream.subscriberQueueDepth", cfg.Stream.SubscriberQueueDepth, 1, 65536)
	v.Positive("stream.heartbeatMs", cfg.Stream.HeartbeatMs)
	v.Positive("stream.drainTimeoutMs", cfg.Stream.DrainTimeoutMs)
	v.NonNegative("stream.reconnectRetries", cfg.Stream.ReconnectRetries)
	v.Range("stream.backlogLines", cfg.Stream.BacklogLines, 0, 10000)
	v.Positive("stream.stableAfterMs", cfg.Stream.StableAfterMs)

	v.HostPort("api.listenAddr", cfg.API.ListenAddr)
	if cfg.API.MetricsAddr != "" {
		v.HostPort("api.metricsAddr", cfg.API.MetricsAddr)
	}
	v.NonNegative("api.rateLimitRPM", cfg.API.RateLimitRPM)
	v.NotEmpty("api.identityHeaders", cfg.API.IdentityHeaders)
	if (cfg.API.ProxySecret == "") != (cfg.API.ProxySecretHeader == "") {
		v.AddError("api.proxySecret", "proxySecret and proxySecretHeader must be set together", cfg.API.ProxySecretHeader)
	}
	v.Positive("api.shutdownTimeoutMs", cfg.API.ShutdownTimeoutMs)

	v.OneOf("log.level", cfg.Log.Level, validate.LogLevels)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.FloatRange("telemetry.samplingRate", cfg.Telemetry.SamplingRate, 0, 1)
	}

	if cfg.Audit.DBPath != "" {
		v.ParentDirectory("audit.dbPath", cfg.Audit.DBPath)
	}

	return v.Err()
}
