// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ManuGH/dokkugw/internal/config"
	"github.com/ManuGH/dokkugw/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks verifies the local prerequisites before the gateway
// starts serving. An unreachable remote host only logs a warning; the pool
// keeps retrying once traffic arrives.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkFileReadable(cfg.Remote.CredentialPath); err != nil {
		return fmt.Errorf("credential file check failed: %w", err)
	}
	if cfg.Remote.KnownHostsPath != "" {
		if err := checkFileReadable(cfg.Remote.KnownHostsPath); err != nil {
			return fmt.Errorf("known_hosts check failed: %w", err)
		}
	} else {
		logger.Warn().Msg("no known_hosts file configured; host key verification is disabled")
	}

	if cfg.Audit.DBPath != "" {
		if err := checkDirWritable(filepath.Dir(cfg.Audit.DBPath)); err != nil {
			return fmt.Errorf("audit directory check failed: %w", err)
		}
		logger.Info().Str(log.FieldPath, cfg.Audit.DBPath).Msg("audit directory is writable")
	}

	probeRemote(ctx, logger, cfg.Remote)

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDirWritable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)
	return nil
}

func probeRemote(ctx context.Context, logger zerolog.Logger, rc config.RemoteConfig) {
	addr := net.JoinHostPort(rc.Host, strconv.Itoa(rc.Port))
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Warn().
			Err(err).
			Str(log.FieldRemoteHost, addr).
			Msg("remote host not reachable at startup")
		return
	}
	_ = conn.Close()
	logger.Info().Str(log.FieldRemoteHost, addr).Msg("remote host reachable")
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return err
	}
	return f.Close()
}
