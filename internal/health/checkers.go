// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"os"

	"github.com/ManuGH/dokkugw/internal/pool"
	"github.com/ManuGH/dokkugw/internal/resilience"
)

// PoolSource is the part of the session pool the checker reads.
type PoolSource interface {
	Stats() pool.Stats
	BreakerState() resilience.State
}

// PoolChecker reports the remote host as unhealthy while the dial breaker
// is open and degraded while callers queue for sessions.
type PoolChecker struct {
	pool PoolSource
}

// NewPoolChecker creates a checker over p.
func NewPoolChecker(p PoolSource) *PoolChecker {
	return &PoolChecker{pool: p}
}

func (c *PoolChecker) Name() string { return "remote_pool" }

func (c *PoolChecker) Check(_ context.Context) CheckResult {
	st := c.pool.Stats()
	msg := fmt.Sprintf("%d/%d leased, %d idle, %d waiting", st.Leased, st.Size, st.Idle, st.Waiters)

	switch c.pool.BreakerState() {
	case resilience.StateOpen:
		return CheckResult{
			Status:  StatusUnhealthy,
			Error:   "remote host unreachable (circuit open)",
			Message: msg,
		}
	case resilience.StateHalfOpen:
		return CheckResult{Status: StatusDegraded, Message: "probing remote host; " + msg}
	}
	if st.Waiters > 0 {
		return CheckResult{Status: StatusDegraded, Message: "pool saturated; " + msg}
	}
	return CheckResult{Status: StatusHealthy, Message: msg}
}

// FileChecker checks that a file exists and is non-empty.
type FileChecker struct {
	name string
	path string
}

// NewFileChecker creates a checker for file existence
func NewFileChecker(name, path string) *FileChecker {
	return &FileChecker{
		name: name,
		path: path,
	}
}

func (c *FileChecker) Name() string {
	return c.name
}

func (c *FileChecker) Check(_ context.Context) CheckResult {
	if c.path == "" {
		return CheckResult{
			Status:  StatusHealthy,
			Message: "not configured (optional)",
		}
	}

	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusUnhealthy,
				Error:   "file not found",
				Message: c.path,
			}
		}
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  err.Error(),
		}
	}

	if info.IsDir() {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  "expected file, got directory",
		}
	}

	if info.Size() == 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: "file is empty",
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Message: "file exists and readable",
	}
}

// FuncChecker adapts a function to Checker.
type FuncChecker struct {
	name string
	fn   func(context.Context) error
}

// NewFuncChecker reports unhealthy whenever fn returns an error.
func NewFuncChecker(name string, fn func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, fn: fn}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	if err := c.fn(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}
