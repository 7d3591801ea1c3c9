// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dokku

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ManuGH/dokkugw/internal/auth"
	"github.com/ManuGH/dokkugw/internal/executor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ErrAppNotFound is returned when Dokku reports the app does not exist.
var ErrAppNotFound = errors.New("dokku: app not found")

// CommandError is a remote command that ran and exited non-zero.
type CommandError struct {
	Operation string
	ExitCode  int
	Stderr    string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("dokku %s: exit code %d", e.Operation, e.ExitCode)
	}
	return fmt.Sprintf("dokku %s: exit code %d: %s", e.Operation, e.ExitCode, msg)
}

// Runner runs one allowlisted operation. *gateway.Gateway implements it.
type Runner interface {
	Run(ctx context.Context, op string, args map[string]string, identity auth.Identity) (*executor.Result, error)
}

// Client exposes typed Dokku queries built from several operations.
type Client struct {
	runner      Runner
	concurrency int
	group       singleflight.Group
}

// NewClient creates a client. concurrency bounds fan-out per call.
func NewClient(r Runner, concurrency int) *Client {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Client{runner: r, concurrency: concurrency}
}

func (c *Client) output(ctx context.Context, op string, args map[string]string, id auth.Identity) (string, error) {
	res, err := c.runner.Run(ctx, op, args, id)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		if strings.Contains(res.Stderr+res.Stdout, "does not exist") {
			return "", fmt.Errorf("%w: %s", ErrAppNotFound, args["app"])
		}
		return "", &CommandError{Operation: op, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}

// shared coalesces identical concurrent queries of one identity. Callers of
// different identities never share a flight, so each one's reads are run and
// audited under its own name. The flight is detached from the caller that
// started it; every caller stops waiting when its own ctx ends.
func (c *Client) shared(ctx context.Context, key string, id auth.Identity, fn func(ctx context.Context) (any, error)) (any, error) {
	flight := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id.Actor()+"\x00"+key, func() (any, error) {
		return fn(flight)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListApps returns every app with its status. A failing status lookup
// marks that app unknown instead of failing the whole list.
func (c *Client) ListApps(ctx context.Context, id auth.Identity) ([]App, error) {
	v, err := c.shared(ctx, "apps", id, func(ctx context.Context) (any, error) {
		out, err := c.output(ctx, "apps", nil, id)
		if err != nil {
			return nil, err
		}
		names := ParseNameList(out)
		apps := make([]App, len(names))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		for i, name := range names {
			apps[i] = App{Name: name, Status: StatusUnknown}
			g.Go(func() error {
				report, err := c.output(gctx, "status", map[string]string{"app": name}, id)
				if err != nil {
					return nil
				}
				apps[i].Status = ParseStatus(report)
				apps[i].ContainerCount = ParseContainerCount(report)
				if addr := ParseWebAddress(report); addr != "" {
					apps[i].Domains = []string{addr}
					apps[i].WebURL = "https://" + addr
				}
				return nil
			})
		}
		_ = g.Wait()
		return apps, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]App), nil
}

// AppInfo gathers status, domains, deploy branch and process scaling
// concurrently.
func (c *Client) AppInfo(ctx context.Context, app string, id auth.Identity) (*App, error) {
	v, err := c.shared(ctx, "info/"+app, id, func(ctx context.Context) (any, error) {
		args := map[string]string{"app": app}
		var ps, domains, git string
		var procs []ProcessScale

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency)
		g.Go(func() (err error) { ps, err = c.output(gctx, "status", args, id); return })
		g.Go(func() (err error) { domains, err = c.output(gctx, "domains", args, id); return })
		g.Go(func() (err error) { git, err = c.output(gctx, "git-report", args, id); return })
		g.Go(func() (err error) { procs, err = c.Scale(gctx, app, id); return })
		if err := g.Wait(); err != nil {
			return nil, err
		}

		info := &App{
			Name:           app,
			Status:         ParseStatus(ps),
			ContainerCount: ParseContainerCount(ps),
			Domains:        ParseDomains(domains),
			DeployBranch:   ParseDeployBranch(git),
			Processes:      procs,
		}
		if len(info.Domains) > 0 {
			info.WebURL = "https://" + info.Domains[0]
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*App), nil
}

// ConfigList returns the app environment with secrets masked.
func (c *Client) ConfigList(ctx context.Context, app string, id auth.Identity) ([]EnvVar, error) {
	out, err := c.output(ctx, "config", map[string]string{"app": app}, id)
	if err != nil {
		return nil, err
	}
	return ParseConfig(out), nil
}

// Certificates lists Let's Encrypt certificates, soonest expiry first.
func (c *Client) Certificates(ctx context.Context, id auth.Identity) ([]Certificate, error) {
	out, err := c.output(ctx, "letsencrypt-list", nil, id)
	if err != nil {
		return nil, err
	}
	certs := ParseCertificates(out)
	sort.SliceStable(certs, func(i, j int) bool {
		return certs[i].DaysUntilExpiry < certs[j].DaysUntilExpiry
	})
	return certs, nil
}

// Scale returns the process scaling of an app.
func (c *Client) Scale(ctx context.Context, app string, id auth.Identity) ([]ProcessScale, error) {
	out, err := c.output(ctx, "scale-report", map[string]string{"app": app}, id)
	if err != nil {
		return nil, err
	}
	return ParseScale(out), nil
}

// Plugins lists installed plugins.
func (c *Client) Plugins(ctx context.Context, id auth.Identity) ([]Plugin, error) {
	out, err := c.output(ctx, "plugin-list", nil, id)
	if err != nil {
		return nil, err
	}
	return ParsePlugins(out), nil
}

// Services lists service instances per datastore plugin. Plugins that are
// not installed are skipped.
func (c *Client) Services(ctx context.Context, id auth.Identity) (map[string][]string, error) {
	kinds := []string{"redis", "postgres", "mysql", "mongo"}
	found := make([][]string, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, kind := range kinds {
		g.Go(func() error {
			out, err := c.output(gctx, kind+"-list", nil, id)
			var cmdErr *CommandError
			if errors.As(err, &cmdErr) {
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = ParseNameList(out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(kinds))
	for i, kind := range kinds {
		if found[i] != nil {
			out[kind] = found[i]
		}
	}
	return out, nil
}

// Version returns the Dokku version string.
func (c *Client) Version(ctx context.Context, id auth.Identity) (string, error) {
	out, err := c.output(ctx, "version", nil, id)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RecentLogs returns the last n log lines of an app.
func (c *Client) RecentLogs(ctx context.Context, app string, n int, id auth.Identity) ([]LogLine, error) {
	out, err := c.output(ctx, "logs-recent", map[string]string{"app": app, "lines": strconv.Itoa(n)}, id)
	if err != nil {
		return nil, err
	}
	raw := strings.Split(strings.TrimRight(out, "\n"), "\n")
	logs := make([]LogLine, 0, len(raw))
	for _, l := range raw {
		if l == "" {
			continue
		}
		logs = append(logs, LogLine{Text: l, Level: ClassifyLogLine(l)})
	}
	return logs, nil
}
