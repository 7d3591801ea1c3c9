// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dokku parses Dokku command output and offers a typed client on
// top of the gateway's allowlisted operations.
package dokku

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
)

const maskedValue = "••••••••"

// maxPlainValue is the longest config value shown unmasked.
const maxPlainValue = 50

var sensitiveKeyParts = []string{"password", "secret", "key", "token", "api", "private"}

var digitsRe = regexp.MustCompile(`\d+`)

func lines(out string) []string {
	var res []string
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		res = append(res, strings.TrimRight(sc.Text(), "\r"))
	}
	return res
}

func isHeader(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "=====>") || strings.HasPrefix(t, "----->")
}

// ParseNameList parses apps:list and <service>:list output: one name per
// line after an "=====>" header.
func ParseNameList(out string) []string {
	var names []string
	for _, l := range lines(out) {
		t := strings.TrimSpace(l)
		if t == "" || isHeader(t) || strings.HasPrefix(t, "!") {
			continue
		}
		names = append(names, t)
	}
	return names
}

// ParseReport parses "<Key>: <value>" report output into a map keyed by the
// lower-cased key.
func ParseReport(out string) map[string]string {
	report := make(map[string]string)
	for _, l := range lines(out) {
		if isHeader(l) {
			continue
		}
		k, v, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		report[k] = strings.TrimSpace(v)
	}
	return report
}

// ParseStatus derives the app status from ps:report output.
func ParseStatus(out string) AppStatus {
	report := ParseReport(out)
	for k, v := range report {
		if strings.HasPrefix(k, "status ") && strings.HasPrefix(strings.ToLower(v), "exited") {
			return StatusCrashed
		}
	}
	switch strings.ToLower(report["running"]) {
	case "true":
		return StatusRunning
	case "false":
		return StatusStopped
	case "mixed":
		return StatusCrashed
	}

	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "running"):
		return StatusRunning
	case strings.Contains(lower, "stopped"):
		return StatusStopped
	case strings.Contains(lower, "crashed"), strings.Contains(lower, "exited"):
		return StatusCrashed
	default:
		return StatusUnknown
	}
}

// ParseContainerCount reads the process count from ps:report output.
func ParseContainerCount(out string) int {
	for _, l := range lines(out) {
		if !strings.Contains(l, "Processes:") && !strings.Contains(l, "Running:") {
			continue
		}
		if m := digitsRe.FindString(l); m != "" {
			n, _ := strconv.Atoi(m)
			return n
		}
	}
	return 0
}

// ParseWebAddress reads "Ps web address" when the report carries it.
func ParseWebAddress(out string) string {
	return ParseReport(out)["ps web address"]
}

// ParseDomains reads the app vhosts from domains:report output.
func ParseDomains(out string) []string {
	return strings.Fields(ParseReport(out)["domains app vhosts"])
}

// ParseDeployBranch reads the deploy branch from git:report output.
func ParseDeployBranch(out string) string {
	if b := ParseReport(out)["git deploy branch"]; b != "" {
		return b
	}
	return "unknown"
}

// IsSensitiveKey reports whether a config key looks like it holds a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// ParseConfig parses config:show output. Sensitive or long values are masked.
func ParseConfig(out string) []EnvVar {
	var vars []EnvVar
	for _, l := range lines(out) {
		if strings.HasPrefix(l, "=") || isHeader(l) {
			continue
		}
		k, v, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" {
			continue
		}
		ev := EnvVar{Key: k, Value: v, Sensitive: IsSensitiveKey(k)}
		if ev.Sensitive || len(v) > maxPlainValue {
			ev.Value = maskedValue
		}
		vars = append(vars, ev)
	}
	return vars
}

// ParseCertificates parses letsencrypt:list rows such as
// "myapp  2026-01-20 05:25:37  39d, 8h, 3m, 2s  9d, 8h, 3m, 2s".
func ParseCertificates(out string) []Certificate {
	var certs []Certificate
	for _, l := range lines(out) {
		t := strings.TrimSpace(l)
		if t == "" || strings.HasPrefix(t, "---") || strings.Contains(t, "App name") || isHeader(t) {
			continue
		}
		parts := strings.Fields(t)
		if len(parts) < 4 {
			continue
		}
		expiry := parts[1] + " " + parts[2]
		if !looksLikeTimestamp(expiry) {
			continue
		}
		days := 0
		if d, _, ok := strings.Cut(strings.Join(parts[3:], " "), "d,"); ok {
			days, _ = strconv.Atoi(strings.TrimSpace(d))
		}
		certs = append(certs, Certificate{
			App:              parts[0],
			Expiry:           expiry,
			DaysUntilExpiry:  days,
			DaysUntilRenewal: max(0, days-30),
		})
	}
	return certs
}

var timestampRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)

func looksLikeTimestamp(s string) bool { return timestampRe.MatchString(s) }

// ParseScale parses ps:scale output.
func ParseScale(out string) []ProcessScale {
	var procs []ProcessScale
	for _, l := range lines(out) {
		f := strings.Fields(l)
		if len(f) != 2 || isHeader(l) {
			continue
		}
		n, err := strconv.Atoi(f[1])
		if err != nil {
			continue
		}
		procs = append(procs, ProcessScale{Type: strings.TrimSuffix(f[0], ":"), Quantity: n})
	}
	return procs
}

// ParsePlugins parses plugin:list output.
func ParsePlugins(out string) []Plugin {
	var plugins []Plugin
	for _, l := range lines(out) {
		f := strings.Fields(l)
		if len(f) < 3 || isHeader(l) {
			continue
		}
		if f[2] != "enabled" && f[2] != "disabled" {
			continue
		}
		plugins = append(plugins, Plugin{
			Name:        f[0],
			Version:     f[1],
			Enabled:     f[2] == "enabled",
			Description: strings.Join(f[3:], " "),
		})
	}
	return plugins
}

// ClassifyLogLine assigns a display level to one log line.
func ClassifyLogLine(line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "err"):
		return "error"
	case strings.Contains(lower, "warn"):
		return "warn"
	case strings.Contains(lower, "info"):
		return "info"
	default:
		return ""
	}
}
