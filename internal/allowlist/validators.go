// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package allowlist

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Validator checks one placeholder value and optionally transforms it
// before it is placed into its argument slot.
type Validator struct {
	Name      string
	Check     func(v string) error
	Transform func(v string) string
}

const (
	maxNameLen  = 63
	maxEnvValue = 8 << 10
)

var (
	appNameRe      = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)
	envKeyRe       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	processScaleRe = regexp.MustCompile(`^[a-z][a-z0-9-]*=[0-9]{1,3}$`)
	pluginNameRe   = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
)

func matchName(re *regexp.Regexp, pattern string) func(string) error {
	return func(v string) error {
		if len(v) > maxNameLen {
			return fmt.Errorf("longer than %d characters", maxNameLen)
		}
		if !re.MatchString(v) {
			return fmt.Errorf("must match %s", pattern)
		}
		return nil
	}
}

func intRange(lo, hi int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil || strconv.Itoa(n) != v {
			return fmt.Errorf("must be an integer")
		}
		if n < lo || n > hi {
			return fmt.Errorf("must be between %d and %d", lo, hi)
		}
		return nil
	}
}

func checkEnvValue(v string) error {
	if len(v) > maxEnvValue {
		return fmt.Errorf("longer than %d bytes", maxEnvValue)
	}
	if !utf8.ValidString(v) {
		return fmt.Errorf("not valid UTF-8")
	}
	if strings.ContainsRune(v, 0) {
		return fmt.Errorf("contains NUL")
	}
	return nil
}

var validators = map[string]Validator{
	"app_name":     {Name: "app_name", Check: matchName(appNameRe, "[a-z0-9][a-z0-9-]*")},
	"service_name": {Name: "service_name", Check: matchName(appNameRe, "[a-z0-9][a-z0-9-]*")},
	"env_key":      {Name: "env_key", Check: matchName(envKeyRe, "[A-Za-z_][A-Za-z0-9_]*")},
	"plugin_name":  {Name: "plugin_name", Check: matchName(pluginNameRe, "[a-z][a-z0-9-]*")},
	"env_value": {
		Name:      "env_value",
		Check:     checkEnvValue,
		Transform: func(v string) string { return base64.StdEncoding.EncodeToString([]byte(v)) },
	},
	"line_count":    {Name: "line_count", Check: intRange(1, 10000)},
	"backlog_count": {Name: "backlog_count", Check: intRange(0, 10000)},
	"process_scale": {Name: "process_scale", Check: func(v string) error {
		if !processScaleRe.MatchString(v) {
			return fmt.Errorf("must look like web=2")
		}
		return nil
	}},
}

// LookupValidator returns a built-in validator by name.
func LookupValidator(name string) (Validator, bool) {
	v, ok := validators[name]
	return v, ok
}
