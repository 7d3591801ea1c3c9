// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dokku

// AppStatus is the coarse run state of an app.
type AppStatus string

const (
	StatusRunning AppStatus = "running"
	StatusStopped AppStatus = "stopped"
	StatusCrashed AppStatus = "crashed"
	StatusUnknown AppStatus = "unknown"
)

// App summarizes one Dokku application.
type App struct {
	Name           string    `json:"name"`
	Status         AppStatus `json:"status"`
	ContainerCount int       `json:"containerCount"`
	Domains        []string  `json:"domains"`
	DeployBranch   string    `json:"deployBranch,omitempty"`
	WebURL         string    `json:"webUrl,omitempty"`
	// Processes is only filled by AppInfo.
	Processes []ProcessScale `json:"processes,omitempty"`
}

// EnvVar is one config entry. Value is already masked when Sensitive.
type EnvVar struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// Certificate is one row of letsencrypt:list.
type Certificate struct {
	App              string `json:"app"`
	Expiry           string `json:"expiry"`
	DaysUntilExpiry  int    `json:"daysUntilExpiry"`
	DaysUntilRenewal int    `json:"daysUntilRenewal"`
}

// Severity buckets days-until-expiry for display.
func (c Certificate) Severity() string {
	switch {
	case c.DaysUntilExpiry > 60:
		return "ok"
	case c.DaysUntilExpiry > 30:
		return "notice"
	case c.DaysUntilExpiry > 7:
		return "warning"
	default:
		return "critical"
	}
}

// ProcessScale is one row of ps:scale.
type ProcessScale struct {
	Type     string `json:"type"`
	Quantity int    `json:"quantity"`
}

// Plugin is one row of plugin:list.
type Plugin struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`
}

// LogLine is one line of app output with its display level.
type LogLine struct {
	Text  string `json:"text"`
	Level string `json:"level,omitempty"`
}
