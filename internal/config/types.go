package config

// Config is the root configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "10m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Source   SourceConfig   `json:"source"`
	Poller   PollerConfig   `json:"poller"`
	Notify   NotifyConfig   `json:"notify,omitempty"`
	Health   HealthConfig   `json:"health,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Logging  LoggingConfig  `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// SourceConfig points at the published outage-schedule page.
type SourceConfig struct {
	URL string `json:"url"`
	// Timeout bounds a single fetch so a hung request cannot starve later ticks.
	Timeout string `json:"timeout,omitempty"`
}

// PollerConfig controls the fetch/parse/notify cycle.
//
// Defaults (when fields are omitted):
//   - interval: "10m"
//   - initial_delay: "10s"
//   - timezone: "Europe/Kyiv"
//   - lead_time: "10m" (warning lead before outage start / restore)
type PollerConfig struct {
	Interval     string `json:"interval,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	LeadTime     string `json:"lead_time,omitempty"`
}

// NotifyConfig controls outbound message delivery.
type NotifyConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// HealthConfig controls the liveness HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default ":8080"
}

// StorageConfig controls the optional subscription persistence layer.
//
// If Driver is empty or "none", storage is disabled and subscriptions live
// only for the process lifetime.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
