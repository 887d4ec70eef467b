package config

// Config is the brickctl configuration file (JSON, or YAML by extension).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Transport TransportConfig `json:"transport"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Recovery  RecoveryConfig  `json:"recovery"`

	Telemetry *TelemetryConfig `json:"telemetry,omitempty"`
	Metrics   *MetricsConfig   `json:"metrics,omitempty"`
	Journal   *JournalConfig   `json:"journal,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TransportConfig selects how the brick is reached.
//
// Kind values:
//   - "tcp": the brick's stream port at addr (default)
//   - "sim": an in-process simulated brick
type TransportConfig struct {
	Kind        string `json:"kind"`
	Addr        string `json:"addr,omitempty"`
	DialTimeout string `json:"dial_timeout,omitempty"`
}

// SchedulerConfig controls command dispatch.
//
// Defaults (when fields are omitted/zero):
//   - default_timeout: "2s"
//   - history_size: 200
//   - retry: max_retries 2, initial_backoff "50ms", backoff_factor 2,
//     max_backoff "1s", retry_on ["timeout", "execution_failed"]
type SchedulerConfig struct {
	DefaultTimeout string       `json:"default_timeout,omitempty"`
	HistorySize    int          `json:"history_size,omitempty"`
	Retry          *RetryConfig `json:"retry,omitempty"`
}

type RetryConfig struct {
	MaxRetries     int      `json:"max_retries"`
	InitialBackoff string   `json:"initial_backoff,omitempty"`
	BackoffFactor  float64  `json:"backoff_factor,omitempty"`
	MaxBackoff     string   `json:"max_backoff,omitempty"`
	RetryOn        []string `json:"retry_on,omitempty"`
}

// RecoveryConfig controls reconnects after a request with unknown outcome.
type RecoveryConfig struct {
	Attempts     int    `json:"attempts,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

// TelemetryConfig controls background battery polling.
//
// Example:
//
//	"telemetry": { "enabled": true, "schedule": "@every 30s", "timeout": "1s" }
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
}

// MetricsConfig controls the HTTP endpoint serving /metrics and /healthz.
//
// Prefer binding to localhost (e.g. "127.0.0.1:9464"). A non-loopback addr
// requires token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	RateLimit     int    `json:"rate_limit,omitempty"` // requests per minute per client IP
}

// JournalConfig controls the command journal. Driver is none, file, sqlite or
// badger; for badger the path is a directory.
//
// Example:
//
//	"journal": { "driver": "file", "path": "./brickctl_journal" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Keep        int    `json:"keep,omitempty"`
}
