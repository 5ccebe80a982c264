// Package model defines the data structures shared by the portal, the
// production monitors and the reporting collector.
package model

type Config struct {
	DataDir   string          `yaml:"data_dir" toml:"data_dir" env:"DATA_DIR"`
	Backend   BackendConfig   `yaml:"backend" toml:"backend" envPrefix:"BACKEND_"`
	Portal    PortalConfig    `yaml:"portal" toml:"portal" envPrefix:"PORTAL_"`
	Collector CollectorConfig `yaml:"collector" toml:"collector" envPrefix:"COLLECTOR_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
}

type BackendConfig struct {
	URL        string `yaml:"url" toml:"url" env:"URL"`
	Token      string `yaml:"token" toml:"token" env:"TOKEN"`
	TimeoutSec int    `yaml:"timeout_sec" toml:"timeout_sec" env:"TIMEOUT_SEC"`
}

type PortalConfig struct {
	User                   string  `yaml:"user" toml:"user" env:"USER"`
	Filter                 string  `yaml:"filter" toml:"filter" env:"FILTER"`
	SyncIntervalSec        int     `yaml:"sync_interval_sec" toml:"sync_interval_sec" env:"SYNC_INTERVAL_SEC"`
	MonitorIntervalMs      int     `yaml:"monitor_interval_ms" toml:"monitor_interval_ms" env:"MONITOR_INTERVAL_MS"`
	FailurePolicy          string  `yaml:"failure_policy" toml:"failure_policy" env:"FAILURE_POLICY"`
	MaxConsecutiveFailures int     `yaml:"max_consecutive_failures" toml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`
	InboxDir               string  `yaml:"inbox_dir" toml:"inbox_dir" env:"INBOX_DIR"`
	Notify                 bool    `yaml:"notify" toml:"notify" env:"NOTIFY"`
	DebounceSec            float64 `yaml:"debounce_sec" toml:"debounce_sec" env:"DEBOUNCE_SEC"`
}

type CollectorConfig struct {
	JobHistoryURL   string `yaml:"jobhistory_url" toml:"jobhistory_url" env:"JOBHISTORY_URL"`
	PollIntervalSec int    `yaml:"poll_interval_sec" toml:"poll_interval_sec" env:"POLL_INTERVAL_SEC"`
	ReportsDir      string `yaml:"reports_dir" toml:"reports_dir" env:"REPORTS_DIR"`
	StatusFile      string `yaml:"status_file" toml:"status_file" env:"STATUS_FILE"`
	Workers         int    `yaml:"workers" toml:"workers" env:"WORKERS"`
	ListenAddr      string `yaml:"listen_addr" toml:"listen_addr" env:"LISTEN_ADDR"`
	ProcessedWindow int    `yaml:"processed_window" toml:"processed_window" env:"PROCESSED_WINDOW"`
	// MaxAttempts is how many cycles a job may fail before it is given up
	// on. Negative retries forever.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" env:"MAX_ATTEMPTS"`
	// StartFinishedTime is the watermark used when no status file exists yet
	// (milliseconds since epoch, 0 = everything the server still keeps).
	StartFinishedTime  int64 `yaml:"start_finished_time" toml:"start_finished_time" env:"START_FINISHED_TIME"`
	ShutdownTimeoutSec int   `yaml:"shutdown_timeout_sec" toml:"shutdown_timeout_sec" env:"SHUTDOWN_TIMEOUT_SEC"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	File   string `yaml:"file" toml:"file" env:"FILE"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}
