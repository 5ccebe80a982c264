// Package config loads the calvalus configuration: a YAML or TOML file,
// then a .env file, then CALVALUS_* environment variables, then defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/bcdev/calvalus-portal/internal/model"
	"github.com/bcdev/calvalus-portal/internal/monitor"
)

const EnvPrefix = "CALVALUS_"

// Load reads path (optional) and applies environment overrides and
// defaults. With an empty path, $CALVALUS_CONFIG and then
// ~/.calvalus/config.yaml are tried; a missing default file is not an error.
func Load(path string) (*model.Config, error) {
	cfg := &model.Config{}

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "CONFIG")
		explicit = path != ""
	}
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".calvalus", "config.yaml")
		}
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *model.Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, cfg)
	case ".toml":
		err = toml.Unmarshal(b, cfg)
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func ApplyDefaults(cfg *model.Config) {
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".calvalus")
		} else {
			cfg.DataDir = ".calvalus"
		}
	}

	if cfg.Backend.TimeoutSec == 0 {
		cfg.Backend.TimeoutSec = 30
	}

	p := &cfg.Portal
	if p.User == "" {
		p.User = os.Getenv("USER")
	}
	if p.Filter == "" {
		p.Filter = model.FilterAll
	}
	if p.SyncIntervalSec == 0 {
		p.SyncIntervalSec = 10
	}
	if p.MonitorIntervalMs == 0 {
		p.MonitorIntervalMs = 5000
	}
	if p.FailurePolicy == "" {
		p.FailurePolicy = "terminal"
	}
	if p.InboxDir == "" {
		p.InboxDir = filepath.Join(cfg.DataDir, "inbox")
	}
	if p.DebounceSec == 0 {
		p.DebounceSec = 0.5
	}

	c := &cfg.Collector
	if c.PollIntervalSec == 0 {
		c.PollIntervalSec = 60
	}
	if c.ReportsDir == "" {
		c.ReportsDir = filepath.Join(cfg.DataDir, "reports")
	}
	if c.StatusFile == "" {
		c.StatusFile = filepath.Join(cfg.DataDir, "collector", "status.yaml")
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.ProcessedWindow == 0 {
		c.ProcessedWindow = 1000
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.ShutdownTimeoutSec == 0 {
		c.ShutdownTimeoutSec = 10
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

func Validate(cfg *model.Config) error {
	var errs []error
	if cfg.Backend.URL != "" {
		if _, err := url.ParseRequestURI(cfg.Backend.URL); err != nil {
			errs = append(errs, fmt.Errorf("backend.url: %w", err))
		}
	}
	if cfg.Collector.JobHistoryURL != "" {
		if _, err := url.ParseRequestURI(cfg.Collector.JobHistoryURL); err != nil {
			errs = append(errs, fmt.Errorf("collector.jobhistory_url: %w", err))
		}
	}
	if _, err := monitor.ParseFailurePolicy(cfg.Portal.FailurePolicy, cfg.Portal.MaxConsecutiveFailures); err != nil {
		errs = append(errs, fmt.Errorf("portal.failure_policy: %w", err))
	}
	for name, v := range map[string]int{
		"backend.timeout_sec":         cfg.Backend.TimeoutSec,
		"portal.sync_interval_sec":    cfg.Portal.SyncIntervalSec,
		"portal.monitor_interval_ms":  cfg.Portal.MonitorIntervalMs,
		"collector.poll_interval_sec": cfg.Collector.PollIntervalSec,
		"collector.workers":           cfg.Collector.Workers,
		"collector.processed_window":  cfg.Collector.ProcessedWindow,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	switch cfg.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format))
	}
	return errors.Join(errs...)
}

// Paths below live in the data directory.

func DBPath(cfg *model.Config) string {
	return filepath.Join(cfg.DataDir, "portal.db")
}

func JournalPath(cfg *model.Config) string {
	return filepath.Join(cfg.DataDir, "logs", "events.jsonl")
}

func CollectorDir(cfg *model.Config) string {
	return filepath.Join(cfg.DataDir, "collector")
}

func CollectorSocketPath(cfg *model.Config) string {
	return filepath.Join(CollectorDir(cfg), "collector.sock")
}

func CollectorLockPath(cfg *model.Config) string {
	return filepath.Join(CollectorDir(cfg), "collector.lock")
}

func PortalLockPath(cfg *model.Config) string {
	return filepath.Join(cfg.DataDir, "portal.lock")
}

func QuarantineDir(cfg *model.Config) string {
	return filepath.Join(cfg.DataDir, "quarantine")
}
