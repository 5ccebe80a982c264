// Package setup creates the calvalus data directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/bcdev/calvalus-portal/internal/model"
	atomicyaml "github.com/bcdev/calvalus-portal/internal/yaml"
	"github.com/bcdev/calvalus-portal/templates"
)

const (
	ConfigFileName  = "config.yaml"
	ExampleFileName = "l3-request.yaml"
)

// Options fill the generated config.
type Options struct {
	User       string
	BackendURL string
	Force      bool
}

// Run lays out dataDir and writes config.yaml plus an example request.
// An existing config is only replaced with Force; the old one is kept as
// config.yaml.bak.
func Run(dataDir string, opts Options) (string, error) {
	absDir, err := filepath.Abs(dataDir)
	if err != nil {
		return "", fmt.Errorf("resolve data dir: %w", err)
	}

	cfgPath := filepath.Join(absDir, ConfigFileName)
	if _, err := os.Stat(cfgPath); err == nil && !opts.Force {
		return "", fmt.Errorf("%s already exists", cfgPath)
	}

	dirs := []string{
		"inbox",
		"inbox/ordered",
		"inbox/quarantine",
		"reports",
		"collector",
		"logs",
		"quarantine",
		"examples",
	}
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(absDir, d), 0755); err != nil {
			return "", fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	cfg, err := generateConfig(absDir, opts)
	if err != nil {
		return "", fmt.Errorf("generate config: %w", err)
	}
	if err := atomicyaml.AtomicWrite(cfgPath, cfg); err != nil {
		return "", fmt.Errorf("write %s: %w", ConfigFileName, err)
	}

	example := filepath.Join(absDir, "examples", ExampleFileName)
	if err := copyTemplateFile(ExampleFileName, example); err != nil {
		return "", err
	}
	return cfgPath, nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := atomicyaml.AtomicWriteRaw(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(dataDir string, opts Options) (*model.Config, error) {
	data, err := fs.ReadFile(templates.FS, ConfigFileName)
	if err != nil {
		return nil, fmt.Errorf("read config template: %w", err)
	}

	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config template: %w", err)
	}

	cfg.DataDir = dataDir
	cfg.Portal.User = opts.User
	if cfg.Portal.User == "" {
		cfg.Portal.User = os.Getenv("USER")
	}
	if opts.BackendURL != "" {
		cfg.Backend.URL = opts.BackendURL
	}
	return &cfg, nil
}
