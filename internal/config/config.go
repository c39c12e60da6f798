// Package config loads the optional .chisel.yaml file. The resulting
// Config is passed explicitly through the CLI-to-core boundary; core
// packages never read process environment or globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FileName is the per-tree configuration file.
const FileName = ".chisel.yaml"

// Config is the process-wide policy for one invocation.
type Config struct {
	// Repair enables hashline anchor repair by default; the --repair flag
	// still wins.
	Repair bool `yaml:"repair"`
	// Journal records committed transactions and pre-image backups.
	Journal bool `yaml:"journal"`
	// AllowLegacy accepts pre-cutover v1 changeset payloads.
	AllowLegacy bool `yaml:"allow_legacy"`
	// JournalDir overrides where the journal database and objects live.
	JournalDir string `yaml:"journal_dir"`
}

// Default is the configuration used when no file is present.
func Default() Config {
	return Config{Journal: true, JournalDir: ".chisel"}
}

// Load reads the config from dir, returning defaults if the file does not
// exist.
func Load(dir string) (Config, error) {
	cfg := Default()
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if cfg.JournalDir == "" {
		cfg.JournalDir = ".chisel"
	}
	return cfg, nil
}
