package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config carries run defaults and the optional remote submission host.
type Config struct {
	// Backend pins the queue selection ("local", "slurm", "torque");
	// empty means detect from the environment.
	Backend string `yaml:"backend"`
	// Threads bounds the local worker pool; zero means all cores.
	Threads   int      `yaml:"threads"`
	Partition string   `yaml:"partition"`
	Modules   []string `yaml:"modules"`
	// Ledger is the path of the sqlite submission ledger; empty disables it.
	Ledger string      `yaml:"ledger"`
	Retry  RetryConfig `yaml:"retry"`
	// SubmitHost, when set, routes scheduler tool invocations through SSH
	// to a cluster login node instead of running them on this host.
	SubmitHost SubmitHost `yaml:"submit_host"`
}

type RetryConfig struct {
	Attempts     int `yaml:"attempts"`
	DelaySeconds int `yaml:"delay_seconds"`
}

type SubmitHost struct {
	Addr       string `yaml:"addr"` // host:port
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path"`
	KnownHosts string `yaml:"known_hosts"`
}

// DefaultConfig returns the built-in defaults: detect the backend, size the
// pool to all cores, submit with five attempts one second apart.
func DefaultConfig() Config {
	return Config{Retry: RetryConfig{Attempts: 5, DelaySeconds: 1}}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/aser/config.yaml, falling back
// to ~/.config/aser/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "aser", "config.yaml")
}

// LoadConfig reads YAML configuration from a path. If path is empty the
// default location is used and a missing file yields the defaults; an
// explicitly named file must exist. The QUEUE and ASER_THREADS environment
// variables override the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if path == "" {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file is fine; detection and defaults cover everything.
	default:
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if v := os.Getenv("QUEUE"); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv("ASER_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse ASER_THREADS: %w", err)
		}
		cfg.Threads = n
	}
	if cfg.Retry.Attempts < 1 {
		cfg.Retry.Attempts = 1
	}
	return cfg, nil
}

// WriteDefaultConfig creates a commented starter config at path unless one
// already exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	content := `# aser configuration
# backend: slurm        # local, slurm, or torque; omit to auto-detect
# threads: 8            # local worker pool size; omit for all cores
# partition: normal
# modules: [samtools]
# ledger: ~/.config/aser/jobs.db
retry:
  attempts: 5
  delay_seconds: 1
# submit_host:
#   addr: login.cluster.example.edu:22
#   user: me
#   key_path: ~/.config/aser/ssh/id_ed25519
#   known_hosts: ~/.config/aser/known_hosts
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
