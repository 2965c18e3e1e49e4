// Package config loads the memscout configuration file. The file covers the
// long-running surfaces (exporter, watch) that are usually managed by an
// init system; command line flags override whatever the file says.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the on-disk configuration.
type Config struct {
	Exporter ExporterConfig `yaml:"exporter"`
	Watch    WatchConfig    `yaml:"watch"`
}

// ExporterConfig holds the Prometheus exporter settings.
type ExporterConfig struct {
	ListenAddr string   `yaml:"listen_addr"`
	Interval   Duration `yaml:"interval"`

	// Pids limits the scrape set; empty scrapes every process.
	Pids []int `yaml:"pids"`
}

// WatchConfig holds the OOM kill watcher settings.
type WatchConfig struct {
	BufferSize     int    `yaml:"buffer_size"`
	BPFObject      string `yaml:"bpf_object"`
	DisableEBPF    bool   `yaml:"disable_ebpf"`
	SnapshotOnKill bool   `yaml:"snapshot_on_kill"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	return &Config{
		Exporter: ExporterConfig{
			ListenAddr: ":9257",
			Interval:   Duration(30 * time.Second),
		},
		Watch: WatchConfig{
			BufferSize: 1000,
			BPFObject:  "/usr/lib/memscout/oom_watch.o",
		},
	}
}

// Validate rejects values no command could run with.
func (c *Config) Validate() error {
	if c.Exporter.ListenAddr == "" {
		return fmt.Errorf("exporter.listen_addr must not be empty")
	}
	if c.Exporter.Interval <= 0 {
		return fmt.Errorf("exporter.interval must be positive")
	}
	if c.Watch.BufferSize <= 0 {
		return fmt.Errorf("watch.buffer_size must be positive")
	}
	return nil
}

// searchPaths lists where Load looks when no file is given, most specific
// first.
func searchPaths() []string {
	var paths []string
	if env := os.Getenv("MEMSCOUT_CONFIG"); env != "" {
		paths = append(paths, env)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".memscout", "config.yaml"))
	}
	return append(paths, "/etc/memscout/config.yaml")
}

// Load reads path, or the first file found on the search paths when path is
// empty. No file found means the defaults apply unchanged; a file that
// exists but fails to read, parse or validate is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range searchPaths() {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}
