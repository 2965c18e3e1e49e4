// Package memevents watches kernel memory pressure events: it attaches to
// the oom/mark_victim tracepoint and streams OOM kill records so callers can
// snapshot a victim's accounting before the kernel reclaims it.
package memevents

import (
	"fmt"
)

// Config holds configuration for the memory event observer.
type Config struct {
	Name       string `json:"name"`
	BufferSize int    `json:"buffer_size"`
	EnableEBPF bool   `json:"enable_ebpf"`

	// BPFObjectPath points at the compiled oom_watch object, built from
	// bpf_src/oom_watch.c by the go:generate line in observer_linux.go.
	BPFObjectPath string `json:"bpf_object_path"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:          "memevents",
		BufferSize:    1000,
		EnableEBPF:    true,
		BPFObjectPath: "/usr/lib/memscout/oom_watch.o",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be greater than 0")
	}
	if c.BufferSize > 100000 {
		return fmt.Errorf("buffer size must not exceed 100,000")
	}
	if c.EnableEBPF && c.BPFObjectPath == "" {
		return fmt.Errorf("bpf object path is required when eBPF is enabled")
	}
	return nil
}
