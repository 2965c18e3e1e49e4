// Package exporter serves process memory accounting as Prometheus metrics.
// Per-process rollup totals come from smaps_rollup when the kernel has it,
// the full smaps walk otherwise; system totals come from /proc/meminfo.
package exporter

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yairfalse/memscout/pkg/meminfo"
	"github.com/yairfalse/memscout/pkg/smapinfo"
)

// Config holds exporter settings.
type Config struct {
	ListenAddr string        `json:"listen_addr"`
	Interval   time.Duration `json:"interval"`

	// Pids limits the scrape set; empty scrapes every process.
	Pids []int `json:"pids"`

	ProcRoot string `json:"proc_root"`
	SysRoot  string `json:"sys_root"`
}

// DefaultConfig returns a config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: ":9257",
		Interval:   30 * time.Second,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("scrape interval must be positive")
	}
	return nil
}

// Exporter periodically snapshots process and system memory usage into a
// private Prometheus registry and serves it over HTTP.
type Exporter struct {
	config   *Config
	logger   *zap.Logger
	registry *prometheus.Registry

	processGauges map[string]*prometheus.GaugeVec
	systemGauges  map[string]prometheus.Gauge

	rollupSupported bool
	server          *http.Server
	cancel          context.CancelFunc
	done            chan struct{}
}

// processMetrics maps a metric suffix to the accessor pulling it from a
// rollup snapshot, in kB. No vss metric: smaps_rollup carries no Size line,
// so a vss gauge would always publish zero.
var processMetrics = map[string]func(*meminfo.MemUsage) uint64{
	"rss_kilobytes":  func(u *meminfo.MemUsage) uint64 { return u.Rss },
	"pss_kilobytes":  func(u *meminfo.MemUsage) uint64 { return u.Pss },
	"uss_kilobytes":  func(u *meminfo.MemUsage) uint64 { return u.Uss },
	"swap_kilobytes": func(u *meminfo.MemUsage) uint64 { return u.Swap },
	"swap_pss_kilobytes": func(u *meminfo.MemUsage) uint64 {
		return u.SwapPss
	},
}

var systemMetrics = map[string]func(*meminfo.SysMemInfo) uint64{
	"total_kilobytes":     (*meminfo.SysMemInfo).MemTotalKB,
	"free_kilobytes":      (*meminfo.SysMemInfo).MemFreeKB,
	"cached_kilobytes":    (*meminfo.SysMemInfo).MemCachedKB,
	"buffers_kilobytes":   (*meminfo.SysMemInfo).MemBuffersKB,
	"shmem_kilobytes":     (*meminfo.SysMemInfo).MemShmemKB,
	"slab_kilobytes":      (*meminfo.SysMemInfo).MemSlabKB,
	"swap_used_kilobytes": (*meminfo.SysMemInfo).SwapUsedKB,
	"zram_kilobytes":      (*meminfo.SysMemInfo).MemZramKB,
}

// New creates an exporter; nil config selects DefaultConfig.
func New(cfg *Config, logger *zap.Logger) (*Exporter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid exporter config: %w", err)
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.SysRoot == "" {
		cfg.SysRoot = "/sys"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Exporter{
		config:          cfg,
		logger:          logger.Named("exporter"),
		registry:        prometheus.NewRegistry(),
		processGauges:   make(map[string]*prometheus.GaugeVec, len(processMetrics)),
		systemGauges:    make(map[string]prometheus.Gauge, len(systemMetrics)),
		rollupSupported: meminfo.RollupSupported(cfg.ProcRoot),
	}

	for suffix := range processMetrics {
		g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "memscout_process_" + suffix,
			Help: "Process memory usage from smaps rollup.",
		}, []string{"pid", "cmdline"})
		e.registry.MustRegister(g)
		e.processGauges[suffix] = g
	}
	for suffix := range systemMetrics {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "memscout_system_" + suffix,
			Help: "System memory accounting from /proc/meminfo.",
		})
		e.registry.MustRegister(g)
		e.systemGauges[suffix] = g
	}
	return e, nil
}

// Registry exposes the private registry, mainly for tests.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Start begins the scrape loop and HTTP server. It returns once both are
// running; Stop shuts them down.
func (e *Exporter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{Addr: e.config.ListenAddr, Handler: mux}

	go func() {
		if err := e.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()
		e.Scrape()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Scrape()
			}
		}
	}()

	e.logger.Info("exporter started",
		zap.String("addr", e.config.ListenAddr),
		zap.Duration("interval", e.config.Interval),
		zap.Bool("smaps_rollup", e.rollupSupported))
	return nil
}

// Stop shuts down the scrape loop and HTTP server.
func (e *Exporter) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	if e.server != nil {
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Scrape refreshes every gauge once. Vanished processes are dropped from
// the output rather than left stale.
func (e *Exporter) Scrape() {
	pids := e.config.Pids
	if len(pids) == 0 {
		var err error
		pids, err = smapinfo.ListPids(e.config.ProcRoot)
		if err != nil {
			e.logger.Warn("failed to list processes", zap.Error(err))
			return
		}
	}

	for _, g := range e.processGauges {
		g.Reset()
	}
	for _, pid := range pids {
		var usage meminfo.MemUsage
		name := "smaps"
		if e.rollupSupported {
			name = "smaps_rollup"
		}
		path := filepath.Join(e.config.ProcRoot, strconv.Itoa(pid), name)
		if err := meminfo.SmapsOrRollupFromFile(path, &usage); err != nil {
			e.logger.Debug("skipping process", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		labels := prometheus.Labels{
			"pid":     strconv.Itoa(pid),
			"cmdline": smapinfo.Cmdline(e.config.ProcRoot, pid),
		}
		for suffix, get := range processMetrics {
			e.processGauges[suffix].With(labels).Set(float64(get(&usage)))
		}
	}

	sysmem := meminfo.NewSysMemInfo(e.config.ProcRoot, e.config.SysRoot, e.logger)
	if err := sysmem.ReadMemInfo(); err != nil {
		e.logger.Warn("failed to read system meminfo", zap.Error(err))
		return
	}
	for suffix, get := range systemMetrics {
		e.systemGauges[suffix].Set(float64(get(sysmem)))
	}
}
