package memevents

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Observer streams OOM kill events from the kernel. Platform-specific
// attachment lives in observer_linux.go; everywhere else Start fails unless
// eBPF is disabled.
type Observer struct {
	config *Config
	logger *zap.Logger

	events chan *OOMKillEvent

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ebpfState interface{}

	dropped uint64
}

// NewObserver creates an observer with the given config; nil selects
// DefaultConfig.
func NewObserver(cfg *Config, logger *zap.Logger) (*Observer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memevents config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Observer{
		config: cfg,
		logger: logger.Named(cfg.Name),
		events: make(chan *OOMKillEvent, cfg.BufferSize),
	}, nil
}

// Events returns the channel OOM kills are delivered on. It is closed when
// the observer stops.
func (o *Observer) Events() <-chan *OOMKillEvent { return o.events }

// Start attaches the tracepoint and begins streaming events.
func (o *Observer) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return fmt.Errorf("observer already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	if o.config.EnableEBPF {
		if err := o.startEBPF(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to start eBPF monitoring: %w", err)
		}
	} else {
		o.logger.Info("eBPF disabled, observer will emit no events")
	}

	o.started = true
	o.logger.Info("memory event observer started",
		zap.Bool("ebpf", o.config.EnableEBPF),
		zap.Int("buffer_size", o.config.BufferSize))
	return nil
}

// Stop detaches the tracepoint, waits for the reader and closes the event
// channel.
func (o *Observer) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return
	}

	o.cancel()
	o.stopEBPF()
	o.wg.Wait()
	close(o.events)
	o.started = false

	o.logger.Info("memory event observer stopped", zap.Uint64("dropped_events", o.dropped))
}

// deliver hands one event to the channel, dropping when the consumer lags.
func (o *Observer) deliver(ev *OOMKillEvent) {
	select {
	case o.events <- ev:
	default:
		o.dropped++
		o.logger.Warn("dropping OOM event, channel full",
			zap.Int("victim_pid", ev.VictimPid),
			zap.String("victim_comm", ev.VictimComm))
	}
}
