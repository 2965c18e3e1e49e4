//go:build linux
// +build linux

package memevents

import (
	"context"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
)

//go:generate clang -O2 -g -Wall -target bpf -c bpf_src/oom_watch.c -o bpf/oom_watch.o

// ebpfComponents holds the loaded collection and its attachments.
type ebpfComponents struct {
	coll   *ebpf.Collection
	link   link.Link
	reader *ringbuf.Reader
}

func (o *Observer) startEBPF(ctx context.Context) error {
	if err := rlimit.RemoveMemlock(); err != nil {
		o.logger.Warn("failed to remove memlock limit", zap.Error(err))
	}

	spec, err := ebpf.LoadCollectionSpec(o.config.BPFObjectPath)
	if err != nil {
		return fmt.Errorf("failed to load BPF object %s: %w", o.config.BPFObjectPath, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			o.logger.Error("eBPF verifier rejected program", zap.String("details", ve.Error()))
		}
		return fmt.Errorf("failed to load eBPF collection: %w", err)
	}

	prog, ok := coll.Programs["trace_mark_victim"]
	if !ok {
		coll.Close()
		return fmt.Errorf("BPF object has no trace_mark_victim program")
	}
	events, ok := coll.Maps["events"]
	if !ok {
		coll.Close()
		return fmt.Errorf("BPF object has no events map")
	}

	reader, err := ringbuf.NewReader(events)
	if err != nil {
		coll.Close()
		return fmt.Errorf("failed to create ring buffer reader: %w", err)
	}

	tp, err := link.Tracepoint("oom", "mark_victim", prog, nil)
	if err != nil {
		reader.Close()
		coll.Close()
		return fmt.Errorf("failed to attach oom/mark_victim tracepoint: %w", err)
	}

	o.ebpfState = &ebpfComponents{coll: coll, link: tp, reader: reader}

	o.wg.Add(1)
	go o.readEvents(ctx, reader)

	o.logger.Info("attached oom/mark_victim tracepoint",
		zap.String("object", o.config.BPFObjectPath))
	return nil
}

func (o *Observer) stopEBPF() {
	state, ok := o.ebpfState.(*ebpfComponents)
	if !ok || state == nil {
		return
	}
	if state.reader != nil {
		state.reader.Close()
	}
	if state.link != nil {
		state.link.Close()
	}
	if state.coll != nil {
		state.coll.Close()
	}
	o.ebpfState = nil
}

func (o *Observer) readEvents(ctx context.Context, reader *ringbuf.Reader) {
	defer o.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			o.logger.Warn("error reading from ring buffer", zap.Error(err))
			continue
		}

		ev, err := decodeOOMKill(record.RawSample)
		if err != nil {
			o.logger.Warn("malformed OOM event", zap.Error(err))
			continue
		}
		o.deliver(ev)
	}
}
