package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yairfalse/memscout/internal/observers/memevents"
	"github.com/yairfalse/memscout/pkg/config"
	"github.com/yairfalse/memscout/pkg/smapinfo"
)

var watchFlags struct {
	bpfObject string
	snapshot  bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream OOM kill events from the kernel",
	Long: `Watch attaches to the oom/mark_victim tracepoint and prints one
line per OOM kill. With --snapshot it also captures the triggering
process's memory accounting, ranking survivors right after the kill.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fileCfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		cfg := memevents.DefaultConfig()
		cfg.BufferSize = fileCfg.Watch.BufferSize
		cfg.EnableEBPF = !fileCfg.Watch.DisableEBPF
		if fileCfg.Watch.BPFObject != "" {
			cfg.BPFObjectPath = fileCfg.Watch.BPFObject
		}
		if watchFlags.bpfObject != "" {
			cfg.BPFObjectPath = watchFlags.bpfObject
		}
		snapshot := watchFlags.snapshot || fileCfg.Watch.SnapshotOnKill

		obs, err := memevents.NewObserver(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := obs.Start(ctx); err != nil {
			return err
		}
		defer obs.Stop()

		fmt.Fprintln(os.Stderr, "watching for OOM kills, ctrl-c to stop")
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-obs.Events():
				if !ok {
					return nil
				}
				fmt.Fprintf(os.Stdout, "%s oom-kill victim=%d (%s) trigger=%d (%s) total_vm=%dK\n",
					ev.Timestamp.Format("15:04:05.000"),
					ev.VictimPid, ev.VictimComm,
					ev.TriggerPid, ev.TriggerComm,
					ev.TotalVmKB)
				if snapshot {
					snapshotAfterKill(ev)
				}
			}
		}
	},
}

// snapshotAfterKill ranks the surviving processes so the post-kill memory
// state is on record. Failures only warn; the event stream keeps going.
func snapshotAfterKill(ev *memevents.OOMKillEvent) {
	err := smapinfo.Procrank(smapinfo.ProcrankConfig{
		ShowSwap: true,
		ProcRoot: procRoot(),
		SysRoot:  sysRoot(),
		Logger:   logger,
	}, os.Stdout)
	if err != nil {
		logger.Warn("post-kill snapshot failed",
			zap.Int("victim_pid", ev.VictimPid), zap.Error(err))
	}
}

func init() {
	f := watchCmd.Flags()
	f.StringVar(&watchFlags.bpfObject, "bpf-object", "", "path to the compiled oom_watch BPF object")
	f.BoolVar(&watchFlags.snapshot, "snapshot", false, "rank surviving processes after each kill")
}
