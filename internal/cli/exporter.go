package cli

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/memscout/internal/exporter"
	"github.com/yairfalse/memscout/pkg/config"
)

var exporterFlags struct {
	listen   string
	interval time.Duration
	pids     []string
}

var exporterCmd = &cobra.Command{
	Use:   "exporter",
	Short: "Serve process memory metrics for Prometheus",
	RunE: func(cmd *cobra.Command, args []string) error {
		fileCfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		cfg := exporter.DefaultConfig()
		cfg.ListenAddr = fileCfg.Exporter.ListenAddr
		cfg.Interval = time.Duration(fileCfg.Exporter.Interval)
		cfg.Pids = fileCfg.Exporter.Pids
		cfg.ProcRoot = procRoot()
		cfg.SysRoot = sysRoot()

		// Flags beat the file, but only when actually given.
		if cmd.Flags().Changed("listen") {
			cfg.ListenAddr = exporterFlags.listen
		}
		if cmd.Flags().Changed("interval") {
			cfg.Interval = exporterFlags.interval
		}
		if cmd.Flags().Changed("pids") {
			cfg.Pids = nil
			for _, p := range exporterFlags.pids {
				pid, err := strconv.Atoi(p)
				if err != nil {
					return err
				}
				cfg.Pids = append(cfg.Pids, pid)
			}
		}

		e, err := exporter.New(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := e.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.Stop(shutdownCtx)
	},
}

func init() {
	f := exporterCmd.Flags()
	f.StringVar(&exporterFlags.listen, "listen", ":9257", "metrics listen address")
	f.DurationVar(&exporterFlags.interval, "interval", 30*time.Second, "scrape interval")
	f.StringSliceVar(&exporterFlags.pids, "pids", nil, "limit the scrape to these pids")
}
