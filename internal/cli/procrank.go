package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yairfalse/memscout/pkg/smapinfo"
)

var procrankFlags struct {
	sort         string
	reverse      bool
	wss          bool
	resetWss     bool
	pageIdle     bool
	swap         bool
	propSwap     bool
	oomadj       bool
}

var procrankCmd = &cobra.Command{
	Use:   "procrank [pid...]",
	Short: "Rank processes by memory usage",
	Long: `Procrank walks every process (or the given pids) and ranks them by
memory usage. With --proportional-swap, swap attribution is split across
processes sharing each swapped page and the compressed zram footprint is
estimated.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pids := make([]int, 0, len(args))
		for _, a := range args {
			pid, err := strconv.Atoi(a)
			if err != nil {
				return fmt.Errorf("invalid pid %q", a)
			}
			pids = append(pids, pid)
		}
		return smapinfo.Procrank(smapinfo.ProcrankConfig{
			Pids:             pids,
			SortKey:          smapinfo.SortKey(procrankFlags.sort),
			Reverse:          procrankFlags.reverse,
			WorkingSet:       procrankFlags.wss,
			ResetWss:         procrankFlags.resetWss,
			UsePageIdle:      procrankFlags.pageIdle,
			ShowSwap:         procrankFlags.swap,
			SwapProportional: procrankFlags.propSwap,
			ShowOomAdj:       procrankFlags.oomadj,
			ProcRoot:         procRoot(),
			SysRoot:          sysRoot(),
			Logger:           logger,
		}, os.Stdout)
	},
}

func init() {
	f := procrankCmd.Flags()
	f.StringVar(&procrankFlags.sort, "sort", "pss", "sort column: pss, rss, uss, vss, swap or oomadj")
	f.BoolVarP(&procrankFlags.reverse, "reverse", "R", false, "reverse the sort order")
	f.BoolVarP(&procrankFlags.wss, "wss", "w", false, "report working set instead of full usage")
	f.BoolVarP(&procrankFlags.resetWss, "reset-wss", "W", false, "reset every process's working set and exit")
	f.BoolVarP(&procrankFlags.pageIdle, "page-idle", "i", false, "use idle page tracking for working sets")
	f.BoolVarP(&procrankFlags.swap, "swap", "s", false, "show swap usage")
	f.BoolVarP(&procrankFlags.propSwap, "proportional-swap", "p", false, "attribute shared swap proportionally and estimate zram usage")
	f.BoolVarP(&procrankFlags.oomadj, "oomadj", "o", false, "show oom_score_adj and enable sorting by it")
}
