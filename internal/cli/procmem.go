package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yairfalse/memscout/pkg/smapinfo"
)

var procmemFlags struct {
	sort     string
	hideZero bool
	wss      bool
	resetWss bool
	pageIdle bool
}

var procmemCmd = &cobra.Command{
	Use:   "procmem <pid>",
	Short: "Per-mapping usage of one process, accounted from pagemap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		return smapinfo.Procmem(smapinfo.ProcmemConfig{
			Pid:         pid,
			SortKey:     smapinfo.SortKey(procmemFlags.sort),
			HideZero:    procmemFlags.hideZero,
			WorkingSet:  procmemFlags.wss,
			ResetWss:    procmemFlags.resetWss,
			UsePageIdle: procmemFlags.pageIdle,
			ProcRoot:    procRoot(),
			Logger:      logger,
		}, os.Stdout)
	},
}

func init() {
	f := procmemCmd.Flags()
	f.StringVar(&procmemFlags.sort, "sort", "", "sort column: pss, rss, uss, vss or swap (default: address order)")
	f.BoolVarP(&procmemFlags.hideZero, "hide-zero", "H", false, "hide mappings with nothing resident or swapped")
	f.BoolVarP(&procmemFlags.wss, "wss", "w", false, "report working set instead of full usage")
	f.BoolVarP(&procmemFlags.resetWss, "reset-wss", "W", false, "reset the process working set and exit")
	f.BoolVarP(&procmemFlags.pageIdle, "page-idle", "i", false, "use idle page tracking for working sets")
}
