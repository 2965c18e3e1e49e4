package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/memscout/pkg/meminfo"
)

var sysinfoVmalloc bool

var sysinfoCmd = &cobra.Command{
	Use:   "sysinfo",
	Short: "System-wide memory accounting",
	RunE: func(cmd *cobra.Command, args []string) error {
		sysmem := meminfo.NewSysMemInfo(procRoot(), sysRoot(), logger)
		if err := sysmem.ReadMemInfo(); err != nil {
			return err
		}

		rows := []struct {
			label string
			kb    uint64
		}{
			{"MemTotal", sysmem.MemTotalKB()},
			{"MemFree", sysmem.MemFreeKB()},
			{"Buffers", sysmem.MemBuffersKB()},
			{"Cached", sysmem.MemCachedKB()},
			{"Shmem", sysmem.MemShmemKB()},
			{"Slab", sysmem.MemSlabKB()},
			{"SwapTotal", sysmem.MemSwapKB()},
			{"SwapUsed", sysmem.SwapUsedKB()},
			{"Zram", sysmem.MemZramKB()},
		}
		for _, r := range rows {
			fmt.Fprintf(os.Stdout, "%-12s %12d kB\n", r.label, r.kb)
		}

		if sysinfoVmalloc {
			vm := meminfo.ReadVmallocInfo(procRoot(), 0)
			fmt.Fprintf(os.Stdout, "%-12s %12d kB\n", "Vmalloc", vm/1024)
		}
		return nil
	},
}

func init() {
	sysinfoCmd.Flags().BoolVar(&sysinfoVmalloc, "vmalloc", false, "include vmalloc usage (needs root)")
}
