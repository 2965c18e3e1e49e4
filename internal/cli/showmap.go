package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yairfalse/memscout/pkg/smapinfo"
)

var showmapFlags struct {
	file     string
	verbose  bool
	addr     bool
	terse    bool
	quiet    bool
	format   string
}

var showmapCmd = &cobra.Command{
	Use:   "showmap <pid>",
	Short: "Per-mapping memory usage of one process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		return smapinfo.Showmap(smapinfo.ShowmapConfig{
			Pid:       pid,
			SmapsPath: showmapFlags.file,
			Verbose:   showmapFlags.verbose,
			ShowAddr:  showmapFlags.addr,
			Terse:     showmapFlags.terse,
			Quiet:     showmapFlags.quiet,
			Format:    smapinfo.ShowmapFormat(showmapFlags.format),
			ProcRoot:  procRoot(),
		}, os.Stdout)
	},
}

func init() {
	f := showmapCmd.Flags()
	f.StringVarP(&showmapFlags.file, "file", "f", "", "read from a saved smaps file instead of procfs")
	f.BoolVar(&showmapFlags.verbose, "permissions", false, "keep mappings with different permissions separate")
	f.BoolVarP(&showmapFlags.addr, "addresses", "a", false, "one row per VMA with its address range")
	f.BoolVarP(&showmapFlags.terse, "terse", "t", false, "hide mappings with nothing resident or swapped")
	f.BoolVarP(&showmapFlags.quiet, "quiet", "q", false, "omit header and totals")
	f.StringVarP(&showmapFlags.format, "format", "o", "table", "output format: table, csv or json")
}
