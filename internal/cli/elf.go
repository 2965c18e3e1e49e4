package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yairfalse/memscout/pkg/elfparse"
)

var elfFlags struct {
	jsonOut  bool
	sections bool
}

var elfCmd = &cobra.Command{
	Use:   "elf <binary>...",
	Short: "Summarize ELF load segments and page-size readiness",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var failed bool
		for _, path := range args {
			s, err := elfparse.Parse(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
				failed = true
				continue
			}
			if elfFlags.jsonOut {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(s); err != nil {
					return err
				}
				continue
			}
			printELFSummary(s)
		}
		if failed {
			return fmt.Errorf("some binaries could not be parsed")
		}
		return nil
	},
}

func printELFSummary(s *elfparse.Summary) {
	verdict := "ALIGNED"
	if !s.Aligned16K() {
		verdict = "UNALIGNED"
	}
	fmt.Fprintf(os.Stdout, "%s: %s %s %s, min load align %#x, 16K pages: %s\n",
		s.Path, s.Class, s.Machine, s.Type, s.MinLoadAlign(), verdict)
	for _, seg := range s.Segments {
		fmt.Fprintf(os.Stdout, "  LOAD %016x memsz %8d filesz %8d align %#8x %s\n",
			seg.Vaddr, seg.Memsz, seg.Filesz, seg.Align, seg.Flags)
	}
	if elfFlags.sections {
		for _, sec := range s.Sections {
			fmt.Fprintf(os.Stdout, "  %-20s %016x size %8d %s\n",
				sec.Name, sec.Addr, sec.Size, sec.Type)
		}
	}
}

func init() {
	f := elfCmd.Flags()
	f.BoolVar(&elfFlags.jsonOut, "json", false, "emit JSON")
	f.BoolVar(&elfFlags.sections, "sections", false, "list allocated sections")
}
