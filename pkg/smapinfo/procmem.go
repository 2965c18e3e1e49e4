package smapinfo

import (
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"

	"github.com/yairfalse/memscout/pkg/meminfo"
)

// ProcmemConfig configures a per-VMA usage dump for a single process,
// accounted from pagemap rather than smaps.
type ProcmemConfig struct {
	Pid int

	// SortKey orders rows; empty keeps the address-space order from maps.
	SortKey SortKey
	// HideZero drops VMAs with no resident or swapped pages.
	HideZero bool

	WorkingSet  bool
	ResetWss    bool
	UsePageIdle bool

	ProcRoot string
	PageSize uint64
	Logger   *zap.Logger
}

// Procmem walks pid's address space page by page and writes a per-mapping
// usage table to out.
func Procmem(cfg ProcmemConfig, out io.Writer) error {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = uint64(os.Getpagesize())
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ResetWss && cfg.WorkingSet {
		return fmt.Errorf("working-set reset and working-set report are mutually exclusive")
	}

	if cfg.ResetWss {
		return meminfo.ResetWorkingSet(cfg.ProcRoot, cfg.Pid)
	}

	pm := meminfo.New(cfg.Pid, meminfo.Config{
		WorkingSet:  cfg.WorkingSet,
		UsePageIdle: cfg.UsePageIdle,
		ProcRoot:    cfg.ProcRoot,
		PageSize:    int(cfg.PageSize),
		Logger:      cfg.Logger,
	})
	defer pm.Close()

	// The accessor matching the accounting mode also forces the page walk
	// that fills each VMA's usage.
	var totals *meminfo.MemUsage
	var err error
	if cfg.WorkingSet {
		totals, err = pm.WorkingSet()
	} else {
		totals, err = pm.Usage()
	}
	if err != nil {
		return fmt.Errorf("failed to account pid %d: %w", cfg.Pid, err)
	}
	maps, err := pm.Maps()
	if err != nil {
		return fmt.Errorf("failed to read maps for pid %d: %w", cfg.Pid, err)
	}

	rows := make([]*meminfo.Vma, 0, len(maps))
	for _, vma := range maps {
		if cfg.HideZero && vma.Usage.Rss == 0 && vma.Usage.Swap == 0 {
			continue
		}
		rows = append(rows, vma)
	}
	sortVmas(rows, cfg.SortKey)

	fmt.Fprintf(out, "%9s  %8s  %8s  %8s  %8s  %s\n",
		"Vss", "Rss", "Pss", "Uss", "Swap", "Name")
	for _, vma := range rows {
		name := vma.Name
		if name == "" {
			name = "[anon]"
		}
		fmt.Fprintf(out, "%8dK  %7dK  %7dK  %7dK  %7dK  %s\n",
			vma.Usage.Vss, vma.Usage.Rss, vma.Usage.Pss,
			vma.Usage.Uss, vma.Usage.Swap, name)
	}
	fmt.Fprintf(out, "%9s  %8s  %8s  %8s  %8s\n",
		"------", "------", "------", "------", "------")
	fmt.Fprintf(out, "%8dK  %7dK  %7dK  %7dK  %7dK  TOTAL\n",
		totals.Vss, totals.Rss, totals.Pss, totals.Uss, totals.Swap)
	return nil
}

func sortVmas(rows []*meminfo.Vma, key SortKey) {
	if key == "" {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].Usage, rows[j].Usage
		switch key {
		case SortByRss:
			return a.Rss > b.Rss
		case SortByUss:
			return a.Uss > b.Uss
		case SortByVss:
			return a.Vss > b.Vss
		case SortBySwap:
			return a.Swap > b.Swap
		default:
			return a.Pss > b.Pss
		}
	})
}
