package smapinfo

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/yairfalse/memscout/pkg/meminfo"
)

// SortKey selects the column procrank orders processes by.
type SortKey string

const (
	SortByPss    SortKey = "pss"
	SortByRss    SortKey = "rss"
	SortByUss    SortKey = "uss"
	SortByVss    SortKey = "vss"
	SortBySwap   SortKey = "swap"
	SortByOomAdj SortKey = "oomadj"
)

// ProcrankConfig configures one ranking pass.
type ProcrankConfig struct {
	Pids    []int // empty means every numeric entry under ProcRoot
	SortKey SortKey
	Reverse bool

	// WorkingSet reports only pages referenced since the last reset;
	// ResetWss instead clears every process's referenced bits and reports
	// nothing else.
	WorkingSet  bool
	ResetWss    bool
	UsePageIdle bool

	// ShowSwap adds the plain swap column; SwapProportional additionally
	// computes PSwap/USwap/ZSwap via cross-process slot accounting.
	ShowSwap         bool
	SwapProportional bool
	ShowOomAdj       bool

	ProcRoot string
	SysRoot  string
	PageSize uint64
	Logger   *zap.Logger
}

func (c *ProcrankConfig) applyDefaults() {
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
	if c.SysRoot == "" {
		c.SysRoot = "/sys"
	}
	if c.PageSize == 0 {
		c.PageSize = uint64(os.Getpagesize())
	}
	if c.SortKey == "" {
		c.SortKey = SortByPss
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.SwapProportional {
		c.ShowSwap = true
	}
}

// Validate rejects option combinations with no defined meaning.
func (c *ProcrankConfig) Validate() error {
	switch c.SortKey {
	case "", SortByPss, SortByRss, SortByUss, SortByVss, SortBySwap, SortByOomAdj:
	default:
		return fmt.Errorf("unknown sort key %q", c.SortKey)
	}
	if c.ResetWss && c.WorkingSet {
		return fmt.Errorf("working-set reset and working-set report are mutually exclusive")
	}
	if c.SwapProportional && c.WorkingSet {
		return fmt.Errorf("proportional swap is not defined for working sets")
	}
	return nil
}

// Procrank ranks processes by memory usage and writes a table to out. Pids
// that disappear or deny access mid-scan are logged and skipped; the scan
// fails only on systemic errors such as inconsistent swap accounting.
func Procrank(cfg ProcrankConfig, out io.Writer) error {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	pids := cfg.Pids
	if len(pids) == 0 {
		var err error
		pids, err = ListPids(cfg.ProcRoot)
		if err != nil {
			return err
		}
	}

	if cfg.ResetWss {
		for _, pid := range pids {
			if err := meminfo.ResetWorkingSet(cfg.ProcRoot, pid); err != nil {
				cfg.Logger.Warn("failed to reset working set", zap.Int("pid", pid), zap.Error(err))
			}
		}
		return nil
	}

	records := make([]*ProcessRecord, 0, len(pids))
	for _, pid := range pids {
		rec, err := NewProcessRecord(pid, RecordConfig{
			WorkingSet:         cfg.WorkingSet,
			UsePageIdle:        cfg.UsePageIdle,
			CollectSwapOffsets: cfg.SwapProportional,
			ProcRoot:           cfg.ProcRoot,
			SysRoot:            cfg.SysRoot,
			PageSize:           int(cfg.PageSize),
			Logger:             cfg.Logger,
		})
		if err != nil {
			// Processes exit between the pid listing and the smaps read;
			// a ranking of the survivors is still the right answer.
			cfg.Logger.Warn("skipping process", zap.Int("pid", pid), zap.Error(err))
			continue
		}
		if rec.Usage.Vss == 0 {
			// Kernel threads have no mappings; an all-zero row is noise.
			continue
		}
		records = append(records, rec)
	}

	sysmem := meminfo.NewSysMemInfo(cfg.ProcRoot, cfg.SysRoot, cfg.Logger)
	if err := sysmem.ReadMemInfo(); err != nil {
		return fmt.Errorf("failed to read system meminfo: %w", err)
	}

	if cfg.SwapProportional {
		if err := accountSwap(records, sysmem, cfg.PageSize); err != nil {
			return err
		}
	}

	sortRecords(records, cfg.SortKey, cfg.Reverse)
	return printProcrank(out, records, sysmem, cfg)
}

// accountSwap runs the two-pass proportional swap protocol over the record
// set. Any bounds or overflow error fails the whole pass; partially counted
// tables cannot produce correct proportional values for any process.
func accountSwap(records []*ProcessRecord, sysmem *meminfo.SysMemInfo, pageSize uint64) error {
	acct := NewSwapAccounting(sysmem.MemSwapKB()*1024, pageSize)
	for _, rec := range records {
		if err := acct.CountOffsets(rec.Pid, rec.SwapOffsets); err != nil {
			return fmt.Errorf("swap accounting pass 1 failed: %w", err)
		}
	}
	acct.Seal()

	ratio := zramCompressionRatio(sysmem)
	for _, rec := range records {
		proportional, unique, zswap, err := acct.CalculateSwap(rec.SwapOffsets, ratio)
		if err != nil {
			return fmt.Errorf("swap accounting pass 2 failed for pid %d: %w", rec.Pid, err)
		}
		rec.ProportionalSwapKB = proportional / 1024
		rec.UniqueSwapKB = unique / 1024
		rec.ZswapKB = zswap / 1024
	}
	return nil
}

// zramCompressionRatio estimates compressed bytes per swapped byte. Zero
// when nothing is swapped or no zram device is present.
func zramCompressionRatio(sysmem *meminfo.SysMemInfo) float64 {
	swapUsedKB := sysmem.SwapUsedKB()
	if swapUsedKB == 0 {
		return 0
	}
	return float64(sysmem.MemZramKB()) / float64(swapUsedKB)
}

func sortRecords(records []*ProcessRecord, key SortKey, reverse bool) {
	less := func(a, b *ProcessRecord) bool {
		switch key {
		case SortByRss:
			return a.Usage.Rss > b.Usage.Rss
		case SortByUss:
			return a.Usage.Uss > b.Usage.Uss
		case SortByVss:
			return a.Usage.Vss > b.Usage.Vss
		case SortBySwap:
			return a.Usage.Swap > b.Usage.Swap
		case SortByOomAdj:
			return a.OomScoreAdj > b.OomScoreAdj
		default:
			return a.Usage.Pss > b.Usage.Pss
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		if reverse {
			return less(records[j], records[i])
		}
		return less(records[i], records[j])
	})
}

func printProcrank(out io.Writer, records []*ProcessRecord, sysmem *meminfo.SysMemInfo, cfg ProcrankConfig) error {
	var totals meminfo.MemUsage
	var totalPSwap, totalUSwap, totalZSwap uint64

	fmt.Fprintf(out, "%5s  ", "PID")
	if cfg.ShowOomAdj {
		fmt.Fprintf(out, "%6s  ", "oom")
	}
	if cfg.WorkingSet {
		fmt.Fprintf(out, "%8s  %8s  %8s  ", "WRss", "WPss", "WUss")
	} else {
		fmt.Fprintf(out, "%9s  %8s  %8s  %8s  ", "Vss", "Rss", "Pss", "Uss")
	}
	if cfg.ShowSwap {
		fmt.Fprintf(out, "%8s  ", "Swap")
		if cfg.SwapProportional {
			fmt.Fprintf(out, "%8s  %8s  %8s  ", "PSwap", "USwap", "ZSwap")
		}
	}
	fmt.Fprintf(out, "%s\n", "cmdline")

	for _, rec := range records {
		fmt.Fprintf(out, "%5d  ", rec.Pid)
		if cfg.ShowOomAdj {
			fmt.Fprintf(out, "%6d  ", rec.OomScoreAdj)
		}
		if cfg.WorkingSet {
			fmt.Fprintf(out, "%7dK  %7dK  %7dK  ", rec.Usage.Rss, rec.Usage.Pss, rec.Usage.Uss)
		} else {
			fmt.Fprintf(out, "%8dK  %7dK  %7dK  %7dK  ",
				rec.Usage.Vss, rec.Usage.Rss, rec.Usage.Pss, rec.Usage.Uss)
		}
		if cfg.ShowSwap {
			fmt.Fprintf(out, "%7dK  ", rec.Usage.Swap)
			if cfg.SwapProportional {
				fmt.Fprintf(out, "%7dK  %7dK  %7dK  ",
					rec.ProportionalSwapKB, rec.UniqueSwapKB, rec.ZswapKB)
			}
		}
		fmt.Fprintf(out, "%s\n", rec.Cmdline)

		totals.Add(&rec.Usage)
		totalPSwap += rec.ProportionalSwapKB
		totalUSwap += rec.UniqueSwapKB
		totalZSwap += rec.ZswapKB
	}

	fmt.Fprintf(out, "%5s  ", "")
	if cfg.ShowOomAdj {
		fmt.Fprintf(out, "%6s  ", "")
	}
	if cfg.WorkingSet {
		fmt.Fprintf(out, "%8s  %8s  %8s  ", "------", "------", "------")
	} else {
		fmt.Fprintf(out, "%9s  %8s  %8s  %8s  ", "------", "------", "------", "------")
	}
	if cfg.ShowSwap {
		fmt.Fprintf(out, "%8s  ", "------")
		if cfg.SwapProportional {
			fmt.Fprintf(out, "%8s  %8s  %8s  ", "------", "------", "------")
		}
	}
	fmt.Fprintf(out, "%s\n", "------")

	fmt.Fprintf(out, "%5s  ", "")
	if cfg.ShowOomAdj {
		fmt.Fprintf(out, "%6s  ", "")
	}
	if cfg.WorkingSet {
		fmt.Fprintf(out, "%7dK  %7dK  %7dK  ", totals.Rss, totals.Pss, totals.Uss)
	} else {
		fmt.Fprintf(out, "%8s  %7dK  %7dK  %7dK  ", "", totals.Rss, totals.Pss, totals.Uss)
	}
	if cfg.ShowSwap {
		fmt.Fprintf(out, "%7dK  ", totals.Swap)
		if cfg.SwapProportional {
			fmt.Fprintf(out, "%7dK  %7dK  %7dK  ", totalPSwap, totalUSwap, totalZSwap)
		}
	}
	fmt.Fprintf(out, "TOTAL\n\n")

	if cfg.SwapProportional {
		fmt.Fprintf(out, "ZRAM: %dK physical used for %dK in swap (%dK total swap)\n",
			sysmem.MemZramKB(), sysmem.SwapUsedKB(), sysmem.MemSwapKB())
	}
	fmt.Fprintf(out, "RAM: %dK total, %dK free, %dK buffers, %dK cached, %dK shmem, %dK slab\n",
		sysmem.MemTotalKB(), sysmem.MemFreeKB(), sysmem.MemBuffersKB(),
		sysmem.MemCachedKB(), sysmem.MemShmemKB(), sysmem.MemSlabKB())
	return nil
}

// ListPids returns every numeric directory entry under procRoot, sorted.
func ListPids(procRoot string) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", procRoot, err)
	}
	pids := make([]int, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids, nil
}
