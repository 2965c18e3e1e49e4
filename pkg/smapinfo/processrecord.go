package smapinfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/yairfalse/memscout/pkg/meminfo"
)

// OomScoreAdjUnavailable is stored when /proc/pid/oom_score_adj cannot be
// read; it sorts after every real adjustment value (-1000..1000).
const OomScoreAdjUnavailable = 1001

// ProcessRecord bundles one process's identity with its memory accounting
// snapshot. Construction does all the procfs reads; a record either has a
// complete usage snapshot or does not exist.
type ProcessRecord struct {
	Pid         int
	Cmdline     string
	OomScoreAdj int

	Usage       meminfo.MemUsage
	SwapOffsets []uint64

	// Filled in by pass 2 of swap accounting.
	ProportionalSwapKB uint64
	UniqueSwapKB       uint64
	ZswapKB            uint64
}

// RecordConfig controls which accounting mode a ProcessRecord snapshot uses.
type RecordConfig struct {
	// WorkingSet snapshots only pages referenced since the last reset.
	WorkingSet bool
	// UsePageIdle uses the page_idle bitmap instead of clear_refs state.
	UsePageIdle bool
	// CollectSwapOffsets gathers per-slot swap offsets for cross-process
	// proportional accounting. Swapped pages are outside any working set,
	// so combining it with WorkingSet is rejected.
	CollectSwapOffsets bool

	ProcRoot string
	SysRoot  string
	PageSize int
	Logger   *zap.Logger
}

// NewProcessRecord reads cmdline, oom_score_adj and the full smaps/pagemap
// accounting for pid. The cmdline read is best effort: kernel threads have
// an empty cmdline and keep an empty name. An unreadable oom_score_adj is
// recorded as OomScoreAdjUnavailable rather than failing the record.
func NewProcessRecord(pid int, cfg RecordConfig) (*ProcessRecord, error) {
	if cfg.WorkingSet && cfg.CollectSwapOffsets {
		return nil, fmt.Errorf("pid %d: swap offsets are not defined for working sets", pid)
	}
	procRoot := cfg.ProcRoot
	if procRoot == "" {
		procRoot = "/proc"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rec := &ProcessRecord{
		Pid:         pid,
		Cmdline:     Cmdline(procRoot, pid),
		OomScoreAdj: readOomScoreAdj(procRoot, pid, logger),
	}

	pm := meminfo.New(pid, meminfo.Config{
		WorkingSet:  cfg.WorkingSet,
		UsePageIdle: cfg.UsePageIdle,
		ProcRoot:    procRoot,
		SysRoot:     cfg.SysRoot,
		PageSize:    cfg.PageSize,
	})
	defer pm.Close()

	if cfg.WorkingSet {
		// Working sets come from the maps+pagemap referenced-page walk;
		// prepopulating from smaps would cache the full resident totals
		// under the working-set headers.
		ws, err := pm.WorkingSet()
		if err != nil {
			return nil, fmt.Errorf("failed to read working set for pid %d: %w", pid, err)
		}
		rec.Usage = *ws
		return rec, nil
	}

	smaps := filepath.Join(procRoot, strconv.Itoa(pid), "smaps")
	if _, err := pm.Smaps(smaps, true, cfg.CollectSwapOffsets); err != nil {
		return nil, fmt.Errorf("failed to read smaps for pid %d: %w", pid, err)
	}

	usage, err := pm.Usage()
	if err != nil {
		return nil, err
	}
	rec.Usage = *usage

	if cfg.CollectSwapOffsets {
		offsets, err := pm.SwapOffsets()
		if err != nil {
			return nil, fmt.Errorf("failed to collect swap offsets for pid %d: %w", pid, err)
		}
		rec.SwapOffsets = offsets
	}
	return rec, nil
}

// Cmdline returns pid's command line with argv separators replaced by
// spaces, or an empty string for kernel threads and vanished processes.
func Cmdline(procRoot string, pid int) string {
	raw, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return ""
	}
	// argv is NUL separated and NUL terminated; keep argv[0] style output
	// by swapping separators for spaces and trimming the tail.
	s := strings.TrimRight(string(raw), "\x00")
	return strings.ReplaceAll(s, "\x00", " ")
}

func readOomScoreAdj(procRoot string, pid int, logger *zap.Logger) int {
	raw, err := os.ReadFile(filepath.Join(procRoot, strconv.Itoa(pid), "oom_score_adj"))
	if err != nil {
		logger.Debug("oom_score_adj unreadable", zap.Int("pid", pid), zap.Error(err))
		return OomScoreAdjUnavailable
	}
	adj, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		logger.Debug("oom_score_adj unparseable", zap.Int("pid", pid), zap.Error(err))
		return OomScoreAdjUnavailable
	}
	return adj
}
