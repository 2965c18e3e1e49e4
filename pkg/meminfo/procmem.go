package meminfo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
)

// /proc/<pid>/pagemap entries are 64-bit, one per virtual page:
// bit 63 present, bit 62 swapped; bits 0-54 hold the page frame number when
// present, or 5 bits of swap type and 50 bits of swap offset when swapped.
const (
	pagemapPresent   uint64 = 1 << 63
	pagemapSwapped   uint64 = 1 << 62
	pagemapPFNMask   uint64 = (1 << 55) - 1
	pagemapSwapShift        = 5
)

// ErrWrongMode is returned when a standard-usage accessor is called on a
// working-set instance or vice versa. The accessors fail closed instead of
// handing back a zero record for the wrong mode.
var ErrWrongMode = errors.New("accessor does not match accounting mode")

// VMAs that live outside the pagemap-addressable range and must never be
// walked: [vectors] on ARM32 and [vsyscall] on x86.
var excludedVmas = map[string]bool{
	"[vectors]":  true,
	"[vsyscall]": true,
}

// Config controls one process accounting pass.
type Config struct {
	// WorkingSet selects working-set accounting: only pages referenced
	// since the last reset are counted and vss is redefined to equal the
	// counted rss.
	WorkingSet bool

	// UsePageIdle selects idle-page tracking instead of the referenced
	// page flag for working-set passes.
	UsePageIdle bool

	// PageFlags/PageFlagsMask filter walked pages: a present page is only
	// counted when flags&PageFlagsMask == PageFlags. Zero values count
	// every page.
	PageFlags     uint64
	PageFlagsMask uint64

	// ProcRoot and SysRoot override the procfs and sysfs mount points,
	// mainly for tests. PageSize overrides the system page size.
	ProcRoot string
	SysRoot  string
	PageSize int

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}
	if c.SysRoot == "" {
		c.SysRoot = "/sys"
	}
	c.PageSize = defaultPageSize(c.PageSize)
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ProcMemInfo owns one memory accounting pass over a single process. An
// instance is single-shot: the first successful read caches the VMA list and
// totals, and every later accessor returns the cached result. Callers that
// need fresh data construct a new instance.
type ProcMemInfo struct {
	pid    int
	cfg    Config
	logger *zap.Logger
	acct   *PageAcct

	populated   bool
	maps        []*Vma
	usage       MemUsage
	swapOffsets []uint64
}

// New creates an accounting pass for pid. The zero Config selects standard
// (non-working-set) accounting against the live procfs.
func New(pid int, cfg Config) *ProcMemInfo {
	cfg.applyDefaults()
	return &ProcMemInfo{
		pid:    pid,
		cfg:    cfg,
		logger: cfg.Logger,
		acct:   NewPageAcct(cfg.ProcRoot, cfg.SysRoot),
	}
}

// Close releases the oracle's file descriptors.
func (p *ProcMemInfo) Close() {
	p.acct.Close()
}

func (p *ProcMemInfo) procPath(elem ...string) string {
	return filepath.Join(append([]string{p.cfg.ProcRoot, strconv.Itoa(p.pid)}, elem...)...)
}

// Maps returns the process VMA list with full usage statistics.
func (p *ProcMemInfo) Maps() ([]*Vma, error) {
	if err := p.readMaps(p.cfg.UsePageIdle, true, true); err != nil {
		return nil, err
	}
	return p.maps, nil
}

// MapsWithPageIdle is Maps with idle-page tracking forced on for the
// working-set determination.
func (p *ProcMemInfo) MapsWithPageIdle() ([]*Vma, error) {
	if err := p.readMaps(true, true, true); err != nil {
		return nil, err
	}
	return p.maps, nil
}

// MapsWithoutUsageStats returns the VMA list without walking the pagemap;
// usage records stay zero.
func (p *ProcMemInfo) MapsWithoutUsageStats() ([]*Vma, error) {
	if err := p.readMaps(false, false, false); err != nil {
		return nil, err
	}
	return p.maps, nil
}

// Smaps populates the VMA list from /proc/<pid>/smaps, or from path when it
// is non-empty. With collectUsage the per-VMA stats are summed into the
// process totals; with collectSwapOffsets each VMA's pagemap range is walked
// to record swap slot offsets for cross-process swap accounting.
func (p *ProcMemInfo) Smaps(path string, collectUsage, collectSwapOffsets bool) ([]*Vma, error) {
	if p.populated {
		return p.maps, nil
	}

	var pagemap *os.File
	if collectSwapOffsets {
		f, err := os.Open(p.procPath("pagemap"))
		if err != nil {
			return nil, fmt.Errorf("failed to open pagemap for pid %d: %w", p.pid, err)
		}
		defer f.Close()
		pagemap = f
	}

	if path == "" {
		path = p.procPath("smaps")
	}
	err := ForEachVmaFromFile(path, true, func(vma *Vma) error {
		if excludedVmas[vma.Name] {
			return nil
		}
		p.maps = append(p.maps, vma)
		if collectUsage {
			p.usage.Add(&vma.Usage)
		}
		if collectSwapOffsets {
			if err := p.readVmaStats(pagemap, vma, false, false, false, false); err != nil {
				return fmt.Errorf("failed to read page map for vma %s [%x-%x]: %w",
					vma.Name, vma.Start, vma.End, err)
			}
		}
		return nil
	})
	if err != nil {
		p.maps = nil
		return nil, fmt.Errorf("failed to read smaps for pid %d: %w", p.pid, err)
	}
	p.populated = true
	return p.maps, nil
}

// Usage returns the summed usage across all VMAs. It fails closed on
// instances constructed for working-set accounting.
func (p *ProcMemInfo) Usage() (*MemUsage, error) {
	if p.cfg.WorkingSet {
		return nil, fmt.Errorf("pid %d: usage requested from a working-set pass: %w", p.pid, ErrWrongMode)
	}
	if err := p.readMaps(p.cfg.UsePageIdle, true, true); err != nil {
		return nil, err
	}
	return &p.usage, nil
}

// WorkingSet returns the summed working-set usage. It fails closed on
// instances constructed for standard accounting.
func (p *ProcMemInfo) WorkingSet() (*MemUsage, error) {
	if !p.cfg.WorkingSet {
		return nil, fmt.Errorf("pid %d: working set requested from a standard pass: %w", p.pid, ErrWrongMode)
	}
	if err := p.readMaps(p.cfg.UsePageIdle, true, true); err != nil {
		return nil, err
	}
	return &p.usage, nil
}

// SwapOffsets returns the swap slot offsets referenced by the process, in
// pagemap walk order. Only meaningful for standard accounting; swapped pages
// are by definition outside the working set.
func (p *ProcMemInfo) SwapOffsets() ([]uint64, error) {
	if p.cfg.WorkingSet {
		return nil, fmt.Errorf("pid %d: swap offsets requested from a working-set pass: %w", p.pid, ErrWrongMode)
	}
	if err := p.readMaps(false, true, false); err != nil {
		return nil, err
	}
	return p.swapOffsets, nil
}

// SmapsOrRollup sums rollup totals for the process, preferring smaps_rollup
// when the capability probe said it is available.
func (p *ProcMemInfo) SmapsOrRollup(rollupSupported bool, usage *MemUsage) error {
	name := "smaps"
	if rollupSupported {
		name = "smaps_rollup"
	}
	return SmapsOrRollupFromFile(p.procPath(name), usage)
}

// SmapsOrRollupPss sums the process Pss, preferring smaps_rollup.
func (p *ProcMemInfo) SmapsOrRollupPss(rollupSupported bool) (uint64, error) {
	name := "smaps"
	if rollupSupported {
		name = "smaps_rollup"
	}
	return SmapsOrRollupPssFromFile(p.procPath(name))
}

// StatusVmRSS returns the VmRSS value from /proc/<pid>/status.
func (p *ProcMemInfo) StatusVmRSS() (uint64, error) {
	return StatusVmRSSFromFile(p.procPath("status"))
}

// ResetWorkingSet clears the referenced bits of every page mapped by pid by
// writing to its clear_refs control file. Independent of any cached state
// and idempotent at the OS level.
func ResetWorkingSet(procRoot string, pid int) error {
	if procRoot == "" {
		procRoot = "/proc"
	}
	path := filepath.Join(procRoot, strconv.Itoa(pid), "clear_refs")
	if err := os.WriteFile(path, []byte("1\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// readMaps parses /proc/<pid>/maps and optionally walks each VMA's pages.
// Each instance reads maps only once so that long-lived callers can hold the
// object without re-paying the walk; subsequent calls return the cache. A
// process with no mappings at all still counts as populated.
func (p *ProcMemInfo) readMaps(usePageIdle, getUsageStats, updateMemUsage bool) error {
	if p.populated {
		return nil
	}

	mapsPath := p.procPath("maps")
	err := ForEachVmaFromFile(mapsPath, false, func(vma *Vma) error {
		if !excludedVmas[vma.Name] {
			p.maps = append(p.maps, vma)
		}
		return nil
	})
	if err != nil {
		p.maps = nil
		return fmt.Errorf("failed to parse %s: %w", mapsPath, err)
	}

	if !getUsageStats {
		p.populated = true
		return nil
	}

	if err := p.getUsageStats(p.cfg.WorkingSet, usePageIdle, updateMemUsage); err != nil {
		p.maps = nil
		return err
	}
	p.populated = true
	return nil
}

func (p *ProcMemInfo) getUsageStats(wss, usePageIdle, updateMemUsage bool) error {
	pagemap, err := os.Open(p.procPath("pagemap"))
	if err != nil {
		return fmt.Errorf("failed to open pagemap for pid %d: %w", p.pid, err)
	}
	defer pagemap.Close()

	if wss && usePageIdle {
		if err := p.acct.InitPageIdle(); err != nil {
			return fmt.Errorf("failed to init idle page accounting: %w", err)
		}
	}

	for _, vma := range p.maps {
		if err := p.readVmaStats(pagemap, vma, wss, usePageIdle, updateMemUsage, true); err != nil {
			return fmt.Errorf("failed to read page map for vma %s [%x-%x]: %w",
				vma.Name, vma.Start, vma.End, err)
		}
		p.usage.Add(&vma.Usage)
	}
	return nil
}

// readVmaStats walks every page of the VMA, batching pagemap reads, and
// accumulates page-granular statistics into vma.Usage. Any oracle or pagemap
// failure aborts the VMA; partial stats are never reported as good.
func (p *ProcMemInfo) readVmaStats(pagemap *os.File, vma *Vma, wss, usePageIdle, updateMemUsage, updateSwapUsage bool) error {
	pageSize := uint64(p.cfg.PageSize)
	pageKB := pageSize / 1024
	numPages := (vma.End - vma.Start) / pageSize
	firstPage := vma.Start / pageSize

	// Pss is accumulated at byte resolution; dividing whole kilobytes by
	// the mapcount would systematically truncate for heavily shared pages.
	var pssBytes uint64

	const windowPages = 2048
	window := make([]byte, 0, windowPages*8)
	var cached uint64 // pages currently decoded in window
	var windowBase uint64

	for cur := firstPage; cur < firstPage+numPages; cur++ {
		if cur >= windowBase+cached {
			left := firstPage + numPages - cur
			n := uint64(windowPages)
			if left < n {
				n = left
			}
			window = window[:n*8]
			if _, err := pagemap.ReadAt(window, int64(cur*8)); err != nil {
				return fmt.Errorf("failed to read pagemap at offset %#x: %w", cur*8, err)
			}
			windowBase = cur
			cached = n
		}

		entry := binary.LittleEndian.Uint64(window[(cur-windowBase)*8:])
		if entry&pagemapPresent == 0 && entry&pagemapSwapped == 0 {
			continue
		}

		if entry&pagemapSwapped != 0 {
			if updateSwapUsage {
				vma.Usage.Swap += pageKB
			}
			p.swapOffsets = append(p.swapOffsets, swapOffset(entry))
			continue
		}

		if !updateMemUsage {
			continue
		}

		pfn := entry & pagemapPFNMask
		flags, err := p.acct.PageFlags(pfn)
		if err != nil {
			p.swapOffsets = nil
			return fmt.Errorf("failed to get page flags for frame %d: %w", pfn, err)
		}

		// THP is counted regardless of the page-flags filter below.
		if flags&KPFThp != 0 {
			vma.Usage.Thp += pageKB
		}

		if flags&p.cfg.PageFlagsMask != p.cfg.PageFlags {
			continue
		}

		count, err := p.acct.PageMapCount(pfn)
		if err != nil {
			p.swapOffsets = nil
			return fmt.Errorf("failed to get page count for frame %d: %w", pfn, err)
		}
		// The page was unmapped between the presence check and here.
		if count == 0 {
			continue
		}

		dirty := flags&KPFDirty != 0
		private := count == 1

		if wss {
			referenced := flags&KPFReferenced != 0
			if usePageIdle {
				idle, err := p.acct.IsPageIdle(pfn)
				if err != nil {
					p.swapOffsets = nil
					return fmt.Errorf("failed to read idle bit for frame %d: %w", pfn, err)
				}
				referenced = !idle
			}
			if !referenced {
				continue
			}
			// For working sets vss is defined as the counted rss;
			// a virtual size larger than the referenced set has no
			// meaning here.
			vma.Usage.Vss += pageKB
		}

		vma.Usage.Rss += pageKB
		pssBytes += pageSize / count
		if private {
			vma.Usage.Uss += pageKB
			if dirty {
				vma.Usage.PrivateDirty += pageKB
			} else {
				vma.Usage.PrivateClean += pageKB
			}
		} else {
			if dirty {
				vma.Usage.SharedDirty += pageKB
			} else {
				vma.Usage.SharedClean += pageKB
			}
		}
	}

	vma.Usage.Pss += pssBytes / 1024
	// A swap-offset-only walk must leave the parsed smaps Vss alone.
	if updateMemUsage && !wss {
		vma.Usage.Vss += pageKB * numPages
	}
	return nil
}

func swapOffset(entry uint64) uint64 {
	return (entry >> pagemapSwapShift) & ((1 << 50) - 1)
}
