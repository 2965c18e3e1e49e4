package meminfo

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// Bits of interest in /proc/kpageflags entries, from
// include/uapi/linux/kernel-page-flags.h.
const (
	KPFReferenced uint64 = 1 << 2
	KPFDirty      uint64 = 1 << 4
	KPFAnon       uint64 = 1 << 12
	KPFHuge       uint64 = 1 << 17
	KPFThp        uint64 = 1 << 22
	KPFIdle       uint64 = 1 << 25
)

// PageAcct answers per-physical-frame questions from the kernel's
// system-wide page tables: /proc/kpageflags, /proc/kpagecount and the
// optional /sys/kernel/mm/page_idle/bitmap. Each table is a flat array of
// 64-bit records indexed by page frame number, so a lookup is a single
// positioned read. Files are opened lazily and kept open for the lifetime of
// the oracle.
type PageAcct struct {
	procRoot string
	sysRoot  string

	kpageflags *os.File
	kpagecount *os.File
	pageIdle   *os.File
}

// NewPageAcct returns an oracle rooted at the given procfs and sysfs mount
// points. Empty roots default to /proc and /sys.
func NewPageAcct(procRoot, sysRoot string) *PageAcct {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	return &PageAcct{procRoot: procRoot, sysRoot: sysRoot}
}

// Close releases any open table file descriptors.
func (pa *PageAcct) Close() {
	for _, f := range []*os.File{pa.kpageflags, pa.kpagecount, pa.pageIdle} {
		if f != nil {
			f.Close()
		}
	}
	pa.kpageflags, pa.kpagecount, pa.pageIdle = nil, nil, nil
}

// PageFlags returns the kpageflags bitmask for the given page frame number.
func (pa *PageAcct) PageFlags(pfn uint64) (uint64, error) {
	if pa.kpageflags == nil {
		f, err := os.Open(filepath.Join(pa.procRoot, "kpageflags"))
		if err != nil {
			return 0, fmt.Errorf("failed to open kpageflags: %w", err)
		}
		pa.kpageflags = f
	}
	return readIndexed(pa.kpageflags, pfn)
}

// PageMapCount returns how many processes currently map the given frame.
func (pa *PageAcct) PageMapCount(pfn uint64) (uint64, error) {
	if pa.kpagecount == nil {
		f, err := os.Open(filepath.Join(pa.procRoot, "kpagecount"))
		if err != nil {
			return 0, fmt.Errorf("failed to open kpagecount: %w", err)
		}
		pa.kpagecount = f
	}
	return readIndexed(pa.kpagecount, pfn)
}

// InitPageIdle opens the idle-page bitmap for read/write access. Required
// before IsPageIdle or MarkPageIdle; working-set passes that use idle
// tracking must call this up front so failures surface before any counting.
func (pa *PageAcct) InitPageIdle() error {
	if pa.pageIdle != nil {
		return nil
	}
	path := filepath.Join(pa.sysRoot, "kernel", "mm", "page_idle", "bitmap")
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open idle page bitmap: %w", err)
	}
	pa.pageIdle = f
	return nil
}

// IsPageIdle reports whether the frame's idle bit is still set, i.e. the
// page has not been referenced since it was last marked idle. When the bit
// has been cleared by an access, the frame is re-marked idle so the next
// working-set pass measures a fresh interval. This mutates kernel-global
// idle state shared by every observer on the system.
func (pa *PageAcct) IsPageIdle(pfn uint64) (bool, error) {
	if pa.pageIdle == nil {
		return false, fmt.Errorf("idle page bitmap not initialized")
	}
	word, err := readIndexed(pa.pageIdle, pfn/64)
	if err != nil {
		return false, err
	}
	idle := word&(1<<(pfn%64)) != 0
	if !idle {
		if err := pa.MarkPageIdle(pfn); err != nil {
			return false, err
		}
	}
	return idle, nil
}

// MarkPageIdle sets the idle bit for the given frame.
func (pa *PageAcct) MarkPageIdle(pfn uint64) error {
	if pa.pageIdle == nil {
		return fmt.Errorf("idle page bitmap not initialized")
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1<<(pfn%64))
	if _, err := pa.pageIdle.WriteAt(buf[:], int64(pfn/64*8)); err != nil {
		return fmt.Errorf("failed to mark page %d idle: %w", pfn, err)
	}
	return nil
}

// readIndexed reads the idx-th little-endian 64-bit record of f. There is no
// way to validate idx short of the read itself failing, so a short read or
// I/O error is the only out-of-range signal.
func readIndexed(f *os.File, idx uint64) (uint64, error) {
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], int64(idx*8)); err != nil {
		return 0, fmt.Errorf("failed to read record %d from %s: %w", idx, f.Name(), err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
