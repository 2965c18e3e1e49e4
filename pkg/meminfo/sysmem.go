package meminfo

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// DefaultSysMemTags are the /proc/meminfo tags collected by default. "Zram:"
// is a synthetic tag resolved from the zram block devices under sysfs, not
// from the meminfo file itself.
var DefaultSysMemTags = []string{
	"MemTotal:",
	"MemFree:",
	"MemAvailable:",
	"Buffers:",
	"Cached:",
	"Shmem:",
	"Slab:",
	"SReclaimable:",
	"SUnreclaim:",
	"SwapTotal:",
	"SwapFree:",
	"Zram:",
	"Mapped:",
	"VmallocUsed:",
	"PageTables:",
	"KernelStack:",
}

// SysMemInfo scrapes system-wide memory counters from /proc/meminfo and the
// zram device sysfs entries. Values are in kilobytes.
type SysMemInfo struct {
	procRoot string
	sysRoot  string
	logger   *zap.Logger

	mem map[string]uint64
}

// NewSysMemInfo returns a scraper rooted at the given procfs and sysfs mount
// points; empty roots default to /proc and /sys.
func NewSysMemInfo(procRoot, sysRoot string, logger *zap.Logger) *SysMemInfo {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if sysRoot == "" {
		sysRoot = "/sys"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SysMemInfo{procRoot: procRoot, sysRoot: sysRoot, logger: logger, mem: make(map[string]uint64)}
}

// ReadMemInfo scrapes the default tag set from /proc/meminfo.
func (s *SysMemInfo) ReadMemInfo() error {
	return s.ReadMemInfoTags(DefaultSysMemTags)
}

// ReadMemInfoTags scrapes the given tags. A tag present in the file but with
// an unparseable value is a hard error; missing tags simply stay absent.
func (s *SysMemInfo) ReadMemInfoTags(tags []string) error {
	path := filepath.Join(s.procRoot, "meminfo")
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		if t == "Zram:" {
			s.mem["Zram:"] = s.ZramTotalKB("")
			continue
		}
		want[t] = true
	}

	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		tag := line[:colon+1]
		if !want[tag] {
			continue
		}
		rest := strings.TrimSpace(line[colon+1:])
		numEnd := 0
		for numEnd < len(rest) && rest[numEnd] >= '0' && rest[numEnd] <= '9' {
			numEnd++
		}
		val, err := strconv.ParseUint(rest[:numEnd], 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse line %d in %s: %w", lineno, path, err)
		}
		s.mem[tag] = val
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return nil
}

// Value returns the scraped value for tag (e.g. "MemTotal:") in kB.
func (s *SysMemInfo) Value(tag string) uint64 { return s.mem[tag] }

func (s *SysMemInfo) MemTotalKB() uint64    { return s.mem["MemTotal:"] }
func (s *SysMemInfo) MemFreeKB() uint64     { return s.mem["MemFree:"] }
func (s *SysMemInfo) MemBuffersKB() uint64  { return s.mem["Buffers:"] }
func (s *SysMemInfo) MemCachedKB() uint64   { return s.mem["Cached:"] }
func (s *SysMemInfo) MemShmemKB() uint64    { return s.mem["Shmem:"] }
func (s *SysMemInfo) MemSlabKB() uint64     { return s.mem["Slab:"] }
func (s *SysMemInfo) MemSwapKB() uint64     { return s.mem["SwapTotal:"] }
func (s *SysMemInfo) MemSwapFreeKB() uint64 { return s.mem["SwapFree:"] }
func (s *SysMemInfo) MemZramKB() uint64     { return s.mem["Zram:"] }

// ZramTotalKB sums the compressed memory in use across zram devices, in kB.
// With a device path it reads that device only; otherwise it scans
// /sys/block/zram0..255, stopping at the first missing device since the
// kernel allocates them in sequence.
func (s *SysMemInfo) ZramTotalKB(zramDev string) uint64 {
	if zramDev != "" {
		v, err := s.memZramDevice(zramDev)
		if err != nil {
			s.logger.Warn("failed to read zram device", zap.String("dev", zramDev), zap.Error(err))
			return 0
		}
		return v / 1024
	}

	var total uint64
	for i := 0; i < 256; i++ {
		dev := filepath.Join(s.sysRoot, "block", fmt.Sprintf("zram%d", i))
		if _, err := os.Stat(dev); err != nil {
			break
		}
		v, err := s.memZramDevice(dev)
		if err != nil {
			s.logger.Warn("failed to read zram device", zap.String("dev", dev), zap.Error(err))
			return 0
		}
		total += v
	}
	return total / 1024
}

// memZramDevice returns the compressed bytes in use by one zram device,
// preferring the third field of mm_stat and falling back to the legacy
// mem_used_total file.
func (s *SysMemInfo) memZramDevice(zramDev string) (uint64, error) {
	mmStat := filepath.Join(zramDev, "mm_stat")
	if data, err := os.ReadFile(mmStat); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) < 3 {
			return 0, fmt.Errorf("malformed mm_stat in %s", zramDev)
		}
		v, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed mm_stat in %s: %w", zramDev, err)
		}
		return v, nil
	}

	data, err := os.ReadFile(filepath.Join(zramDev, "mem_used_total"))
	if err != nil {
		return 0, fmt.Errorf("no memory status under %s: %w", zramDev, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed mem_used_total for %s: %w", zramDev, err)
	}
	return v, nil
}

// SwapUsedKB returns the swap currently in use, in kB.
func (s *SysMemInfo) SwapUsedKB() uint64 {
	return s.MemSwapKB() - s.MemSwapFreeKB()
}

// ReadVmallocInfo sums the page counts reported in /proc/vmallocinfo, in
// bytes. Lines from modules carry an extra [module] token after the call
// site, so the pages= key is located by substring rather than position.
func ReadVmallocInfo(procRoot string, pageSize int) uint64 {
	if procRoot == "" {
		procRoot = "/proc"
	}
	pageSize = defaultPageSize(pageSize)

	f, err := os.Open(filepath.Join(procRoot, "vmallocinfo"))
	if err != nil {
		return 0
	}
	defer f.Close()

	var total uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, "pages=")
		if idx < 0 {
			continue
		}
		total += parseLeadingUint(line[idx+len("pages="):]) * uint64(pageSize)
	}
	return total
}
