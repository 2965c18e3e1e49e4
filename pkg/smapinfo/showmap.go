package smapinfo

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/yairfalse/memscout/pkg/meminfo"
)

// ShowmapFormat selects the output encoding of a showmap report.
type ShowmapFormat string

const (
	FormatTable ShowmapFormat = "table"
	FormatCSV   ShowmapFormat = "csv"
	FormatJSON  ShowmapFormat = "json"
)

// ShowmapConfig configures one per-mapping report.
type ShowmapConfig struct {
	Pid int
	// SmapsPath overrides the default <ProcRoot>/<pid>/smaps source.
	SmapsPath string

	// Verbose keeps mappings with the same name but different permission
	// flags as separate rows instead of merging them.
	Verbose bool
	// ShowAddr disables coalescing entirely and emits one row per VMA
	// with its address range.
	ShowAddr bool
	// Terse drops rows whose rss, pss and swap are all zero.
	Terse bool
	// Quiet omits the header and totals rows in table output.
	Quiet bool

	Format   ShowmapFormat
	ProcRoot string
}

// vmaInfo is one output row: either a single VMA or a coalesced group.
type vmaInfo struct {
	vma   meminfo.Vma
	count int
}

// showmapRow is the JSON shape of one report row.
type showmapRow struct {
	VirtualSize    uint64 `json:"virtual_size"`
	RSS            uint64 `json:"rss"`
	PSS            uint64 `json:"pss"`
	SharedClean    uint64 `json:"shared_clean"`
	SharedDirty    uint64 `json:"shared_dirty"`
	PrivateClean   uint64 `json:"private_clean"`
	PrivateDirty   uint64 `json:"private_dirty"`
	Swap           uint64 `json:"swap"`
	SwapPSS        uint64 `json:"swap_pss"`
	AnonHugePages  uint64 `json:"anon_huge_pages"`
	ShmemPmd       uint64 `json:"shmem_pmd_mapped"`
	FilePmd        uint64 `json:"file_pmd_mapped"`
	SharedHugetlb  uint64 `json:"shared_hugetlb"`
	PrivateHugetlb uint64 `json:"private_hugetlb"`
	Count          int    `json:"count"`
	Name           string `json:"name"`
	StartAddr      string `json:"start_addr,omitempty"`
	EndAddr        string `json:"end_addr,omitempty"`
	Flags          string `json:"flags,omitempty"`
}

// Showmap reads a process's smaps and writes a per-mapping usage report.
func Showmap(cfg ShowmapConfig, out io.Writer) error {
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}
	if cfg.Format == "" {
		cfg.Format = FormatTable
	}
	path := cfg.SmapsPath
	if path == "" {
		path = filepath.Join(cfg.ProcRoot, strconv.Itoa(cfg.Pid), "smaps")
	}

	rows, err := collectShowmap(path, cfg)
	if err != nil {
		return err
	}
	if cfg.Terse {
		filtered := rows[:0]
		for _, r := range rows {
			u := r.vma.Usage
			if u.Rss != 0 || u.Pss != 0 || u.Swap != 0 {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	switch cfg.Format {
	case FormatCSV:
		return printShowmapCSV(out, rows, cfg)
	case FormatJSON:
		return printShowmapJSON(out, rows, cfg)
	case FormatTable:
		return printShowmapTable(out, rows, cfg)
	default:
		return fmt.Errorf("unknown showmap format %q", cfg.Format)
	}
}

// collectShowmap walks the smaps file, names anonymous bss regions after
// the file mapping they follow, and coalesces rows per the config.
func collectShowmap(path string, cfg ShowmapConfig) ([]vmaInfo, error) {
	var rows []vmaInfo
	index := make(map[string]int)
	var prev *meminfo.Vma

	err := meminfo.ForEachVmaFromFile(path, true, func(vma *meminfo.Vma) error {
		name := vma.Name
		if name == "" {
			// An anonymous region contiguous with a preceding file
			// mapping is that file's zero-initialized data.
			if prev != nil && prev.End == vma.Start && strings.HasPrefix(prev.Name, "/") {
				name = prev.Name + " [bss]"
			} else {
				name = "[anon]"
			}
		}
		v := *vma
		v.Name = name
		prev = vma

		if cfg.ShowAddr {
			rows = append(rows, vmaInfo{vma: v, count: 1})
			return nil
		}
		key := name
		if cfg.Verbose {
			key = name + "|" + v.FlagString()
		}
		if i, ok := index[key]; ok {
			r := &rows[i]
			r.vma.Usage.Add(&v.Usage)
			r.vma.End = v.End
			r.count++
			return nil
		}
		index[key] = len(rows)
		rows = append(rows, vmaInfo{vma: v, count: 1})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if !cfg.ShowAddr {
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].vma.Name < rows[j].vma.Name
		})
	}
	return rows, nil
}

func rowOf(r vmaInfo, cfg ShowmapConfig) showmapRow {
	u := r.vma.Usage
	row := showmapRow{
		VirtualSize:    u.Vss,
		RSS:            u.Rss,
		PSS:            u.Pss,
		SharedClean:    u.SharedClean,
		SharedDirty:    u.SharedDirty,
		PrivateClean:   u.PrivateClean,
		PrivateDirty:   u.PrivateDirty,
		Swap:           u.Swap,
		SwapPSS:        u.SwapPss,
		AnonHugePages:  u.AnonHugePages,
		ShmemPmd:       u.ShmemPmdMapped,
		FilePmd:        u.FilePmdMapped,
		SharedHugetlb:  u.SharedHugetlb,
		PrivateHugetlb: u.PrivateHugetlb,
		Count:          r.count,
		Name:           r.vma.Name,
	}
	if cfg.ShowAddr {
		row.StartAddr = fmt.Sprintf("%016x", r.vma.Start)
		row.EndAddr = fmt.Sprintf("%016x", r.vma.End)
	}
	if cfg.Verbose || cfg.ShowAddr {
		row.Flags = r.vma.FlagString()
	}
	return row
}

func printShowmapTable(out io.Writer, rows []vmaInfo, cfg ShowmapConfig) error {
	if !cfg.Quiet {
		if cfg.ShowAddr {
			fmt.Fprintf(out, "%16s %16s ", "start", "end")
		}
		fmt.Fprintf(out, "%8s %8s %8s %8s %8s %8s %8s %8s %8s %6s  %s\n",
			"virtual", "RSS", "PSS", "shared", "shared", "private", "private",
			"swap", "swapPSS", "#", "object")
		if cfg.ShowAddr {
			fmt.Fprintf(out, "%16s %16s ", "addr", "addr")
		}
		fmt.Fprintf(out, "%8s %8s %8s %8s %8s %8s %8s %8s %8s %6s\n",
			"size", "", "", "clean", "dirty", "clean", "dirty", "", "", "")
	}

	var totals meminfo.MemUsage
	var totalCount int
	for _, r := range rows {
		u := r.vma.Usage
		if cfg.ShowAddr {
			fmt.Fprintf(out, "%016x %016x ", r.vma.Start, r.vma.End)
		}
		fmt.Fprintf(out, "%8d %8d %8d %8d %8d %8d %8d %8d %8d %6d  %s",
			u.Vss, u.Rss, u.Pss, u.SharedClean, u.SharedDirty,
			u.PrivateClean, u.PrivateDirty, u.Swap, u.SwapPss,
			r.count, r.vma.Name)
		if cfg.Verbose || cfg.ShowAddr {
			fmt.Fprintf(out, " (%s)", r.vma.FlagString())
		}
		fmt.Fprintln(out)
		totals.Add(&u)
		totalCount += r.count
	}

	if !cfg.Quiet {
		if cfg.ShowAddr {
			fmt.Fprintf(out, "%16s %16s ", "", "")
		}
		fmt.Fprintf(out, "%8s %8s %8s %8s %8s %8s %8s %8s %8s %6s\n",
			"------", "------", "------", "------", "------", "------",
			"------", "------", "------", "----")
		if cfg.ShowAddr {
			fmt.Fprintf(out, "%16s %16s ", "", "")
		}
		fmt.Fprintf(out, "%8d %8d %8d %8d %8d %8d %8d %8d %8d %6d  TOTAL\n",
			totals.Vss, totals.Rss, totals.Pss, totals.SharedClean,
			totals.SharedDirty, totals.PrivateClean, totals.PrivateDirty,
			totals.Swap, totals.SwapPss, totalCount)
	}
	return nil
}

func printShowmapCSV(out io.Writer, rows []vmaInfo, cfg ShowmapConfig) error {
	cols := []string{"virtual_size", "rss", "pss", "shared_clean", "shared_dirty",
		"private_clean", "private_dirty", "swap", "swap_pss", "anon_huge_pages",
		"shmem_pmd_mapped", "file_pmd_mapped", "shared_hugetlb", "private_hugetlb",
		"count", "name"}
	if cfg.ShowAddr {
		cols = append([]string{"start_addr", "end_addr"}, cols...)
	}
	fmt.Fprintln(out, strings.Join(cols, ","))

	for _, r := range rows {
		row := rowOf(r, cfg)
		fields := []string{
			strconv.FormatUint(row.VirtualSize, 10),
			strconv.FormatUint(row.RSS, 10),
			strconv.FormatUint(row.PSS, 10),
			strconv.FormatUint(row.SharedClean, 10),
			strconv.FormatUint(row.SharedDirty, 10),
			strconv.FormatUint(row.PrivateClean, 10),
			strconv.FormatUint(row.PrivateDirty, 10),
			strconv.FormatUint(row.Swap, 10),
			strconv.FormatUint(row.SwapPSS, 10),
			strconv.FormatUint(row.AnonHugePages, 10),
			strconv.FormatUint(row.ShmemPmd, 10),
			strconv.FormatUint(row.FilePmd, 10),
			strconv.FormatUint(row.SharedHugetlb, 10),
			strconv.FormatUint(row.PrivateHugetlb, 10),
			strconv.Itoa(row.Count),
			csvQuote(row.Name),
		}
		if cfg.ShowAddr {
			fields = append([]string{row.StartAddr, row.EndAddr}, fields...)
		}
		fmt.Fprintln(out, strings.Join(fields, ","))
	}
	return nil
}

// csvQuote wraps fields containing separators or quotes, doubling embedded
// quotes. Mapping names can contain nearly anything.
func csvQuote(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func printShowmapJSON(out io.Writer, rows []vmaInfo, cfg ShowmapConfig) error {
	report := make([]showmapRow, 0, len(rows))
	for _, r := range rows {
		report = append(report, rowOf(r, cfg))
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
