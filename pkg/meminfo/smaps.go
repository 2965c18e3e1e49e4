package meminfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ForEachVmaFromFile streams a /proc/<pid>/maps or smaps formatted file and
// invokes cb once per VMA. With includeSmapsFields set, every stat line
// following a header is folded into the VMA's usage before the callback
// fires; the last VMA is flushed at end of stream since no trailing header
// terminates it.
func ForEachVmaFromFile(path string, includeSmapsFields bool, cb VmaCallback) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	return ForEachVmaFromReader(f, includeSmapsFields, cb)
}

// ForEachVmaFromReader is ForEachVmaFromFile over an arbitrary stream.
func ForEachVmaFromReader(r io.Reader, includeSmapsFields bool, cb VmaCallback) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	var cur *Vma
	parsingStats := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if parsingStats {
			if parseSmapsField(line, &cur.Usage) {
				continue
			}
			// Not a stat line, so the previous VMA is complete.
			if err := cb(cur); err != nil {
				return err
			}
			parsingStats = false
		}

		vma, err := ParseMapsLine(line)
		if err != nil {
			return fmt.Errorf("failed to parse maps line %q: %w", line, err)
		}
		cur = vma
		if includeSmapsFields {
			parsingStats = true
			continue
		}
		if err := cb(cur); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan maps stream: %w", err)
	}

	if parsingStats {
		if err := cb(cur); err != nil {
			return err
		}
	}
	return nil
}

// ParseMapsLine parses one maps/smaps header line of the canonical form
//
//	00400000-00409000 r-xp 00000000 fc:00 426998  /usr/bin/gvfsd-http
//
// The trailing name is optional and may contain spaces. A malformed address,
// offset or inode is a hard error; the kernel never emits them malformed, so
// a failure here means the stream is not a maps file.
func ParseMapsLine(line string) (*Vma, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return nil, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	addr := fields[0]
	dash := strings.IndexByte(addr, '-')
	if dash < 0 {
		return nil, fmt.Errorf("malformed address range %q", addr)
	}
	start, err := strconv.ParseUint(addr[:dash], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed start address: %w", err)
	}
	end, err := strconv.ParseUint(addr[dash+1:], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed end address: %w", err)
	}

	perms := fields[1]
	if len(perms) != 4 {
		return nil, fmt.Errorf("malformed permissions %q", perms)
	}
	var flags uint16
	if perms[0] == 'r' {
		flags |= VMReadable
	}
	if perms[1] == 'w' {
		flags |= VMWritable
	}
	if perms[2] == 'x' {
		flags |= VMExecutable
	}
	shared := perms[3] == 's'

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed offset: %w", err)
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed inode: %w", err)
	}

	// Recover the name from the raw line so embedded spaces survive: skip
	// the five leading fields positionally, the rest is the name.
	name := ""
	if len(fields) > 5 {
		rest := line
		for i := 0; i < 5; i++ {
			rest = strings.TrimLeft(rest, " \t")
			cut := strings.IndexAny(rest, " \t")
			rest = rest[cut+1:]
		}
		name = strings.TrimSpace(rest)
	}

	return &Vma{
		Start:  start,
		End:    end,
		Flags:  flags,
		Shared: shared,
		Offset: offset,
		Inode:  inode,
		Name:   name,
	}, nil
}

// parseSmapsField folds one "Key:  value kB" stat line into usage. It
// reports whether the line had stat-line shape at all; unrecognized keys are
// consumed silently so new kernel fields never break the scan.
func parseSmapsField(line string, usage *MemUsage) bool {
	// The key runs up to the first whitespace and must end with ':'.
	// Kernels after 5.3 may separate key and value with tabs.
	end := 0
	for end < len(line) && line[end] != ' ' && line[end] != '\t' {
		end++
	}
	if end == 0 || line[end-1] != ':' {
		return false
	}

	key := line[:end]
	val := parseLeadingUint(line[end:])

	// Switch on the first letter before comparing full keys; stat lines
	// vastly outnumber header lines and this keeps the scan cheap.
	switch key[0] {
	case 'P':
		switch key {
		case "Pss:":
			usage.Pss = val
		case "Private_Clean:":
			usage.PrivateClean = val
			usage.Uss += val
		case "Private_Dirty:":
			usage.PrivateDirty = val
			usage.Uss += val
		case "Private_Hugetlb:":
			usage.PrivateHugetlb = val
		}
	case 'S':
		switch key {
		case "Size:":
			usage.Vss = val
		case "Shared_Clean:":
			usage.SharedClean = val
		case "Shared_Dirty:":
			usage.SharedDirty = val
		case "Swap:":
			usage.Swap = val
		case "SwapPss:":
			usage.SwapPss = val
		case "ShmemPmdMapped:":
			usage.ShmemPmdMapped = val
		case "Shared_Hugetlb:":
			usage.SharedHugetlb = val
		}
	case 'R':
		if key == "Rss:" {
			usage.Rss = val
		}
	case 'A':
		if key == "AnonHugePages:" {
			usage.AnonHugePages = val
		}
	case 'F':
		if key == "FilePmdMapped:" {
			usage.FilePmdMapped = val
		}
	case 'L':
		if key == "Locked:" {
			usage.Locked = val
		}
	}
	return true
}

// parseLeadingUint reads the first decimal number in s, ignoring leading
// whitespace. Missing digits yield zero, mirroring strtoull.
func parseLeadingUint(s string) uint64 {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	j := i
	for j < len(s) && s[j] >= '0' && s[j] <= '9' {
		j++
	}
	if i == j {
		return 0
	}
	v, err := strconv.ParseUint(s[i:j], 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// RollupSupported probes whether the kernel exposes /proc/<pid>/smaps_rollup.
// Callers should compute this once and pass the result around instead of
// re-probing per process.
func RollupSupported(procRoot string) bool {
	f, err := os.Open(filepath.Join(procRoot, "self", "smaps_rollup"))
	if err != nil {
		return false
	}
	f.Close()
	return true
}

// SmapsOrRollupFromFile sums the rollup-relevant fields (pss, rss, uss via
// private clean/dirty, swap, swap pss) from a smaps or smaps_rollup
// formatted file.
func SmapsOrRollupFromFile(path string, usage *MemUsage) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	*usage = MemUsage{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}
		switch line[0] {
		case 'P':
			if strings.HasPrefix(line, "Pss:") {
				usage.Pss += parseLeadingUint(line[4:])
			} else if strings.HasPrefix(line, "Private_Clean:") {
				v := parseLeadingUint(line[14:])
				usage.PrivateClean += v
				usage.Uss += v
			} else if strings.HasPrefix(line, "Private_Dirty:") {
				v := parseLeadingUint(line[14:])
				usage.PrivateDirty += v
				usage.Uss += v
			}
		case 'R':
			if strings.HasPrefix(line, "Rss:") {
				usage.Rss += parseLeadingUint(line[4:])
			}
		case 'S':
			if strings.HasPrefix(line, "SwapPss:") {
				usage.SwapPss += parseLeadingUint(line[8:])
			} else if strings.HasPrefix(line, "Swap:") {
				usage.Swap += parseLeadingUint(line[5:])
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return nil
}

// SmapsOrRollupPssFromFile sums only the Pss fields of a smaps or
// smaps_rollup formatted file.
func SmapsOrRollupPssFromFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var pss uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Pss:") {
			pss += parseLeadingUint(line[4:])
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return pss, nil
}

// StatusVmRSSFromFile extracts the VmRSS value in kB from a /proc/<pid>/status
// formatted file. Status files carry exactly one VmRSS line.
func StatusVmRSSFromFile(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "VmRSS:") {
			return parseLeadingUint(line[6:]), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan %s: %w", path, err)
	}
	return 0, fmt.Errorf("no VmRSS line in %s", path)
}
