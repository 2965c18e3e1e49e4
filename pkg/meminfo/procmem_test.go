package meminfo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testPageSize = 4096

// fakeProc builds a procfs double: a maps file for one pid plus pagemap,
// kpageflags and kpagecount tables with the given records.
type fakeProc struct {
	root string
	pid  int
}

func newFakeProc(t *testing.T, pid int, maps string, pagemap, kpageflags, kpagecount []uint64) fakeProc {
	t.Helper()
	root := t.TempDir()
	pidDir := filepath.Join(root, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(pidDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(pidDir, "maps"), []byte(maps), 0644))
	writeTable(t, filepath.Join(pidDir, "pagemap"), pagemap)
	writeTable(t, filepath.Join(root, "kpageflags"), kpageflags)
	writeTable(t, filepath.Join(root, "kpagecount"), kpagecount)
	return fakeProc{root: root, pid: pid}
}

func writeTable(t *testing.T, path string, records []uint64) {
	t.Helper()
	buf := make([]byte, len(records)*8)
	for i, r := range records {
		binary.LittleEndian.PutUint64(buf[i*8:], r)
	}
	require.NoError(t, os.WriteFile(path, buf, 0644))
}

func present(pfn uint64) uint64 { return pagemapPresent | pfn }
func swapped(offset uint64) uint64 {
	return pagemapSwapped | offset<<pagemapSwapShift
}

// The standard fixture: one VMA of four pages starting at the second page of
// the address space.
//
//	page 0: present, pfn 10, dirty, mapped once
//	page 1: present, pfn 11, clean THP, mapped twice
//	page 2: swapped at slot 42
//	page 3: absent
func standardFixture(t *testing.T) fakeProc {
	maps := "00001000-00005000 rw-p 00000000 00:00 0    [anon:test]\n"
	pagemap := []uint64{
		0, // page before the VMA
		present(10),
		present(11),
		swapped(42),
		0,
	}
	kpageflags := make([]uint64, 12)
	kpageflags[10] = KPFDirty
	kpageflags[11] = KPFThp
	kpagecount := make([]uint64, 12)
	kpagecount[10] = 1
	kpagecount[11] = 2
	return newFakeProc(t, 42, maps, pagemap, kpageflags, kpagecount)
}

func TestMapsWalkAccounting(t *testing.T) {
	fp := standardFixture(t)
	p := New(fp.pid, Config{
		ProcRoot: fp.root,
		PageSize: testPageSize,
		Logger:   zaptest.NewLogger(t),
	})
	defer p.Close()

	maps, err := p.Maps()
	require.NoError(t, err)
	require.Len(t, maps, 1)

	u := maps[0].Usage
	assert.Equal(t, uint64(16), u.Vss)
	assert.Equal(t, uint64(8), u.Rss)
	// 4096/1 + 4096/2 bytes = 6 kB.
	assert.Equal(t, uint64(6), u.Pss)
	assert.Equal(t, uint64(4), u.Uss)
	assert.Equal(t, uint64(4), u.PrivateDirty)
	assert.Equal(t, uint64(0), u.PrivateClean)
	assert.Equal(t, uint64(4), u.SharedClean)
	assert.Equal(t, uint64(0), u.SharedDirty)
	assert.Equal(t, uint64(4), u.Swap)
	assert.Equal(t, uint64(4), u.Thp)

	// Invariant chain after a full unfiltered walk.
	assert.LessOrEqual(t, u.Uss, u.Pss)
	assert.LessOrEqual(t, u.Pss, u.Rss)
	assert.LessOrEqual(t, u.Rss, u.Vss)
	assert.Equal(t, u.Rss, u.PrivateClean+u.PrivateDirty+u.SharedClean+u.SharedDirty)

	usage, err := p.Usage()
	require.NoError(t, err)
	assert.Equal(t, u, *usage)
}

func TestSwapOffsets(t *testing.T) {
	fp := standardFixture(t)
	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer p.Close()

	offsets, err := p.SwapOffsets()
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, offsets)
}

func TestPageFlagsFilter(t *testing.T) {
	fp := standardFixture(t)
	// Count only dirty pages.
	p := New(fp.pid, Config{
		ProcRoot:      fp.root,
		PageSize:      testPageSize,
		PageFlags:     KPFDirty,
		PageFlagsMask: KPFDirty,
	})
	defer p.Close()

	maps, err := p.Maps()
	require.NoError(t, err)
	u := maps[0].Usage
	assert.Equal(t, uint64(4), u.Rss)
	assert.Equal(t, uint64(4), u.Pss)
	// THP kilobytes are counted independent of the filter.
	assert.Equal(t, uint64(4), u.Thp)
}

func TestWorkingSetReferencedOnly(t *testing.T) {
	maps := "00001000-00004000 rw-p 00000000 00:00 0    [anon:test]\n"
	pagemap := []uint64{0, present(10), present(11), 0}
	kpageflags := make([]uint64, 12)
	kpageflags[10] = KPFDirty | KPFReferenced
	kpageflags[11] = 0 // resident but not referenced
	kpagecount := make([]uint64, 12)
	kpagecount[10] = 1
	kpagecount[11] = 1
	fp := newFakeProc(t, 42, maps, pagemap, kpageflags, kpagecount)

	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize, WorkingSet: true})
	defer p.Close()

	ws, err := p.WorkingSet()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ws.Rss)
	assert.Equal(t, uint64(4), ws.Uss)
	// Working-set vss is defined as the counted rss, not the virtual size.
	assert.Equal(t, ws.Rss, ws.Vss)
}

func TestAccessorsFailClosedOnModeMismatch(t *testing.T) {
	fp := standardFixture(t)

	std := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer std.Close()
	_, err := std.WorkingSet()
	assert.ErrorIs(t, err, ErrWrongMode)

	wss := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize, WorkingSet: true})
	defer wss.Close()
	_, err = wss.Usage()
	assert.ErrorIs(t, err, ErrWrongMode)
	_, err = wss.SwapOffsets()
	assert.ErrorIs(t, err, ErrWrongMode)
}

func TestSingleShotCaching(t *testing.T) {
	fp := standardFixture(t)
	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer p.Close()

	first, err := p.Maps()
	require.NoError(t, err)

	// Rewriting the maps file must not affect an already-populated pass.
	require.NoError(t, os.WriteFile(filepath.Join(fp.root, "42", "maps"),
		[]byte("00001000-00002000 r--p 00000000 00:00 0    [other]\n"), 0644))

	second, err := p.Maps()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "[anon:test]", second[0].Name)
}

func TestExcludedVmasSkipped(t *testing.T) {
	maps := "00001000-00002000 r-xp 00000000 00:00 0    [vectors]\n" +
		"00002000-00003000 rw-p 00000000 00:00 0    [heap]\n"
	pagemap := []uint64{0, 0, 0}
	fp := newFakeProc(t, 42, maps, pagemap, make([]uint64, 4), make([]uint64, 4))

	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer p.Close()

	maps2, err := p.MapsWithoutUsageStats()
	require.NoError(t, err)
	require.Len(t, maps2, 1)
	assert.Equal(t, "[heap]", maps2[0].Name)
}

func TestSmapsFromFile(t *testing.T) {
	fp := standardFixture(t)
	smaps := `00001000-00003000 rw-p 00000000 00:00 0    [anon:test]
Size:                  8 kB
Rss:                   8 kB
Pss:                   8 kB
Private_Dirty:         8 kB
`
	path := filepath.Join(fp.root, "smaps_input")
	require.NoError(t, os.WriteFile(path, []byte(smaps), 0644))

	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer p.Close()

	vmas, err := p.Smaps(path, true, false)
	require.NoError(t, err)
	require.Len(t, vmas, 1)
	assert.Equal(t, uint64(8), vmas[0].Usage.Pss)

	usage, err := p.Usage()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), usage.Pss)
}

func TestSmapsSwapOffsetWalkKeepsParsedVss(t *testing.T) {
	pagemap := []uint64{0, swapped(7), present(10)}
	fp := newFakeProc(t, 42, "", pagemap, make([]uint64, 12), make([]uint64, 12))
	smaps := `00001000-00003000 rw-p 00000000 00:00 0    [anon:test]
Size:                  8 kB
Rss:                   4 kB
Pss:                   4 kB
Private_Dirty:         4 kB
Swap:                  4 kB
`
	path := filepath.Join(fp.root, "smaps_input")
	require.NoError(t, os.WriteFile(path, []byte(smaps), 0644))

	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer p.Close()

	vmas, err := p.Smaps(path, true, true)
	require.NoError(t, err)
	require.Len(t, vmas, 1)

	// The offset walk must not stack the page span on top of the parsed
	// Size, nor recount the parsed Swap.
	assert.Equal(t, uint64(8), vmas[0].Usage.Vss)
	assert.Equal(t, uint64(4), vmas[0].Usage.Swap)

	offsets, err := p.SwapOffsets()
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, offsets)
}

func TestEmptyMappingsPopulateOnce(t *testing.T) {
	fp := newFakeProc(t, 42, "", nil, nil, nil)
	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer p.Close()

	maps, err := p.MapsWithoutUsageStats()
	require.NoError(t, err)
	assert.Empty(t, maps)

	// A pass with zero mappings is still populated; losing the file later
	// must not trigger a re-read.
	require.NoError(t, os.Remove(filepath.Join(fp.root, "42", "maps")))
	maps, err = p.MapsWithoutUsageStats()
	require.NoError(t, err)
	assert.Empty(t, maps)
}

func TestSmapsEmptyFileStillPopulates(t *testing.T) {
	fp := newFakeProc(t, 42, "", nil, nil, nil)
	path := filepath.Join(fp.root, "smaps_input")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	p := New(fp.pid, Config{ProcRoot: fp.root, PageSize: testPageSize})
	defer p.Close()

	vmas, err := p.Smaps(path, true, false)
	require.NoError(t, err)
	assert.Empty(t, vmas)

	// Usage comes from the cached empty pass, not a maps re-read.
	require.NoError(t, os.Remove(filepath.Join(fp.root, "42", "maps")))
	usage, err := p.Usage()
	require.NoError(t, err)
	assert.Equal(t, MemUsage{}, *usage)
}

func TestResetWorkingSet(t *testing.T) {
	root := t.TempDir()
	pidDir := filepath.Join(root, "42")
	require.NoError(t, os.MkdirAll(pidDir, 0755))
	clearRefs := filepath.Join(pidDir, "clear_refs")
	require.NoError(t, os.WriteFile(clearRefs, nil, 0644))

	require.NoError(t, ResetWorkingSet(root, 42))
	data, err := os.ReadFile(clearRefs)
	require.NoError(t, err)
	assert.Equal(t, "1\n", string(data))
}

func TestPageIdleWorkingSet(t *testing.T) {
	maps := "00001000-00003000 rw-p 00000000 00:00 0    [anon:test]\n"
	pagemap := []uint64{0, present(10), present(11)}
	kpageflags := make([]uint64, 12)
	kpagecount := make([]uint64, 12)
	kpagecount[10] = 1
	kpagecount[11] = 1
	fp := newFakeProc(t, 42, maps, pagemap, kpageflags, kpagecount)

	// Idle bitmap: one 64-bit word covers both frames. Frame 10 idle
	// (untouched), frame 11 not idle (referenced since last mark).
	sysRoot := filepath.Join(fp.root, "sys")
	idleDir := filepath.Join(sysRoot, "kernel", "mm", "page_idle")
	require.NoError(t, os.MkdirAll(idleDir, 0755))
	writeTable(t, filepath.Join(idleDir, "bitmap"), []uint64{1 << 10})

	p := New(fp.pid, Config{
		ProcRoot:    fp.root,
		SysRoot:     sysRoot,
		PageSize:    testPageSize,
		WorkingSet:  true,
		UsePageIdle: true,
	})
	defer p.Close()

	ws, err := p.WorkingSet()
	require.NoError(t, err)
	// Only the referenced (non-idle) frame counts.
	assert.Equal(t, uint64(4), ws.Rss)

	// The referenced frame was re-marked idle for the next pass.
	data, err := os.ReadFile(filepath.Join(idleDir, "bitmap"))
	require.NoError(t, err)
	word := binary.LittleEndian.Uint64(data)
	assert.NotZero(t, word&(1<<11))
}

func TestUsageScaleToBytes(t *testing.T) {
	u := MemUsage{Rss: 4, Pss: 2}
	u.ScaleToBytes()
	assert.Equal(t, uint64(4096), u.Rss)
	assert.Equal(t, uint64(2048), u.Pss)
}
