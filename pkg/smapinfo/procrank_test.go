package smapinfo

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/memscout/pkg/meminfo"
)

const testMemInfo = `MemTotal:         262144 kB
MemFree:           65536 kB
Buffers:            4096 kB
Cached:            32768 kB
Shmem:              2048 kB
Slab:               8192 kB
SwapTotal:          1024 kB
SwapFree:           1008 kB
`

// swappedEntry builds a pagemap record for a page swapped out at the given
// slot: bit 62 set, offset in bits 5-54.
func swappedEntry(offset uint64) uint64 { return 1<<62 | offset<<5 }

type rankFixture struct {
	procRoot string
	sysRoot  string
}

func newRankFixture(t *testing.T) rankFixture {
	t.Helper()
	procRoot := t.TempDir()
	sysRoot := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "meminfo"), []byte(testMemInfo), 0644))

	// zram0 holds 8 kB physical for the 16 kB currently in swap.
	zramDir := filepath.Join(sysRoot, "block", "zram0")
	require.NoError(t, os.MkdirAll(zramDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(zramDir, "mm_stat"),
		[]byte("16384 4096 8192 0 8192 0 0\n"), 0644))

	// pid 100: two pages swapped at slots 7 and 3.
	addPid(t, procRoot, 100, "app --serve", 0,
		fakeSmaps(0x1000, 0x3000, "[anon:app heap]", 8),
		[]uint64{0, swappedEntry(7), swappedEntry(3)})

	// pid 200: one page swapped at the shared slot 7.
	addPid(t, procRoot, 200, "daemon", -900,
		fakeSmaps(0x1000, 0x2000, "[anon:daemon]", 4),
		[]uint64{0, swappedEntry(7)})

	return rankFixture{procRoot: procRoot, sysRoot: sysRoot}
}

func addPid(t *testing.T, procRoot string, pid int, cmdline string, oomAdj int, smaps string, pagemap []uint64) {
	t.Helper()
	dir := filepath.Join(procRoot, strconv.Itoa(pid))
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smaps"), []byte(smaps), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"),
		[]byte(strings.ReplaceAll(cmdline, " ", "\x00")+"\x00"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "oom_score_adj"),
		[]byte(strconv.Itoa(oomAdj)+"\n"), 0644))

	buf := make([]byte, len(pagemap)*8)
	for i, r := range pagemap {
		binary.LittleEndian.PutUint64(buf[i*8:], r)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pagemap"), buf, 0644))
}

func fakeSmaps(start, end uint64, name string, pssKB uint64) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(start, 16) + "-" + strconv.FormatUint(end, 16))
	b.WriteString(" rw-p 00000000 00:00 0                          " + name + "\n")
	sizeKB := (end - start) / 1024
	for _, line := range []struct {
		key string
		val uint64
	}{
		{"Size", sizeKB},
		{"Rss", pssKB},
		{"Pss", pssKB},
		{"Shared_Clean", 0},
		{"Shared_Dirty", 0},
		{"Private_Clean", 0},
		{"Private_Dirty", pssKB},
		{"Swap", 4},
		{"SwapPss", 4},
	} {
		b.WriteString(line.key + ":" + strings.Repeat(" ", 16) + strconv.FormatUint(line.val, 10) + " kB\n")
	}
	b.WriteString("VmFlags: rd wr mr mw me ac\n")
	return b.String()
}

func TestProcrankProportionalSwap(t *testing.T) {
	fx := newRankFixture(t)
	var out bytes.Buffer

	err := Procrank(ProcrankConfig{
		Pids:             []int{100, 200},
		SwapProportional: true,
		ShowOomAdj:       true,
		ProcRoot:         fx.procRoot,
		SysRoot:          fx.sysRoot,
		PageSize:         testPageSize,
		Logger:           zaptest.NewLogger(t),
	}, &out)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 6)

	// Default order is pss descending: pid 100 (8 kB) above pid 200 (4 kB).
	assert.Contains(t, lines[1], "100")
	assert.Contains(t, lines[1], "app --serve")
	assert.Contains(t, lines[2], "daemon")

	// pid 100: slot 3 alone plus half of shared slot 7 = 6 kB proportional,
	// 4 kB unique; zram holds 8 of the 16 swapped kB so zswap is 3 kB.
	assert.Regexp(t, `6K\s+4K\s+3K`, lines[1])
	// pid 200: half of slot 7 only.
	assert.Regexp(t, `2K\s+0K\s+1K`, lines[2])

	assert.Contains(t, out.String(), "ZRAM: 8K physical used for 16K in swap (1024K total swap)")
	assert.Contains(t, out.String(), "RAM: 262144K total")
}

func TestProcrankSkipsVanishedProcess(t *testing.T) {
	fx := newRankFixture(t)
	var out bytes.Buffer

	err := Procrank(ProcrankConfig{
		Pids:     []int{100, 999, 200},
		ProcRoot: fx.procRoot,
		SysRoot:  fx.sysRoot,
		PageSize: testPageSize,
		Logger:   zaptest.NewLogger(t),
	}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "app --serve")
	assert.Contains(t, out.String(), "daemon")
	assert.NotContains(t, out.String(), "999")
}

func TestProcrankSortByOomAdj(t *testing.T) {
	fx := newRankFixture(t)
	var out bytes.Buffer

	err := Procrank(ProcrankConfig{
		Pids:       []int{100, 200},
		SortKey:    SortByOomAdj,
		ShowOomAdj: true,
		ProcRoot:   fx.procRoot,
		SysRoot:    fx.sysRoot,
		PageSize:   testPageSize,
		Logger:     zaptest.NewLogger(t),
	}, &out)
	require.NoError(t, err)

	lines := strings.Split(out.String(), "\n")
	// oom_score_adj 0 sorts above -900.
	assert.Contains(t, lines[1], "app --serve")
	assert.Contains(t, lines[2], "daemon")
}

func TestProcrankValidate(t *testing.T) {
	bad := ProcrankConfig{SortKey: SortKey("nonsense")}
	assert.Error(t, bad.Validate())

	both := ProcrankConfig{ResetWss: true, WorkingSet: true}
	assert.Error(t, both.Validate())

	wssSwap := ProcrankConfig{WorkingSet: true, SwapProportional: true}
	assert.Error(t, wssSwap.Validate())
}

func TestProcrankResetWss(t *testing.T) {
	fx := newRankFixture(t)

	err := Procrank(ProcrankConfig{
		Pids:     []int{100, 200},
		ResetWss: true,
		ProcRoot: fx.procRoot,
		SysRoot:  fx.sysRoot,
		Logger:   zaptest.NewLogger(t),
	}, &bytes.Buffer{})
	require.NoError(t, err)

	for _, pid := range []int{100, 200} {
		raw, err := os.ReadFile(filepath.Join(fx.procRoot, strconv.Itoa(pid), "clear_refs"))
		require.NoError(t, err)
		assert.Equal(t, "1\n", string(raw))
	}
}

func TestProcrankSkipsProcessWithoutMappings(t *testing.T) {
	fx := newRankFixture(t)
	// Kernel threads expose an empty smaps and cmdline.
	addPid(t, fx.procRoot, 2, "", 0, "", nil)

	var out bytes.Buffer
	err := Procrank(ProcrankConfig{
		Pids:     []int{2, 100, 200},
		ProcRoot: fx.procRoot,
		SysRoot:  fx.sysRoot,
		PageSize: testPageSize,
		Logger:   zaptest.NewLogger(t),
	}, &out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "app --serve")
	assert.Contains(t, out.String(), "daemon")
	for _, line := range strings.Split(out.String(), "\n") {
		assert.NotRegexp(t, `^\s*2\s`, line)
	}
}

func TestNewProcessRecordWorkingSet(t *testing.T) {
	procRoot := t.TempDir()
	dir := filepath.Join(procRoot, "300")
	require.NoError(t, os.MkdirAll(dir, 0755))

	// Two resident pages; only pfn 10 carries the referenced bit. The
	// smaps totals claim the full 8 kB and must not leak into the record.
	maps := "00001000-00003000 rw-p 00000000 00:00 0    [anon:app heap]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps"), []byte(maps), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "smaps"),
		[]byte(fakeSmaps(0x1000, 0x3000, "[anon:app heap]", 8)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmdline"), []byte("app\x00"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "oom_score_adj"), []byte("0\n"), 0644))

	writeUint64s(t, filepath.Join(dir, "pagemap"),
		[]uint64{0, presentEntry(10), presentEntry(11)})
	kpageflags := make([]uint64, 12)
	kpageflags[10] = meminfo.KPFDirty | meminfo.KPFReferenced
	writeUint64s(t, filepath.Join(procRoot, "kpageflags"), kpageflags)
	kpagecount := make([]uint64, 12)
	kpagecount[10] = 1
	kpagecount[11] = 1
	writeUint64s(t, filepath.Join(procRoot, "kpagecount"), kpagecount)

	rec, err := NewProcessRecord(300, RecordConfig{
		WorkingSet: true,
		ProcRoot:   procRoot,
		PageSize:   testPageSize,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(4), rec.Usage.Rss)
	assert.Equal(t, uint64(4), rec.Usage.Uss)
	assert.Equal(t, rec.Usage.Rss, rec.Usage.Vss)
}

func TestNewProcessRecordRejectsWorkingSetSwapOffsets(t *testing.T) {
	_, err := NewProcessRecord(1, RecordConfig{WorkingSet: true, CollectSwapOffsets: true})
	assert.Error(t, err)
}

func TestNewProcessRecordCmdlineAndOomAdj(t *testing.T) {
	fx := newRankFixture(t)

	rec, err := NewProcessRecord(100, RecordConfig{
		ProcRoot: fx.procRoot,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	assert.Equal(t, "app --serve", rec.Cmdline)
	assert.Equal(t, 0, rec.OomScoreAdj)
	assert.Equal(t, uint64(8), rec.Usage.Pss)
	assert.Equal(t, uint64(8), rec.Usage.Rss)
	assert.Nil(t, rec.SwapOffsets)
}

func TestNewProcessRecordMissingOomAdjUsesSentinel(t *testing.T) {
	fx := newRankFixture(t)
	require.NoError(t, os.Remove(filepath.Join(fx.procRoot, "100", "oom_score_adj")))

	rec, err := NewProcessRecord(100, RecordConfig{
		ProcRoot: fx.procRoot,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, OomScoreAdjUnavailable, rec.OomScoreAdj)
}
