package meminfo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classifyOne(t *testing.T, name string) (HeapType, HeapType, bool) {
	t.Helper()
	var c HeapClassifier
	return c.Classify(name, 0x1000, 0x2000)
}

func TestClassifyNative(t *testing.T) {
	for _, name := range []string{
		"[heap]",
		"[anon:libc_malloc]",
		"[anon:scudo:primary]",
		"[anon:GWP-ASanGuardPage]",
	} {
		heap, _, swappable := classifyOne(t, name)
		assert.Equal(t, HeapNative, heap, name)
		assert.False(t, swappable, name)
	}
}

func TestClassifyStack(t *testing.T) {
	heap, _, _ := classifyOne(t, "[stack]")
	assert.Equal(t, HeapStack, heap)

	heap, _, _ = classifyOne(t, "[anon:stack_and_tls:12345]")
	assert.Equal(t, HeapStack, heap)
}

func TestClassifyFileExtensions(t *testing.T) {
	cases := []struct {
		name string
		heap HeapType
	}{
		{"/system/lib64/libc.so", HeapSo},
		{"/system/framework/framework.jar", HeapJar},
		{"/data/app/com.foo/base.apk", HeapApk},
		{"/system/fonts/Roboto.ttf", HeapTtf},
		{"/system/framework/arm64/boot.oat", HeapOat},
	}
	for _, tc := range cases {
		heap, _, swappable := classifyOne(t, tc.name)
		assert.Equal(t, tc.heap, heap, tc.name)
		assert.True(t, swappable, tc.name)
	}
}

func TestClassifyJarBeatsApexSubstring(t *testing.T) {
	// The boot/apex substring test only refines DEX/ART sub-heaps; it must
	// not divert a .jar mapping from the primary JAR rule.
	heap, _, swappable := classifyOne(t, "/apex/com.android.art/javalib/core-oj.jar")
	assert.Equal(t, HeapJar, heap)
	assert.True(t, swappable)
}

func TestClassifyDeletedSuffixStripped(t *testing.T) {
	heap, _, swappable := classifyOne(t, "/system/lib64/libutils.so (deleted)")
	assert.Equal(t, HeapSo, heap)
	assert.True(t, swappable)
}

func TestClassifyDex(t *testing.T) {
	heap, sub, swappable := classifyOne(t, "/data/dalvik-cache/arm64/app.odex")
	assert.Equal(t, HeapDex, heap)
	assert.Equal(t, HeapDexAppDex, sub)
	assert.True(t, swappable)

	heap, sub, _ = classifyOne(t, "/data/app/base.vdex")
	assert.Equal(t, HeapDex, heap)
	assert.Equal(t, HeapDexAppVdex, sub)

	heap, sub, _ = classifyOne(t, "/apex/com.android.art/javalib/arm64/boot.vdex")
	assert.Equal(t, HeapDex, heap)
	assert.Equal(t, HeapDexBootVdex, sub)
}

func TestClassifyArt(t *testing.T) {
	heap, sub, _ := classifyOne(t, "/system/framework/arm64/boot.art")
	assert.Equal(t, HeapArt, heap)
	assert.Equal(t, HeapArtBoot, sub)

	heap, sub, _ = classifyOne(t, "[anon:dalvik-/data/app/app.art]")
	assert.Equal(t, HeapArt, heap)
	assert.Equal(t, HeapArtApp, sub)
}

func TestClassifyDevMappings(t *testing.T) {
	cases := []struct {
		name string
		heap HeapType
		sub  HeapType
	}{
		{"/dev/kgsl-3d0", HeapGLDev, HeapUnknown},
		{"/dev/ashmem/CursorWindow: stats", HeapCursor, HeapUnknown},
		{"/dev/ashmem/jit-zygote-cache", HeapDalvikOther, HeapDalvikOtherZygoteCodeCache},
		{"/dev/ashmem/shared_memory", HeapAshmem, HeapUnknown},
		{"/dev/binderfs/binder", HeapUnknownDev, HeapUnknown},
	}
	for _, tc := range cases {
		heap, sub, _ := classifyOne(t, tc.name)
		assert.Equal(t, tc.heap, heap, tc.name)
		assert.Equal(t, tc.sub, sub, tc.name)
	}
}

func TestClassifyDalvikSpaces(t *testing.T) {
	cases := []struct {
		name string
		heap HeapType
		sub  HeapType
	}{
		{"[anon:dalvik-alloc space]", HeapDalvik, HeapDalvikNormal},
		{"[anon:dalvik-main space (region space)]", HeapDalvik, HeapDalvikNormal},
		{"[anon:dalvik-large object space]", HeapDalvik, HeapDalvikLarge},
		{"[anon:dalvik-free list large object space]", HeapDalvik, HeapDalvikLarge},
		{"[anon:dalvik-non moving space]", HeapDalvik, HeapDalvikNonMoving},
		{"[anon:dalvik-zygote space]", HeapDalvik, HeapDalvikZygote},
		{"[anon:dalvik-LinearAlloc]", HeapDalvikOther, HeapDalvikOtherLinearAlloc},
		{"[anon:dalvik-indirect ref table]", HeapDalvikOther, HeapDalvikOtherIndirectRefTable},
		{"[anon:dalvik-jit-code-cache]", HeapDalvikOther, HeapDalvikOtherAppCodeCache},
		{"[anon:dalvik-data-code-cache]", HeapDalvikOther, HeapDalvikOtherAppCodeCache},
		{"[anon:dalvik-CompilerMetadata]", HeapDalvikOther, HeapDalvikOtherCompilerMetadata},
		{"[anon:dalvik-mark stack]", HeapDalvikOther, HeapDalvikOtherAccounting},
		{"[anon:some_other_region]", HeapUnknown, HeapUnknown},
	}
	for _, tc := range cases {
		heap, sub, swappable := classifyOne(t, tc.name)
		assert.Equal(t, tc.heap, heap, tc.name)
		assert.Equal(t, tc.sub, sub, tc.name)
		assert.False(t, swappable, tc.name)
	}
}

func TestClassifyBssInheritance(t *testing.T) {
	var c HeapClassifier

	heap, _, _ := c.Classify("/system/lib64/libfoo.so", 0x1000, 0x2000)
	require.Equal(t, HeapSo, heap)

	// Nameless VMA contiguous with an .so mapping inherits SO.
	heap, _, _ = c.Classify("", 0x2000, 0x3000)
	assert.Equal(t, HeapSo, heap)

	// A gap breaks the inheritance.
	heap, _, _ = c.Classify("", 0x5000, 0x6000)
	assert.Equal(t, HeapUnknown, heap)

	// A nameless VMA after a non-SO VMA stays unknown even when contiguous.
	heap, _, _ = c.Classify("[heap]", 0x6000, 0x7000)
	require.Equal(t, HeapNative, heap)
	heap, _, _ = c.Classify("", 0x7000, 0x8000)
	assert.Equal(t, HeapUnknown, heap)
}

func TestClassifyUnknownMap(t *testing.T) {
	heap, _, _ := classifyOne(t, "/data/local/tmp/scratch.bin")
	assert.Equal(t, HeapUnknownMap, heap)
}

func TestSwappablePss(t *testing.T) {
	usage := MemUsage{Pss: 100, Uss: 40, SharedClean: 50, SharedDirty: 10, PrivateClean: 20}
	assert.Equal(t, uint64(70), SwappablePss(&usage))

	// No shared pages: sharing proportion is zero, not a division by zero.
	usage = MemUsage{Pss: 100, Uss: 100, PrivateClean: 30}
	assert.Equal(t, uint64(30), SwappablePss(&usage))

	usage = MemUsage{}
	assert.Equal(t, uint64(0), SwappablePss(&usage))
}

func TestHeapStatsDualWrite(t *testing.T) {
	var stats HeapStats
	usage := MemUsage{Pss: 10, Rss: 20, PrivateDirty: 5, Swap: 3}

	stats.Add(HeapDalvik, HeapDalvikNormal, &usage, 0)

	// Sub-heap totals refine the primary; the full usage lands in both.
	assert.Equal(t, uint64(10), stats[HeapDalvik].Pss)
	assert.Equal(t, uint64(10), stats[HeapDalvikNormal].Pss)
	assert.Equal(t, uint64(20), stats[HeapDalvikNormal].Rss)
	assert.Equal(t, uint64(3), stats[HeapDalvikNormal].SwappedOut)

	// Primaries without refinement buckets write only once.
	stats = HeapStats{}
	stats.Add(HeapSo, HeapUnknown, &usage, 7)
	assert.Equal(t, uint64(10), stats[HeapSo].Pss)
	assert.Equal(t, uint64(7), stats[HeapSo].SwappablePss)
	assert.Equal(t, uint64(0), stats[HeapUnknown].Pss)
}

func TestExtractHeapStatsFromFile(t *testing.T) {
	smaps := `12c00000-32c00000 rw-p 00000000 00:00 0   [anon:dalvik-main space (region space)]
Size:             524288 kB
Rss:                8192 kB
Pss:                8192 kB
Shared_Clean:          0 kB
Shared_Dirty:          0 kB
Private_Clean:         0 kB
Private_Dirty:      8192 kB
Swap:                 64 kB
SwapPss:              64 kB
70000000-70100000 r--p 00000000 fc:00 99   /system/lib64/libc.so
Size:               1024 kB
Rss:                 512 kB
Pss:                 128 kB
Shared_Clean:        512 kB
Shared_Dirty:          0 kB
Private_Clean:         0 kB
Private_Dirty:         0 kB
Swap:                  0 kB
SwapPss:               0 kB
`
	path := filepath.Join(t.TempDir(), "smaps")
	require.NoError(t, os.WriteFile(path, []byte(smaps), 0644))

	var stats HeapStats
	foundSwapPss, err := ExtractHeapStatsFromFile(path, &stats)
	require.NoError(t, err)
	assert.True(t, foundSwapPss)

	assert.Equal(t, uint64(8192), stats[HeapDalvik].Pss)
	assert.Equal(t, uint64(8192), stats[HeapDalvikNormal].Pss)
	assert.Equal(t, uint64(64), stats[HeapDalvik].SwappedOut)

	assert.Equal(t, uint64(128), stats[HeapSo].Pss)
	// (pss-uss)/shared × sharedClean + privateClean = 128/512×512 = 128.
	assert.Equal(t, uint64(128), stats[HeapSo].SwappablePss)
}
