package meminfo

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// HeapType is the semantic classification bucket of a VMA, derived from its
// backing name. The sub-heap values past the primary set are refinement
// buckets for the Dalvik, Dex and ART primaries.
type HeapType int

const (
	HeapUnknown HeapType = iota
	HeapDalvik
	HeapNative
	HeapDalvikOther
	HeapStack
	HeapCursor
	HeapAshmem
	HeapGLDev
	HeapUnknownDev
	HeapSo
	HeapJar
	HeapApk
	HeapTtf
	HeapDex
	HeapOat
	HeapArt
	HeapUnknownMap
	HeapGraphics
	HeapGL
	HeapOtherMemtrack

	// Dalvik heap sub-sections.
	HeapDalvikNormal
	HeapDalvikLarge
	HeapDalvikZygote
	HeapDalvikNonMoving

	// Dalvik-other sub-sections.
	HeapDalvikOtherLinearAlloc
	HeapDalvikOtherAccounting
	HeapDalvikOtherZygoteCodeCache
	HeapDalvikOtherAppCodeCache
	HeapDalvikOtherCompilerMetadata
	HeapDalvikOtherIndirectRefTable

	// Dex sub-sections.
	HeapDexBootVdex
	HeapDexAppDex
	HeapDexAppVdex

	// ART sub-sections.
	HeapArtApp
	HeapArtBoot

	NumHeaps // must stay last
)

var heapNames = map[HeapType]string{
	HeapUnknown:                     "Unknown",
	HeapDalvik:                      "Dalvik",
	HeapNative:                      "Native",
	HeapDalvikOther:                 "Dalvik Other",
	HeapStack:                       "Stack",
	HeapCursor:                      "Cursor",
	HeapAshmem:                      "Ashmem",
	HeapGLDev:                       "Gfx dev",
	HeapUnknownDev:                  "Other dev",
	HeapSo:                          ".so mmap",
	HeapJar:                         ".jar mmap",
	HeapApk:                         ".apk mmap",
	HeapTtf:                         ".ttf mmap",
	HeapDex:                         ".dex mmap",
	HeapOat:                         ".oat mmap",
	HeapArt:                         ".art mmap",
	HeapUnknownMap:                  "Other mmap",
	HeapGraphics:                    "Graphics",
	HeapGL:                          "GL",
	HeapOtherMemtrack:               "Other memtrack",
	HeapDalvikNormal:                "Dalvik Normal",
	HeapDalvikLarge:                 "Dalvik Large",
	HeapDalvikZygote:                "Dalvik Zygote",
	HeapDalvikNonMoving:             "Dalvik Non Moving",
	HeapDalvikOtherLinearAlloc:      "Dalvik Other LinearAlloc",
	HeapDalvikOtherAccounting:       "Dalvik Other Accounting",
	HeapDalvikOtherZygoteCodeCache:  "Dalvik Other Zygote Code Cache",
	HeapDalvikOtherAppCodeCache:     "Dalvik Other App Code Cache",
	HeapDalvikOtherCompilerMetadata: "Dalvik Other Compiler Metadata",
	HeapDalvikOtherIndirectRefTable: "Dalvik Other Indirect Reference Table",
	HeapDexBootVdex:                 "Dex Boot Vdex",
	HeapDexAppDex:                   "Dex App Dex",
	HeapDexAppVdex:                  "Dex App Vdex",
	HeapArtApp:                      "ART App",
	HeapArtBoot:                     "ART Boot",
}

func (h HeapType) String() string {
	if name, ok := heapNames[h]; ok {
		return name
	}
	return fmt.Sprintf("HeapType(%d)", int(h))
}

// HeapEntry accumulates the usage of every VMA classified into one heap
// bucket. All values in kB.
type HeapEntry struct {
	Pss           uint64 `json:"pss"`
	SwappablePss  uint64 `json:"swappable_pss"`
	Rss           uint64 `json:"rss"`
	PrivateDirty  uint64 `json:"private_dirty"`
	SharedDirty   uint64 `json:"shared_dirty"`
	PrivateClean  uint64 `json:"private_clean"`
	SharedClean   uint64 `json:"shared_clean"`
	SwappedOut    uint64 `json:"swapped_out"`
	SwappedOutPss uint64 `json:"swapped_out_pss"`
}

// HeapStats is the closed array of heap buckets indexed by HeapType.
type HeapStats [NumHeaps]HeapEntry

// Add writes a VMA's usage into its primary heap bucket and, for the
// primaries that carry refinement buckets, into its sub-heap bucket as well.
// Sub-heap totals are a refinement view of the primary, not a disjoint
// partition, so the dual write is deliberate.
func (hs *HeapStats) Add(heap, subHeap HeapType, usage *MemUsage, swappablePss uint64) {
	hs[heap].add(usage, swappablePss)
	if heap == HeapDalvik || heap == HeapDalvikOther || heap == HeapDex || heap == HeapArt {
		hs[subHeap].add(usage, swappablePss)
	}
}

func (e *HeapEntry) add(usage *MemUsage, swappablePss uint64) {
	e.Pss += usage.Pss
	e.SwappablePss += swappablePss
	e.Rss += usage.Rss
	e.PrivateDirty += usage.PrivateDirty
	e.SharedDirty += usage.SharedDirty
	e.PrivateClean += usage.PrivateClean
	e.SharedClean += usage.SharedClean
	e.SwappedOut += usage.Swap
	e.SwappedOutPss += usage.SwapPss
}

// HeapClassifier maps VMA names to heap buckets. Classification of a
// nameless VMA depends on the VMA that preceded it in address order (the bss
// section trailing a shared library), so the classifier carries that state
// explicitly and must see VMAs in the ascending-address order the kernel
// emits them.
type HeapClassifier struct {
	prevEnd  uint64
	prevHeap HeapType
}

// Classify buckets one VMA by name. The rule order is a correctness
// contract: prefixes overlap, and the first match wins.
func (c *HeapClassifier) Classify(name string, start, end uint64) (heap, subHeap HeapType, swappable bool) {
	heap = HeapUnknown
	subHeap = HeapUnknown

	name = strings.TrimSuffix(name, " (deleted)")

	switch {
	case strings.HasPrefix(name, "[heap]"),
		strings.HasPrefix(name, "[anon:libc_malloc]"),
		strings.HasPrefix(name, "[anon:scudo:"),
		strings.HasPrefix(name, "[anon:GWP-ASan"):
		heap = HeapNative

	case strings.HasPrefix(name, "[stack"),
		strings.HasPrefix(name, "[anon:stack_and_tls:"):
		heap = HeapStack

	case strings.HasSuffix(name, ".so"):
		heap = HeapSo
		swappable = true

	case strings.HasSuffix(name, ".jar"):
		heap = HeapJar
		swappable = true

	case strings.HasSuffix(name, ".apk"):
		heap = HeapApk
		swappable = true

	case strings.HasSuffix(name, ".ttf"):
		heap = HeapTtf
		swappable = true

	case strings.HasSuffix(name, ".odex"),
		len(name) > 4 && strings.Contains(name, ".dex"):
		heap = HeapDex
		subHeap = HeapDexAppDex
		swappable = true

	case strings.HasSuffix(name, ".vdex"):
		heap = HeapDex
		// Handles both system@framework@boot and system/framework/boot|apex.
		if strings.Contains(name, "@boot") || strings.Contains(name, "/boot") ||
			strings.Contains(name, "/apex") {
			subHeap = HeapDexBootVdex
		} else {
			subHeap = HeapDexAppVdex
		}
		swappable = true

	case strings.HasSuffix(name, ".oat"):
		heap = HeapOat
		swappable = true

	case strings.HasSuffix(name, ".art"), strings.HasSuffix(name, ".art]"):
		heap = HeapArt
		if strings.Contains(name, "@boot") || strings.Contains(name, "/boot") ||
			strings.Contains(name, "/apex") {
			subHeap = HeapArtBoot
		} else {
			subHeap = HeapArtApp
		}
		swappable = true

	case strings.HasPrefix(name, "/dev/"):
		// The /dev rules nest by prefix length; longest first.
		heap = HeapUnknownDev
		switch {
		case strings.HasPrefix(name, "/dev/kgsl-3d0"):
			heap = HeapGLDev
		case strings.HasPrefix(name, "/dev/ashmem/CursorWindow"):
			heap = HeapCursor
		case strings.HasPrefix(name, "/dev/ashmem/jit-zygote-cache"):
			heap = HeapDalvikOther
			subHeap = HeapDalvikOtherZygoteCodeCache
		case strings.HasPrefix(name, "/dev/ashmem"):
			heap = HeapAshmem
		}

	case strings.HasPrefix(name, "/memfd:jit-cache"):
		heap = HeapDalvikOther
		subHeap = HeapDalvikOtherAppCodeCache

	case strings.HasPrefix(name, "/memfd:jit-zygote-cache"):
		heap = HeapDalvikOther
		subHeap = HeapDalvikOtherZygoteCodeCache

	case strings.HasPrefix(name, "[anon:"):
		heap = HeapUnknown
		if strings.HasPrefix(name, "[anon:dalvik-") {
			heap = HeapDalvikOther
			switch {
			case strings.HasPrefix(name, "[anon:dalvik-LinearAlloc"):
				subHeap = HeapDalvikOtherLinearAlloc
			case strings.HasPrefix(name, "[anon:dalvik-alloc space"),
				strings.HasPrefix(name, "[anon:dalvik-main space"):
				// The regular Dalvik heap.
				heap = HeapDalvik
				subHeap = HeapDalvikNormal
			case strings.HasPrefix(name, "[anon:dalvik-large object space"),
				strings.HasPrefix(name, "[anon:dalvik-free list large object space"):
				heap = HeapDalvik
				subHeap = HeapDalvikLarge
			case strings.HasPrefix(name, "[anon:dalvik-non moving space"):
				heap = HeapDalvik
				subHeap = HeapDalvikNonMoving
			case strings.HasPrefix(name, "[anon:dalvik-zygote space"):
				heap = HeapDalvik
				subHeap = HeapDalvikZygote
			case strings.HasPrefix(name, "[anon:dalvik-indirect ref"):
				subHeap = HeapDalvikOtherIndirectRefTable
			case strings.HasPrefix(name, "[anon:dalvik-jit-code-cache"),
				strings.HasPrefix(name, "[anon:dalvik-data-code-cache"):
				subHeap = HeapDalvikOtherAppCodeCache
			case strings.HasPrefix(name, "[anon:dalvik-CompilerMetadata"):
				subHeap = HeapDalvikOtherCompilerMetadata
			default:
				subHeap = HeapDalvikOtherAccounting
			}
		}

	case len(name) > 0:
		heap = HeapUnknownMap

	case start == c.prevEnd && c.prevHeap == HeapSo:
		// The bss section of a shared library: the kernel reports it as
		// a separate nameless VMA directly after the library mapping.
		heap = HeapSo
	}

	c.prevEnd = end
	c.prevHeap = heap
	return heap, subHeap, swappable
}

// SwappablePss estimates how much of a swappable VMA's proportional share
// could be reclaimed to swap: the shared-clean part scaled by the VMA's
// sharing proportion, plus all private clean pages. A VMA with no shared
// pages has sharing proportion zero.
func SwappablePss(usage *MemUsage) uint64 {
	if usage.Pss == 0 {
		return 0
	}
	var proportion float64
	if usage.SharedClean > 0 || usage.SharedDirty > 0 {
		proportion = float64(usage.Pss-usage.Uss) / float64(usage.SharedClean+usage.SharedDirty)
	}
	return uint64(proportion*float64(usage.SharedClean)) + usage.PrivateClean
}

// ExtractHeapStats classifies every VMA of pid's smaps into stats. The
// returned foundSwapPss reports whether any VMA carried a SwapPss field, so
// callers know whether the kernel provides proportional swap.
func ExtractHeapStats(procRoot string, pid int, stats *HeapStats) (bool, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return ExtractHeapStatsFromFile(filepath.Join(procRoot, strconv.Itoa(pid), "smaps"), stats)
}

// ExtractHeapStatsFromFile is ExtractHeapStats over a smaps-formatted file.
func ExtractHeapStatsFromFile(path string, stats *HeapStats) (bool, error) {
	foundSwapPss := false
	var classifier HeapClassifier

	err := ForEachVmaFromFile(path, true, func(vma *Vma) error {
		heap, subHeap, swappable := classifier.Classify(vma.Name, vma.Start, vma.End)

		if vma.Usage.SwapPss > 0 {
			foundSwapPss = true
		}

		var swappablePss uint64
		if swappable {
			swappablePss = SwappablePss(&vma.Usage)
		}
		stats.Add(heap, subHeap, &vma.Usage, swappablePss)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to extract heap stats from %s: %w", path, err)
	}
	return foundSwapPss, nil
}
