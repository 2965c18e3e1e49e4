// Package meminfo implements page-accurate memory accounting for Linux
// processes from the kernel's procfs interfaces: /proc/<pid>/maps and smaps,
// /proc/<pid>/pagemap, and the system-wide /proc/kpageflags and
// /proc/kpagecount tables.
package meminfo

import (
	"os"
)

// VMA permission flags, matching the perms column of /proc/<pid>/maps.
const (
	VMReadable   uint16 = 1 << 0
	VMWritable   uint16 = 1 << 1
	VMExecutable uint16 = 1 << 2
)

// MemUsage holds memory statistics for a single VMA or for an aggregate of
// VMAs. All values are in kilobytes.
type MemUsage struct {
	Vss uint64 `json:"vss"`
	Rss uint64 `json:"rss"`
	Pss uint64 `json:"pss"`
	Uss uint64 `json:"uss"`

	Swap    uint64 `json:"swap"`
	SwapPss uint64 `json:"swap_pss"`

	PrivateClean uint64 `json:"private_clean"`
	PrivateDirty uint64 `json:"private_dirty"`
	SharedClean  uint64 `json:"shared_clean"`
	SharedDirty  uint64 `json:"shared_dirty"`

	// Transparent and hugetlb huge page breakdown. Only populated from
	// smaps or a pagemap walk, never from smaps_rollup.
	AnonHugePages  uint64 `json:"anon_huge_pages"`
	ShmemPmdMapped uint64 `json:"shmem_pmd_mapped"`
	FilePmdMapped  uint64 `json:"file_pmd_mapped"`
	SharedHugetlb  uint64 `json:"shared_hugetlb"`
	PrivateHugetlb uint64 `json:"private_hugetlb"`

	Thp    uint64 `json:"thp"`
	Locked uint64 `json:"locked"`
}

// Add accumulates another usage record into u. Addition is field-by-field,
// associative and commutative, which rollups and totals rely on.
func (u *MemUsage) Add(from *MemUsage) {
	u.Vss += from.Vss
	u.Rss += from.Rss
	u.Pss += from.Pss
	u.Uss += from.Uss

	u.Swap += from.Swap
	u.SwapPss += from.SwapPss

	u.PrivateClean += from.PrivateClean
	u.PrivateDirty += from.PrivateDirty
	u.SharedClean += from.SharedClean
	u.SharedDirty += from.SharedDirty

	u.AnonHugePages += from.AnonHugePages
	u.ShmemPmdMapped += from.ShmemPmdMapped
	u.FilePmdMapped += from.FilePmdMapped
	u.SharedHugetlb += from.SharedHugetlb
	u.PrivateHugetlb += from.PrivateHugetlb

	u.Thp += from.Thp
	u.Locked += from.Locked
}

// ScaleToBytes converts a usage record populated in kilobytes to bytes.
func (u *MemUsage) ScaleToBytes() {
	const factor = 1024
	u.Vss *= factor
	u.Rss *= factor
	u.Pss *= factor
	u.Uss *= factor
	u.Swap *= factor
	u.PrivateClean *= factor
	u.PrivateDirty *= factor
	u.SharedClean *= factor
	u.SharedDirty *= factor
	u.Thp *= factor
}

// Vma describes one virtual memory area of a process: the half-open address
// range [Start, End), its permissions and backing, and the usage statistics
// accumulated for it during an accounting pass.
type Vma struct {
	Start  uint64 `json:"start"`
	End    uint64 `json:"end"`
	Flags  uint16 `json:"flags"`
	Shared bool   `json:"shared"`
	Offset uint64 `json:"offset"`
	Inode  uint64 `json:"inode"`
	Name   string `json:"name"`

	Usage MemUsage `json:"usage"`
}

// FlagString renders the VMA permissions in maps-file form, e.g. "rw-p".
func (v *Vma) FlagString() string {
	b := []byte("---p")
	if v.Flags&VMReadable != 0 {
		b[0] = 'r'
	}
	if v.Flags&VMWritable != 0 {
		b[1] = 'w'
	}
	if v.Flags&VMExecutable != 0 {
		b[2] = 'x'
	}
	if v.Shared {
		b[3] = 's'
	}
	return string(b)
}

// VmaCallback is invoked once per parsed VMA. Returning an error aborts the
// enclosing scan and the error is propagated to the caller.
type VmaCallback func(*Vma) error

func defaultPageSize(configured int) int {
	if configured > 0 {
		return configured
	}
	return os.Getpagesize()
}
