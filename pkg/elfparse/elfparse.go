// Package elfparse summarizes ELF binaries for memory analysis: load
// segment layout, section sizes, and whether the binary is ready for 16 KB
// page kernels. Built on debug/elf.
package elfparse

import (
	"debug/elf"
	"fmt"
	"sort"
)

// Page16K is the load alignment a binary needs to run on 16 KB page
// kernels without loader fixups.
const Page16K = 16 * 1024

// LoadSegment is one PT_LOAD program header.
type LoadSegment struct {
	Vaddr  uint64 `json:"vaddr"`
	Memsz  uint64 `json:"memsz"`
	Filesz uint64 `json:"filesz"`
	Align  uint64 `json:"align"`
	Flags  string `json:"flags"`
}

// Section is one allocated section.
type Section struct {
	Name string `json:"name"`
	Addr uint64 `json:"addr"`
	Size uint64 `json:"size"`
	Type string `json:"type"`
}

// Summary describes one parsed binary.
type Summary struct {
	Path     string        `json:"path"`
	Class    string        `json:"class"`
	Machine  string        `json:"machine"`
	Type     string        `json:"type"`
	Segments []LoadSegment `json:"load_segments"`
	Sections []Section     `json:"sections,omitempty"`
}

// Parse reads path and summarizes its load segments and allocated sections.
func Parse(path string) (*Summary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF %s: %w", path, err)
	}
	defer f.Close()

	s := &Summary{
		Path:    path,
		Class:   f.Class.String(),
		Machine: f.Machine.String(),
		Type:    f.Type.String(),
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		s.Segments = append(s.Segments, LoadSegment{
			Vaddr:  prog.Vaddr,
			Memsz:  prog.Memsz,
			Filesz: prog.Filesz,
			Align:  prog.Align,
			Flags:  progFlags(prog.Flags),
		})
	}
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		s.Sections = append(s.Sections, Section{
			Name: sec.Name,
			Addr: sec.Addr,
			Size: sec.Size,
			Type: sec.Type.String(),
		})
	}
	sort.Slice(s.Sections, func(i, j int) bool {
		return s.Sections[i].Addr < s.Sections[j].Addr
	})
	return s, nil
}

// MinLoadAlign returns the smallest alignment across load segments, or zero
// when the binary has none.
func (s *Summary) MinLoadAlign() uint64 {
	var min uint64
	for _, seg := range s.Segments {
		if min == 0 || seg.Align < min {
			min = seg.Align
		}
	}
	return min
}

// Aligned16K reports whether every load segment is aligned for 16 KB pages.
// A binary with no load segments has nothing to misalign.
func (s *Summary) Aligned16K() bool {
	for _, seg := range s.Segments {
		if seg.Align < Page16K {
			return false
		}
	}
	return true
}

func progFlags(f elf.ProgFlag) string {
	b := []byte("---")
	if f&elf.PF_R != 0 {
		b[0] = 'r'
	}
	if f&elf.PF_W != 0 {
		b[1] = 'w'
	}
	if f&elf.PF_X != 0 {
		b[2] = 'x'
	}
	return string(b)
}
