// Package smapinfo implements the multi-process drivers over the meminfo
// accounting engine: procrank-style ranking across a pid set, showmap-style
// per-VMA reports, and proportional swap accounting across processes sharing
// compressed swap.
package smapinfo

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrOffsetOutOfBounds means a process reported a swap slot at or past
	// the system's total swap page count; the read is inconsistent and the
	// whole ranking pass must fail rather than under-count.
	ErrOffsetOutOfBounds = errors.New("swap offset out of bounds")

	// ErrRefCountOverflow means a slot's reference counter saturated.
	// Proportional swap figures would be silently wrong past this point.
	ErrRefCountOverflow = errors.New("swap offset ref count overflow")

	// ErrNotSealed / ErrSealed guard the two-pass protocol: every process
	// must be counted before any proportional value is computed.
	ErrNotSealed = errors.New("swap accounting not sealed yet")
	ErrSealed    = errors.New("swap accounting already sealed")
)

// SwapAccounting tracks, for every swap slot, how many live processes
// reference it. The protocol is two-phase: CountOffsets for every process in
// the set, then Seal, then CalculateSwap per process. The seal enforces the
// barrier — proportional swap depends on the total reference count across
// all processes for each shared slot, so partial counts are never usable.
//
// Pass 1 writes are not synchronized; drive CountOffsets from one goroutine
// or lock externally.
type SwapAccounting struct {
	counts   []uint16
	pageSize uint64
	sealed   bool
}

// NewSwapAccounting sizes the reference table for a system with the given
// total swap bytes and page size.
func NewSwapAccounting(totalSwapBytes, pageSize uint64) *SwapAccounting {
	return &SwapAccounting{
		counts:   make([]uint16, totalSwapBytes/pageSize+1),
		pageSize: pageSize,
	}
}

// CountOffsets registers one process's swap slot references (pass 1).
func (s *SwapAccounting) CountOffsets(pid int, offsets []uint64) error {
	if s.sealed {
		return ErrSealed
	}
	for _, off := range offsets {
		if off >= uint64(len(s.counts)) {
			return fmt.Errorf("swap offset %d for pid %d: %w", off, pid, ErrOffsetOutOfBounds)
		}
		if s.counts[off] == math.MaxUint16 {
			return fmt.Errorf("swap offset %d for pid %d: %w", off, pid, ErrRefCountOverflow)
		}
		s.counts[off]++
	}
	return nil
}

// Seal ends pass 1. After Seal the table is read-only and CalculateSwap may
// be used from any number of goroutines.
func (s *SwapAccounting) Seal() { s.sealed = true }

// CalculateSwap derives one process's swap figures from its slot references
// (pass 2): proportional bytes (each slot's page split across its
// referencing processes), unique bytes (slots only this process references),
// and the estimated compressed footprint at the given zram compression
// ratio. A zero ratio yields zero zswap.
func (s *SwapAccounting) CalculateSwap(offsets []uint64, zramCompressionRatio float64) (proportional, unique, zswap uint64, err error) {
	if !s.sealed {
		return 0, 0, 0, ErrNotSealed
	}
	for _, off := range offsets {
		if off >= uint64(len(s.counts)) {
			return 0, 0, 0, fmt.Errorf("swap offset %d: %w", off, ErrOffsetOutOfBounds)
		}
		refs := uint64(s.counts[off])
		if refs == 0 {
			// Only possible when pass 1 skipped this process.
			return 0, 0, 0, fmt.Errorf("swap offset %d has zero refs: %w", off, ErrNotSealed)
		}
		proportional += s.pageSize / refs
		if refs == 1 {
			unique += s.pageSize
		}
	}
	zswap = uint64(float64(proportional) * zramCompressionRatio)
	return proportional, unique, zswap, nil
}

// RefCount exposes one slot's reference count, mainly for tests.
func (s *SwapAccounting) RefCount(offset uint64) uint16 {
	if offset >= uint64(len(s.counts)) {
		return 0
	}
	return s.counts[offset]
}
