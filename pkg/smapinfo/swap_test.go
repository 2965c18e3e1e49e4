package smapinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func TestSwapAccountingProportionalAndUnique(t *testing.T) {
	acct := NewSwapAccounting(64*testPageSize, testPageSize)

	// Slot 7 is referenced by both processes, slot 3 only by the first.
	procA := []uint64{3, 7}
	procB := []uint64{7}

	require.NoError(t, acct.CountOffsets(100, procA))
	require.NoError(t, acct.CountOffsets(200, procB))
	acct.Seal()

	assert.Equal(t, uint16(1), acct.RefCount(3))
	assert.Equal(t, uint16(2), acct.RefCount(7))

	propA, uniqA, _, err := acct.CalculateSwap(procA, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(testPageSize+testPageSize/2), propA)
	assert.Equal(t, uint64(testPageSize), uniqA)

	propB, uniqB, _, err := acct.CalculateSwap(procB, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(testPageSize/2), propB)
	assert.Equal(t, uint64(0), uniqB)

	// Shared slots split without loss here: both halves add back up.
	assert.Equal(t, uint64(2*testPageSize), propA+propB)
}

func TestSwapAccountingZramRatio(t *testing.T) {
	acct := NewSwapAccounting(16*testPageSize, testPageSize)
	require.NoError(t, acct.CountOffsets(1, []uint64{0, 1}))
	acct.Seal()

	prop, _, zswap, err := acct.CalculateSwap([]uint64{0, 1}, 0.5)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*testPageSize), prop)
	assert.Equal(t, uint64(testPageSize), zswap)
}

func TestSwapAccountingOffsetOutOfBounds(t *testing.T) {
	acct := NewSwapAccounting(4*testPageSize, testPageSize)
	err := acct.CountOffsets(1, []uint64{99})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOffsetOutOfBounds)
}

func TestSwapAccountingRefCountOverflow(t *testing.T) {
	acct := NewSwapAccounting(4*testPageSize, testPageSize)
	offs := []uint64{2}
	for i := 0; i < 65535; i++ {
		require.NoError(t, acct.CountOffsets(i, offs))
	}
	err := acct.CountOffsets(65535, offs)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRefCountOverflow)
}

func TestSwapAccountingSealBarrier(t *testing.T) {
	acct := NewSwapAccounting(4*testPageSize, testPageSize)
	require.NoError(t, acct.CountOffsets(1, []uint64{1}))

	_, _, _, err := acct.CalculateSwap([]uint64{1}, 0)
	assert.ErrorIs(t, err, ErrNotSealed)

	acct.Seal()
	assert.ErrorIs(t, acct.CountOffsets(2, []uint64{1}), ErrSealed)

	_, _, _, err = acct.CalculateSwap([]uint64{1}, 0)
	assert.NoError(t, err)
}
