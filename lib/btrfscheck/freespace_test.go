// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

func TestFreeSpaceVerifierReconcileMatches(t *testing.T) {
	v := NewFreeSpaceVerifier(4096, nil, 0)
	v.ObserveBlockGroup(btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000}, &btrfsitem.BlockGroup{Used: 0x800})
	v.ObserveFreeSpaceInfo(btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000}, &btrfsitem.FreeSpaceInfo{ExtentCount: 1})
	v.ObserveFreeSpaceExtent(0x1000, btrfsprim.Key{ObjectID: 0x1800, Offset: 0x800})

	extents := &ExtentCache{}
	extents.GetOrCreate(0x1000, 0x800)

	v.Reconcile(extents)
	g := v.Groups()[0x1000]
	require.NotNil(t, g)
	assert.Empty(t, g.MismatchRanges)
	assert.False(t, g.ExtentCountWrong)
}

func TestFreeSpaceVerifierReconcileMismatch(t *testing.T) {
	v := NewFreeSpaceVerifier(4096, nil, 0)
	v.ObserveBlockGroup(btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000}, &btrfsitem.BlockGroup{})
	// Declares the whole group free, but the extent cache shows the
	// first half occupied.
	v.ObserveFreeSpaceExtent(0x1000, btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000})

	extents := &ExtentCache{}
	extents.GetOrCreate(0x1000, 0x800)

	v.Reconcile(extents)
	g := v.Groups()[0x1000]
	require.NotNil(t, g)
	assert.NotEmpty(t, g.MismatchRanges)
}

func TestFreeSpaceVerifierExtentCountWrong(t *testing.T) {
	v := NewFreeSpaceVerifier(4096, nil, 0)
	v.ObserveBlockGroup(btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000}, &btrfsitem.BlockGroup{})
	v.ObserveFreeSpaceInfo(btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000}, &btrfsitem.FreeSpaceInfo{ExtentCount: 2})
	v.ObserveFreeSpaceExtent(0x1000, btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000})

	v.Reconcile(&ExtentCache{})
	g := v.Groups()[0x1000]
	require.NotNil(t, g)
	assert.True(t, g.ExtentCountWrong)
}

func TestFreeSpaceVerifierBitmapDecodesRuns(t *testing.T) {
	v := NewFreeSpaceVerifier(4096, nil, 0)
	// bit 0 and bit 2 set: two separate free runs of one sector each.
	bitmap := btrfsitem.FreeSpaceBitmap{0b00000101}
	v.ObserveFreeSpaceBitmap(0x1000, btrfsprim.Key{ObjectID: 0x1000, Offset: 0x1000}, bitmap)

	g := v.group(0x1000)
	require.Len(t, g.declaredFree, 2)
	assert.EqualValues(t, 0x1000, g.declaredFree[0].Start)
	assert.EqualValues(t, 4096, g.declaredFree[0].Length)
	assert.EqualValues(t, 0x1000+2*4096, g.declaredFree[1].Start)
}

func TestFreeSpaceVerifierSuperblockMirrorsExcluded(t *testing.T) {
	v := NewFreeSpaceVerifier(4096, []btrfsvol.PhysicalAddr{0x1000}, 0x1000)
	v.ObserveBlockGroup(btrfsprim.Key{ObjectID: 0x1000, Offset: 0x2000}, &btrfsitem.BlockGroup{})
	// The whole group minus the superblock mirror is declared free.
	v.ObserveFreeSpaceExtent(0x1000, btrfsprim.Key{ObjectID: 0x2000, Offset: 0x1000})

	v.Reconcile(&ExtentCache{})
	g := v.Groups()[0x1000]
	require.NotNil(t, g)
	assert.Empty(t, g.MismatchRanges)
}

func TestCoalesceMergesOverlapping(t *testing.T) {
	in := []byteRange{{Start: 0, Length: 10}, {Start: 5, Length: 10}, {Start: 100, Length: 5}}
	out := coalesce(in)
	require.Len(t, out, 2)
	assert.Equal(t, byteRange{Start: 0, Length: 15}, out[0])
	assert.Equal(t, byteRange{Start: 100, Length: 5}, out[1])
}

func TestSubtractRemovesMiddle(t *testing.T) {
	base := []byteRange{{Start: 0, Length: 100}}
	subs := []byteRange{{Start: 40, Length: 20}}
	out := subtract(base, subs)
	require.Len(t, out, 2)
	assert.Equal(t, byteRange{Start: 0, Length: 40}, out[0])
	assert.Equal(t, byteRange{Start: 60, Length: 40}, out[1])
}

func TestSymmetricDifferenceIdentical(t *testing.T) {
	a := []byteRange{{Start: 0, Length: 100}}
	b := []byteRange{{Start: 0, Length: 100}}
	assert.Empty(t, symmetricDifference(a, b))
}
