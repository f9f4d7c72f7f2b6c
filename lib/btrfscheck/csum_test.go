// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfssum"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

func mkExtentCSum(sums ...btrfssum.ShortSum) *btrfsitem.ExtentCSum {
	item := &btrfsitem.ExtentCSum{}
	item.ChecksumSize = btrfssum.TYPE_CRC32.Size()
	for _, s := range sums {
		item.Sums += s
	}
	return item
}

func TestCSumVerifierCoversContiguousRun(t *testing.T) {
	v := NewCSumVerifier()
	v.Observe(btrfsprim.Key{Offset: 0}, mkExtentCSum("1234", "5678"))
	v.Finish()

	assert.True(t, v.Covers(0, btrfssum.BlockSize))
	assert.True(t, v.Covers(0, 2*btrfssum.BlockSize))
	assert.False(t, v.Covers(0, 3*btrfssum.BlockSize))
}

func TestCSumVerifierFinishCoalescesAdjacentRuns(t *testing.T) {
	v := NewCSumVerifier()
	v.Observe(btrfsprim.Key{Offset: 0}, mkExtentCSum("1234"))
	v.Observe(btrfsprim.Key{Offset: uint64(btrfssum.BlockSize)}, mkExtentCSum("5678"))
	v.Finish()

	runs := v.Runs()
	assert.Len(t, runs, 1)
	assert.EqualValues(t, 0, runs[0].Addr)
	assert.Equal(t, btrfssum.ShortSum("12345678"), runs[0].Sums)
}

func TestCSumVerifierFinishLeavesGapSeparate(t *testing.T) {
	v := NewCSumVerifier()
	v.Observe(btrfsprim.Key{Offset: 2 * uint64(btrfssum.BlockSize)}, mkExtentCSum("5678"))
	v.Observe(btrfsprim.Key{Offset: 0}, mkExtentCSum("1234"))
	v.Finish()

	runs := v.Runs()
	assert.Len(t, runs, 2)
	assert.EqualValues(t, 0, runs[0].Addr)
	assert.EqualValues(t, 2*btrfssum.BlockSize, runs[1].Addr)
}

func TestCSumVerifierSumAtMiss(t *testing.T) {
	v := NewCSumVerifier()
	v.Observe(btrfsprim.Key{Offset: 0}, mkExtentCSum("1234"))
	v.Finish()

	_, ok := v.SumAt(btrfsvol.LogicalAddr(btrfssum.BlockSize))
	assert.False(t, ok)
}

func TestCSumVerifierSumAtHit(t *testing.T) {
	v := NewCSumVerifier()
	v.Observe(btrfsprim.Key{Offset: 0}, mkExtentCSum("1234", "5678"))
	v.Finish()

	got, ok := v.SumAt(btrfsvol.LogicalAddr(btrfssum.BlockSize))
	assert.True(t, ok)
	assert.Equal(t, btrfssum.ShortSum("5678"), got)
}

func TestCSumVerifierVerifyBlockNoSum(t *testing.T) {
	v := NewCSumVerifier()
	data := make([]byte, btrfssum.BlockSize)
	ok, hasSum := v.VerifyBlock(btrfssum.TYPE_CRC32, 0, data)
	assert.False(t, ok)
	assert.False(t, hasSum)
}

func TestCSumVerifierVerifyBlockMismatch(t *testing.T) {
	v := NewCSumVerifier()
	v.Observe(btrfsprim.Key{Offset: 0}, mkExtentCSum("\x00\x00\x00\x00"))
	v.Finish()

	data := make([]byte, btrfssum.BlockSize)
	for i := range data {
		data[i] = 0xff
	}
	ok, hasSum := v.VerifyBlock(btrfssum.TYPE_CRC32, 0, data)
	assert.True(t, hasSum)
	assert.False(t, ok)
}

func TestCSumVerifierVerifyBlockMatch(t *testing.T) {
	v := NewCSumVerifier()
	data := make([]byte, btrfssum.BlockSize)
	want, err := btrfssum.TYPE_CRC32.Sum(data)
	assert.NoError(t, err)
	size := btrfssum.TYPE_CRC32.Size()

	v.Observe(btrfsprim.Key{Offset: 0}, mkExtentCSum(btrfssum.ShortSum(want[:size])))
	v.Finish()

	ok, hasSum := v.VerifyBlock(btrfssum.TYPE_CRC32, 0, data)
	assert.True(t, hasSum)
	assert.True(t, ok)
}
