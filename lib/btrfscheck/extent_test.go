// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

func TestExtentCacheGetOrCreate(t *testing.T) {
	var cache ExtentCache
	rec := cache.GetOrCreate(0x1000, 0x100)
	require.NotNil(t, rec)
	assert.EqualValues(t, 0x1000, rec.Start)

	// A second request for an address inside the same extent finds
	// the existing record rather than creating a new one.
	again := cache.GetOrCreate(0x1050, 0x10)
	assert.Same(t, rec, again)
}

func TestExtentCacheGetOrCreateGrowsMaxSize(t *testing.T) {
	var cache ExtentCache
	rec := cache.GetOrCreate(0x1000, 0x100)
	bigger := cache.GetOrCreate(0x1000, 0x200)
	assert.Same(t, rec, bigger)
	assert.EqualValues(t, 0x200, rec.MaxSize)
}

func TestExtentCacheDistinctExtents(t *testing.T) {
	var cache ExtentCache
	a := cache.GetOrCreate(0x1000, 0x100)
	b := cache.GetOrCreate(0x2000, 0x100)
	assert.NotSame(t, a, b)
}

func TestFindTreeBackrefTieBreak(t *testing.T) {
	rec := NewExtentRecord(0x1000, 0x100)
	full := rec.AddTreeBackref(0x5000, 0, true)
	shared := rec.AddTreeBackref(0, btrfsprim.ObjID(5), false)

	assert.Same(t, full, rec.FindTreeBackref(0x5000, 0))
	assert.Same(t, shared, rec.FindTreeBackref(0, btrfsprim.ObjID(5)))
	assert.Nil(t, rec.FindTreeBackref(0x9999, 0))
}

func TestAddTreeBackrefDedup(t *testing.T) {
	rec := NewExtentRecord(0x1000, 0x100)
	a := rec.AddTreeBackref(0, btrfsprim.ObjID(5), false)
	b := rec.AddTreeBackref(0, btrfsprim.ObjID(5), false)
	assert.Same(t, a, b)
	assert.Len(t, rec.Backrefs, 1)
}

func TestAllBackpointersCheckedTreeBackref(t *testing.T) {
	rec := NewExtentRecord(0x1000, 0x100)
	rec.Refs = 1
	tb := rec.AddTreeBackref(0, btrfsprim.ObjID(5), false)
	assert.False(t, rec.AllBackpointersChecked())

	tb.FoundExtentTree = true
	assert.False(t, rec.AllBackpointersChecked())

	tb.FoundRef = true
	assert.True(t, rec.AllBackpointersChecked())
}

func TestAllBackpointersCheckedDataBackref(t *testing.T) {
	rec := NewExtentRecord(0x1000, 0x100)
	rec.Refs = 2
	db := rec.AddDataBackref(0, 0, btrfsprim.ObjID(257), 0, int64(rec.NR), false)
	db.NumRefs = 2
	assert.False(t, rec.AllBackpointersChecked())

	db.FoundExtentTree = true
	db.FoundRef = 2
	db.Bytes = int64(rec.NR)
	assert.True(t, rec.AllBackpointersChecked())
}

func TestReconciledRequiresEverything(t *testing.T) {
	rec := NewExtentRecord(0x1000, 0x100)
	rec.Refs = 0
	rec.ExtentItemRefs = 0
	assert.False(t, rec.Reconciled())

	rec.ContentChecked = true
	rec.OwnerRefChecked = true
	assert.True(t, rec.Reconciled())

	rec.ExtentItemRefs = 1
	assert.False(t, rec.Reconciled())
}

func TestExtentCacheRangeOrdersByAddress(t *testing.T) {
	var cache ExtentCache
	cache.GetOrCreate(0x3000, 0x100)
	cache.GetOrCreate(0x1000, 0x100)
	cache.GetOrCreate(0x2000, 0x100)

	var order []btrfsvol.LogicalAddr
	cache.Range(func(rec *ExtentRecord) bool {
		order = append(order, rec.Start)
		return true
	})
	assert.Equal(t, []btrfsvol.LogicalAddr{0x1000, 0x2000, 0x3000}, order)
}
