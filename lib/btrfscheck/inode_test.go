// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/linux"
)

func TestInodeRecordApplyInodeItemDup(t *testing.T) {
	rec := NewInodeRecord(257)
	rec.ApplyInodeItem(&btrfsitem.Inode{NLink: 1, Mode: linux.ModeFmtRegular})
	assert.Zero(t, rec.Errors)

	rec.ApplyInodeItem(&btrfsitem.Inode{NLink: 2, Mode: linux.ModeFmtRegular})
	assert.True(t, rec.Errors&ErrDupInodeItem != 0)
	// The second INODE_ITEM doesn't overwrite the first's fields.
	assert.EqualValues(t, 1, rec.NLink)
}

func TestInodeRecordApplyInodeItemNoLinkIsOrphan(t *testing.T) {
	rec := NewInodeRecord(257)
	rec.ApplyInodeItem(&btrfsitem.Inode{NLink: 0})
	assert.True(t, rec.Errors&ErrNoOrphanItem != 0)
}

func TestInodeRecordBackrefDedup(t *testing.T) {
	rec := NewInodeRecord(257)
	rec.ApplyDirItem(256, "foo", 3, btrfsitem.FT_REG_FILE, false)
	rec.ApplyInodeRef(256, "foo", 3, 0)
	require.Len(t, rec.Backrefs, 1)

	ref := rec.AddBackref(256, "foo")
	assert.True(t, ref.FoundDirItem)
	assert.True(t, ref.FoundInodeRef)
}

func TestInodeRecordIndexUnmatch(t *testing.T) {
	rec := NewInodeRecord(257)
	rec.ApplyDirItem(256, "foo", 3, btrfsitem.FT_REG_FILE, true)
	rec.ApplyInodeRef(256, "foo", 4, 0)
	ref := rec.AddBackref(256, "foo")
	assert.True(t, ref.Errors&ErrIndexUnmatch != 0)
}

func TestInodeRecordFinishDirSize(t *testing.T) {
	rec := NewInodeRecord(256)
	rec.ApplyInodeItem(&btrfsitem.Inode{NLink: 1, Mode: linux.ModeFmtDir, Size: 10})
	rec.FoundLink = 1
	rec.FoundSize = 5
	rec.Finish()
	assert.True(t, rec.Errors&ErrDirISizeWrong != 0)
	assert.True(t, rec.Checked)
}

func TestInodeRecordFinishFileNBytes(t *testing.T) {
	rec := NewInodeRecord(257)
	rec.ApplyInodeItem(&btrfsitem.Inode{NLink: 1, Mode: linux.ModeFmtRegular, NumBytes: 100})
	rec.FoundLink = 1
	rec.FoundSize = 50
	rec.Finish()
	assert.True(t, rec.Errors&ErrFileNBytesWrong != 0)
}

func TestInodeRecordApplyFileExtentSpanOverlap(t *testing.T) {
	rec := NewInodeRecord(257)
	rec.ApplyFileExtentSpan(0, 100)
	rec.ApplyFileExtentSpan(50, 150)
	assert.True(t, rec.Errors&ErrFileExtentOverlap != 0)
	assert.EqualValues(t, 150, rec.ExtentEnd)
}

func TestInodeRecordApplyFileExtentSpanGap(t *testing.T) {
	rec := NewInodeRecord(257)
	rec.ApplyFileExtentSpan(0, 100)
	rec.ApplyFileExtentSpan(200, 300)
	assert.EqualValues(t, 100, rec.FirstExtentGap)
}

func TestMergeInodeRecordsNil(t *testing.T) {
	a := NewInodeRecord(257)
	assert.Same(t, a, MergeInodeRecords(a, nil))
	assert.Same(t, a, MergeInodeRecords(nil, a))
}

func TestMergeInodeRecordsSumsCounts(t *testing.T) {
	a := NewInodeRecord(257)
	a.FoundLink = 1
	a.FoundSize = 10
	b := NewInodeRecord(257)
	b.FoundLink = 2
	b.FoundSize = 20

	out := MergeInodeRecords(a, b)
	assert.EqualValues(t, 3, out.FoundLink)
	assert.EqualValues(t, 30, out.FoundSize)
}

func TestMergeInodeRecordsDupInodeItem(t *testing.T) {
	a := NewInodeRecord(257)
	a.ApplyInodeItem(&btrfsitem.Inode{NLink: 1})
	b := NewInodeRecord(257)
	b.ApplyInodeItem(&btrfsitem.Inode{NLink: 1})

	out := MergeInodeRecords(a, b)
	assert.True(t, out.Errors&ErrDupInodeItem != 0)
}

func TestMergeInodeRecordsBackrefUnion(t *testing.T) {
	a := NewInodeRecord(257)
	a.ApplyDirItem(256, "foo", 0, btrfsitem.FT_REG_FILE, false)
	b := NewInodeRecord(257)
	b.ApplyInodeRef(256, "foo", 0, 0)

	out := MergeInodeRecords(a, b)
	require.Len(t, out.Backrefs, 1)
	ref := out.AddBackref(256, "foo")
	assert.True(t, ref.FoundDirItem)
	assert.True(t, ref.FoundInodeRef)
}

func TestMergeInodeRecordsExtentSpanOrderIndependent(t *testing.T) {
	a := NewInodeRecord(257)
	a.ApplyFileExtentSpan(0, 100)
	b := NewInodeRecord(257)
	b.ApplyFileExtentSpan(100, 200)

	ab := MergeInodeRecords(a, b)
	ba := MergeInodeRecords(b, a)
	assert.Equal(t, ab.ExtentStart, ba.ExtentStart)
	assert.Equal(t, ab.ExtentEnd, ba.ExtentEnd)
	assert.Zero(t, ab.Errors&ErrOverlap)
}

func TestInodeErrorsString(t *testing.T) {
	assert.Equal(t, "none", InodeErrors(0).String())
	assert.Equal(t, "DUP_INODE_ITEM", ErrDupInodeItem.String())
	assert.Equal(t, "DUP_INODE_ITEM|NO_ORPHAN_ITEM", (ErrDupInodeItem | ErrNoOrphanItem).String())
}
