// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/linux"
)

// InodeErrors is a bitset of the inconsistencies a per-inode final
// pass can detect, following the same bitfield-as-uint pattern used
// throughout lib/btrfs/btrfsvol for flags, generalized to a
// diagnostics bitset instead of an on-disk one.
type InodeErrors uint32

const (
	ErrDupInodeItem InodeErrors = 1 << iota
	ErrNoOrphanItem
	ErrNoInodeItem
	ErrLinkCountWrong
	ErrDirISizeWrong
	ErrFileNBytesWrong
	ErrNameTooLong
	ErrDupDirIndex
	ErrIndexUnmatch
	ErrFileTypeUnmatch
	ErrFileExtentOverlap
	ErrFileExtentDiscount
	ErrOddCSumItem
	ErrSomeCSumMissing
	ErrOverlap
)

var inodeErrorNames = [...]string{
	"DUP_INODE_ITEM",
	"NO_ORPHAN_ITEM",
	"NO_INODE_ITEM",
	"LINK_COUNT_WRONG",
	"DIR_ISIZE_WRONG",
	"FILE_NBYTES_WRONG",
	"NAME_TOO_LONG",
	"DUP_DIR_INDEX",
	"INDEX_UNMATCH",
	"FILETYPE_UNMATCH",
	"FILE_EXTENT_OVERLAP",
	"FILE_EXTENT_DISCOUNT",
	"ODD_CSUM_ITEM",
	"SOME_CSUM_MISSING",
	"OVERLAP",
}

func (e InodeErrors) String() string {
	if e == 0 {
		return "none"
	}
	var out string
	for i, name := range inodeErrorNames {
		if e&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += name
		}
	}
	return out
}

// InodeBackref is one (dir, name) link pointing at an inode.
type InodeBackref struct {
	Dir      btrfsprim.ObjID
	Index    uint64
	Name     string
	FileType btrfsitem.FileType
	RefType  btrfsprim.ItemType

	FoundDirItem  bool
	FoundDirIndex bool
	FoundInodeRef bool

	Errors InodeErrors
}

func backrefKey(dir btrfsprim.ObjID, name string) [2]any { return [2]any{dir, name} }

// InodeRecord is the per-inode accumulator. It is created lazily on
// first mention and completed as the walker visits the inode's
// INODE_ITEM, INODE_REF/EXTREF, and DIR_ITEM/DIR_INDEX entries,
// possibly from more than one tree if the owning subtree is shared
// (see SharedNode in walk.go).
type InodeRecord struct {
	Ino       btrfsprim.ObjID
	foundItem bool

	NLink    int32
	IMode    linux.StatMode
	ISize    int64
	NBytes   int64
	NoDataSum bool

	FoundLink int
	FoundSize int64

	ExtentStart    int64
	ExtentEnd      int64
	HasExtentSpan  bool
	FirstExtentGap int64

	Errors  InodeErrors
	Checked bool

	Backrefs map[[2]any]*InodeBackref
}

func NewInodeRecord(ino btrfsprim.ObjID) *InodeRecord {
	return &InodeRecord{
		Ino:            ino,
		FirstExtentGap: -1,
		Backrefs:       make(map[[2]any]*InodeBackref),
	}
}

// AddBackref finds-or-creates the InodeBackref for (dir, name),
// mirroring the dedup-by-(dir,name) behavior of the original
// add_inode_backref.
func (rec *InodeRecord) AddBackref(dir btrfsprim.ObjID, name string) *InodeBackref {
	key := backrefKey(dir, name)
	ref, ok := rec.Backrefs[key]
	if !ok {
		ref = &InodeBackref{Dir: dir, Name: name}
		rec.Backrefs[key] = ref
	}
	return ref
}

// ApplyInodeItem fills in fields from an INODE_ITEM.
func (rec *InodeRecord) ApplyInodeItem(item *btrfsitem.Inode) {
	if rec.foundItem {
		rec.Errors |= ErrDupInodeItem
		return
	}
	rec.foundItem = true
	rec.NLink = item.NLink
	rec.IMode = item.Mode
	rec.ISize = item.Size
	rec.NBytes = item.NumBytes
	rec.NoDataSum = item.Flags&btrfsitem.INODE_NODATASUM != 0
	if item.NLink == 0 {
		rec.Errors |= ErrNoOrphanItem
	}
}

// ApplyDirItem records a backref observed via a DIR_ITEM or
// DIR_INDEX entry in the parent directory, per process_dir_item.
func (rec *InodeRecord) ApplyDirItem(dir btrfsprim.ObjID, name string, index uint64, ft btrfsitem.FileType, isIndex bool) {
	if len(name) > btrfsitem.MaxNameLen {
		rec.Errors |= ErrNameTooLong
		name = name[:btrfsitem.MaxNameLen]
	}
	ref := rec.AddBackref(dir, name)
	ref.FileType = ft
	if isIndex {
		if ref.FoundDirIndex {
			ref.Errors |= ErrDupDirIndex
		}
		ref.FoundDirIndex = true
		ref.Index = index
	} else {
		ref.FoundDirItem = true
	}
	rec.FoundLink++
}

// ApplyInodeRef records a backref observed via an INODE_REF or
// INODE_EXTREF item on the inode itself, per process_inode_ref /
// process_inode_extref. index is the DIR_INDEX sequence number the
// original directory entry should carry; a mismatch is
// ErrIndexUnmatch.
func (rec *InodeRecord) ApplyInodeRef(dir btrfsprim.ObjID, name string, index uint64, refType btrfsprim.ItemType) {
	ref := rec.AddBackref(dir, name)
	if ref.FoundInodeRef {
		return
	}
	ref.FoundInodeRef = true
	ref.RefType = refType
	if ref.FoundDirIndex && ref.Index != index {
		ref.Errors |= ErrIndexUnmatch
	}
}

// CheckFileType cross-checks a directory entry's declared file type
// against the inode's actual mode, per the FILETYPE_UNMATCH check.
func (ref *InodeBackref) CheckFileType(mode linux.StatMode) {
	var want btrfsitem.FileType
	switch {
	case mode.IsDir():
		want = btrfsitem.FT_DIR
	case mode.IsRegular():
		want = btrfsitem.FT_REG_FILE
	default:
		return
	}
	if ref.FileType != want {
		ref.Errors |= ErrFileTypeUnmatch
	}
}

// ApplyFileExtentSpan folds a FILE_EXTENT's [beg, end) span into the
// inode's observed extent coverage, per process_file_extent's span
// bookkeeping.
func (rec *InodeRecord) ApplyFileExtentSpan(beg, end int64) {
	if !rec.HasExtentSpan {
		rec.ExtentStart, rec.ExtentEnd = beg, end
		rec.HasExtentSpan = true
		if beg > 0 {
			rec.FirstExtentGap = 0
		}
		return
	}
	if beg < rec.ExtentEnd {
		rec.Errors |= ErrFileExtentOverlap
	} else if beg > rec.ExtentEnd && rec.FirstExtentGap < 0 {
		rec.FirstExtentGap = rec.ExtentEnd
	}
	if end > rec.ExtentEnd {
		rec.ExtentEnd = end
	}
}

// Finish performs the per-root final pass: checks nlink,
// presence of the inode item, and size bookkeeping.  It does not
// mutate anything that Merge depends on, so it may be called on an
// already-merged record.
func (rec *InodeRecord) Finish() {
	if !rec.foundItem {
		rec.Errors |= ErrNoInodeItem
	}
	if rec.FoundLink != int(rec.NLink) {
		rec.Errors |= ErrLinkCountWrong
	}
	switch {
	case rec.IMode.IsDir():
		if rec.FoundSize != rec.ISize {
			rec.Errors |= ErrDirISizeWrong
		}
	case rec.IMode.IsRegular():
		if rec.FoundSize != rec.NBytes {
			rec.Errors |= ErrFileNBytesWrong
		}
	}
	rec.Checked = true
}

// Done reports whether rec may be released from the accumulator
// cache: freed once nlink matches, no dangling backrefs remain, no
// errors were recorded, and the final pass ran.
func (rec *InodeRecord) Done() bool {
	return rec.Checked && rec.FoundLink == int(rec.NLink) && len(rec.Backrefs) == 0 && rec.Errors == 0
}

// MergeInodeRecords combines two partial records for the same inode
// discovered under different branches of a shared subtree. The result
// is independent of merge order: summing FoundLink/FoundSize is
// commutative, backref merging dedups by key, and extent-span union
// is order independent once sorted by start.
func MergeInodeRecords(a, b *InodeRecord) *InodeRecord {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := *a
	out.FoundLink = a.FoundLink + b.FoundLink
	out.FoundSize = a.FoundSize + b.FoundSize
	out.Errors = a.Errors | b.Errors

	switch {
	case a.foundItem && b.foundItem:
		out.Errors |= ErrDupInodeItem
	case b.foundItem:
		out.foundItem = true
		out.NLink = b.NLink
		out.IMode = b.IMode
		out.ISize = b.ISize
		out.NBytes = b.NBytes
		out.NoDataSum = b.NoDataSum
	}

	out.Backrefs = make(map[[2]any]*InodeBackref, len(a.Backrefs)+len(b.Backrefs))
	for k, v := range a.Backrefs {
		cp := *v
		out.Backrefs[k] = &cp
	}
	for k, v := range b.Backrefs {
		if existing, ok := out.Backrefs[k]; ok {
			merged := *existing
			merged.FoundDirItem = existing.FoundDirItem || v.FoundDirItem
			merged.FoundDirIndex = existing.FoundDirIndex || v.FoundDirIndex
			merged.FoundInodeRef = existing.FoundInodeRef || v.FoundInodeRef
			merged.Errors = existing.Errors | v.Errors
			out.Backrefs[k] = &merged
		} else {
			cp := *v
			out.Backrefs[k] = &cp
		}
	}

	switch {
	case !a.HasExtentSpan:
		out.HasExtentSpan = b.HasExtentSpan
		out.ExtentStart, out.ExtentEnd, out.FirstExtentGap = b.ExtentStart, b.ExtentEnd, b.FirstExtentGap
	case !b.HasExtentSpan:
		// out already carries a's span.
	default:
		out.HasExtentSpan = true
		if out.FirstExtentGap < 0 || (b.FirstExtentGap >= 0 && b.FirstExtentGap < out.FirstExtentGap) {
			out.FirstExtentGap = b.FirstExtentGap
		}
		lo, hi := a, b
		if b.ExtentStart < a.ExtentStart {
			lo, hi = b, a
		}
		out.ExtentStart = lo.ExtentStart
		out.ExtentEnd = lo.ExtentEnd
		if hi.ExtentStart > out.ExtentEnd {
			if out.FirstExtentGap < 0 || out.ExtentEnd < out.FirstExtentGap {
				out.FirstExtentGap = out.ExtentEnd
			}
		} else if hi.ExtentStart < out.ExtentEnd {
			out.Errors |= ErrOverlap
		}
		if hi.ExtentEnd > out.ExtentEnd {
			out.ExtentEnd = hi.ExtentEnd
		}
	}

	return &out
}
