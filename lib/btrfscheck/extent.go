// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/containers"
)

// Backref is a sum type: rather than a tagged base class with
// "tree"/"data" subclasses, it is a Go interface implemented by two
// concrete, unexported-field-free structs that pattern-match at use
// sites (FindTreeBackref, FindDataBackref, AllBackpointersChecked,
// the repairer).
type Backref interface {
	isBackref()
}

// TreeBackref names either the parent tree-block (FullBackref) or
// the owning tree (otherwise).
type TreeBackref struct {
	Parent      btrfsvol.LogicalAddr // valid iff FullBackref
	Root        btrfsprim.ObjID      // valid iff !FullBackref
	FullBackref bool

	FoundRef        bool
	FoundExtentTree bool
}

func (*TreeBackref) isBackref() {}

// DataBackref names an (inode, file-offset) reference to a data
// extent.
type DataBackref struct {
	Parent      btrfsvol.LogicalAddr // valid iff FullBackref
	Root        btrfsprim.ObjID      // valid iff !FullBackref
	FullBackref bool
	Owner       btrfsprim.ObjID
	Offset      int64
	Bytes       int64

	NumRefs         int
	FoundRef        int
	FoundExtentTree bool
}

func (*DataBackref) isBackref() {}

// ExtentRecord is the per-(start,length) accumulator. Refs is the
// count derived by walking trees; ExtentItemRefs
// is the count declared by the extent tree itself; reconciliation
// requires the two to agree and every backref to be doubly attested.
type ExtentRecord struct {
	Start   btrfsvol.LogicalAddr
	NR      btrfsvol.AddrDelta
	MaxSize btrfsvol.AddrDelta

	Refs           int64
	ExtentItemRefs int64
	Generation     btrfsprim.Generation

	Metadata        bool
	InfoObjID       btrfsprim.ObjID
	InfoLevel       uint8
	ContentChecked  bool
	OwnerRefChecked bool
	IsRoot          bool

	Backrefs []Backref
}

func NewExtentRecord(start btrfsvol.LogicalAddr, nr btrfsvol.AddrDelta) *ExtentRecord {
	return &ExtentRecord{Start: start, NR: nr, MaxSize: nr}
}

// FindTreeBackref implements the tie-break rule: parent>0 matches
// only full-backref entries with that parent,
// otherwise it matches only non-full entries with the given root.
func (rec *ExtentRecord) FindTreeBackref(parent btrfsvol.LogicalAddr, root btrfsprim.ObjID) *TreeBackref {
	for _, b := range rec.Backrefs {
		tb, ok := b.(*TreeBackref)
		if !ok {
			continue
		}
		if parent != 0 {
			if tb.FullBackref && tb.Parent == parent {
				return tb
			}
		} else if !tb.FullBackref && tb.Root == root {
			return tb
		}
	}
	return nil
}

// FindDataBackref additionally keys on (owner, offset) and, once a
// FoundRef has been recorded, on bytes.
func (rec *ExtentRecord) FindDataBackref(parent btrfsvol.LogicalAddr, root, owner btrfsprim.ObjID, offset, bytes int64) *DataBackref {
	for _, b := range rec.Backrefs {
		db, ok := b.(*DataBackref)
		if !ok {
			continue
		}
		if db.Owner != owner || db.Offset != offset {
			continue
		}
		if parent != 0 {
			if !db.FullBackref || db.Parent != parent {
				continue
			}
		} else if db.FullBackref || db.Root != root {
			continue
		}
		if db.FoundRef > 0 && db.Bytes != bytes {
			continue
		}
		return db
	}
	return nil
}

// AddTreeBackref finds-or-creates a TreeBackref per the tie-break
// rule above.
func (rec *ExtentRecord) AddTreeBackref(parent btrfsvol.LogicalAddr, root btrfsprim.ObjID, full bool) *TreeBackref {
	if b := rec.FindTreeBackref(parent, root); b != nil {
		return b
	}
	tb := &TreeBackref{Parent: parent, Root: root, FullBackref: full}
	rec.Backrefs = append(rec.Backrefs, tb)
	return tb
}

// AddDataBackref finds-or-creates a DataBackref.
func (rec *ExtentRecord) AddDataBackref(parent btrfsvol.LogicalAddr, root, owner btrfsprim.ObjID, offset, bytes int64, full bool) *DataBackref {
	if b := rec.FindDataBackref(parent, root, owner, offset, bytes); b != nil {
		return b
	}
	db := &DataBackref{Parent: parent, Root: root, FullBackref: full, Owner: owner, Offset: offset, Bytes: bytes}
	rec.Backrefs = append(rec.Backrefs, db)
	return db
}

// markWalked records that the tree walk actually reached a reference
// to this extent (a tree-block child pointer or an EXTENT_DATA item),
// confirming the extent's content is reachable and its declared
// owner matches a real backref rather than only a dangling entry in
// the extent tree.
func (rec *ExtentRecord) markWalked() {
	rec.ContentChecked = true
	rec.OwnerRefChecked = true
}

// AllBackpointersChecked implements the per-extent success
// criterion: every backref
// must be doubly attested, data backrefs must match their declared
// ref count and byte span, and the found refs (one per tree backref
// plus each data backref's FoundRef) must sum to Refs, the count
// built up while walking the trees.
func (rec *ExtentRecord) AllBackpointersChecked() bool {
	var foundSum int64
	for _, b := range rec.Backrefs {
		switch bb := b.(type) {
		case *TreeBackref:
			if !bb.FoundExtentTree || !bb.FoundRef {
				return false
			}
			foundSum++
		case *DataBackref:
			if !bb.FoundExtentTree {
				return false
			}
			if bb.FoundRef != bb.NumRefs || bb.Bytes != int64(rec.NR) {
				return false
			}
			foundSum += int64(bb.FoundRef)
		}
	}
	return foundSum == rec.Refs
}

// Reconciled reports whether rec may be released from the extent
// cache.
func (rec *ExtentRecord) Reconciled() bool {
	return rec.ContentChecked && rec.OwnerRefChecked &&
		rec.Refs == rec.ExtentItemRefs && rec.AllBackpointersChecked()
}

// ExtentCache indexes ExtentRecords by starting address, using the
// same SortedMap+NativeOrdered idiom used elsewhere in this codebase
// for keying generic trees off of plain integers.
type ExtentCache struct {
	inner containers.SortedMap[containers.NativeOrdered[btrfsvol.LogicalAddr], *ExtentRecord]
}

func (c *ExtentCache) Get(start btrfsvol.LogicalAddr) (*ExtentRecord, bool) {
	return c.inner.Load(containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: start})
}

func (c *ExtentCache) Put(rec *ExtentRecord) {
	c.inner.Store(containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: rec.Start}, rec)
}

func (c *ExtentCache) Delete(start btrfsvol.LogicalAddr) {
	c.inner.Delete(containers.NativeOrdered[btrfsvol.LogicalAddr]{Val: start})
}

// GetOrCreate finds the extent record containing addr, or creates a
// fresh one starting exactly at addr if none is known yet — mirrors
// the "created on first mention" lifecycle rule.
func (c *ExtentCache) GetOrCreate(addr btrfsvol.LogicalAddr, nr btrfsvol.AddrDelta) *ExtentRecord {
	var found *ExtentRecord
	c.inner.Subrange(
		func(k containers.NativeOrdered[btrfsvol.LogicalAddr], rec *ExtentRecord) int {
			switch {
			case addr < k.Val:
				return -1
			case addr >= k.Val.Add(rec.NR):
				return 1
			default:
				return 0
			}
		},
		func(_ containers.NativeOrdered[btrfsvol.LogicalAddr], rec *ExtentRecord) bool {
			found = rec
			return false
		},
	)
	if found != nil {
		if nr > found.MaxSize {
			found.MaxSize = nr
		}
		return found
	}
	rec := NewExtentRecord(addr, nr)
	c.Put(rec)
	return rec
}

// Range iterates extent records in address order.
func (c *ExtentCache) Range(f func(*ExtentRecord) bool) {
	c.inner.Range(func(_ containers.NativeOrdered[btrfsvol.LogicalAddr], rec *ExtentRecord) bool {
		return f(rec)
	})
}
