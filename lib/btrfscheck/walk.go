// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfstree"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/containers"
)

// FS is the subset of *btrfs.FS that the walker needs: the
// generic tree-operator surface plus the superblock. Keeping this as
// a narrow interface (rather than depending on *btrfs.FS directly)
// lets tests drive the walker against an in-memory fake.
type FS interface {
	btrfstree.TreeOperator
	Superblock() (*btrfstree.Superblock, error)
}

// SharedNode records a tree block that the extent tree declares as
// referenced by more than one root (snapshots). The walker indexes
// one per such block until every owning tree has reached it. Nothing
// in the walk writes into RootCache or InodeCache, and every tree
// that reaches the block walks its subtree in full.
type SharedNode struct {
	Bytenr btrfsvol.LogicalAddr
	Level  uint8

	// Refs counts the owning trees that have not yet reached this
	// block. It starts at the extent tree's declared reference
	// count and is decremented by leaveSharedNode each time a tree
	// enters the block; the node is dropped from the index when it
	// reaches zero.
	Refs int

	RootCache  map[btrfsprim.ObjID]*RootRecord
	InodeCache map[btrfsprim.ObjID]*InodeRecord
}

func newSharedNode(bytenr btrfsvol.LogicalAddr, level uint8, refs int) *SharedNode {
	return &SharedNode{
		Bytenr:     bytenr,
		Level:      level,
		Refs:       refs,
		RootCache:  make(map[btrfsprim.ObjID]*RootRecord),
		InodeCache: make(map[btrfsprim.ObjID]*InodeRecord),
	}
}

// accumulator is the set of caches that per-leaf dispatch writes in
// to. At any point during the walk, Walker.activeAccumulator returns
// the accumulator that dispatch should use: the per-level accumulator
// of the most recently entered shared node, or the tree-level one.
type accumulator struct {
	roots   map[btrfsprim.ObjID]*RootRecord
	inodes  map[btrfsprim.ObjID]*InodeRecord
}

func (a *accumulator) inode(ino btrfsprim.ObjID) *InodeRecord {
	rec, ok := a.inodes[ino]
	if !ok {
		rec = NewInodeRecord(ino)
		a.inodes[ino] = rec
	}
	return rec
}

// RootRecord aggregates cross-tree references for a subvolume/
// snapshot root.
type RootRecord struct {
	ID        btrfsprim.ObjID
	FoundRef  int
	Referrers []btrfsprim.ObjID
}

// walkControl is the per-walk-invocation stack: one accumulator per
// tree level, plus the deepest level currently holding a shared
// node.
type walkControl struct {
	nodes      []*accumulator // indexed by level
	rootLevel  uint8
	activeNode int // -1 if none active
}

// Walker drives the multi-tree traversal: it walks every tree
// reachable from the seeds, detecting nodes shared by more than one
// tree (snapshots) via the extent cache's declared reference counts,
// and dispatching each item to the per-root final accumulator once
// its owning tree finishes.
type Walker struct {
	fs    FS
	stats *RunStats

	extents *ExtentCache

	// sharedNodes indexes SharedNodes by bytenr until every tree
	// that declares a reference to the block has reached it. A
	// shared subtree is still walked once per tree that reaches it.
	sharedNodes map[btrfsvol.LogicalAddr]*SharedNode

	nodeSize btrfsvol.AddrDelta

	seen containers.Set[btrfsvol.LogicalAddr]

	// perRoot holds the final, fully-merged accumulator for each
	// tree once its walk (and all shared-node splicing it
	// participates in) has completed.
	perRoot map[btrfsprim.ObjID]*accumulator

	csums *CSumVerifier
}

func NewWalker(fs FS, stats *RunStats) *Walker {
	w := &Walker{
		fs:          fs,
		stats:       stats,
		extents:     &ExtentCache{},
		sharedNodes: make(map[btrfsvol.LogicalAddr]*SharedNode),
		seen:        make(containers.Set[btrfsvol.LogicalAddr]),
		perRoot:     make(map[btrfsprim.ObjID]*accumulator),
		csums:       NewCSumVerifier(),
	}
	if sb, err := fs.Superblock(); err == nil {
		w.nodeSize = btrfsvol.AddrDelta(sb.NodeSize)
	}
	return w
}

// refCount looks up how many trees declare a reference to bytenr, by
// consulting the extent cache populated from the extent tree. A
// block with no extent record, or refs<=1, is not shared.
func (w *Walker) refCount(bytenr btrfsvol.LogicalAddr) int64 {
	rec, ok := w.extents.Get(bytenr)
	if !ok {
		return 1
	}
	return rec.ExtentItemRefs
}

// markTreeBackrefFound is the "walked" half of tree-backref
// reconciliation: the Node callback fires once for every tree block
// actually reached while walking treeID, which is exactly the
// evidence that a TREE_BLOCK_REF (owning tree) or SHARED_BLOCK_REF
// (parent pointer) declared in the extent tree is genuine. It tries
// both tie-break shapes, since which one is on disk for a given
// block depends on whether the block is a full (shared) backref or
// not, and only one of them will find a match.
func (w *Walker) markTreeBackrefFound(path btrfstree.Path, treeID btrfsprim.ObjID, bytenr btrfsvol.LogicalAddr) {
	rec, ok := w.extents.Get(bytenr)
	if !ok {
		return
	}
	if tb := rec.FindTreeBackref(0, treeID); tb != nil {
		if !tb.FoundRef {
			tb.FoundRef = true
			rec.Refs++
		}
		rec.markWalked()
	}
	if parent, ok := parentNodeAddr(path); ok {
		if tb := rec.FindTreeBackref(parent, 0); tb != nil {
			if !tb.FoundRef {
				tb.FoundRef = true
				rec.Refs++
			}
			rec.markWalked()
		}
	}
}

// parentNodeAddr returns the address of the node that holds the key
// pointer leading to path's last element, if any.
func parentNodeAddr(path btrfstree.Path) (btrfsvol.LogicalAddr, bool) {
	if len(path) < 2 {
		return 0, false
	}
	parent := path.Parent()
	switch elem := parent[len(parent)-1].(type) {
	case btrfstree.PathRoot:
		return elem.ToAddr, true
	case btrfstree.PathKP:
		return elem.ToAddr, true
	default:
		return 0, false
	}
}

// WalkTree walks one tree (root). treeID identifies the owning tree
// for ownership bookkeeping.
func (w *Walker) WalkTree(ctx context.Context, treeID btrfsprim.ObjID) {
	wc := &walkControl{activeNode: -1}
	acc := &accumulator{roots: make(map[btrfsprim.ObjID]*RootRecord), inodes: make(map[btrfsprim.ObjID]*InodeRecord)}
	wc.nodes = []*accumulator{acc}

	var errHandle func(*btrfstree.TreeError)
	errHandle = func(te *btrfstree.TreeError) {
		w.stats.addError(te.Err)
	}

	cbs := btrfstree.TreeWalkHandler{
		Node: func(path btrfstree.Path, node *btrfstree.Node) {
			w.stats.NodesWalked++
			bytenr := node.Head.Addr
			level := node.Head.Level
			w.markTreeBackrefFound(path, treeID, bytenr)
			if w.refCount(bytenr) > 1 {
				w.enterSharedNode(wc, bytenr, level)
			}
		},
		Item: func(path btrfstree.Path, item btrfstree.Item) {
			w.stats.ItemsWalked++
			target := w.activeAccumulator(wc)
			dispatchItem(ctx, target, treeID, item, w.extents, w.csums, w.nodeSize)
		},
	}
	w.fs.TreeWalk(ctx, treeID, errHandle, cbs)

	w.stats.TreesWalked++
	w.mergeIntoPerRoot(treeID, acc)

	// Fold the accumulators opened for shared nodes into this
	// tree's final accumulator; wc.nodes[0] is acc itself.
	for lvl := 1; lvl < len(wc.nodes); lvl++ {
		w.mergeIntoPerRoot(treeID, wc.nodes[lvl])
	}
}

// enterSharedNode runs when a tree reaches a block that more than
// one tree references: the first tree to reach it allocates its
// SharedNode; every tree then gets an accumulator for the block's
// level, which becomes the active accumulator for the rest of that
// tree's walk, and calls leaveSharedNode. btrfstree.TreeWalk walks
// the block's subtree in full for every tree that reaches it.
func (w *Walker) enterSharedNode(wc *walkControl, bytenr btrfsvol.LogicalAddr, level uint8) {
	node, ok := w.sharedNodes[bytenr]
	if !ok {
		node = newSharedNode(bytenr, level, int(w.refCount(bytenr)))
		w.sharedNodes[bytenr] = node
		w.stats.SharedNodes++
	}
	for len(wc.nodes) <= int(level) {
		wc.nodes = append(wc.nodes, &accumulator{roots: make(map[btrfsprim.ObjID]*RootRecord), inodes: make(map[btrfsprim.ObjID]*InodeRecord)})
	}
	wc.activeNode = int(level)
	w.leaveSharedNode(wc, node)
}

// leaveSharedNode decrements the shared node's Refs and merges its
// caches into the accumulator for the node's level on every call;
// the SharedNode is dropped from the index once Refs reaches zero.
func (w *Walker) leaveSharedNode(wc *walkControl, node *SharedNode) {
	node.Refs--
	target := wc.nodes[node.Level]
	for ino, rec := range node.InodeCache {
		if existing, ok := target.inodes[ino]; ok {
			target.inodes[ino] = MergeInodeRecords(existing, rec)
		} else {
			target.inodes[ino] = rec
		}
	}
	for id, rec := range node.RootCache {
		if existing, ok := target.roots[id]; ok {
			existing.FoundRef += rec.FoundRef
			existing.Referrers = append(existing.Referrers, rec.Referrers...)
		} else {
			target.roots[id] = rec
		}
	}
	if node.Refs <= 0 {
		delete(w.sharedNodes, node.Bytenr)
	}
}

// activeAccumulator returns the accumulator that leaf dispatch
// should write in to.
func (w *Walker) activeAccumulator(wc *walkControl) *accumulator {
	if wc.activeNode >= 0 && wc.activeNode < len(wc.nodes) {
		return wc.nodes[wc.activeNode]
	}
	return wc.nodes[0]
}

// mergeIntoPerRoot folds a finished tree's accumulator into the
// walker's global per-root table, merging inode records that a
// previous walk of the same tree (e.g. a re-walk after repair) may
// have already populated.
func (w *Walker) mergeIntoPerRoot(treeID btrfsprim.ObjID, acc *accumulator) {
	existing, ok := w.perRoot[treeID]
	if !ok {
		w.perRoot[treeID] = acc
		return
	}
	for ino, rec := range acc.inodes {
		if old, ok := existing.inodes[ino]; ok {
			existing.inodes[ino] = MergeInodeRecords(old, rec)
		} else {
			existing.inodes[ino] = rec
		}
	}
	for id, rec := range acc.roots {
		if old, ok := existing.roots[id]; ok {
			old.FoundRef += rec.FoundRef
			old.Referrers = append(old.Referrers, rec.Referrers...)
		} else {
			existing.roots[id] = rec
		}
	}
}

// FinishRoot runs the per-root final pass over one tree's merged
// inode records and reports the errors found.
func (w *Walker) FinishRoot(ctx context.Context, treeID btrfsprim.ObjID) map[btrfsprim.ObjID]InodeErrors {
	acc, ok := w.perRoot[treeID]
	if !ok {
		return nil
	}
	out := make(map[btrfsprim.ObjID]InodeErrors)
	for ino, rec := range acc.inodes {
		rec.Finish()
		w.stats.InodesChecked++
		if rec.Errors != 0 {
			out[ino] = rec.Errors
			dlog.Debugf(ctx, "tree %v: inode %v: %v", treeID, ino, rec.Errors)
		}
	}
	return out
}

// dispatchItem is the per-leaf dispatch: switch on key type and
// invoke the matching process_* routine.
func dispatchItem(_ context.Context, acc *accumulator, treeID btrfsprim.ObjID, item btrfstree.Item, extents *ExtentCache, csums *CSumVerifier, nodeSize btrfsvol.AddrDelta) {
	switch body := item.Body.(type) {
	case *btrfsitem.Inode:
		acc.inode(item.Key.ObjectID).ApplyInodeItem(body)
	case *btrfsitem.DirEntry:
		processDirEntry(acc, item, body)
	case *btrfsitem.InodeRefs:
		for _, ref := range body.Refs {
			acc.inode(item.Key.ObjectID).ApplyInodeRef(
				btrfsprim.ObjID(item.Key.Offset), string(ref.Name), uint64(ref.Index), btrfsprim.INODE_REF_KEY)
		}
	case *btrfsitem.FileExtent:
		processFileExtent(acc, treeID, item, body, extents)
	case *btrfsitem.Extent:
		// key.offset is the declared byte length of the extent.
		processExtentItem(extents, item.Key, body.Head, body.Refs, btrfsvol.AddrDelta(item.Key.Offset), uint8(body.Info.Level), body.Head.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK))
	case *btrfsitem.Metadata:
		// skinny metadata: key.offset is the tree level, and the
		// extent's length is implicitly the filesystem's node size.
		processExtentItem(extents, item.Key, body.Head, body.Refs, nodeSize, uint8(item.Key.Offset), true)
	case *btrfsitem.RootRef:
		processRootRef(acc, item)
	case *btrfsitem.ExtentCSum:
		csums.Observe(item.Key, body)
	}
	_ = treeID
}

func processDirEntry(acc *accumulator, item btrfstree.Item, entry *btrfsitem.DirEntry) {
	isIndex := item.Key.ItemType == btrfsprim.DIR_INDEX_KEY
	target := acc.inode(entry.Location.ObjectID)
	target.ApplyDirItem(item.Key.ObjectID, string(entry.Name), item.Key.Offset, entry.Type, isIndex)
}

func processFileExtent(acc *accumulator, treeID btrfsprim.ObjID, item btrfstree.Item, fe *btrfsitem.FileExtent, extents *ExtentCache) {
	rec := acc.inode(item.Key.ObjectID)
	size, err := fe.Size()
	if err != nil {
		return
	}
	beg := int64(item.Key.Offset)
	rec.ApplyFileExtentSpan(beg, beg+size)
	if beg+size > rec.FoundSize {
		rec.FoundSize = beg + size
	}
	if fe.Type == btrfsitem.FILE_EXTENT_REG || fe.Type == btrfsitem.FILE_EXTENT_PREALLOC {
		markDataBackrefFound(extents, treeID, item.Key.ObjectID, beg, fe.BodyExtent)
	}
}

// markDataBackrefFound is the "walked" half of data-extent
// reconciliation: an EXTENT_DATA item pointing at disk bytes is the
// evidence that the inode actually holds the reference an
// EXTENT_DATA_REF/SHARED_DATA_REF declared in the extent tree. The
// data backref's key offset is the file-logical start of the extent
// (the item's own key offset adjusted back by any bookend), which is
// what FindDataBackref ties against.
func markDataBackrefFound(extents *ExtentCache, treeID, ino btrfsprim.ObjID, fileOffset int64, be btrfsitem.FileExtentExtent) {
	if be.DiskByteNr == 0 {
		return // hole: no backing extent to reconcile
	}
	rec, ok := extents.Get(be.DiskByteNr)
	if !ok {
		rec = extents.GetOrCreate(be.DiskByteNr, be.DiskNumBytes)
	}
	refOffset := fileOffset - int64(be.Offset)
	db := rec.FindDataBackref(0, treeID, ino, refOffset, int64(be.DiskNumBytes))
	if db == nil {
		return
	}
	db.FoundRef++
	rec.Refs++
	rec.markWalked()
}

func processRootRef(acc *accumulator, item btrfstree.Item) {
	rootID := item.Key.ObjectID
	if item.Key.ItemType == btrfsprim.ROOT_BACKREF_KEY {
		rootID = btrfsprim.ObjID(item.Key.Offset)
	}
	rec, ok := acc.roots[rootID]
	if !ok {
		rec = &RootRecord{ID: rootID}
		acc.roots[rootID] = rec
	}
	rec.FoundRef++
}

// processExtentItem implements the "declared" half of extent/backref
// reconciliation: fold an EXTENT_ITEM/METADATA_ITEM and its inline
// refs into the extent
// cache. nr is the extent's byte length (explicit for EXTENT_ITEM,
// implicitly the node size for the skinny METADATA_ITEM encoding);
// isMetadata comes from the item's key type (METADATA_ITEM) or the
// EXTENT_ITEM's TREE_BLOCK flag, not inferred from
// level (which is 0 for leaves and so cannot distinguish the two).
func processExtentItem(extents *ExtentCache, key btrfsprim.Key, head btrfsitem.ExtentHeader, refs []btrfsitem.ExtentInlineRef, nr btrfsvol.AddrDelta, level uint8, isMetadata bool) {
	rec := extents.GetOrCreate(btrfsvol.LogicalAddr(key.ObjectID), nr)
	rec.ExtentItemRefs = head.Refs
	rec.Generation = head.Generation
	rec.Metadata = isMetadata
	if isMetadata {
		rec.InfoLevel = level
	}
	for _, ref := range refs {
		switch ref.Type {
		case btrfsprim.TREE_BLOCK_REF_KEY:
			tb := rec.AddTreeBackref(0, btrfsprim.ObjID(ref.Offset), false)
			tb.FoundExtentTree = true
		case btrfsprim.SHARED_BLOCK_REF_KEY:
			tb := rec.AddTreeBackref(btrfsvol.LogicalAddr(ref.Offset), 0, true)
			tb.FoundExtentTree = true
		case btrfsprim.EXTENT_DATA_REF_KEY:
			if dref, ok := ref.Body.(*btrfsitem.ExtentDataRef); ok {
				db := rec.AddDataBackref(0, dref.Root, dref.ObjectID, dref.Offset, int64(rec.NR), false)
				db.FoundExtentTree = true
				db.NumRefs += int(dref.Count)
			}
		case btrfsprim.SHARED_DATA_REF_KEY:
			if sref, ok := ref.Body.(*btrfsitem.SharedDataRef); ok {
				db := rec.AddDataBackref(btrfsvol.LogicalAddr(ref.Offset), 0, 0, 0, int64(rec.NR), true)
				db.FoundExtentTree = true
				db.NumRefs += int(sref.Count)
			}
		}
	}
}
