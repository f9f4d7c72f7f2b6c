// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfscheck implements an offline, read-mostly consistency
// checker and (optionally) repairer for a btrfs filesystem image: it
// walks every tree reachable from the superblock, cross-checks the
// inode, extent, free-space, checksum, and subvolume-reference state
// each tree claims, and reports every inconsistency it finds.
package btrfscheck

import (
	"context"
	"fmt"
	"sort"

	"github.com/datawire/dlib/dlog"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfstree"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

// Config controls which parts of the check Checker.Run performs,
// mirroring the command's CLI flags.
type Config struct {
	// Repair, when true, attempts to fix extent-tree
	// inconsistencies found during the run.
	Repair bool
	// InitCSumTree rebuilds the checksum tree from scratch before
	// checking it, rather than cross-checking the existing one.
	InitCSumTree bool
	// InitExtentTree rebuilds the extent tree from scratch before
	// checking it.
	InitExtentTree bool
	// SuperblockMirror, when >= 0, asks Run to confirm that this
	// specific superblock copy parses and checksums before
	// proceeding with the normal cross-copy consensus check. It
	// does not replace that consensus check: a
	// checker that silently trusted one unverified mirror over
	// the others would miss exactly the kind of corruption this
	// tool exists to find.
	SuperblockMirror int
}

// Report is everything Checker.Run learned about the filesystem.
type Report struct {
	Stats *RunStats

	InodeErrors map[btrfsprim.ObjID]map[btrfsprim.ObjID]InodeErrors // tree -> inode -> errors
	Unreconciled []*ExtentRecord
	FreeSpace    map[btrfsvol.LogicalAddr]*BlockGroupRecord
	UnreachableRoots []btrfsprim.ObjID
	MismatchedRoots  []btrfsprim.ObjID
}

// Checker drives one end-to-end check of an FS: seed the well-known
// trees, walk every subvolume, reconcile extents, and verify free
// space and checksums.
type Checker struct {
	fs     FS
	cfg    Config
	walker *Walker
	stats  *RunStats

	csums      *CSumVerifier
	freespace  *FreeSpaceVerifier
	rootGraph  *RootRefGraph

	blockGroupStarts []btrfsvol.LogicalAddr
}

func NewChecker(fs FS, cfg Config) *Checker {
	if cfg.SuperblockMirror < 0 {
		cfg.SuperblockMirror = 0
	}
	stats := &RunStats{}
	return &Checker{
		fs:        fs,
		cfg:       cfg,
		walker:    NewWalker(fs, stats),
		stats:     stats,
		csums:     NewCSumVerifier(),
		rootGraph: NewRootRefGraph(),
	}
}

// mirrorForcer is implemented by *btrfs.FS; narrowed to an interface
// here so the rest of the package keeps depending only on FS.
type mirrorForcer interface {
	SuperblockForceMirror(mirror int) (*btrfstree.Superblock, error)
}

// Run performs the full check and returns a Report. It does not
// return early on recoverable inconsistencies; those accumulate into
// the Report and Stats.Errors, keeping going and reporting
// everything rather than bailing out at the first problem found.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	if c.cfg.SuperblockMirror >= 0 {
		if mf, ok := c.fs.(mirrorForcer); ok {
			if _, err := mf.SuperblockForceMirror(c.cfg.SuperblockMirror); err != nil {
				return nil, fmt.Errorf("requested superblock mirror %d: %w", c.cfg.SuperblockMirror, err)
			}
			dlog.Infof(ctx, "superblock mirror %d confirmed readable; proceeding with the normal multi-copy consensus check", c.cfg.SuperblockMirror)
		}
	}

	sb, err := c.fs.Superblock()
	if err != nil {
		return nil, err
	}

	c.freespace = NewFreeSpaceVerifier(btrfsvol.AddrDelta(sb.SectorSize), superblockMirrors(sb), superblockMirrorSize)

	dlog.Infof(ctx, "scanning extent tree...")
	c.walkSimple(ctx, btrfsprim.EXTENT_TREE_OBJECTID, c.observeExtentTreeItem)
	sort.Slice(c.blockGroupStarts, func(i, j int) bool { return c.blockGroupStarts[i] < c.blockGroupStarts[j] })

	// Scanning the extent tree first means the chunk, csum, free-space,
	// and root trees walked below can each confirm their own tree
	// blocks' backrefs (declared by the extent tree) as soon as they
	// reach them; only the extent tree's own blocks may be visited
	// before their own declaring item is reached within this same walk.
	dlog.Infof(ctx, "scanning chunk tree...")
	c.walkSimple(ctx, btrfsprim.CHUNK_TREE_OBJECTID, func(btrfstree.Item) {})

	if !c.cfg.InitCSumTree {
		dlog.Infof(ctx, "scanning csum tree...")
		c.walkSimple(ctx, btrfsprim.CSUM_TREE_OBJECTID, c.observeCSumTreeItem)
		c.csums.Finish()
		c.stats.CSumRuns = len(c.csums.Runs())
	}

	dlog.Infof(ctx, "scanning free space tree...")
	c.walkSimple(ctx, btrfsprim.FREE_SPACE_TREE_OBJECTID, c.observeFreeSpaceTreeItem)

	dlog.Infof(ctx, "scanning root tree...")
	subvolumes := map[btrfsprim.ObjID]bool{btrfsprim.FS_TREE_OBJECTID: true}
	c.walkSimple(ctx, btrfsprim.ROOT_TREE_OBJECTID, func(item btrfstree.Item) {
		switch item.Key.ItemType {
		case btrfsprim.ROOT_ITEM_KEY:
			if item.Key.ObjectID >= btrfsprim.FIRST_FREE_OBJECTID || item.Key.ObjectID == btrfsprim.FS_TREE_OBJECTID {
				c.rootGraph.ObserveRoot(item.Key.ObjectID)
				subvolumes[item.Key.ObjectID] = true
			}
		case btrfsprim.ROOT_REF_KEY:
			c.rootGraph.ObserveRootRef(btrfsprim.ROOT_REF_KEY, item.Key.ObjectID, btrfsprim.ObjID(item.Key.Offset))
		case btrfsprim.ROOT_BACKREF_KEY:
			c.rootGraph.ObserveRootRef(btrfsprim.ROOT_BACKREF_KEY, item.Key.ObjectID, btrfsprim.ObjID(item.Key.Offset))
		}
	})

	inodeErrors := make(map[btrfsprim.ObjID]map[btrfsprim.ObjID]InodeErrors)
	for id := range subvolumes {
		dlog.Infof(ctx, "walking tree %v...", id)
		c.walker.WalkTree(ctx, id)
		inodeErrors[id] = c.walker.FinishRoot(ctx, id)
	}

	c.freespace.Reconcile(c.walker.extents)

	var unreconciled []*ExtentRecord
	c.walker.extents.Range(func(rec *ExtentRecord) bool {
		c.stats.ExtentsChecked++
		if !rec.Reconciled() {
			unreconciled = append(unreconciled, rec)
		}
		return true
	})

	report := &Report{
		Stats:            c.stats,
		InodeErrors:      inodeErrors,
		Unreconciled:     unreconciled,
		FreeSpace:        c.freespace.Groups(),
		UnreachableRoots: c.rootGraph.Unreachable(btrfsprim.FS_TREE_OBJECTID),
		MismatchedRoots:  c.rootGraph.Mismatched(),
	}

	if c.cfg.Repair {
		dlog.Infof(ctx, "repairing %d unreconciled extents...", len(unreconciled))
		r := NewRepairer(c.fs, c.walker.extents, c.stats)
		if err := r.Repair(ctx, unreconciled); err != nil {
			return report, err
		}
	}

	return report, nil
}

// walkSimple performs a plain single-tree walk (no shared-node
// bookkeeping) for trees that are never shared across subvolumes:
// the chunk, extent, csum, free-space, and root trees each have
// exactly one owner.
func (c *Checker) walkSimple(ctx context.Context, treeID btrfsprim.ObjID, itemFn func(btrfstree.Item)) {
	cbs := btrfstree.TreeWalkHandler{
		Node: func(path btrfstree.Path, node *btrfstree.Node) {
			c.stats.NodesWalked++
			c.walker.markTreeBackrefFound(path, treeID, node.Head.Addr)
		},
		Item: func(_ btrfstree.Path, item btrfstree.Item) {
			c.stats.ItemsWalked++
			itemFn(item)
		},
	}
	c.fs.TreeWalk(ctx, treeID, func(te *btrfstree.TreeError) {
		c.stats.addError(te.Err)
	}, cbs)
	c.stats.TreesWalked++
}

func (c *Checker) observeExtentTreeItem(item btrfstree.Item) {
	switch body := item.Body.(type) {
	case *btrfsitem.Extent:
		processExtentItem(c.walker.extents, item.Key, body.Head, body.Refs,
			btrfsvol.AddrDelta(item.Key.Offset), uint8(body.Info.Level),
			body.Head.Flags.Has(btrfsitem.EXTENT_FLAG_TREE_BLOCK))
	case *btrfsitem.Metadata:
		processExtentItem(c.walker.extents, item.Key, body.Head, body.Refs,
			c.walker.nodeSize, uint8(item.Key.Offset), true)
	case *btrfsitem.BlockGroup:
		c.freespace.ObserveBlockGroup(item.Key, body)
		c.blockGroupStarts = append(c.blockGroupStarts, btrfsvol.LogicalAddr(item.Key.ObjectID))
	}
}

func (c *Checker) observeCSumTreeItem(item btrfstree.Item) {
	if body, ok := item.Body.(*btrfsitem.ExtentCSum); ok {
		c.csums.Observe(item.Key, body)
	}
}

func (c *Checker) observeFreeSpaceTreeItem(item btrfstree.Item) {
	switch body := item.Body.(type) {
	case *btrfsitem.FreeSpaceInfo:
		c.freespace.ObserveFreeSpaceInfo(item.Key, body)
	case *btrfsitem.FreeSpaceBitmap:
		c.freespace.ObserveFreeSpaceBitmap(btrfsvol.LogicalAddr(item.Key.ObjectID), item.Key, body)
	case *btrfsitem.Empty:
		group := c.groupContaining(btrfsvol.LogicalAddr(item.Key.ObjectID))
		c.freespace.ObserveFreeSpaceExtent(group, item.Key)
	}
}

// groupContaining finds the block group whose span contains addr,
// using the starts collected while scanning the extent tree (sorted
// once the scan finishes; see Run).
func (c *Checker) groupContaining(addr btrfsvol.LogicalAddr) btrfsvol.LogicalAddr {
	starts := c.blockGroupStarts
	i := sort.Search(len(starts), func(i int) bool { return starts[i] > addr })
	if i == 0 {
		return addr
	}
	return starts[i-1]
}

// superblockMirrors returns the physical addresses of the
// superblock's copies (the primary at 0x10000 and its two mirrors),
// which the free-space check excludes
// from every block group's tracked span.
func superblockMirrors(sb *btrfstree.Superblock) []btrfsvol.PhysicalAddr {
	return []btrfsvol.PhysicalAddr{
		0x10000,
		0x4000000,
		0x4000000000,
	}
}

const superblockMirrorSize = btrfsvol.AddrDelta(0x1000)
