// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"context"
	"fmt"
	"io"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfstree"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/diskio"
	"github.com/aviallon/btrfsck-go/lib/maps"
)

// FS is a complete (possibly multi-device) btrfs filesystem, backed
// by a set of Devices arranged as a logical volume.
type FS struct {
	// You should probably not access .LV directly, except when
	// implementing special things like fsck.
	LV btrfsvol.LogicalVolume[*Device]

	cacheSuperblocks []SuperblockCopy
	cacheSuperblock  *btrfstree.Superblock
}

var _ diskio.File[btrfsvol.LogicalAddr] = (*FS)(nil)
var _ diskio.ReaderAt[btrfsvol.LogicalAddr] = (*FS)(nil)
var _ btrfstree.TreeOperator = (*FS)(nil)
var _ btrfstree.NodeSource = (*FS)(nil)

// SuperblockCopy pairs a parsed superblock with the device it was
// read from, for multi-device agreement checks and diagnostics.
type SuperblockCopy struct {
	Dev *Device
	Sb  btrfstree.Superblock
}

func (fs *FS) AddDevice(ctx context.Context, dev *Device) error {
	sb, err := dev.Superblock()
	if err != nil {
		return err
	}
	if err := fs.LV.AddPhysicalVolume(sb.DevItem.DevID, dev); err != nil {
		return err
	}
	fs.cacheSuperblocks = nil
	fs.cacheSuperblock = nil
	if err := fs.initDev(*sb); err != nil {
		dlog.Errorf(ctx, "error: AddDevice: %q: %v", dev.Name(), err)
	}
	return nil
}

func (fs *FS) Name() string {
	if name := fs.LV.Name(); name != "" {
		return name
	}
	sb, err := fs.Superblock()
	if err != nil {
		return "fs_uuid=(unreadable)"
	}
	name := fmt.Sprintf("fs_uuid=%v", sb.FSUUID)
	fs.LV.SetName(name)
	return name
}

func (fs *FS) Size() (btrfsvol.LogicalAddr, error) {
	return fs.LV.Size()
}

func (fs *FS) ReadAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return fs.LV.ReadAt(p, off)
}

func (fs *FS) WriteAt(p []byte, off btrfsvol.LogicalAddr) (int, error) {
	return fs.LV.WriteAt(p, off)
}

func (fs *FS) Resolve(laddr btrfsvol.LogicalAddr) (paddrs map[btrfsvol.QualifiedPhysicalAddr]struct{}, maxlen btrfsvol.AddrDelta) {
	return fs.LV.Resolve(laddr)
}

// Superblocks reads the superblocks of every device in the volume,
// without validating that they agree with one another.
func (fs *FS) Superblocks() ([]SuperblockCopy, error) {
	if fs.cacheSuperblocks != nil {
		return fs.cacheSuperblocks, nil
	}
	var ret []SuperblockCopy
	devs := fs.LV.PhysicalVolumes()
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices")
	}
	for _, dev := range devs {
		sbs, err := dev.Superblocks()
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", dev.Name(), err)
		}
		for _, sb := range sbs {
			ret = append(ret, SuperblockCopy{Dev: dev, Sb: sb})
		}
	}
	fs.cacheSuperblocks = ret
	return ret, nil
}

// Superblock returns the filesystem's superblock, after checking that
// all copies of it (across all devices) agree and are not corrupt.
//
// This implements btrfstree.NodeSource.
func (fs *FS) Superblock() (*btrfstree.Superblock, error) {
	if fs.cacheSuperblock != nil {
		return fs.cacheSuperblock, nil
	}
	sbs, err := fs.Superblocks()
	if err != nil {
		return nil, err
	}
	if len(sbs) == 0 {
		return nil, fmt.Errorf("no superblocks")
	}

	fname := ""
	sbi := 0
	for i, sb := range sbs {
		if sb.Dev.Name() != fname {
			fname = sb.Dev.Name()
			sbi = 0
		} else {
			sbi++
		}

		if err := sb.Sb.ValidateChecksum(); err != nil {
			return nil, fmt.Errorf("file %q superblock %v: %w", sb.Dev.Name(), sbi, err)
		}
		if i > 0 {
			if !sb.Sb.Equal(sbs[0].Sb) {
				return nil, fmt.Errorf("file %q superblock %v and file %q superblock %v disagree",
					sbs[0].Dev.Name(), 0,
					sb.Dev.Name(), sbi)
			}
		}
	}

	ret := sbs[0].Sb
	fs.cacheSuperblock = &ret
	return fs.cacheSuperblock, nil
}

// SuperblockForceMirror returns superblock copy mirror from the
// volume's device with the lowest device ID, bypassing the cross-device/cross-copy
// agreement check that Superblock performs. A caller that needs to
// proceed from a single named copy despite disagreement elsewhere
// (check's "-s N", restore's "-u") uses this instead.
func (fs *FS) SuperblockForceMirror(mirror int) (*btrfstree.Superblock, error) {
	devs := fs.LV.PhysicalVolumes()
	if len(devs) == 0 {
		return nil, fmt.Errorf("no devices")
	}
	ids := maps.SortedKeys(devs)
	return devs[ids[0]].SuperblockAt(mirror)
}

// AcquireNode implements btrfstree.NodeSource.
func (fs *FS) AcquireNode(ctx context.Context, addr btrfsvol.LogicalAddr, exp btrfstree.NodeExpectations) (*btrfstree.Node, error) {
	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}
	return btrfstree.ReadNode[btrfsvol.LogicalAddr](fs, *sb, addr, exp)
}

// ReleaseNode implements btrfstree.NodeSource.
func (fs *FS) ReleaseNode(node *btrfstree.Node) {
	node.Free()
}

// TreeWalk implements btrfstree.TreeOperator.
func (fs *FS) TreeWalk(ctx context.Context, treeID btrfsprim.ObjID, errHandle func(*btrfstree.TreeError), cbs btrfstree.TreeWalkHandler) {
	btrfstree.TreeOperatorImpl{NodeSource: fs}.TreeWalk(ctx, treeID, errHandle, cbs)
}

// TreeLookup implements btrfstree.TreeOperator.
func (fs *FS) TreeLookup(treeID btrfsprim.ObjID, key btrfsprim.Key) (btrfstree.Item, error) {
	return btrfstree.TreeOperatorImpl{NodeSource: fs}.TreeLookup(treeID, key)
}

// TreeSearch implements btrfstree.TreeOperator.
func (fs *FS) TreeSearch(treeID btrfsprim.ObjID, search btrfstree.TreeSearcher) (btrfstree.Item, error) {
	return btrfstree.TreeOperatorImpl{NodeSource: fs}.TreeSearch(treeID, search)
}

// TreeSearchAll implements btrfstree.TreeOperator.
func (fs *FS) TreeSearchAll(treeID btrfsprim.ObjID, search btrfstree.TreeSearcher) ([]btrfstree.Item, error) {
	return btrfstree.TreeOperatorImpl{NodeSource: fs}.TreeSearchAll(treeID, search)
}

func (fs *FS) ReInit() error {
	fs.LV.ClearMappings()
	for _, dev := range fs.LV.PhysicalVolumes() {
		sb, err := dev.Superblock()
		if err != nil {
			return fmt.Errorf("file %q: %w", dev.Name(), err)
		}
		if err := fs.initDev(*sb); err != nil {
			return fmt.Errorf("file %q: %w", dev.Name(), err)
		}
	}
	return nil
}

func (fs *FS) initDev(sb btrfstree.Superblock) error {
	syschunks, err := sb.ParseSysChunkArray()
	if err != nil {
		return err
	}
	for _, chunk := range syschunks {
		for _, mapping := range chunk.Chunk.Mappings(chunk.Key) {
			if err := fs.LV.AddMapping(mapping); err != nil {
				return err
			}
		}
	}

	ctx := context.Background()
	var errs derror.MultiError
	var mapErr error
	fs.TreeWalk(ctx, btrfsprim.CHUNK_TREE_OBJECTID,
		func(err *btrfstree.TreeError) {
			errs = append(errs, err)
		},
		btrfstree.TreeWalkHandler{
			Item: func(_ btrfstree.Path, item btrfstree.Item) {
				if mapErr != nil || item.Key.ItemType != btrfsitem.CHUNK_ITEM_KEY {
					return
				}
				chunk, ok := item.Body.(*btrfsitem.Chunk)
				if !ok {
					return
				}
				for _, mapping := range chunk.Mappings(item.Key) {
					if err := fs.LV.AddMapping(mapping); err != nil {
						mapErr = err
						return
					}
				}
			},
		},
	)
	if mapErr != nil {
		return mapErr
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (fs *FS) Close() error {
	var errs derror.MultiError
	for _, dev := range fs.LV.PhysicalVolumes() {
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	return nil
}

var _ io.Closer = (*FS)(nil)
