// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package btrfsrestore implements a read-only restore engine that
// walks an unmounted (possibly damaged) volume and reconstructs its
// directory tree and regular-file contents onto a host filesystem.
package btrfsrestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/aviallon/btrfsck-go/lib/btrfs"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfstree"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/linux"
	"github.com/aviallon/btrfsck-go/lib/textui"
)

// maxStalledIterations bounds how many times directory/file restore
// may iterate without making externally-visible progress before the
// engine asks whether to keep going: this is a recovery tool
// operating on filesystems that are, by definition, suspect, and a
// cyclic DIR_INDEX or FileExtent list must not be allowed to spin
// forever.
const maxStalledIterations = 1024

// Confirm is called when a loop guard trips; returning false aborts
// the current file or directory rather than continuing. The cmd/
// binary wires this to a y/N prompt on stdin; tests wire it to a
// fixed answer.
type Confirm func(ctx context.Context, what string) bool

// AlwaysContinue is a Confirm that never aborts, for batch/non-interactive use.
func AlwaysContinue(context.Context, string) bool { return true }

// NeverContinue is a Confirm that always aborts after the guard trips.
func NeverContinue(context.Context, string) bool { return false }

// Config controls Engine.Restore, corresponding to the restore
// command's CLI flags.
type Config struct {
	// GetSnapshots restores snapshot subvolumes too, rather than
	// skipping them (the "-s" flag).
	GetSnapshots bool
	// Verbose logs every file/directory as it is restored (the "-v" flag).
	Verbose bool
	// IgnoreErrors continues past a damaged file/directory instead
	// of aborting the whole restore (the "-i" flag).
	IgnoreErrors bool
	// Overwrite allows clobbering pre-existing files in the output
	// directory (the "-o" flag).
	Overwrite bool
	// Confirm answers the loop-guard prompt; defaults to
	// NeverContinue if left nil.
	Confirm Confirm
}

// Engine drives one restore of a subvolume onto the host filesystem.
type Engine struct {
	fs  *btrfs.FS
	cfg Config
}

// NewEngine constructs a restore Engine over an already-opened
// filesystem (device opening is the caller's job, done by
// btrfsutil.Open; any superblock mirror selection is also done by the
// caller beforehand).
func NewEngine(fs *btrfs.FS, cfg Config) *Engine {
	if cfg.Confirm == nil {
		cfg.Confirm = NeverContinue
	}
	return &Engine{fs: fs, cfg: cfg}
}

// RootInfo is one entry of ListRoots: a subvolume or snapshot
// discoverable from the root tree, named the way "restore -l" names
// it.
type RootInfo struct {
	ID         btrfsprim.ObjID
	Name       string
	ParentID   btrfsprim.ObjID
	IsSnapshot bool
}

// ListRoots enumerates every ROOT_ITEM reachable from the root tree,
// resolving each one's display name via the ROOT_REF entry that names
// it, for "restore -l".
func ListRoots(ctx context.Context, fs *btrfs.FS) ([]RootInfo, error) {
	names := make(map[btrfsprim.ObjID]string)
	parents := make(map[btrfsprim.ObjID]btrfsprim.ObjID)
	var ids []btrfsprim.ObjID
	var walkErr error
	fs.TreeWalk(ctx, btrfsprim.ROOT_TREE_OBJECTID,
		func(e *btrfstree.TreeError) { walkErr = e.Err },
		btrfstree.TreeWalkHandler{
			Item: func(_ btrfstree.Path, item btrfstree.Item) {
				switch body := item.Body.(type) {
				case *btrfsitem.Root:
					ids = append(ids, item.Key.ObjectID)
				case *btrfsitem.RootRef:
					if item.Key.ItemType == btrfsprim.ROOT_REF_KEY {
						names[btrfsprim.ObjID(item.Key.Offset)] = string(body.Name)
						parents[btrfsprim.ObjID(item.Key.Offset)] = item.Key.ObjectID
					}
				}
			},
		})
	if walkErr != nil {
		return nil, fmt.Errorf("list roots: %w", walkErr)
	}
	ret := make([]RootInfo, 0, len(ids))
	for _, id := range ids {
		ret = append(ret, RootInfo{
			ID:         id,
			Name:       names[id],
			ParentID:   parents[id],
			IsSnapshot: id != btrfsprim.FS_TREE_OBJECTID && parents[id] != 0,
		})
	}
	return ret, nil
}

// Restore reconstructs the subtree rooted at dirInode within sv into
// outDir on the host filesystem, recursing into child directories and
// streaming regular files and symlinks.
func (e *Engine) Restore(ctx context.Context, sv *btrfs.Subvolume, dirInode btrfsprim.ObjID, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %q: %w", outDir, err)
	}
	return e.restoreDir(ctx, sv, dirInode, outDir)
}

func (e *Engine) restoreDir(ctx context.Context, sv *btrfs.Subvolume, dirInode btrfsprim.ObjID, outDir string) error {
	dir, err := sv.AcquireDir(dirInode)
	if err != nil {
		return e.handleErr(ctx, fmt.Sprintf("dir %v", dirInode), err)
	}
	defer sv.ReleaseDir(dirInode)

	iterations := 0
	lastProgress := -1
	names := sortedDirIndexNames(dir)
	for _, name := range names {
		iterations++
		if iterations-lastProgress > maxStalledIterations {
			if !e.cfg.Confirm(ctx, fmt.Sprintf("directory %q has iterated %d times without finishing; continue?", outDir, iterations)) {
				return fmt.Errorf("restore %q: aborted after %d stalled iterations", outDir, iterations)
			}
			lastProgress = iterations
		}

		entry := dir.ChildrenByName[name]
		childPath := filepath.Join(outDir, name)
		if err := e.restoreEntry(ctx, sv, entry, childPath); err != nil {
			if err2 := e.handleErr(ctx, childPath, err); err2 != nil {
				return err2
			}
			continue
		}
		lastProgress = iterations
	}
	return nil
}

func (e *Engine) restoreEntry(ctx context.Context, sv *btrfs.Subvolume, entry btrfsitem.DirEntry, childPath string) error {
	if e.cfg.Verbose {
		dlog.Infof(ctx, "restoring %q...", childPath)
	}
	switch entry.Location.ItemType {
	case btrfsprim.ROOT_ITEM_KEY:
		return e.restoreSubvolume(ctx, sv, btrfsprim.ObjID(entry.Location.ObjectID), childPath)
	case btrfsprim.INODE_ITEM_KEY:
		return e.restoreInode(ctx, sv, btrfsprim.ObjID(entry.Location.ObjectID), entry.Type, childPath)
	default:
		return fmt.Errorf("dir entry %q: unexpected location item type %v", childPath, entry.Location.ItemType)
	}
}

// restoreSubvolume handles a DIR_ITEM whose location points at a
// ROOT_ITEM -- a nested subvolume or snapshot -- switching the walk
// to that subvolume's own fs-root. Snapshots are skipped unless
// GetSnapshots is set, and self-referential snapshot indices are
// skipped outright.
func (e *Engine) restoreSubvolume(ctx context.Context, parent *btrfs.Subvolume, childID btrfsprim.ObjID, childPath string) error {
	if childID == parent.TreeID {
		// self-referential snapshot index; nothing to descend into.
		return nil
	}
	roots, err := ListRoots(ctx, e.fs)
	if err != nil {
		return err
	}
	isSnapshot := false
	for _, r := range roots {
		if r.ID == childID {
			isSnapshot = r.IsSnapshot
			break
		}
	}
	if isSnapshot && !e.cfg.GetSnapshots {
		dlog.Infof(ctx, "skipping snapshot %q (pass -s to include it)", childPath)
		return nil
	}
	child := parent.NewChildSubvolume(childID)
	rootInode, err := child.GetRootInode()
	if err != nil {
		return fmt.Errorf("subvolume %v: %w", childID, err)
	}
	if err := os.MkdirAll(childPath, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %q: %w", childPath, err)
	}
	return e.restoreDir(ctx, child, rootInode, childPath)
}

func (e *Engine) restoreInode(ctx context.Context, sv *btrfs.Subvolume, inode btrfsprim.ObjID, fileType btrfsitem.FileType, childPath string) error {
	switch fileType {
	case btrfsitem.FT_DIR:
		if err := os.MkdirAll(childPath, 0o755); err != nil && !os.IsExist(err) {
			return fmt.Errorf("mkdir %q: %w", childPath, err)
		}
		return e.restoreDir(ctx, sv, inode, childPath)
	case btrfsitem.FT_REG_FILE:
		return e.restoreFile(ctx, sv, inode, childPath)
	case btrfsitem.FT_SYMLINK:
		return e.restoreSymlink(ctx, sv, inode, childPath)
	default:
		dlog.Infof(ctx, "skipping %q: unsupported file type %v", childPath, fileType)
		return nil
	}
}

// restoreSymlink recreates a symlink entry: any real-world subvolume
// has symlinks, and silently dropping them produces a directory tree
// that does not match the source.
func (e *Engine) restoreSymlink(ctx context.Context, sv *btrfs.Subvolume, inode btrfsprim.ObjID, childPath string) error {
	file, err := sv.AcquireFile(inode)
	if err != nil {
		return fmt.Errorf("symlink %q: %w", childPath, err)
	}
	defer sv.ReleaseFile(inode)

	if len(file.Extents) != 1 || file.Extents[0].Type != btrfsitem.FILE_EXTENT_INLINE {
		return fmt.Errorf("symlink %q: expected exactly one inline extent", childPath)
	}
	target := string(file.Extents[0].BodyInline)
	if e.cfg.Overwrite {
		_ = os.Remove(childPath)
	}
	if err := os.Symlink(target, childPath); err != nil {
		return fmt.Errorf("symlink %q -> %q: %w", childPath, target, err)
	}
	return nil
}

// restoreFile recreates one regular file, streaming each EXTENT_DATA
// item's content through decompression.
func (e *Engine) restoreFile(ctx context.Context, sv *btrfs.Subvolume, inode btrfsprim.ObjID, childPath string) error {
	file, err := sv.AcquireFile(inode)
	if err != nil {
		return fmt.Errorf("file %q: %w", childPath, err)
	}
	defer sv.ReleaseFile(inode)

	flags := os.O_WRONLY | os.O_CREATE
	if e.cfg.Overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	mode := os.FileMode(0o644)
	if file.InodeItem != nil {
		mode = os.FileMode(file.InodeItem.Mode & linux.ModePerm)
	}
	out, err := os.OpenFile(childPath, flags, mode)
	if err != nil {
		return fmt.Errorf("create %q: %w", childPath, err)
	}
	defer out.Close()

	var isize int64
	if file.InodeItem != nil {
		isize = file.InodeItem.Size
	}

	progress := textui.NewProgress[textui.Portion[int64]](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progress.Done()

	iterations := 0
	lastProgress := 0
	for _, extent := range file.Extents {
		iterations++
		if iterations-lastProgress > maxStalledIterations {
			if !e.cfg.Confirm(ctx, fmt.Sprintf("file %q has iterated %d times without progress; continue?", childPath, iterations)) {
				return fmt.Errorf("restore %q: aborted after %d stalled iterations", childPath, iterations)
			}
			lastProgress = iterations
		}
		if err := e.copyOneExtent(out, extent); err != nil {
			if err2 := e.handleErr(ctx, childPath, err); err2 != nil {
				return err2
			}
			continue
		}
		lastProgress = iterations
		progress.Set(textui.Portion[int64]{N: extent.OffsetWithinFile, D: isize})
	}

	if err := out.Truncate(isize); err != nil {
		return fmt.Errorf("truncate %q to %v: %w", childPath, isize, err)
	}
	return nil
}

// copyOneExtent writes one FileExtent's decompressed content at its
// file offset. The extent is read and decompressed once; a read or
// decompression failure is returned, nothing is written for that
// extent, and it is not retried.
func (e *Engine) copyOneExtent(out *os.File, extent btrfs.FileExtent) error {
	ramBytes := extent.RAMBytes
	switch extent.Type {
	case btrfsitem.FILE_EXTENT_INLINE:
		data, err := decompress(extent.Compression, extent.BodyInline, int(ramBytes))
		if err != nil {
			return fmt.Errorf("inline extent at %v: %w", extent.OffsetWithinFile, err)
		}
		if _, err := out.WriteAt(data, extent.OffsetWithinFile); err != nil {
			return fmt.Errorf("write %v bytes at %v: %w", len(data), extent.OffsetWithinFile, err)
		}
		return nil
	case btrfsitem.FILE_EXTENT_PREALLOC:
		return nil // holes/prealloc contribute no bytes
	case btrfsitem.FILE_EXTENT_REG:
		if extent.BodyExtent.DiskByteNr == 0 {
			return nil // hole
		}
		// fs.ReadAt (btrfsvol.LogicalVolume.ReadAt) reads every
		// mirror copy of a RAID1/DUP chunk and fails if any copy is
		// unreadable or the copies disagree. There is no per-mirror
		// retry: restoreFile reports the error and moves on to the
		// next extent.
		raw := make([]byte, extent.BodyExtent.DiskNumBytes)
		if _, err := e.fs.ReadAt(raw, btrfsvol.LogicalAddr(extent.BodyExtent.DiskByteNr)); err != nil {
			return fmt.Errorf("regular extent at %v: %w", extent.OffsetWithinFile, err)
		}
		data, err := decompress(extent.Compression, raw, int(ramBytes))
		if err != nil {
			return fmt.Errorf("regular extent at %v: %w", extent.OffsetWithinFile, err)
		}
		offWithinExtent := extent.BodyExtent.Offset
		size := extent.BodyExtent.NumBytes
		if int64(offWithinExtent)+size > int64(len(data)) {
			return fmt.Errorf("regular extent at %v: ram range [%v,%v) exceeds decompressed length %v",
				extent.OffsetWithinFile, offWithinExtent, int64(offWithinExtent)+size, len(data))
		}
		if _, err := out.WriteAt(data[offWithinExtent:int64(offWithinExtent)+size], extent.OffsetWithinFile); err != nil {
			return fmt.Errorf("write %v bytes at %v: %w", size, extent.OffsetWithinFile, err)
		}
		return nil
	default:
		return fmt.Errorf("extent at %v: unknown type %v", extent.OffsetWithinFile, extent.Type)
	}
}

func (e *Engine) handleErr(ctx context.Context, what string, err error) error {
	if err == nil {
		return nil
	}
	if e.cfg.IgnoreErrors {
		dlog.Errorf(ctx, "%s: %v (ignored)", what, err)
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

func sortedDirIndexNames(dir *btrfs.Dir) []string {
	indexes := make([]uint64, 0, len(dir.ChildrenByIndex))
	for index := range dir.ChildrenByIndex {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	names := make([]string, 0, len(indexes))
	seen := make(map[string]bool, len(indexes))
	for _, index := range indexes {
		name := string(dir.ChildrenByIndex[index].Name)
		if seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	// Any by-name entry without a matching by-index entry (already
	// flagged by loadDir as "missing by-index direntry") is still
	// walked, just after every properly-indexed entry.
	for name := range dir.ChildrenByName {
		if !seen[name] {
			names = append(names, name)
		}
	}
	return names
}
