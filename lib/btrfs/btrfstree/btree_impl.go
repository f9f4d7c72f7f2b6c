// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfstree

import (
	"context"
	"math"

	"github.com/datawire/dlib/derror"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/containers"
)

// TreeOperatorImpl implements the (compat) TreeOperator interface on
// top of anything that implements NodeSource.  It contains all of the
// tree-walking and binary-search logic; a NodeSource only has to know
// how to fetch one node at a time.
type TreeOperatorImpl struct {
	NodeSource
}

var _ TreeOperator = TreeOperatorImpl{}

// TreeWalk implements the 'TreeOperator' interface.
func (fs TreeOperatorImpl) TreeWalk(ctx context.Context, treeID btrfsprim.ObjID, errHandle func(*TreeError), cbs TreeWalkHandler) {
	sb, err := fs.Superblock()
	if err != nil {
		if cbs.BadSuperblock != nil {
			cbs.BadSuperblock(err)
		} else {
			errHandle(&TreeError{Path: Path{PathRoot{TreeID: treeID}}, Err: err})
		}
		return
	}
	rootInfo, err := LookupTreeRoot(ctx, fs, *sb, treeID)
	if err != nil {
		errHandle(&TreeError{Path: Path{PathRoot{TreeID: treeID}}, Err: err})
		return
	}
	fs.RawTreeWalk(ctx, *rootInfo, errHandle, cbs)
}

// RawTreeWalk is a utility method to help with implementing the
// 'TreeOperator' interface; it walks a tree given a root that has
// already been resolved (e.g. from LookupTreeRoot).
func (fs TreeOperatorImpl) RawTreeWalk(ctx context.Context, rootInfo TreeRoot, errHandle func(*TreeError), cbs TreeWalkHandler) {
	path := Path{PathRoot{
		TreeID:       rootInfo.ID,
		ToAddr:       rootInfo.RootNode,
		ToGeneration: rootInfo.Generation,
		ToLevel:      rootInfo.Level,
	}}
	fs.treeWalk(ctx, path, errHandle, cbs)
}

// pathTip pulls the address/generation/level/key-bounds of the node
// that the last element of path points at, regardless of whether
// that element is a PathRoot or a PathKP.
func pathTip(path Path) (addr btrfsvol.LogicalAddr, gen btrfsprim.Generation, level uint8, minKey, maxKey btrfsprim.Key) {
	switch elem := path[len(path)-1].(type) {
	case PathRoot:
		return elem.ToAddr, elem.ToGeneration, elem.ToLevel, btrfsprim.Key{}, btrfsprim.MaxKey
	case PathKP:
		return elem.ToAddr, elem.ToGeneration, elem.ToLevel, elem.ToMinKey, elem.ToMaxKey
	default:
		return 0, 0, 0, btrfsprim.Key{}, btrfsprim.Key{}
	}
}

func (fs TreeOperatorImpl) treeWalk(ctx context.Context, path Path, errHandle func(*TreeError), cbs TreeWalkHandler) {
	if ctx.Err() != nil {
		return
	}
	addr, gen, level, minKey, maxKey := pathTip(path)
	if addr == 0 {
		return
	}

	exp := NodeExpectations{
		LAddr:      containers.OptionalValue(addr),
		Level:      containers.OptionalValue(level),
		Generation: containers.OptionalValue(gen),
		MinItem:    containers.OptionalValue(minKey),
		MaxItem:    containers.OptionalValue(maxKey),
	}
	node, err := fs.AcquireNode(ctx, addr, exp)
	if ctx.Err() != nil {
		fs.ReleaseNode(node)
		return
	}

	process := true
	switch {
	case err != nil && node != nil && cbs.BadNode != nil:
		process = cbs.BadNode(path, node, err)
	case err != nil:
		errHandle(&TreeError{Path: path, Err: err})
		process = false
	case cbs.Node != nil:
		cbs.Node(path, node)
	}
	if !process || node == nil {
		fs.ReleaseNode(node)
		return
	}

	treeID := pathTreeID(path)
	if node.Head.Level > 0 {
		for i, kp := range node.BodyInterior {
			kpMinKey := kp.Key
			kpMaxKey := maxKey
			if i+1 < len(node.BodyInterior) {
				kpMaxKey = node.BodyInterior[i+1].Key.Mm()
			}
			kpPath := append(path[:len(path):len(path)], PathKP{
				FromTree:     treeID,
				FromSlot:     i,
				ToAddr:       kp.BlockPtr,
				ToGeneration: kp.Generation,
				ToMinKey:     kpMinKey,
				ToMaxKey:     kpMaxKey,
				ToLevel:      node.Head.Level - 1,
			})
			recurse := true
			if cbs.KeyPointer != nil {
				recurse = cbs.KeyPointer(kpPath, kp)
			}
			if ctx.Err() != nil {
				fs.ReleaseNode(node)
				return
			}
			if recurse {
				fs.treeWalk(ctx, kpPath, errHandle, cbs)
				if ctx.Err() != nil {
					fs.ReleaseNode(node)
					return
				}
			}
		}
	} else {
		for i, item := range node.BodyLeaf {
			itemPath := append(path[:len(path):len(path)], PathItem{
				FromTree: treeID,
				FromSlot: i,
				ToKey:    item.Key,
			})
			if errBody, isErr := item.Body.(*btrfsitem.Error); isErr {
				if cbs.BadItem != nil {
					cbs.BadItem(itemPath, item)
				} else {
					errHandle(&TreeError{Path: itemPath, Err: errBody.Err})
				}
			} else if cbs.Item != nil {
				cbs.Item(itemPath, item)
			}
			if ctx.Err() != nil {
				fs.ReleaseNode(node)
				return
			}
		}
	}
	fs.ReleaseNode(node)
}

func pathTreeID(path Path) btrfsprim.ObjID {
	switch elem := path[len(path)-1].(type) {
	case PathRoot:
		return elem.TreeID
	case PathKP:
		return elem.FromTree
	default:
		return 0
	}
}

// treeSearch descends from the root of a tree to the leaf that would
// contain a key matching search, returning the path to (and the node
// containing) that leaf.
func (fs TreeOperatorImpl) treeSearch(ctx context.Context, rootInfo TreeRoot, search TreeSearcher) (Path, *Node, error) {
	path := Path{PathRoot{
		TreeID:       rootInfo.ID,
		ToAddr:       rootInfo.RootNode,
		ToGeneration: rootInfo.Generation,
		ToLevel:      rootInfo.Level,
	}}
	for {
		addr, gen, level, minKey, maxKey := pathTip(path)
		if addr == 0 {
			return nil, nil, ErrNoItem
		}
		node, err := fs.AcquireNode(ctx, addr, NodeExpectations{
			LAddr:      containers.OptionalValue(addr),
			Level:      containers.OptionalValue(level),
			Generation: containers.OptionalValue(gen),
			MinItem:    containers.OptionalValue(minKey),
			MaxItem:    containers.OptionalValue(maxKey),
		})
		if err != nil {
			fs.ReleaseNode(node)
			return nil, nil, err
		}

		treeID := pathTreeID(path)
		if node.Head.Level > 0 {
			// Find the right-most key-pointer whose key is <=
			// the thing we're searching for.
			lastGood := -1
			for i, kp := range node.BodyInterior {
				if search.Search(kp.Key, math.MaxUint32) < 0 {
					break
				}
				lastGood = i
			}
			if lastGood < 0 {
				fs.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			kpMinKey := node.BodyInterior[lastGood].Key
			kpMaxKey := maxKey
			if lastGood+1 < len(node.BodyInterior) {
				kpMaxKey = node.BodyInterior[lastGood+1].Key.Mm()
			}
			path = append(path, PathKP{
				FromTree:     treeID,
				FromSlot:     lastGood,
				ToAddr:       node.BodyInterior[lastGood].BlockPtr,
				ToGeneration: node.BodyInterior[lastGood].Generation,
				ToMinKey:     kpMinKey,
				ToMaxKey:     kpMaxKey,
				ToLevel:      node.Head.Level - 1,
			})
			fs.ReleaseNode(node)
		} else {
			slot := -1
			for i, item := range node.BodyLeaf {
				if search.Search(item.Key, item.BodySize) == 0 {
					slot = i
					break
				}
			}
			if slot < 0 {
				fs.ReleaseNode(node)
				return nil, nil, ErrNoItem
			}
			path = append(path, PathItem{
				FromTree: treeID,
				FromSlot: slot,
				ToKey:    node.BodyLeaf[slot].Key,
			})
			return path, node, nil
		}
	}
}

// TreeSearch implements the 'TreeOperator' interface.
func (fs TreeOperatorImpl) TreeSearch(treeID btrfsprim.ObjID, search TreeSearcher) (Item, error) {
	ctx := context.Background()
	sb, err := fs.Superblock()
	if err != nil {
		return Item{}, err
	}
	rootInfo, err := LookupTreeRoot(ctx, fs, *sb, treeID)
	if err != nil {
		return Item{}, err
	}
	return fs.RawTreeSearch(ctx, *rootInfo, search)
}

// RawTreeSearch is to TreeSearch as RawTreeWalk is to TreeWalk: it
// searches a tree given a root that has already been resolved,
// instead of looking it up from the root tree by ID. The restore
// engine uses this to search a tree rooted at a caller-supplied
// bytenr when the root tree itself is unreadable.
func (fs TreeOperatorImpl) RawTreeSearch(ctx context.Context, rootInfo TreeRoot, search TreeSearcher) (Item, error) {
	path, node, err := fs.treeSearch(ctx, rootInfo, search)
	if err != nil {
		return Item{}, err
	}
	slot := path[len(path)-1].(PathItem).FromSlot
	item := node.BodyLeaf[slot]
	item.Body = item.Body.CloneItem()
	fs.ReleaseNode(node)
	return item, nil
}

// TreeLookup implements the 'TreeOperator' interface.
func (fs TreeOperatorImpl) TreeLookup(treeID btrfsprim.ObjID, key btrfsprim.Key) (Item, error) {
	item, err := fs.TreeSearch(treeID, SearchExactKey(key))
	return item, err
}

// RawTreeLookup is to TreeLookup as RawTreeSearch is to TreeSearch.
func (fs TreeOperatorImpl) RawTreeLookup(ctx context.Context, rootInfo TreeRoot, key btrfsprim.Key) (Item, error) {
	return fs.RawTreeSearch(ctx, rootInfo, SearchExactKey(key))
}

// TreeSearchAll implements the 'TreeOperator' interface.
//
// It first descends to one matching item (returning that search's
// error if there is none), then walks the whole tree once to collect
// every item for which search.Search()==0.
func (fs TreeOperatorImpl) TreeSearchAll(treeID btrfsprim.ObjID, search TreeSearcher) ([]Item, error) {
	ctx := context.Background()
	sb, err := fs.Superblock()
	if err != nil {
		return nil, err
	}
	rootInfo, err := LookupTreeRoot(ctx, fs, *sb, treeID)
	if err != nil {
		return nil, err
	}
	return fs.RawTreeSearchAll(ctx, *rootInfo, search)
}

// RawTreeSearchAll is to TreeSearchAll as RawTreeWalk is to TreeWalk:
// it takes an already-resolved root instead of looking one up by
// tree ID.
func (fs TreeOperatorImpl) RawTreeSearchAll(ctx context.Context, rootInfo TreeRoot, search TreeSearcher) ([]Item, error) {
	_, middleNode, err := fs.treeSearch(ctx, rootInfo, search)
	if err != nil {
		return nil, err
	}
	fs.ReleaseNode(middleNode)

	var ret []Item
	var errs derror.MultiError

	// A full re-walk is simpler (if less efficient) than
	// re-deriving prev/next node adjacency from middlePath, and
	// TreeSearchAll is only used for the small, object-id- or
	// key-prefix-scoped result sets callers actually ask for.
	fs.RawTreeWalk(ctx, rootInfo, func(e *TreeError) {
		errs = append(errs, e)
	}, TreeWalkHandler{
		Item: func(_ Path, item Item) {
			if search.Search(item.Key, item.BodySize) != 0 {
				return
			}
			item.Body = item.Body.CloneItem()
			ret = append(ret, item)
		},
	})

	if len(errs) > 0 {
		return ret, errs
	}
	return ret, nil
}
