// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
)

// RootRefGraph is the subvolume/snapshot reachability graph built
// from ROOT_REF/ROOT_BACKREF pairs (plus the directory entry each
// ROOT_REF names), rooted at FS_TREE_OBJECTID. A root not reachable
// from the default subvolume is orphaned: still walkable, but not
// part of any live namespace.
type RootRefGraph struct {
	// edges[parent] is the set of child root IDs named by a
	// ROOT_REF in the parent's directory.
	edges map[btrfsprim.ObjID][]btrfsprim.ObjID
	// backrefs[child] is the set of parents a ROOT_BACKREF in the
	// child claims, used to cross-check against edges.
	backrefs map[btrfsprim.ObjID][]btrfsprim.ObjID

	known map[btrfsprim.ObjID]struct{}
}

func NewRootRefGraph() *RootRefGraph {
	return &RootRefGraph{
		edges:    make(map[btrfsprim.ObjID][]btrfsprim.ObjID),
		backrefs: make(map[btrfsprim.ObjID][]btrfsprim.ObjID),
		known:    make(map[btrfsprim.ObjID]struct{}),
	}
}

// ObserveRootRef folds one ROOT_REF or ROOT_BACKREF item in.
// Per item_rootref.go: for ROOT_REF, key.objectid is the parent root
// and key.offset is the child root; for ROOT_BACKREF it's reversed.
func (g *RootRefGraph) ObserveRootRef(itemType btrfsprim.ItemType, objectID, offset btrfsprim.ObjID) {
	switch itemType {
	case btrfsprim.ROOT_REF_KEY:
		g.edges[objectID] = append(g.edges[objectID], offset)
		g.known[objectID] = struct{}{}
		g.known[offset] = struct{}{}
	case btrfsprim.ROOT_BACKREF_KEY:
		g.backrefs[objectID] = append(g.backrefs[objectID], offset)
		g.known[objectID] = struct{}{}
		g.known[offset] = struct{}{}
	}
}

// ObserveRoot registers that a ROOT_ITEM exists for id, so that an
// unreferenced root can be distinguished from one this graph simply
// never heard of.
func (g *RootRefGraph) ObserveRoot(id btrfsprim.ObjID) {
	g.known[id] = struct{}{}
}

// Unreachable returns every known root ID that is not reachable from
// root via ROOT_REF edges. Non-subvolume trees (extent tree, chunk
// tree, etc.) are never
// registered via ObserveRootRef/ObserveRoot by the walker, so they
// never appear here.
func (g *RootRefGraph) Unreachable(root btrfsprim.ObjID) []btrfsprim.ObjID {
	reached := make(map[btrfsprim.ObjID]bool)
	var visit func(btrfsprim.ObjID)
	visit = func(id btrfsprim.ObjID) {
		if reached[id] {
			return
		}
		reached[id] = true
		for _, child := range g.edges[id] {
			visit(child)
		}
	}
	visit(root)

	var out []btrfsprim.ObjID
	for id := range g.known {
		if !reached[id] {
			out = append(out, id)
		}
	}
	return out
}

// Mismatched reports root IDs whose ROOT_REF and ROOT_BACKREF sets
// disagree on who their parent is.
func (g *RootRefGraph) Mismatched() []btrfsprim.ObjID {
	var out []btrfsprim.ObjID
	forward := make(map[btrfsprim.ObjID]map[btrfsprim.ObjID]bool)
	for parent, children := range g.edges {
		for _, child := range children {
			if forward[child] == nil {
				forward[child] = make(map[btrfsprim.ObjID]bool)
			}
			forward[child][parent] = true
		}
	}
	for child, parents := range g.backrefs {
		want := forward[child]
		for _, parent := range parents {
			if !want[parent] {
				out = append(out, child)
				break
			}
		}
	}
	return out
}
