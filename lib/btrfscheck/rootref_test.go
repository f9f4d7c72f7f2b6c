// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
)

func sortedIDs(ids []btrfsprim.ObjID) []btrfsprim.ObjID {
	out := append([]btrfsprim.ObjID(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestRootRefGraphUnreachable(t *testing.T) {
	g := NewRootRefGraph()
	g.ObserveRoot(btrfsprim.FS_TREE_OBJECTID)
	g.ObserveRootRef(btrfsprim.ROOT_REF_KEY, btrfsprim.FS_TREE_OBJECTID, 257)
	g.ObserveRoot(258) // a snapshot root with no referrer

	unreachable := sortedIDs(g.Unreachable(btrfsprim.FS_TREE_OBJECTID))
	assert.Equal(t, []btrfsprim.ObjID{258}, unreachable)
}

func TestRootRefGraphAllReachable(t *testing.T) {
	g := NewRootRefGraph()
	g.ObserveRoot(btrfsprim.FS_TREE_OBJECTID)
	g.ObserveRootRef(btrfsprim.ROOT_REF_KEY, btrfsprim.FS_TREE_OBJECTID, 257)
	g.ObserveRoot(257)

	assert.Empty(t, g.Unreachable(btrfsprim.FS_TREE_OBJECTID))
}

func TestRootRefGraphMismatched(t *testing.T) {
	g := NewRootRefGraph()
	g.ObserveRootRef(btrfsprim.ROOT_REF_KEY, btrfsprim.FS_TREE_OBJECTID, 257)
	// 257 claims a different parent than the ROOT_REF declared.
	g.ObserveRootRef(btrfsprim.ROOT_BACKREF_KEY, 257, 999)

	assert.Equal(t, []btrfsprim.ObjID{257}, g.Mismatched())
}

func TestRootRefGraphAgreeingBackrefNotMismatched(t *testing.T) {
	g := NewRootRefGraph()
	g.ObserveRootRef(btrfsprim.ROOT_REF_KEY, btrfsprim.FS_TREE_OBJECTID, 257)
	g.ObserveRootRef(btrfsprim.ROOT_BACKREF_KEY, 257, btrfsprim.FS_TREE_OBJECTID)

	assert.Empty(t, g.Mismatched())
}
