// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsrestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aviallon/btrfsck-go/lib/btrfs"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
)

func TestSortedDirIndexNamesOrdersByIndex(t *testing.T) {
	dir := &btrfs.Dir{
		ChildrenByIndex: map[uint64]btrfsitem.DirEntry{
			2: {Name: []byte("b")},
			1: {Name: []byte("a")},
			3: {Name: []byte("c")},
		},
		ChildrenByName: map[string]btrfsitem.DirEntry{
			"a": {Name: []byte("a")},
			"b": {Name: []byte("b")},
			"c": {Name: []byte("c")},
		},
	}
	assert.Equal(t, []string{"a", "b", "c"}, sortedDirIndexNames(dir))
}

func TestSortedDirIndexNamesAppendsOrphanedByNameEntries(t *testing.T) {
	dir := &btrfs.Dir{
		ChildrenByIndex: map[uint64]btrfsitem.DirEntry{
			1: {Name: []byte("indexed")},
		},
		ChildrenByName: map[string]btrfsitem.DirEntry{
			"indexed":   {Name: []byte("indexed")},
			"orphaned": {Name: []byte("orphaned")},
		},
	}
	names := sortedDirIndexNames(dir)
	assert.Equal(t, []string{"indexed", "orphaned"}, names)
}

func TestSortedDirIndexNamesDedupsDuplicateIndexNames(t *testing.T) {
	dir := &btrfs.Dir{
		ChildrenByIndex: map[uint64]btrfsitem.DirEntry{
			1: {Name: []byte("dup")},
			2: {Name: []byte("dup")},
		},
		ChildrenByName: map[string]btrfsitem.DirEntry{
			"dup": {Name: []byte("dup")},
		},
	}
	assert.Equal(t, []string{"dup"}, sortedDirIndexNames(dir))
}

func TestEngineHandleErrNilIsNil(t *testing.T) {
	e := &Engine{cfg: Config{}}
	assert.NoError(t, e.handleErr(context.Background(), "x", nil))
}

func TestEngineHandleErrPropagatesByDefault(t *testing.T) {
	e := &Engine{cfg: Config{}}
	err := e.handleErr(context.Background(), "thing", errors.New("boom"))
	assert.Error(t, err)
}

func TestEngineHandleErrIgnoresWhenConfigured(t *testing.T) {
	e := &Engine{cfg: Config{IgnoreErrors: true}}
	err := e.handleErr(context.Background(), "thing", errors.New("boom"))
	assert.NoError(t, err)
}

func TestNewEngineDefaultsConfirmToNeverContinue(t *testing.T) {
	e := NewEngine(nil, Config{})
	assert.False(t, e.cfg.Confirm(context.Background(), "anything"))
}

func TestAlwaysContinueNeverContinue(t *testing.T) {
	assert.True(t, AlwaysContinue(context.Background(), "x"))
	assert.False(t, NeverContinue(context.Background(), "x"))
}
