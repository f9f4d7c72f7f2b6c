// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
)

// These are re-exports of btrfsprim.ItemType values, named the way
// code that switches on an item's concrete Go type (rather than its
// on-disk key) wants to spell them: next to the item body types they
// key, instead of off in btrfsprim next to ObjID/Key.
const (
	INODE_ITEM_KEY        = btrfsprim.INODE_ITEM_KEY
	INODE_REF_KEY         = btrfsprim.INODE_REF_KEY
	INODE_EXTREF_KEY      = btrfsprim.INODE_EXTREF_KEY
	XATTR_ITEM_KEY        = btrfsprim.XATTR_ITEM_KEY
	ORPHAN_ITEM_KEY       = btrfsprim.ORPHAN_ITEM_KEY
	DIR_LOG_ITEM_KEY      = btrfsprim.DIR_LOG_ITEM_KEY
	DIR_LOG_INDEX_KEY     = btrfsprim.DIR_LOG_INDEX_KEY
	DIR_ITEM_KEY          = btrfsprim.DIR_ITEM_KEY
	DIR_INDEX_KEY         = btrfsprim.DIR_INDEX_KEY
	EXTENT_DATA_KEY       = btrfsprim.EXTENT_DATA_KEY
	EXTENT_CSUM_KEY       = btrfsprim.EXTENT_CSUM_KEY
	ROOT_ITEM_KEY         = btrfsprim.ROOT_ITEM_KEY
	ROOT_BACKREF_KEY      = btrfsprim.ROOT_BACKREF_KEY
	ROOT_REF_KEY          = btrfsprim.ROOT_REF_KEY
	EXTENT_ITEM_KEY       = btrfsprim.EXTENT_ITEM_KEY
	METADATA_ITEM_KEY     = btrfsprim.METADATA_ITEM_KEY
	TREE_BLOCK_REF_KEY    = btrfsprim.TREE_BLOCK_REF_KEY
	EXTENT_DATA_REF_KEY   = btrfsprim.EXTENT_DATA_REF_KEY
	SHARED_BLOCK_REF_KEY  = btrfsprim.SHARED_BLOCK_REF_KEY
	SHARED_DATA_REF_KEY   = btrfsprim.SHARED_DATA_REF_KEY
	BLOCK_GROUP_ITEM_KEY  = btrfsprim.BLOCK_GROUP_ITEM_KEY
	FREE_SPACE_INFO_KEY   = btrfsprim.FREE_SPACE_INFO_KEY
	FREE_SPACE_EXTENT_KEY = btrfsprim.FREE_SPACE_EXTENT_KEY
	FREE_SPACE_BITMAP_KEY = btrfsprim.FREE_SPACE_BITMAP_KEY
	DEV_EXTENT_KEY        = btrfsprim.DEV_EXTENT_KEY
	DEV_ITEM_KEY          = btrfsprim.DEV_ITEM_KEY
	CHUNK_ITEM_KEY        = btrfsprim.CHUNK_ITEM_KEY
	QGROUP_STATUS_KEY     = btrfsprim.QGROUP_STATUS_KEY
	QGROUP_INFO_KEY       = btrfsprim.QGROUP_INFO_KEY
	QGROUP_LIMIT_KEY      = btrfsprim.QGROUP_LIMIT_KEY
	QGROUP_RELATION_KEY   = btrfsprim.QGROUP_RELATION_KEY
	PERSISTENT_ITEM_KEY   = btrfsprim.PERSISTENT_ITEM_KEY
	UNTYPED_KEY           = btrfsprim.UNTYPED_KEY
)
