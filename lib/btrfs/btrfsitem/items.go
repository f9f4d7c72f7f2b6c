// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"fmt"
	"reflect"

	"github.com/aviallon/btrfsck-go/lib/binstruct"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfssum"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

// Item is implemented by every concrete on-disk item body
// (*Inode, *DirEntry, *Extent, ...) plus Error for bodies that
// failed to decode.
type Item interface {
	isItem()
}

type Error struct {
	Dat []byte
	Err error
}

func (*Error) isItem() {}

func (o Error) MarshalBinary() ([]byte, error) {
	return o.Dat, nil
}

func (o *Error) UnmarshalBinary(dat []byte) (int, error) {
	o.Dat = dat
	return len(dat), nil
}

// keytype2gotype maps a typed key's ItemType to the Go type that
// decodes its body.
var keytype2gotype = map[btrfsprim.ItemType]reflect.Type{
	btrfsprim.INODE_ITEM_KEY:        reflect.TypeOf(Inode{}),
	btrfsprim.INODE_REF_KEY:         reflect.TypeOf(InodeRefs{}),
	btrfsprim.INODE_EXTREF_KEY:      reflect.TypeOf(InodeRefs{}),
	btrfsprim.XATTR_ITEM_KEY:        reflect.TypeOf(DirEntry{}),
	btrfsprim.ORPHAN_ITEM_KEY:       reflect.TypeOf(Empty{}),
	btrfsprim.DIR_LOG_ITEM_KEY:      reflect.TypeOf(Empty{}),
	btrfsprim.DIR_LOG_INDEX_KEY:     reflect.TypeOf(Empty{}),
	btrfsprim.DIR_ITEM_KEY:          reflect.TypeOf(DirEntry{}),
	btrfsprim.DIR_INDEX_KEY:         reflect.TypeOf(DirEntry{}),
	btrfsprim.EXTENT_DATA_KEY:       reflect.TypeOf(FileExtent{}),
	btrfsprim.EXTENT_CSUM_KEY:       reflect.TypeOf(ExtentCSum{}),
	btrfsprim.ROOT_ITEM_KEY:         reflect.TypeOf(Root{}),
	btrfsprim.ROOT_BACKREF_KEY:      reflect.TypeOf(RootRef{}),
	btrfsprim.ROOT_REF_KEY:          reflect.TypeOf(RootRef{}),
	btrfsprim.EXTENT_ITEM_KEY:       reflect.TypeOf(Extent{}),
	btrfsprim.METADATA_ITEM_KEY:     reflect.TypeOf(Metadata{}),
	btrfsprim.TREE_BLOCK_REF_KEY:    reflect.TypeOf(Empty{}),
	btrfsprim.EXTENT_DATA_REF_KEY:   reflect.TypeOf(ExtentDataRef{}),
	btrfsprim.SHARED_BLOCK_REF_KEY:  reflect.TypeOf(Empty{}),
	btrfsprim.SHARED_DATA_REF_KEY:   reflect.TypeOf(SharedDataRef{}),
	btrfsprim.BLOCK_GROUP_ITEM_KEY:  reflect.TypeOf(BlockGroup{}),
	btrfsprim.FREE_SPACE_INFO_KEY:   reflect.TypeOf(FreeSpaceInfo{}),
	btrfsprim.FREE_SPACE_EXTENT_KEY: reflect.TypeOf(Empty{}),
	btrfsprim.FREE_SPACE_BITMAP_KEY: reflect.TypeOf(FreeSpaceBitmap{}),
	btrfsprim.DEV_EXTENT_KEY:        reflect.TypeOf(DevExtent{}),
	btrfsprim.DEV_ITEM_KEY:          reflect.TypeOf(Dev{}),
	btrfsprim.CHUNK_ITEM_KEY:        reflect.TypeOf(Chunk{}),
	btrfsprim.QGROUP_STATUS_KEY:     reflect.TypeOf(QGroupStatus{}),
	btrfsprim.QGROUP_INFO_KEY:       reflect.TypeOf(QGroupInfo{}),
	btrfsprim.QGROUP_LIMIT_KEY:      reflect.TypeOf(QGroupLimit{}),
	btrfsprim.QGROUP_RELATION_KEY:   reflect.TypeOf(Empty{}),
	btrfsprim.PERSISTENT_ITEM_KEY:   reflect.TypeOf(DevStats{}),
	btrfsprim.UUID_SUBVOL_KEY:          reflect.TypeOf(UUIDMap{}),
	btrfsprim.UUID_RECEIVED_SUBVOL_KEY: reflect.TypeOf(UUIDMap{}),
}

// untypedObjID2gotype maps the ObjectID of an UNTYPED_KEY item to the
// Go type that decodes its body.
var untypedObjID2gotype = map[btrfsprim.ObjID]reflect.Type{
	btrfsprim.FREE_SPACE_OBJECTID: reflect.TypeOf(FreeSpaceHeader{}),
}

// UnmarshalItem decodes a leaf item's body.  Rather than returning a
// separate error value, it returns an *Error item on failure, so that
// callers that keep walking past corruption have something to attach
// to the slot.
func UnmarshalItem(key btrfsprim.Key, csumType btrfssum.CSumType, dat []byte) Item {
	var gotyp reflect.Type
	if key.ItemType == btrfsprim.UNTYPED_KEY {
		var ok bool
		gotyp, ok = untypedObjID2gotype[key.ObjectID]
		if !ok {
			return &Error{
				Dat: dat,
				Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v, ObjectID:%v}, dat): unknown object ID for untyped item",
					key.ItemType, key.ObjectID),
			}
		}
	} else {
		var ok bool
		gotyp, ok = keytype2gotype[key.ItemType]
		if !ok {
			return &Error{
				Dat: dat,
				Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): unknown item type", key.ItemType),
			}
		}
	}
	retPtr := reflect.New(gotyp)
	if csums, ok := retPtr.Interface().(*ExtentCSum); ok {
		csums.ChecksumSize = csumType.Size()
		csums.Addr = btrfsvol.LogicalAddr(key.Offset)
	}
	n, err := binstruct.Unmarshal(dat, retPtr.Interface())
	if err != nil {
		return &Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): %w", key.ItemType, err),
		}
	}
	if n < len(dat) {
		return &Error{
			Dat: dat,
			Err: fmt.Errorf("btrfsitem.UnmarshalItem({ItemType:%v}, dat): left over data: got %v bytes but only consumed %v",
				key.ItemType, len(dat), n),
		}
	}
	return retPtr.Interface().(Item)
}
