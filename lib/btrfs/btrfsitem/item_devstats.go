// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"github.com/aviallon/btrfsck-go/lib/binstruct"
)

// key.objectid = BTRFS_DEV_STATS_OBJECTID (0)
// key.offset = device_id
type DevStats struct { // trivial PERSISTENT_ITEM=249
	WriteErrs      uint64 `bin:"off=0x00, siz=0x8"`
	ReadErrs       uint64 `bin:"off=0x08, siz=0x8"`
	FlushErrs      uint64 `bin:"off=0x10, siz=0x8"`
	CorruptionErrs uint64 `bin:"off=0x18, siz=0x8"`
	GenerationErrs uint64 `bin:"off=0x20, siz=0x8"`
	binstruct.End  `bin:"off=0x28"`
}
