// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfssum"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

// key.objectid = BTRFS_EXTENT_CSUM_OBJECTID
// key.offset = laddr of the first byte covered by this run of sums
type ExtentCSum struct { // EXTENT_CSUM=128
	btrfssum.SumRun[btrfsvol.LogicalAddr]
}

func (o *ExtentCSum) UnmarshalBinary(dat []byte) (int, error) {
	if o.ChecksumSize == 0 {
		o.ChecksumSize = btrfssum.TYPE_CRC32.Size()
	}
	n := (len(dat) / o.ChecksumSize) * o.ChecksumSize
	o.Sums = btrfssum.ShortSum(dat[:n])
	return n, nil
}

func (o ExtentCSum) MarshalBinary() ([]byte, error) {
	return []byte(o.Sums), nil
}
