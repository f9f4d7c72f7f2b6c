// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsitem

import (
	"github.com/aviallon/btrfsck-go/lib/binstruct"
	"github.com/aviallon/btrfsck-go/lib/util"
)

type FreeSpaceInfoFlags uint32

const (
	FREE_SPACE_USING_BITMAPS = FreeSpaceInfoFlags(1 << iota)
)

var freeSpaceInfoFlagNames = []string{
	"USING_BITMAPS",
}

func (f FreeSpaceInfoFlags) Has(req FreeSpaceInfoFlags) bool { return f&req == req }
func (f FreeSpaceInfoFlags) String() string {
	return util.BitfieldString(f, freeSpaceInfoFlagNames, util.HexLower)
}

type FreeSpaceInfo struct { // FREE_SPACE_INFO=198
	ExtentCount   int32              `bin:"off=0, siz=4"`
	Flags         FreeSpaceInfoFlags `bin:"off=4, siz=4"`
	binstruct.End `bin:"off=8"`
}
