// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfs

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/aviallon/btrfsck-go/lib/binstruct"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfstree"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
	"github.com/aviallon/btrfsck-go/lib/diskio"
)

// superblockMagic is the byte string a serialized Superblock carries
// at SuperblockMagicOffset (field "Magic" in types_superblock.go).
var superblockMagic = []byte("_BHRfS_M")

// SuperblockMagicOffset is the offset of the magic number within a
// serialized Superblock.
const SuperblockMagicOffset = 0x40

// Device is a single member-file of a (possibly multi-device) btrfs
// filesystem.
type Device struct {
	*os.File

	cacheSuperblocks []btrfstree.Superblock
	cacheSuperblock  *btrfstree.Superblock
}

var _ diskio.File[btrfsvol.PhysicalAddr] = (*Device)(nil)

func (dev Device) Size() (btrfsvol.PhysicalAddr, error) {
	fi, err := dev.Stat()
	if err != nil {
		return 0, err
	}
	return btrfsvol.PhysicalAddr(fi.Size()), nil
}

func (dev *Device) ReadAt(dat []byte, paddr btrfsvol.PhysicalAddr) (int, error) {
	return dev.File.ReadAt(dat, int64(paddr))
}

func (dev *Device) WriteAt(dat []byte, paddr btrfsvol.PhysicalAddr) (int, error) {
	return dev.File.WriteAt(dat, int64(paddr))
}

// SuperblockAddrs is the canonical list of offsets at which a
// superblock copy may be found.
var SuperblockAddrs = []btrfsvol.PhysicalAddr{
	0x00_0001_0000, // 64KiB
	0x00_0400_0000, // 64MiB
	0x40_0000_0000, // 256GiB
}

// Superblocks reads and parses every superblock copy present on the
// device, without validating them against one another.
func (dev *Device) Superblocks() ([]btrfstree.Superblock, error) {
	if dev.cacheSuperblocks != nil {
		return dev.cacheSuperblocks, nil
	}
	superblockSize := btrfsvol.PhysicalAddr(binstruct.StaticSize(btrfstree.Superblock{}))

	sz, err := dev.Size()
	if err != nil {
		return nil, err
	}

	var ret []btrfstree.Superblock
	for i, addr := range SuperblockAddrs {
		if addr+superblockSize > sz {
			continue
		}
		buf := make([]byte, superblockSize)
		if _, err := dev.ReadAt(buf, addr); err != nil {
			return nil, fmt.Errorf("superblock %v: %w", i, err)
		}
		var sb btrfstree.Superblock
		if _, err := binstruct.Unmarshal(buf, &sb); err != nil {
			return nil, fmt.Errorf("superblock %v: %w", i, err)
		}
		ret = append(ret, sb)
	}
	if len(ret) == 0 {
		return nil, fmt.Errorf("no superblocks")
	}
	dev.cacheSuperblocks = ret
	return ret, nil
}

// Superblock returns the device's superblock, after checking that all
// copies of it on the device agree and are not corrupt.
func (dev *Device) Superblock() (*btrfstree.Superblock, error) {
	if dev.cacheSuperblock != nil {
		return dev.cacheSuperblock, nil
	}
	sbs, err := dev.Superblocks()
	if err != nil {
		return nil, err
	}

	for i, sb := range sbs {
		if err := sb.ValidateChecksum(); err != nil {
			return nil, fmt.Errorf("superblock %v: %w", i, err)
		}
		if i > 0 && !sb.Equal(sbs[0]) {
			return nil, fmt.Errorf("superblock %v and superblock %v disagree", 0, i)
		}
	}

	dev.cacheSuperblock = &sbs[0]
	return &sbs[0], nil
}

// SuperblockAt returns one specific superblock copy (0 ≤ mirror <
// len(SuperblockAddrs)), checksummed but not cross-checked against the
// other copies. Used to force a single trusted mirror when
// Superblock's consensus check can't be satisfied, per check's "-s N"
// and restore's "-u" flags.
func (dev *Device) SuperblockAt(mirror int) (*btrfstree.Superblock, error) {
	sbs, err := dev.Superblocks()
	if err != nil {
		return nil, err
	}
	if mirror < 0 || mirror >= len(sbs) {
		return nil, fmt.Errorf("superblock mirror %d: out of range (have %d)", mirror, len(sbs))
	}
	sb := sbs[mirror]
	if err := sb.ValidateChecksum(); err != nil {
		return nil, fmt.Errorf("superblock %d: %w", mirror, err)
	}
	return &sb, nil
}

// ScanForSuperblocks scans the whole device, byte by byte, for the
// superblock magic number, returning the address each match's
// superblock would begin at. Unlike Superblocks, it isn't limited to
// the three canonical offsets in SuperblockAddrs -- it's the fallback
// for a device so damaged that none of those three hold a valid copy.
func (dev *Device) ScanForSuperblocks() ([]btrfsvol.PhysicalAddr, error) {
	if _, err := dev.File.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	matches, err := diskio.FindAll(bufio.NewReader(dev.File), superblockMagic)
	if err != nil {
		return nil, err
	}
	addrs := make([]btrfsvol.PhysicalAddr, len(matches))
	for i, m := range matches {
		addrs[i] = btrfsvol.PhysicalAddr(m) - SuperblockMagicOffset
	}
	return addrs, nil
}
