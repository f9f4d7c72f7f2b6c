// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"fmt"
	"sort"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

// byteRange is a half-open [Start, Start+Length) span, used both for
// a block group's declared-free ranges and for the occupied ranges
// derived from the extent tree.
type byteRange struct {
	Start  btrfsvol.LogicalAddr
	Length btrfsvol.AddrDelta
}

func (r byteRange) end() btrfsvol.LogicalAddr { return r.Start.Add(r.Length) }

// BlockGroupRecord is the per-block-group accumulator for component
// C7: it collects the free-space tree's claims about a chunk and, in
// FreeSpaceVerifier.Reconcile, reconciles them against the extent tree's occupied ranges
// derived from the same walk that builds the ExtentCache.
type BlockGroupRecord struct {
	Start  btrfsvol.LogicalAddr
	Length btrfsvol.AddrDelta
	Used   int64
	Flags  btrfsvol.BlockGroupFlags

	UsingBitmaps bool
	ExtentCount  int32

	declaredFree []byteRange

	MismatchRanges []byteRange
	ExtentCountWrong bool
}

// FreeSpaceVerifier reconciles the persisted free-space cache
// (FREE_SPACE_INFO / FREE_SPACE_EXTENT / FREE_SPACE_BITMAP, the v2
// "space cache" format) against the extent tree. Superblock mirror
// regions (the fixed reserved
// byte ranges holding superblock copies) are excluded from every
// block group's free span, since they are never tracked as free or
// allocated extents.
type FreeSpaceVerifier struct {
	groups map[btrfsvol.LogicalAddr]*BlockGroupRecord
	// sectorSize is needed to decode FREE_SPACE_BITMAP bits into
	// byte ranges.
	sectorSize btrfsvol.AddrDelta
	// superblockMirrors are excluded from coverage comparisons.
	superblockMirrors []byteRange
}

func NewFreeSpaceVerifier(sectorSize btrfsvol.AddrDelta, mirrors []btrfsvol.PhysicalAddr, mirrorSize btrfsvol.AddrDelta) *FreeSpaceVerifier {
	v := &FreeSpaceVerifier{
		groups:     make(map[btrfsvol.LogicalAddr]*BlockGroupRecord),
		sectorSize: sectorSize,
	}
	for _, addr := range mirrors {
		v.superblockMirrors = append(v.superblockMirrors, byteRange{Start: btrfsvol.LogicalAddr(addr), Length: mirrorSize})
	}
	return v
}

func (v *FreeSpaceVerifier) group(start btrfsvol.LogicalAddr) *BlockGroupRecord {
	g, ok := v.groups[start]
	if !ok {
		g = &BlockGroupRecord{Start: start}
		v.groups[start] = g
	}
	return g
}

// ObserveBlockGroup folds a BLOCK_GROUP_ITEM in: key.objectid is the
// group's logical start, key.offset its length.
func (v *FreeSpaceVerifier) ObserveBlockGroup(key btrfsprim.Key, bg *btrfsitem.BlockGroup) {
	g := v.group(btrfsvol.LogicalAddr(key.ObjectID))
	g.Length = btrfsvol.AddrDelta(key.Offset)
	g.Used = bg.Used
	g.Flags = bg.Flags
}

// ObserveFreeSpaceInfo folds a FREE_SPACE_INFO item in: key.objectid
// is the owning block group's start, key.offset its length (echoing
// the group's own key, by construction of the free-space tree).
func (v *FreeSpaceVerifier) ObserveFreeSpaceInfo(key btrfsprim.Key, info *btrfsitem.FreeSpaceInfo) {
	g := v.group(btrfsvol.LogicalAddr(key.ObjectID))
	g.ExtentCount = info.ExtentCount
	g.UsingBitmaps = info.Flags.Has(btrfsitem.FREE_SPACE_USING_BITMAPS)
}

// ObserveFreeSpaceExtent folds a FREE_SPACE_EXTENT_KEY marker item
// in: the item carries no body, so the free range is the key itself
// (objectid=start, offset=length). groupStart identifies which
// block group's declaredFree list to append to.
func (v *FreeSpaceVerifier) ObserveFreeSpaceExtent(groupStart btrfsvol.LogicalAddr, key btrfsprim.Key) {
	g := v.group(groupStart)
	g.declaredFree = append(g.declaredFree, byteRange{
		Start:  btrfsvol.LogicalAddr(key.ObjectID),
		Length: btrfsvol.AddrDelta(key.Offset),
	})
}

// ObserveFreeSpaceBitmap folds a FREE_SPACE_BITMAP_KEY item in:
// key.objectid is the bitmap's base address, key.offset the byte
// span it covers; each set bit marks one sectorSize-sized free run.
func (v *FreeSpaceVerifier) ObserveFreeSpaceBitmap(groupStart btrfsvol.LogicalAddr, key btrfsprim.Key, bitmap btrfsitem.FreeSpaceBitmap) {
	g := v.group(groupStart)
	base := btrfsvol.LogicalAddr(key.ObjectID)
	sectorSize := v.sectorSize
	if sectorSize == 0 {
		sectorSize = 4096
	}
	var run *byteRange
	for bit := 0; bit < len(bitmap)*8; bit++ {
		byteIdx, bitIdx := bit/8, bit%8
		set := bitmap[byteIdx]&(1<<uint(bitIdx)) != 0
		addr := base.Add(btrfsvol.AddrDelta(bit) * sectorSize)
		switch {
		case set && run == nil:
			run = &byteRange{Start: addr, Length: sectorSize}
		case set && run != nil:
			run.Length += sectorSize
		case !set && run != nil:
			g.declaredFree = append(g.declaredFree, *run)
			run = nil
		}
	}
	if run != nil {
		g.declaredFree = append(g.declaredFree, *run)
	}
}

// Reconcile computes, for each block group, the complement of
// occupied (derived from the extent cache) within the group's span
// minus superblock mirrors, and compares it to the union of
// declaredFree ranges: any byte present in one but not the other is
// reported as a MismatchRange.
func (v *FreeSpaceVerifier) Reconcile(extents *ExtentCache) {
	for _, g := range v.groups {
		occupied := v.occupiedWithin(extents, g)
		computedFree := subtract([]byteRange{{Start: g.Start, Length: g.Length}}, append(occupied, v.superblockMirrors...))
		declared := coalesce(g.declaredFree)
		g.MismatchRanges = symmetricDifference(computedFree, declared)
		if int(g.ExtentCount) != len(declared) && !g.UsingBitmaps {
			g.ExtentCountWrong = true
		}
	}
}

func (v *FreeSpaceVerifier) occupiedWithin(extents *ExtentCache, g *BlockGroupRecord) []byteRange {
	var out []byteRange
	extents.Range(func(rec *ExtentRecord) bool {
		if rec.Start < g.Start || rec.Start >= g.Start.Add(g.Length) {
			return true
		}
		out = append(out, byteRange{Start: rec.Start, Length: rec.NR})
		return true
	})
	return out
}

// Groups exposes the reconciled per-block-group records for
// reporting.
func (v *FreeSpaceVerifier) Groups() map[btrfsvol.LogicalAddr]*BlockGroupRecord {
	return v.groups
}

func (g *BlockGroupRecord) String() string {
	return fmt.Sprintf("block-group@%v+%v: used=%d mismatches=%d extent-count-wrong=%v",
		g.Start, g.Length, g.Used, len(g.MismatchRanges), g.ExtentCountWrong)
}

// coalesce sorts and merges adjacent/overlapping ranges.
func coalesce(rs []byteRange) []byteRange {
	if len(rs) == 0 {
		return nil
	}
	sorted := append([]byteRange(nil), rs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	out := []byteRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.end() {
			if r.end() > last.end() {
				last.Length = r.end().Sub(last.Start)
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// subtract removes every range in subs from every range in base,
// returning the remaining coalesced ranges.
func subtract(base, subs []byteRange) []byteRange {
	base = coalesce(base)
	subs = coalesce(subs)
	var out []byteRange
	for _, b := range base {
		segs := []byteRange{b}
		for _, s := range subs {
			var next []byteRange
			for _, seg := range segs {
				if s.end() <= seg.Start || s.Start >= seg.end() {
					next = append(next, seg)
					continue
				}
				if s.Start > seg.Start {
					next = append(next, byteRange{Start: seg.Start, Length: s.Start.Sub(seg.Start)})
				}
				if s.end() < seg.end() {
					next = append(next, byteRange{Start: s.end(), Length: seg.end().Sub(s.end())})
				}
			}
			segs = next
		}
		out = append(out, segs...)
	}
	return coalesce(out)
}

// symmetricDifference returns the coalesced ranges present in
// exactly one of a, b.
func symmetricDifference(a, b []byteRange) []byteRange {
	onlyA := subtract(a, b)
	onlyB := subtract(b, a)
	return coalesce(append(onlyA, onlyB...))
}
