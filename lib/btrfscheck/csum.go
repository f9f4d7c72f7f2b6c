// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"sort"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsprim"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfssum"
	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

// CSumVerifier is component C8: it accumulates the checksum tree's
// EXTENT_CSUM runs, coalesces contiguous ones, and answers whether a
// given logical byte range is covered and whether a block's content
// matches its recorded sum.
type CSumVerifier struct {
	runs []btrfssum.SumRun[btrfsvol.LogicalAddr]
}

func NewCSumVerifier() *CSumVerifier {
	return &CSumVerifier{}
}

// Observe records one EXTENT_CSUM item. Per the item's on-disk
// layout, key.offset supplies the run's base address; unmarshalling
// the item body alone leaves SumRun.Addr zero.
func (v *CSumVerifier) Observe(key btrfsprim.Key, item *btrfsitem.ExtentCSum) {
	run := item.SumRun
	run.Addr = btrfsvol.LogicalAddr(key.Offset)
	v.runs = append(v.runs, run)
}

// Finish sorts the accumulated runs by address and coalesces
// adjacent ones of matching checksum size.
func (v *CSumVerifier) Finish() {
	sort.Slice(v.runs, func(i, j int) bool { return v.runs[i].Addr < v.runs[j].Addr })
	merged := v.runs[:0:0]
	for _, run := range v.runs {
		if len(merged) > 0 {
			prev := &merged[len(merged)-1]
			if prev.ChecksumSize == run.ChecksumSize && prev.Addr.Add(prev.Size()) == run.Addr {
				prev.Sums += run.Sums
				continue
			}
		}
		merged = append(merged, run)
	}
	v.runs = merged
}

// Covers reports whether every byte of [addr, addr+length) is
// described by some recorded sum run.
func (v *CSumVerifier) Covers(addr btrfsvol.LogicalAddr, length btrfsvol.AddrDelta) bool {
	end := addr.Add(length)
	for _, run := range v.runs {
		if run.Addr > addr {
			continue
		}
		if run.Addr.Add(run.Size()) >= end {
			return true
		}
	}
	return false
}

// SumAt returns the short sum covering addr, if any run has one.
func (v *CSumVerifier) SumAt(addr btrfsvol.LogicalAddr) (btrfssum.ShortSum, bool) {
	for _, run := range v.runs {
		if s, ok := run.SumForAddr(addr); ok {
			return s, true
		}
	}
	return "", false
}

// VerifyBlock recomputes typ's checksum over data (exactly one
// btrfssum.BlockSize-aligned block) and compares it against the
// recorded sum for addr. hasSum is false when no sum tree entry
// covers addr at all (distinct from a mismatch), corresponding to
// ErrSomeCSumMissing at the inode level.
func (v *CSumVerifier) VerifyBlock(typ btrfssum.CSumType, addr btrfsvol.LogicalAddr, data []byte) (ok bool, hasSum bool) {
	want, found := v.SumAt(addr)
	if !found {
		return false, false
	}
	got, err := typ.Sum(data)
	if err != nil {
		return false, true
	}
	return string(got[:len(want)]) == string(want), true
}

// Runs exposes the (post-Finish) coalesced runs, e.g. for a report
// that lists which logical ranges have recorded checksums.
func (v *CSumVerifier) Runs() []btrfssum.SumRun[btrfsvol.LogicalAddr] {
	return v.runs
}
