// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

// RepairAction is one step of a RepairPlan: either discard a
// corrupt/over-counted extent record, or reinsert it with a
// corrected reference count and backref set. Modeled as a sum type:
// a small marker interface rather than a tagged union.
type RepairAction interface {
	isRepairAction()
	String() string
}

// DeleteExtentAction discards an extent record whose declared refs
// can never be reconciled with what the trees actually reference
// (e.g. every backref it names was itself deleted).
type DeleteExtentAction struct {
	Start btrfsvol.LogicalAddr
	NR    btrfsvol.AddrDelta
}

func (DeleteExtentAction) isRepairAction() {}
func (a DeleteExtentAction) String() string {
	return fmt.Sprintf("delete extent record %v+%v", a.Start, a.NR)
}

// ReinsertExtentAction replaces an extent's declared EXTENT_ITEM/
// METADATA_ITEM and its inline backrefs with values recomputed from
// what was actually observed while walking the trees.
type ReinsertExtentAction struct {
	Start        btrfsvol.LogicalAddr
	NR           btrfsvol.AddrDelta
	Refs         int64
	TreeBackrefs []TreeBackref
	DataBackrefs []DataBackref
}

func (ReinsertExtentAction) isRepairAction() {}
func (a ReinsertExtentAction) String() string {
	return fmt.Sprintf("reinsert extent record %v+%v with refs=%d (%d tree backrefs, %d data backrefs)",
		a.Start, a.NR, a.Refs, len(a.TreeBackrefs), len(a.DataBackrefs))
}

// RepairPlan is the full set of actions a Repairer would apply for
// one run, plus the tree-block addresses those actions touch.
type RepairPlan struct {
	Actions []RepairAction
	// PinnedBlocks lists tree-block addresses the plan touches,
	// so that a concurrent read of the filesystem (there is none
	// in this offline tool, but future callers may add one) knows
	// not to trust their content until the plan commits.
	PinnedBlocks []btrfsvol.LogicalAddr
}

// Repairer computes (and, for a backing store that supports tree
// mutation, would apply) corrections for the extent records a Run
// found unreconciled. This codebase's FS type is read-only at the
// B+-tree level (no COW node-allocation/write-back exists in
// lib/btrfs/btrfstree), so Repair currently always operates in
// plan-only mode: it reports precisely what it would do and why,
// rather than silently doing nothing or pretending to mutate the
// image. A real repair backend can be substituted by giving
// Repairer a tree-mutation capable FS and teaching apply() to call
// it; the planning logic above (what to delete, what to reinsert)
// does not change.
type Repairer struct {
	fs      FS
	extents *ExtentCache
	stats   *RunStats
}

func NewRepairer(fs FS, extents *ExtentCache, stats *RunStats) *Repairer {
	return &Repairer{fs: fs, extents: extents, stats: stats}
}

// Repair builds a RepairPlan for the given unreconciled extent
// records and logs it. If building the plan for any record fails, no
// action already computed is applied (apply is a separate,
// all-or-nothing step) and the error is returned.
func (r *Repairer) Repair(ctx context.Context, unreconciled []*ExtentRecord) error {
	plan, err := r.plan(unreconciled)
	if err != nil {
		return err
	}
	for _, action := range plan.Actions {
		dlog.Infof(ctx, "repair: %s", action)
	}
	return r.apply(ctx, plan)
}

func (r *Repairer) plan(unreconciled []*ExtentRecord) (*RepairPlan, error) {
	plan := &RepairPlan{}
	for _, rec := range unreconciled {
		action, err := r.planOne(rec)
		if err != nil {
			return nil, fmt.Errorf("planning repair for extent %v+%v: %w", rec.Start, rec.NR, err)
		}
		plan.Actions = append(plan.Actions, action)
		plan.PinnedBlocks = append(plan.PinnedBlocks, rec.Start)
	}
	return plan, nil
}

// planOne decides whether an unreconciled extent should be dropped
// or reinserted with corrected accounting: an extent with no
// surviving, doubly-attested backref is unreferenced and should be
// deleted; otherwise recompute its Refs from what was actually
// walked and reinsert.
func (r *Repairer) planOne(rec *ExtentRecord) (RepairAction, error) {
	var treeBackrefs []TreeBackref
	var dataBackrefs []DataBackref
	var foundSum int64
	for _, b := range rec.Backrefs {
		switch bb := b.(type) {
		case *TreeBackref:
			if bb.FoundRef {
				treeBackrefs = append(treeBackrefs, *bb)
				foundSum++
			}
		case *DataBackref:
			if bb.FoundRef > 0 {
				dataBackrefs = append(dataBackrefs, *bb)
				foundSum += int64(bb.FoundRef)
			}
		}
	}
	if foundSum == 0 {
		return DeleteExtentAction{Start: rec.Start, NR: rec.NR}, nil
	}
	return ReinsertExtentAction{
		Start:        rec.Start,
		NR:           rec.NR,
		Refs:         foundSum,
		TreeBackrefs: treeBackrefs,
		DataBackrefs: dataBackrefs,
	}, nil
}

// apply is a no-op placeholder for a tree-mutation-capable backend;
// see the Repairer doc comment. It exists as a separate step so that
// a future on-disk backend slots in here without touching plan().
func (r *Repairer) apply(ctx context.Context, plan *RepairPlan) error {
	dlog.Infof(ctx, "repair plan has %d action(s); no write-capable backend is wired up, so none were applied", len(plan.Actions))
	return nil
}
