// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsvol"
)

func TestRepairerPlanOneDeletesUnreferenced(t *testing.T) {
	r := NewRepairer(nil, nil, nil)
	rec := NewExtentRecord(0x1000, 0x100)
	rec.AddTreeBackref(0, 5, false) // FoundRef left false

	action, err := r.planOne(rec)
	require.NoError(t, err)
	assert.Equal(t, DeleteExtentAction{Start: 0x1000, NR: 0x100}, action)
}

func TestRepairerPlanOneReinsertsWithRecomputedRefs(t *testing.T) {
	r := NewRepairer(nil, nil, nil)
	rec := NewExtentRecord(0x1000, 0x100)
	tb := rec.AddTreeBackref(0, 5, false)
	tb.FoundRef = true
	db := rec.AddDataBackref(0, 0, 257, 0, int64(rec.NR), false)
	db.FoundRef = 2

	action, err := r.planOne(rec)
	require.NoError(t, err)
	reinsert, ok := action.(ReinsertExtentAction)
	require.True(t, ok)
	assert.EqualValues(t, 3, reinsert.Refs)
	assert.Len(t, reinsert.TreeBackrefs, 1)
	assert.Len(t, reinsert.DataBackrefs, 1)
}

func TestRepairerPlanBuildsPinnedBlocks(t *testing.T) {
	r := NewRepairer(nil, nil, nil)
	a := NewExtentRecord(0x1000, 0x100)
	b := NewExtentRecord(0x2000, 0x100)

	plan, err := r.plan([]*ExtentRecord{a, b})
	require.NoError(t, err)
	assert.Equal(t, []btrfsvol.LogicalAddr{0x1000, 0x2000}, plan.PinnedBlocks)
	require.Len(t, plan.Actions, 2)
}

func TestRepairerApplyIsNoop(t *testing.T) {
	r := NewRepairer(nil, nil, nil)
	err := r.apply(context.Background(), &RepairPlan{})
	assert.NoError(t, err)
}

func TestRepairActionStrings(t *testing.T) {
	del := DeleteExtentAction{Start: 0x1000, NR: 0x100}
	assert.Contains(t, del.String(), "delete extent record")

	ins := ReinsertExtentAction{Start: 0x1000, NR: 0x100, Refs: 2}
	assert.Contains(t, ins.String(), "reinsert extent record")
}
