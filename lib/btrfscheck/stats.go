// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"fmt"
	"sync"
)

// RunStats accumulates counters over the course of one Checker.Run,
// replacing the global mutable counters of the original checker
// with a single value threaded through the walk.
type RunStats struct {
	mu sync.Mutex

	TreesWalked    int
	NodesWalked    int
	ItemsWalked    int
	SharedNodes    int
	InodesChecked  int
	ExtentsChecked int
	CSumRuns       int
	FreeSpaceBytes int64

	Errors []error
}

func (s *RunStats) addError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors = append(s.Errors, err)
}

func (s *RunStats) String() string {
	return fmt.Sprintf(
		"trees=%d nodes=%d items=%d shared-nodes=%d inodes=%d extents=%d csum-runs=%d errors=%d",
		s.TreesWalked, s.NodesWalked, s.ItemsWalked, s.SharedNodes,
		s.InodesChecked, s.ExtentsChecked, s.CSumRuns, len(s.Errors))
}
