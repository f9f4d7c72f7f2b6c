// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfscheck

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunStatsAddErrorIgnoresNil(t *testing.T) {
	var s RunStats
	s.addError(nil)
	assert.Empty(t, s.Errors)
}

func TestRunStatsAddErrorAppends(t *testing.T) {
	var s RunStats
	s.addError(errors.New("boom"))
	s.addError(errors.New("bang"))
	assert.Len(t, s.Errors, 2)
}

func TestRunStatsAddErrorConcurrentSafe(t *testing.T) {
	var s RunStats
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.addError(errors.New("err"))
		}()
	}
	wg.Wait()
	assert.Len(t, s.Errors, 50)
}

func TestRunStatsString(t *testing.T) {
	s := RunStats{
		TreesWalked: 1, NodesWalked: 2, ItemsWalked: 3, SharedNodes: 4,
		InodesChecked: 5, ExtentsChecked: 6, CSumRuns: 7,
	}
	s.addError(errors.New("x"))
	str := s.String()
	assert.Contains(t, str, "trees=1")
	assert.Contains(t, str, "errors=1")
}
