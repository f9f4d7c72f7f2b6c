// Copyright (C) 2022  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

type Optional[T any] struct {
	OK  bool
	Val T
}

// OptionalValue wraps a known value as a present Optional.
func OptionalValue[T any](val T) Optional[T] {
	return Optional[T]{OK: true, Val: val}
}
