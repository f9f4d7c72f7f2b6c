// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsutil

import (
	"bufio"
	"context"
	"io"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/dlog"

	"github.com/aviallon/btrfsck-go/lib/streamio"
)

// LoadJSONFile reads and decodes a JSON file previously written by
// SaveJSONFile, logging read progress the way a multi-gigabyte node
// scan result warrants.
func LoadJSONFile[T any](ctx context.Context, filename string) (T, error) {
	var zero T
	fh, err := os.Open(filename)
	if err != nil {
		return zero, err
	}
	buf, err := streamio.NewRuneScanner(dlog.WithField(ctx, "btrfsutil.read-json-file", filename), fh)
	if err != nil {
		return zero, err
	}
	defer func() {
		_ = buf.Close()
	}()
	var ret T
	if err := lowmemjson.DecodeThenEOF(buf, &ret); err != nil {
		return zero, err
	}
	return ret, nil
}

// SaveJSONFile encodes obj as JSON to w, per cfg.
func SaveJSONFile(w io.Writer, obj any, cfg lowmemjson.ReEncoder) (err error) {
	buffer := bufio.NewWriter(w)
	defer func() {
		if ferr := buffer.Flush(); err == nil && ferr != nil {
			err = ferr
		}
	}()
	cfg.Out = buffer
	return lowmemjson.Encode(&cfg, obj)
}
