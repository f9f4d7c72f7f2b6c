// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsrestore

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
)

// ErrUnsupportedCompression is returned for a compression algorithm
// this restore engine does not decode: LZO extents are reported
// rather than silently passed through undecoded.
var ErrUnsupportedCompression = errors.New("unsupported compression algorithm")

// decompress expands one compressed extent's on-disk bytes to at
// most outLen decompressed bytes, per the algorithm named in a
// FileExtent's Compression field.
//
// Truncated or otherwise malformed input returns whatever prefix
// could be recovered alongside a non-nil error, mirroring the
// restore engine's "best effort, keep going" stance elsewhere.
func decompress(algo btrfsitem.CompressionType, in []byte, outLen int) ([]byte, error) {
	switch algo {
	case btrfsitem.COMPRESS_NONE:
		if len(in) < outLen {
			return in, fmt.Errorf("decompress: short input: have %d bytes, want %d", len(in), outLen)
		}
		return in[:outLen], nil
	case btrfsitem.COMPRESS_ZLIB:
		return decompressZlib(in, outLen)
	case btrfsitem.COMPRESS_ZSTD:
		return decompressZstd(in, outLen)
	case btrfsitem.COMPRESS_LZO:
		return nil, fmt.Errorf("decompress: %w", ErrUnsupportedCompression)
	default:
		return nil, fmt.Errorf("decompress: %w: %v", ErrUnsupportedCompression, algo)
	}
}

func decompressZlib(in []byte, outLen int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(in))
	if err != nil {
		return nil, fmt.Errorf("decompress: zlib: %w", err)
	}
	defer zr.Close()
	out := make([]byte, outLen)
	n, err := io.ReadFull(zr, out)
	if err != nil {
		return out[:n], fmt.Errorf("decompress: zlib: %w", err)
	}
	return out[:n], nil
}

func decompressZstd(in []byte, outLen int) ([]byte, error) {
	zr, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: zstd: %w", err)
	}
	defer zr.Close()
	out, err := zr.DecodeAll(in, make([]byte, 0, outLen))
	if err != nil {
		return out, fmt.Errorf("decompress: zstd: %w", err)
	}
	if len(out) > outLen {
		out = out[:outLen]
	}
	return out, nil
}
