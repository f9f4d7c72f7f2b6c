// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package btrfsrestore

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aviallon/btrfsck-go/lib/btrfs/btrfsitem"
)

func TestDecompressNone(t *testing.T) {
	out, err := decompress(btrfsitem.COMPRESS_NONE, []byte("hello world"), 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out)
}

func TestDecompressNoneShortInput(t *testing.T) {
	out, err := decompress(btrfsitem.COMPRESS_NONE, []byte("hi"), 10)
	assert.Error(t, err)
	assert.Equal(t, []byte("hi"), out)
}

func TestDecompressZlibRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write([]byte("the quick brown fox"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := decompress(btrfsitem.COMPRESS_ZLIB, buf.Bytes(), len("the quick brown fox"))
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", string(out))
}

func TestDecompressZlibMalformed(t *testing.T) {
	_, err := decompress(btrfsitem.COMPRESS_ZLIB, []byte("not zlib data"), 10)
	assert.Error(t, err)
}

func TestDecompressZstdRoundTrip(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll([]byte("the lazy dog"), nil)
	require.NoError(t, enc.Close())

	out, err := decompress(btrfsitem.COMPRESS_ZSTD, compressed, len("the lazy dog"))
	require.NoError(t, err)
	assert.Equal(t, "the lazy dog", string(out))
}

func TestDecompressLZOUnsupported(t *testing.T) {
	_, err := decompress(btrfsitem.COMPRESS_LZO, []byte("whatever"), 10)
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}

func TestDecompressUnknownAlgorithm(t *testing.T) {
	_, err := decompress(btrfsitem.CompressionType(99), []byte("whatever"), 10)
	assert.ErrorIs(t, err, ErrUnsupportedCompression)
}
