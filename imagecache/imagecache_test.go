package imagecache_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/imagecache"
	nandtest "github.com/dargueta/nandkit/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/bytesextra"
)

func TestCache__ReadBlock__Basic(t *testing.T) {
	raw := nandtest.RandomBytes(t, 128*16)
	cache := imagecache.WrapStream(bytesextra.NewReadWriteSeeker(raw), 128, 16, false)

	for block := nandkit.BlockID(0); block < 16; block++ {
		data, err := cache.ReadBlock(block)
		require.NoError(t, err, "block %d", block)
		assert.Equal(t, raw[block*128:(block+1)*128], data, "block %d doesn't match", block)
	}
}

func TestCache__ReadPastEnd(t *testing.T) {
	cache := imagecache.NewErased(512, 16)
	buffer := make([]byte, 512)

	n, err := cache.ReadAt(buffer, 15*512)
	assert.NoError(t, err, "failed to read last block")
	assert.Equal(t, 512, n)

	n, err = cache.ReadAt(buffer, 16*512)
	assert.ErrorIs(t, err, errors.ErrAddressOutOfRange)
	assert.Zero(t, n)

	_, err = cache.ReadAt(buffer, 15*512+1)
	assert.ErrorIs(t, err, errors.ErrAddressOutOfRange)
}

func TestCache__ShortStreamReadsErased(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5, 6}
	cache := imagecache.WrapStream(bytesextra.NewReadWriteSeeker(raw), 4, 2, false)

	first, err := cache.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, first)

	second, err := cache.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 0xFF, 0xFF}, second)
}

func TestCache__WriteAt__SpanningBlocks(t *testing.T) {
	cache := imagecache.NewErased(8, 4)

	n, err := cache.WriteAt([]byte{0xAA, 0xBB, 0xCC}, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []nandkit.BlockID{0, 1}, cache.Dirty())

	first, err := cache.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, append(bytes.Repeat([]byte{0xFF}, 7), 0xAA), first)

	second, err := cache.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0xBB, 0xCC}, bytes.Repeat([]byte{0xFF}, 6)...), second)
}

func TestCache__Flush__OnlyDirtyBlocks(t *testing.T) {
	backing := make([]byte, 4*4)
	var flushed []nandkit.BlockID
	cache := imagecache.New(
		4,
		4,
		func(block nandkit.BlockID, buffer []byte) error {
			copy(buffer, backing[block*4:])
			return nil
		},
		func(block nandkit.BlockID, buffer []byte) error {
			flushed = append(flushed, block)
			copy(backing[block*4:], buffer)
			return nil
		},
	)

	_, err := cache.WriteAt([]byte{9, 9}, 13)
	require.NoError(t, err)
	_, err = cache.ReadBlock(1)
	require.NoError(t, err)

	require.NoError(t, cache.Flush())
	assert.Equal(t, []nandkit.BlockID{3}, flushed)
	assert.Equal(t, []byte{0, 9, 9, 0}, backing[12:16])
	assert.Empty(t, cache.Dirty())

	require.NoError(t, cache.Flush())
	assert.Len(t, flushed, 1, "clean blocks must not be flushed again")
}

func TestCache__ReadOnlyFlushFails(t *testing.T) {
	cache := imagecache.WrapStream(bytesextra.NewReadWriteSeeker(make([]byte, 8)), 4, 2, false)
	_, err := cache.WriteAt([]byte{1}, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, cache.Flush(), errors.ErrNotSupported)
}

func TestCache__WritableStream(t *testing.T) {
	stream := bytesextra.NewReadWriteSeeker(make([]byte, 8))
	cache := imagecache.WrapStream(stream, 4, 2, true)
	_, err := cache.WriteAt([]byte{7, 7, 7, 7}, 4)
	require.NoError(t, err)
	require.NoError(t, cache.Flush())

	reopened := imagecache.WrapStream(stream, 4, 2, false)
	data, err := reopened.ReadBlock(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 7, 7, 7}, data)
	data, err = reopened.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
}

func TestCache__BlockReader(t *testing.T) {
	cache := imagecache.NewErased(4, 2)
	_, err := cache.WriteAt([]byte{1, 2, 3, 4}, 4)
	require.NoError(t, err)

	read := cache.BlockReader()
	data, err := read(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = read(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCache__Reset(t *testing.T) {
	cache := imagecache.NewErased(4, 2)
	_, err := cache.WriteAt([]byte{1}, 0)
	require.NoError(t, err)
	cache.Reset()
	assert.Empty(t, cache.Dirty())

	data, err := cache.ReadBlock(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, data)
}
