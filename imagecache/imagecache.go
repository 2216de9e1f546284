// Package imagecache provides a block-oriented cache over a chip image, giving
// byte-addressed access to data that is fetched from and flushed to backing
// storage one erase block at a time.
//
// All block indices begin at 0.
package imagecache

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
)

// FetchBlockCallback writes the contents of a single block from the backing
// storage into `buffer`. The following guarantees apply:
//
//   - `block` is in the range [0, TotalBlocks).
//   - `buffer` is always BlockSize bytes.
type FetchBlockCallback func(block nandkit.BlockID, buffer []byte) error

// FlushBlockCallback writes `buffer` to a block in the backing storage. All
// guarantees in [FetchBlockCallback] apply here too.
type FlushBlockCallback func(block nandkit.BlockID, buffer []byte) error

// Cache is safe for concurrent use.
type Cache struct {
	lock         sync.Mutex
	loadedBlocks bitmap.Bitmap
	dirtyBlocks  bitmap.Bitmap
	fetch        FetchBlockCallback
	flush        FlushBlockCallback
	blockSize    uint32
	totalBlocks  uint32
	data         []byte
}

// New creates a cache of `totalBlocks` blocks. If `flushCb` is nil the cache is
// read-only as far as the backing storage is concerned: writes succeed but
// flushing them fails with [errors.ENOTSUP].
func New(
	blockSize uint32,
	totalBlocks uint32,
	fetchCb FetchBlockCallback,
	flushCb FlushBlockCallback,
) *Cache {
	if flushCb == nil {
		flushCb = func(block nandkit.BlockID, buffer []byte) error {
			return errors.Errorf(errors.ENOTSUP, "image is read-only, can't flush block %d", block)
		}
	}
	return &Cache{
		loadedBlocks: bitmap.NewSlice(int(totalBlocks)),
		dirtyBlocks:  bitmap.NewSlice(int(totalBlocks)),
		data:         make([]byte, int(blockSize)*int(totalBlocks)),
		fetch:        fetchCb,
		flush:        flushCb,
		blockSize:    blockSize,
		totalBlocks:  totalBlocks,
	}
}

// NewErased creates a cache with no backing storage whose blocks all start out
// erased, which is what a staging area for an image upload needs.
func NewErased(blockSize, totalBlocks uint32) *Cache {
	fetch := func(block nandkit.BlockID, buffer []byte) error {
		for i := range buffer {
			buffer[i] = nandkit.ErasedByte
		}
		return nil
	}
	return New(blockSize, totalBlocks, fetch, func(nandkit.BlockID, []byte) error { return nil })
}

// WrapStream creates a [Cache] over any [io.ReadWriteSeeker]. Reading past the
// end of the stream yields erased bytes, so an image file shorter than the chip
// behaves as if it were padded. If `writable` is false, flushing fails.
func WrapStream(stream io.ReadWriteSeeker, blockSize, totalBlocks uint32, writable bool) *Cache {
	fetchCb := func(block nandkit.BlockID, buffer []byte) error {
		if _, err := stream.Seek(int64(block)*int64(blockSize), io.SeekStart); err != nil {
			return err
		}
		n, err := io.ReadFull(stream, buffer)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return err
		}
		for i := n; i < len(buffer); i++ {
			buffer[i] = nandkit.ErasedByte
		}
		return nil
	}

	var flushCb FlushBlockCallback
	if writable {
		flushCb = func(block nandkit.BlockID, buffer []byte) error {
			if _, err := stream.Seek(int64(block)*int64(blockSize), io.SeekStart); err != nil {
				return err
			}
			_, err := stream.Write(buffer)
			return err
		}
	}
	return New(blockSize, totalBlocks, fetchCb, flushCb)
}

// BlockSize returns the size of a single block, in bytes.
func (cache *Cache) BlockSize() uint32 {
	return cache.blockSize
}

func (cache *Cache) TotalBlocks() uint32 {
	return cache.totalBlocks
}

// Size gives the size of the cache, in bytes (not blocks!).
func (cache *Cache) Size() int64 {
	return int64(cache.blockSize) * int64(cache.totalBlocks)
}

// checkRange verifies that `length` bytes can be accessed starting at byte
// `offset`.
func (cache *Cache) checkRange(offset int64, length int) error {
	if offset < 0 || offset+int64(length) > cache.Size() {
		return errors.Errorf(
			errors.ERANGE,
			"can't access %d bytes at offset %d; range not in [0, %d)",
			length,
			offset,
			cache.Size(),
		)
	}
	return nil
}

// blockRange gives the blocks touched by `length` bytes at `offset`.
func (cache *Cache) blockRange(offset int64, length int) (nandkit.BlockID, nandkit.BlockID) {
	first := nandkit.BlockID(offset / int64(cache.blockSize))
	if length == 0 {
		return first, first
	}
	end := offset + int64(length)
	last := nandkit.BlockID((end + int64(cache.blockSize) - 1) / int64(cache.blockSize))
	return first, last
}

// loadBlockRangeLocked ensures every block in [first, end) is present.
func (cache *Cache) loadBlockRangeLocked(first, end nandkit.BlockID) error {
	for block := first; block < end; block++ {
		if cache.loadedBlocks.Get(int(block)) {
			continue
		}
		start := int(block) * int(cache.blockSize)
		buffer := cache.data[start : start+int(cache.blockSize)]
		if err := cache.fetch(block, buffer); err != nil {
			return fmt.Errorf("failed to load block %d from source: %w", block, err)
		}
		cache.loadedBlocks.Set(int(block), true)
		cache.dirtyBlocks.Set(int(block), false)
	}
	return nil
}

// ReadAt fills `buffer` from byte `offset`, loading missing blocks first. A
// read past the end fails and leaves `buffer` unmodified.
func (cache *Cache) ReadAt(buffer []byte, offset int64) (int, error) {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	if err := cache.checkRange(offset, len(buffer)); err != nil {
		return 0, err
	}
	if err := cache.loadBlockRangeLocked(cache.blockRange(offset, len(buffer))); err != nil {
		return 0, err
	}
	return copy(buffer, cache.data[offset:]), nil
}

// WriteAt copies `buffer` into the cache at byte `offset` and marks every
// block it touches dirty. Partially covered blocks are loaded first so the
// bytes around the write survive the next flush.
func (cache *Cache) WriteAt(buffer []byte, offset int64) (int, error) {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	if err := cache.checkRange(offset, len(buffer)); err != nil {
		return 0, err
	}
	first, end := cache.blockRange(offset, len(buffer))
	if err := cache.loadBlockRangeLocked(first, end); err != nil {
		return 0, err
	}

	n := copy(cache.data[offset:], buffer)
	for block := first; block < end; block++ {
		cache.dirtyBlocks.Set(int(block), true)
	}
	return n, nil
}

// ReadBlock returns a copy of one block.
func (cache *Cache) ReadBlock(block nandkit.BlockID) ([]byte, error) {
	buffer := make([]byte, cache.blockSize)
	if _, err := cache.ReadAt(buffer, int64(block)*int64(cache.blockSize)); err != nil {
		return nil, err
	}
	return buffer, nil
}

// BlockReader adapts the cache to a [nandkit.BlockReader].
func (cache *Cache) BlockReader() nandkit.BlockReader {
	return func(ctx context.Context, block nandkit.BlockID) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return cache.ReadBlock(block)
	}
}

// Dirty returns the blocks modified since the last flush, in ascending order.
func (cache *Cache) Dirty() []nandkit.BlockID {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	var dirty []nandkit.BlockID
	for block := 0; block < int(cache.totalBlocks); block++ {
		if cache.dirtyBlocks.Get(block) {
			dirty = append(dirty, nandkit.BlockID(block))
		}
	}
	return dirty
}

// Flush writes out every dirty block, and only dirty blocks, then marks them
// clean.
func (cache *Cache) Flush() error {
	cache.lock.Lock()
	defer cache.lock.Unlock()

	for block := 0; block < int(cache.totalBlocks); block++ {
		if !cache.dirtyBlocks.Get(block) {
			continue
		}
		start := block * int(cache.blockSize)
		err := cache.flush(nandkit.BlockID(block), cache.data[start:start+int(cache.blockSize)])
		if err != nil {
			return fmt.Errorf("failed to flush block %d to storage: %w", block, err)
		}
		cache.dirtyBlocks.Set(block, false)
	}
	return nil
}

// Reset drops every cached block, dirty or not.
func (cache *Cache) Reset() {
	cache.lock.Lock()
	defer cache.lock.Unlock()
	cache.loadedBlocks = bitmap.NewSlice(int(cache.totalBlocks))
	cache.dirtyBlocks = bitmap.NewSlice(int(cache.totalBlocks))
}
