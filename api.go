package nandkit

import (
	"context"
	"fmt"

	"github.com/dargueta/nandkit/errors"
)

// BlockID is the index of an erase block on a chip, starting at 0.
type BlockID = uint32

// ErasedByte is the value every byte of a freshly erased page reads back as.
const ErasedByte = 0xFF

// Geometry describes the physical layout of a chip. It is loaded once per
// session and never modified.
type Geometry struct {
	// PageSize is the number of data bytes in a page, excluding the spare area.
	PageSize uint32
	// OOBSize is the number of out-of-band ("spare") bytes following the data
	// area of every page.
	OOBSize       uint32
	PagesPerBlock uint32
	TotalBlocks   uint32
	// BusWidth is 8 or 16.
	BusWidth uint8
}

// RawPageSize gives the number of bytes in a page including its spare area.
func (g Geometry) RawPageSize() uint32 {
	return g.PageSize + g.OOBSize
}

// BlockSize gives the number of data bytes in a block, excluding spare areas.
func (g Geometry) BlockSize() uint32 {
	return g.PageSize * g.PagesPerBlock
}

func (g Geometry) TotalPages() uint64 {
	return uint64(g.PagesPerBlock) * uint64(g.TotalBlocks)
}

// Capacity gives the number of data bytes on the chip, bad blocks included.
func (g Geometry) Capacity() uint64 {
	return uint64(g.BlockSize()) * uint64(g.TotalBlocks)
}

// UsableCapacity gives the number of data bytes on the chip after excluding
// `badBlocks` blocks.
func (g Geometry) UsableCapacity(badBlocks int) uint64 {
	if badBlocks >= int(g.TotalBlocks) {
		return 0
	}
	return uint64(g.BlockSize()) * uint64(int(g.TotalBlocks)-badBlocks)
}

// Validate checks that the geometry is usable at all.
func (g Geometry) Validate() error {
	if g.PageSize == 0 || g.PagesPerBlock == 0 || g.TotalBlocks == 0 {
		return errors.Errorf(
			errors.EINVAL,
			"geometry has a zero dimension: page=%d pages/block=%d blocks=%d",
			g.PageSize,
			g.PagesPerBlock,
			g.TotalBlocks,
		)
	}
	if g.BusWidth != 8 && g.BusWidth != 16 {
		return errors.Errorf(errors.EINVAL, "bus width must be 8 or 16, got %d", g.BusWidth)
	}
	return nil
}

func (g Geometry) String() string {
	return fmt.Sprintf(
		"%d+%d bytes/page, %d pages/block, %d blocks, x%d",
		g.PageSize,
		g.OOBSize,
		g.PagesPerBlock,
		g.TotalBlocks,
		g.BusWidth,
	)
}

// SameLayout reports whether two chips have identical page and block
// dimensions, which is what a block-for-block copy between them requires.
func (g Geometry) SameLayout(other Geometry) bool {
	return g.PageSize == other.PageSize && g.PagesPerBlock == other.PagesPerBlock
}

////////////////////////////////////////////////////////////////////////////////
// Addressing

// PageAddress identifies a single page on a chip.
type PageAddress struct {
	Block BlockID
	Page  uint32
}

func (a PageAddress) String() string {
	return fmt.Sprintf("%d:%d", a.Block, a.Page)
}

// CheckAddress fails with [errors.ErrAddressOutOfRange] if `addr` doesn't exist
// on a chip with this geometry.
func (g Geometry) CheckAddress(addr PageAddress) error {
	if addr.Block >= g.TotalBlocks {
		return errors.Errorf(
			errors.ERANGE, "block %d not in range [0, %d)", addr.Block, g.TotalBlocks)
	}
	if addr.Page >= g.PagesPerBlock {
		return errors.Errorf(
			errors.ERANGE, "page %d not in range [0, %d)", addr.Page, g.PagesPerBlock)
	}
	return nil
}

// CheckBlock is [Geometry.CheckAddress] for the first page of a block.
func (g Geometry) CheckBlock(block BlockID) error {
	return g.CheckAddress(PageAddress{Block: block})
}

// AddressToOffset converts a page address to the byte offset of the start of
// that page in a data-only image (no spare areas).
func (g Geometry) AddressToOffset(addr PageAddress) (int64, error) {
	if err := g.CheckAddress(addr); err != nil {
		return -1, err
	}
	pageIndex := int64(addr.Block)*int64(g.PagesPerBlock) + int64(addr.Page)
	return pageIndex * int64(g.PageSize), nil
}

// OffsetToAddress is the inverse of [Geometry.AddressToOffset]. The second
// return value is the offset of the byte within the page.
func (g Geometry) OffsetToAddress(offset int64) (PageAddress, uint32, error) {
	if offset < 0 || uint64(offset) >= g.Capacity() {
		return PageAddress{}, 0, errors.Errorf(
			errors.ERANGE, "offset %d not in range [0, %d)", offset, g.Capacity())
	}
	pageIndex := offset / int64(g.PageSize)
	addr := PageAddress{
		Block: BlockID(pageIndex / int64(g.PagesPerBlock)),
		Page:  uint32(pageIndex % int64(g.PagesPerBlock)),
	}
	return addr, uint32(offset % int64(g.PageSize)), nil
}

////////////////////////////////////////////////////////////////////////////////
// Bus transport

// Transport is the set of primitive bus operations every higher-level component
// is built on. Implementations must be safe to call from one goroutine at a
// time; callers provide the exclusion.
//
// Flash-level failures are reported as [errors.ErrEraseFailed] and
// [errors.ErrProgramFailed]. Any other error is considered a transport error.
type Transport interface {
	// ReadID returns the raw manufacturer/device identifier bytes.
	ReadID(ctx context.Context) ([]byte, error)
	// ReadPage returns the raw page, data area followed by the spare area, so
	// the result is always [Geometry.RawPageSize] bytes.
	ReadPage(ctx context.Context, addr PageAddress) ([]byte, error)
	// WritePage programs a raw page. `data` may be shorter than the raw page
	// size, in which case the remaining bytes are left erased.
	WritePage(ctx context.Context, addr PageAddress, data []byte) error
	// EraseBlock erases the block containing `addr`. The page is ignored.
	EraseBlock(ctx context.Context, addr PageAddress) error
}

// ReadPageFunc adapts a plain function to the read half of [Transport].
type ReadPageFunc func(ctx context.Context, addr PageAddress) ([]byte, error)

// BlockReader reads the data area of every page in a block, concatenated.
type BlockReader func(ctx context.Context, block BlockID) ([]byte, error)

// BlockWriter writes the data area of a whole block.
type BlockWriter func(ctx context.Context, block BlockID, data []byte) error

// ReadBlockData returns a [BlockReader] that reads data areas through `t`.
func ReadBlockData(t Transport, g Geometry) BlockReader {
	return func(ctx context.Context, block BlockID) ([]byte, error) {
		if err := g.CheckBlock(block); err != nil {
			return nil, err
		}
		data := make([]byte, 0, g.BlockSize())
		for page := uint32(0); page < g.PagesPerBlock; page++ {
			raw, err := t.ReadPage(ctx, PageAddress{Block: block, Page: page})
			if err != nil {
				return nil, err
			}
			if len(raw) < int(g.PageSize) {
				return nil, errors.Errorf(
					errors.EPROTO,
					"short page read at %d:%d: got %d bytes, expected %d",
					block,
					page,
					len(raw),
					g.PageSize,
				)
			}
			data = append(data, raw[:g.PageSize]...)
		}
		return data, nil
	}
}

// IsErased reports whether every byte in `data` is [ErasedByte].
func IsErased(data []byte) bool {
	for _, b := range data {
		if b != ErasedByte {
			return false
		}
	}
	return true
}
