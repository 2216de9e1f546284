// Package sim provides a NAND chip simulated in memory or on top of an image
// file, with hooks for injecting the failures real chips produce.
//
// Erased bytes read as 0xFF and programming can only clear bits, like the real
// thing. A block whose factory marker is set refuses to erase.
package sim

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/errors"
)

// pageStore holds raw pages (data plus spare area) by flat page index.
type pageStore interface {
	readRaw(index uint64, buffer []byte) error
	writeRaw(index uint64, data []byte) error
	erase(first uint64, count uint64) error
}

type Chip struct {
	lock     sync.Mutex
	geometry nandkit.Geometry
	id       []byte
	pages    pageStore

	eraseFailures   map[nandkit.BlockID]bool
	programFailures map[nandkit.BlockID]bool
	readCorruption  map[nandkit.PageAddress][]int
	transportErr    error
	transportAfter  int

	stats Stats
}

// Stats counts operations that reached the simulated flash.
type Stats struct {
	Reads  uint64
	Writes uint64
	Erases uint64
}

type settings struct {
	format     bool
	factoryBad []nandkit.BlockID
}

type Option func(*settings)

// WithFactoryBadBlocks sets the factory marker on the given blocks.
func WithFactoryBadBlocks(blocks ...nandkit.BlockID) Option {
	return func(s *settings) {
		s.factoryBad = append(s.factoryBad, blocks...)
	}
}

// WithFormat erases the whole backing store before the chip is used. Only
// meaningful for [NewOnStream]; in-memory chips start out erased.
func WithFormat() Option {
	return func(s *settings) {
		s.format = true
	}
}

// New creates a chip held in memory. Only pages that were programmed take up
// space, so large geometries are cheap.
func New(g nandkit.Geometry, id []byte, options ...Option) (*Chip, error) {
	return newChip(g, id, newSparseStore(g.RawPageSize()), options)
}

// NewOnStream creates a chip whose raw pages, spare areas included, are laid out
// back to back in `stream`. The stream must already be
// `TotalPages() * RawPageSize()` bytes; pass [WithFormat] to erase it first.
func NewOnStream(
	g nandkit.Geometry,
	id []byte,
	stream io.ReadWriteSeeker,
	options ...Option,
) (*Chip, error) {
	return newChip(g, id, &streamStore{stream: stream, rawPageSize: g.RawPageSize()}, options)
}

func newChip(g nandkit.Geometry, id []byte, pages pageStore, options []Option) (*Chip, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	c := &Chip{
		geometry:        g,
		id:              append([]byte(nil), id...),
		pages:           pages,
		eraseFailures:   make(map[nandkit.BlockID]bool),
		programFailures: make(map[nandkit.BlockID]bool),
		readCorruption:  make(map[nandkit.PageAddress][]int),
	}

	var s settings
	for _, option := range options {
		option(&s)
	}
	if s.format {
		if err := c.pages.erase(0, g.TotalPages()); err != nil {
			return nil, errors.ErrIOFailed.Wrap(err)
		}
	}
	for _, block := range s.factoryBad {
		if err := c.markFactoryBad(block); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Chip) markFactoryBad(block nandkit.BlockID) error {
	if err := c.geometry.CheckBlock(block); err != nil {
		return err
	}
	if c.geometry.OOBSize == 0 {
		return errors.ErrNotSupported.WithMessage("chip has no spare area for markers")
	}
	raw := c.erasedPage()
	raw[c.geometry.PageSize+bbt.MarkerOffset] = 0x00
	index := c.pageIndex(nandkit.PageAddress{Block: block, Page: bbt.MarkerPage})
	if err := c.pages.writeRaw(index, raw); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	return nil
}

func (c *Chip) Geometry() nandkit.Geometry {
	return c.geometry
}

func (c *Chip) Stats() Stats {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stats
}

func (c *Chip) pageIndex(addr nandkit.PageAddress) uint64 {
	return uint64(addr.Block)*uint64(c.geometry.PagesPerBlock) + uint64(addr.Page)
}

func (c *Chip) erasedPage() []byte {
	raw := make([]byte, c.geometry.RawPageSize())
	for i := range raw {
		raw[i] = nandkit.ErasedByte
	}
	return raw
}

// begin runs the checks shared by every operation. The lock must be held.
func (c *Chip) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.transportErr != nil {
		if c.transportAfter <= 0 {
			return c.transportErr
		}
		c.transportAfter--
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// nandkit.Transport

func (c *Chip) ReadID(ctx context.Context) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	return append([]byte(nil), c.id...), nil
}

func (c *Chip) ReadPage(ctx context.Context, addr nandkit.PageAddress) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.begin(ctx); err != nil {
		return nil, err
	}
	if err := c.geometry.CheckAddress(addr); err != nil {
		return nil, err
	}

	raw := make([]byte, c.geometry.RawPageSize())
	if err := c.pages.readRaw(c.pageIndex(addr), raw); err != nil {
		return nil, errors.ErrIOFailed.Wrap(err)
	}
	for _, bit := range c.readCorruption[addr] {
		raw[bit/8] ^= 0x80 >> (bit % 8)
	}
	c.stats.Reads++
	return raw, nil
}

func (c *Chip) WritePage(ctx context.Context, addr nandkit.PageAddress, data []byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.begin(ctx); err != nil {
		return err
	}
	if err := c.geometry.CheckAddress(addr); err != nil {
		return err
	}
	if len(data) > int(c.geometry.RawPageSize()) {
		return errors.Errorf(
			errors.EINVAL,
			"%d bytes don't fit in a %d-byte raw page",
			len(data),
			c.geometry.RawPageSize(),
		)
	}
	if c.programFailures[addr.Block] {
		return errors.ErrProgramFailed.WithMessage(fmt.Sprintf("page %s", addr))
	}

	index := c.pageIndex(addr)
	raw := make([]byte, c.geometry.RawPageSize())
	if err := c.pages.readRaw(index, raw); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	// Programming can only pull bits from 1 to 0.
	for i, b := range data {
		raw[i] &= b
	}
	if err := c.pages.writeRaw(index, raw); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	c.stats.Writes++
	return nil
}

func (c *Chip) EraseBlock(ctx context.Context, addr nandkit.PageAddress) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.begin(ctx); err != nil {
		return err
	}
	if err := c.geometry.CheckBlock(addr.Block); err != nil {
		return err
	}
	if c.eraseFailures[addr.Block] {
		return errors.ErrEraseFailed.WithMessage(fmt.Sprintf("block %d", addr.Block))
	}

	markerPage := make([]byte, c.geometry.RawPageSize())
	first := c.pageIndex(nandkit.PageAddress{Block: addr.Block})
	if err := c.pages.readRaw(first+bbt.MarkerPage, markerPage); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	if bbt.IsFactoryMarked(c.geometry, markerPage) {
		return errors.ErrEraseFailed.WithMessage(
			fmt.Sprintf("block %d carries a factory bad block marker", addr.Block))
	}

	if err := c.pages.erase(first, uint64(c.geometry.PagesPerBlock)); err != nil {
		return errors.ErrIOFailed.Wrap(err)
	}
	c.stats.Erases++
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Fault injection

// FailErase makes every erase of `block` fail at the flash level.
func (c *Chip) FailErase(block nandkit.BlockID) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.eraseFailures[block] = true
}

// FailProgram makes every page program in `block` fail at the flash level.
func (c *Chip) FailProgram(block nandkit.BlockID) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.programFailures[block] = true
}

// CorruptReads flips the given bits of the raw page (counted from the most
// significant bit of the first byte) every time the page is read.
func (c *Chip) CorruptReads(addr nandkit.PageAddress, bits ...int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.readCorruption[addr] = append(c.readCorruption[addr], bits...)
}

// FailTransport lets `after` more operations through and then fails every
// operation with `err`, as if the bus had gone away.
func (c *Chip) FailTransport(err error, after int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.transportErr = err
	c.transportAfter = after
}

// ClearFaults removes every injected fault.
func (c *Chip) ClearFaults() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.eraseFailures = make(map[nandkit.BlockID]bool)
	c.programFailures = make(map[nandkit.BlockID]bool)
	c.readCorruption = make(map[nandkit.PageAddress][]int)
	c.transportErr = nil
	c.transportAfter = 0
}
