// Package cloner copies the content of one chip to another in one of three
// modes:
//
//   - [Exact] copies block N to block N and refuses to start if either side
//     has a bad block in the way.
//   - [SkipBad] leaves the source's bad blocks out and packs the rest into the
//     destination's good blocks in order.
//   - [WearAware] places every source block on whatever destination block the
//     wear ledger considers coldest.
//
// SkipBad and WearAware copy the source's logical blocks: a bad block the
// source table has a spare for is read from that spare, and the spare reserve
// itself is not copied. Exact copies physical blocks, reserve included.
//
// Every check that can reject a clone runs before the first destination write.
// The block mapping is saved before copying starts and again whenever a block
// has to be moved.
package cloner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/job"
	"github.com/dargueta/nandkit/programmer"
	"github.com/dargueta/nandkit/wear"
	"github.com/rs/zerolog"
)

type Mode uint8

const (
	Exact Mode = iota
	SkipBad
	WearAware
)

func (m Mode) String() string {
	switch m {
	case Exact:
		return "exact"
	case SkipBad:
		return "skip-bad"
	case WearAware:
		return "wear-aware"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func (m Mode) Valid() bool {
	return m <= WearAware
}

func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "exact":
		return Exact, nil
	case "skip-bad", "skipbad":
		return SkipBad, nil
	case "wear-aware", "wearaware":
		return WearAware, nil
	}
	return 0, errors.ErrInvalidArgument.WithMessage(fmt.Sprintf("unknown clone mode %q", name))
}

type Phase uint8

const (
	ScanningTarget Phase = iota
	Planning
	Copying
	Complete
)

func (p Phase) String() string {
	switch p {
	case ScanningTarget:
		return "scanning-target"
	case Planning:
		return "planning"
	case Copying:
		return "copying"
	case Complete:
		return "complete"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// Endpoint is one side of a clone. Table must be set for the source. A
// destination without a table gets one by scanning its factory markers before
// planning; a destination without a ledger gets a fresh one.
type Endpoint struct {
	Transport nandkit.Transport
	Geometry  nandkit.Geometry
	Table     *bbt.Table
	Ledger    *wear.Ledger
}

type options struct {
	verify     bool
	retryCount int
	scheme     ecc.Scheme
	store      MappingStore
	logger     zerolog.Logger
}

type Option func(*options)

// Verify turns read-back verification of destination pages on or off.
func Verify(enabled bool) Option {
	return func(o *options) {
		o.verify = enabled
	}
}

// RetryCount sets how many replacement blocks are tried for a source block
// whose destination fails. Exact clones never move blocks.
func RetryCount(count int) Option {
	return func(o *options) {
		o.retryCount = max(count, 0)
	}
}

func Scheme(scheme ecc.Scheme) Option {
	return func(o *options) {
		o.scheme = scheme
	}
}

// Store sets where the block mapping is saved.
func Store(store MappingStore) Option {
	return func(o *options) {
		o.store = store
	}
}

func Logger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Cloner is a [job.Stepper]. One step scans one destination block, builds the
// plan, or copies one source block.
type Cloner struct {
	source   Endpoint
	dest     Endpoint
	mode     Mode
	options  options
	log      zerolog.Logger
	progress *job.Progress

	scanner    *bbt.Scanner
	writer     *programmer.Programmer
	readSource nandkit.BlockReader
	allocator  *wear.Allocator
	spares     []nandkit.BlockID
	total      nandkit.BlockID
	next       nandkit.BlockID

	lock    sync.Mutex
	phase   Phase
	mapping *Mapping
}

// New checks that a clone from `source` to `dest` is possible at all and
// prepares the job. Nothing is written until the job runs, and the remaining
// checks, which need the destination's bad block table, run before the first
// write too.
func New(source, dest Endpoint, mode Mode, opts ...Option) (*Cloner, error) {
	o := options{
		verify:     true,
		retryCount: 3,
		scheme:     ecc.BCH(8),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if !mode.Valid() {
		return nil, errors.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid clone mode %d", mode))
	}
	if source.Table == nil {
		return nil, errors.ErrInvalidArgument.WithMessage("the source needs a bad block table")
	}
	if source.Transport == nil || dest.Transport == nil {
		return nil, errors.ErrInvalidArgument.WithMessage("both sides need a transport")
	}
	if err := checkGeometry(source, dest.Geometry); err != nil {
		return nil, err
	}

	total := source.Table.LogicalBlocks()
	if mode == Exact {
		total = source.Geometry.TotalBlocks
	}
	c := &Cloner{
		source:   source,
		dest:     dest,
		mode:     mode,
		options:  o,
		log:      o.logger.With().Str("component", "cloner").Stringer("mode", mode).Logger(),
		progress: job.NewProgress(total),
		total:    total,
		readSource: programmer.CorrectedReader(
			source.Transport,
			source.Geometry,
			func(block nandkit.BlockID, bits int) {
				o.logger.Debug().Uint32("block", block).Int("corrected_bits", bits).Msg("corrected source block")
			},
		),
	}

	if dest.Table == nil {
		c.dest.Table = bbt.New(dest.Geometry.TotalBlocks)
		c.scanner = bbt.NewScanner(dest.Geometry, dest.Transport.ReadPage, c.dest.Table)
		c.phase = ScanningTarget
	} else {
		c.phase = Planning
	}
	if dest.Ledger == nil {
		c.dest.Ledger = wear.New(dest.Geometry.TotalBlocks, 0, c.dest.Table)
	} else {
		c.dest.Ledger.AttachTable(c.dest.Table)
	}
	return c, nil
}

func checkGeometry(source Endpoint, dest nandkit.Geometry) error {
	if err := source.Geometry.Validate(); err != nil {
		return err
	}
	if err := dest.Validate(); err != nil {
		return err
	}
	if !source.Geometry.SameLayout(dest) {
		return errors.ErrGeometryMismatch.WithMessage(
			fmt.Sprintf("source is %s, destination is %s", source.Geometry, dest))
	}
	if source.Table.TotalBlocks() != source.Geometry.TotalBlocks {
		return errors.Errorf(
			errors.EGEOMETRY,
			"source table covers %d blocks, chip has %d",
			source.Table.TotalBlocks(),
			source.Geometry.TotalBlocks,
		)
	}

	usable := uint64(len(sourceBlocks(source.Table))) * uint64(source.Geometry.BlockSize())
	if dest.Capacity() < usable {
		return errors.ErrNoSpace.WithMessage(fmt.Sprintf(
			"destination holds %d bytes, source has %d usable", dest.Capacity(), usable))
	}
	return nil
}

func (c *Cloner) Progress() *job.Progress {
	return c.progress
}

func (c *Cloner) Mode() Mode {
	return c.mode
}

func (c *Cloner) Phase() Phase {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.phase
}

func (c *Cloner) setPhase(phase Phase) {
	c.lock.Lock()
	c.phase = phase
	c.lock.Unlock()
	c.log.Debug().Stringer("phase", phase).Msg("clone phase")
}

// Mapping returns a copy of the block mapping, or nil before planning is done.
func (c *Cloner) Mapping() *Mapping {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.mapping == nil {
		return nil
	}
	return c.mapping.Clone()
}

// DestinationTable is the destination's bad block table, including what the
// clone found.
func (c *Cloner) DestinationTable() *bbt.Table {
	return c.dest.Table
}

func (c *Cloner) DestinationLedger() *wear.Ledger {
	return c.dest.Ledger
}

func (c *Cloner) Step(ctx context.Context) (bool, error) {
	switch c.Phase() {
	case ScanningTarget:
		done, err := c.scanner.Step(ctx)
		if err != nil {
			return false, err
		}
		if done {
			c.log.Info().Int("bad_blocks", c.dest.Table.Count()).Msg("destination scanned")
			c.setPhase(Planning)
		}
		return false, nil

	case Planning:
		if err := c.plan(); err != nil {
			return false, err
		}
		c.setPhase(Copying)
		return false, nil

	case Copying:
		done, err := c.copyNext(ctx)
		if err != nil {
			return false, err
		}
		if done {
			c.setPhase(Complete)
		}
		return done, nil
	}
	return true, nil
}

////////////////////////////////////////////////////////////////////////////////
// Planning

// Plan builds the block mapping for cloning `source` onto a destination whose
// bad blocks are in `destTable`. `allocator` is only used in [WearAware] mode.
// Any reason the clone can't fit is reported here, before anything is written.
func Plan(
	mode Mode,
	sourceTable *bbt.Table,
	destTable *bbt.Table,
	allocator *wear.Allocator,
) (*Mapping, error) {
	sourceTotal := sourceTable.TotalBlocks()
	destTotal := destTable.TotalBlocks()
	blocks := sourceBlocks(sourceTable)
	usable := len(blocks)
	mapping := NewMapping(mode)

	switch mode {
	case Exact:
		if sourceTable.Count() > 0 {
			return nil, errors.ErrNotSupported.WithMessage(fmt.Sprintf(
				"exact clone of a source with bad blocks %v", sourceTable.BadBlocks()))
		}
		if destTotal < sourceTotal {
			return nil, errors.ErrNoSpace.WithMessage(fmt.Sprintf(
				"exact clone needs %d destination blocks, there are %d", sourceTotal, destTotal))
		}
		for block := nandkit.BlockID(0); block < sourceTotal; block++ {
			if destTable.IsBad(block) {
				return nil, errors.ErrNoSpace.WithMessage(
					fmt.Sprintf("destination block %d is bad, exact clone impossible", block))
			}
			mapping.Set(block, block)
		}

	case SkipBad:
		if destTable.GoodBlocks() < usable {
			return nil, notEnoughGoodBlocks(usable, destTable.GoodBlocks())
		}
		target := nandkit.BlockID(0)
		for _, block := range blocks {
			for target < destTotal && destTable.IsBad(target) {
				target++
			}
			mapping.Set(block, target)
			target++
		}

	case WearAware:
		if destTable.GoodBlocks() < usable {
			return nil, notEnoughGoodBlocks(usable, destTable.GoodBlocks())
		}
		for _, block := range blocks {
			target, err := allocator.Next()
			if err != nil {
				return nil, err
			}
			mapping.Set(block, target)
		}

	default:
		return nil, errors.ErrInvalidArgument.WithMessage(fmt.Sprintf("invalid clone mode %d", mode))
	}
	return mapping, nil
}

// sourceBlocks lists the blocks a SkipBad or WearAware clone copies: every
// logical block that still has somewhere to be read from.
func sourceBlocks(table *bbt.Table) []nandkit.BlockID {
	logical := table.LogicalBlocks()
	blocks := make([]nandkit.BlockID, 0, logical)
	for block := nandkit.BlockID(0); block < logical; block++ {
		if _, err := table.Translate(block); err == nil {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func notEnoughGoodBlocks(needed, available int) error {
	return errors.ErrNoSpace.WithMessage(fmt.Sprintf(
		"source has %d usable blocks, destination only %d good ones", needed, available))
}

func (c *Cloner) plan() error {
	if c.dest.Table.TotalBlocks() != c.dest.Geometry.TotalBlocks {
		return errors.Errorf(
			errors.EGEOMETRY,
			"destination table covers %d blocks, chip has %d",
			c.dest.Table.TotalBlocks(),
			c.dest.Geometry.TotalBlocks,
		)
	}

	c.allocator = c.dest.Ledger.NewAllocator()
	mapping, err := Plan(c.mode, c.source.Table, c.dest.Table, c.allocator)
	if err != nil {
		return err
	}

	// Good destination blocks the plan doesn't use are spares for re-routing,
	// handed out in index order.
	used := mapping.Destinations()
	for block := nandkit.BlockID(0); block < c.dest.Geometry.TotalBlocks; block++ {
		if !used[block] && !c.dest.Table.IsBad(block) {
			c.spares = append(c.spares, block)
		}
	}

	writer, err := programmer.New(
		c.dest.Transport,
		c.dest.Geometry,
		c.dest.Table,
		c.dest.Ledger,
		programmer.Verify(c.options.verify),
		programmer.Scheme(c.options.scheme),
		programmer.Logger(c.options.logger),
	)
	if err != nil {
		return err
	}
	c.writer = writer

	c.lock.Lock()
	c.mapping = mapping
	c.lock.Unlock()

	if err := c.saveMapping(); err != nil {
		return err
	}
	c.log.Info().
		Int("blocks", mapping.Len()).
		Int("spares", len(c.spares)).
		Str("mapping_id", mapping.ID.String()).
		Msg("clone planned")
	return nil
}

func (c *Cloner) saveMapping() error {
	if c.options.store == nil {
		return nil
	}
	if err := c.options.store.SaveMapping(c.Mapping()); err != nil {
		return fmt.Errorf("saving block mapping: %w", err)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Copying

func (c *Cloner) copyNext(ctx context.Context) (bool, error) {
	total := c.total
	if c.next >= total {
		return true, nil
	}

	block := c.next
	c.progress.Begin(block)

	c.lock.Lock()
	target, mapped := c.mapping.Lookup(block)
	c.lock.Unlock()

	if !mapped {
		c.progress.Skip(block, nil)
		c.next++
		return c.next >= total, nil
	}

	physical := block
	if c.mode != Exact {
		var err error
		physical, err = c.source.Table.Translate(block)
		if err != nil {
			c.log.Warn().Uint32("block", block).Err(err).Msg("source block has nowhere to be read from")
			if dropErr := c.drop(block, err); dropErr != nil {
				return false, dropErr
			}
			c.next++
			return c.next >= total, nil
		}
	}

	data, err := c.readSource(ctx, physical)
	if err != nil {
		if !errors.Is(err, errors.ErrUncorrectable) {
			return false, err
		}
		if _, markErr := c.source.Table.Mark(physical, bbt.UncorrectableEcc); markErr != nil {
			return false, markErr
		}
		c.log.Warn().
			Uint32("block", block).
			Uint32("physical", physical).
			Err(err).
			Msg("source block unreadable, skipping")
		if dropErr := c.drop(block, err); dropErr != nil {
			return false, dropErr
		}
		c.next++
		return c.next >= total, nil
	}

	pages := make([][]byte, c.source.Geometry.PagesPerBlock)
	for i := range pages {
		start := i * int(c.source.Geometry.PageSize)
		pages[i] = data[start : start+int(c.source.Geometry.PageSize)]
	}

	for attempt := 0; ; attempt++ {
		_, err = c.writer.ProgramBlock(ctx, target, pages)
		if err == nil {
			c.progress.Complete(block)
			break
		}
		if !errors.IsRecoverable(err) {
			return false, err
		}
		if c.mode == Exact || attempt >= c.options.retryCount {
			c.log.Warn().Uint32("block", block).Err(err).Msg("giving up on source block")
			if dropErr := c.drop(block, err); dropErr != nil {
				return false, dropErr
			}
			break
		}

		replacement, ok := c.replacement()
		if !ok {
			c.log.Warn().Uint32("block", block).Err(err).Msg("no spare destination block left")
			if dropErr := c.drop(block, errors.ErrNoSpace.Wrap(err)); dropErr != nil {
				return false, dropErr
			}
			break
		}
		c.log.Info().
			Uint32("block", block).
			Uint32("from", target).
			Uint32("to", replacement).
			Err(err).
			Msg("re-routing destination block")

		target = replacement
		c.lock.Lock()
		c.mapping.Set(block, target)
		c.lock.Unlock()
		if err := c.saveMapping(); err != nil {
			return false, err
		}
	}

	c.next++
	return c.next >= total, nil
}

// drop removes a source block that couldn't be copied from the mapping and
// records it as skipped.
func (c *Cloner) drop(block nandkit.BlockID, reason error) error {
	c.lock.Lock()
	c.mapping.Delete(block)
	c.lock.Unlock()
	c.progress.Skip(block, reason)
	return c.saveMapping()
}

// replacement picks a destination block for a source block whose first choice
// failed.
func (c *Cloner) replacement() (nandkit.BlockID, bool) {
	if c.mode == WearAware {
		block, err := c.allocator.Next()
		return block, err == nil
	}
	for len(c.spares) > 0 {
		block := c.spares[0]
		c.spares = c.spares[1:]
		if !c.dest.Table.IsBad(block) {
			return block, true
		}
	}
	return 0, false
}

// Clone runs a whole clone and returns the final block mapping along with the
// job result. The error is the result's error, or the reason the clone was
// rejected before it started.
func Clone(
	ctx context.Context,
	source Endpoint,
	dest Endpoint,
	mode Mode,
	opts ...Option,
) (*Mapping, job.Result, error) {
	c, err := New(source, dest, mode, opts...)
	if err != nil {
		return nil, job.Result{Status: job.Failed, Err: err}, err
	}
	result := job.Run(ctx, c, nil)
	return c.Mapping(), result, result.Err
}
