// Package session ties a chip on a transport to what the host remembers about
// it. Opening a session identifies the chip and loads its saved tables,
// rebuilding them from the chip when they're missing or unreadable; closing
// it saves them again.
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/cloner"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/geometry"
	"github.com/dargueta/nandkit/programmer"
	"github.com/dargueta/nandkit/state"
	"github.com/dargueta/nandkit/wear"
)

// DefaultEndurance is assumed for chips whose rating is unknown.
const DefaultEndurance = 3000

type options struct {
	chip         *geometry.Chip
	rescan       bool
	sparePercent *int
	logger       zerolog.Logger
	onScanned    func(table *bbt.Table)
}

type Option func(*options)

// WithChip skips identification and uses `chip` as the chip's description.
func WithChip(chip geometry.Chip) Option {
	return func(o *options) {
		o.chip = &chip
	}
}

// WithGeometry is [WithChip] for a chip that isn't in the table.
func WithGeometry(g nandkit.Geometry, endurance uint32) Option {
	return func(o *options) {
		o.chip = &geometry.Chip{
			Slug:          "custom",
			Name:          "custom",
			Manufacturer:  "unknown",
			PageSize:      g.PageSize,
			OOBSize:       g.OOBSize,
			PagesPerBlock: g.PagesPerBlock,
			TotalBlocks:   g.TotalBlocks,
			BusWidth:      g.BusWidth,
			Endurance:     endurance,
		}
	}
}

// Rescan ignores any saved bad block table and scans the chip instead.
func Rescan(rescan bool) Option {
	return func(o *options) {
		o.rescan = rescan
	}
}

// SparePercent sets aside the last `percent` percent of the chip's blocks as
// replacements for blocks that go bad. Without it the saved reserve, if any,
// is kept. A reserve with spares in use can't be resized; the saved one stays
// and a warning is logged.
func SparePercent(percent int) Option {
	return func(o *options) {
		o.sparePercent = &percent
	}
}

func Logger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// OnScanned is called with the new table whenever the chip had to be scanned.
func OnScanned(callback func(table *bbt.Table)) Option {
	return func(o *options) {
		o.onScanned = callback
	}
}

// Session is an open chip. Its table and ledger are shared by every
// programmer and cloner it hands out.
type Session struct {
	lock      sync.Mutex
	transport nandkit.Transport
	id        []byte
	chip      geometry.Chip
	table     *bbt.Table
	ledger    *wear.Ledger
	saved     *state.Chip
	log       zerolog.Logger
	closed    bool
}

// Open identifies the chip behind `transport` and loads its state from
// `repo`.
func Open(ctx context.Context, transport nandkit.Transport, repo *state.FileRepository, opts ...Option) (*Session, error) {
	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := transport.ReadID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chip ID: %w", err)
	}

	var chip geometry.Chip
	if o.chip != nil {
		chip = *o.chip
	} else {
		chip, err = geometry.Lookup(id)
		if err != nil {
			return nil, err
		}
	}
	g := chip.Geometry()
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if chip.Endurance == 0 {
		chip.Endurance = DefaultEndurance
	}

	s := &Session{
		transport: transport,
		id:        id,
		chip:      chip,
		saved:     repo.Chip(id),
		log: o.logger.With().
			Str("component", "session").
			Hex("chip_id", id).
			Logger(),
	}

	s.table, err = s.loadTable(ctx, o)
	if err != nil {
		return nil, err
	}
	if o.sparePercent != nil {
		count := bbt.SpareCount(g.TotalBlocks, *o.sparePercent)
		if err := s.table.Reserve(count); err != nil {
			s.log.Warn().Err(err).Uint32("spares", count).Msg("keeping the saved spare reserve")
		}
	}
	s.ledger = s.loadLedger()

	s.log.Info().
		Stringer("chip", chip).
		Stringer("geometry", g).
		Int("bad_blocks", s.table.Count()).
		Uint32("spares", s.table.Spares()).
		Msg("session opened")
	return s, nil
}

// rebuildable reports whether a load error means the saved copy can be
// replaced by a fresh one.
func rebuildable(err error) bool {
	return errors.Is(err, errors.ErrNotFound) ||
		errors.Is(err, errors.ErrTableUnknown) ||
		errors.Is(err, errors.ErrUnsupportedFormat)
}

func (s *Session) loadTable(ctx context.Context, o options) (*bbt.Table, error) {
	g := s.chip.Geometry()
	if !o.rescan {
		table, err := s.saved.LoadTable()
		switch {
		case err == nil && table.TotalBlocks() == g.TotalBlocks:
			return table, nil
		case err == nil:
			s.log.Warn().
				Uint32("saved_blocks", table.TotalBlocks()).
				Msg("saved bad block table doesn't fit the chip, rescanning")
		case rebuildable(err):
			s.log.Warn().Err(err).Msg("no usable bad block table, scanning")
		default:
			return nil, err
		}
	}

	table, err := bbt.Scan(ctx, g, s.transport.ReadPage)
	if err != nil {
		return nil, fmt.Errorf("scanning for bad blocks: %w", err)
	}
	if o.onScanned != nil {
		o.onScanned(table)
	}
	return table, nil
}

func (s *Session) loadLedger() *wear.Ledger {
	ledger, err := s.saved.LoadLedger(s.table)
	if err == nil && ledger.TotalBlocks() == s.table.TotalBlocks() {
		return ledger
	}
	if err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.log.Warn().Err(err).Msg("discarding unreadable wear ledger")
	}
	return wear.New(s.table.TotalBlocks(), s.chip.Endurance, s.table)
}

func (s *Session) ID() []byte {
	return append([]byte(nil), s.id...)
}

func (s *Session) Chip() geometry.Chip {
	return s.chip
}

func (s *Session) Geometry() nandkit.Geometry {
	return s.chip.Geometry()
}

func (s *Session) Transport() nandkit.Transport {
	return s.transport
}

func (s *Session) Table() *bbt.Table {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.table
}

func (s *Session) Ledger() *wear.Ledger {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ledger
}

// State gives access to the chip's saved state, e.g. its clone mappings.
func (s *Session) State() *state.Chip {
	return s.saved
}

// Programmer returns a programmer that records into the session's tables.
func (s *Session) Programmer(opts ...programmer.Option) (*programmer.Programmer, error) {
	opts = append([]programmer.Option{programmer.Logger(s.log)}, opts...)
	return programmer.New(s.transport, s.Geometry(), s.Table(), s.Ledger(), opts...)
}

// Endpoint describes the session's chip for [cloner.New].
func (s *Session) Endpoint() cloner.Endpoint {
	return cloner.Endpoint{
		Transport: s.transport,
		Geometry:  s.Geometry(),
		Table:     s.Table(),
		Ledger:    s.Ledger(),
	}
}

// Adopt replaces the session's tables with those a clone built for this chip
// when it was the destination.
func (s *Session) Adopt(table *bbt.Table, ledger *wear.Ledger) error {
	if table.TotalBlocks() != s.chip.TotalBlocks {
		return errors.Errorf(
			errors.EGEOMETRY, "table covers %d blocks, chip has %d", table.TotalBlocks(), s.chip.TotalBlocks)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.table = table
	if ledger != nil {
		s.ledger = ledger
	}
	s.ledger.AttachTable(table)
	return nil
}

// CorrectedReader reads blocks through ECC correction, marking blocks that
// needed correcting in the log.
func (s *Session) CorrectedReader() nandkit.BlockReader {
	return programmer.CorrectedReader(s.transport, s.Geometry(), func(block nandkit.BlockID, bits int) {
		s.log.Debug().Uint32("block", block).Int("corrected_bits", bits).Msg("corrected block")
	})
}

// Save writes the tables to the repository.
func (s *Session) Save() error {
	table := s.Table()
	ledger := s.Ledger()
	if err := s.saved.SaveTable(table); err != nil {
		return fmt.Errorf("saving bad block table: %w", err)
	}
	if err := s.saved.SaveLedger(ledger); err != nil {
		return fmt.Errorf("saving wear ledger: %w", err)
	}
	return nil
}

// Close saves the tables. It's safe to call more than once.
func (s *Session) Close() error {
	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		return nil
	}
	s.closed = true
	s.lock.Unlock()

	err := s.Save()
	s.log.Info().Err(err).Msg("session closed")
	return err
}
