// Package programmer erases and programs blocks with verification, keeping the
// bad block table and wear ledger up to date as it goes.
//
// Every operation walks the same states:
//
//	Idle -> Erasing -> VerifyingErase -> Programming -> VerifyingProgram -> Done
//
// Any step can end in Failed. Flash-level failures mark the block bad and come
// back as recoverable errors so the caller can pick another block; anything
// else is treated as a transport failure and returned untouched.
package programmer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/wear"
	"github.com/rs/zerolog"
)

type StateKind uint8

const (
	Idle StateKind = iota
	Erasing
	VerifyingErase
	Programming
	VerifyingProgram
	Done
	Failed
)

func (k StateKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case Erasing:
		return "erasing"
	case VerifyingErase:
		return "verifying-erase"
	case Programming:
		return "programming"
	case VerifyingProgram:
		return "verifying-program"
	case Done:
		return "done"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", uint8(k))
}

// State is where the most recent operation is, or ended. Reason is only set
// for [Failed].
type State struct {
	Kind   StateKind
	Reason error
}

func (s State) String() string {
	if s.Kind == Failed && s.Reason != nil {
		return fmt.Sprintf("failed(%v)", s.Reason)
	}
	return s.Kind.String()
}

// Report describes a successfully programmed page.
type Report struct {
	Block nandkit.BlockID
	Page  uint32
	// CorrectedBits is how many bits of the read-back had to be corrected. A
	// nonzero value is a health signal, not a failure.
	CorrectedBits int
	// EraseCount is the block's erase count after this operation.
	EraseCount uint32
}

type Programmer struct {
	transport nandkit.Transport
	geometry  nandkit.Geometry
	table     *bbt.Table
	ledger    *wear.Ledger
	options   options
	log       zerolog.Logger

	stateLock sync.RWMutex
	state     State
}

// New creates a programmer. `ledger` may be nil, in which case erases aren't
// recorded and [Programmer.ProgramAnywhere] is unavailable.
func New(
	transport nandkit.Transport,
	g nandkit.Geometry,
	table *bbt.Table,
	ledger *wear.Ledger,
	opts ...Option,
) (*Programmer, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, errors.ErrInvalidArgument.WithMessage("a bad block table is required")
	}
	if table.TotalBlocks() != g.TotalBlocks {
		return nil, errors.Errorf(
			errors.EGEOMETRY,
			"bad block table covers %d blocks, chip has %d",
			table.TotalBlocks(),
			g.TotalBlocks,
		)
	}
	if ledger != nil && ledger.TotalBlocks() != g.TotalBlocks {
		return nil, errors.Errorf(
			errors.EGEOMETRY,
			"wear ledger covers %d blocks, chip has %d",
			ledger.TotalBlocks(),
			g.TotalBlocks,
		)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.scheme.Validate(); err != nil {
		return nil, err
	}

	return &Programmer{
		transport: transport,
		geometry:  g,
		table:     table,
		ledger:    ledger,
		options:   o,
		log:       o.logger.With().Str("component", "programmer").Logger(),
	}, nil
}

func (p *Programmer) Geometry() nandkit.Geometry {
	return p.geometry
}

func (p *Programmer) Table() *bbt.Table {
	return p.table
}

func (p *Programmer) Ledger() *wear.Ledger {
	return p.ledger
}

// State returns the state of the current or most recent operation.
func (p *Programmer) State() State {
	p.stateLock.RLock()
	defer p.stateLock.RUnlock()
	return p.state
}

func (p *Programmer) setState(kind StateKind) {
	p.stateLock.Lock()
	p.state = State{Kind: kind}
	p.stateLock.Unlock()
}

// fail moves to [Failed] and returns `err` for convenience.
func (p *Programmer) fail(err error) error {
	p.stateLock.Lock()
	p.state = State{Kind: Failed, Reason: err}
	p.stateLock.Unlock()
	return err
}

// markBad records a flash-level failure and returns it as a recoverable error.
func (p *Programmer) markBad(block nandkit.BlockID, reason bbt.Reason, cause error) error {
	if _, err := p.table.Mark(block, reason); err != nil {
		return p.fail(err)
	}
	p.log.Warn().
		Uint32("block", block).
		Stringer("reason", reason).
		Err(cause).
		Msg("block marked bad")
	return p.fail(cause)
}

func (p *Programmer) checkData(data []byte) error {
	if len(data) > int(p.geometry.PageSize) {
		return errors.Errorf(
			errors.EINVAL,
			"%d bytes of data don't fit in a %d-byte page",
			len(data),
			p.geometry.PageSize,
		)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Steps

// erase runs Erasing and VerifyingErase on a block and records the erase.
func (p *Programmer) erase(ctx context.Context, block nandkit.BlockID) (uint32, error) {
	if p.table.IsBad(block) {
		return 0, p.fail(errors.ErrBadBlock.WithMessage(fmt.Sprintf("block %d", block)))
	}

	p.setState(Erasing)
	err := p.transport.EraseBlock(ctx, nandkit.PageAddress{Block: block})
	if err != nil {
		if errors.Is(err, errors.ErrEraseFailed) {
			return 0, p.markBad(block, bbt.EraseFailed, err)
		}
		return 0, p.fail(err)
	}

	if p.options.verifyErase {
		p.setState(VerifyingErase)
		for page := uint32(0); page < p.geometry.PagesPerBlock; page++ {
			raw, err := p.transport.ReadPage(ctx, nandkit.PageAddress{Block: block, Page: page})
			if err != nil {
				return 0, p.fail(err)
			}
			if !nandkit.IsErased(raw) {
				return 0, p.markBad(
					block,
					bbt.EraseFailed,
					errors.ErrEraseFailed.WithMessage(
						fmt.Sprintf("page %d:%d not blank after erase", block, page)),
				)
			}
		}
	}

	if p.ledger == nil {
		return 0, nil
	}
	count, err := p.ledger.RecordErase(block)
	if err != nil {
		return count, p.fail(err)
	}
	if p.ledger.Exhausted(block) {
		p.log.Warn().
			Uint32("block", block).
			Uint32("erase_count", count).
			Uint32("endurance", p.ledger.Endurance()).
			Msg("block is past its rated endurance")
	}
	return count, nil
}

// program runs Programming and VerifyingProgram on one page of an erased block
// and returns the number of corrected bits.
func (p *Programmer) program(ctx context.Context, addr nandkit.PageAddress, data []byte) (int, error) {
	if p.options.skipBlankPages && nandkit.IsErased(data) {
		return 0, nil
	}

	raw, cw, err := EncodeRawPage(p.geometry, p.options.scheme, data)
	if err != nil {
		return 0, p.fail(err)
	}

	p.setState(Programming)
	err = p.transport.WritePage(ctx, addr, raw)
	if err != nil {
		if errors.Is(err, errors.ErrProgramFailed) {
			return 0, p.markBad(addr.Block, bbt.ProgramFailed, err)
		}
		return 0, p.fail(err)
	}
	if p.ledger != nil {
		if err := p.ledger.RecordProgram(addr.Block); err != nil {
			return 0, p.fail(err)
		}
	}

	if !p.options.verify {
		return 0, nil
	}

	p.setState(VerifyingProgram)
	readBack, err := p.transport.ReadPage(ctx, addr)
	if err != nil {
		return 0, p.fail(err)
	}
	if len(readBack) < int(p.geometry.PageSize) {
		return 0, p.fail(errors.Errorf(
			errors.EPROTO, "short read-back of page %s: %d bytes", addr, len(readBack)))
	}

	corrected, bitErrors, err := ecc.Decode(ecc.Codeword{
		Data:   readBack[:p.geometry.PageSize],
		Parity: cw.Parity,
		Scheme: cw.Scheme,
	})
	if err != nil {
		return 0, p.markBad(
			addr.Block,
			bbt.ProgramFailed,
			errors.ErrVerifyFailed.Wrap(fmt.Errorf("page %s: %w", addr, err)),
		)
	}
	if !bytes.Equal(corrected, cw.Data) {
		return 0, p.markBad(
			addr.Block,
			bbt.ProgramFailed,
			errors.ErrVerifyFailed.WithMessage(fmt.Sprintf("page %s decoded to different data", addr)),
		)
	}
	if bitErrors > 0 {
		p.log.Info().
			Stringer("page", addr).
			Int("corrected_bits", bitErrors).
			Msg("corrected bit errors on read-back")
	}
	return bitErrors, nil
}

////////////////////////////////////////////////////////////////////////////////
// Operations

// EraseWithVerify erases a block, checks that it reads back blank, and records
// the erase. It returns the block's new erase count.
func (p *Programmer) EraseWithVerify(ctx context.Context, block nandkit.BlockID) (uint32, error) {
	if err := p.geometry.CheckBlock(block); err != nil {
		return 0, p.fail(err)
	}
	count, err := p.erase(ctx, block)
	if err != nil {
		return count, err
	}
	p.setState(Done)
	return count, nil
}

// ProgramWithVerify erases `block`, programs one page of it, and verifies the
// page through the ECC decoder. The rest of the block is left erased.
//
// Bad blocks are rejected before anything touches the chip. If the erase or
// the program fails at the flash level the block is marked bad and the error
// is recoverable (see [errors.IsRecoverable]); pick another block and retry.
func (p *Programmer) ProgramWithVerify(
	ctx context.Context,
	block nandkit.BlockID,
	page uint32,
	data []byte,
) (Report, error) {
	addr := nandkit.PageAddress{Block: block, Page: page}
	if err := p.geometry.CheckAddress(addr); err != nil {
		return Report{}, p.fail(err)
	}
	if err := p.checkData(data); err != nil {
		return Report{}, p.fail(err)
	}

	count, err := p.erase(ctx, block)
	if err != nil {
		return Report{}, err
	}
	corrected, err := p.program(ctx, addr, data)
	if err != nil {
		return Report{}, err
	}

	p.setState(Done)
	return Report{Block: block, Page: page, CorrectedBits: corrected, EraseCount: count}, nil
}

// ProgramBlock erases `block` once and programs `pages` into it in order.
// Fewer pages than the block holds leaves the rest erased.
func (p *Programmer) ProgramBlock(
	ctx context.Context,
	block nandkit.BlockID,
	pages [][]byte,
) ([]Report, error) {
	if err := p.geometry.CheckBlock(block); err != nil {
		return nil, p.fail(err)
	}
	if len(pages) > int(p.geometry.PagesPerBlock) {
		return nil, p.fail(errors.Errorf(
			errors.EINVAL,
			"%d pages don't fit in a %d-page block",
			len(pages),
			p.geometry.PagesPerBlock,
		))
	}
	for _, data := range pages {
		if err := p.checkData(data); err != nil {
			return nil, p.fail(err)
		}
	}

	count, err := p.erase(ctx, block)
	if err != nil {
		return nil, err
	}

	reports := make([]Report, 0, len(pages))
	for i, data := range pages {
		addr := nandkit.PageAddress{Block: block, Page: uint32(i)}
		corrected, err := p.program(ctx, addr, data)
		if err != nil {
			return reports, err
		}
		reports = append(
			reports,
			Report{Block: block, Page: addr.Page, CorrectedBits: corrected, EraseCount: count},
		)
	}

	p.setState(Done)
	return reports, nil
}

// ProgramAnywhere programs one page into whichever block the wear ledger
// suggests, moving on to the next candidate after a recoverable failure, at
// most RetryCount times.
func (p *Programmer) ProgramAnywhere(ctx context.Context, page uint32, data []byte) (Report, error) {
	if p.ledger == nil {
		return Report{}, p.fail(
			errors.ErrNotSupported.WithMessage("no wear ledger to allocate blocks from"))
	}

	allocator := p.ledger.NewAllocator()
	var lastErr error
	for attempt := 0; attempt <= p.options.retryCount; attempt++ {
		block, err := allocator.Next()
		if err != nil {
			if lastErr != nil {
				return Report{}, p.fail(errors.ErrNoSpace.Wrap(lastErr))
			}
			return Report{}, p.fail(err)
		}

		report, err := p.ProgramWithVerify(ctx, block, page, data)
		if err == nil {
			return report, nil
		}
		if !errors.IsRecoverable(err) {
			return Report{}, err
		}
		p.log.Info().
			Uint32("block", block).
			Int("attempt", attempt+1).
			Err(err).
			Msg("re-routing page to another block")
		lastErr = err
	}
	return Report{}, p.fail(lastErr)
}
