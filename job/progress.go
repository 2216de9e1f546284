// Package job drives long-running operations (full-chip program, clone, scan)
// one unit of work at a time.
//
// An operation is a [Stepper]: each call to Step performs exactly one unit,
// usually one block, and returns. Aborts and cancellation are only looked at
// between calls, so a unit is either fully recorded or not started at all.
package job

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Snapshot is a point-in-time copy of an operation's progress. It is safe to
// hold on to and share.
type Snapshot struct {
	TotalUnits          uint32
	CompletedUnits      uint32
	CurrentBlock        uint32
	StartedAt           time.Time
	EstimatedCompletion time.Time
	// LastError is the most recent per-block error, or nil.
	LastError error
	// Skipped lists blocks that were routed around, in the order encountered.
	Skipped []uint32
}

// Fraction gives completion in [0, 1].
func (s Snapshot) Fraction() float64 {
	if s.TotalUnits == 0 {
		return 1
	}
	return float64(s.CompletedUnits) / float64(s.TotalUnits)
}

// Progress is the mutable progress record of one operation. Only the operation
// itself writes to it; everyone else calls [Progress.Snapshot].
type Progress struct {
	lock        sync.RWMutex
	snapshot    Snapshot
	blockErrors *multierror.Error
	now         func() time.Time
}

func NewProgress(totalUnits uint32) *Progress {
	return &Progress{
		snapshot: Snapshot{TotalUnits: totalUnits},
		now:      time.Now,
	}
}

// SetClock replaces the time source. Tests use this to get stable estimates.
func (p *Progress) SetClock(now func() time.Time) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.now = now
}

func (p *Progress) SetTotal(totalUnits uint32) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.snapshot.TotalUnits = totalUnits
}

// Begin marks the start of the operation if it hasn't been marked already, and
// records the block the next unit works on.
func (p *Progress) Begin(block uint32) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.snapshot.StartedAt.IsZero() {
		p.snapshot.StartedAt = p.now()
	}
	p.snapshot.CurrentBlock = block
}

// Complete records one finished unit.
func (p *Progress) Complete(block uint32) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.completeLocked(block)
}

// Skip records one finished unit whose block was routed around. `err` may be
// nil when the block was already known to be bad.
func (p *Progress) Skip(block uint32, err error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.snapshot.Skipped = append(p.snapshot.Skipped, block)
	if err != nil {
		p.snapshot.LastError = err
		p.blockErrors = multierror.Append(p.blockErrors, err)
	}
	p.completeLocked(block)
}

// NoteError records a per-block error on a unit that still completed, such as
// a destination block that was replaced by another.
func (p *Progress) NoteError(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.snapshot.LastError = err
	p.blockErrors = multierror.Append(p.blockErrors, err)
}

func (p *Progress) completeLocked(block uint32) {
	now := p.now()
	if p.snapshot.StartedAt.IsZero() {
		p.snapshot.StartedAt = now
	}
	p.snapshot.CurrentBlock = block
	p.snapshot.CompletedUnits++

	done := p.snapshot.CompletedUnits
	remaining := int64(p.snapshot.TotalUnits) - int64(done)
	if remaining < 0 {
		remaining = 0
	}
	elapsed := now.Sub(p.snapshot.StartedAt)
	perUnit := elapsed / time.Duration(done)
	p.snapshot.EstimatedCompletion = now.Add(perUnit * time.Duration(remaining))
}

func (p *Progress) Snapshot() Snapshot {
	p.lock.RLock()
	defer p.lock.RUnlock()

	s := p.snapshot
	s.Skipped = append([]uint32(nil), p.snapshot.Skipped...)
	return s
}

// BlockErrors returns every per-block error recorded so far, or nil.
func (p *Progress) BlockErrors() error {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return p.blockErrors.ErrorOrNil()
}
