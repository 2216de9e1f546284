// Package bbt keeps the registry of unusable blocks on a chip.
//
// [Table.IsBad] is the allocation gate: nothing may erase or program a block
// for which it returns true.
package bbt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
)

type Reason uint8

const (
	FactoryMarked Reason = iota + 1
	EraseFailed
	ProgramFailed
	UncorrectableEcc
	WornOut
	UserMarked
)

func (r Reason) String() string {
	switch r {
	case FactoryMarked:
		return "factory-marked"
	case EraseFailed:
		return "erase-failed"
	case ProgramFailed:
		return "program-failed"
	case UncorrectableEcc:
		return "uncorrectable-ecc"
	case WornOut:
		return "worn-out"
	case UserMarked:
		return "user-marked"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

func (r Reason) Valid() bool {
	return r >= FactoryMarked && r <= UserMarked
}

// ParseReason is the inverse of [Reason.String].
func ParseReason(name string) (Reason, error) {
	for r := FactoryMarked; r <= UserMarked; r++ {
		if r.String() == name {
			return r, nil
		}
	}
	return 0, errors.Errorf(errors.EINVAL, "unknown bad block reason %q", name)
}

// Entry is a single bad block. DetectedAt is a logical clock value owned by
// the table that recorded it, not wall time. Replacement is the spare block
// standing in for Block, or 0 if there is none; block 0 is never a spare.
type Entry struct {
	Block       nandkit.BlockID
	Reason      Reason
	DetectedAt  uint64
	Replacement nandkit.BlockID
}

// Table is the bad block registry for one chip. It is safe for concurrent use.
//
// A table can set aside the last blocks of the chip as a spare reserve with
// [Table.Reserve]. Blocks below the reserve are logical blocks; when one of
// them goes bad it is handed the first free good spare, and [Table.Translate]
// leads there from then on.
type Table struct {
	lock        sync.RWMutex
	totalBlocks uint32
	spareStart  uint32
	badBlocks   bitmap.Bitmap
	entries     map[nandkit.BlockID]Entry
	// owners maps each spare in use to the logical block it replaces.
	owners map[nandkit.BlockID]nandkit.BlockID
	clock  uint64
}

// New creates an empty table for a chip with `totalBlocks` blocks and no spare
// reserve.
func New(totalBlocks uint32) *Table {
	return &Table{
		totalBlocks: totalBlocks,
		spareStart:  totalBlocks,
		badBlocks:   bitmap.New(int(totalBlocks)),
		entries:     make(map[nandkit.BlockID]Entry),
		owners:      make(map[nandkit.BlockID]nandkit.BlockID),
	}
}

// SpareCount gives how many blocks `percent` percent of `totalBlocks` is,
// rounded down.
func SpareCount(totalBlocks uint32, percent int) uint32 {
	if percent <= 0 {
		return 0
	}
	return uint32(uint64(totalBlocks) * uint64(percent) / 100)
}

func (t *Table) TotalBlocks() uint32 {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.totalBlocks
}

// Reserve sets aside the last `count` blocks of the chip as spares and hands
// one to every bad logical block that has none, lowest block first, while they
// last. The reserve can't be resized once a spare is in use.
func (t *Table) Reserve(count uint32) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if count >= t.totalBlocks && count > 0 {
		return errors.Errorf(
			errors.ERANGE, "can't reserve %d spares on a %d-block chip", count, t.totalBlocks)
	}
	start := t.totalBlocks - count
	if start == t.spareStart {
		return nil
	}
	if len(t.owners) > 0 {
		return errors.ErrBusy.WithMessage(fmt.Sprintf(
			"%d spare blocks are in use, the reserve can't change", len(t.owners)))
	}

	t.spareStart = start
	for _, block := range t.sortedBlocksLocked() {
		if block < start {
			t.assignLocked(block)
		}
	}
	return nil
}

// LogicalBlocks gives the number of blocks in front of the spare reserve,
// which is every block if there is no reserve.
func (t *Table) LogicalBlocks() uint32 {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.spareStart
}

// Spares gives the size of the spare reserve, bad spares included.
func (t *Table) Spares() uint32 {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.totalBlocks - t.spareStart
}

// AvailableSpares counts the good spares not yet handed out.
func (t *Table) AvailableSpares() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	available := 0
	for block := t.spareStart; block < t.totalBlocks; block++ {
		if _, used := t.owners[block]; !used && !t.badBlocks.Get(int(block)) {
			available++
		}
	}
	return available
}

// Replacement gives the spare standing in for `block`, if any.
func (t *Table) Replacement(block nandkit.BlockID) (nandkit.BlockID, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	entry, ok := t.entries[block]
	if !ok || entry.Replacement == 0 {
		return 0, false
	}
	return entry.Replacement, true
}

// Translate gives the physical block holding logical block `block`: the block
// itself while it is good, otherwise its replacement. A bad block without one
// gives [errors.ErrNoSpareBlocks]; a block inside the spare reserve is not a
// logical block and gives [errors.ErrAddressOutOfRange].
func (t *Table) Translate(block nandkit.BlockID) (nandkit.BlockID, error) {
	t.lock.RLock()
	defer t.lock.RUnlock()

	if block >= t.spareStart {
		return 0, errors.Errorf(
			errors.ERANGE, "block %d not in the %d logical blocks", block, t.spareStart)
	}
	if !t.badBlocks.Get(int(block)) {
		return block, nil
	}
	if replacement := t.entries[block].Replacement; replacement != 0 {
		return replacement, nil
	}
	return 0, errors.ErrNoSpareBlocks.WithMessage(
		fmt.Sprintf("block %d is bad and has no replacement", block))
}

// IsBad reports whether `block` must be kept out of use. Blocks that don't
// exist on the chip are reported as bad.
func (t *Table) IsBad(block nandkit.BlockID) bool {
	t.lock.RLock()
	defer t.lock.RUnlock()
	if block >= t.totalBlocks {
		return true
	}
	return t.badBlocks.Get(int(block))
}

// Mark records `block` as bad. Marking a block again with the same reason is a
// no-op; a different reason replaces the entry. The return value tells whether
// the table changed.
//
// A logical block gets a spare if the reserve has one left. A spare that goes
// bad while in use is swapped for another, and the logical block it stood in
// for loses its replacement if there is none. Running out of spares is not an
// error here; [Table.Translate] reports it.
func (t *Table) Mark(block nandkit.BlockID, reason Reason) (bool, error) {
	if !reason.Valid() {
		return false, errors.Errorf(errors.EINVAL, "invalid bad block reason %d", reason)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	if block >= t.totalBlocks {
		return false, errors.Errorf(
			errors.ERANGE, "block %d not in range [0, %d)", block, t.totalBlocks)
	}

	existing, ok := t.entries[block]
	if ok && existing.Reason == reason {
		return false, nil
	}

	t.clock++
	t.entries[block] = Entry{
		Block:       block,
		Reason:      reason,
		DetectedAt:  t.clock,
		Replacement: existing.Replacement,
	}
	t.badBlocks.Set(int(block), true)

	if block < t.spareStart {
		t.assignLocked(block)
	} else if logical, used := t.owners[block]; used {
		delete(t.owners, block)
		entry := t.entries[logical]
		entry.Replacement = 0
		t.entries[logical] = entry
		t.assignLocked(logical)
	}
	return true, nil
}

// assignLocked hands the first free good spare to bad logical block `block`
// unless it already has one.
func (t *Table) assignLocked(block nandkit.BlockID) {
	entry := t.entries[block]
	if entry.Replacement != 0 {
		return
	}
	for spare := t.spareStart; spare < t.totalBlocks; spare++ {
		if _, used := t.owners[spare]; used || t.badBlocks.Get(int(spare)) {
			continue
		}
		entry.Replacement = spare
		t.entries[block] = entry
		t.owners[spare] = block
		return
	}
}

func (t *Table) sortedBlocksLocked() []nandkit.BlockID {
	blocks := make([]nandkit.BlockID, 0, len(t.entries))
	for block := range t.entries {
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return blocks
}

// Clear removes `block` from the table. Only an operator should do this. A
// replacement the block had goes back to the reserve, so whatever was written
// to it is no longer reachable through [Table.Translate].
func (t *Table) Clear(block nandkit.BlockID) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	entry, ok := t.entries[block]
	if !ok {
		return false
	}
	delete(t.entries, block)
	t.badBlocks.Set(int(block), false)
	if entry.Replacement != 0 {
		delete(t.owners, entry.Replacement)
	}
	return true
}

func (t *Table) Lookup(block nandkit.BlockID) (Entry, bool) {
	t.lock.RLock()
	defer t.lock.RUnlock()
	entry, ok := t.entries[block]
	return entry, ok
}

// Entries returns every entry sorted by block index.
func (t *Table) Entries() []Entry {
	t.lock.RLock()
	defer t.lock.RUnlock()

	entries := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Block < entries[j].Block })
	return entries
}

// BadBlocks returns the indices of every bad block in ascending order.
func (t *Table) BadBlocks() []nandkit.BlockID {
	entries := t.Entries()
	blocks := make([]nandkit.BlockID, len(entries))
	for i, entry := range entries {
		blocks[i] = entry.Block
	}
	return blocks
}

func (t *Table) Count() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.entries)
}

// GoodBlocks gives the number of blocks not in the table, spares included.
func (t *Table) GoodBlocks() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return int(t.totalBlocks) - len(t.entries)
}

// Clone returns an independent copy of the table.
func (t *Table) Clone() *Table {
	t.lock.RLock()
	defer t.lock.RUnlock()

	clone := New(t.totalBlocks)
	clone.spareStart = t.spareStart
	clone.clock = t.clock
	for block, entry := range t.entries {
		clone.entries[block] = entry
		clone.badBlocks.Set(int(block), true)
	}
	for spare, block := range t.owners {
		clone.owners[spare] = block
	}
	return clone
}

// Merge adds every entry of `other` that isn't already in this table. Existing
// entries keep their reason.
func (t *Table) Merge(other *Table) error {
	if other.TotalBlocks() != t.TotalBlocks() {
		return errors.Errorf(
			errors.EGEOMETRY,
			"can't merge a %d-block table into a %d-block table",
			other.TotalBlocks(),
			t.TotalBlocks(),
		)
	}
	for _, entry := range other.Entries() {
		if t.IsBad(entry.Block) {
			continue
		}
		if _, err := t.Mark(entry.Block, entry.Reason); err != nil {
			return err
		}
	}
	return nil
}
