// Package wear tracks how many times each block has been erased and advises
// where the next write should go so that wear spreads evenly.
package wear

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/errors"
)

// Record is the wear state of a single block.
type Record struct {
	Block        nandkit.BlockID
	EraseCount   uint32
	ProgramCount uint32
}

// Ledger holds a wear record for every block of one chip. Blocks present in
// the attached bad block table are excluded from every query.
type Ledger struct {
	lock      sync.RWMutex
	endurance uint32
	erases    []uint32
	programs  []uint32
	table     *bbt.Table
}

// New creates a ledger with every erase count at zero. `endurance` is the
// rated number of erase cycles per block; 0 means unknown. `table` may be nil
// if no blocks are bad.
func New(totalBlocks uint32, endurance uint32, table *bbt.Table) *Ledger {
	return &Ledger{
		endurance: endurance,
		erases:    make([]uint32, totalBlocks),
		programs:  make([]uint32, totalBlocks),
		table:     table,
	}
}

// AttachTable replaces the bad block table consulted by the ledger.
func (l *Ledger) AttachTable(table *bbt.Table) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.table = table
}

func (l *Ledger) TotalBlocks() uint32 {
	return uint32(len(l.erases))
}

func (l *Ledger) Endurance() uint32 {
	return l.endurance
}

func (l *Ledger) isBad(block nandkit.BlockID) bool {
	return l.table != nil && l.table.IsBad(block)
}

// isSpare reports whether `block` sits in the table's spare reserve, which
// only the table hands out.
func (l *Ledger) isSpare(block nandkit.BlockID) bool {
	return l.table != nil && block >= l.table.LogicalBlocks()
}

func (l *Ledger) checkBlock(block nandkit.BlockID) error {
	if int(block) >= len(l.erases) {
		return errors.Errorf(
			errors.ERANGE, "block %d not in range [0, %d)", block, len(l.erases))
	}
	if l.isBad(block) {
		return errors.ErrBadBlock.WithMessage(fmt.Sprintf("block %d", block))
	}
	return nil
}

// RecordErase counts one successful erase of `block` and returns its new erase
// count. Bad blocks are rejected.
func (l *Ledger) RecordErase(block nandkit.BlockID) (uint32, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.checkBlock(block); err != nil {
		return 0, err
	}
	if l.erases[block] == math.MaxUint32 {
		return l.erases[block], errors.ErrWearLimitExceeded.WithMessage(
			fmt.Sprintf("erase counter of block %d saturated", block))
	}
	l.erases[block]++
	return l.erases[block], nil
}

// RecordProgram counts one successful page program in `block`.
func (l *Ledger) RecordProgram(block nandkit.BlockID) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.checkBlock(block); err != nil {
		return err
	}
	if l.programs[block] < math.MaxUint32 {
		l.programs[block]++
	}
	return nil
}

func (l *Ledger) EraseCount(block nandkit.BlockID) uint32 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	if int(block) >= len(l.erases) {
		return 0
	}
	return l.erases[block]
}

// Exhausted reports whether `block` has reached its rated endurance.
func (l *Ledger) Exhausted(block nandkit.BlockID) bool {
	return l.endurance > 0 && l.EraseCount(block) >= l.endurance
}

// Records returns the records of every good block in index order.
func (l *Ledger) Records() []Record {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.recordsLocked()
}

func (l *Ledger) recordsLocked() []Record {
	records := make([]Record, 0, len(l.erases))
	for i := range l.erases {
		block := nandkit.BlockID(i)
		if l.isBad(block) {
			continue
		}
		records = append(records, Record{
			Block:        block,
			EraseCount:   l.erases[i],
			ProgramCount: l.programs[i],
		})
	}
	return records
}

func (l *Ledger) averageLocked() (float64, int) {
	var total uint64
	count := 0
	for i, erases := range l.erases {
		if l.isBad(nandkit.BlockID(i)) {
			continue
		}
		total += uint64(erases)
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return float64(total) / float64(count), count
}

// RemainingLifePercent estimates how much of the chip's rated endurance is
// left, from the average erase count of its good blocks. The result is in
// [0, 100].
func (l *Ledger) RemainingLifePercent() float64 {
	l.lock.RLock()
	defer l.lock.RUnlock()

	if l.endurance == 0 {
		return 100
	}
	average, count := l.averageLocked()
	if count == 0 {
		return 0
	}
	remaining := (1 - average/float64(l.endurance)) * 100
	return math.Max(0, math.Min(100, remaining))
}

// Hottest returns up to n good blocks with the highest erase counts, none if n
// isn't positive. Ties go to the lower block index.
func (l *Ledger) Hottest(n int) []Record {
	records := l.Records()
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EraseCount > records[j].EraseCount
	})
	return records[:min(max(n, 0), len(records))]
}

// Coldest returns up to n good blocks with the lowest erase counts, none if n
// isn't positive. Ties go to the lower block index.
func (l *Ledger) Coldest(n int) []Record {
	records := l.Records()
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].EraseCount < records[j].EraseCount
	})
	return records[:min(max(n, 0), len(records))]
}

// NextAllocationCandidate returns the least-erased good block outside the
// table's spare reserve, the lowest index among equals. It fails with
// [errors.ErrNoSpace] if there is none.
func (l *Ledger) NextAllocationCandidate() (nandkit.BlockID, error) {
	return l.coldestExcluding(nil)
}

func (l *Ledger) coldestExcluding(excluded func(nandkit.BlockID) bool) (nandkit.BlockID, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	best := -1
	for i, erases := range l.erases {
		block := nandkit.BlockID(i)
		if l.isBad(block) || l.isSpare(block) || (excluded != nil && excluded(block)) {
			continue
		}
		if best < 0 || erases < l.erases[best] {
			best = i
		}
	}
	if best < 0 {
		return 0, errors.ErrNoSpace.WithMessage("no good blocks left to allocate")
	}
	return nandkit.BlockID(best), nil
}

// NeedsLeveling reports whether the spread between the most and least erased
// good blocks exceeds `threshold`.
func (l *Ledger) NeedsLeveling(threshold uint32) bool {
	stats := l.Stats()
	return stats.TrackedBlocks > 0 && stats.MaxEraseCount-stats.MinEraseCount > threshold
}

// Pair suggests moving the contents of a hot block onto a cold one.
type Pair struct {
	Hot  nandkit.BlockID
	Cold nandkit.BlockID
}

// LevelingCandidates pairs blocks erased more than 1.5x the average, hottest
// first, with blocks erased less than 0.5x the average, coldest first.
func (l *Ledger) LevelingCandidates() []Pair {
	l.lock.RLock()
	average, _ := l.averageLocked()
	records := l.recordsLocked()
	l.lock.RUnlock()

	var hot, cold []Record
	for _, record := range records {
		count := float64(record.EraseCount)
		if count > average*1.5 {
			hot = append(hot, record)
		} else if count < average*0.5 {
			cold = append(cold, record)
		}
	}
	sort.SliceStable(hot, func(i, j int) bool { return hot[i].EraseCount > hot[j].EraseCount })
	sort.SliceStable(cold, func(i, j int) bool { return cold[i].EraseCount < cold[j].EraseCount })

	pairs := make([]Pair, 0, min(len(hot), len(cold)))
	for i := 0; i < len(hot) && i < len(cold); i++ {
		pairs = append(pairs, Pair{Hot: hot[i].Block, Cold: cold[i].Block})
	}
	return pairs
}

// Stats summarizes the wear of the good blocks.
type Stats struct {
	TotalBlocks          uint32
	TrackedBlocks        uint32
	MinEraseCount        uint32
	MaxEraseCount        uint32
	AverageEraseCount    float64
	Endurance            uint32
	RemainingLifePercent float64
	// OverEndurance counts good blocks at or past the rated endurance.
	OverEndurance uint32
}

func (l *Ledger) Stats() Stats {
	remaining := l.RemainingLifePercent()

	l.lock.RLock()
	defer l.lock.RUnlock()

	stats := Stats{
		TotalBlocks:          uint32(len(l.erases)),
		Endurance:            l.endurance,
		RemainingLifePercent: remaining,
	}
	first := true
	for i, erases := range l.erases {
		if l.isBad(nandkit.BlockID(i)) {
			continue
		}
		stats.TrackedBlocks++
		if first || erases < stats.MinEraseCount {
			stats.MinEraseCount = erases
		}
		if first || erases > stats.MaxEraseCount {
			stats.MaxEraseCount = erases
		}
		if l.endurance > 0 && erases >= l.endurance {
			stats.OverEndurance++
		}
		first = false
	}
	stats.AverageEraseCount, _ = l.averageLocked()
	return stats
}
