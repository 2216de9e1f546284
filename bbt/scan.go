package bbt

import (
	"context"
	"fmt"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/job"
)

// The factory bad-block marker lives in the first spare byte of the first page
// of every block. Good blocks leave the factory with it erased.
const (
	MarkerPage   = 0
	MarkerOffset = 0
)

// IsFactoryMarked inspects a raw page (data followed by spare area) read from
// [MarkerPage] of a block.
func IsFactoryMarked(g nandkit.Geometry, raw []byte) bool {
	position := int(g.PageSize) + MarkerOffset
	if g.OOBSize == 0 || position >= len(raw) {
		return false
	}
	return raw[position] != nandkit.ErasedByte
}

// Scanner walks every block of a chip looking for factory markers, one block
// per step. Blocks found marked are recorded in the target table as
// [FactoryMarked]; entries already in the table are left alone.
type Scanner struct {
	geometry nandkit.Geometry
	read     nandkit.ReadPageFunc
	table    *Table
	next     nandkit.BlockID
	progress *job.Progress
}

// NewScanner creates a scanner writing into `into`. Pass [New] for a fresh
// table.
func NewScanner(g nandkit.Geometry, read nandkit.ReadPageFunc, into *Table) *Scanner {
	return &Scanner{
		geometry: g,
		read:     read,
		table:    into,
		progress: job.NewProgress(g.TotalBlocks),
	}
}

func (s *Scanner) Step(ctx context.Context) (bool, error) {
	if s.next >= s.geometry.TotalBlocks {
		return true, nil
	}

	block := s.next
	s.progress.Begin(block)
	raw, err := s.read(ctx, nandkit.PageAddress{Block: block, Page: MarkerPage})
	if err != nil {
		return false, fmt.Errorf("reading marker page of block %d: %w", block, err)
	}

	if IsFactoryMarked(s.geometry, raw) {
		if !s.table.IsBad(block) {
			if _, err := s.table.Mark(block, FactoryMarked); err != nil {
				return false, err
			}
		}
		s.progress.Skip(block, nil)
	} else {
		s.progress.Complete(block)
	}

	s.next++
	return s.next >= s.geometry.TotalBlocks, nil
}

func (s *Scanner) Progress() *job.Progress {
	return s.progress
}

func (s *Scanner) Table() *Table {
	return s.table
}

// Scan builds a new table by checking the factory marker of every block.
func Scan(ctx context.Context, g nandkit.Geometry, read nandkit.ReadPageFunc) (*Table, error) {
	scanner := NewScanner(g, read, New(g.TotalBlocks))
	result := job.Run(ctx, scanner, nil)
	if result.Err != nil {
		return nil, result.Err
	}
	return scanner.table, nil
}
