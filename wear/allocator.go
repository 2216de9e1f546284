package wear

import (
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
)

// Allocator hands out blocks for a multi-block placement, always the coldest
// good block not handed out yet. It never gives the same block twice.
type Allocator struct {
	ledger    *Ledger
	handedOut bitmap.Bitmap
	count     int
}

func (l *Ledger) NewAllocator() *Allocator {
	return &Allocator{
		ledger:    l,
		handedOut: bitmap.New(len(l.erases)),
	}
}

// Next allocates one block. It fails with [errors.ErrNoSpace] once every good
// block has been handed out.
func (a *Allocator) Next() (nandkit.BlockID, error) {
	block, err := a.ledger.coldestExcluding(a.IsAllocated)
	if err != nil {
		return 0, err
	}
	a.handedOut.Set(int(block), true)
	a.count++
	return block, nil
}

// Reserve keeps `block` from ever being handed out by this allocator.
func (a *Allocator) Reserve(block nandkit.BlockID) error {
	if int(block) >= len(a.ledger.erases) {
		return errors.Errorf(
			errors.ERANGE, "block %d not in range [0, %d)", block, len(a.ledger.erases))
	}
	if a.IsAllocated(block) {
		return errors.ErrExists.WithMessage(fmt.Sprintf("block %d already allocated", block))
	}
	a.handedOut.Set(int(block), true)
	a.count++
	return nil
}

func (a *Allocator) IsAllocated(block nandkit.BlockID) bool {
	if int(block) >= len(a.ledger.erases) {
		return false
	}
	return a.handedOut.Get(int(block))
}

// Allocated gives the number of blocks handed out or reserved.
func (a *Allocator) Allocated() int {
	return a.count
}
