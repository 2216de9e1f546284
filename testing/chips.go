package testing

import (
	"context"
	"testing"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/sim"
	"github.com/dargueta/nandkit/wear"
	"github.com/stretchr/testify/require"
)

// DefaultEndurance is the erase limit given to ledgers created by [NewDevice].
const DefaultEndurance = 3000

// SmallGeometry is a chip small enough to copy in full in every test.
var SmallGeometry = nandkit.Geometry{
	PageSize:      512,
	OOBSize:       16,
	PagesPerBlock: 4,
	TotalBlocks:   32,
	BusWidth:      8,
}

// TestChipID is the identifier simulated chips report unless told otherwise.
var TestChipID = []byte{0xEC, 0xF1, 0x00, 0x95, 0x40}

// NewChip creates an in-memory simulated chip with factory markers on
// `factoryBad`.
func NewChip(t *testing.T, g nandkit.Geometry, factoryBad ...nandkit.BlockID) *sim.Chip {
	chip, err := sim.New(g, TestChipID, sim.WithFactoryBadBlocks(factoryBad...))
	require.NoError(t, err, "failed to create simulated chip")
	return chip
}

// Device is a simulated chip together with the tables a host keeps for it.
type Device struct {
	Chip   *sim.Chip
	Table  *bbt.Table
	Ledger *wear.Ledger
}

// NewDevice creates a simulated chip and builds its bad block table by
// scanning, the way a host would on first connect.
func NewDevice(t *testing.T, g nandkit.Geometry, factoryBad ...nandkit.BlockID) Device {
	chip := NewChip(t, g, factoryBad...)
	table, err := bbt.Scan(context.Background(), g, chip.ReadPage)
	require.NoError(t, err, "scanning simulated chip failed")
	return Device{
		Chip:   chip,
		Table:  table,
		Ledger: wear.New(g.TotalBlocks, DefaultEndurance, table),
	}
}
