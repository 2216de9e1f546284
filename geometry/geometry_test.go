package geometry_test

import (
	"testing"

	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/geometry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup__LongestPrefixWins(t *testing.T) {
	chip, err := geometry.Lookup([]byte{0xEC, 0xF1, 0x00, 0x15, 0x40})
	require.NoError(t, err)
	assert.Equal(t, "k9f1g08u0d", chip.Slug)

	chip, err = geometry.Lookup([]byte{0xEC, 0xF1, 0x00, 0x95, 0x40})
	require.NoError(t, err)
	assert.Equal(t, "k9f1g08", chip.Slug, "only the family prefix matches")
	assert.EqualValues(t, 2048, chip.Geometry().PageSize)
	assert.EqualValues(t, 1024, chip.Geometry().TotalBlocks)
}

func TestLookup__Unknown(t *testing.T) {
	_, err := geometry.Lookup([]byte{0x00, 0x00})
	assert.ErrorIs(t, err, geometry.ErrUnknownChip)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = geometry.Lookup(nil)
	assert.ErrorIs(t, err, geometry.ErrUnknownChip)
}

func TestBySlug(t *testing.T) {
	chip, err := geometry.BySlug("MT29F4G16ABADA")
	require.NoError(t, err)
	assert.EqualValues(t, 16, chip.BusWidth)
	assert.Equal(t, []byte{0x2C, 0xCC, 0x90, 0x55}, chip.IDBytes())
	assert.Equal(t, "Micron MT29F4G16ABADA", chip.String())

	_, err = geometry.BySlug("nope")
	assert.ErrorIs(t, err, geometry.ErrUnknownChip)
}

func TestAll__EveryEntryIsValid(t *testing.T) {
	chips := geometry.All()
	require.NotEmpty(t, chips)
	for i, chip := range chips {
		assert.NoErrorf(t, chip.Geometry().Validate(), "chip %s", chip.Slug)
		assert.Positivef(t, chip.Endurance, "chip %s", chip.Slug)
		assert.Equalf(t, chip.Manufacturer, geometry.Manufacturer(chip.IDBytes()[0]), "chip %s", chip.Slug)
		if i > 0 {
			assert.Less(t, chips[i-1].Slug, chip.Slug)
		}
	}
}

func TestManufacturer__Unknown(t *testing.T) {
	assert.Equal(t, "unknown (0x42)", geometry.Manufacturer(0x42))
}
