package cloner_test

import (
	"context"
	"testing"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/cloner"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/job"
	"github.com/dargueta/nandkit/sim"
	"github.com/dargueta/nandkit/wear"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func geometryWithBlocks(blocks uint32) nandkit.Geometry {
	return nandkit.Geometry{
		PageSize:      512,
		OOBSize:       16,
		PagesPerBlock: 4,
		TotalBlocks:   blocks,
		BusWidth:      8,
	}
}

func blockPattern(block nandkit.BlockID) []byte {
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(block) ^ byte(i*3)
	}
	return data
}

// newSource creates a chip with factory-bad blocks and a distinct first page in
// every good block, plus its scanned table.
func newSource(t *testing.T, blocks uint32, bad ...nandkit.BlockID) cloner.Endpoint {
	ctx := context.Background()
	g := geometryWithBlocks(blocks)
	chip, err := sim.New(g, []byte{0xFA, 0x01}, sim.WithFactoryBadBlocks(bad...))
	require.NoError(t, err)

	table, err := bbt.Scan(ctx, g, chip.ReadPage)
	require.NoError(t, err)
	for block := nandkit.BlockID(0); block < blocks; block++ {
		if table.IsBad(block) {
			continue
		}
		err := chip.WritePage(ctx, nandkit.PageAddress{Block: block}, blockPattern(block))
		require.NoError(t, err)
	}
	return cloner.Endpoint{Transport: chip, Geometry: g, Table: table}
}

func newDestination(t *testing.T, blocks uint32, bad ...nandkit.BlockID) (*sim.Chip, cloner.Endpoint) {
	g := geometryWithBlocks(blocks)
	chip, err := sim.New(g, []byte{0xFA, 0x02}, sim.WithFactoryBadBlocks(bad...))
	require.NoError(t, err)
	return chip, cloner.Endpoint{Transport: chip, Geometry: g}
}

func readFirstPage(t *testing.T, chip *sim.Chip, block nandkit.BlockID) []byte {
	raw, err := chip.ReadPage(context.Background(), nandkit.PageAddress{Block: block})
	require.NoError(t, err)
	return raw[:512]
}

func TestClone__WearAwareSkipsSourceAndDestinationBadBlocks(t *testing.T) {
	source := newSource(t, 100, 10)
	destChip, dest := newDestination(t, 100, 50)

	saves := 0
	store := cloner.MappingStoreFunc(func(m *cloner.Mapping) error {
		if saves == 0 {
			assert.Zero(t, destChip.Stats().Writes, "mapping must be saved before the first write")
			assert.Zero(t, destChip.Stats().Erases)
		}
		saves++
		return nil
	})

	mapping, result, err := cloner.Clone(
		context.Background(), source, dest, cloner.WearAware, cloner.Store(store))
	require.NoError(t, err)
	assert.Equal(t, job.CompletedWithSkippedBlocks, result.Status)
	assert.Equal(t, []uint32{10}, result.Skipped)
	assert.Equal(t, 1, saves)

	require.Equal(t, 99, mapping.Len())
	assert.Equal(t, cloner.WearAware, mapping.Mode)
	seen := map[nandkit.BlockID]bool{}
	for _, pair := range mapping.Pairs() {
		assert.NotEqualValues(t, 10, pair.Source)
		assert.NotEqualValues(t, 50, pair.Destination, "mapped onto a bad destination block")
		assert.False(t, seen[pair.Destination], "destination %d used twice", pair.Destination)
		seen[pair.Destination] = true

		assert.Equal(t, blockPattern(pair.Source), readFirstPage(t, destChip, pair.Destination))
	}
}

func TestClone__ScansDestinationFirst(t *testing.T) {
	source := newSource(t, 8)
	_, dest := newDestination(t, 10, 2, 7)

	c, err := cloner.New(source, dest, cloner.SkipBad)
	require.NoError(t, err)
	assert.Equal(t, cloner.ScanningTarget, c.Phase())
	assert.Nil(t, c.Mapping())

	result := job.Run(context.Background(), c, nil)
	require.NoError(t, result.Err)
	assert.Equal(t, job.Completed, result.Status)
	assert.Equal(t, cloner.Complete, c.Phase())
	assert.Equal(t, []nandkit.BlockID{2, 7}, c.DestinationTable().BadBlocks())

	assert.Equal(
		t,
		[]cloner.Pair{
			{0, 0}, {1, 1}, {2, 3}, {3, 4}, {4, 5}, {5, 6}, {6, 8}, {7, 9},
		},
		c.Mapping().Pairs(),
	)
}

func TestClone__ExactRejectsSourceBadBlocksBeforeWriting(t *testing.T) {
	source := newSource(t, 8, 3)
	destChip, dest := newDestination(t, 8)

	_, result, err := cloner.Clone(context.Background(), source, dest, cloner.Exact)
	assert.ErrorIs(t, err, errors.ErrNotSupported)
	assert.Equal(t, errors.ClassPrecondition, errors.ClassOf(err))
	assert.Equal(t, job.Failed, result.Status)
	assert.Zero(t, destChip.Stats().Writes)
	assert.Zero(t, destChip.Stats().Erases)
}

func TestClone__ExactRejectsDestinationBadBlock(t *testing.T) {
	source := newSource(t, 8)
	destChip, dest := newDestination(t, 8, 5)

	_, _, err := cloner.Clone(context.Background(), source, dest, cloner.Exact)
	assert.ErrorIs(t, err, errors.ErrNoSpace)
	assert.Zero(t, destChip.Stats().Erases)
}

func TestClone__ExactCopiesBlockForBlock(t *testing.T) {
	source := newSource(t, 6)
	destChip, dest := newDestination(t, 6)

	mapping, result, err := cloner.Clone(context.Background(), source, dest, cloner.Exact)
	require.NoError(t, err)
	assert.Equal(t, job.Completed, result.Status)
	for _, pair := range mapping.Pairs() {
		assert.Equal(t, pair.Source, pair.Destination)
		assert.Equal(t, blockPattern(pair.Source), readFirstPage(t, destChip, pair.Destination))
	}
	assert.Equal(t, 6, mapping.Len())
}

func TestClone__CopiesPagesWithForeignSpareLayout(t *testing.T) {
	ctx := context.Background()
	source := newSource(t, 8)
	destChip, dest := newDestination(t, 8)

	g := source.Geometry
	raw := make([]byte, g.RawPageSize())
	copy(raw, blockPattern(42))
	spare := raw[g.PageSize:]
	for i := range spare {
		spare[i] = byte(0x3C + i*11)
	}
	spare[0] = 0xFF
	spare[1] = 0x2A
	addr := nandkit.PageAddress{Block: 3, Page: 1}
	require.NoError(t, source.Transport.WritePage(ctx, addr, raw))

	mapping, result, err := cloner.Clone(ctx, source, dest, cloner.SkipBad)
	require.NoError(t, err)
	assert.Equal(t, job.Completed, result.Status)
	assert.Empty(t, result.Skipped)
	assert.False(t, source.Table.IsBad(3))
	assert.Equal(t, 8, mapping.Len())

	target, ok := mapping.Lookup(3)
	require.True(t, ok)
	copied, err := destChip.ReadPage(ctx, nandkit.PageAddress{Block: target, Page: 1})
	require.NoError(t, err)
	assert.Equal(t, blockPattern(42), copied[:g.PageSize])
}

func TestClone__ReadsRemappedSourceBlocksFromTheirSpares(t *testing.T) {
	ctx := context.Background()
	g := geometryWithBlocks(10)
	chip, err := sim.New(g, []byte{0xFA, 0x01})
	require.NoError(t, err)
	table := bbt.New(10)
	require.NoError(t, table.Reserve(2))
	_, err = table.Mark(3, bbt.ProgramFailed)
	require.NoError(t, err)

	for block := nandkit.BlockID(0); block < table.LogicalBlocks(); block++ {
		physical, err := table.Translate(block)
		require.NoError(t, err)
		require.NoError(t, chip.WritePage(ctx, nandkit.PageAddress{Block: physical}, blockPattern(block)))
	}
	source := cloner.Endpoint{Transport: chip, Geometry: g, Table: table}
	destChip, dest := newDestination(t, 10)

	mapping, result, err := cloner.Clone(ctx, source, dest, cloner.SkipBad)
	require.NoError(t, err)
	assert.Equal(t, job.Completed, result.Status)
	assert.Empty(t, result.Skipped)
	require.Equal(t, 8, mapping.Len())

	for _, pair := range mapping.Pairs() {
		assert.Equal(t, pair.Source, pair.Destination)
		assert.Equal(t, blockPattern(pair.Source), readFirstPage(t, destChip, pair.Destination))
	}
	_, ok := mapping.Lookup(8)
	assert.False(t, ok, "the spare reserve is not copied on its own")
}

func TestNew__GeometryMismatch(t *testing.T) {
	source := newSource(t, 8)
	_, dest := newDestination(t, 8)
	dest.Geometry.PagesPerBlock = 8

	_, err := cloner.New(source, dest, cloner.SkipBad)
	assert.ErrorIs(t, err, errors.ErrGeometryMismatch)
}

func TestNew__DestinationTooSmall(t *testing.T) {
	source := newSource(t, 10, 1)
	_, dest := newDestination(t, 8)

	_, err := cloner.New(source, dest, cloner.SkipBad)
	assert.ErrorIs(t, err, errors.ErrNoSpace)

	// Nine usable source blocks fit in nine destination blocks.
	_, dest = newDestination(t, 9)
	_, err = cloner.New(source, dest, cloner.SkipBad)
	assert.NoError(t, err)
}

func TestClone__WearAwareNotEnoughGoodBlocks(t *testing.T) {
	source := newSource(t, 10, 4)
	destChip, dest := newDestination(t, 10, 1, 2)

	_, _, err := cloner.Clone(context.Background(), source, dest, cloner.WearAware)
	assert.ErrorIs(t, err, errors.ErrNoSpace)
	assert.Zero(t, destChip.Stats().Erases)
}

func TestPlan__SkipBadPacksInOrder(t *testing.T) {
	sourceTable := bbt.New(6)
	_, err := sourceTable.Mark(2, bbt.FactoryMarked)
	require.NoError(t, err)
	destTable := bbt.New(8)
	_, err = destTable.Mark(0, bbt.FactoryMarked)
	require.NoError(t, err)
	_, err = destTable.Mark(3, bbt.EraseFailed)
	require.NoError(t, err)

	mapping, err := cloner.Plan(cloner.SkipBad, sourceTable, destTable, nil)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]cloner.Pair{{0, 1}, {1, 2}, {3, 4}, {4, 5}, {5, 6}},
		mapping.Pairs(),
	)
}

func TestPlan__WearAwarePrefersColdBlocks(t *testing.T) {
	sourceTable := bbt.New(4)
	destTable := bbt.New(8)
	ledger := wear.New(8, 1000, destTable)
	for block := nandkit.BlockID(0); block < 4; block++ {
		_, err := ledger.RecordErase(block)
		require.NoError(t, err)
	}
	_, err := destTable.Mark(6, bbt.WornOut)
	require.NoError(t, err)

	mapping, err := cloner.Plan(cloner.WearAware, sourceTable, destTable, ledger.NewAllocator())
	require.NoError(t, err)
	assert.Equal(
		t,
		[]cloner.Pair{{0, 4}, {1, 5}, {2, 7}, {3, 0}},
		mapping.Pairs(),
	)
}

func TestClone__ReroutesFailedDestinationBlock(t *testing.T) {
	source := newSource(t, 4)
	destChip, dest := newDestination(t, 6)
	destChip.FailProgram(1)

	var saved []*cloner.Mapping
	store := cloner.MappingStoreFunc(func(m *cloner.Mapping) error {
		saved = append(saved, m)
		return nil
	})

	mapping, result, err := cloner.Clone(
		context.Background(), source, dest, cloner.SkipBad, cloner.Store(store))
	require.NoError(t, err)
	assert.Equal(t, job.Completed, result.Status)

	destination, ok := mapping.Lookup(1)
	require.True(t, ok)
	assert.EqualValues(t, 4, destination, "first spare after the planned blocks")
	assert.Equal(t, blockPattern(1), readFirstPage(t, destChip, 4))

	require.Len(t, saved, 2)
	first, _ := saved[0].Lookup(1)
	assert.EqualValues(t, 1, first)
	assert.Equal(t, saved[0].ID, saved[1].ID)
}

func TestClone__AbortStopsBetweenBlocks(t *testing.T) {
	source := newSource(t, 8)
	destChip, dest := newDestination(t, 8)
	dest.Table = bbt.New(8)

	c, err := cloner.New(source, dest, cloner.SkipBad)
	require.NoError(t, err)

	ctx := context.Background()
	// Planning, then three blocks.
	for i := 0; i < 4; i++ {
		done, err := c.Step(ctx)
		require.NoError(t, err)
		require.False(t, done)
	}

	abort := make(chan struct{})
	close(abort)
	result := job.Run(ctx, c, abort)
	assert.Equal(t, job.Failed, result.Status)
	assert.ErrorIs(t, result.Err, errors.ErrAborted)
	assert.EqualValues(t, 3, c.Progress().Snapshot().CompletedUnits)
	assert.EqualValues(t, 3, destChip.Stats().Erases)
}

func TestMapping__BinaryRoundTrip(t *testing.T) {
	m := cloner.NewMapping(cloner.WearAware)
	m.Set(0, 7)
	m.Set(3, 1)
	m.Set(9, 2)

	data, err := m.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte("NMAP"), data[:4])

	loaded, err := cloner.LoadMapping(data)
	require.NoError(t, err)
	assert.Equal(t, m.ID, loaded.ID)
	assert.Equal(t, cloner.WearAware, loaded.Mode)
	assert.Equal(t, m.Pairs(), loaded.Pairs())

	data[34] ^= 0x01
	_, err = cloner.LoadMapping(data)
	assert.ErrorIs(t, err, errors.ErrTableUnknown)
}

func TestMapping__NewerVersionRejected(t *testing.T) {
	data, err := cloner.NewMapping(cloner.Exact).MarshalBinary()
	require.NoError(t, err)
	data[4] = 0x7F

	_, err = cloner.LoadMapping(data)
	assert.ErrorIs(t, err, errors.ErrUnsupportedFormat)
}

func TestParseMode(t *testing.T) {
	mode, err := cloner.ParseMode("Wear-Aware")
	require.NoError(t, err)
	assert.Equal(t, cloner.WearAware, mode)

	_, err = cloner.ParseMode("sideways")
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}
