package tracker_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/tracker"
	"github.com/dargueta/nandkit/utilities/compression"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGeometry = nandkit.Geometry{
	PageSize:      256,
	OOBSize:       8,
	PagesPerBlock: 2,
	TotalBlocks:   8,
	BusWidth:      8,
}

// memoryChip is the block-level content of a chip.
type memoryChip [][]byte

func newMemoryChip(seed byte) memoryChip {
	chip := make(memoryChip, testGeometry.TotalBlocks)
	for i := range chip {
		chip[i] = bytes.Repeat([]byte{seed + byte(i)}, int(testGeometry.BlockSize()))
	}
	return chip
}

func (c memoryChip) clone() memoryChip {
	copied := make(memoryChip, len(c))
	for i, block := range c {
		copied[i] = append([]byte(nil), block...)
	}
	return copied
}

func (c memoryChip) read(ctx context.Context, block nandkit.BlockID) ([]byte, error) {
	return append([]byte(nil), c[block]...), nil
}

func (c memoryChip) write(ctx context.Context, block nandkit.BlockID, data []byte) error {
	c[block] = append([]byte(nil), data...)
	return nil
}

func (c memoryChip) source() tracker.Source {
	return tracker.Source{ChipID: []byte{0xFA, 0x33}, Geometry: testGeometry, Read: c.read}
}

func openStore(t *testing.T, opts ...tracker.StoreOption) (*tracker.Store, string) {
	dir := t.TempDir()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opts = append(
		[]tracker.StoreOption{
			tracker.WithClock(func() time.Time {
				clock = clock.Add(time.Minute)
				return clock
			}),
		},
		opts...,
	)
	store, err := tracker.Open(dir, opts...)
	require.NoError(t, err)
	return store, dir
}

////////////////////////////////////////////////////////////////////////////////
// Fingerprints

func TestDiff__IdenticalContentIsEmpty(t *testing.T) {
	chip := newMemoryChip(1)
	first, err := tracker.FingerprintAll(context.Background(), testGeometry.TotalBlocks, chip.read)
	require.NoError(t, err)
	second, err := tracker.FingerprintAll(context.Background(), testGeometry.TotalBlocks, chip.read)
	require.NoError(t, err)

	assert.Len(t, first, 8)
	assert.Empty(t, tracker.Diff(first, second))
}

func TestDiff__OneByteChangesOneBlock(t *testing.T) {
	chip := newMemoryChip(1)
	before, err := tracker.FingerprintAll(context.Background(), testGeometry.TotalBlocks, chip.read)
	require.NoError(t, err)

	chip[5][300] ^= 0x01
	after, err := tracker.FingerprintAll(context.Background(), testGeometry.TotalBlocks, chip.read)
	require.NoError(t, err)

	assert.Equal(t, []nandkit.BlockID{5}, tracker.Diff(before, after))
}

func TestDiff__MissingBlocksCount(t *testing.T) {
	old := tracker.Fingerprints{0: 1, 1: 2, 2: 3}
	current := tracker.Fingerprints{1: 2, 2: 4, 3: 5}
	assert.Equal(t, []nandkit.BlockID{0, 2, 3}, tracker.Diff(old, current))
}

func TestFingerprint__KnownValue(t *testing.T) {
	// FNV-1a 64 of the empty input is the offset basis.
	assert.Equal(t, uint64(0xcbf29ce484222325), tracker.Fingerprint(nil))
	assert.Equal(t, uint64(0xaf63dc4c8601ec8c), tracker.Fingerprint([]byte("a")))
}

////////////////////////////////////////////////////////////////////////////////
// Backups

func TestRestore__ChainOfFour(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)

	chip := newMemoryChip(0x10)
	snapshots := []memoryChip{chip.clone()}
	full, err := store.Backup(ctx, "", chip.source())
	require.NoError(t, err)
	assert.True(t, full.Full)
	assert.Len(t, full.OwnBlocks(), 8)

	ids := []string{full.ID}
	changes := [][]nandkit.BlockID{{1}, {1, 6}, {3}}
	for i, blocks := range changes {
		for _, block := range blocks {
			chip[block][i] ^= 0xFF
		}
		m, err := store.Backup(ctx, ids[len(ids)-1], chip.source())
		require.NoError(t, err)
		assert.False(t, m.Full)
		assert.Equal(t, blocks, m.OwnBlocks(), "link %d should only store what changed", i+1)
		ids = append(ids, m.ID)
		snapshots = append(snapshots, chip.clone())
	}

	chain, err := store.Chain(ids[3])
	require.NoError(t, err)
	require.Len(t, chain, 4)
	for i, m := range chain {
		assert.Equal(t, ids[i], m.ID)
	}

	for i, id := range ids {
		restored := make(memoryChip, testGeometry.TotalBlocks)
		require.NoError(t, store.Restore(ctx, id, restored.write))
		assert.Equal(t, snapshots[i], restored, "restoring link %d", i)
	}
}

func TestRestore__MissingAncestorFailsClosed(t *testing.T) {
	ctx := context.Background()
	store, dir := openStore(t)

	chip := newMemoryChip(0x40)
	first, err := store.Backup(ctx, "", chip.source())
	require.NoError(t, err)
	chip[2][0] = 0
	second, err := store.Backup(ctx, first.ID, chip.source())
	require.NoError(t, err)
	chip[4][0] = 0
	third, err := store.Backup(ctx, second.ID, chip.source())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, second.ID, "manifest.toml")))

	writes := 0
	err = store.Restore(ctx, third.ID, func(context.Context, nandkit.BlockID, []byte) error {
		writes++
		return nil
	})
	assert.ErrorIs(t, err, errors.ErrMissingAncestor)
	assert.Zero(t, writes)

	_, err = store.Backup(ctx, third.ID, chip.source())
	assert.ErrorIs(t, err, errors.ErrMissingAncestor)
}

func TestRestore__MissingLayerFailsClosed(t *testing.T) {
	ctx := context.Background()
	store, dir := openStore(t)

	chip := newMemoryChip(0x40)
	first, err := store.Backup(ctx, "", chip.source())
	require.NoError(t, err)
	chip[7][9] = 1
	second, err := store.Backup(ctx, first.ID, chip.source())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, first.ID, "layer.bin")))

	writes := 0
	err = store.Restore(ctx, second.ID, func(context.Context, nandkit.BlockID, []byte) error {
		writes++
		return nil
	})
	assert.ErrorIs(t, err, errors.ErrMissingAncestor)
	assert.Zero(t, writes)
}

func TestRestore__CorruptLayerIsDetected(t *testing.T) {
	ctx := context.Background()
	store, dir := openStore(t, tracker.WithCompression(compression.None))

	chip := newMemoryChip(0x70)
	m, err := store.Backup(ctx, "", chip.source())
	require.NoError(t, err)

	path := filepath.Join(dir, m.ID, "layer.bin")
	layer, err := os.ReadFile(path)
	require.NoError(t, err)
	layer[1000] ^= 0x10
	require.NoError(t, os.WriteFile(path, layer, 0o600))

	writes := 0
	err = store.Restore(ctx, m.ID, func(context.Context, nandkit.BlockID, []byte) error {
		writes++
		return nil
	})
	assert.ErrorIs(t, err, errors.ErrChecksum)
	assert.Zero(t, writes)
}

func TestBackup__EveryCompression(t *testing.T) {
	ctx := context.Background()
	for _, algorithm := range []compression.Algorithm{
		compression.None, compression.RLE8, compression.Zstd, compression.LZ4,
	} {
		t.Run(string(algorithm), func(t *testing.T) {
			store, _ := openStore(t, tracker.WithCompression(algorithm))
			chip := newMemoryChip(0x01)

			m, err := store.Backup(ctx, "", chip.source())
			require.NoError(t, err)
			assert.Equal(t, string(algorithm), m.Compression)

			restored := make(memoryChip, testGeometry.TotalBlocks)
			require.NoError(t, store.Restore(ctx, m.ID, restored.write))
			assert.Equal(t, chip, restored)
		})
	}
}

func TestBackup__GeometryMustMatchParent(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	chip := newMemoryChip(0x01)
	m, err := store.Backup(ctx, "", chip.source())
	require.NoError(t, err)

	source := chip.source()
	source.Geometry.PagesPerBlock = 1
	_, err = store.Backup(ctx, m.ID, source)
	assert.ErrorIs(t, err, errors.ErrGeometryMismatch)

	source = chip.source()
	source.ChipID = []byte{0x01}
	_, err = store.Backup(ctx, m.ID, source)
	assert.ErrorIs(t, err, errors.ErrInvalidArgument)
}

func TestBackup__UnknownParent(t *testing.T) {
	store, _ := openStore(t)
	_, err := store.Backup(context.Background(), "b4f7a7b2-9a59-4c36-9a43-8f4a4f1b6f3e", newMemoryChip(0).source())
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = store.Get("../escape")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestPrune__RemovesDescendantsOnly(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t)
	chip := newMemoryChip(0x01)

	root, err := store.Backup(ctx, "", chip.source())
	require.NoError(t, err)
	chip[0][0] = 0
	child, err := store.Backup(ctx, root.ID, chip.source())
	require.NoError(t, err)
	chip[1][0] = 0
	grandchild, err := store.Backup(ctx, child.ID, chip.source())
	require.NoError(t, err)
	chip[2][0] = 0
	sibling, err := store.Backup(ctx, root.ID, chip.source())
	require.NoError(t, err)

	removed, err := store.Prune(child.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{grandchild.ID, child.ID}, removed)

	remaining, err := store.List()
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	assert.Equal(t, root.ID, remaining[0].ID)
	assert.Equal(t, sibling.ID, remaining[1].ID)

	_, err = store.Get(grandchild.ID)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	restored := make(memoryChip, testGeometry.TotalBlocks)
	require.NoError(t, store.Restore(ctx, sibling.ID, restored.write))
	assert.Equal(t, chip[2], restored[2])
}
