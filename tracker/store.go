package tracker

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/state"
	"github.com/dargueta/nandkit/utilities/compression"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	manifestFileName = "manifest.toml"
	layerFileName    = "layer.bin"
)

// Source is what gets backed up.
type Source struct {
	ChipID   []byte
	Geometry nandkit.Geometry
	Read     nandkit.BlockReader
}

// Store keeps backups in a directory, one subdirectory per backup holding its
// manifest and the layer of blocks that changed since its parent. A backup
// exists once its manifest does; the layer is always written first.
type Store struct {
	repo        *state.FileRepository
	compression compression.Algorithm
	log         zerolog.Logger
	now         func() time.Time
}

type StoreOption func(*Store)

// WithCompression sets the algorithm new layers are compressed with. Existing
// backups record their own.
func WithCompression(algorithm compression.Algorithm) StoreOption {
	return func(s *Store) {
		s.compression = algorithm
	}
}

func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = logger
	}
}

func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

func Open(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	s := &Store{
		repo:        state.NewFileRepository(dir),
		compression: compression.Zstd,
		log:         zerolog.Nop(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "backups").Logger()
	return s, nil
}

func manifestName(id string) string {
	return id + "/" + manifestFileName
}

func layerName(id string) string {
	return id + "/" + layerFileName
}

// Get loads one manifest. An unknown ID is [errors.ErrNotFound].
func (s *Store) Get(id string) (*Manifest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, errors.ErrNotFound.WithMessage(fmt.Sprintf("%q is not a backup ID", id))
	}
	data, err := s.repo.Load(manifestName(id))
	if err != nil {
		return nil, err
	}
	return unmarshalManifest(data)
}

// Chain returns the manifests from the oldest ancestor of `id` down to `id`
// itself. If any ancestor is gone the error is [errors.ErrMissingAncestor].
func (s *Store) Chain(id string) ([]*Manifest, error) {
	m, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	chain := []*Manifest{m}
	seen := map[string]bool{id: true}
	for m.ParentID != "" {
		if seen[m.ParentID] {
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("backup chain of %s loops at %s", id, m.ParentID))
		}
		parent, err := s.Get(m.ParentID)
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				return nil, errors.ErrMissingAncestor.WithMessage(
					fmt.Sprintf("backup %s needs %s", m.ID, m.ParentID))
			}
			return nil, err
		}
		seen[parent.ID] = true
		chain = append(chain, parent)
		m = parent
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// List returns every committed backup, oldest first.
func (s *Store) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.repo.Dir())
	if err != nil {
		return nil, err
	}

	var manifests []*Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := s.Get(entry.Name())
		if errors.Is(err, errors.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		if manifests[i].CreatedAt.Equal(manifests[j].CreatedAt) {
			return manifests[i].ID < manifests[j].ID
		}
		return manifests[i].CreatedAt.Before(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Backup takes a backup of `source`. With an empty `parentID` every block is
// stored; otherwise only blocks whose checksum differs from the parent's are,
// and the parent's whole chain must be intact.
func (s *Store) Backup(ctx context.Context, parentID string, source Source) (*Manifest, error) {
	g := source.Geometry
	if err := g.Validate(); err != nil {
		return nil, err
	}

	var parent *Manifest
	parentPrints := Fingerprints{}
	if parentID != "" {
		chain, err := s.Chain(parentID)
		if err != nil {
			return nil, err
		}
		parent = chain[len(chain)-1]
		if parent.Geometry.Geometry() != g {
			return nil, errors.ErrGeometryMismatch.WithMessage(fmt.Sprintf(
				"parent %s was taken of a %s chip, source is %s",
				parent.ID,
				parent.Geometry.Geometry(),
				g,
			))
		}
		if parent.ChipID != hex.EncodeToString(source.ChipID) {
			return nil, errors.ErrInvalidArgument.WithMessage(fmt.Sprintf(
				"parent %s belongs to chip %s, not %x", parent.ID, parent.ChipID, source.ChipID))
		}
		parentPrints, err = parent.Fingerprints()
		if err != nil {
			return nil, err
		}
	}

	current := make(Fingerprints, g.TotalBlocks)
	changedData := make(map[nandkit.BlockID][]byte)
	for block := nandkit.BlockID(0); block < g.TotalBlocks; block++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := source.Read(ctx, block)
		if err != nil {
			return nil, fmt.Errorf("reading block %d: %w", block, err)
		}
		if len(data) != int(g.BlockSize()) {
			return nil, errors.Errorf(
				errors.EPROTO, "block %d is %d bytes, expected %d", block, len(data), g.BlockSize())
		}
		sum := Fingerprint(data)
		current[block] = sum
		if previous, ok := parentPrints[block]; !ok || previous != sum {
			changedData[block] = data
		}
	}
	changed := Diff(parentPrints, current)

	m := &Manifest{
		ID:          uuid.NewString(),
		ParentID:    parentID,
		CreatedAt:   s.now().UTC(),
		ChipID:      hex.EncodeToString(source.ChipID),
		Geometry:    geometryToManifest(g),
		Compression: string(s.compression),
		Full:        parent == nil,
		Blocks:      make([]BlockEntry, g.TotalBlocks),
	}

	layer := make([]byte, 0, len(changed)*int(g.BlockSize()))
	isChanged := make(map[nandkit.BlockID]bool, len(changed))
	for _, block := range changed {
		isChanged[block] = true
		layer = append(layer, changedData[block]...)
	}
	for block := nandkit.BlockID(0); block < g.TotalBlocks; block++ {
		entry := BlockEntry{Index: block, Checksum: formatChecksum(current[block]), Layer: m.ID}
		if !isChanged[block] {
			entry.Layer = parent.Blocks[block].Layer
		}
		m.Blocks[block] = entry
	}

	compressed, err := compression.Compress(s.compression, layer)
	if err != nil {
		return nil, fmt.Errorf("compressing layer: %w", err)
	}
	if err := s.repo.Save(layerName(m.ID), compressed); err != nil {
		return nil, err
	}
	encoded, err := m.marshal()
	if err != nil {
		return nil, err
	}
	if err := s.repo.Save(manifestName(m.ID), encoded); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("id", m.ID).
		Str("parent", parentID).
		Int("changed_blocks", len(changed)).
		Int("layer_bytes", len(compressed)).
		Msg("backup committed")
	return m, nil
}

// loadLayer returns the blocks stored in the layer of `m`, checked against the
// manifest's checksums.
func (s *Store) loadLayer(m *Manifest) (map[nandkit.BlockID][]byte, error) {
	compressed, err := s.repo.Load(layerName(m.ID))
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrMissingAncestor.WithMessage(fmt.Sprintf("layer of backup %s is gone", m.ID))
		}
		return nil, err
	}
	algorithm, err := compression.ParseAlgorithm(m.Compression)
	if err != nil {
		return nil, err
	}
	layer, err := compression.Decompress(algorithm, compressed)
	if err != nil {
		return nil, errors.ErrChecksum.Wrap(fmt.Errorf("layer of backup %s: %w", m.ID, err))
	}

	blockSize := int(m.Geometry.Geometry().BlockSize())
	own := m.OwnBlocks()
	if len(layer) != len(own)*blockSize {
		return nil, errors.ErrChecksum.WithMessage(fmt.Sprintf(
			"layer of backup %s is %d bytes, manifest implies %d", m.ID, len(layer), len(own)*blockSize))
	}

	blocks := make(map[nandkit.BlockID][]byte, len(own))
	for i, block := range own {
		data := layer[i*blockSize : (i+1)*blockSize]
		expected, err := m.Blocks[block].Sum()
		if err != nil {
			return nil, err
		}
		if Fingerprint(data) != expected {
			return nil, errors.ErrChecksum.WithMessage(
				fmt.Sprintf("block %d in layer of backup %s", block, m.ID))
		}
		blocks[block] = data
	}
	return blocks, nil
}

// Restore writes the content of backup `id` to `sink`, replaying the layers of
// its chain from the oldest forward. Every ancestor and every checksum is
// verified before the first write, so a broken chain writes nothing.
func (s *Store) Restore(ctx context.Context, id string, sink nandkit.BlockWriter) error {
	chain, err := s.Chain(id)
	if err != nil {
		return err
	}
	target := chain[len(chain)-1]

	inChain := make(map[string]bool, len(chain))
	for _, m := range chain {
		inChain[m.ID] = true
	}
	for _, entry := range target.Blocks {
		if !inChain[entry.Layer] {
			return errors.ErrMissingAncestor.WithMessage(fmt.Sprintf(
				"block %d of backup %s lives in %s, which isn't in its chain",
				entry.Index,
				target.ID,
				entry.Layer,
			))
		}
	}

	for _, m := range chain {
		if err := ctx.Err(); err != nil {
			return err
		}
		blocks, err := s.loadLayer(m)
		if err != nil {
			return err
		}
		for block := range blocks {
			if target.Blocks[block].Layer == m.ID &&
				target.Blocks[block].Checksum != m.Blocks[block].Checksum {
				return errors.ErrChecksum.WithMessage(fmt.Sprintf(
					"block %d disagrees between backups %s and %s", block, m.ID, target.ID))
			}
		}
	}

	for _, m := range chain {
		blocks, err := s.loadLayer(m)
		if err != nil {
			return err
		}
		for _, entry := range target.Blocks {
			if entry.Layer != m.ID {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := sink(ctx, entry.Index, blocks[entry.Index]); err != nil {
				return fmt.Errorf("restoring block %d: %w", entry.Index, err)
			}
		}
	}

	s.log.Info().Str("id", id).Int("chain_length", len(chain)).Msg("backup restored")
	return nil
}

// Prune deletes backup `id` and every backup descending from it, newest
// first, and returns the IDs removed.
func (s *Store) Prune(id string) ([]string, error) {
	if _, err := s.Get(id); err != nil {
		return nil, err
	}
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	doomed := []string{id}
	isDoomed := map[string]bool{id: true}
	for grew := true; grew; {
		grew = false
		for _, m := range all {
			if !isDoomed[m.ID] && isDoomed[m.ParentID] {
				isDoomed[m.ID] = true
				doomed = append(doomed, m.ID)
				grew = true
			}
		}
	}

	removed := make([]string, 0, len(doomed))
	for i := len(doomed) - 1; i >= 0; i-- {
		victim := doomed[i]
		// The manifest goes first so a half-pruned backup is simply gone.
		if err := s.repo.Remove(manifestName(victim)); err != nil {
			return removed, err
		}
		if err := os.RemoveAll(s.repo.Path(victim)); err != nil {
			return removed, err
		}
		removed = append(removed, victim)
		s.log.Info().Str("id", victim).Msg("backup pruned")
	}
	return removed, nil
}
