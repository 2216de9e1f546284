package tracker

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/pelletier/go-toml/v2"
)

// Manifest describes one backup. Every block of the chip has an entry; Layer
// names the backup whose layer holds that block's content, which is this
// backup for blocks that changed since the parent and an ancestor otherwise.
type Manifest struct {
	ID          string           `toml:"id"`
	ParentID    string           `toml:"parent_id,omitempty"`
	CreatedAt   time.Time        `toml:"created_at"`
	ChipID      string           `toml:"chip_id"`
	Geometry    ManifestGeometry `toml:"geometry"`
	Compression string           `toml:"compression"`
	Full        bool             `toml:"full"`
	Blocks      []BlockEntry     `toml:"blocks"`
}

type ManifestGeometry struct {
	PageSize      uint32 `toml:"page_size"`
	OOBSize       uint32 `toml:"oob_size"`
	PagesPerBlock uint32 `toml:"pages_per_block"`
	TotalBlocks   uint32 `toml:"total_blocks"`
	BusWidth      uint8  `toml:"bus_width"`
}

func geometryToManifest(g nandkit.Geometry) ManifestGeometry {
	return ManifestGeometry{
		PageSize:      g.PageSize,
		OOBSize:       g.OOBSize,
		PagesPerBlock: g.PagesPerBlock,
		TotalBlocks:   g.TotalBlocks,
		BusWidth:      g.BusWidth,
	}
}

func (m ManifestGeometry) Geometry() nandkit.Geometry {
	return nandkit.Geometry{
		PageSize:      m.PageSize,
		OOBSize:       m.OOBSize,
		PagesPerBlock: m.PagesPerBlock,
		TotalBlocks:   m.TotalBlocks,
		BusWidth:      m.BusWidth,
	}
}

// BlockEntry is one block of a manifest. The checksum is kept as hex text
// since TOML integers are signed.
type BlockEntry struct {
	Index    uint32 `toml:"index"`
	Checksum string `toml:"checksum"`
	Layer    string `toml:"layer"`
}

func formatChecksum(checksum uint64) string {
	return fmt.Sprintf("%016x", checksum)
}

func (e BlockEntry) Sum() (uint64, error) {
	value, err := strconv.ParseUint(e.Checksum, 16, 64)
	if err != nil {
		return 0, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("block %d has malformed checksum %q", e.Index, e.Checksum))
	}
	return value, nil
}

// Fingerprints returns the checksum of every block in the manifest.
func (m *Manifest) Fingerprints() (Fingerprints, error) {
	prints := make(Fingerprints, len(m.Blocks))
	for _, entry := range m.Blocks {
		sum, err := entry.Sum()
		if err != nil {
			return nil, err
		}
		prints[entry.Index] = sum
	}
	return prints, nil
}

// OwnBlocks returns the indexes of the blocks stored in this backup's own
// layer, in layer order.
func (m *Manifest) OwnBlocks() []nandkit.BlockID {
	var own []nandkit.BlockID
	for _, entry := range m.Blocks {
		if entry.Layer == m.ID {
			own = append(own, entry.Index)
		}
	}
	return own
}

func (m *Manifest) ChipIDBytes() []byte {
	id, _ := hex.DecodeString(m.ChipID)
	return id
}

func (m *Manifest) marshal() ([]byte, error) {
	return toml.Marshal(m)
}

func unmarshalManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, errors.ErrTableUnknown.Wrap(err)
	}
	if m.ID == "" {
		return nil, errors.ErrTableUnknown.WithMessage("manifest has no ID")
	}
	g := m.Geometry.Geometry()
	if err := g.Validate(); err != nil {
		return nil, errors.ErrTableUnknown.Wrap(err)
	}
	if len(m.Blocks) != int(g.TotalBlocks) {
		return nil, errors.ErrTableUnknown.WithMessage(fmt.Sprintf(
			"manifest %s lists %d blocks, geometry has %d", m.ID, len(m.Blocks), g.TotalBlocks))
	}
	for i, entry := range m.Blocks {
		if entry.Index != uint32(i) {
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("manifest %s entry %d is for block %d", m.ID, i, entry.Index))
		}
	}
	return &m, nil
}
