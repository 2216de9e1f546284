// Package geometry identifies chips by their READ ID bytes using an embedded
// table of known parts.
package geometry

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
)

// ErrUnknownChip is returned when no entry in the table matches an ID.
var ErrUnknownChip = errors.NewWithMessage(errors.ENOENT, "unknown chip")

// Chip is one row of the chip table.
type Chip struct {
	Slug         string `csv:"slug"`
	Name         string `csv:"name"`
	Manufacturer string `csv:"manufacturer"`

	// ID is the hex-encoded prefix of the READ ID response that identifies
	// the part. Longer prefixes are more specific.
	ID            string `csv:"id"`
	PageSize      uint32 `csv:"page_size"`
	OOBSize       uint32 `csv:"oob_size"`
	PagesPerBlock uint32 `csv:"pages_per_block"`
	TotalBlocks   uint32 `csv:"total_blocks"`
	BusWidth      uint8  `csv:"bus_width"`

	// Endurance is the rated number of erase cycles per block.
	Endurance uint32 `csv:"endurance"`
	Notes     string `csv:"notes"`

	idBytes []byte `csv:"-"`
}

func (c Chip) Geometry() nandkit.Geometry {
	return nandkit.Geometry{
		PageSize:      c.PageSize,
		OOBSize:       c.OOBSize,
		PagesPerBlock: c.PagesPerBlock,
		TotalBlocks:   c.TotalBlocks,
		BusWidth:      c.BusWidth,
	}
}

// IDBytes returns the decoded ID prefix.
func (c Chip) IDBytes() []byte {
	return append([]byte(nil), c.idBytes...)
}

func (c Chip) String() string {
	return fmt.Sprintf("%s %s", c.Manufacturer, c.Name)
}

////////////////////////////////////////////////////////////////////////////////

//go:embed chips.csv
var chipsRawCSV string
var chipsBySlug map[string]Chip

// Lookup finds the chip whose ID prefix is the longest match for `id`.
func Lookup(id []byte) (Chip, error) {
	var best Chip
	found := false
	for _, chip := range chipsBySlug {
		if !bytes.HasPrefix(id, chip.idBytes) {
			continue
		}
		if !found || len(chip.idBytes) > len(best.idBytes) {
			best = chip
			found = true
		}
	}
	if !found {
		return Chip{}, ErrUnknownChip.WithMessage(fmt.Sprintf("no entry matches ID %X", id))
	}
	return best, nil
}

// BySlug returns the chip with the given short name.
func BySlug(slug string) (Chip, error) {
	chip, ok := chipsBySlug[strings.ToLower(slug)]
	if !ok {
		return Chip{}, ErrUnknownChip.WithMessage(fmt.Sprintf("no chip named %q", slug))
	}
	return chip, nil
}

// All returns every known chip, sorted by slug.
func All() []Chip {
	chips := make([]Chip, 0, len(chipsBySlug))
	for _, chip := range chipsBySlug {
		chips = append(chips, chip)
	}
	sort.Slice(chips, func(i, j int) bool { return chips[i].Slug < chips[j].Slug })
	return chips
}

// Manufacturer names the JEDEC manufacturer code in the first ID byte.
func Manufacturer(code byte) string {
	switch code {
	case 0x01:
		return "Spansion"
	case 0x2C:
		return "Micron"
	case 0x89:
		return "Intel"
	case 0x98:
		return "Toshiba"
	case 0xAD:
		return "Hynix"
	case 0xC2:
		return "Macronix"
	case 0xC8:
		return "GigaDevice"
	case 0xEC:
		return "Samsung"
	case 0xEF:
		return "Winbond"
	}
	return fmt.Sprintf("unknown (0x%02X)", code)
}

func loadChips(raw string) (map[string]Chip, error) {
	csvReader := csv.NewReader(strings.NewReader(raw))
	csvReader.Comma = '|'

	var rows []Chip
	if err := gocsv.UnmarshalCSV(csvReader, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode chip table: %w", err)
	}

	chips := make(map[string]Chip, len(rows))
	for i, row := range rows {
		if _, exists := chips[row.Slug]; exists {
			return nil, fmt.Errorf("duplicate definition for chip %q found on row %d", row.Slug, i+1)
		}
		id, err := hex.DecodeString(row.ID)
		if err != nil || len(id) == 0 {
			return nil, fmt.Errorf("chip %q on row %d has a bad ID %q", row.Slug, i+1, row.ID)
		}
		row.idBytes = id
		if err := row.Geometry().Validate(); err != nil {
			return nil, fmt.Errorf("chip %q on row %d: %w", row.Slug, i+1, err)
		}
		chips[row.Slug] = row
	}
	return chips, nil
}

func init() {
	chips, err := loadChips(chipsRawCSV)
	if err != nil {
		panic(err)
	}
	chipsBySlug = chips
}
