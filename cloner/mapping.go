package cloner

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/google/uuid"
	"github.com/noxer/bytewriter"
)

const (
	mappingVersion    = 1
	mappingHeaderSize = 32
	mappingEntrySize  = 8
)

var mappingMagic = [4]byte{'N', 'M', 'A', 'P'}

// Pair is one source block and the destination block holding its content.
type Pair struct {
	Source      nandkit.BlockID
	Destination nandkit.BlockID
}

// Mapping records where every cloned source block ended up on the destination.
type Mapping struct {
	ID      uuid.UUID
	Mode    Mode
	entries map[nandkit.BlockID]nandkit.BlockID
}

func NewMapping(mode Mode) *Mapping {
	return &Mapping{
		ID:      uuid.New(),
		Mode:    mode,
		entries: make(map[nandkit.BlockID]nandkit.BlockID),
	}
}

func (m *Mapping) Set(source, destination nandkit.BlockID) {
	m.entries[source] = destination
}

func (m *Mapping) Delete(source nandkit.BlockID) {
	delete(m.entries, source)
}

func (m *Mapping) Lookup(source nandkit.BlockID) (nandkit.BlockID, bool) {
	destination, ok := m.entries[source]
	return destination, ok
}

func (m *Mapping) Len() int {
	return len(m.entries)
}

// Pairs returns the mapping sorted by source block.
func (m *Mapping) Pairs() []Pair {
	pairs := make([]Pair, 0, len(m.entries))
	for source, destination := range m.entries {
		pairs = append(pairs, Pair{Source: source, Destination: destination})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Source < pairs[j].Source })
	return pairs
}

// Destinations returns the set of destination blocks in use.
func (m *Mapping) Destinations() map[nandkit.BlockID]bool {
	used := make(map[nandkit.BlockID]bool, len(m.entries))
	for _, destination := range m.entries {
		used[destination] = true
	}
	return used
}

func (m *Mapping) Clone() *Mapping {
	c := &Mapping{
		ID:      m.ID,
		Mode:    m.Mode,
		entries: make(map[nandkit.BlockID]nandkit.BlockID, len(m.entries)),
	}
	for source, destination := range m.entries {
		c.entries[source] = destination
	}
	return c
}

type rawMappingHeader struct {
	Magic    [4]byte
	Version  uint16
	Mode     uint8
	Reserved uint8
	ID       [16]byte
	Count    uint32
	Padding  uint32
}

// MarshalBinary encodes the mapping: a 32-byte header, eight bytes per pair in
// source order, and a CRC-32 of everything before it. Integers are little
// endian.
func (m *Mapping) MarshalBinary() ([]byte, error) {
	pairs := m.Pairs()
	buffer := make([]byte, mappingHeaderSize+len(pairs)*mappingEntrySize+4)
	writer := bytewriter.New(buffer)

	header := rawMappingHeader{
		Magic:   mappingMagic,
		Version: mappingVersion,
		Mode:    uint8(m.Mode),
		ID:      m.ID,
		Count:   uint32(len(pairs)),
	}
	if err := binary.Write(writer, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		if err := binary.Write(writer, binary.LittleEndian, [2]uint32{pair.Source, pair.Destination}); err != nil {
			return nil, err
		}
	}

	checksum := crc32.ChecksumIEEE(buffer[:len(buffer)-4])
	if err := binary.Write(writer, binary.LittleEndian, checksum); err != nil {
		return nil, err
	}
	return buffer, nil
}

// LoadMapping decodes a mapping written by [Mapping.MarshalBinary].
func LoadMapping(data []byte) (*Mapping, error) {
	if len(data) < mappingHeaderSize+4 {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("block mapping is %d bytes, too short for a header", len(data)))
	}

	var header rawMappingHeader
	err := binary.Read(bytes.NewReader(data[:mappingHeaderSize]), binary.LittleEndian, &header)
	if err != nil {
		return nil, errors.ErrTableUnknown.Wrap(err)
	}
	if header.Magic != mappingMagic {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("bad block mapping magic %q", header.Magic[:]))
	}
	if header.Version > mappingVersion {
		return nil, errors.ErrUnsupportedFormat.WithMessage(
			fmt.Sprintf("block mapping version %d, newest supported is %d", header.Version, mappingVersion))
	}

	expectedSize := mappingHeaderSize + int(header.Count)*mappingEntrySize + 4
	if len(data) != expectedSize {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("block mapping is %d bytes, header implies %d", len(data), expectedSize))
	}
	stored := binary.LittleEndian.Uint32(data[len(data)-4:])
	if stored != crc32.ChecksumIEEE(data[:len(data)-4]) {
		return nil, errors.ErrTableUnknown.WithMessage("block mapping checksum mismatch")
	}

	mode := Mode(header.Mode)
	if !mode.Valid() {
		return nil, errors.ErrTableUnknown.WithMessage(fmt.Sprintf("invalid clone mode %d", header.Mode))
	}

	m := &Mapping{
		ID:      header.ID,
		Mode:    mode,
		entries: make(map[nandkit.BlockID]nandkit.BlockID, header.Count),
	}
	used := make(map[nandkit.BlockID]bool, header.Count)
	for i := 0; i < int(header.Count); i++ {
		offset := mappingHeaderSize + i*mappingEntrySize
		source := binary.LittleEndian.Uint32(data[offset:])
		destination := binary.LittleEndian.Uint32(data[offset+4:])
		if _, exists := m.entries[source]; exists || used[destination] {
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("block mapping entry %d (%d -> %d) is a duplicate", i, source, destination))
		}
		m.entries[source] = destination
		used[destination] = true
	}
	return m, nil
}

// MappingStore persists a mapping so the cloned content can be found later.
type MappingStore interface {
	SaveMapping(m *Mapping) error
}

// MappingStoreFunc adapts a function to [MappingStore].
type MappingStoreFunc func(m *Mapping) error

func (f MappingStoreFunc) SaveMapping(m *Mapping) error {
	return f(m)
}
