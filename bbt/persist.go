package bbt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/noxer/bytewriter"
)

// Persisted layout, all integers little endian:
//
//	header   magic "NBBT", version u16, reserved u16, total_blocks u32,
//	         entry_count u32, clock u64, spare_start u32, reserved u32
//	entries  block u32, reason u8, reserved [3]u8, detected_at u64,
//	         replacement u32, reserved u32
//	trailer  CRC-32 (IEEE) of everything before it
//
// Version 1 tables have neither spare_start nor the last two entry fields, and
// load without a spare reserve.
const (
	FormatVersion uint16 = 2
	headerSize           = 32
	entrySize            = 24
	trailerSize          = 4

	v1HeaderSize = 24
	v1EntrySize  = 16
)

var formatMagic = [4]byte{'N', 'B', 'B', 'T'}

type rawHeader struct {
	Magic       [4]byte
	Version     uint16
	Reserved    uint16
	TotalBlocks uint32
	EntryCount  uint32
	Clock       uint64
}

type rawEntry struct {
	Block      uint32
	Reason     uint8
	Reserved   [3]uint8
	DetectedAt uint64
}

type rawSpares struct {
	SpareStart uint32
	Reserved   uint32
}

type rawReplacement struct {
	Replacement uint32
	Reserved    uint32
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (t *Table) MarshalBinary() ([]byte, error) {
	entries := t.Entries()

	t.lock.RLock()
	header := rawHeader{
		Magic:       formatMagic,
		Version:     FormatVersion,
		TotalBlocks: t.totalBlocks,
		EntryCount:  uint32(len(entries)),
		Clock:       t.clock,
	}
	spares := rawSpares{SpareStart: t.spareStart}
	t.lock.RUnlock()

	output := make([]byte, headerSize+len(entries)*entrySize+trailerSize)
	writer := bytewriter.New(output)

	if err := binary.Write(writer, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if err := binary.Write(writer, binary.LittleEndian, &spares); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		raw := rawEntry{
			Block:      entry.Block,
			Reason:     uint8(entry.Reason),
			DetectedAt: entry.DetectedAt,
		}
		if err := binary.Write(writer, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}
		replacement := rawReplacement{Replacement: entry.Replacement}
		if err := binary.Write(writer, binary.LittleEndian, &replacement); err != nil {
			return nil, err
		}
	}

	checksum := crc32.ChecksumIEEE(output[:len(output)-trailerSize])
	if err := binary.Write(writer, binary.LittleEndian, checksum); err != nil {
		return nil, err
	}
	return output, nil
}

// Load reconstructs a table from [Table.MarshalBinary] output.
//
// Any damage to the data is reported as [errors.ErrTableUnknown]. A table
// written by a newer version of this package gives
// [errors.ErrUnsupportedFormat]. In both cases the caller must rescan the chip
// instead of assuming the chip has no bad blocks.
func Load(data []byte) (*Table, error) {
	if len(data) < v1HeaderSize+trailerSize {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("persisted table is %d bytes, too short for a header", len(data)))
	}

	var header rawHeader
	reader := bytes.NewReader(data)
	if err := binary.Read(reader, binary.LittleEndian, &header); err != nil {
		return nil, errors.ErrTableUnknown.Wrap(err)
	}

	if header.Magic != formatMagic {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("bad magic %q", header.Magic[:]))
	}
	if header.Version > FormatVersion {
		return nil, errors.ErrUnsupportedFormat.WithMessage(
			fmt.Sprintf("table format version %d, newest supported is %d", header.Version, FormatVersion))
	}
	if header.Version == 0 {
		return nil, errors.ErrTableUnknown.WithMessage("table format version 0")
	}

	thisHeaderSize, thisEntrySize := headerSize, entrySize
	if header.Version == 1 {
		thisHeaderSize, thisEntrySize = v1HeaderSize, v1EntrySize
	}
	expectedSize := thisHeaderSize + int(header.EntryCount)*thisEntrySize + trailerSize
	if header.EntryCount > header.TotalBlocks || len(data) != expectedSize {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf(
				"%d entries need %d bytes, got %d", header.EntryCount, expectedSize, len(data)))
	}

	body := data[:len(data)-trailerSize]
	stored := binary.LittleEndian.Uint32(data[len(data)-trailerSize:])
	if crc32.ChecksumIEEE(body) != stored {
		return nil, errors.ErrTableUnknown.WithMessage("checksum mismatch")
	}

	table := New(header.TotalBlocks)
	if header.Version > 1 {
		var spares rawSpares
		if err := binary.Read(reader, binary.LittleEndian, &spares); err != nil {
			return nil, errors.ErrTableUnknown.Wrap(err)
		}
		if spares.SpareStart > header.TotalBlocks ||
			(spares.SpareStart == 0 && header.TotalBlocks > 0) {
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("spare reserve starts at block %d of %d", spares.SpareStart, header.TotalBlocks))
		}
		table.spareStart = spares.SpareStart
	}

	for i := uint32(0); i < header.EntryCount; i++ {
		var raw rawEntry
		if err := binary.Read(reader, binary.LittleEndian, &raw); err != nil {
			return nil, errors.ErrTableUnknown.Wrap(err)
		}
		var replacement rawReplacement
		if header.Version > 1 {
			if err := binary.Read(reader, binary.LittleEndian, &replacement); err != nil {
				return nil, errors.ErrTableUnknown.Wrap(err)
			}
		}

		reason := Reason(raw.Reason)
		switch {
		case raw.Block >= header.TotalBlocks:
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("entry %d: block %d out of range", i, raw.Block))
		case !reason.Valid():
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("entry %d: invalid reason %d", i, raw.Reason))
		case table.badBlocks.Get(int(raw.Block)):
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("entry %d: block %d listed twice", i, raw.Block))
		}
		if err := table.loadReplacement(i, raw.Block, replacement.Replacement); err != nil {
			return nil, err
		}

		table.entries[raw.Block] = Entry{
			Block:       nandkit.BlockID(raw.Block),
			Reason:      reason,
			DetectedAt:  raw.DetectedAt,
			Replacement: nandkit.BlockID(replacement.Replacement),
		}
		table.badBlocks.Set(int(raw.Block), true)
		if raw.DetectedAt > table.clock {
			table.clock = raw.DetectedAt
		}
	}
	for spare := range table.owners {
		if table.badBlocks.Get(int(spare)) {
			return nil, errors.ErrTableUnknown.WithMessage(
				fmt.Sprintf("spare block %d is in use but listed as bad", spare))
		}
	}
	if header.Clock > table.clock {
		table.clock = header.Clock
	}
	return table, nil
}

func (t *Table) loadReplacement(index uint32, block, replacement uint32) error {
	if replacement == 0 {
		return nil
	}
	switch {
	case block >= t.spareStart:
		return errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("entry %d: spare block %d has a replacement", index, block))
	case replacement < t.spareStart || replacement >= t.totalBlocks:
		return errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("entry %d: replacement %d is outside the spare reserve", index, replacement))
	}
	if owner, used := t.owners[replacement]; used {
		return errors.ErrTableUnknown.WithMessage(fmt.Sprintf(
			"entry %d: spare %d already replaces block %d", index, replacement, owner))
	}
	t.owners[replacement] = block
	return nil
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler]. On error the table
// is left unchanged.
func (t *Table) UnmarshalBinary(data []byte) error {
	loaded, err := Load(data)
	if err != nil {
		return err
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	t.totalBlocks = loaded.totalBlocks
	t.spareStart = loaded.spareStart
	t.badBlocks = loaded.badBlocks
	t.entries = loaded.entries
	t.owners = loaded.owners
	t.clock = loaded.clock
	return nil
}
