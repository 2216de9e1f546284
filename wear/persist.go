package wear

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/errors"
	"github.com/noxer/bytewriter"
)

// Persisted layout, little endian:
//
//	header   magic "NWLR", version u16, reserved u16, total_blocks u32,
//	         endurance u32
//	records  erase_count u32, program_count u32, one per block
//	trailer  CRC-32 (IEEE) of everything before it
const (
	FormatVersion uint16 = 1
	headerSize           = 16
	recordSize           = 8
	trailerSize          = 4
)

var formatMagic = [4]byte{'N', 'W', 'L', 'R'}

type rawHeader struct {
	Magic       [4]byte
	Version     uint16
	Reserved    uint16
	TotalBlocks uint32
	Endurance   uint32
}

// MarshalBinary implements [encoding.BinaryMarshaler].
func (l *Ledger) MarshalBinary() ([]byte, error) {
	l.lock.RLock()
	defer l.lock.RUnlock()

	total := len(l.erases)
	output := make([]byte, headerSize+total*recordSize+trailerSize)
	writer := bytewriter.New(output)

	header := rawHeader{
		Magic:       formatMagic,
		Version:     FormatVersion,
		TotalBlocks: uint32(total),
		Endurance:   l.endurance,
	}
	if err := binary.Write(writer, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	for i := 0; i < total; i++ {
		record := [2]uint32{l.erases[i], l.programs[i]}
		if err := binary.Write(writer, binary.LittleEndian, &record); err != nil {
			return nil, err
		}
	}

	checksum := crc32.ChecksumIEEE(output[:len(output)-trailerSize])
	if err := binary.Write(writer, binary.LittleEndian, checksum); err != nil {
		return nil, err
	}
	return output, nil
}

// Load reconstructs a ledger from [Ledger.MarshalBinary] output and attaches
// `table` to it. Damage yields [errors.ErrTableUnknown], a newer format
// [errors.ErrUnsupportedFormat].
func Load(data []byte, table *bbt.Table) (*Ledger, error) {
	if len(data) < headerSize+trailerSize {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("persisted ledger is %d bytes, too short for a header", len(data)))
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
			fmt.Sprintf("ledger format version %d, newest supported is %d", header.Version, FormatVersion))
	}
	if header.Version == 0 {
		return nil, errors.ErrTableUnknown.WithMessage("ledger format version 0")
	}

	expectedSize := headerSize + int(header.TotalBlocks)*recordSize + trailerSize
	if len(data) != expectedSize {
		return nil, errors.ErrTableUnknown.WithMessage(
			fmt.Sprintf("%d blocks need %d bytes, got %d", header.TotalBlocks, expectedSize, len(data)))
	}
	stored := binary.LittleEndian.Uint32(data[len(data)-trailerSize:])
	if crc32.ChecksumIEEE(data[:len(data)-trailerSize]) != stored {
		return nil, errors.ErrTableUnknown.WithMessage("checksum mismatch")
	}
	if table != nil && table.TotalBlocks() != header.TotalBlocks {
		return nil, errors.Errorf(
			errors.EGEOMETRY,
			"ledger covers %d blocks but the bad block table covers %d",
			header.TotalBlocks,
			table.TotalBlocks(),
		)
	}

	ledger := New(header.TotalBlocks, header.Endurance, table)
	for i := range ledger.erases {
		var record [2]uint32
		if err := binary.Read(reader, binary.LittleEndian, &record); err != nil {
			return nil, errors.ErrTableUnknown.Wrap(err)
		}
		ledger.erases[i] = record[0]
		ledger.programs[i] = record[1]
	}
	return ledger, nil
}
