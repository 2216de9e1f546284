package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dargueta/nandkit/errors"
)

const (
	// StartOfFrame marks the first byte of every frame.
	StartOfFrame = 0xA5
	// HeaderSize covers SOF, command, sequence number, and payload length.
	HeaderSize = 5
	// TrailerSize is the CRC.
	TrailerSize = 2
	// MaxPayload is the largest payload the length field can describe.
	MaxPayload = 0xFFFF
)

// CRC-16-CCITT parameters.
const (
	crc16Polynomial   = 0x1021
	crc16InitialValue = 0xFFFF
)

// Frame is one request or response. A response echoes the command and
// sequence number of the request it answers.
//
// Wire layout, multibyte fields little-endian:
//
//	[SOF][CMD][SEQ][LEN_L][LEN_H][PAYLOAD...][CRC_L][CRC_H]
//
// The CRC covers CMD through the end of the payload.
type Frame struct {
	Command Command
	Seq     uint8
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("%s#%d (%d bytes)", f.Command, f.Seq, len(f.Payload))
}

// CRC16 computes CRC-16-CCITT with initial value 0xFFFF and no final XOR.
func CRC16(data []byte) uint16 {
	crc := uint16(crc16InitialValue)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ crc16Polynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// MarshalBinary encodes the frame for the wire.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, errors.Errorf(
			errors.ERANGE, "payload is %d bytes, limit is %d", len(f.Payload), MaxPayload)
	}

	frame := make([]byte, 0, HeaderSize+len(f.Payload)+TrailerSize)
	frame = append(frame, StartOfFrame, byte(f.Command), f.Seq)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(f.Payload)))
	frame = append(frame, f.Payload...)
	frame = binary.LittleEndian.AppendUint16(frame, CRC16(frame[1:]))
	return frame, nil
}

// ParseFrame decodes exactly one frame. A bad checksum is
// [errors.ErrChecksum]; anything structurally wrong is [errors.ErrProtocol].
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < HeaderSize+TrailerSize {
		return Frame{}, errors.Errorf(
			errors.EPROTO,
			"frame too short: got %d bytes, minimum is %d",
			len(data),
			HeaderSize+TrailerSize,
		)
	}
	if data[0] != StartOfFrame {
		return Frame{}, errors.Errorf(
			errors.EPROTO, "invalid start of frame: got 0x%02X, expected 0x%02X", data[0], StartOfFrame)
	}

	payloadLength := int(binary.LittleEndian.Uint16(data[3:5]))
	expected := HeaderSize + payloadLength + TrailerSize
	if len(data) != expected {
		return Frame{}, errors.Errorf(
			errors.EPROTO, "frame length mismatch: got %d bytes, header implies %d", len(data), expected)
	}

	end := HeaderSize + payloadLength
	want := binary.LittleEndian.Uint16(data[end:])
	if got := CRC16(data[1:end]); got != want {
		return Frame{}, errors.Errorf(
			errors.ECHECKSUM, "checksum mismatch: computed 0x%04X, frame has 0x%04X", got, want)
	}

	return Frame{
		Command: Command(data[1]),
		Seq:     data[2],
		Payload: append([]byte(nil), data[HeaderSize:end]...),
	}, nil
}

// ReadFrame reads the next frame from `r`, discarding any bytes before the
// start marker. Callers should pass a buffered reader since the marker is
// searched for one byte at a time.
func ReadFrame(r io.Reader) (Frame, error) {
	header := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(r, header[:1]); err != nil {
			return Frame{}, err
		}
		if header[0] == StartOfFrame {
			break
		}
	}
	if _, err := io.ReadFull(r, header[1:]); err != nil {
		return Frame{}, err
	}

	payloadLength := int(binary.LittleEndian.Uint16(header[3:5]))
	frame := make([]byte, HeaderSize+payloadLength+TrailerSize)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[HeaderSize:]); err != nil {
		return Frame{}, err
	}
	return ParseFrame(frame)
}

// WriteFrame encodes `f` and writes it to `w` in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
