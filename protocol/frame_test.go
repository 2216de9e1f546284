package protocol_test

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/job"
	"github.com/dargueta/nandkit/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRC16__CheckValue(t *testing.T) {
	assert.Equal(t, uint16(0x29B1), protocol.CRC16([]byte("123456789")))
	assert.Equal(t, uint16(0xFFFF), protocol.CRC16(nil))
}

func TestFrame__RoundTrip(t *testing.T) {
	frame := protocol.Frame{Command: protocol.CmdWritePage, Seq: 200, Payload: []byte{1, 2, 3, 4}}
	data, err := frame.MarshalBinary()
	require.NoError(t, err)

	assert.Equal(t, byte(protocol.StartOfFrame), data[0])
	assert.Equal(t, byte(protocol.CmdWritePage), data[1])
	assert.Equal(t, byte(200), data[2])
	assert.Equal(t, []byte{4, 0}, data[3:5])
	assert.Len(t, data, protocol.HeaderSize+4+protocol.TrailerSize)

	parsed, err := protocol.ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, frame, parsed)
}

func TestFrame__EmptyPayload(t *testing.T) {
	data, err := protocol.Frame{Command: protocol.CmdPing}.MarshalBinary()
	require.NoError(t, err)

	parsed, err := protocol.ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdPing, parsed.Command)
	assert.Empty(t, parsed.Payload)
}

func TestFrame__MaxPayload(t *testing.T) {
	_, err := protocol.Frame{Payload: make([]byte, protocol.MaxPayload)}.MarshalBinary()
	assert.NoError(t, err)

	_, err = protocol.Frame{Payload: make([]byte, protocol.MaxPayload+1)}.MarshalBinary()
	assert.ErrorIs(t, err, errors.ErrAddressOutOfRange)
}

func TestParseFrame__EveryFlippedBitIsCaught(t *testing.T) {
	data, err := protocol.Frame{Command: protocol.CmdReadPage, Seq: 7, Payload: []byte("page data")}.MarshalBinary()
	require.NoError(t, err)

	// Skip the start marker and the length field; damage there is a framing
	// error, not a checksum one.
	for i := 1; i < len(data); i++ {
		if i == 3 || i == 4 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			damaged := append([]byte(nil), data...)
			damaged[i] ^= 1 << bit
			_, err := protocol.ParseFrame(damaged)
			assert.ErrorIs(t, err, errors.ErrChecksum, "byte %d bit %d", i, bit)
		}
	}
}

func TestParseFrame__Malformed(t *testing.T) {
	data, err := protocol.Frame{Command: protocol.CmdReadPage, Payload: []byte{1, 2}}.MarshalBinary()
	require.NoError(t, err)

	_, err = protocol.ParseFrame(data[:4])
	assert.ErrorIs(t, err, errors.ErrProtocol, "too short")

	_, err = protocol.ParseFrame(data[:len(data)-1])
	assert.ErrorIs(t, err, errors.ErrProtocol, "truncated")

	wrongStart := append([]byte(nil), data...)
	wrongStart[0] = 0x5A
	_, err = protocol.ParseFrame(wrongStart)
	assert.ErrorIs(t, err, errors.ErrProtocol, "bad start marker")
}

func TestReadFrame__SkipsNoiseBetweenFrames(t *testing.T) {
	first, err := protocol.Frame{Command: protocol.CmdPing, Seq: 1, Payload: []byte("a")}.MarshalBinary()
	require.NoError(t, err)
	second, err := protocol.Frame{Command: protocol.CmdReadID, Seq: 2}.MarshalBinary()
	require.NoError(t, err)

	var stream bytes.Buffer
	stream.Write([]byte{0x00, 0x13, 0x37})
	stream.Write(first)
	stream.Write([]byte{0xFF})
	stream.Write(second)
	reader := bufio.NewReader(&stream)

	frame, err := protocol.ReadFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), frame.Seq)

	frame, err = protocol.ReadFrame(reader)
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdReadID, frame.Command)
}

////////////////////////////////////////////////////////////////////////////////
// Commands

func TestCommand__Ranges(t *testing.T) {
	cases := map[protocol.Command]protocol.Range{
		protocol.CmdPing:              protocol.RangeGeneral,
		protocol.CmdGetGeometry:       protocol.RangeGeneral,
		protocol.CmdReadPage:          protocol.RangeBus,
		protocol.CmdReadStatus:        protocol.RangeBus,
		protocol.CmdProgramWithVerify: protocol.RangeProgramming,
		protocol.CmdProgramAbort:      protocol.RangeProgramming,
		protocol.CmdCloneStart:        protocol.RangeCloning,
		protocol.CmdCloneMapping:      protocol.RangeCloning,
		protocol.CmdReadBBT:           protocol.RangeTables,
		protocol.CmdWriteWear:         protocol.RangeTables,
		protocol.Command(0x7F):        protocol.RangeUnassigned,
		protocol.Command(0xFF):        protocol.RangeUnassigned,
	}
	for cmd, expected := range cases {
		assert.Equal(t, expected, cmd.Range(), "%s", cmd)
	}
	assert.Equal(t, protocol.CmdCloneStart, protocol.RangeCloning.First())
}

func TestCommand__Names(t *testing.T) {
	assert.Equal(t, "ScanAbort", protocol.CmdScanAbort.String())
	assert.Equal(t, "Command(0x7F)", protocol.Command(0x7F).String())
	assert.True(t, protocol.CmdStageImage.Known())
	assert.False(t, protocol.Command(0x2F).Known())
}

////////////////////////////////////////////////////////////////////////////////
// Payloads

func TestJobStatus__RoundTrip(t *testing.T) {
	status := protocol.JobStatus{
		ID:             9,
		Status:         job.Failed,
		Failure:        errors.ETIMEDOUT,
		Message:        "bus went quiet",
		TotalUnits:     1024,
		CompletedUnits: 100,
		CurrentBlock:   101,
		Remaining:      42 * time.Second,
		Skipped:        []uint32{5, 77},
		SkippedTotal:   2,
	}
	data, err := status.MarshalBinary()
	require.NoError(t, err)

	parsed, err := protocol.UnmarshalJobStatus(data)
	require.NoError(t, err)
	assert.Equal(t, status, parsed)
	assert.ErrorIs(t, parsed.Err(), errors.ErrTimeout)
	assert.InDelta(t, 100.0/1024.0, parsed.Fraction(), 1e-9)
}

func TestJobStatus__HugeSkipListIsTruncated(t *testing.T) {
	skipped := make([]uint32, 20000)
	for i := range skipped {
		skipped[i] = uint32(i)
	}
	data, err := protocol.JobStatus{Status: job.CompletedWithSkippedBlocks, Skipped: skipped}.MarshalBinary()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), protocol.MaxPayload-1)

	parsed, err := protocol.UnmarshalJobStatus(data)
	require.NoError(t, err)
	assert.EqualValues(t, 20000, parsed.SkippedTotal)
	assert.Less(t, len(parsed.Skipped), 20000)
	assert.Equal(t, skipped[:len(parsed.Skipped)], parsed.Skipped)
	assert.NoError(t, parsed.Err())
}

func TestJobStatus__Truncated(t *testing.T) {
	data, err := protocol.JobStatus{Skipped: []uint32{1}}.MarshalBinary()
	require.NoError(t, err)
	_, err = protocol.UnmarshalJobStatus(data[:len(data)-1])
	assert.ErrorIs(t, err, errors.ErrProtocol)
}

func TestGeometry__RoundTrip(t *testing.T) {
	g, err := protocol.DecodeGeometry(protocol.EncodeGeometry(testGeometry))
	require.NoError(t, err)
	assert.Equal(t, testGeometry, g)

	broken := protocol.EncodeGeometry(testGeometry)
	broken[16] = 12
	_, err = protocol.DecodeGeometry(broken)
	assert.ErrorIs(t, err, errors.ErrProtocol)
}
