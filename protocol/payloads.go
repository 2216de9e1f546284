package protocol

import (
	"encoding/binary"
	"time"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/ecc"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/job"
)

// Every response payload starts with a status byte, an [errors.Code]. For OK
// the rest is the command's result; for an error it's a UTF-8 message.

func encodeStatus(code errors.Code, body []byte) []byte {
	payload := make([]byte, 0, 1+len(body))
	payload = append(payload, byte(code))
	return append(payload, body...)
}

func encodeError(err error) []byte {
	message := err.Error()
	if len(message) > MaxPayload-1 {
		message = message[:MaxPayload-1]
	}
	return encodeStatus(errors.CodeOf(err), []byte(message))
}

func decodeResponse(payload []byte) (errors.Code, []byte, error) {
	if len(payload) == 0 {
		return 0, nil, errors.ErrProtocol.WithMessage("response has no status byte")
	}
	return errors.Code(payload[0]), payload[1:], nil
}

// statusError turns a non-OK status back into an error with the same code.
func statusError(code errors.Code, body []byte) error {
	if len(body) == 0 {
		return errors.New(code)
	}
	return errors.NewWithMessage(code, string(body))
}

func needLength(what string, data []byte, length int) error {
	if len(data) < length {
		return errors.Errorf(
			errors.EPROTO, "%s payload is %d bytes, expected at least %d", what, len(data), length)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Addresses and geometry

const addressSize = 8

func encodeAddress(addr nandkit.PageAddress) []byte {
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, addressSize), addr.Block)
	return binary.LittleEndian.AppendUint32(out, addr.Page)
}

// decodeAddress returns the address and whatever follows it.
func decodeAddress(data []byte) (nandkit.PageAddress, []byte, error) {
	if err := needLength("address", data, addressSize); err != nil {
		return nandkit.PageAddress{}, nil, err
	}
	addr := nandkit.PageAddress{
		Block: binary.LittleEndian.Uint32(data[0:4]),
		Page:  binary.LittleEndian.Uint32(data[4:8]),
	}
	return addr, data[addressSize:], nil
}

func encodeBlock(block nandkit.BlockID) []byte {
	return binary.LittleEndian.AppendUint32(nil, block)
}

func decodeBlock(data []byte) (nandkit.BlockID, []byte, error) {
	if err := needLength("block", data, 4); err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint32(data), data[4:], nil
}

const geometrySize = 17

// EncodeGeometry gives the wire form of a geometry.
func EncodeGeometry(g nandkit.Geometry) []byte {
	out := make([]byte, 0, geometrySize)
	out = binary.LittleEndian.AppendUint32(out, g.PageSize)
	out = binary.LittleEndian.AppendUint32(out, g.OOBSize)
	out = binary.LittleEndian.AppendUint32(out, g.PagesPerBlock)
	out = binary.LittleEndian.AppendUint32(out, g.TotalBlocks)
	return append(out, g.BusWidth)
}

// DecodeGeometry parses and validates the wire form of a geometry.
func DecodeGeometry(data []byte) (nandkit.Geometry, error) {
	if err := needLength("geometry", data, geometrySize); err != nil {
		return nandkit.Geometry{}, err
	}
	g := nandkit.Geometry{
		PageSize:      binary.LittleEndian.Uint32(data[0:4]),
		OOBSize:       binary.LittleEndian.Uint32(data[4:8]),
		PagesPerBlock: binary.LittleEndian.Uint32(data[8:12]),
		TotalBlocks:   binary.LittleEndian.Uint32(data[12:16]),
		BusWidth:      data[16],
	}
	if err := g.Validate(); err != nil {
		return nandkit.Geometry{}, errors.ErrProtocol.Wrap(err)
	}
	return g, nil
}

////////////////////////////////////////////////////////////////////////////////
// Jobs

func encodeJobID(id uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, id)
}

func decodeJobID(data []byte) (uint16, error) {
	if err := needLength("job handle", data, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(data), nil
}

// ProgramRequest configures a full-chip program of the staged image.
type ProgramRequest struct {
	Verify         bool
	SkipBlankPages bool
	Scheme         ecc.Scheme
}

const (
	flagVerify    = 1 << 0
	flagSkipBlank = 1 << 1
)

func (r ProgramRequest) encode() []byte {
	var flags byte
	if r.Verify {
		flags |= flagVerify
	}
	if r.SkipBlankPages {
		flags |= flagSkipBlank
	}
	return []byte{flags, r.Scheme.Tag()}
}

func decodeProgramRequest(data []byte) (ProgramRequest, error) {
	if err := needLength("program request", data, 2); err != nil {
		return ProgramRequest{}, err
	}
	scheme, err := ecc.SchemeFromTag(data[1])
	if err != nil {
		return ProgramRequest{}, err
	}
	return ProgramRequest{
		Verify:         data[0]&flagVerify != 0,
		SkipBlankPages: data[0]&flagSkipBlank != 0,
		Scheme:         scheme,
	}, nil
}

// JobStatus is what the Status command of every long job returns.
type JobStatus struct {
	ID     uint16
	Status job.Status
	// Failure and Message are set when Status is [job.Failed].
	Failure        errors.Code
	Message        string
	TotalUnits     uint32
	CompletedUnits uint32
	CurrentBlock   uint32
	// Remaining is the estimated time left, rounded down to whole seconds.
	Remaining time.Duration
	Skipped   []uint32
	// SkippedTotal counts every skipped block, including any that didn't fit
	// in the frame and are missing from Skipped.
	SkippedTotal uint32
}

const jobStatusFixedSize = 2 + 1 + 1 + 4*5 + 2

// Fraction gives completion in [0, 1].
func (s JobStatus) Fraction() float64 {
	return job.Snapshot{TotalUnits: s.TotalUnits, CompletedUnits: s.CompletedUnits}.Fraction()
}

// Err returns the failure of a failed job, nil otherwise.
func (s JobStatus) Err() error {
	if s.Status != job.Failed {
		return nil
	}
	return statusError(s.Failure, []byte(s.Message))
}

func newJobStatus(id uint16, snapshot job.Snapshot, result *job.Result, now time.Time) JobStatus {
	status := JobStatus{
		ID:             id,
		Status:         job.Running,
		TotalUnits:     snapshot.TotalUnits,
		CompletedUnits: snapshot.CompletedUnits,
		CurrentBlock:   snapshot.CurrentBlock,
		Skipped:        snapshot.Skipped,
		SkippedTotal:   uint32(len(snapshot.Skipped)),
	}
	if !snapshot.EstimatedCompletion.IsZero() && snapshot.EstimatedCompletion.After(now) {
		status.Remaining = snapshot.EstimatedCompletion.Sub(now).Truncate(time.Second)
	}
	if result != nil {
		status.Status = result.Status
		status.Remaining = 0
		if result.Err != nil {
			status.Failure = errors.CodeOf(result.Err)
			status.Message = result.Err.Error()
		}
	}
	return status
}

// MarshalBinary lays out the fixed fields, then the message length and
// skipped blocks, then the message. Skipped blocks that would overflow a frame
// are left out; SkippedTotal still counts them.
func (s JobStatus) MarshalBinary() ([]byte, error) {
	message := s.Message
	room := MaxPayload - 1 - jobStatusFixedSize - 4
	if len(message) > room/2 {
		message = message[:room/2]
	}
	skipped := s.Skipped
	if limit := (room - len(message)) / 4; len(skipped) > limit {
		skipped = skipped[:limit]
	}
	skippedTotal := s.SkippedTotal
	if skippedTotal < uint32(len(s.Skipped)) {
		skippedTotal = uint32(len(s.Skipped))
	}

	out := make([]byte, 0, jobStatusFixedSize+4+4*len(skipped)+len(message))
	out = binary.LittleEndian.AppendUint16(out, s.ID)
	out = append(out, byte(s.Status), byte(s.Failure))
	out = binary.LittleEndian.AppendUint32(out, s.TotalUnits)
	out = binary.LittleEndian.AppendUint32(out, s.CompletedUnits)
	out = binary.LittleEndian.AppendUint32(out, s.CurrentBlock)
	out = binary.LittleEndian.AppendUint32(out, uint32(s.Remaining/time.Second))
	out = binary.LittleEndian.AppendUint32(out, skippedTotal)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(message)))
	out = binary.LittleEndian.AppendUint32(out, uint32(len(skipped)))
	for _, block := range skipped {
		out = binary.LittleEndian.AppendUint32(out, block)
	}
	return append(out, message...), nil
}

// UnmarshalJobStatus parses [JobStatus.MarshalBinary] output.
func UnmarshalJobStatus(data []byte) (JobStatus, error) {
	if err := needLength("job status", data, jobStatusFixedSize+4); err != nil {
		return JobStatus{}, err
	}
	s := JobStatus{
		ID:             binary.LittleEndian.Uint16(data[0:2]),
		Status:         job.Status(data[2]),
		Failure:        errors.Code(data[3]),
		TotalUnits:     binary.LittleEndian.Uint32(data[4:8]),
		CompletedUnits: binary.LittleEndian.Uint32(data[8:12]),
		CurrentBlock:   binary.LittleEndian.Uint32(data[12:16]),
		Remaining:      time.Duration(binary.LittleEndian.Uint32(data[16:20])) * time.Second,
		SkippedTotal:   binary.LittleEndian.Uint32(data[20:24]),
	}
	messageLength := int(binary.LittleEndian.Uint16(data[24:26]))
	sent := int(binary.LittleEndian.Uint32(data[26:30]))
	rest := data[jobStatusFixedSize+4:]
	if len(rest) != sent*4+messageLength {
		return JobStatus{}, errors.Errorf(
			errors.EPROTO,
			"job status carries %d trailing bytes, header implies %d",
			len(rest),
			sent*4+messageLength,
		)
	}
	if sent > 0 {
		s.Skipped = make([]uint32, sent)
		for i := range s.Skipped {
			s.Skipped[i] = binary.LittleEndian.Uint32(rest[i*4:])
		}
	}
	s.Message = string(rest[sent*4:])
	return s, nil
}

////////////////////////////////////////////////////////////////////////////////
// Miscellaneous results

// DeviceStatus is the ReadStatus result.
type DeviceStatus struct {
	Busy      bool
	ActiveJob uint16
	BadBlocks uint32
}

func (s DeviceStatus) encode() []byte {
	out := make([]byte, 0, 7)
	if s.Busy {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = binary.LittleEndian.AppendUint16(out, s.ActiveJob)
	return binary.LittleEndian.AppendUint32(out, s.BadBlocks)
}

func decodeDeviceStatus(data []byte) (DeviceStatus, error) {
	if err := needLength("device status", data, 7); err != nil {
		return DeviceStatus{}, err
	}
	return DeviceStatus{
		Busy:      data[0] != 0,
		ActiveJob: binary.LittleEndian.Uint16(data[1:3]),
		BadBlocks: binary.LittleEndian.Uint32(data[3:7]),
	}, nil
}

// VerifyReport is the result of ProgramWithVerify and EraseWithVerify.
type VerifyReport struct {
	CorrectedBits uint16
	EraseCount    uint32
}

func (r VerifyReport) encode() []byte {
	out := binary.LittleEndian.AppendUint16(make([]byte, 0, 6), r.CorrectedBits)
	return binary.LittleEndian.AppendUint32(out, r.EraseCount)
}

func decodeVerifyReport(data []byte) (VerifyReport, error) {
	if err := needLength("verify report", data, 6); err != nil {
		return VerifyReport{}, err
	}
	return VerifyReport{
		CorrectedBits: binary.LittleEndian.Uint16(data[0:2]),
		EraseCount:    binary.LittleEndian.Uint32(data[2:6]),
	}, nil
}

func encodeMark(block nandkit.BlockID, reason bbt.Reason) []byte {
	return append(encodeBlock(block), byte(reason))
}

func decodeMark(data []byte) (nandkit.BlockID, bbt.Reason, error) {
	block, rest, err := decodeBlock(data)
	if err != nil {
		return 0, 0, err
	}
	if err := needLength("mark", rest, 1); err != nil {
		return 0, 0, err
	}
	reason := bbt.Reason(rest[0])
	if !reason.Valid() {
		return 0, 0, errors.Errorf(errors.EINVAL, "invalid bad block reason %d", rest[0])
	}
	return block, reason, nil
}

func encodeStageChunk(offset uint64, chunk []byte) []byte {
	out := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(chunk)), offset)
	return append(out, chunk...)
}

func decodeStageChunk(data []byte) (uint64, []byte, error) {
	if err := needLength("stage chunk", data, 8); err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint64(data), data[8:], nil
}
