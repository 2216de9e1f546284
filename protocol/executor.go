package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/cloner"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/imagecache"
	"github.com/dargueta/nandkit/job"
	"github.com/dargueta/nandkit/programmer"
	"github.com/dargueta/nandkit/wear"
	"github.com/rs/zerolog"
)

// blobChunkSize is how much of a table or mapping goes in one frame.
const blobChunkSize = 32 * 1024

type executorOptions struct {
	keepalive   time.Duration
	logger      zerolog.Logger
	cloneTarget *cloner.Endpoint
	programOpts []programmer.Option
}

type ExecutorOption func(*executorOptions)

// KeepaliveInterval sets how often a "still working" frame goes out while a
// command runs.
func KeepaliveInterval(d time.Duration) ExecutorOption {
	return func(o *executorOptions) {
		o.keepalive = d
	}
}

func ExecutorLogger(logger zerolog.Logger) ExecutorOption {
	return func(o *executorOptions) {
		o.logger = logger
	}
}

// CloneTarget attaches a second chip that CloneStart copies onto. Its table may
// be nil, in which case the clone scans it first.
func CloneTarget(target cloner.Endpoint) ExecutorOption {
	return func(o *executorOptions) {
		o.cloneTarget = &target
	}
}

// ProgramOptions are applied to every programmer the executor creates, before
// the per-request settings of ProgramStart.
func ProgramOptions(opts ...programmer.Option) ExecutorOption {
	return func(o *executorOptions) {
		o.programOpts = append(o.programOpts, opts...)
	}
}

// Executor answers commands on the device side. It owns the chip, its bad
// block table, and its wear ledger, and runs at most one long job at a time.
type Executor struct {
	transport nandkit.Transport
	geometry  nandkit.Geometry
	options   executorOptions
	log       zerolog.Logger
	jobs      *job.Registry

	jobCtx     context.Context
	cancelJobs context.CancelFunc

	lock        sync.Mutex
	table       *bbt.Table
	ledger      *wear.Ledger
	staging     *imagecache.Cache
	kinds       map[uint16]JobKind
	cloneTarget *cloner.Endpoint
	mapping     []byte
	pending     map[Command][]byte
}

// NewExecutor creates an executor for the chip behind `transport`.
func NewExecutor(
	transport nandkit.Transport,
	g nandkit.Geometry,
	table *bbt.Table,
	ledger *wear.Ledger,
	opts ...ExecutorOption,
) (*Executor, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if table == nil || table.TotalBlocks() != g.TotalBlocks {
		return nil, errors.ErrGeometryMismatch.WithMessage("bad block table doesn't match the chip")
	}
	if ledger == nil {
		ledger = wear.New(g.TotalBlocks, 0, table)
	} else if ledger.TotalBlocks() != g.TotalBlocks {
		return nil, errors.ErrGeometryMismatch.WithMessage("wear ledger doesn't match the chip")
	}

	o := executorOptions{
		keepalive: 250 * time.Millisecond,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		transport:   transport,
		geometry:    g,
		options:     o,
		log:         o.logger.With().Str("component", "executor").Logger(),
		jobs:        job.NewRegistry(),
		jobCtx:      ctx,
		cancelJobs:  cancel,
		table:       table,
		ledger:      ledger,
		kinds:       make(map[uint16]JobKind),
		cloneTarget: o.cloneTarget,
		pending:     make(map[Command][]byte),
	}, nil
}

// Table returns the bad block table currently in use.
func (e *Executor) Table() *bbt.Table {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.table
}

// Ledger returns the wear ledger currently in use.
func (e *Executor) Ledger() *wear.Ledger {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.ledger
}

// Close cancels any running job. The job stops after its current unit.
func (e *Executor) Close() {
	e.cancelJobs()
}

type cachedResponse struct {
	request  Frame
	response Frame
}

func (c *cachedResponse) answers(request Frame) bool {
	return c != nil &&
		c.request.Seq == request.Seq &&
		c.request.Command == request.Command &&
		bytes.Equal(c.request.Payload, request.Payload)
}

// Serve answers requests from `channel` until it's closed or ctx is done. A
// request repeating the last one's sequence number and content gets the
// cached response again instead of being executed twice. Damaged requests are
// dropped without a response; the client times out and retries.
func (e *Executor) Serve(ctx context.Context, channel io.ReadWriter) error {
	if closer, ok := channel.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	reader := bufio.NewReader(channel)
	var last *cachedResponse
	for {
		request, err := ReadFrame(reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errors.ErrChecksum) || errors.Is(err, errors.ErrProtocol) {
				e.log.Debug().Err(err).Msg("dropping damaged request")
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if last.answers(request) {
			e.log.Debug().Stringer("request", request).Msg("replaying cached response")
			if err := WriteFrame(channel, last.response); err != nil {
				return err
			}
			continue
		}

		payload := e.run(ctx, channel, request)
		response := Frame{Command: request.Command, Seq: request.Seq, Payload: payload}
		last = &cachedResponse{request: request, response: response}
		if err := WriteFrame(channel, response); err != nil {
			return err
		}
	}
}

// run executes one request, sending keepalive frames while it's in progress.
func (e *Executor) run(ctx context.Context, channel io.Writer, request Frame) []byte {
	done := make(chan []byte, 1)
	go func() {
		done <- e.Handle(ctx, request.Command, request.Payload)
	}()

	ticker := time.NewTicker(e.options.keepalive)
	defer ticker.Stop()
	keepalive := Frame{Command: request.Command, Seq: request.Seq, Payload: []byte{byte(errors.InProgress)}}
	for {
		select {
		case payload := <-done:
			return payload
		case <-ticker.C:
			if err := WriteFrame(channel, keepalive); err != nil {
				e.log.Warn().Err(err).Msg("failed to send keepalive")
			}
		}
	}
}

// Handle executes one command and returns the response payload, status byte
// included.
func (e *Executor) Handle(ctx context.Context, cmd Command, payload []byte) []byte {
	body, err := e.dispatch(ctx, cmd, payload)
	if err != nil {
		e.log.Debug().Stringer("command", cmd).Err(err).Msg("command failed")
		return encodeError(err)
	}
	return encodeStatus(errors.OK, body)
}

func (e *Executor) dispatch(ctx context.Context, cmd Command, payload []byte) ([]byte, error) {
	if !cmd.Known() {
		return nil, errors.Errorf(errors.ENOTSUP, "unknown command 0x%02X", uint8(cmd))
	}
	if cmd.usesBus() && e.jobs.Running() {
		return nil, errors.ErrBusy.WithMessage(fmt.Sprintf("%s refused while a job is running", cmd))
	}

	switch cmd {
	case CmdPing:
		return payload, nil
	case CmdReadID:
		return e.transport.ReadID(ctx)
	case CmdReset:
		return nil, e.reset()
	case CmdGetGeometry:
		return EncodeGeometry(e.geometry), nil

	case CmdReadPage:
		addr, _, err := decodeAddress(payload)
		if err != nil {
			return nil, err
		}
		return e.transport.ReadPage(ctx, addr)
	case CmdWritePage:
		addr, data, err := decodeAddress(payload)
		if err != nil {
			return nil, err
		}
		if err := e.checkWritable(addr.Block); err != nil {
			return nil, err
		}
		return nil, e.transport.WritePage(ctx, addr, data)
	case CmdEraseBlock:
		addr, _, err := decodeAddress(payload)
		if err != nil {
			return nil, err
		}
		if err := e.checkWritable(addr.Block); err != nil {
			return nil, err
		}
		return nil, e.transport.EraseBlock(ctx, addr)
	case CmdReadStatus:
		return e.status().encode(), nil

	case CmdProgramWithVerify:
		return e.programWithVerify(ctx, payload)
	case CmdEraseWithVerify:
		return e.eraseWithVerify(ctx, payload)
	case CmdStageImage:
		return nil, e.stage(payload)
	case CmdProgramStart:
		return e.startProgram(payload)
	case CmdCloneStart:
		return e.startClone(payload)
	case CmdScanStart:
		return e.startScan()
	case CmdProgramStatus:
		return e.jobStatus(ProgramJob, payload)
	case CmdCloneStatus:
		return e.jobStatus(CloneJob, payload)
	case CmdScanStatus:
		return e.jobStatus(ScanJob, payload)
	case CmdProgramAbort:
		return nil, e.abortJob(ProgramJob, payload)
	case CmdCloneAbort:
		return nil, e.abortJob(CloneJob, payload)
	case CmdScanAbort:
		return nil, e.abortJob(ScanJob, payload)
	case CmdCloneMapping:
		e.lock.Lock()
		mapping := e.mapping
		e.lock.Unlock()
		if mapping == nil {
			return nil, errors.ErrNotFound.WithMessage("no clone has run")
		}
		return readChunk(mapping, payload)

	case CmdReadBBT:
		data, err := e.Table().MarshalBinary()
		if err != nil {
			return nil, err
		}
		return readChunk(data, payload)
	case CmdReadWear:
		data, err := e.Ledger().MarshalBinary()
		if err != nil {
			return nil, err
		}
		return readChunk(data, payload)
	case CmdWriteBBT:
		return nil, e.receiveChunk(cmd, payload, e.replaceTable)
	case CmdWriteWear:
		return nil, e.receiveChunk(cmd, payload, e.replaceLedger)
	case CmdMarkBadBlock:
		block, reason, err := decodeMark(payload)
		if err != nil {
			return nil, err
		}
		_, err = e.Table().Mark(block, reason)
		return nil, err
	case CmdClearBadBlock:
		block, _, err := decodeBlock(payload)
		if err != nil {
			return nil, err
		}
		if err := e.geometry.CheckBlock(block); err != nil {
			return nil, err
		}
		e.Table().Clear(block)
		return nil, nil
	}
	return nil, errors.Errorf(errors.ENOTSUP, "%s is not implemented", cmd)
}

func (e *Executor) checkWritable(block nandkit.BlockID) error {
	if err := e.geometry.CheckBlock(block); err != nil {
		return err
	}
	if e.Table().IsBad(block) {
		return errors.ErrBadBlock.WithMessage(fmt.Sprintf("block %d is in the bad block table", block))
	}
	return nil
}

func (e *Executor) reset() error {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.staging = nil
	e.pending = make(map[Command][]byte)
	for id := range e.kinds {
		e.jobs.Forget(id)
		if _, err := e.jobs.Get(id); err != nil {
			delete(e.kinds, id)
		}
	}
	return nil
}

func (e *Executor) status() DeviceStatus {
	e.lock.Lock()
	defer e.lock.Unlock()

	status := DeviceStatus{BadBlocks: uint32(e.table.Count())}
	for id := range e.kinds {
		handle, err := e.jobs.Get(id)
		if err != nil {
			continue
		}
		if _, result := handle.Status(); result == nil {
			status.Busy = true
			status.ActiveJob = id
		}
	}
	return status
}

func (e *Executor) newProgrammer(extra ...programmer.Option) (*programmer.Programmer, error) {
	opts := append([]programmer.Option{programmer.Logger(e.options.logger)}, e.options.programOpts...)
	opts = append(opts, extra...)
	return programmer.New(e.transport, e.geometry, e.Table(), e.Ledger(), opts...)
}

func (e *Executor) programWithVerify(ctx context.Context, payload []byte) ([]byte, error) {
	addr, data, err := decodeAddress(payload)
	if err != nil {
		return nil, err
	}
	p, err := e.newProgrammer()
	if err != nil {
		return nil, err
	}
	report, err := p.ProgramWithVerify(ctx, addr.Block, addr.Page, data)
	if err != nil {
		return nil, err
	}
	return VerifyReport{CorrectedBits: uint16(report.CorrectedBits), EraseCount: report.EraseCount}.encode(), nil
}

func (e *Executor) eraseWithVerify(ctx context.Context, payload []byte) ([]byte, error) {
	block, _, err := decodeBlock(payload)
	if err != nil {
		return nil, err
	}
	p, err := e.newProgrammer()
	if err != nil {
		return nil, err
	}
	count, err := p.EraseWithVerify(ctx, block)
	if err != nil {
		return nil, err
	}
	return VerifyReport{EraseCount: count}.encode(), nil
}

// stage writes one chunk of an image upload into the staging area, which is
// created, fully erased, on the first chunk.
func (e *Executor) stage(payload []byte) error {
	offset, chunk, err := decodeStageChunk(payload)
	if err != nil {
		return err
	}

	e.lock.Lock()
	if e.staging == nil {
		e.staging = imagecache.NewErased(e.geometry.BlockSize(), e.geometry.TotalBlocks)
	}
	staging := e.staging
	e.lock.Unlock()

	if offset > uint64(staging.Size()) {
		return errors.Errorf(errors.ERANGE, "offset %d is past the end of the chip", offset)
	}
	_, err = staging.WriteAt(chunk, int64(offset))
	return err
}

func (e *Executor) launch(kind JobKind, stepper job.Stepper) ([]byte, error) {
	handle, err := e.jobs.Start(e.jobCtx, stepper)
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	e.kinds[handle.ID] = kind
	e.lock.Unlock()

	e.log.Info().Uint16("job", handle.ID).Stringer("kind", kind).Msg("job started")
	go func() {
		<-handle.Done()
		_, result := handle.Status()
		e.log.Info().Uint16("job", handle.ID).Stringer("result", result).Msg("job finished")
	}()
	return encodeJobID(handle.ID), nil
}

func (e *Executor) startProgram(payload []byte) ([]byte, error) {
	request, err := decodeProgramRequest(payload)
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	staging := e.staging
	e.lock.Unlock()
	if staging == nil {
		return nil, errors.ErrInvalidArgument.WithMessage("no image has been staged")
	}

	p, err := e.newProgrammer(
		programmer.Verify(request.Verify),
		programmer.SkipBlankPages(request.SkipBlankPages),
		programmer.Scheme(request.Scheme),
	)
	if err != nil {
		return nil, err
	}
	return e.launch(ProgramJob, p.FullChipProgram(staging.BlockReader()))
}

func (e *Executor) startClone(payload []byte) ([]byte, error) {
	if err := needLength("clone request", payload, 1); err != nil {
		return nil, err
	}
	mode := cloner.Mode(payload[0])

	e.lock.Lock()
	target := e.cloneTarget
	e.lock.Unlock()
	if target == nil {
		return nil, errors.ErrNotSupported.WithMessage("no clone target is attached")
	}

	source := cloner.Endpoint{
		Transport: e.transport,
		Geometry:  e.geometry,
		Table:     e.Table(),
		Ledger:    e.Ledger(),
	}
	store := cloner.MappingStoreFunc(func(m *cloner.Mapping) error {
		data, err := m.MarshalBinary()
		if err != nil {
			return err
		}
		e.lock.Lock()
		e.mapping = data
		e.lock.Unlock()
		return nil
	})
	c, err := cloner.New(source, *target, mode, cloner.Store(store), cloner.Logger(e.options.logger))
	if err != nil {
		return nil, err
	}

	// Later clones reuse what this one learns about the target.
	e.lock.Lock()
	e.cloneTarget.Table = c.DestinationTable()
	e.cloneTarget.Ledger = c.DestinationLedger()
	e.lock.Unlock()
	return e.launch(CloneJob, c)
}

func (e *Executor) startScan() ([]byte, error) {
	scanner := bbt.NewScanner(e.geometry, e.transport.ReadPage, e.Table())
	return e.launch(ScanJob, scanner)
}

func (e *Executor) handle(kind JobKind, payload []byte) (*job.Handle, error) {
	id, err := decodeJobID(payload)
	if err != nil {
		return nil, err
	}
	e.lock.Lock()
	actual, ok := e.kinds[id]
	e.lock.Unlock()
	if !ok || actual != kind {
		return nil, errors.ErrNoSuchJob.WithMessage(fmt.Sprintf("no %s job %d", kind, id))
	}
	return e.jobs.Get(id)
}

func (e *Executor) jobStatus(kind JobKind, payload []byte) ([]byte, error) {
	handle, err := e.handle(kind, payload)
	if err != nil {
		return nil, err
	}
	snapshot, result := handle.Status()
	return newJobStatus(handle.ID, snapshot, result, time.Now()).MarshalBinary()
}

func (e *Executor) abortJob(kind JobKind, payload []byte) error {
	handle, err := e.handle(kind, payload)
	if err != nil {
		return err
	}
	handle.Abort()
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Chunked blobs

func readChunk(blob []byte, request []byte) ([]byte, error) {
	if err := needLength("read offset", request, 4); err != nil {
		return nil, err
	}
	offset := int(binary.LittleEndian.Uint32(request))
	if offset > len(blob) {
		return nil, errors.Errorf(errors.ERANGE, "offset %d is past the end (%d bytes)", offset, len(blob))
	}
	end := offset + blobChunkSize
	if end > len(blob) {
		end = len(blob)
	}
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+end-offset), uint32(len(blob)))
	return append(out, blob[offset:end]...), nil
}

// receiveChunk accumulates a chunked upload and hands the whole blob to
// `apply` once the last chunk arrives. Chunks must come in order.
func (e *Executor) receiveChunk(cmd Command, payload []byte, apply func([]byte) error) error {
	if err := needLength("write chunk", payload, 8); err != nil {
		return err
	}
	total := int(binary.LittleEndian.Uint32(payload[0:4]))
	offset := int(binary.LittleEndian.Uint32(payload[4:8]))
	chunk := payload[8:]

	e.lock.Lock()
	buffer := e.pending[cmd]
	if offset == 0 {
		buffer = make([]byte, 0, total)
	}
	if offset != len(buffer) || offset+len(chunk) > total {
		delete(e.pending, cmd)
		e.lock.Unlock()
		return errors.Errorf(
			errors.EINVAL, "%s chunk at %d doesn't continue the %d bytes received", cmd, offset, len(buffer))
	}
	buffer = append(buffer, chunk...)
	if len(buffer) < total {
		e.pending[cmd] = buffer
		e.lock.Unlock()
		return nil
	}
	delete(e.pending, cmd)
	e.lock.Unlock()
	return apply(buffer)
}

func (e *Executor) replaceTable(data []byte) error {
	table, err := bbt.Load(data)
	if err != nil {
		return err
	}
	if table.TotalBlocks() != e.geometry.TotalBlocks {
		return errors.Errorf(
			errors.EGEOMETRY, "table covers %d blocks, chip has %d", table.TotalBlocks(), e.geometry.TotalBlocks)
	}

	e.lock.Lock()
	defer e.lock.Unlock()
	e.table = table
	e.ledger.AttachTable(table)
	return nil
}

func (e *Executor) replaceLedger(data []byte) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	ledger, err := wear.Load(data, e.table)
	if err != nil {
		return err
	}
	if ledger.TotalBlocks() != e.geometry.TotalBlocks {
		return errors.Errorf(
			errors.EGEOMETRY, "ledger covers %d blocks, chip has %d", ledger.TotalBlocks(), e.geometry.TotalBlocks)
	}
	e.ledger = ledger
	return nil
}
