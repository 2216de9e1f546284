package protocol

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/bbt"
	"github.com/dargueta/nandkit/cloner"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/wear"
	"github.com/rs/zerolog"
)

type clientOptions struct {
	timeout        time.Duration
	retries        int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	chunkSize      int
	logger         zerolog.Logger
}

type ClientOption func(*clientOptions)

// Timeout bounds each frame exchange. Every "still working" frame from the
// device restarts the clock.
func Timeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// Retries sets how many times an exchange is repeated after a timeout or a
// corrupted response before the command fails.
func Retries(n int) ClientOption {
	return func(o *clientOptions) {
		o.retries = n
	}
}

// Backoff sets the delay before the first retry and the cap it doubles up to.
func Backoff(initial, max time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.initialBackoff = initial
		o.maxBackoff = max
	}
}

// ChunkSize sets how many bytes of an image go in each StageImage frame.
func ChunkSize(n int) ClientOption {
	return func(o *clientOptions) {
		o.chunkSize = n
	}
}

func ClientLogger(logger zerolog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

type incoming struct {
	frame Frame
	err   error
}

// Client drives a device over a byte channel. It implements
// [nandkit.Transport], so everything built on a transport runs unchanged
// against a remote chip.
//
// Only one command is ever outstanding: every method holds the client's lock
// from the moment its request is sent until a terminal response arrives or the
// retries run out.
type Client struct {
	lock     sync.Mutex
	channel  io.ReadWriter
	frames   chan incoming
	done     chan struct{}
	closing  sync.Once
	seq      uint8
	options  clientOptions
	log      zerolog.Logger
	geometry *nandkit.Geometry
}

// NewClient starts reading responses from `channel`. Close the client, or the
// channel, to stop.
func NewClient(channel io.ReadWriter, opts ...ClientOption) *Client {
	o := clientOptions{
		timeout:        2 * time.Second,
		retries:        4,
		initialBackoff: 20 * time.Millisecond,
		maxBackoff:     time.Second,
		chunkSize:      4096,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		channel: channel,
		frames:  make(chan incoming, 4),
		done:    make(chan struct{}),
		seq:     uint8(rand.Intn(256)),
		options: o,
		log:     o.logger.With().Str("component", "client").Logger(),
	}
	go c.readLoop()
	return c
}

// readLoop hands frames to the command waiting for them. It stops when the
// channel fails or the client is closed, even if nobody is reading.
func (c *Client) readLoop() {
	defer close(c.frames)
	reader := bufio.NewReader(c.channel)
	for {
		frame, err := ReadFrame(reader)
		in := incoming{frame: frame, err: err}
		fatal := err != nil && !errors.Is(err, errors.ErrChecksum) && !errors.Is(err, errors.ErrProtocol)
		if fatal {
			in = incoming{err: errors.ErrDisconnected.Wrap(err)}
		}

		select {
		case <-c.done:
			return
		default:
		}
		select {
		case c.frames <- in:
		case <-c.done:
			return
		}
		if fatal {
			return
		}
	}
}

// Close stops the client and closes the channel if it can be closed.
func (c *Client) Close() error {
	var err error
	c.closing.Do(func() {
		close(c.done)
		if closer, ok := c.channel.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}

// linkError reports whether an exchange failed in a way worth retrying.
func linkError(err error) bool {
	return errors.Is(err, errors.ErrTimeout) ||
		errors.Is(err, errors.ErrChecksum) ||
		errors.Is(err, errors.ErrProtocol)
}

// Exchange sends one command and returns the body of its OK response. A
// non-OK status from the device comes back as an error with that code and is
// never retried; the device already acted on the request.
func (c *Client) Exchange(ctx context.Context, cmd Command, payload []byte) ([]byte, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.seq++
	request := Frame{Command: cmd, Seq: c.seq, Payload: payload}
	delays := newBackoff(c.options.initialBackoff, c.options.maxBackoff)

	var lastErr error
	for attempt := 0; attempt <= c.options.retries; attempt++ {
		if attempt > 0 {
			c.log.Debug().
				Stringer("command", cmd).
				Int("attempt", attempt+1).
				Err(lastErr).
				Msg("retrying")
			if err := delays.sleep(ctx); err != nil {
				return nil, err
			}
		}

		body, err := c.attempt(ctx, request)
		if err == nil {
			return body, nil
		}
		if !linkError(err) {
			return nil, err
		}
		lastErr = err
	}

	c.log.Warn().Stringer("command", cmd).Err(lastErr).Msg("giving up")
	return nil, errors.NewFromError(
		errors.CodeOf(lastErr),
		fmt.Errorf("%s: no valid response after %d attempts: %w", cmd, c.options.retries+1, lastErr),
	)
}

func (c *Client) attempt(ctx context.Context, request Frame) ([]byte, error) {
	if err := WriteFrame(c.channel, request); err != nil {
		return nil, errors.ErrDisconnected.Wrap(err)
	}

	timer := time.NewTimer(c.options.timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-c.done:
			return nil, errors.ErrDisconnected.WithMessage("client closed")

		case <-timer.C:
			return nil, errors.ErrTimeout.WithMessage(
				fmt.Sprintf("no response to %s within %s", request, c.options.timeout))

		case in, ok := <-c.frames:
			if !ok {
				return nil, errors.ErrDisconnected.WithMessage("channel closed")
			}
			if in.err != nil {
				// A damaged frame counts as no response at all.
				return nil, in.err
			}
			if in.frame.Seq != request.Seq || in.frame.Command != request.Command {
				c.log.Debug().Stringer("frame", in.frame).Msg("discarding stale response")
				continue
			}

			code, body, err := decodeResponse(in.frame.Payload)
			if err != nil {
				return nil, err
			}
			switch code {
			case errors.InProgress:
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(c.options.timeout)
			case errors.OK:
				return body, nil
			default:
				return nil, statusError(code, body)
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// General

// Ping sends `data` and checks that it comes back unchanged.
func (c *Client) Ping(ctx context.Context, data []byte) error {
	echo, err := c.Exchange(ctx, CmdPing, data)
	if err != nil {
		return err
	}
	if string(echo) != string(data) {
		return errors.ErrProtocol.WithMessage("ping echo doesn't match")
	}
	return nil
}

func (c *Client) ReadID(ctx context.Context) ([]byte, error) {
	return c.Exchange(ctx, CmdReadID, nil)
}

// Reset clears the device's staging area and forgets finished jobs.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.Exchange(ctx, CmdReset, nil)
	return err
}

// Geometry asks the device for its chip geometry once and caches it.
func (c *Client) Geometry(ctx context.Context) (nandkit.Geometry, error) {
	c.lock.Lock()
	cached := c.geometry
	c.lock.Unlock()
	if cached != nil {
		return *cached, nil
	}

	body, err := c.Exchange(ctx, CmdGetGeometry, nil)
	if err != nil {
		return nandkit.Geometry{}, err
	}
	g, err := DecodeGeometry(body)
	if err != nil {
		return nandkit.Geometry{}, err
	}

	c.lock.Lock()
	c.geometry = &g
	c.lock.Unlock()
	return g, nil
}

////////////////////////////////////////////////////////////////////////////////
// Bus primitives

func (c *Client) ReadPage(ctx context.Context, addr nandkit.PageAddress) ([]byte, error) {
	return c.Exchange(ctx, CmdReadPage, encodeAddress(addr))
}

func (c *Client) WritePage(ctx context.Context, addr nandkit.PageAddress, data []byte) error {
	_, err := c.Exchange(ctx, CmdWritePage, append(encodeAddress(addr), data...))
	return err
}

func (c *Client) EraseBlock(ctx context.Context, addr nandkit.PageAddress) error {
	_, err := c.Exchange(ctx, CmdEraseBlock, encodeAddress(addr))
	return err
}

func (c *Client) Status(ctx context.Context) (DeviceStatus, error) {
	body, err := c.Exchange(ctx, CmdReadStatus, nil)
	if err != nil {
		return DeviceStatus{}, err
	}
	return decodeDeviceStatus(body)
}

////////////////////////////////////////////////////////////////////////////////
// Programming

// ProgramWithVerify has the device erase `block`, program one page of it, and
// verify the page, all without further round trips.
func (c *Client) ProgramWithVerify(
	ctx context.Context, block nandkit.BlockID, page uint32, data []byte,
) (VerifyReport, error) {
	addr := nandkit.PageAddress{Block: block, Page: page}
	body, err := c.Exchange(ctx, CmdProgramWithVerify, append(encodeAddress(addr), data...))
	if err != nil {
		return VerifyReport{}, err
	}
	return decodeVerifyReport(body)
}

// EraseWithVerify returns the block's new erase count.
func (c *Client) EraseWithVerify(ctx context.Context, block nandkit.BlockID) (uint32, error) {
	body, err := c.Exchange(ctx, CmdEraseWithVerify, encodeBlock(block))
	if err != nil {
		return 0, err
	}
	report, err := decodeVerifyReport(body)
	return report.EraseCount, err
}

// StageImage uploads an image to the device's staging area, starting at byte
// 0, and returns the number of bytes sent.
func (c *Client) StageImage(ctx context.Context, image io.Reader) (int64, error) {
	chunk := make([]byte, c.options.chunkSize)
	var offset int64
	for {
		n, err := io.ReadFull(image, chunk)
		if n > 0 {
			if _, err := c.Exchange(ctx, CmdStageImage, encodeStageChunk(uint64(offset), chunk[:n])); err != nil {
				return offset, err
			}
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return offset, nil
		} else if err != nil {
			return offset, err
		}
	}
}

// StartProgram starts programming the staged image onto the whole chip.
func (c *Client) StartProgram(ctx context.Context, request ProgramRequest) (uint16, error) {
	return c.startJob(ctx, CmdProgramStart, request.encode())
}

////////////////////////////////////////////////////////////////////////////////
// Long jobs

// JobKind selects the Start/Status/Abort command triplet of a long job.
type JobKind uint8

const (
	ProgramJob JobKind = iota
	CloneJob
	ScanJob
)

func (k JobKind) String() string {
	switch k {
	case ProgramJob:
		return "program"
	case CloneJob:
		return "clone"
	case ScanJob:
		return "scan"
	}
	return fmt.Sprintf("job-kind(%d)", uint8(k))
}

func (k JobKind) commands() (status Command, abort Command) {
	switch k {
	case CloneJob:
		return CmdCloneStatus, CmdCloneAbort
	case ScanJob:
		return CmdScanStatus, CmdScanAbort
	default:
		return CmdProgramStatus, CmdProgramAbort
	}
}

func (c *Client) startJob(ctx context.Context, cmd Command, payload []byte) (uint16, error) {
	body, err := c.Exchange(ctx, cmd, payload)
	if err != nil {
		return 0, err
	}
	return decodeJobID(body)
}

// StartClone starts copying the device's chip to its clone target.
func (c *Client) StartClone(ctx context.Context, mode cloner.Mode) (uint16, error) {
	return c.startJob(ctx, CmdCloneStart, []byte{byte(mode)})
}

// StartScan rebuilds the device's bad block table from factory markers,
// keeping existing entries.
func (c *Client) StartScan(ctx context.Context) (uint16, error) {
	return c.startJob(ctx, CmdScanStart, nil)
}

func (c *Client) JobStatus(ctx context.Context, kind JobKind, id uint16) (JobStatus, error) {
	status, _ := kind.commands()
	body, err := c.Exchange(ctx, status, encodeJobID(id))
	if err != nil {
		return JobStatus{}, err
	}
	return UnmarshalJobStatus(body)
}

// AbortJob asks the device to stop the job after the unit in flight.
func (c *Client) AbortJob(ctx context.Context, kind JobKind, id uint16) error {
	_, abort := kind.commands()
	_, err := c.Exchange(ctx, abort, encodeJobID(id))
	return err
}

// WaitJob polls a job every `interval` until it finishes, calling `onUpdate`
// (if not nil) with every status it sees. A failed job's reason comes back as
// the error along with its final status.
func (c *Client) WaitJob(
	ctx context.Context,
	kind JobKind,
	id uint16,
	interval time.Duration,
	onUpdate func(JobStatus),
) (JobStatus, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		status, err := c.JobStatus(ctx, kind, id)
		if err != nil {
			return status, err
		}
		if onUpdate != nil {
			onUpdate(status)
		}
		if status.Status.Terminal() {
			return status, status.Err()
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// CloneMapping fetches the block mapping of the most recent clone.
func (c *Client) CloneMapping(ctx context.Context) (*cloner.Mapping, error) {
	data, err := c.readBlob(ctx, CmdCloneMapping)
	if err != nil {
		return nil, err
	}
	return cloner.LoadMapping(data)
}

////////////////////////////////////////////////////////////////////////////////
// Tables

// Tables and mappings can outgrow one frame, so they move in chunks. A read
// request is the byte offset; the response is the blob's total size followed
// by the chunk. A write request is the total size, the offset, and the chunk.

func (c *Client) readBlob(ctx context.Context, cmd Command) ([]byte, error) {
	var blob []byte
	for {
		body, err := c.Exchange(ctx, cmd, binary.LittleEndian.AppendUint32(nil, uint32(len(blob))))
		if err != nil {
			return nil, err
		}
		if err := needLength(cmd.String(), body, 4); err != nil {
			return nil, err
		}
		total := int(binary.LittleEndian.Uint32(body))
		blob = append(blob, body[4:]...)
		if len(blob) >= total {
			return blob[:total], nil
		}
		if len(body) == 4 {
			return nil, errors.Errorf(errors.EPROTO, "%s stopped at %d of %d bytes", cmd, len(blob), total)
		}
	}
}

func (c *Client) writeBlob(ctx context.Context, cmd Command, blob []byte) error {
	offset := 0
	for {
		end := offset + blobChunkSize
		if end > len(blob) {
			end = len(blob)
		}
		payload := binary.LittleEndian.AppendUint32(nil, uint32(len(blob)))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(offset))
		payload = append(payload, blob[offset:end]...)
		if _, err := c.Exchange(ctx, cmd, payload); err != nil {
			return err
		}
		offset = end
		if offset >= len(blob) {
			return nil
		}
	}
}

func (c *Client) ReadBBT(ctx context.Context) (*bbt.Table, error) {
	data, err := c.readBlob(ctx, CmdReadBBT)
	if err != nil {
		return nil, err
	}
	return bbt.Load(data)
}

// WriteBBT replaces the device's bad block table.
func (c *Client) WriteBBT(ctx context.Context, table *bbt.Table) error {
	data, err := table.MarshalBinary()
	if err != nil {
		return err
	}
	return c.writeBlob(ctx, CmdWriteBBT, data)
}

func (c *Client) MarkBadBlock(ctx context.Context, block nandkit.BlockID, reason bbt.Reason) error {
	_, err := c.Exchange(ctx, CmdMarkBadBlock, encodeMark(block, reason))
	return err
}

func (c *Client) ClearBadBlock(ctx context.Context, block nandkit.BlockID) error {
	_, err := c.Exchange(ctx, CmdClearBadBlock, encodeBlock(block))
	return err
}

// ReadWear fetches the device's wear ledger and attaches `table` to it.
func (c *Client) ReadWear(ctx context.Context, table *bbt.Table) (*wear.Ledger, error) {
	data, err := c.readBlob(ctx, CmdReadWear)
	if err != nil {
		return nil, err
	}
	return wear.Load(data, table)
}

// WriteWear replaces the device's wear ledger.
func (c *Client) WriteWear(ctx context.Context, ledger *wear.Ledger) error {
	data, err := ledger.MarshalBinary()
	if err != nil {
		return err
	}
	return c.writeBlob(ctx, CmdWriteWear, data)
}
