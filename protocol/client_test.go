package protocol_test

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dargueta/nandkit"
	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/programmer"
	"github.com/dargueta/nandkit/protocol"
	"github.com/dargueta/nandkit/sim"
	nandtest "github.com/dargueta/nandkit/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testGeometry = nandtest.SmallGeometry

// slowTransport delays every page read, so commands outlast client timeouts
// and jobs run long enough to be interrupted.
type slowTransport struct {
	nandkit.Transport
	delay time.Duration
}

func (s slowTransport) ReadPage(ctx context.Context, addr nandkit.PageAddress) ([]byte, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.Transport.ReadPage(ctx, addr)
}

type rigConfig struct {
	geometry     nandkit.Geometry
	factoryBad   []nandkit.BlockID
	transport    func(*sim.Chip) nandkit.Transport
	hostSide     func(io.ReadWriter) io.ReadWriter
	deviceSide   func(io.ReadWriter) io.ReadWriter
	clientOpts   []protocol.ClientOption
	executorOpts []protocol.ExecutorOption
}

type rig struct {
	client   *protocol.Client
	executor *protocol.Executor
	device   nandtest.Device
	geometry nandkit.Geometry
}

// newRig connects a client to an executor driving a simulated chip over an
// in-memory pipe.
func newRig(t *testing.T, cfg rigConfig) *rig {
	g := cfg.geometry
	if g.TotalBlocks == 0 {
		g = testGeometry
	}
	device := nandtest.NewDevice(t, g, cfg.factoryBad...)

	var transport nandkit.Transport = device.Chip
	if cfg.transport != nil {
		transport = cfg.transport(device.Chip)
	}
	executor, err := protocol.NewExecutor(transport, g, device.Table, device.Ledger, cfg.executorOpts...)
	require.NoError(t, err)

	hostEnd, deviceEnd := net.Pipe()
	var hostChannel io.ReadWriter = hostEnd
	var deviceChannel io.ReadWriter = deviceEnd
	if cfg.hostSide != nil {
		hostChannel = cfg.hostSide(hostEnd)
	}
	if cfg.deviceSide != nil {
		deviceChannel = cfg.deviceSide(deviceEnd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- executor.Serve(ctx, deviceChannel)
	}()

	opts := append(
		[]protocol.ClientOption{
			protocol.Timeout(time.Second),
			protocol.Backoff(time.Millisecond, 10*time.Millisecond),
		},
		cfg.clientOpts...,
	)
	client := protocol.NewClient(hostChannel, opts...)

	t.Cleanup(func() {
		cancel()
		client.Close()
		executor.Close()
		<-served
	})
	return &rig{client: client, executor: executor, device: device, geometry: g}
}

func TestClient__Basics(t *testing.T) {
	r := newRig(t, rigConfig{factoryBad: []nandkit.BlockID{5, 6}})
	ctx := context.Background()

	require.NoError(t, r.client.Ping(ctx, []byte("hello")))

	id, err := r.client.ReadID(ctx)
	require.NoError(t, err)
	assert.Equal(t, nandtest.TestChipID, id)

	g, err := r.client.Geometry(ctx)
	require.NoError(t, err)
	assert.Equal(t, testGeometry, g)

	status, err := r.client.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.Busy)
	assert.EqualValues(t, 2, status.BadBlocks)
}

func TestClient__IsATransport(t *testing.T) {
	r := newRig(t, rigConfig{})
	ctx := context.Background()

	table, err := r.client.ReadBBT(ctx)
	require.NoError(t, err)
	p, err := programmer.New(r.client, testGeometry, table, nil)
	require.NoError(t, err)

	data := bytes.Repeat([]byte{0x3C}, int(testGeometry.PageSize))
	_, err = p.ProgramWithVerify(ctx, 3, 1, data)
	require.NoError(t, err)

	read := programmer.CorrectedReader(r.client, testGeometry, nil)
	block, err := read(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, data, block[testGeometry.PageSize:2*testGeometry.PageSize])
	assert.EqualValues(t, 1, r.device.Chip.Stats().Erases)
}

func TestClient__CorruptedResponseIsRetriedWithoutReexecuting(t *testing.T) {
	var faulty *nandtest.FaultyChannel
	r := newRig(t, rigConfig{
		deviceSide: func(channel io.ReadWriter) io.ReadWriter {
			faulty = nandtest.NewFaultyChannel(channel)
			faulty.CorruptWrites(1)
			return faulty
		},
	})

	addr := nandkit.PageAddress{Block: 2, Page: 0}
	err := r.client.WritePage(context.Background(), addr, []byte{0x00, 0x11})
	require.NoError(t, err)

	assert.EqualValues(t, 1, r.device.Chip.Stats().Writes, "retried write must not be executed twice")
	assert.Equal(t, 2, faulty.Writes(), "expected the damaged response and its replay")
}

func TestClient__DroppedRequestTimesOutAndIsRetried(t *testing.T) {
	var faulty *nandtest.FaultyChannel
	r := newRig(t, rigConfig{
		hostSide: func(channel io.ReadWriter) io.ReadWriter {
			faulty = nandtest.NewFaultyChannel(channel)
			faulty.DropWrites(1)
			return faulty
		},
		clientOpts: []protocol.ClientOption{protocol.Timeout(100 * time.Millisecond)},
	})

	raw, err := r.client.ReadPage(context.Background(), nandkit.PageAddress{Block: 1, Page: 1})
	require.NoError(t, err)
	assert.Len(t, raw, int(testGeometry.RawPageSize()))
	assert.Equal(t, 2, faulty.Writes())
}

func TestClient__GivesUpAfterRetries(t *testing.T) {
	hostEnd, deviceEnd := net.Pipe()
	defer deviceEnd.Close()

	var received atomic.Int32
	go func() {
		for {
			if _, err := protocol.ReadFrame(deviceEnd); err != nil {
				return
			}
			received.Add(1)
		}
	}()

	client := protocol.NewClient(
		hostEnd,
		protocol.Timeout(30*time.Millisecond),
		protocol.Retries(2),
		protocol.Backoff(time.Millisecond, 2*time.Millisecond),
	)
	defer client.Close()

	_, err := client.ReadPage(context.Background(), nandkit.PageAddress{})
	assert.ErrorIs(t, err, errors.ErrTimeout)
	assert.True(t, errors.IsTransport(err))
	assert.Eventually(t, func() bool { return received.Load() == 3 }, time.Second, time.Millisecond)
}

func TestClient__DeviceErrorsAreNotRetried(t *testing.T) {
	var faulty *nandtest.FaultyChannel
	r := newRig(t, rigConfig{
		factoryBad: []nandkit.BlockID{4},
		hostSide: func(channel io.ReadWriter) io.ReadWriter {
			faulty = nandtest.NewFaultyChannel(channel)
			return faulty
		},
	})

	err := r.client.WritePage(context.Background(), nandkit.PageAddress{Block: 4}, []byte{0})
	assert.ErrorIs(t, err, errors.ErrBadBlock)
	assert.Equal(t, 1, faulty.Writes())
	assert.Zero(t, r.device.Chip.Stats().Writes)
}

func TestClient__KeepaliveExtendsDeadline(t *testing.T) {
	r := newRig(t, rigConfig{
		transport: func(chip *sim.Chip) nandkit.Transport {
			return slowTransport{Transport: chip, delay: 300 * time.Millisecond}
		},
		clientOpts:   []protocol.ClientOption{protocol.Timeout(100 * time.Millisecond), protocol.Retries(0)},
		executorOpts: []protocol.ExecutorOption{protocol.KeepaliveInterval(20 * time.Millisecond)},
	})

	_, err := r.client.ReadPage(context.Background(), nandkit.PageAddress{Block: 0, Page: 0})
	assert.NoError(t, err)
}

func TestClient__NoKeepaliveMeansTimeout(t *testing.T) {
	r := newRig(t, rigConfig{
		transport: func(chip *sim.Chip) nandkit.Transport {
			return slowTransport{Transport: chip, delay: 300 * time.Millisecond}
		},
		clientOpts:   []protocol.ClientOption{protocol.Timeout(50 * time.Millisecond), protocol.Retries(0)},
		executorOpts: []protocol.ExecutorOption{protocol.KeepaliveInterval(time.Hour)},
	})

	_, err := r.client.ReadPage(context.Background(), nandkit.PageAddress{Block: 0, Page: 0})
	assert.ErrorIs(t, err, errors.ErrTimeout)
}

func TestClient__ContextCancellation(t *testing.T) {
	r := newRig(t, rigConfig{
		transport: func(chip *sim.Chip) nandkit.Transport {
			return slowTransport{Transport: chip, delay: 200 * time.Millisecond}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.client.ReadPage(ctx, nandkit.PageAddress{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimitChannel__Throttles(t *testing.T) {
	var sink bytes.Buffer
	limited := protocol.LimitChannel(struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(nil), &sink}, 1000, 0)

	start := time.Now()
	_, err := limited.Write(make([]byte, 1000))
	require.NoError(t, err)
	_, err = limited.Write(make([]byte, 300))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	assert.Equal(t, 1300, sink.Len())
}

func TestLimitChannel__CarriesProtocol(t *testing.T) {
	r := newRig(t, rigConfig{
		hostSide: func(channel io.ReadWriter) io.ReadWriter {
			return protocol.LimitChannel(channel, 1<<20, 1<<20)
		},
	})
	assert.NoError(t, r.client.Ping(context.Background(), []byte("through a straw")))
}
