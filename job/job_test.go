package job_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/dargueta/nandkit/errors"
	"github.com/dargueta/nandkit/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStepper completes one block per step, skipping any block listed in
// `skip` and failing outright on `failAt`.
type countingStepper struct {
	total    uint32
	next     uint32
	skip     map[uint32]bool
	failAt   int64
	progress *job.Progress
	// entered, when set, is sent to when a step starts. gate, when set, is
	// received from right after.
	entered chan struct{}
	gate    chan struct{}
}

func newCountingStepper(total uint32) *countingStepper {
	return &countingStepper{
		total:    total,
		skip:     map[uint32]bool{},
		failAt:   -1,
		progress: job.NewProgress(total),
	}
}

func (s *countingStepper) Step(ctx context.Context) (bool, error) {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.next >= s.total {
		return true, nil
	}
	block := s.next
	s.progress.Begin(block)
	if int64(block) == s.failAt {
		return false, errors.ErrTimeout.WithMessage("device went away")
	}
	if s.skip[block] {
		s.progress.Skip(block, errors.ErrEraseFailed.WithMessage("simulated"))
	} else {
		s.progress.Complete(block)
	}
	s.next++
	return s.next >= s.total, nil
}

func (s *countingStepper) Progress() *job.Progress {
	return s.progress
}

func TestRun__Completed(t *testing.T) {
	s := newCountingStepper(10)
	result := job.Run(context.Background(), s, nil)

	assert.Equal(t, job.Completed, result.Status)
	assert.Empty(t, result.Skipped)
	assert.NoError(t, result.Err)
	assert.NoError(t, result.BlockErrors)

	snapshot := s.progress.Snapshot()
	assert.EqualValues(t, 10, snapshot.CompletedUnits)
	assert.EqualValues(t, 1.0, snapshot.Fraction())
}

func TestRun__SkippedBlocksAreSuccess(t *testing.T) {
	s := newCountingStepper(8)
	s.skip[2] = true
	s.skip[5] = true

	result := job.Run(context.Background(), s, nil)
	assert.Equal(t, job.CompletedWithSkippedBlocks, result.Status)
	assert.Equal(t, []uint32{2, 5}, result.Skipped)
	assert.NoError(t, result.Err)
	assert.ErrorIs(t, result.BlockErrors, errors.ErrEraseFailed)
	assert.Equal(t, "completed with skipped blocks [2 5]", result.String())
}

func TestRun__FatalErrorFailsJob(t *testing.T) {
	s := newCountingStepper(8)
	s.failAt = 3

	result := job.Run(context.Background(), s, nil)
	assert.Equal(t, job.Failed, result.Status)
	assert.ErrorIs(t, result.Err, errors.ErrTimeout)
	assert.EqualValues(t, 3, s.progress.Snapshot().CompletedUnits)
}

func TestRun__CancelledContextStopsBetweenUnits(t *testing.T) {
	s := newCountingStepper(8)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := job.Run(ctx, s, nil)
	assert.Equal(t, job.Failed, result.Status)
	assert.ErrorIs(t, result.Err, errors.ErrAborted)
	assert.True(t, stderrors.Is(result.Err, context.Canceled))
	assert.EqualValues(t, 0, s.progress.Snapshot().CompletedUnits)
}

func TestHandle__AbortFinishesUnitInFlight(t *testing.T) {
	s := newCountingStepper(100)
	s.entered = make(chan struct{})
	s.gate = make(chan struct{})

	h := job.Start(context.Background(), 1, s)

	// Let three units through, then request an abort while the fourth is
	// in flight. The fourth must still complete.
	for i := 0; i < 3; i++ {
		<-s.entered
		s.gate <- struct{}{}
	}
	<-s.entered
	h.Abort()
	s.gate <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := h.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, job.Failed, result.Status)
	assert.ErrorIs(t, result.Err, errors.ErrAborted)
	assert.EqualValues(t, 4, s.progress.Snapshot().CompletedUnits)

	_, final := h.Status()
	require.NotNil(t, final)
	assert.Equal(t, job.Failed, final.Status)
}

func TestRegistry__OneJobAtATime(t *testing.T) {
	registry := job.NewRegistry()
	blocking := newCountingStepper(5)
	blocking.gate = make(chan struct{})

	first, err := registry.Start(context.Background(), blocking)
	require.NoError(t, err)
	assert.True(t, registry.Running())

	_, err = registry.Start(context.Background(), newCountingStepper(1))
	assert.ErrorIs(t, err, errors.ErrBusy)

	close(blocking.gate)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, registry.Running())

	second, err := registry.Start(context.Background(), newCountingStepper(1))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	found, err := registry.Get(first.ID)
	require.NoError(t, err)
	assert.Same(t, first, found)

	registry.Forget(first.ID)
	_, err = registry.Get(first.ID)
	assert.ErrorIs(t, err, errors.ErrNoSuchJob)
}

func TestProgress__Estimate(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	p := job.NewProgress(4)
	p.SetClock(func() time.Time { return now })

	p.Begin(0)
	now = start.Add(2 * time.Second)
	p.Complete(0)

	snapshot := p.Snapshot()
	assert.Equal(t, start, snapshot.StartedAt)
	assert.Equal(t, start.Add(8*time.Second), snapshot.EstimatedCompletion)
}
