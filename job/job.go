package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/dargueta/nandkit/errors"
)

// Stepper is a long-running operation expressed as a state machine.
type Stepper interface {
	// Step performs one unit of work. It returns done=true once there is nothing
	// left to do. A non-nil error fails the whole operation; per-block problems
	// that were routed around are recorded in the progress instead.
	Step(ctx context.Context) (done bool, err error)
	Progress() *Progress
}

type Status uint8

const (
	Running Status = iota
	Completed
	CompletedWithSkippedBlocks
	Failed
)

func (s Status) String() string {
	switch s {
	case Running:
		return "running"
	case Completed:
		return "completed"
	case CompletedWithSkippedBlocks:
		return "completed with skipped blocks"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != Running
}

// Result is the terminal outcome of an operation.
type Result struct {
	Status Status
	// Skipped is only set for [CompletedWithSkippedBlocks].
	Skipped []uint32
	// Err is the failure reason, only set for [Failed].
	Err error
	// BlockErrors aggregates the per-block errors that were routed around.
	BlockErrors error
}

func (r Result) String() string {
	switch r.Status {
	case CompletedWithSkippedBlocks:
		return fmt.Sprintf("%s %v", r.Status, r.Skipped)
	case Failed:
		return fmt.Sprintf("%s: %v", r.Status, r.Err)
	}
	return r.Status.String()
}

// Run drives `s` until it finishes, fails, or is stopped. `abort` may be nil.
// Both abort and ctx are checked only between units; when either fires the
// operation fails with [errors.ErrAborted] and whatever was recorded by
// completed units stays recorded.
func Run(ctx context.Context, s Stepper, abort <-chan struct{}) Result {
	for {
		select {
		case <-abort:
			return finish(s, errors.ErrAborted.WithMessage("abort requested"))
		default:
		}
		if ctx.Err() != nil {
			return finish(s, errors.ErrAborted.Wrap(ctx.Err()))
		}

		done, err := s.Step(ctx)
		if err != nil {
			return finish(s, err)
		}
		if done {
			return finish(s, nil)
		}
	}
}

func finish(s Stepper, err error) Result {
	progress := s.Progress()
	snapshot := progress.Snapshot()
	result := Result{BlockErrors: progress.BlockErrors()}

	switch {
	case err != nil:
		result.Status = Failed
		result.Err = err
	case len(snapshot.Skipped) > 0:
		result.Status = CompletedWithSkippedBlocks
		result.Skipped = snapshot.Skipped
	default:
		result.Status = Completed
	}
	return result
}

////////////////////////////////////////////////////////////////////////////////
// Background jobs

// Handle tracks an operation running in its own goroutine.
type Handle struct {
	ID       uint16
	stepper  Stepper
	abort    chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	result   Result
}

// Start runs `s` in the background.
func Start(ctx context.Context, id uint16, s Stepper) *Handle {
	h := &Handle{
		ID:      id,
		stepper: s,
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go func() {
		h.result = Run(ctx, s, h.abort)
		close(h.done)
	}()
	return h
}

// Abort asks the job to stop after the unit in flight. It returns immediately.
func (h *Handle) Abort() {
	h.stopOnce.Do(func() { close(h.abort) })
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Status returns the current progress, plus the result once the job is over.
func (h *Handle) Status() (Snapshot, *Result) {
	snapshot := h.stepper.Progress().Snapshot()
	select {
	case <-h.done:
		result := h.result
		return snapshot, &result
	default:
		return snapshot, nil
	}
}

// Wait blocks until the job finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Registry hands out job IDs and enforces one running job at a time, which is
// what an exclusively-owned bus requires.
type Registry struct {
	lock   sync.Mutex
	nextID uint16
	jobs   map[uint16]*Handle
	active *Handle
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[uint16]*Handle), nextID: 1}
}

// Start launches `s` unless another job is still running, in which case it
// fails with [errors.ErrBusy].
func (r *Registry) Start(ctx context.Context, s Stepper) (*Handle, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.runningLocked() {
		return nil, errors.ErrBusy.WithMessage(
			fmt.Sprintf("job %d is still running", r.active.ID))
	}

	id := r.nextID
	r.nextID++
	if r.nextID == 0 {
		r.nextID = 1
	}

	h := Start(ctx, id, s)
	r.jobs[id] = h
	r.active = h
	return h, nil
}

func (r *Registry) Get(id uint16) (*Handle, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	h, ok := r.jobs[id]
	if !ok {
		return nil, errors.ErrNoSuchJob.WithMessage(fmt.Sprintf("job %d", id))
	}
	return h, nil
}

// Running reports whether a job currently owns the bus.
func (r *Registry) Running() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.runningLocked()
}

func (r *Registry) runningLocked() bool {
	if r.active == nil {
		return false
	}
	select {
	case <-r.active.done:
		return false
	default:
		return true
	}
}

// Forget drops a finished job from the registry.
func (r *Registry) Forget(id uint16) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if h, ok := r.jobs[id]; ok {
		select {
		case <-h.done:
			delete(r.jobs, id)
		default:
		}
	}
}
