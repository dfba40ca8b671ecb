// Package testutil provides test doubles for integration tests: a
// scriptable scan engine and a recording webhook server.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/0x6d61/autoar/internal/engine"
	"github.com/0x6d61/autoar/internal/scan"
)

// ErrTerminated is the result error of a fake handle that honoured Cancel.
var ErrTerminated = errors.New("signal: terminated")

// ErrKilled is the result error of a killed fake handle.
var ErrKilled = errors.New("signal: killed")

// Launch records one call to FakeEngine.Launch.
type Launch struct {
	Target  scan.Target
	Options scan.Options
	Handle  *FakeHandle
}

// FakeEngine is an in-process engine.Engine whose jobs are driven by the
// test through FakeHandle.
type FakeEngine struct {
	mu           sync.Mutex
	launchErr    error
	launchDelay  time.Duration
	ignoreCtx    bool
	ignoreCancel bool
	cancelErr    error
	launches     []Launch
	launched     chan *FakeHandle
}

var _ engine.Engine = (*FakeEngine)(nil)

// NewFakeEngine returns an engine whose launches succeed immediately.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{launched: make(chan *FakeHandle, 128)}
}

// SetLaunchError makes subsequent launches fail with err (nil restores
// success).
func (e *FakeEngine) SetLaunchError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launchErr = err
}

// SetLaunchDelay delays launches by d. Unless ignoreCtx is set the delay
// is cut short by the launch context.
func (e *FakeEngine) SetLaunchDelay(d time.Duration, ignoreCtx bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.launchDelay = d
	e.ignoreCtx = ignoreCtx
}

// SetIgnoreCancel makes new handles ignore graceful termination, so only
// Kill stops them.
func (e *FakeEngine) SetIgnoreCancel(ignore bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ignoreCancel = ignore
}

// SetCancelError makes Cancel on new handles fail with err.
func (e *FakeEngine) SetCancelError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelErr = err
}

func (e *FakeEngine) Launch(ctx context.Context, target scan.Target, opts scan.Options) (engine.Handle, error) {
	e.mu.Lock()
	delay, ignoreCtx, launchErr := e.launchDelay, e.ignoreCtx, e.launchErr
	e.mu.Unlock()

	if delay > 0 {
		if ignoreCtx {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if launchErr != nil {
		return nil, launchErr
	}

	e.mu.Lock()
	h := newFakeHandle(e.ignoreCancel, e.cancelErr)
	e.launches = append(e.launches, Launch{Target: target, Options: opts, Handle: h})
	e.mu.Unlock()

	select {
	case e.launched <- h:
	default:
	}
	return h, nil
}

// Launches returns the successful launches so far.
func (e *FakeEngine) Launches() []Launch {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Launch(nil), e.launches...)
}

// Handle returns the most recent handle launched for target, or nil.
func (e *FakeEngine) Handle(target scan.Target) *FakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.launches) - 1; i >= 0; i-- {
		if e.launches[i].Target == target {
			return e.launches[i].Handle
		}
	}
	return nil
}

// NextHandle waits up to timeout for the next launched handle.
func (e *FakeEngine) NextHandle(timeout time.Duration) (*FakeHandle, bool) {
	select {
	case h := <-e.launched:
		return h, true
	case <-time.After(timeout):
		return nil, false
	}
}

// FakeHandle is a running fake job.
type FakeHandle struct {
	output chan string
	result chan engine.Result

	ignoreCancel bool
	cancelErr    error

	killOnce sync.Once
	killed   chan struct{}

	mu          sync.Mutex
	finished    bool
	cancelCalls int
	killCalls   int
}

var _ engine.Handle = (*FakeHandle)(nil)

func newFakeHandle(ignoreCancel bool, cancelErr error) *FakeHandle {
	return &FakeHandle{
		output:       make(chan string, 256),
		result:       make(chan engine.Result, 1),
		ignoreCancel: ignoreCancel,
		cancelErr:    cancelErr,
		killed:       make(chan struct{}),
	}
}

func (h *FakeHandle) Output() <-chan string { return h.output }

func (h *FakeHandle) Result() <-chan engine.Result { return h.result }

// Emit produces output lines. Lines emitted after the job ended are
// dropped.
func (h *FakeHandle) Emit(lines ...string) {
	for _, line := range lines {
		h.mu.Lock()
		if h.finished {
			h.mu.Unlock()
			return
		}
		select {
		case h.output <- line:
		case <-h.killed:
		}
		h.mu.Unlock()
	}
}

// Succeed ends the job with exit code 0.
func (h *FakeHandle) Succeed() {
	h.Finish(engine.Result{ExitCode: 0})
}

// Fail ends the job with the given exit code.
func (h *FakeHandle) Fail(code int, err error) {
	h.Finish(engine.Result{ExitCode: code, Err: err})
}

// Finish ends the job with res. Only the first call has an effect.
func (h *FakeHandle) Finish(res engine.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return
	}
	h.finished = true
	close(h.output)
	h.result <- res
	close(h.result)
}

func (h *FakeHandle) Cancel() error {
	h.mu.Lock()
	h.cancelCalls++
	finished := h.finished
	h.mu.Unlock()

	if finished {
		return nil
	}
	if h.cancelErr != nil {
		return h.cancelErr
	}
	if !h.ignoreCancel {
		go h.Finish(engine.Result{ExitCode: 143, Err: ErrTerminated})
	}
	return nil
}

func (h *FakeHandle) Kill() error {
	h.mu.Lock()
	h.killCalls++
	h.mu.Unlock()

	h.killOnce.Do(func() { close(h.killed) })
	h.Finish(engine.Result{ExitCode: -1, Err: ErrKilled})
	return nil
}

// CancelCalls returns how often Cancel was called.
func (h *FakeHandle) CancelCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelCalls
}

// KillCalls returns how often Kill was called.
func (h *FakeHandle) KillCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killCalls
}

// Finished reports whether the job has ended.
func (h *FakeHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}
