// Package runner wraps a single engine invocation: it bounds the launch,
// forwards output, and turns a cancellation into a terminal outcome within a
// grace period, forcing termination when the engine does not comply.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0x6d61/autoar/internal/engine"
	"github.com/0x6d61/autoar/internal/scan"
)

const (
	DefaultLaunchTimeout = 30 * time.Second
	DefaultGracePeriod   = 5 * time.Second
)

// Status is the terminal status of a job.
type Status int

const (
	StatusSucceeded Status = iota
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Outcome is how a job ended.
type Outcome struct {
	Status Status

	// Err is set for StatusFailed.
	Err error

	// ExitCode is the engine exit code, -1 when unknown or forced.
	ExitCode int

	// Forced reports that the grace period expired and the engine was
	// killed.
	Forced bool

	// CancelErr is the error returned by the graceful termination request,
	// if any.
	CancelErr error
}

// Options configures a Runner.
type Options struct {
	LaunchTimeout time.Duration
	GracePeriod   time.Duration
	Logger        *slog.Logger
}

// Runner launches jobs on an engine.
type Runner struct {
	engine engine.Engine
	opts   Options
}

// New returns a Runner. Zero durations take the package defaults.
func New(e engine.Engine, opts Options) *Runner {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = DefaultLaunchTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{engine: e, opts: opts}
}

// GracePeriod returns the configured grace period.
func (r *Runner) GracePeriod() time.Duration {
	return r.opts.GracePeriod
}

type launchResult struct {
	handle engine.Handle
	err    error
}

// Launch starts a job for target. It returns once the engine confirmed the
// launch or the launch timeout expired. Every failure is a
// *scan.LaunchError.
func (r *Runner) Launch(ctx context.Context, target scan.Target, opts scan.Options) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.LaunchTimeout)
	defer cancel()

	done := make(chan launchResult, 1)
	go func() {
		h, err := r.engine.Launch(ctx, target, opts)
		done <- launchResult{handle: h, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, &scan.LaunchError{Target: target, Err: res.err}
		}
		if res.handle == nil {
			return nil, &scan.LaunchError{Target: target, Err: errors.New("engine returned no handle")}
		}
		return newJob(res.handle, r.opts.GracePeriod, r.opts.Logger), nil
	case <-ctx.Done():
		// A handle that shows up after we gave up must not run unobserved.
		go func() {
			if res := <-done; res.handle != nil {
				r.opts.Logger.Warn("killing engine that launched after timeout", "target", target)
				_ = res.handle.Kill()
			}
		}()
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("no response within %s: %w", r.opts.LaunchTimeout, err)
		}
		return nil, &scan.LaunchError{Target: target, Err: err}
	}
}

// Job is a running engine invocation.
type Job struct {
	handle engine.Handle
	grace  time.Duration
	logger *slog.Logger

	output chan string
	done   chan struct{}
	forced chan struct{}

	cancelOnce sync.Once

	mu        sync.Mutex
	cancelled bool
	cancelErr error
	timer     *time.Timer
	finished  bool
	outcome   Outcome
}

func newJob(h engine.Handle, grace time.Duration, logger *slog.Logger) *Job {
	j := &Job{
		handle: h,
		grace:  grace,
		logger: logger,
		output: make(chan string, 64),
		done:   make(chan struct{}),
		forced: make(chan struct{}),
	}
	go j.run()
	return j
}

// Output delivers engine output in production order. It is closed before
// Done.
func (j *Job) Output() <-chan string { return j.output }

// Done is closed once the outcome is known.
func (j *Job) Done() <-chan struct{} { return j.done }

// Outcome returns the terminal outcome. It is valid only after Done.
func (j *Job) Outcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.outcome
}

// Cancel requests graceful termination. If the engine has not finished
// within the grace period it is killed and the job ends as cancelled.
// Only the first call has an effect.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		j.mu.Lock()
		if j.finished {
			j.mu.Unlock()
			return
		}
		j.cancelled = true
		j.timer = time.AfterFunc(j.grace, j.force)
		j.mu.Unlock()

		if err := j.handle.Cancel(); err != nil {
			j.logger.Warn("graceful engine termination failed", "error", err)
			j.mu.Lock()
			j.cancelErr = err
			j.mu.Unlock()
		}
	})
}

func (j *Job) force() {
	if err := j.handle.Kill(); err != nil {
		j.logger.Error("killing engine", "error", err)
	}
	close(j.forced)
}

func (j *Job) run() {
	outcome := j.forward()

	j.mu.Lock()
	j.finished = true
	if j.timer != nil {
		j.timer.Stop()
	}
	j.outcome = outcome
	j.mu.Unlock()

	close(j.output)
	close(j.done)
}

func (j *Job) forward() Outcome {
	in := j.handle.Output()
	for in != nil {
		select {
		case line, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			select {
			case j.output <- line:
			case <-j.forced:
				return j.forcedOutcome()
			}
		case <-j.forced:
			return j.forcedOutcome()
		}
	}

	select {
	case res := <-j.handle.Result():
		return j.resolve(res)
	case <-j.forced:
		return j.forcedOutcome()
	}
}

func (j *Job) forcedOutcome() Outcome {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Outcome{Status: StatusCancelled, ExitCode: -1, Forced: true, CancelErr: j.cancelErr}
}

func (j *Job) resolve(res engine.Result) Outcome {
	j.mu.Lock()
	cancelled, cancelErr := j.cancelled, j.cancelErr
	j.mu.Unlock()

	switch {
	case cancelled:
		return Outcome{Status: StatusCancelled, ExitCode: res.ExitCode, CancelErr: cancelErr}
	case res.Err == nil:
		return Outcome{Status: StatusSucceeded, ExitCode: res.ExitCode}
	default:
		return Outcome{
			Status:   StatusFailed,
			ExitCode: res.ExitCode,
			Err: &scan.RunnerError{
				Reason: fmt.Sprintf("scan engine exited with code %d", res.ExitCode),
				Err:    res.Err,
			},
		}
	}
}
