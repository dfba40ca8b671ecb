// Package orchestrator drives the scan session state machine. It validates
// start and stop requests, launches jobs through the runner, streams their
// output into the session store, and finalizes every session exactly once,
// archiving it and dispatching a notification.
//
//	Pending  -> Running    launch confirmed
//	Pending  -> Failed     launch failed
//	Running  -> Stopping   stop requested
//	Running  -> Completed  job succeeded
//	Running  -> Failed     job failed
//	Stopping -> Cancelled  job ended after stop
//	Stopping -> Failed     cancellation itself failed
//
// Every transition goes through session.Store.Transition, so a stop racing
// a natural completion yields exactly one terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	alog "github.com/0x6d61/autoar/internal/log"
	"github.com/0x6d61/autoar/internal/metrics"
	"github.com/0x6d61/autoar/internal/notify"
	"github.com/0x6d61/autoar/internal/runner"
	"github.com/0x6d61/autoar/internal/scan"
	"github.com/0x6d61/autoar/internal/session"
)

// ErrClosed is returned by StartScan after Close.
var ErrClosed = errors.New("orchestrator: shutting down")

// archiveTimeout bounds saving a finished session.
const archiveTimeout = 5 * time.Second

// Launcher starts jobs. *runner.Runner implements it.
type Launcher interface {
	Launch(ctx context.Context, target scan.Target, opts scan.Options) (*runner.Job, error)
}

// Notifier receives one event per terminal transition. *notify.Dispatcher
// implements it.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

// Orchestrator is the public entry point for starting, stopping and
// inspecting scans.
type Orchestrator struct {
	store    *session.Store
	launcher Launcher
	notifier Notifier
	archive  session.Archive
	limiter  Limiter
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// mu is held shared by StartScan and exclusively by Close, so no start
	// slips past shutdown.
	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sets the terminal-transition notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) {
		o.notifier = n
	}
}

// WithArchive persists every finished session.
func WithArchive(a session.Archive) Option {
	return func(o *Orchestrator) {
		o.archive = a
	}
}

// WithLimiter sets the concurrent scan cap.
func WithLimiter(l Limiter) Option {
	return func(o *Orchestrator) {
		o.limiter = l
	}
}

// WithMetrics records session lifecycle metrics in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithLogger sets the logger; the default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New creates an Orchestrator over store and launcher.
func New(store *session.Store, launcher Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		launcher: launcher,
		limiter:  Unlimited{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) sessionContext(ctx context.Context, target scan.Target, id string) context.Context {
	return alog.ContextAttrs(ctx, slog.String("target", target.String()), slog.String("session_id", id))
}

// StartScan validates the request, registers a session and launches the
// engine. It returns once the launch was confirmed or failed; it never
// waits for the scan itself.
//
// A launch failure still returns the session ID together with a
// *scan.LaunchError; the session is then Failed.
func (o *Orchestrator) StartScan(ctx context.Context, rawTarget string, opts scan.Options) (string, error) {
	target, err := scan.ParseTarget(rawTarget)
	if err != nil {
		o.metrics.Rejected("invalid_target")
		return "", err
	}
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		o.metrics.Rejected("invalid_options")
		return "", err
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closing {
		o.metrics.Rejected("shutting_down")
		return "", ErrClosed
	}

	if !o.limiter.TryAcquire() {
		o.metrics.Rejected("at_capacity")
		return "", fmt.Errorf("%w: %s", scan.ErrAtCapacity, target)
	}
	release := sync.OnceFunc(o.limiter.Release)

	snap, err := o.store.Create(target, opts)
	if err != nil {
		release()
		o.metrics.Rejected("already_active")
		return "", err
	}
	id := snap.ID
	ctx = o.sessionContext(ctx, target, id)
	o.metrics.ScanStarted()
	o.logger.InfoContext(ctx, "scan session created", "options", opts.Flags())

	job, err := o.launcher.Launch(ctx, target, opts)
	if err != nil {
		release()
		o.metrics.LaunchFailed()
		o.logger.WarnContext(ctx, "scan launch failed", "error", err)
		failed, terr := o.store.Transition(target, id, []scan.State{scan.StatePending}, scan.StateFailed, func(s *session.Session) {
			s.Err = err
		})
		if terr != nil {
			o.fault(ctx, "pending -> failed", terr)
			return id, err
		}
		o.finished(ctx, failed, false)
		return id, err
	}

	_, err = o.store.Transition(target, id, []scan.State{scan.StatePending}, scan.StateRunning, func(s *session.Session) {
		s.Attachment = job
	})
	if err != nil {
		// Nothing else moves a Pending session, so this is a bug. Tear the
		// job down rather than leave it running unobserved.
		release()
		o.fault(ctx, "pending -> running", err)
		job.Cancel()
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for range job.Output() {
			}
		}()
		return id, err
	}
	o.metrics.ScanRunning()
	o.logger.InfoContext(ctx, "scan running")

	o.wg.Add(1)
	go o.watch(context.WithoutCancel(ctx), target, id, job, release)
	return id, nil
}

// watch streams job output into the session and finalizes it.
func (o *Orchestrator) watch(ctx context.Context, target scan.Target, id string, job *runner.Job, release func()) {
	defer o.wg.Done()
	defer release()

	for line := range job.Output() {
		o.store.AppendOutput(target, id, line)
	}
	<-job.Done()
	o.finalize(ctx, target, id, job.Outcome())
}

// finalize applies the single terminal transition for a job outcome.
func (o *Orchestrator) finalize(ctx context.Context, target scan.Target, id string, out runner.Outcome) {
	if out.Forced {
		o.logger.WarnContext(ctx, "engine did not stop within the grace period and was killed")
	}

	// A job still Running ended on its own.
	natural := scan.StateCompleted
	var naturalErr error
	switch out.Status {
	case runner.StatusFailed:
		natural, naturalErr = scan.StateFailed, out.Err
	case runner.StatusCancelled:
		natural = scan.StateFailed
		naturalErr = &scan.RunnerError{Reason: "scan terminated without a stop request"}
	}
	snap, err := o.store.Transition(target, id, []scan.State{scan.StateRunning}, natural, func(s *session.Session) {
		s.Err = naturalErr
	})
	if err == nil {
		o.finished(ctx, snap, true)
		return
	}
	if !errors.Is(err, scan.ErrInvalidTransition) {
		o.fault(ctx, "finalize", err)
		return
	}

	// Otherwise a stop moved it to Stopping first.
	stopped := scan.StateCancelled
	var stopErr error
	if out.CancelErr != nil {
		stopped = scan.StateFailed
		stopErr = &scan.RunnerError{Reason: "cancellation failed", Err: out.CancelErr}
	}
	snap, err = o.store.Transition(target, id, []scan.State{scan.StateStopping}, stopped, func(s *session.Session) {
		s.Err = stopErr
	})
	if err != nil {
		o.fault(ctx, "finalize", err)
		return
	}
	o.finished(ctx, snap, true)
}

// finished runs the side effects of a terminal transition: metrics,
// archive and exactly one notification.
func (o *Orchestrator) finished(ctx context.Context, snap scan.Snapshot, wasActive bool) {
	elapsed := snap.Elapsed(time.Now())
	o.metrics.ScanFinished(snap.State.String(), elapsed, wasActive)

	attrs := []any{"state", snap.State.String(), "elapsed", elapsed.Round(time.Millisecond), "output_lines", len(snap.Output)}
	if snap.Error != nil {
		attrs = append(attrs, "error", *snap.Error)
	}
	o.logger.InfoContext(ctx, "scan finished", attrs...)

	if o.archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		if err := o.archive.Save(actx, snap); err != nil {
			o.logger.WarnContext(ctx, "archiving session failed", "error", err)
		}
		cancel()
	}
	if o.notifier != nil {
		o.notifier.Notify(ctx, notify.NewEvent(snap))
	}
}

// fault reports a transition the orchestrator itself requested but the
// store refused.
func (o *Orchestrator) fault(ctx context.Context, transition string, err error) {
	o.metrics.Fault()
	o.logger.ErrorContext(ctx, "session state fault", "transition", transition, "error", err)
}

// StopScan requests cancellation of the running scan for target. It
// returns once the session is Stopping; the terminal state follows within
// the runner's grace period.
func (o *Orchestrator) StopScan(ctx context.Context, rawTarget string) error {
	target, err := scan.ParseTarget(rawTarget)
	if err != nil {
		return err
	}

	var job *runner.Job
	snap, err := o.store.Transition(target, "", []scan.State{scan.StateRunning}, scan.StateStopping, func(s *session.Session) {
		job, _ = s.Attachment.(*runner.Job)
	})
	if err != nil {
		return err
	}
	ctx = o.sessionContext(ctx, target, snap.ID)
	if job == nil {
		o.fault(ctx, "running -> stopping", errors.New("running session has no job"))
		return nil
	}
	o.logger.InfoContext(ctx, "scan stop requested")
	job.Cancel()
	return nil
}

// GetStatus returns a snapshot of the session for target.
func (o *Orchestrator) GetStatus(rawTarget string) (scan.Snapshot, error) {
	target, err := scan.ParseTarget(rawTarget)
	if err != nil {
		return scan.Snapshot{}, err
	}
	return o.store.Get(target)
}

// List returns all retained sessions, newest first.
func (o *Orchestrator) List() []scan.Snapshot {
	return o.store.List()
}

// History returns archived sessions for target, newest first. Without an
// archive it returns nothing.
func (o *Orchestrator) History(ctx context.Context, rawTarget string, limit int) ([]scan.Snapshot, error) {
	target, err := scan.ParseTarget(rawTarget)
	if err != nil {
		return nil, err
	}
	if o.archive == nil {
		return nil, nil
	}
	return o.archive.ListByTarget(ctx, target, limit)
}

// Close refuses new scans, stops every running one, and waits until all of
// them are finalized or ctx expires.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	for _, snap := range o.store.List() {
		if snap.State != scan.StateRunning {
			continue
		}
		err := o.StopScan(ctx, snap.Target.String())
		if err != nil && !errors.Is(err, scan.ErrInvalidTransition) {
			o.logger.WarnContext(ctx, "stopping scan on shutdown", "target", snap.Target.String(), "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: waiting for scans: %w", ctx.Err())
	}
}
