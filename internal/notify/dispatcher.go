package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0x6d61/autoar/internal/metrics"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64
	DefaultTimeout   = 10 * time.Second
)

// ErrClosed is logged for events offered after Close.
var ErrClosed = errors.New("notify: dispatcher closed")

// Options configures a Dispatcher.
type Options struct {
	// Workers is the number of concurrent deliveries.
	Workers int

	// QueueSize is the buffered backlog. A delivery that does not fit waits
	// in its own goroutine until a worker takes it.
	QueueSize int

	// Timeout bounds each delivery attempt.
	Timeout time.Duration

	// Endpoints receive every event, in addition to the event's own
	// webhook.
	Endpoints []Endpoint

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// delivery is a single attempt for one endpoint.
type delivery struct {
	ctx      context.Context
	endpoint Endpoint
	event    Event
}

// Dispatcher delivers events on a bounded worker pool.
type Dispatcher struct {
	sender Sender
	opts   Options
	jobs   chan delivery
	wg     sync.WaitGroup

	// overflow tracks deliveries waiting for room in jobs.
	overflow sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the worker pool.
func NewDispatcher(sender Sender, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		sender: sender,
		opts:   opts,
		jobs:   make(chan delivery, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// endpoints returns the configured endpoints plus the event's webhook,
// without duplicates.
func (d *Dispatcher) endpoints(ev Event) []Endpoint {
	eps := make([]Endpoint, 0, len(d.opts.Endpoints)+1)
	seen := make(map[string]bool, len(d.opts.Endpoints)+1)
	for _, ep := range d.opts.Endpoints {
		if ep.URL == "" || seen[ep.URL] {
			continue
		}
		seen[ep.URL] = true
		eps = append(eps, ep)
	}
	if ev.WebhookURL != "" && !seen[ev.WebhookURL] {
		eps = append(eps, Endpoint{Kind: DetectKind(ev.WebhookURL), URL: ev.WebhookURL})
	}
	return eps
}

// Notify queues one delivery per endpoint and returns immediately. Every
// endpoint gets exactly one attempt unless the dispatcher is closed. ctx
// contributes log attributes only; its cancellation does not abort
// deliveries.
func (d *Dispatcher) Notify(ctx context.Context, ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	logger := d.opts.Logger.With("target", ev.Target.String(), "state", ev.State.String())
	if d.closed {
		for _, ep := range d.endpoints(ev) {
			d.opts.Metrics.NotificationDropped(string(ep.Kind))
		}
		logger.WarnContext(ctx, "dropping notification", "error", ErrClosed)
		return
	}

	base := context.WithoutCancel(ctx)
	for _, ep := range d.endpoints(ev) {
		job := delivery{ctx: base, endpoint: ep, event: ev}
		select {
		case d.jobs <- job:
		default:
			// Close waits for overflow before closing jobs.
			logger.DebugContext(ctx, "notification queue full, waiting", "channel", ep.Kind)
			d.overflow.Add(1)
			go func() {
				defer d.overflow.Done()
				d.jobs <- job
			}()
		}
	}
}

// worker is the main loop for a single worker goroutine.
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.jobs {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job delivery) {
	// Recover from panics so one bad sender call does not crash the pool.
	defer func() {
		if r := recover(); r != nil {
			d.opts.Metrics.Notification(string(job.endpoint.Kind), false)
			d.opts.Logger.ErrorContext(job.ctx, "notification worker recovered from panic",
				"channel", job.endpoint.Kind,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()

	ctx, cancel := context.WithTimeout(job.ctx, d.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := d.sender.Send(ctx, job.endpoint, job.event)
	d.opts.Metrics.Notification(string(job.endpoint.Kind), err == nil)
	if err != nil {
		d.opts.Logger.WarnContext(ctx, "notification failed",
			"channel", job.endpoint.Kind,
			"target", job.event.Target.String(),
			"state", job.event.State.String(),
			"error", err,
		)
		return
	}
	d.opts.Logger.DebugContext(ctx, "notification delivered",
		"channel", job.endpoint.Kind,
		"target", job.event.Target.String(),
		"duration", time.Since(start),
	)
}

// Close stops accepting events and waits for queued and overflowing
// deliveries to finish or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.overflow.Wait()
		close(d.jobs)
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify: waiting for deliveries: %w", ctx.Err())
	}
}
