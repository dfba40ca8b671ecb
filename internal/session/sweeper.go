package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/0x6d61/autoar/internal/scan"
)

// EvictFunc is called with the sessions removed by a sweep.
type EvictFunc func(ctx context.Context, evicted []scan.Snapshot)

// Sweeper periodically evicts expired sessions from a Store.
type Sweeper struct {
	store     *Store
	scheduler gocron.Scheduler
	onEvict   EvictFunc
}

// NewSweeper schedules Store.Evict every interval. The sweeper does nothing
// until Start is called.
func NewSweeper(ctx context.Context, store *Store, interval time.Duration, onEvict EvictFunc) (*Sweeper, error) {
	if interval <= 0 {
		return nil, errors.New("session: sweep interval must be positive")
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("session: initializing gocron scheduler: %w", err)
	}

	sw := &Sweeper{
		store:     store,
		scheduler: scheduler,
		onEvict:   onEvict,
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { sw.Sweep(ctx) }),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, fmt.Errorf("session: initializing gocron job: %w", err)
	}
	return sw, nil
}

// Sweep runs one eviction pass immediately.
func (sw *Sweeper) Sweep(ctx context.Context) int {
	evicted := sw.store.Evict()
	if len(evicted) == 0 {
		return 0
	}
	slog.DebugContext(ctx, "evicted expired sessions", "count", len(evicted), "retained", sw.store.Len())
	if sw.onEvict != nil {
		sw.onEvict(ctx, evicted)
	}
	return len(evicted)
}

// Start begins the periodic sweeps.
func (sw *Sweeper) Start() {
	sw.scheduler.Start()
}

// Stop halts the scheduler and waits for a running sweep to return.
func (sw *Sweeper) Stop() error {
	return sw.scheduler.Shutdown()
}
