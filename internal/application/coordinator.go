package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/glucosync/glucosync/internal/domain/model"
	"github.com/glucosync/glucosync/internal/domain/port/driven"
)

// SyncState is the coordinator's in-memory run state. It is never persisted
// and is reset on every Start.
type SyncState struct {
	Active            bool
	StartedAt         time.Time
	LastSyncAt        time.Time
	ConsecutiveErrors int
	ConnectionLost    bool // credentials revoked; user re-authentication needed
}

// CoordinatorConfig bounds the polling loop.
type CoordinatorConfig struct {
	// LiveInterval is used while a display surface recently requested live
	// data; RelaxedInterval otherwise.
	LiveInterval    time.Duration
	RelaxedInterval time.Duration
	// LiveWindow is how long after a MarkLiveRequest the live interval holds.
	LiveWindow time.Duration
	// MaxRunDuration caps one continuous run; the caller must restart
	// explicitly rather than letting the loop run unattended forever.
	MaxRunDuration time.Duration
	// ErrorThreshold stops the run after this many consecutive failures
	// instead of hammering a possibly-down backend.
	ErrorThreshold int
	// Retention is how far back readings are kept; PruneEvery spaces the
	// retention sweeps within a run.
	Retention  time.Duration
	PruneEvery time.Duration
}

// withDefaults fills unset fields.
func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.LiveInterval == 0 {
		c.LiveInterval = time.Minute
	}
	if c.RelaxedInterval == 0 {
		c.RelaxedInterval = 5 * time.Minute
	}
	if c.LiveWindow == 0 {
		c.LiveWindow = 5 * time.Minute
	}
	if c.MaxRunDuration == 0 {
		c.MaxRunDuration = 6 * time.Hour
	}
	if c.ErrorThreshold == 0 {
		c.ErrorThreshold = 3
	}
	if c.Retention == 0 {
		c.Retention = 180 * 24 * time.Hour
	}
	if c.PruneEvery == 0 {
		c.PruneEvery = 12 * time.Hour
	}
	return c
}

// SyncCoordinator drives the background acquisition loop: sleep on an
// adaptive interval, fetch the latest reading through the hybrid source,
// commit it to the store. It owns its SyncState exclusively; everything else
// is injected and non-owned.
type SyncCoordinator struct {
	source driven.ReadingSource
	store  driven.ReadingStore
	cfg    CoordinatorConfig

	mu          sync.Mutex
	state       SyncState
	cancel      context.CancelFunc
	done        chan struct{}
	lastLiveReq time.Time
	lastPrune   time.Time
	rateBackoff *backoff.ExponentialBackOff
	rateLimited bool
}

// NewSyncCoordinator creates an idle coordinator.
func NewSyncCoordinator(source driven.ReadingSource, store driven.ReadingStore, cfg CoordinatorConfig) *SyncCoordinator {
	return &SyncCoordinator{
		source: source,
		store:  store,
		cfg:    cfg.withDefaults(),
	}
}

// Start transitions Idle to Active and launches the loop. A no-op while
// already Active. Run state is reset on every start.
func (c *SyncCoordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Active {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state = SyncState{Active: true, StartedAt: time.Now()}
	c.rateBackoff = newRateBackoff(c.cfg.RelaxedInterval)
	c.rateLimited = false

	slog.Info("sync coordinator started")
	go c.run(ctx, c.done)
}

// Stop requests termination and waits for the loop to exit. The loop observes
// the request at its next suspension point: a pending sleep is interrupted
// immediately and an in-flight fetch is canceled through its context.
// A no-op while Idle.
func (c *SyncCoordinator) Stop() {
	c.mu.Lock()
	if !c.state.Active {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
	slog.Info("sync coordinator stopped")
}

// State returns a snapshot of the current run state.
func (c *SyncCoordinator) State() SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkLiveRequest records that a display surface just asked for live data,
// tightening the polling interval for the next LiveWindow.
func (c *SyncCoordinator) MarkLiveRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastLiveReq = time.Now()
}

// run is the loop body. It performs one immediate sync, then alternates
// interruptible sleeps with sync attempts until a stop condition fires.
func (c *SyncCoordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.deactivate()

	startedAt := time.Now()

	if stop := c.syncAndAccount(ctx); stop {
		return
	}

	timer := time.NewTimer(c.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if time.Since(startedAt) > c.cfg.MaxRunDuration {
			slog.Info("max continuous run duration reached, going idle",
				"elapsed", time.Since(startedAt).Round(time.Second))
			return
		}

		if stop := c.syncAndAccount(ctx); stop {
			return
		}

		timer.Reset(c.nextInterval())
	}
}

// syncAndAccount runs one sync attempt and folds the outcome into the run
// state. Returns true when the run must end.
func (c *SyncCoordinator) syncAndAccount(ctx context.Context) bool {
	err := c.syncOnce(ctx)
	if ctx.Err() != nil {
		// Stop was requested mid-fetch; the result is discarded.
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		c.state.ConsecutiveErrors = 0
		c.state.LastSyncAt = time.Now()
		c.rateLimited = false
		c.rateBackoff.Reset()
		return false
	}

	c.state.ConsecutiveErrors++
	c.rateLimited = errors.Is(err, driven.ErrRateLimited)
	if errors.Is(err, driven.ErrAuthExpired) {
		// Refresh-and-retry already happened inside the client; reaching
		// here means the credential is gone for good.
		c.state.ConnectionLost = true
	}
	slog.Error("sync cycle failed", "error", err, "consecutive_errors", c.state.ConsecutiveErrors)

	if c.state.ConsecutiveErrors >= c.cfg.ErrorThreshold {
		slog.Warn("consecutive error threshold reached, going idle", "threshold", c.cfg.ErrorThreshold)
		return true
	}
	return false
}

// syncOnce fetches the latest reading and commits it. No reading available is
// a successful, empty cycle. A due retention sweep piggybacks on success.
func (c *SyncCoordinator) syncOnce(ctx context.Context) error {
	reading, err := c.source.FetchLatest(ctx)
	if err != nil {
		return err
	}

	if reading != nil {
		saved, err := c.store.SaveMany(ctx, []model.Reading{*reading})
		if err != nil {
			return err
		}
		if saved > 0 {
			slog.Debug("reading committed",
				"timestamp", reading.Timestamp.UTC().Format(time.RFC3339),
				"value", reading.Value,
				"source", string(reading.Source),
			)
		}
	}

	c.maybePrune(ctx)
	return nil
}

// maybePrune runs the retention sweep when one is due. Prune failures are
// logged, not counted against the run: stale rows are harmless.
func (c *SyncCoordinator) maybePrune(ctx context.Context) {
	c.mu.Lock()
	due := time.Since(c.lastPrune) >= c.cfg.PruneEvery
	if due {
		c.lastPrune = time.Now()
	}
	c.mu.Unlock()
	if !due {
		return
	}

	deleted, err := c.store.PruneOlderThan(ctx, time.Now().Add(-c.cfg.Retention))
	if err != nil {
		slog.Error("retention prune failed", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("retention prune complete", "deleted", deleted)
	}
}

// nextInterval picks the next sleep: the live interval while a display
// surface is watching, the relaxed interval otherwise, widened exponentially
// while the remote is rate limiting.
func (c *SyncCoordinator) nextInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rateLimited {
		return c.rateBackoff.NextBackOff()
	}
	if time.Since(c.lastLiveReq) < c.cfg.LiveWindow {
		return c.cfg.LiveInterval
	}
	return c.cfg.RelaxedInterval
}

// deactivate transitions back to Idle, preserving the final counters for
// status queries.
func (c *SyncCoordinator) deactivate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Active = false
}

// newRateBackoff builds the rate-limit widening policy: start from the
// relaxed interval and double up to half an hour, jittered.
func newRateBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0 // never give up; the error threshold owns termination
	b.Reset()
	return b
}
