package application

import (
	"log/slog"
	"sync"
	"time"
)

// LifecycleEvent is an app-lifecycle signal from the host environment.
type LifecycleEvent int

const (
	// Foreground means the app became visible; the coordinator should run.
	Foreground LifecycleEvent = iota
	// Background means the app was hidden; the coordinator should stop.
	Background
)

// Controller is the start/stop surface the binder drives. Satisfied by
// SyncCoordinator.
type Controller interface {
	Start()
	Stop()
}

// LifecycleBinder maps foreground/background signals onto coordinator
// start/stop. Foreground starts are debounced: a burst of rapid
// foreground/background toggling collapses to a single Start once the
// window settles.
type LifecycleBinder struct {
	ctrl     Controller
	debounce time.Duration

	mu      sync.Mutex
	pending *time.Timer
}

// NewLifecycleBinder creates a binder with the given debounce window.
func NewLifecycleBinder(ctrl Controller, debounce time.Duration) *LifecycleBinder {
	if debounce == 0 {
		debounce = 2 * time.Second
	}
	return &LifecycleBinder{ctrl: ctrl, debounce: debounce}
}

// Notify delivers a lifecycle event. Foreground schedules a debounced Start;
// another Foreground inside the window resets the timer. Background cancels
// any pending start and stops immediately.
func (b *LifecycleBinder) Notify(event LifecycleEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event {
	case Foreground:
		if b.pending != nil {
			b.pending.Stop()
		}
		b.pending = time.AfterFunc(b.debounce, func() {
			slog.Debug("foreground debounce settled, starting coordinator")
			b.ctrl.Start()
		})
	case Background:
		if b.pending != nil {
			b.pending.Stop()
			b.pending = nil
		}
		b.ctrl.Stop()
	}
}
