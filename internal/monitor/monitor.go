// Package monitor implements the long-lived restart-policy enforcement
// loop (spec §4.14): poll the box store at a fixed interval, probe
// liveness, and reboot any box whose restart policy permits it and whose
// per-box backoff tracker reports ready.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

const (
	defaultInterval  = 5 * time.Second
	initialDelay     = 1 * time.Second
	maxDelay         = 60 * time.Second
	stabilityPeriod  = 30 * time.Second
)

// BoxStore is the subset of internal/state.BoxStore the monitor needs.
type BoxStore interface {
	PendingRestarts() ([]string, error)
	FindByID(id string) (*boxtypes.Box, error)
	Update(b *boxtypes.Box) error
}

// BootFunc reconstructs and starts a box via the VM controller (C12),
// returning the new PID on success.
type BootFunc func(ctx context.Context, b *boxtypes.Box) (pid int, err error)

// LivenessFunc probes whether pid is still alive. Overridable for tests;
// production code wires this to a signal-0 check (internal/vmctl).
type LivenessFunc func(pid int) bool

// backoffEntry tracks one box's restart backoff state.
type backoffEntry struct {
	delay            time.Duration
	lastAttempt      time.Time
	firstSeenRunning time.Time
}

// Monitor runs the restart loop.
type Monitor struct {
	Store    BoxStore
	Boot     BootFunc
	IsAlive  LivenessFunc
	Interval time.Duration

	mu       sync.Mutex
	tracker  map[string]*backoffEntry
}

// New constructs a Monitor with the spec-default interval, probing
// liveness with the caller-supplied isAlive.
func New(store BoxStore, boot BootFunc, isAlive LivenessFunc) *Monitor {
	return &Monitor{
		Store:    store,
		Boot:     boot,
		IsAlive:  isAlive,
		Interval: defaultInterval,
		tracker:  make(map[string]*backoffEntry),
	}
}

// Run polls until ctx is cancelled. Each tick performs one full pass over
// PendingRestarts; a single box's error never aborts the pass.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	ids, err := m.Store.PendingRestarts()
	if err != nil {
		slog.ErrorContext(ctx, "monitor.tick: PendingRestarts", "error", err)
		return
	}

	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
		m.evaluate(ctx, id)
	}
	m.reconcileWatched(ctx, live)
}

// reconcileWatched handles boxes the tracker remembers from a prior
// attempt but that PendingRestarts no longer surfaces — typically a box
// that was successfully rebooted and is now StatusRunning in the store.
// These still need to be watched for the 30s stability reset, and their
// tracker entry still needs pruning if the box was removed outright.
func (m *Monitor) reconcileWatched(ctx context.Context, live map[string]bool) {
	m.mu.Lock()
	var watched []string
	for id := range m.tracker {
		if !live[id] {
			watched = append(watched, id)
		}
	}
	m.mu.Unlock()

	for _, id := range watched {
		b, err := m.Store.FindByID(id)
		if err != nil {
			m.mu.Lock()
			delete(m.tracker, id)
			m.mu.Unlock()
			continue
		}
		if b.PID != nil && m.IsAlive(*b.PID) {
			m.recordRunning(id)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, id string) {
	b, err := m.Store.FindByID(id)
	if err != nil {
		slog.ErrorContext(ctx, "monitor.evaluate: FindByID", "box_id", id, "error", err)
		return
	}

	if b.PID != nil && m.IsAlive(*b.PID) {
		m.recordRunning(id)
		return
	}

	// Observed dead: the next running observation starts a new stability window.
	m.mu.Lock()
	if e, ok := m.tracker[id]; ok {
		e.firstSeenRunning = time.Time{}
	}
	m.mu.Unlock()

	if !m.ready(id) {
		return
	}

	m.recordAttempt(id)

	pid, err := m.Boot(ctx, b)
	if err != nil {
		slog.ErrorContext(ctx, "monitor.evaluate: restart failed", "box_id", id, "error", err)
		return
	}

	now := time.Now()
	b.Status = boxtypes.StatusRunning
	b.PID = &pid
	b.StartedAt = &now
	b.RestartPolicy.RetryCount++
	b.StoppedByUser = false

	if err := m.Store.Update(b); err != nil {
		slog.ErrorContext(ctx, "monitor.evaluate: Update", "box_id", id, "error", err)
	}
}

func (m *Monitor) entry(id string) *backoffEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracker[id]
	if !ok {
		e = &backoffEntry{}
		m.tracker[id] = e
	}
	return e
}

// ready reports whether enough time has passed since the last attempt for
// this box, per its current backoff delay. A box never attempted before is
// always ready.
func (m *Monitor) ready(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracker[id]
	if !ok || e.lastAttempt.IsZero() {
		return true
	}
	return time.Since(e.lastAttempt) >= e.delay
}

// recordAttempt is called for every restart attempt, successful or not:
// the delay starts at 1s and doubles (capped at 60s) on each call.
func (m *Monitor) recordAttempt(id string) {
	e := m.entry(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.delay <= 0 {
		e.delay = initialDelay
	} else {
		e.delay *= 2
		if e.delay > maxDelay {
			e.delay = maxDelay
		}
	}
	e.lastAttempt = time.Now()
}

// recordRunning marks id as observed running this tick; once it has been
// continuously running past stabilityPeriod, its backoff resets to the
// initial delay.
func (m *Monitor) recordRunning(id string) {
	e := m.entry(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e.firstSeenRunning.IsZero() {
		e.firstSeenRunning = now
		return
	}
	if now.Sub(e.firstSeenRunning) >= stabilityPeriod {
		e.delay = 0
	}
}
