package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/metrics"
)

const snapshotVersion = 1

type snapshot struct {
	Version int                     `json:"version"`
	Entries []*domain.QueuedRequest `json:"entries"`
}

// debouncer collapses a burst of triggers into one call after delay.
type debouncer struct {
	clock clockwork.Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer clockwork.Timer
}

func newDebouncer(clock clockwork.Clock, delay time.Duration, fn func()) *debouncer {
	return &debouncer{clock: clock, delay: delay, fn: fn}
}

// Trigger schedules fn unless a call is already pending.
func (d *debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		return
	}
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
}

// Cancel drops a pending call and reports whether one was pending.
func (d *debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	return true
}

func (q *Queue) flushDebounced() {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.AttemptTimeout)
	defer cancel()
	if err := q.save(ctx); err != nil {
		q.log.Error("Failed to persist queue, will retry", "error", err)
		q.persist.Trigger()
	}
}

// save writes a snapshot of the current entries.
func (q *Queue) save(ctx context.Context) error {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()

	q.mu.Lock()
	sorted := q.sortedLocked()
	snap := snapshot{Version: snapshotVersion, Entries: make([]*domain.QueuedRequest, 0, len(sorted))}
	for _, e := range sorted {
		c := e.Clone()
		// An in-flight attempt that never reports back must be retried after restart.
		if c.State == domain.EntryStateAttempting {
			c.State = domain.EntryStatePending
		}
		snap.Entries = append(snap.Entries, c)
	}
	q.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		metrics.QueuePersistWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.store.Set(ctx, kv.KeyQueue, string(data)); err != nil {
		metrics.QueuePersistWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("persist queue: %w: %w", apierr.ErrStoreUnavailable, err)
	}
	metrics.QueuePersistWrites.WithLabelValues("success").Inc()
	return nil
}

// Load rehydrates persisted entries, discarding those older than the horizon.
// Entries already in memory win over persisted copies. An unreadable snapshot
// is logged and ignored.
func (q *Queue) Load(ctx context.Context) error {
	raw, found, err := q.store.Get(ctx, kv.KeyQueue)
	if err != nil {
		return fmt.Errorf("load queue: %w: %w", apierr.ErrStoreUnavailable, err)
	}
	if !found {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		q.log.Warn("Discarding unreadable queue snapshot", "error", err)
		return nil
	}
	if snap.Version != snapshotVersion {
		q.log.Warn("Discarding queue snapshot with unknown version", "version", snap.Version)
		return nil
	}

	// Admit oldest first so admission order matches creation order.
	sort.SliceStable(snap.Entries, func(i, j int) bool {
		return entryTime(snap.Entries[i]).Before(entryTime(snap.Entries[j]))
	})

	now := q.clock.Now()
	var loaded, stale int

	q.mu.Lock()
	for _, e := range snap.Entries {
		if e == nil || e.ID == "" || e.State.Terminal() {
			continue
		}
		if now.Sub(e.CreatedAt) > q.cfg.Horizon {
			stale++
			continue
		}
		if _, ok := q.entries[e.ID]; ok {
			continue
		}
		if e.State == domain.EntryStateAttempting || e.State == "" {
			e.State = domain.EntryStatePending
		}
		if e.MaxRetries <= 0 {
			e.MaxRetries = q.cfg.MaxRetries
		}
		q.insertLocked(e)
		loaded++
	}
	// A snapshot written under a larger capacity is trimmed on the way in.
	evicted := q.evictLocked()
	size := len(q.entries)
	q.mu.Unlock()

	q.logEvicted(evicted)
	metrics.QueueSize.Set(float64(size))
	if stale > 0 {
		metrics.QueueOutcomes.WithLabelValues("expired").Add(float64(stale))
	}
	if stale > 0 || len(evicted) > 0 {
		q.persist.Trigger()
	}
	q.log.Info("Queue loaded", "entries", loaded, "discarded_stale", stale, "evicted", len(evicted), "size", size)
	return nil
}

func entryTime(e *domain.QueuedRequest) time.Time {
	if e == nil {
		return time.Time{}
	}
	return e.CreatedAt
}
