package queue

import (
	"context"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/metrics"
)

// Drain replays one batch of eligible entries sized to the current band.
// Overlapping calls return immediately, and nothing is attempted offline.
func (q *Queue) Drain(ctx context.Context) {
	if !q.processing.CompareAndSwap(false, true) {
		return
	}
	defer q.processing.Store(false)

	if !q.net.IsOnline() {
		q.log.Debug("Skipping drain while offline")
		return
	}

	band := q.net.CurrentBand()
	batch := q.selectBatch(band)
	if len(batch) == 0 {
		return
	}
	metrics.QueueDrains.WithLabelValues(band.String()).Inc()
	q.log.Debug("Draining queue", "band", band.String(), "batch", len(batch))

	if band == domain.BandSlow {
		for _, e := range batch {
			q.finish(e, q.attempt(ctx, e), band)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(len(batch))
		for _, e := range batch {
			g.Go(func() error {
				q.finish(e, q.attempt(ctx, e), band)
				return nil
			})
		}
		_ = g.Wait()
	}

	q.persist.Trigger()
}

// batchSize is the number of entries one drain attempts on band.
func (q *Queue) batchSize(band domain.Band) int {
	switch band {
	case domain.BandFast:
		return q.cfg.BatchSize
	case domain.BandSlow:
		return 1
	default:
		return max(1, q.cfg.BatchSize/2)
	}
}

// skipLow reports whether a LOW priority entry sits out this drain.
func (q *Queue) skipLow(band domain.Band) bool {
	switch band {
	case domain.BandFast:
		return false
	case domain.BandSlow:
		return true
	default:
		return q.rand() >= *q.cfg.LowPriorityChance
	}
}

// selectBatch picks eligible entries in priority order and marks them attempting.
// If every eligible entry was skipped for being LOW, one is taken anyway.
func (q *Queue) selectBatch(band domain.Band) []*domain.QueuedRequest {
	size := q.batchSize(band)
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*domain.QueuedRequest
	var skipped *domain.QueuedRequest
	for _, e := range q.sortedLocked() {
		if len(batch) == size {
			break
		}
		if !e.Eligible(now) {
			continue
		}
		if e.Priority == domain.PriorityLow && q.skipLow(band) {
			if skipped == nil {
				skipped = e
			}
			continue
		}
		batch = append(batch, e)
	}
	if len(batch) == 0 && skipped != nil {
		batch = append(batch, skipped)
	}

	out := make([]*domain.QueuedRequest, 0, len(batch))
	for _, e := range batch {
		if err := transition(e, domain.EntryStateAttempting); err != nil {
			q.log.Error("Unexpected entry state", "id", e.ID, "error", err)
			continue
		}
		at := now
		e.LastAttemptAt = &at
		out = append(out, e.Clone())
	}
	return out
}

// attempt sends e with a fresh credential. A 401 gets exactly one forced
// renewal and one retry.
func (q *Queue) attempt(ctx context.Context, e *domain.QueuedRequest) Attempt {
	token, err := q.creds.GetUsableCredential(ctx)
	if err != nil {
		return Attempt{Classification: apierr.Classify(err, nil)}
	}

	resp, err := q.send(ctx, e, token)
	if ok(resp, err) {
		return Attempt{Success: true}
	}
	if err != nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return Attempt{Classification: apierr.Classify(err, resp), RetryAfter: retryAfter(resp)}
	}

	renewed, err := q.creds.ForceRenewFor(ctx, token)
	if err != nil {
		return Attempt{Classification: apierr.Classify(err, nil)}
	}

	resp, err = q.send(ctx, e, renewed)
	if ok(resp, err) {
		return Attempt{Success: true}
	}
	c := apierr.Classify(err, resp)
	return Attempt{
		Classification: c,
		RetryAfter:     retryAfter(resp),
		AuthRejected:   err == nil && resp != nil && resp.StatusCode == http.StatusUnauthorized,
	}
}

func (q *Queue) send(ctx context.Context, e *domain.QueuedRequest, token string) (*apierr.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.AttemptTimeout)
	defer cancel()
	return q.sender.Send(ctx, e, token)
}

func ok(resp *apierr.Response, err error) bool {
	return err == nil && resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300
}

// finish applies the decision for an attempt to the live entry.
func (q *Queue) finish(sent *domain.QueuedRequest, a Attempt, band domain.Band) {
	now := q.clock.Now()
	policy := Policy{BaseBackoff: q.cfg.BaseBackoff, MaxBackoff: q.cfg.MaxBackoff}

	q.mu.Lock()
	e, found := q.entries[sent.ID]
	if !found || e.State != domain.EntryStateAttempting {
		// Dequeued, cleared or replaced while in flight.
		q.mu.Unlock()
		return
	}
	d := Decide(e, a, band, now, policy)
	if err := transition(e, d.Next); err != nil {
		q.mu.Unlock()
		q.log.Error("Unexpected entry state", "id", e.ID, "error", err)
		return
	}
	e.RetryCount = d.RetryCount
	e.NextAttemptAt = d.NextAttemptAt
	if e.State.Terminal() {
		q.removeLocked(e.ID)
	}
	snap := *e.Clone()
	size := len(q.entries)
	q.mu.Unlock()

	metrics.QueueSize.Set(float64(size))

	switch d.Next {
	case domain.EntryStateSucceeded:
		metrics.QueueOutcomes.WithLabelValues(ReasonSucceeded).Inc()
		q.log.Info("Queued request replayed", "id", snap.ID, "endpoint", snap.Endpoint, "retries", snap.RetryCount)

	case domain.EntryStateAwaitingBackoff:
		metrics.QueueOutcomes.WithLabelValues(ReasonBackoff).Inc()
		q.log.Debug("Queued request will retry",
			"id", snap.ID,
			"retries", d.RetryCount,
			"next_attempt_at", d.NextAttemptAt,
			"category", a.Classification.Category,
		)

	case domain.EntryStateDropped:
		metrics.QueueOutcomes.WithLabelValues(d.Reason).Inc()
		q.log.Warn("Dropped queued request",
			"id", snap.ID,
			"endpoint", snap.Endpoint,
			"reason", d.Reason,
			"category", a.Classification.Category,
			"code", a.Classification.Code,
		)
		q.notifyExhausted(snap, a.Classification)
	}
}

func (q *Queue) notifyExhausted(e domain.QueuedRequest, c apierr.Classification) {
	q.listenerMu.Lock()
	listeners := append([]ExhaustedFunc(nil), q.onExhausted...)
	q.listenerMu.Unlock()
	for _, fn := range listeners {
		fn(e, c)
	}
}
