package queue

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to domain.EntryState
		ok       bool
	}{
		{domain.EntryStatePending, domain.EntryStateAttempting, true},
		{domain.EntryStateAwaitingBackoff, domain.EntryStateAttempting, true},
		{domain.EntryStateAwaitingBackoff, domain.EntryStatePending, true},
		{domain.EntryStateAttempting, domain.EntryStateSucceeded, true},
		{domain.EntryStateAttempting, domain.EntryStateDropped, true},
		{domain.EntryStateAttempting, domain.EntryStateAwaitingBackoff, true},
		{domain.EntryStatePending, domain.EntryStateSucceeded, false},
		{domain.EntryStateAttempting, domain.EntryStatePending, false},
		{domain.EntryStateSucceeded, domain.EntryStateAttempting, false},
		{domain.EntryStateDropped, domain.EntryStatePending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			e := &domain.QueuedRequest{State: tt.from}
			err := transition(e, tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, e.State)
			} else {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, e.State)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	p := Policy{BaseBackoff: time.Second, MaxBackoff: time.Minute}

	tests := []struct {
		name    string
		retries int
		band    domain.Band
		want    time.Duration
	}{
		{name: "first retry fast", retries: 1, band: domain.BandFast, want: 2 * time.Second},
		{name: "third retry fast", retries: 3, band: domain.BandFast, want: 8 * time.Second},
		{name: "moderate factor", retries: 2, band: domain.BandModerate, want: 6 * time.Second},
		{name: "slow factor", retries: 2, band: domain.BandSlow, want: 8 * time.Second},
		{name: "unknown like moderate", retries: 1, band: domain.BandUnknown, want: 3 * time.Second},
		{name: "capped before factor", retries: 10, band: domain.BandSlow, want: 2 * time.Minute},
		{name: "huge retry count", retries: 500, band: domain.BandFast, want: time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(p, tt.retries, tt.band))
		})
	}
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := Policy{BaseBackoff: time.Second, MaxBackoff: time.Minute}
	server := apierr.Classify(nil, &apierr.Response{StatusCode: http.StatusServiceUnavailable})
	validation := apierr.Classify(nil, &apierr.Response{StatusCode: http.StatusUnprocessableEntity})
	auth := apierr.Classify(nil, &apierr.Response{StatusCode: http.StatusUnauthorized})

	tests := []struct {
		name        string
		retryCount  int
		attempt     Attempt
		wantState   domain.EntryState
		wantRetries int
		wantReason  string
		wantWait    time.Duration
	}{
		{name: "success", attempt: Attempt{Success: true}, wantState: domain.EntryStateSucceeded, wantReason: ReasonSucceeded},
		{name: "validation dropped without consuming budget", retryCount: 2, attempt: Attempt{Classification: validation},
			wantState: domain.EntryStateDropped, wantRetries: 2, wantReason: ReasonNonRetryable},
		{name: "auth rejected after renewal", attempt: Attempt{Classification: auth, AuthRejected: true},
			wantState: domain.EntryStateDropped, wantReason: ReasonAuthRejected},
		{name: "server error backs off", attempt: Attempt{Classification: server},
			wantState: domain.EntryStateAwaitingBackoff, wantRetries: 1, wantReason: ReasonBackoff, wantWait: 2 * time.Second},
		{name: "retry-after wins when longer", attempt: Attempt{Classification: server, RetryAfter: 30 * time.Second},
			wantState: domain.EntryStateAwaitingBackoff, wantRetries: 1, wantReason: ReasonBackoff, wantWait: 30 * time.Second},
		{name: "last retry allowed", retryCount: 4, attempt: Attempt{Classification: server},
			wantState: domain.EntryStateAwaitingBackoff, wantRetries: 5, wantReason: ReasonBackoff, wantWait: 32 * time.Second},
		{name: "exhausted", retryCount: 5, attempt: Attempt{Classification: server},
			wantState: domain.EntryStateDropped, wantRetries: 6, wantReason: ReasonExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &domain.QueuedRequest{RetryCount: tt.retryCount, MaxRetries: 5, State: domain.EntryStateAttempting}
			d := Decide(e, tt.attempt, domain.BandFast, now, p)
			assert.Equal(t, tt.wantState, d.Next)
			assert.Equal(t, tt.wantRetries, d.RetryCount)
			assert.Equal(t, tt.wantReason, d.Reason)
			if tt.wantWait > 0 {
				assert.Equal(t, now.Add(tt.wantWait), d.NextAttemptAt)
			} else {
				assert.True(t, d.NextAttemptAt.IsZero())
			}
		})
	}
}

func TestRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "12")
	assert.Equal(t, 12*time.Second, retryAfter(&apierr.Response{Header: h}))
	assert.Zero(t, retryAfter(nil))

	h.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
	assert.Zero(t, retryAfter(&apierr.Response{Header: h}))
}
