package queue

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
)

// ErrInvalidTransition is returned for a state change the entry lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid entry state transition")

var transitions = map[domain.EntryState][]domain.EntryState{
	domain.EntryStatePending: {
		domain.EntryStatePending,
		domain.EntryStateAttempting,
	},
	domain.EntryStateAwaitingBackoff: {
		domain.EntryStatePending,
		domain.EntryStateAttempting,
	},
	domain.EntryStateAttempting: {
		domain.EntryStateSucceeded,
		domain.EntryStateAwaitingBackoff,
		domain.EntryStateDropped,
	},
}

func transition(e *domain.QueuedRequest, to domain.EntryState) error {
	for _, allowed := range transitions[e.State] {
		if allowed == to {
			e.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, to)
}

// Attempt is the outcome of sending an entry once (including the single
// retry after a forced renewal).
type Attempt struct {
	Success        bool
	Classification apierr.Classification
	// RetryAfter is the server's requested delay, if it sent one.
	RetryAfter time.Duration
	// AuthRejected is set when the request was still rejected with 401 after renewal.
	AuthRejected bool
}

// Reasons an entry leaves the queue or waits.
const (
	ReasonSucceeded    = "succeeded"
	ReasonNonRetryable = "non_retryable"
	ReasonAuthRejected = "auth_rejected"
	ReasonExhausted    = "exhausted"
	ReasonBackoff      = "backoff"
)

// Decision is the next lifecycle step for an entry after an attempt.
type Decision struct {
	Next          domain.EntryState
	RetryCount    int
	NextAttemptAt time.Time
	Reason        string
}

// Policy is the retry schedule.
type Policy struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Decide applies the retry policy to an attempt outcome. It performs no I/O.
func Decide(e *domain.QueuedRequest, a Attempt, band domain.Band, now time.Time, p Policy) Decision {
	switch {
	case a.Success:
		return Decision{Next: domain.EntryStateSucceeded, RetryCount: e.RetryCount, Reason: ReasonSucceeded}
	case a.AuthRejected:
		return Decision{Next: domain.EntryStateDropped, RetryCount: e.RetryCount, Reason: ReasonAuthRejected}
	case !a.Classification.Retryable:
		return Decision{Next: domain.EntryStateDropped, RetryCount: e.RetryCount, Reason: ReasonNonRetryable}
	}

	retries := e.RetryCount + 1
	if retries > e.MaxRetries {
		return Decision{Next: domain.EntryStateDropped, RetryCount: retries, Reason: ReasonExhausted}
	}

	wait := Backoff(p, retries, band)
	if a.RetryAfter > wait {
		wait = a.RetryAfter
	}
	return Decision{
		Next:          domain.EntryStateAwaitingBackoff,
		RetryCount:    retries,
		NextAttemptAt: now.Add(wait),
		Reason:        ReasonBackoff,
	}
}

// Backoff returns base*2^retryCount capped at the policy maximum, scaled by
// the band factor.
func Backoff(p Policy, retryCount int, band domain.Band) time.Duration {
	d := p.MaxBackoff
	if retryCount < 62 {
		exp := float64(p.BaseBackoff) * math.Pow(2, float64(retryCount))
		if exp < float64(p.MaxBackoff) {
			d = time.Duration(exp)
		}
	}
	return time.Duration(float64(d) * bandFactor(band))
}

func bandFactor(band domain.Band) float64 {
	switch band {
	case domain.BandFast:
		return 1.0
	case domain.BandSlow:
		return 2.0
	default:
		return 1.5
	}
}

// retryAfter parses a Retry-After header given in seconds.
func retryAfter(resp *apierr.Response) time.Duration {
	if resp == nil || resp.Header == nil {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
