package domain

import (
	"fmt"
	"time"
)

// Priority orders queued requests. Lower values are more important.
type Priority int

const (
	PriorityCritical Priority = iota // auth, payment
	PriorityHigh
	PriorityNormal
	PriorityLow // analytics
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a config/CLI string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

// EntryState is the lifecycle state of a queued request.
type EntryState string

const (
	EntryStatePending         EntryState = "pending"
	EntryStateAttempting      EntryState = "attempting"
	EntryStateAwaitingBackoff EntryState = "awaiting_backoff"
	EntryStateSucceeded       EntryState = "succeeded"
	EntryStateDropped         EntryState = "dropped"
)

// Terminal reports whether the entry leaves the queue in this state.
func (s EntryState) Terminal() bool {
	return s == EntryStateSucceeded || s == EntryStateDropped
}

// QueuedRequest is an outbound request waiting to be replayed.
type QueuedRequest struct {
	ID            string            `json:"id"`
	Endpoint      string            `json:"endpoint"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body,omitempty"`
	Priority      Priority          `json:"priority"`
	RetryCount    int               `json:"retryCount"`
	MaxRetries    int               `json:"maxRetries"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	NextAttemptAt time.Time         `json:"nextAttemptAt"`
	State         EntryState        `json:"state"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy safe to hand out of the queue.
func (r *QueuedRequest) Clone() *QueuedRequest {
	c := *r
	if r.Headers != nil {
		c.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			c.Headers[k] = v
		}
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	if r.LastAttemptAt != nil {
		t := *r.LastAttemptAt
		c.LastAttemptAt = &t
	}
	return &c
}

// Eligible reports whether a drain at now may attempt the entry.
func (r *QueuedRequest) Eligible(now time.Time) bool {
	if r.State.Terminal() || r.State == EntryStateAttempting {
		return false
	}
	return !now.Before(r.NextAttemptAt)
}

// Request is an outbound API call before it is attempted or queued.
type Request struct {
	Method   string
	Endpoint string
	Headers  map[string]string
	Body     []byte
}
