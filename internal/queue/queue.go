// Package queue is the durable, priority-ordered request queue that replays
// failed writes once the network allows.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/metrics"
)

// HeaderRequestID carries the idempotency key assigned at admission.
const HeaderRequestID = "X-Request-ID"

var (
	// ErrInvalidRequest is returned when a request has no method or endpoint.
	ErrInvalidRequest = errors.New("request needs a method and an endpoint")
	// ErrQueueFull is returned when the new entry itself is the eviction victim.
	ErrQueueFull = errors.New("queue full of higher priority entries")
)

// Config holds queue settings.
type Config struct {
	Capacity          int           `yaml:"capacity"`
	BatchSize         int           `yaml:"batch_size"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	// LowPriorityChance is the probability a LOW entry is admitted to a
	// MODERATE drain. Nil means DefaultLowPriorityChance; zero is honoured.
	LowPriorityChance *float64      `yaml:"low_priority_chance"`
	AttemptTimeout    time.Duration `yaml:"attempt_timeout"`
	PersistDebounce   time.Duration `yaml:"persist_debounce"`
	Horizon           time.Duration `yaml:"horizon"`
}

// DefaultLowPriorityChance is the share of MODERATE drains that admit LOW entries.
const DefaultLowPriorityChance = 0.3

// Chance returns a pointer to p, for Config.LowPriorityChance.
func Chance(p float64) *float64 { return &p }

// DefaultConfig returns the default queue settings.
func DefaultConfig() Config {
	return Config{
		Capacity:          100,
		BatchSize:         5,
		DrainInterval:     10 * time.Second,
		MaxRetries:        5,
		BaseBackoff:       time.Second,
		MaxBackoff:        time.Minute,
		LowPriorityChance: Chance(DefaultLowPriorityChance),
		AttemptTimeout:    30 * time.Second,
		PersistDebounce:   500 * time.Millisecond,
		Horizon:           24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if p := c.LowPriorityChance; p == nil || *p < 0 || *p > 1 {
		c.LowPriorityChance = def.LowPriorityChance
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.PersistDebounce <= 0 {
		c.PersistDebounce = def.PersistDebounce
	}
	if c.Horizon <= 0 {
		c.Horizon = def.Horizon
	}
	return c
}

// Sender performs one HTTP attempt for a queued entry. A response is returned
// for every HTTP status; err is reserved for transport failures.
type Sender interface {
	Send(ctx context.Context, req *domain.QueuedRequest, token string) (*apierr.Response, error)
}

// Credentials supplies access credentials for replays.
type Credentials interface {
	GetUsableCredential(ctx context.Context) (string, error)
	ForceRenewFor(ctx context.Context, rejected string) (string, error)
}

// Conditions reports the network state drains adapt to.
type Conditions interface {
	IsOnline() bool
	CurrentBand() domain.Band
}

// Status is a point-in-time summary of the queue.
type Status struct {
	Size         int         `json:"size"`
	IsProcessing bool        `json:"isProcessing"`
	Band         domain.Band `json:"band"`
}

// ExhaustedFunc is called once for every entry that leaves the queue without succeeding.
type ExhaustedFunc func(req domain.QueuedRequest, c apierr.Classification)

// Queue holds requests waiting to be replayed.
type Queue struct {
	cfg    Config
	store  kv.Store
	sender Sender
	creds  Credentials
	net    Conditions
	clock  clockwork.Clock
	log    *slog.Logger
	rand   func() float64

	mu      sync.Mutex
	entries map[string]*domain.QueuedRequest
	// order breaks CreatedAt ties by admission sequence.
	order map[string]uint64
	seq   uint64

	processing atomic.Bool
	persist    *debouncer
	saveMu     sync.Mutex

	listenerMu  sync.Mutex
	onExhausted []ExhaustedFunc

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Queue.
type Option func(*Queue)

// WithClock sets the clock.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithRand sets the source of [0,1) values used to skip low priority entries.
func WithRand(fn func() float64) Option {
	return func(q *Queue) { q.rand = fn }
}

// New creates a queue. Call Load to rehydrate persisted entries.
func New(store kv.Store, sender Sender, creds Credentials, net Conditions, cfg Config, opts ...Option) *Queue {
	q := &Queue{
		cfg:     cfg.withDefaults(),
		store:   store,
		sender:  sender,
		creds:   creds,
		net:     net,
		clock:   clockwork.NewRealClock(),
		log:     slog.Default(),
		rand:    rand.Float64,
		entries: make(map[string]*domain.QueuedRequest),
		order:   make(map[string]uint64),
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.With("component", "queue")
	q.persist = newDebouncer(q.clock, q.cfg.PersistDebounce, q.flushDebounced)
	return q
}

// RequestID is the deterministic id of a request: identical method, endpoint
// and body always map to the same entry.
func RequestID(method, endpoint string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(endpoint))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// OnExhausted registers fn for entries dropped without success.
func (q *Queue) OnExhausted(fn ExhaustedFunc) {
	q.listenerMu.Lock()
	defer q.listenerMu.Unlock()
	q.onExhausted = append(q.onExhausted, fn)
}

// Enqueue admits req. Re-enqueuing an identical request updates the existing
// entry: its priority becomes the more important of the two and its retry
// budget is reset.
func (q *Queue) Enqueue(ctx context.Context, req domain.Request, priority domain.Priority, metadata map[string]string) (string, error) {
	if req.Method == "" || req.Endpoint == "" {
		return "", ErrInvalidRequest
	}
	method := strings.ToUpper(req.Method)
	id := RequestID(method, req.Endpoint, req.Body)
	now := q.clock.Now()

	q.mu.Lock()
	if existing, ok := q.entries[id]; ok {
		if priority < existing.Priority {
			existing.Priority = priority
		}
		existing.RetryCount = 0
		existing.NextAttemptAt = time.Time{}
		if existing.State != domain.EntryStateAttempting {
			_ = transition(existing, domain.EntryStatePending)
		}
		mergeHeaders(existing, req.Headers)
		for k, v := range metadata {
			if existing.Metadata == nil {
				existing.Metadata = make(map[string]string)
			}
			existing.Metadata[k] = v
		}
		size := len(q.entries)
		q.mu.Unlock()

		q.log.Debug("Request re-enqueued", "id", id, "priority", existing.Priority.String())
		metrics.QueueSize.Set(float64(size))
		q.persist.Trigger()
		return id, nil
	}

	entry := &domain.QueuedRequest{
		ID:         id,
		Endpoint:   req.Endpoint,
		Method:     method,
		Headers:    make(map[string]string, len(req.Headers)+1),
		Body:       append([]byte(nil), req.Body...),
		Priority:   priority,
		MaxRetries: q.cfg.MaxRetries,
		CreatedAt:  now,
		State:      domain.EntryStatePending,
	}
	for k, v := range req.Headers {
		entry.Headers[k] = v
	}
	if entry.Headers[HeaderRequestID] == "" {
		entry.Headers[HeaderRequestID] = uuid.NewString()
	}
	if len(metadata) > 0 {
		entry.Metadata = make(map[string]string, len(metadata))
		for k, v := range metadata {
			entry.Metadata[k] = v
		}
	}
	q.insertLocked(entry)

	evicted := q.evictLocked()
	_, admitted := q.entries[id]
	size := len(q.entries)
	q.mu.Unlock()

	q.logEvicted(evicted)
	metrics.QueueSize.Set(float64(size))
	q.persist.Trigger()

	if !admitted {
		return "", ErrQueueFull
	}
	q.log.Debug("Request enqueued", "id", id, "method", method, "endpoint", req.Endpoint, "priority", priority.String())
	return id, nil
}

// evictLocked removes entries until the queue fits its capacity.
// Caller holds q.mu.
func (q *Queue) evictLocked() []*domain.QueuedRequest {
	var evicted []*domain.QueuedRequest
	for len(q.entries) > q.cfg.Capacity {
		victim := q.evictionVictim()
		if victim == nil {
			break
		}
		q.removeLocked(victim.ID)
		evicted = append(evicted, victim)
	}
	return evicted
}

func (q *Queue) logEvicted(evicted []*domain.QueuedRequest) {
	for _, v := range evicted {
		metrics.QueueOutcomes.WithLabelValues("evicted").Inc()
		q.log.Warn("Evicted queued request",
			"id", v.ID,
			"endpoint", v.Endpoint,
			"priority", v.Priority.String(),
		)
	}
}

// evictionVictim picks the least important, oldest entry not currently in flight.
// Caller holds q.mu.
func (q *Queue) evictionVictim() *domain.QueuedRequest {
	var victim *domain.QueuedRequest
	for _, e := range q.entries {
		if e.State == domain.EntryStateAttempting {
			continue
		}
		if victim == nil ||
			e.Priority > victim.Priority ||
			(e.Priority == victim.Priority && q.olderLocked(e, victim)) {
			victim = e
		}
	}
	return victim
}

func (q *Queue) olderLocked(a, b *domain.QueuedRequest) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return q.order[a.ID] < q.order[b.ID]
}

func (q *Queue) insertLocked(e *domain.QueuedRequest) {
	q.seq++
	q.entries[e.ID] = e
	q.order[e.ID] = q.seq
}

func (q *Queue) removeLocked(id string) {
	delete(q.entries, id)
	delete(q.order, id)
}

func mergeHeaders(e *domain.QueuedRequest, headers map[string]string) {
	if e.Headers == nil {
		e.Headers = make(map[string]string, len(headers))
	}
	for k, v := range headers {
		if k == HeaderRequestID && e.Headers[HeaderRequestID] != "" {
			continue
		}
		e.Headers[k] = v
	}
}

// Dequeue removes an entry. An attempt already in flight is not cancelled;
// its outcome is discarded.
func (q *Queue) Dequeue(ctx context.Context, id string) bool {
	q.mu.Lock()
	_, ok := q.entries[id]
	q.removeLocked(id)
	size := len(q.entries)
	q.mu.Unlock()

	if ok {
		metrics.QueueSize.Set(float64(size))
		q.persist.Trigger()
	}
	return ok
}

// Status returns the queue size, whether a drain is running and the current band.
func (q *Queue) Status() Status {
	q.mu.Lock()
	size := len(q.entries)
	q.mu.Unlock()

	band := domain.BandUnknown
	if q.net != nil {
		band = q.net.CurrentBand()
	}
	return Status{Size: size, IsProcessing: q.processing.Load(), Band: band}
}

// Entries returns copies of all entries in drain order.
func (q *Queue) Entries() []domain.QueuedRequest {
	q.mu.Lock()
	sorted := q.sortedLocked()
	out := make([]domain.QueuedRequest, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, *e.Clone())
	}
	q.mu.Unlock()
	return out
}

// Clear removes every entry and persists the empty queue immediately.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.entries = make(map[string]*domain.QueuedRequest)
	q.order = make(map[string]uint64)
	q.mu.Unlock()

	metrics.QueueSize.Set(0)
	q.persist.Cancel()
	return q.save(ctx)
}

// sortedLocked orders entries by priority, newest first within a priority.
// Caller holds q.mu.
func (q *Queue) sortedLocked() []*domain.QueuedRequest {
	out := make([]*domain.QueuedRequest, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return q.olderLocked(out[j], out[i])
	})
	return out
}

// Start runs the drain timer until ctx is cancelled or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.run(ctx)
	q.log.Info("Request queue started", "drain_interval", q.cfg.DrainInterval.String())
}

// TriggerDrain asks the running loop to drain now. It never blocks.
func (q *Queue) TriggerDrain() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the drain loop and flushes any pending write.
func (q *Queue) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	if q.persist.Cancel() {
		return q.save(ctx)
	}
	return nil
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()

	ticker := q.clock.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			q.Drain(ctx)
		case <-q.trigger:
			q.Drain(ctx)
		}
	}
}
