// Package session owns the access/refresh credential pair: persistence,
// proactive renewal and the single-flight guarantee that concurrent callers
// share one renewal round trip.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/netsession/internal/apierr"
	"github.com/vietddude/netsession/internal/core/domain"
	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/metrics"
)

// Config holds session manager settings.
type Config struct {
	// RenewalBuffer triggers renewal when the access credential has less lifetime left.
	RenewalBuffer time.Duration `yaml:"renewal_buffer"`
	// CacheTTL bounds how long a pair read from the store is reused without re-reading.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// RenewTimeout bounds one renewal round trip, independent of caller contexts.
	RenewTimeout time.Duration `yaml:"renew_timeout"`
}

// DefaultConfig returns the default session settings.
func DefaultConfig() Config {
	return Config{
		RenewalBuffer: 5 * time.Minute,
		CacheTTL:      time.Second,
		RenewTimeout:  30 * time.Second,
	}
}

const renewKey = "renew"

var sessionExpired = apierr.Classify(apierr.ErrSessionExpired, nil)

// Manager hands out usable access credentials and renews them when needed.
type Manager struct {
	store     kv.Store
	refresher Refresher
	clock     clockwork.Clock
	log       *slog.Logger
	cfg       Config

	group singleflight.Group

	mu       sync.RWMutex
	loaded   bool
	cached   *domain.CredentialPair
	cachedAt time.Time
	// dirty pins the in-memory pair when persisting a renewed pair failed.
	// The old refresh token may already be rotated server-side, so the store
	// copy must not be re-read until a write succeeds.
	dirty bool

	listenerMu sync.Mutex
	onExpired  []func()
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the clock used for expiry checks and cache aging.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a session manager. Zero config fields take their defaults.
func NewManager(store kv.Store, refresher Refresher, cfg Config, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.RenewalBuffer <= 0 {
		cfg.RenewalBuffer = def.RenewalBuffer
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.RenewTimeout <= 0 {
		cfg.RenewTimeout = def.RenewTimeout
	}

	m := &Manager{
		store:     store,
		refresher: refresher,
		clock:     clockwork.NewRealClock(),
		log:       slog.Default(),
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With("component", "session")
	return m
}

// OnSessionExpired registers fn to run whenever the session ends because the
// refresh credential expired or was rejected. Clear does not trigger it.
func (m *Manager) OnSessionExpired(fn func()) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.onExpired = append(m.onExpired, fn)
}

// GetUsableCredential returns an access credential with at least the renewal
// buffer of lifetime left, renewing first if necessary. If that renewal fails
// transiently while the current credential has not expired, the current
// credential is returned.
func (m *Manager) GetUsableCredential(ctx context.Context) (string, error) {
	pair, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if pair == nil {
		return "", ErrCredentialAbsent
	}

	now := m.clock.Now()
	if pair.RefreshExpired(now) {
		m.expire(ctx, "refresh credential expired")
		return "", apierr.New(sessionExpired, ErrSessionExpired)
	}
	if pair.AccessRemaining(now) >= m.cfg.RenewalBuffer {
		return pair.AccessToken, nil
	}

	token, err := m.renew(ctx, pair.AccessToken, false)
	if err == nil {
		return token, nil
	}
	// A proactive renewal that fails transiently leaves the current
	// credential usable until it actually expires.
	if ctx.Err() == nil && pair.AccessRemaining(m.clock.Now()) > 0 && apierr.Classify(err, nil).Retryable {
		m.log.Warn("Proactive renewal failed, using current credential",
			"access_remaining", pair.AccessRemaining(m.clock.Now()).String(),
			"error", err,
		)
		return pair.AccessToken, nil
	}
	return "", err
}

// ForceRenew renews regardless of remaining lifetime. Used after the server
// rejects a credential that looked valid locally.
func (m *Manager) ForceRenew(ctx context.Context) (string, error) {
	pair, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if pair == nil {
		return "", ErrCredentialAbsent
	}
	return m.renew(ctx, pair.AccessToken, true)
}

// ForceRenewFor renews unless the credential has already moved on from
// rejected, in which case the current credential is returned. Callers that
// retry after a 401 pass the token they sent so that a renewal completed by
// someone else is not repeated with a rotated refresh token.
func (m *Manager) ForceRenewFor(ctx context.Context, rejected string) (string, error) {
	return m.renew(ctx, rejected, true)
}

// StoreNewPair persists a pair issued by sign-in.
func (m *Manager) StoreNewPair(ctx context.Context, pair domain.CredentialPair) error {
	if !pair.Valid() {
		return ErrInvalidPair
	}
	if err := m.save(ctx, &pair); err != nil {
		return err
	}
	m.setCache(&pair, false)
	return nil
}

// Clear removes the stored pair. Used for sign-out.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.store.Remove(ctx, kv.KeySession); err != nil {
		return fmt.Errorf("clear session: %w: %w", ErrStoreUnavailable, err)
	}
	m.setCache(nil, false)
	return nil
}

// Current returns a copy of the stored pair, or nil when there is none.
func (m *Manager) Current(ctx context.Context) (*domain.CredentialPair, error) {
	return m.load(ctx)
}

func (m *Manager) renew(ctx context.Context, seen string, force bool) (string, error) {
	ch := m.group.DoChan(renewKey, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RenewTimeout)
		defer cancel()
		return m.doRenew(flightCtx, seen, force)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Shared {
			metrics.SessionRenewalWaiters.Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) doRenew(ctx context.Context, seen string, force bool) (string, error) {
	pair, err := m.loadFresh(ctx)
	if err != nil {
		return "", err
	}
	if pair == nil {
		return "", ErrCredentialAbsent
	}

	now := m.clock.Now()
	if pair.AccessToken != seen && !pair.RefreshExpired(now) &&
		(force || pair.AccessRemaining(now) >= m.cfg.RenewalBuffer) {
		// Someone else renewed between the caller's read and this flight.
		return pair.AccessToken, nil
	}
	if pair.RefreshExpired(now) {
		m.expire(ctx, "refresh credential expired")
		return "", apierr.New(sessionExpired, ErrSessionExpired)
	}

	m.log.Debug("Renewing credential",
		"access_remaining", pair.AccessRemaining(now).String(),
		"forced", force,
	)

	next, err := m.refresher.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		c := apierr.Classify(err, nil)
		if c.Retryable {
			metrics.SessionRenewals.WithLabelValues("transient").Inc()
			m.log.Warn("Credential renewal failed, keeping session",
				"category", c.Category,
				"code", c.Code,
				"error", err,
			)
			return "", err
		}
		metrics.SessionRenewals.WithLabelValues("rejected").Inc()
		m.expire(ctx, fmt.Sprintf("renewal rejected: %s", c.Code))
		return "", apierr.New(sessionExpired, fmt.Errorf("%w: %v", ErrSessionExpired, err))
	}
	if next == nil || !next.Valid() {
		metrics.SessionRenewals.WithLabelValues("rejected").Inc()
		m.expire(ctx, "renewal returned incomplete pair")
		return "", apierr.New(sessionExpired, fmt.Errorf("%w: %v", ErrSessionExpired, ErrInvalidRenewal))
	}

	if err := m.save(ctx, next); err != nil {
		m.log.Error("Failed to persist renewed credential, keeping it in memory", "error", err)
		m.setCache(next, true)
	} else {
		m.setCache(next, false)
	}
	metrics.SessionRenewals.WithLabelValues("success").Inc()
	m.log.Info("Credential renewed", "access_expires_at", next.AccessExpiresAt.Format(time.RFC3339))
	return next.AccessToken, nil
}

// load returns the pair through the TTL cache.
func (m *Manager) load(ctx context.Context) (*domain.CredentialPair, error) {
	m.mu.RLock()
	if m.loaded && m.clock.Since(m.cachedAt) < m.cfg.CacheTTL {
		pair := clonePair(m.cached)
		m.mu.RUnlock()
		return pair, nil
	}
	m.mu.RUnlock()
	return m.loadFresh(ctx)
}

// loadFresh reads the store, migrating legacy records, and refreshes the cache.
func (m *Manager) loadFresh(ctx context.Context) (*domain.CredentialPair, error) {
	m.mu.RLock()
	if m.dirty {
		pair := clonePair(m.cached)
		m.mu.RUnlock()
		m.retryDirty(ctx, pair)
		return pair, nil
	}
	m.mu.RUnlock()

	raw, found, err := m.store.Get(ctx, kv.KeySession)
	if err != nil {
		return nil, fmt.Errorf("load session: %w: %w", ErrStoreUnavailable, err)
	}
	if !found {
		m.setCache(nil, false)
		return nil, nil
	}

	pair, migrated, err := migrateRecord(raw)
	if err != nil {
		m.log.Warn("Discarding unreadable session record", "error", err)
		m.setCache(nil, false)
		return nil, nil
	}
	if migrated {
		if err := m.save(ctx, pair); err != nil {
			m.log.Warn("Failed to write back migrated session record", "error", err)
		} else {
			m.log.Info("Migrated legacy session record", "version", recordCurrent)
		}
	}

	m.setCache(pair, false)
	return clonePair(pair), nil
}

func (m *Manager) retryDirty(ctx context.Context, pair *domain.CredentialPair) {
	if pair == nil {
		return
	}
	if err := m.save(ctx, pair); err != nil {
		return
	}
	m.mu.Lock()
	if m.cached != nil && m.cached.AccessToken == pair.AccessToken {
		m.dirty = false
		m.cachedAt = m.clock.Now()
	}
	m.mu.Unlock()
}

func (m *Manager) save(ctx context.Context, pair *domain.CredentialPair) error {
	raw, err := encodeRecord(pair)
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, kv.KeySession, raw); err != nil {
		return fmt.Errorf("save session: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// expire wipes the pair and notifies listeners.
func (m *Manager) expire(ctx context.Context, reason string) {
	m.log.Warn("Session expired", "reason", reason)
	if err := m.store.Remove(ctx, kv.KeySession); err != nil {
		m.log.Error("Failed to remove expired session", "error", err)
	}
	m.setCache(nil, false)

	m.listenerMu.Lock()
	listeners := append([]func(){}, m.onExpired...)
	m.listenerMu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (m *Manager) setCache(pair *domain.CredentialPair, dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.cached = clonePair(pair)
	m.cachedAt = m.clock.Now()
	m.dirty = dirty
}

func clonePair(p *domain.CredentialPair) *domain.CredentialPair {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
