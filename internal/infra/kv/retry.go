package kv

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryConfig bounds the retries applied to each store call.
type RetryConfig struct {
	MaxRetries   uint64        `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:   3,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
}

// RetryingStore retries failed calls on the wrapped store with jittered
// exponential backoff.
type RetryingStore struct {
	inner Store
	cfg   RetryConfig
	log   *slog.Logger
}

var _ Store = (*RetryingStore)(nil)

// WithRetry wraps s so each call is retried up to cfg.MaxRetries times.
func WithRetry(s Store, cfg RetryConfig, log *slog.Logger) *RetryingStore {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetryingStore{inner: s, cfg: cfg, log: log.With("component", "kv")}
}

// Unwrap returns the wrapped store.
func (s *RetryingStore) Unwrap() Store { return s.inner }

func (s *RetryingStore) backoff() retry.Backoff {
	b := retry.NewExponential(s.cfg.InitialDelay)
	b = retry.WithCappedDuration(s.cfg.MaxDelay, b)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(s.cfg.MaxRetries, b)
}

func (s *RetryingStore) do(ctx context.Context, op string, key string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrValueTooLarge) {
			return err
		}
		s.log.Debug("Store call failed", "op", op, "key", key, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

func (s *RetryingStore) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.do(ctx, "get", key, func(ctx context.Context) error {
		var err error
		value, found, err = s.inner.Get(ctx, key)
		return err
	})
	return value, found, err
}

func (s *RetryingStore) Set(ctx context.Context, key, value string) error {
	return s.do(ctx, "set", key, func(ctx context.Context) error {
		return s.inner.Set(ctx, key, value)
	})
}

func (s *RetryingStore) Remove(ctx context.Context, key string) error {
	return s.do(ctx, "remove", key, func(ctx context.Context) error {
		return s.inner.Remove(ctx, key)
	})
}

func (s *RetryingStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.do(ctx, "keys", "", func(ctx context.Context) error {
		var err error
		keys, err = s.inner.Keys(ctx)
		return err
	})
	return keys, err
}
