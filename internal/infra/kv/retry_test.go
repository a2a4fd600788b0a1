package kv_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/netsession/internal/infra/kv"
	"github.com/vietddude/netsession/internal/infra/kv/memory"
)

var fastRetry = kv.RetryConfig{
	MaxRetries:   2,
	InitialDelay: time.Millisecond,
	MaxDelay:     2 * time.Millisecond,
}

func TestWithRetryRecoversTransientFailures(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(0)
	inner.FailNext(errors.New("disk busy"), errors.New("disk busy"))

	s := kv.WithRetry(inner, fastRetry, nil)
	require.NoError(t, s.Set(ctx, "a", "1"))

	v, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "1", v)
}

func TestWithRetryGivesUp(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(0)
	boom := errors.New("boom")
	inner.FailNext(boom, boom, boom)

	s := kv.WithRetry(inner, fastRetry, nil)
	err := s.Set(ctx, "a", "1")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, inner.Writes())
}

func TestWithRetryDoesNotRetryCapacityErrors(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewStore(4)

	s := kv.WithRetry(inner, fastRetry, nil)
	assert.ErrorIs(t, s.Set(ctx, "key", "value"), kv.ErrValueTooLarge)
}
