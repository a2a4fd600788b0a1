// Package kvtest holds a behavioural contract every kv.Store backend must pass.
package kvtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/netsession/internal/infra/kv"
)

// RunStoreContract exercises s through the full kv.Store surface.
// Keys under the "contract:" prefix must not exist beforehand.
func RunStoreContract(t *testing.T, s kv.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("missing key", func(t *testing.T) {
		_, found, err := s.Get(ctx, "contract:missing")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "contract:a", "1"))
		v, found, err := s.Get(ctx, "contract:a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "1", v)
	})

	t.Run("overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(ctx, "contract:a", "2"))
		v, _, err := s.Get(ctx, "contract:a")
		require.NoError(t, err)
		assert.Equal(t, "2", v)
	})

	t.Run("keys", func(t *testing.T) {
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Contains(t, keys, "contract:a")
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		require.NoError(t, s.Remove(ctx, "contract:a"))
		require.NoError(t, s.Remove(ctx, "contract:a"))
		_, found, err := s.Get(ctx, "contract:a")
		require.NoError(t, err)
		assert.False(t, found)
	})
}
