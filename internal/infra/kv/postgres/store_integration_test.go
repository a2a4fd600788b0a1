package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vietddude/netsession/internal/infra/kv/kvtest"
)

func TestStoreContract_Integration(t *testing.T) {
	url := os.Getenv("NETSESSION_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("NETSESSION_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url})
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())
	_, err = db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key LIKE 'contract:%'`)
	require.NoError(t, err)

	kvtest.RunStoreContract(t, NewStore(db))
}
