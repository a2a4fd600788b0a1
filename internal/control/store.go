package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.etcd.io/bbolt"

	"github.com/vietddude/netsession/internal/core/config"
	"github.com/vietddude/netsession/internal/infra/kv"
	boltstore "github.com/vietddude/netsession/internal/infra/kv/bbolt"
	"github.com/vietddude/netsession/internal/infra/kv/memory"
	"github.com/vietddude/netsession/internal/infra/kv/postgres"
	redisstore "github.com/vietddude/netsession/internal/infra/kv/redis"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// OpenStore opens the configured key-value backend wrapped in bounded retry.
// The closer releases the backend's connection or file handle.
func OpenStore(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (kv.Store, io.Closer, error) {
	var (
		store  kv.Store
		closer io.Closer = nopCloser{}
	)

	switch cfg.Backend {
	case config.BackendMemory:
		store = memory.NewStore(cfg.MemoryCapacity)

	case config.BackendBbolt:
		s, err := boltstore.NewStoreFromFile(cfg.Path, &bbolt.Options{Timeout: defaultOpenTimeout})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt store: %w", err)
		}
		store, closer = s, s

	case config.BackendRedis:
		s, err := redisstore.NewClient(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		store, closer = s, s

	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		store, closer = postgres.NewStore(db), db

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}

	log.Info("Using key-value store", "backend", cfg.Backend)
	return kv.WithRetry(store, cfg.Retry, log), closer, nil
}
