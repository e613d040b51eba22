package main

import (
	"context"
	"fmt"
	"io"

	"github.com/warp/reward-ledger/config"
	"github.com/warp/reward-ledger/rewards"
	"github.com/warp/reward-ledger/rewards/store"
	"github.com/warp/reward-ledger/store/postgres"
	"github.com/warp/reward-ledger/store/sqlite"
)

// backend is everything the commands need from a storage driver.
type backend interface {
	rewards.ReconcileStore
	rewards.Seeder
	io.Closer
}

type memoryBackend struct{ *store.Memory }

func (memoryBackend) Close() error { return nil }

func openStore(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverMemory:
		return memoryBackend{store.NewMemory()}, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		return s, nil
	}
}
