// Package jobstore holds the canonical job records shared by the executor and
// the read paths of the gateway.
package jobstore

import (
	"context"
	"fmt"

	"github.com/cordum/jobrelay/core/infra/config"
	"github.com/cordum/jobrelay/core/infra/redisutil"
	"github.com/google/uuid"
)

// Store persists job records. Update merges atomically per record and is a
// no-op once the record is terminal.
type Store interface {
	Create(ctx context.Context, stage, command string, args Args) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	Update(ctx context.Context, id string, u Update) (*Job, error)
	ListTerminal(ctx context.Context) ([]*Job, error)
	Close() error
}

// Open builds the store selected by cfg.JobStore.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.JobStore {
	case "", config.StoreMemory:
		return NewMemoryStore(), nil
	case config.StoreRedis:
		client, err := redisutil.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(client), nil
	case config.StoreSQLite:
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown job store %q", cfg.JobStore)
	}
}

func newID() string {
	return uuid.NewString()
}
