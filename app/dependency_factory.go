package app

import (
	"database/sql"
	"fmt"

	"github.com/joinflow/joinflow/internal/capacity"
	"github.com/joinflow/joinflow/internal/lock"
	"github.com/joinflow/joinflow/internal/store"
	"github.com/joinflow/joinflow/internal/store/memory"
	"github.com/joinflow/joinflow/internal/store/postgres"
	"github.com/joinflow/joinflow/types/config"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"
)

type stores struct {
	links store.LinkStore
	queue store.QueueStore
	chips store.ChipStore
}

func createStores(driver config.StorageDriver, db *sql.DB, clk clock.PassiveClock) (stores, error) {
	switch driver {
	case config.Postgres:
		return stores{
			links: postgres.NewPostgresLinkStore(db),
			queue: postgres.NewPostgresQueueStore(db),
			chips: postgres.NewPostgresChipStore(db),
		}, nil
	case config.Memory:
		return stores{
			links: memory.NewLinkStore(clk),
			queue: memory.NewQueueStore(clk),
			chips: memory.NewChipStore(),
		}, nil
	default:
		return stores{}, fmt.Errorf("unsupported storage driver: %v", driver)
	}
}

func createDistributedLockManager(cfg config.LockConfig, db *sql.DB, redisClient *redis.Client) (lock.DistributedLockManager, error) {
	switch cfg.Driver {
	case config.PostgresLock:
		return lock.NewPostgresDistributedLockManager(db), nil
	case config.RedisLock:
		return lock.NewRedisDistributedLockManager(redisClient, cfg.TTL), nil
	case config.LocalLock:
		return lock.NewLocalLockManager(), nil
	default:
		return nil, fmt.Errorf("unsupported lock driver: %v", cfg.Driver)
	}
}

func createCapacitySource(cfg config.CapacityConfig, db *sql.DB) (capacity.Source, error) {
	switch cfg.Source {
	case config.CapacityFromPostgres:
		return postgres.NewPostgresCapacityStore(db), nil
	case config.CapacityFromFile:
		return capacity.NewFileSource(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unsupported capacity source: %v", cfg.Source)
	}
}
