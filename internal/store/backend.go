package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"insight-pipeline/internal/config"
	"insight-pipeline/internal/queue"
)

// OpenJobStore returns the job store selected by QUEUE_BACKEND. pg backs the postgres
// backend and rdb the redis one. The returned func releases anything opened here.
func OpenJobStore(cfg config.Config, pg *Store, rdb *redis.Client) (queue.JobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.QueueBackend {
	case config.BackendPostgres, "":
		return pg, noop, nil
	case config.BackendRedis:
		return queue.NewRedisStore(rdb, ""), noop, nil
	case config.BackendSQLite:
		lite, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, lite.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
