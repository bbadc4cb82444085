// Package repo persists scheduler snapshots in Redis.
package repo

import "go.uber.org/zap"

type Repository struct {
	log    *zap.Logger
	client *storeClient

	Stats *StatsRepository
}

func NewRepository(log *zap.Logger, addr string, db int) *Repository {
	log = log.Named("repo")
	client := dialStore(addr, db, log)

	return &Repository{
		log:    log,
		client: client,
		Stats:  newStatsRepository(log, client),
	}
}

// Close closes the Redis connection pool.
func (r *Repository) Close() error { return r.client.Close() }
