package repo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// storeClient is the Redis connection used by the snapshot publisher and
// the history endpoint. It embeds *redis.Client for the commands.
type storeClient struct {
	*redis.Client
	log *zap.Logger
}

// clientOptions sizes the pool for one periodic publisher plus a few
// concurrent history reads. Commands fail fast so a slow server delays a
// publish tick, not the tick loop.
func clientOptions(addr string, db int) *redis.Options {
	return &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
		PoolSize:     4,
		PoolTimeout:  2 * time.Second,
		MinIdleConns: 1,
		MaxRetries:   1,
	}
}

// dialStore builds the client and pings the server once. An unreachable
// server is only logged: go-redis dials lazily and publishing retries on
// the next tick.
func dialStore(addr string, db int, log *zap.Logger) *storeClient {
	c := &storeClient{
		Client: redis.NewClient(clientOptions(addr, db)),
		log:    log.Named("redis").With(zap.String("addr", addr), zap.Int("db", db)),
	}
	c.checkConn(context.Background())
	return c
}

// checkConn pings with a short deadline and reports the round trip.
func (c *storeClient) checkConn(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Ping(ctx).Err()
	rtt := time.Since(start)
	if err != nil {
		c.log.Warn("store unreachable", zap.Error(err), zap.Duration("ping_rtt", rtt))
		return err
	}
	c.log.Info("store reachable", zap.Duration("ping_rtt", rtt))
	return nil
}

// poolFields describes the connection pool, for logging next to a failed
// write.
func (c *storeClient) poolFields() []zap.Field {
	st := c.PoolStats()
	return []zap.Field{
		zap.Uint32("pool_hits", st.Hits),
		zap.Uint32("pool_misses", st.Misses),
		zap.Uint32("pool_timeouts", st.Timeouts),
		zap.Uint32("pool_total", st.TotalConns),
		zap.Uint32("pool_idle", st.IdleConns),
		zap.Uint32("pool_stale", st.StaleConns),
	}
}

// writeFailed logs err with the pool state. Pool timeouts mean publishes
// are queueing behind history reads.
func (c *storeClient) writeFailed(op string, err error) {
	c.log.Warn("write failed", append(c.poolFields(), zap.String("op", op), zap.Error(err))...)
}
