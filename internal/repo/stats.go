package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edirooss/tinysched/internal/proc"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrNoSnapshot = errors.New("no snapshot stored")

	loadavgKey = "tinysched:loadavg" // LIST of JSON samples, newest first
	threadsKey = "tinysched:threads" // JSON snapshot
)

// LoadAvgHistoryLen caps the load average list (one hour at 5s).
const LoadAvgHistoryLen = 720

// LoadAvgSample is one published load average reading.
type LoadAvgSample struct {
	At   time.Time `json:"at"`
	Load [3]uint32 `json:"load"` // 1/5/15 min, x100
}

// Snapshot is the published state of the thread table.
type Snapshot struct {
	At        time.Time          `json:"at"`
	Stats     sched.Stats        `json:"stats"`
	Threads   []sched.ThreadInfo `json:"threads"`
	Processes []proc.Process     `json:"processes"`
}

// StatsRepository stores load average history and the latest snapshot.
type StatsRepository struct {
	client *storeClient
	log    *zap.Logger
}

func newStatsRepository(log *zap.Logger, client *storeClient) *StatsRepository {
	return &StatsRepository{
		log:    log.Named("stats"),
		client: client,
	}
}

// PushLoadAvg prepends s to the history and trims it to
// LoadAvgHistoryLen entries.
func (r *StatsRepository) PushLoadAvg(ctx context.Context, s LoadAvgSample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, loadavgKey, payload)
	pipe.LTrim(ctx, loadavgKey, 0, LoadAvgHistoryLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		r.client.writeFailed("push_loadavg", err)
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// LoadAvgHistory returns up to n samples, newest first. n <= 0 returns
// the whole history.
func (r *StatsRepository) LoadAvgHistory(ctx context.Context, n int) ([]LoadAvgSample, error) {
	stop := int64(n) - 1
	if n <= 0 || n > LoadAvgHistoryLen {
		stop = LoadAvgHistoryLen - 1
	}

	raw, err := r.client.LRange(ctx, loadavgKey, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange: %w", err)
	}
	return decodeSamples(r.log, raw), nil
}

// SaveSnapshot replaces the stored snapshot.
func (r *StatsRepository) SaveSnapshot(ctx context.Context, s Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := r.client.Set(ctx, threadsKey, payload, 0).Err(); err != nil {
		r.client.writeFailed("save_snapshot", err)
		return fmt.Errorf("set: %w", err)
	}
	return nil
}

// Snapshot returns the stored snapshot, ErrNoSnapshot if none.
func (r *StatsRepository) Snapshot(ctx context.Context) (Snapshot, error) {
	raw, err := r.client.Get(ctx, threadsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get: %w", err)
	}

	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode: %w", err)
	}
	return s, nil
}

// decodeSamples skips entries that do not parse.
func decodeSamples(log *zap.Logger, raw []string) []LoadAvgSample {
	out := make([]LoadAvgSample, 0, len(raw))
	for i, s := range raw {
		var v LoadAvgSample
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			log.Warn("corrupt load average sample", zap.Int("index", i), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}
