package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/podflow/pkg/domain"
)

type RunRepository interface {
	SaveRun(ctx context.Context, run *domain.PipelineRun) error
	GetRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	PurgeExpired(ctx context.Context, limit int64, now time.Time) (int, error)
}

type runRedisRepo struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewRunRepository(rdb *redis.Client, retention time.Duration) RunRepository {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &runRedisRepo{rdb: rdb, retention: retention}
}

func (r *runRedisRepo) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	expireAt := run.CreatedAt.Add(r.retention).UTC().Unix()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, KeyRunsHash, run.ID, string(b))
	pipe.ZAdd(ctx, KeyRunsTTL, &redis.Z{Score: float64(expireAt), Member: run.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save run: %w", err)
	}
	return nil
}

func (r *runRedisRepo) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	js, err := r.rdb.HGet(ctx, KeyRunsHash, id).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET run: %w", err)
	}
	var run domain.PipelineRun
	if err := json.Unmarshal([]byte(js), &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}

func (r *runRedisRepo) PurgeExpired(ctx context.Context, limit int64, now time.Time) (int, error) {
	return purgeExpired(ctx, r.rdb, KeyRunsTTL, KeyRunsHash, "", limit, now)
}

// purgeExpired removes up to limit members whose retention ended before
// now from the ttl index, the data hash and, when set, the extra set.
func purgeExpired(ctx context.Context, rdb *redis.Client, ttlKey, hashKey, setKey string, limit int64, now time.Time) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	ids, err := rdb.ZRangeByScore(ctx, ttlKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UTC().Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZRANGEBYSCORE %s: %w", ttlKey, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := rdb.TxPipeline()
	pipe.HDel(ctx, hashKey, ids...)
	pipe.ZRem(ctx, ttlKey, members...)
	if setKey != "" {
		pipe.SRem(ctx, setKey, members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis purge %s: %w", hashKey, err)
	}
	return len(ids), nil
}
