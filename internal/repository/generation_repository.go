package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/podflow/pkg/domain"
)

type GenerationRepository interface {
	SaveGeneration(ctx context.Context, rec *domain.GenerationRecord) error
	GetGeneration(ctx context.Context, id string) (*domain.GenerationRecord, error)
	// ListActive returns records whose job has not reached a terminal state.
	ListActive(ctx context.Context) ([]*domain.GenerationRecord, error)
	PurgeExpired(ctx context.Context, limit int64, now time.Time) (int, error)
}

type generationRedisRepo struct {
	rdb       *redis.Client
	retention time.Duration
}

func NewGenerationRepository(rdb *redis.Client, retention time.Duration) GenerationRepository {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &generationRedisRepo{rdb: rdb, retention: retention}
}

func (r *generationRedisRepo) SaveGeneration(ctx context.Context, rec *domain.GenerationRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal generation: %w", err)
	}
	expireAt := rec.SubmittedAt.Add(r.retention).UTC().Unix()
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, KeyGenerationsHash, rec.ID, string(b))
	pipe.ZAdd(ctx, KeyGenerationsTTL, &redis.Z{Score: float64(expireAt), Member: rec.ID})
	if rec.Status.Terminal() {
		pipe.SRem(ctx, KeyGenerationsActive, rec.ID)
	} else {
		pipe.SAdd(ctx, KeyGenerationsActive, rec.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save generation: %w", err)
	}
	return nil
}

func (r *generationRedisRepo) GetGeneration(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	js, err := r.rdb.HGet(ctx, KeyGenerationsHash, id).Result()
	if err == redis.Nil || (err == nil && js == "") {
		return nil, fmt.Errorf("generation %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET generation: %w", err)
	}
	var rec domain.GenerationRecord
	if err := json.Unmarshal([]byte(js), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal generation: %w", err)
	}
	return &rec, nil
}

func (r *generationRedisRepo) ListActive(ctx context.Context) ([]*domain.GenerationRecord, error) {
	ids, err := r.rdb.SMembers(ctx, KeyGenerationsActive).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS active: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.HMGet(ctx, KeyGenerationsHash, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HMGET generations: %w", err)
	}
	out := make([]*domain.GenerationRecord, 0, len(vals))
	for i, v := range vals {
		js, ok := v.(string)
		if !ok || js == "" {
			// stale index entry
			_ = r.rdb.SRem(ctx, KeyGenerationsActive, ids[i]).Err()
			continue
		}
		var rec domain.GenerationRecord
		if err := json.Unmarshal([]byte(js), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal generation %s: %w", ids[i], err)
		}
		if rec.Status.Terminal() {
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (r *generationRedisRepo) PurgeExpired(ctx context.Context, limit int64, now time.Time) (int, error) {
	return purgeExpired(ctx, r.rdb, KeyGenerationsTTL, KeyGenerationsHash, KeyGenerationsActive, limit, now)
}
