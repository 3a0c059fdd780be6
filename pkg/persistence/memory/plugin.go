// Package memory keeps coordinator records in process memory. Records do
// not survive a restart, so unfinished generations cannot be resumed.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osvaldoandrade/podflow/internal/repository"
	"github.com/osvaldoandrade/podflow/pkg/domain"
	"github.com/osvaldoandrade/podflow/pkg/persistence"
)

const defaultRetention = 7 * 24 * time.Hour

type entry struct {
	data     []byte
	expireAt time.Time
	active   bool
}

// table is one keyed collection. Values are stored encoded so callers
// never share memory with the store, matching the redis backend.
type table struct {
	mu   sync.RWMutex
	rows map[string]entry
}

func newTable() *table { return &table{rows: make(map[string]entry)} }

func (t *table) put(id string, v any, expireAt time.Time, active bool) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.rows[id] = entry{data: b, expireAt: expireAt, active: active}
	t.mu.Unlock()
	return nil
}

func (t *table) get(id string, dst any) (bool, error) {
	t.mu.RLock()
	e, ok := t.rows[id]
	t.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(e.data, dst)
}

func (t *table) purge(limit int64, now time.Time) int {
	if limit <= 0 {
		limit = 1000
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	type aged struct {
		id string
		at time.Time
	}
	var expired []aged
	for id, e := range t.rows {
		if !e.expireAt.After(now) {
			expired = append(expired, aged{id, e.expireAt})
		}
	}
	// oldest first, like the redis ttl index
	sort.Slice(expired, func(i, j int) bool { return expired[i].at.Before(expired[j].at) })
	if int64(len(expired)) > limit {
		expired = expired[:limit]
	}
	for _, a := range expired {
		delete(t.rows, a.id)
	}
	return len(expired)
}

// Plugin implements RecordStore in memory
type Plugin struct {
	retention time.Duration
	runs      *table
	gens      *table
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.RecordStore, error) {
	retention := config.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Plugin{retention: retention, runs: newTable(), gens: newTable()}, nil
}

func (p *Plugin) Runs() repository.RunRepository { return runStore{p} }

func (p *Plugin) Generations() repository.GenerationRepository { return generationStore{p} }

func (p *Plugin) Health(ctx context.Context) error { return nil }

func (p *Plugin) Close() error { return nil }

type runStore struct{ p *Plugin }

func (s runStore) SaveRun(ctx context.Context, run *domain.PipelineRun) error {
	if err := s.p.runs.put(run.ID, run, run.CreatedAt.Add(s.p.retention), false); err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	return nil
}

func (s runStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	ok, err := s.p.runs.get(id, &run)
	if err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return &run, nil
}

func (s runStore) PurgeExpired(ctx context.Context, limit int64, now time.Time) (int, error) {
	return s.p.runs.purge(limit, now), nil
}

type generationStore struct{ p *Plugin }

func (s generationStore) SaveGeneration(ctx context.Context, rec *domain.GenerationRecord) error {
	if err := s.p.gens.put(rec.ID, rec, rec.SubmittedAt.Add(s.p.retention), !rec.Status.Terminal()); err != nil {
		return fmt.Errorf("encode generation: %w", err)
	}
	return nil
}

func (s generationStore) GetGeneration(ctx context.Context, id string) (*domain.GenerationRecord, error) {
	var rec domain.GenerationRecord
	ok, err := s.p.gens.get(id, &rec)
	if err != nil {
		return nil, fmt.Errorf("decode generation: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("generation %s: %w", id, domain.ErrNotFound)
	}
	return &rec, nil
}

func (s generationStore) ListActive(ctx context.Context) ([]*domain.GenerationRecord, error) {
	s.p.gens.mu.RLock()
	defer s.p.gens.mu.RUnlock()
	ids := make([]string, 0)
	for id, e := range s.p.gens.rows {
		if e.active {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]*domain.GenerationRecord, 0, len(ids))
	for _, id := range ids {
		var rec domain.GenerationRecord
		if err := json.Unmarshal(s.p.gens.rows[id].data, &rec); err != nil {
			return nil, fmt.Errorf("decode generation %s: %w", id, err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s generationStore) PurgeExpired(ctx context.Context, limit int64, now time.Time) (int, error) {
	return s.p.gens.purge(limit, now), nil
}

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}
