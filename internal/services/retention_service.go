package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/osvaldoandrade/podflow/internal/clock"
)

// Purger drops records whose retention ended before now.
type Purger interface {
	PurgeExpired(ctx context.Context, limit int64, now time.Time) (int, error)
}

// RetentionService periodically purges expired run and generation records.
type RetentionService interface {
	Start(ctx context.Context)
	PurgeOnce(ctx context.Context) int
}

type retentionService struct {
	purgers  map[string]Purger
	logger   *slog.Logger
	clock    clock.Clock
	interval time.Duration
}

func NewRetentionService(purgers map[string]Purger, logger *slog.Logger, clk clock.Clock, intervalSeconds int) RetentionService {
	if intervalSeconds <= 0 {
		intervalSeconds = 60
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &retentionService{
		purgers:  purgers,
		logger:   logger,
		clock:    clk,
		interval: time.Duration(intervalSeconds) * time.Second,
	}
}

func (s *retentionService) Start(ctx context.Context) {
	for {
		if err := s.clock.Sleep(ctx, s.interval); err != nil {
			return
		}
		s.PurgeOnce(ctx)
	}
}

func (s *retentionService) PurgeOnce(ctx context.Context) int {
	total := 0
	for kind, p := range s.purgers {
		removed, err := p.PurgeExpired(ctx, 1000, s.clock.Now())
		if err != nil {
			s.logger.Warn("record purge failed", "kind", kind, "err", err)
			continue
		}
		if removed > 0 {
			s.logger.Info("record purge removed", "kind", kind, "count", removed)
		}
		total += removed
	}
	return total
}
