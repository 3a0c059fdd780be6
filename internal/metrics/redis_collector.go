package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/osvaldoandrade/podflow/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
)

type redisCollector struct {
	rdb    *redis.Client
	logger *slog.Logger

	storedDesc *prometheus.Desc
	activeDesc *prometheus.Desc
}

func newRedisCollector(rdb *redis.Client, logger *slog.Logger) *redisCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisCollector{
		rdb:    rdb,
		logger: logger,
		storedDesc: prometheus.NewDesc(
			"podflow_records_stored",
			"Records currently retained in Redis, by record kind.",
			[]string{"kind"},
			nil,
		),
		activeDesc: prometheus.NewDesc(
			"podflow_generations_active",
			"Generation jobs stored with a non-terminal status.",
			nil,
			nil,
		),
	}
}

func (c *redisCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.storedDesc
	ch <- c.activeDesc
}

func (c *redisCollector) Collect(ch chan<- prometheus.Metric) {
	if c.rdb == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pipe := c.rdb.Pipeline()
	runs := pipe.HLen(ctx, repository.KeyRunsHash)
	gens := pipe.HLen(ctx, repository.KeyGenerationsHash)
	active := pipe.SCard(ctx, repository.KeyGenerationsActive)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("prometheus redis collector failed", "err", err)
		return
	}

	emitGauge(ch, c.storedDesc, float64(runs.Val()), "run")
	emitGauge(ch, c.storedDesc, float64(gens.Val()), "generation")
	emitGauge(ch, c.activeDesc, float64(active.Val()))
}

func emitGauge(ch chan<- prometheus.Metric, desc *prometheus.Desc, v float64, labelValues ...string) {
	m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, v, labelValues...)
	if err != nil {
		return
	}
	ch <- m
}

var registerRedisCollectorOnce sync.Once

func RegisterRedisCollector(rdb *redis.Client, logger *slog.Logger) {
	registerRedisCollectorOnce.Do(func() {
		prometheus.MustRegister(newRedisCollector(rdb, logger))
	})
}
