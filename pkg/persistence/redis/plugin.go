package redis

import (
	"context"
	"encoding/json"

	"github.com/osvaldoandrade/podflow/internal/repository"
	"github.com/osvaldoandrade/podflow/pkg/persistence"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis-specific configuration. It is only read when no
// shared client is supplied.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
}

// Plugin implements RecordStore on Redis/KVRocks
type Plugin struct {
	client  *redis.Client
	owned   bool
	runs    repository.RunRepository
	records repository.GenerationRepository
}

// NewPlugin creates a new Redis persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.RecordStore, error) {
	client, owned := config.Client, false
	if client == nil {
		var cfg Config
		if len(config.Config) > 0 {
			if err := json.Unmarshal(config.Config, &cfg); err != nil {
				return nil, err
			}
		}
		if cfg.Addr == "" {
			cfg.Addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password})
		owned = true
	}
	return &Plugin{
		client:  client,
		owned:   owned,
		runs:    repository.NewRunRepository(client, config.Retention),
		records: repository.NewGenerationRepository(client, config.Retention),
	}, nil
}

func (p *Plugin) Runs() repository.RunRepository { return p.runs }

func (p *Plugin) Generations() repository.GenerationRepository { return p.records }

// Health checks if Redis is healthy
func (p *Plugin) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close releases the connection when the plugin dialed it itself
func (p *Plugin) Close() error {
	if !p.owned {
		return nil
	}
	return p.client.Close()
}

func init() {
	persistence.RegisterProvider("redis", NewPlugin)
}
