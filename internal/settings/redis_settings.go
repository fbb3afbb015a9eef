package settings

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"agent-ingest/internal/models"
)

// Provider supplies the integration configuration snapshot consumed by the
// dispatcher. Implementations must hand out one consistent snapshot per call.
type Provider interface {
	Get(ctx context.Context) (models.IntegrationConfig, error)
	Put(ctx context.Context, cfg models.IntegrationConfig) error
}

const settingsKey = "admin:settings"

// RedisProvider keeps the whole configuration as a single JSON blob under one
// key, so concurrent updates are atomic and readers never observe a
// half-written mix of fields.
type RedisProvider struct {
	client *redis.Client
}

// NewRedisProvider builds a provider on the shared Redis client.
func NewRedisProvider(client *redis.Client) *RedisProvider {
	return &RedisProvider{client: client}
}

// Get returns the stored snapshot, or defaults when nothing has been written
// or the stored blob is unreadable.
func (p *RedisProvider) Get(ctx context.Context) (models.IntegrationConfig, error) {
	raw, err := p.client.Get(ctx, settingsKey).Result()
	if err == redis.Nil {
		return models.DefaultIntegrationConfig(), nil
	}
	if err != nil {
		return models.IntegrationConfig{}, fmt.Errorf("read settings: %w", err)
	}
	var cfg models.IntegrationConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return models.DefaultIntegrationConfig(), nil
	}
	return cfg, nil
}

// Put replaces the snapshot wholesale.
func (p *RedisProvider) Put(ctx context.Context, cfg models.IntegrationConfig) error {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = models.DefaultIntegrationConfig().MaxConcurrentJobs
	}
	if cfg.JobTimeoutMinutes <= 0 {
		cfg.JobTimeoutMinutes = models.DefaultIntegrationConfig().JobTimeoutMinutes
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := p.client.Set(ctx, settingsKey, b, 0).Err(); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}
