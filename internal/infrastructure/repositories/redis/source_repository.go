package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisSourceRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSourceRepository(client *redis.Client) ports.SourceRepository {
	return &RedisSourceRepository{
		client: client,
		prefix: "carcast:source:",
	}
}

func (r *RedisSourceRepository) sourceKey(externalID string) string {
	return r.prefix + externalID
}

func (r *RedisSourceRepository) onAirKey() string {
	return r.prefix + "onair"
}

func (r *RedisSourceRepository) Upsert(ctx context.Context, source *domain.BroadcastSource) error {
	data, err := json.Marshal(source)
	if err != nil {
		return fmt.Errorf("failed to marshal source: %w", err)
	}

	if err := r.client.Set(ctx, r.sourceKey(source.ExternalID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set source in Redis: %w", err)
	}

	onAirKey := r.onAirKey()
	if source.OnAir {
		if err := r.client.SAdd(ctx, onAirKey, source.ExternalID).Err(); err != nil {
			return fmt.Errorf("failed to add source to on-air set: %w", err)
		}
	} else {
		if err := r.client.SRem(ctx, onAirKey, source.ExternalID).Err(); err != nil {
			return fmt.Errorf("failed to remove source from on-air set: %w", err)
		}
	}
	return nil
}

func (r *RedisSourceRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.BroadcastSource, error) {
	data, err := r.client.Get(ctx, r.sourceKey(externalID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get source from Redis: %w", err)
	}

	var source domain.BroadcastSource
	if err := json.Unmarshal([]byte(data), &source); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source: %w", err)
	}
	return &source, nil
}

func (r *RedisSourceRepository) Remove(ctx context.Context, externalID string) error {
	if err := r.client.SRem(ctx, r.onAirKey(), externalID).Err(); err != nil {
		return fmt.Errorf("failed to remove source from on-air set: %w", err)
	}
	deleted, err := r.client.Del(ctx, r.sourceKey(externalID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete source from Redis: %w", err)
	}
	if deleted == 0 {
		return domain.ErrSourceNotFound
	}
	return nil
}

func (r *RedisSourceRepository) ListOnAir(ctx context.Context) ([]*domain.BroadcastSource, error) {
	ids, err := r.client.SMembers(ctx, r.onAirKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list on-air sources: %w", err)
	}

	var onAir []*domain.BroadcastSource
	for _, id := range ids {
		source, err := r.FindByExternalID(ctx, id)
		if err != nil {
			continue
		}
		onAir = append(onAir, source)
	}
	return onAir, nil
}
