package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisJoinRequestRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisJoinRequestRepository(client *redis.Client) ports.JoinRequestRepository {
	return &RedisJoinRequestRepository{
		client: client,
		prefix: "carcast:joinreq:",
	}
}

func (r *RedisJoinRequestRepository) requestKey(id domain.RequestID) string {
	return r.prefix + string(id)
}

func (r *RedisJoinRequestRepository) fromKey(userID domain.UserID) string {
	return fmt.Sprintf("%sfrom:%d", r.prefix, userID)
}

func (r *RedisJoinRequestRepository) toKey(userID domain.UserID) string {
	return fmt.Sprintf("%sto:%d", r.prefix, userID)
}

func (r *RedisJoinRequestRepository) Create(ctx context.Context, request *domain.JoinRequest) error {
	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal join request: %w", err)
	}

	if err := r.client.Set(ctx, r.requestKey(request.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set join request in Redis: %w", err)
	}
	if err := r.client.RPush(ctx, r.fromKey(request.FromUserID), string(request.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index join request by sender: %w", err)
	}
	if err := r.client.RPush(ctx, r.toKey(request.ToUserID), string(request.ID)).Err(); err != nil {
		return fmt.Errorf("failed to index join request by owner: %w", err)
	}
	return nil
}

func (r *RedisJoinRequestRepository) GetByID(ctx context.Context, id domain.RequestID) (*domain.JoinRequest, error) {
	data, err := r.client.Get(ctx, r.requestKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get join request from Redis: %w", err)
	}

	var request domain.JoinRequest
	if err := json.Unmarshal([]byte(data), &request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal join request: %w", err)
	}
	return &request, nil
}

func (r *RedisJoinRequestRepository) Update(ctx context.Context, request *domain.JoinRequest) error {
	if _, err := r.GetByID(ctx, request.ID); err != nil {
		return err
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal join request: %w", err)
	}
	if err := r.client.Set(ctx, r.requestKey(request.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update join request in Redis: %w", err)
	}
	return nil
}

func (r *RedisJoinRequestRepository) FindLast(ctx context.Context, fromUserID, toUserID domain.UserID) (*domain.JoinRequest, error) {
	ids, err := r.client.LRange(ctx, r.fromKey(fromUserID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list join requests by sender: %w", err)
	}

	// Newest last; walk backwards.
	for i := len(ids) - 1; i >= 0; i-- {
		request, err := r.GetByID(ctx, domain.RequestID(ids[i]))
		if err != nil {
			continue
		}
		if toUserID != 0 && request.ToUserID != toUserID {
			continue
		}
		return request, nil
	}
	return nil, domain.ErrRequestNotFound
}

func (r *RedisJoinRequestRepository) ListByOwner(ctx context.Context, toUserID domain.UserID) ([]*domain.JoinRequest, error) {
	ids, err := r.client.LRange(ctx, r.toKey(toUserID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list join requests by owner: %w", err)
	}

	var out []*domain.JoinRequest
	for _, id := range ids {
		request, err := r.GetByID(ctx, domain.RequestID(id))
		if err != nil {
			continue
		}
		out = append(out, request)
	}
	return out, nil
}
