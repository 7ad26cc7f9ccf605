package memory

import (
	"context"
	"sync"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
)

type MemoryJoinRequestRepository struct {
	mu       sync.RWMutex
	requests map[domain.RequestID]*domain.JoinRequest
	order    []domain.RequestID // insertion order, oldest first
}

func NewMemoryJoinRequestRepository() ports.JoinRequestRepository {
	return &MemoryJoinRequestRepository{
		requests: make(map[domain.RequestID]*domain.JoinRequest),
	}
}

func (r *MemoryJoinRequestRepository) Create(ctx context.Context, request *domain.JoinRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *request
	r.requests[request.ID] = &clone
	r.order = append(r.order, request.ID)
	return nil
}

func (r *MemoryJoinRequestRepository) GetByID(ctx context.Context, id domain.RequestID) (*domain.JoinRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	request, ok := r.requests[id]
	if !ok {
		return nil, domain.ErrRequestNotFound
	}
	clone := *request
	return &clone, nil
}

func (r *MemoryJoinRequestRepository) Update(ctx context.Context, request *domain.JoinRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[request.ID]; !ok {
		return domain.ErrRequestNotFound
	}
	clone := *request
	r.requests[request.ID] = &clone
	return nil
}

func (r *MemoryJoinRequestRepository) FindLast(ctx context.Context, fromUserID, toUserID domain.UserID) (*domain.JoinRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.order) - 1; i >= 0; i-- {
		request := r.requests[r.order[i]]
		if request.FromUserID != fromUserID {
			continue
		}
		if toUserID != 0 && request.ToUserID != toUserID {
			continue
		}
		clone := *request
		return &clone, nil
	}
	return nil, domain.ErrRequestNotFound
}

func (r *MemoryJoinRequestRepository) ListByOwner(ctx context.Context, toUserID domain.UserID) ([]*domain.JoinRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.JoinRequest
	for _, id := range r.order {
		request := r.requests[id]
		if request.ToUserID != toUserID {
			continue
		}
		clone := *request
		out = append(out, &clone)
	}
	return out, nil
}
