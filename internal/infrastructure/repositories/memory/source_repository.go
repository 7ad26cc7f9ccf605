package memory

import (
	"context"
	"sync"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
)

type MemorySourceRepository struct {
	mu      sync.RWMutex
	sources map[string]*domain.BroadcastSource
}

func NewMemorySourceRepository() ports.SourceRepository {
	return &MemorySourceRepository{
		sources: make(map[string]*domain.BroadcastSource),
	}
}

func (r *MemorySourceRepository) Upsert(ctx context.Context, source *domain.BroadcastSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	clone := *source
	r.sources[source.ExternalID] = &clone
	return nil
}

func (r *MemorySourceRepository) FindByExternalID(ctx context.Context, externalID string) (*domain.BroadcastSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	source, ok := r.sources[externalID]
	if !ok {
		return nil, domain.ErrSourceNotFound
	}
	clone := *source
	return &clone, nil
}

func (r *MemorySourceRepository) Remove(ctx context.Context, externalID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[externalID]; !ok {
		return domain.ErrSourceNotFound
	}
	delete(r.sources, externalID)
	return nil
}

func (r *MemorySourceRepository) ListOnAir(ctx context.Context) ([]*domain.BroadcastSource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var onAir []*domain.BroadcastSource
	for _, source := range r.sources {
		if source.OnAir {
			clone := *source
			onAir = append(onAir, &clone)
		}
	}
	return onAir, nil
}
