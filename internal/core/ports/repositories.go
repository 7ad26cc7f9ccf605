package ports

import (
	"context"

	"github.com/globalgrayhat/carcast/internal/core/domain"
)

// JoinRequestRepository persists the admission ledger.
type JoinRequestRepository interface {
	Create(ctx context.Context, request *domain.JoinRequest) error
	GetByID(ctx context.Context, id domain.RequestID) (*domain.JoinRequest, error)
	Update(ctx context.Context, request *domain.JoinRequest) error
	// FindLast returns the most recent request from fromUserID, optionally
	// scoped to toUserID (zero means any addressee).
	FindLast(ctx context.Context, fromUserID, toUserID domain.UserID) (*domain.JoinRequest, error)
	ListByOwner(ctx context.Context, toUserID domain.UserID) ([]*domain.JoinRequest, error)
}

// SourceRepository persists the broadcast source reflection, keyed by
// external id (producer id or client-stable stream id).
type SourceRepository interface {
	Upsert(ctx context.Context, source *domain.BroadcastSource) error
	FindByExternalID(ctx context.Context, externalID string) (*domain.BroadcastSource, error)
	Remove(ctx context.Context, externalID string) error
	ListOnAir(ctx context.Context) ([]*domain.BroadcastSource, error)
}

// DeviceRepository resolves registered vehicle keys.
type DeviceRepository interface {
	FindByKey(ctx context.Context, key string) (*domain.Device, error)
}
