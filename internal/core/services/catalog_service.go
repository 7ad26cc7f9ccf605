package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"

	"go.uber.org/zap"
)

type catalogService struct {
	sources ports.SourceRepository
	logger  *zap.SugaredLogger
}

// NewCatalogService creates the broadcast source reflection over the given
// repository.
func NewCatalogService(sources ports.SourceRepository, logger *zap.SugaredLogger) ports.CatalogService {
	return &catalogService{
		sources: sources,
		logger:  logger,
	}
}

func (s *catalogService) UpsertProducer(ctx context.Context, producerID domain.ProducerID, owner *domain.Peer, kind domain.MediaKind, appTag string) error {
	source := &domain.BroadcastSource{
		ExternalID:  string(producerID),
		ProducerID:  producerID,
		OwnerUserID: owner.UserID,
		Title:       displayTitle(owner, appTag),
		Kind:        domain.SourceKindFromAppTag(appTag, kind),
		OnAir:       true,
		ChannelID:   owner.ChannelID,
		UpdatedAt:   time.Now(),
	}
	return s.sources.Upsert(ctx, source)
}

func (s *catalogService) UpsertStream(ctx context.Context, externalID string, owner *domain.Peer, kind domain.SourceKind, title string) error {
	if title == "" {
		title = displayTitle(owner, string(kind))
	}
	source := &domain.BroadcastSource{
		ExternalID:  externalID,
		OwnerUserID: owner.UserID,
		Title:       title,
		Kind:        kind,
		OnAir:       true,
		ChannelID:   owner.ChannelID,
		UpdatedAt:   time.Now(),
	}
	return s.sources.Upsert(ctx, source)
}

func (s *catalogService) Find(ctx context.Context, externalID string) (*domain.BroadcastSource, error) {
	return s.sources.FindByExternalID(ctx, externalID)
}

func (s *catalogService) MarkOffAir(ctx context.Context, externalID string) error {
	source, err := s.sources.FindByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, domain.ErrSourceNotFound) {
			return nil
		}
		return err
	}
	source.OnAir = false
	source.UpdatedAt = time.Now()
	return s.sources.Upsert(ctx, source)
}

func (s *catalogService) Remove(ctx context.Context, externalID string) error {
	if err := s.sources.Remove(ctx, externalID); err != nil && !errors.Is(err, domain.ErrSourceNotFound) {
		return err
	}
	return nil
}

// DropOwner off-airs every source belonging to the given user. Used when the
// owning peer disconnects.
func (s *catalogService) DropOwner(ctx context.Context, ownerUserID domain.UserID) error {
	onAir, err := s.sources.ListOnAir(ctx)
	if err != nil {
		return err
	}
	for _, source := range onAir {
		if source.OwnerUserID != ownerUserID {
			continue
		}
		source.OnAir = false
		source.UpdatedAt = time.Now()
		if err := s.sources.Upsert(ctx, source); err != nil {
			s.logger.Warnw("failed to off-air source",
				"external_id", source.ExternalID,
				"error", err,
			)
		}
	}
	return nil
}

func (s *catalogService) ListOnAir(ctx context.Context) ([]*domain.BroadcastSource, error) {
	return s.sources.ListOnAir(ctx)
}

func displayTitle(owner *domain.Peer, tag string) string {
	name := owner.Username
	if name == "" {
		name = string(owner.ID)
	}
	return fmt.Sprintf("%s (%s)", name, tag)
}
