package services

import (
	"context"
	"errors"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	apperrors "github.com/globalgrayhat/carcast/pkg/errors"
	"github.com/globalgrayhat/carcast/pkg/utils"

	"go.uber.org/zap"
)

// AdmissionMetrics is the monitoring hook surface of the admission workflow.
type AdmissionMetrics interface {
	RequestDecided(status domain.RequestStatus)
}

type noopAdmissionMetrics struct{}

func (noopAdmissionMetrics) RequestDecided(domain.RequestStatus) {}

type admissionService struct {
	requests ports.JoinRequestRepository
	metrics  AdmissionMetrics
	logger   *zap.SugaredLogger
}

// NewAdmissionService creates the join-request workflow over the given
// repository.
func NewAdmissionService(requests ports.JoinRequestRepository, metrics AdmissionMetrics, logger *zap.SugaredLogger) ports.AdmissionService {
	if metrics == nil {
		metrics = noopAdmissionMetrics{}
	}
	return &admissionService{
		requests: requests,
		metrics:  metrics,
		logger:   logger,
	}
}

func (s *admissionService) Create(ctx context.Context, fromUserID, toUserID domain.UserID, intent domain.Intent, message string) (*domain.JoinRequest, error) {
	if fromUserID == toUserID {
		return nil, apperrors.WrapError(domain.ErrSelfAddressed, apperrors.ErrCodeInvalidInput, "cannot address a join request to yourself", 400)
	}
	if !domain.ValidIntent(string(intent)) {
		return nil, apperrors.NewInvalidInputError("unknown intent")
	}

	// Duplicate PENDING requests from the same pair are allowed; every call
	// inserts a fresh row.
	request := &domain.JoinRequest{
		ID:         domain.RequestID(utils.GenerateRequestID()),
		FromUserID: fromUserID,
		ToUserID:   toUserID,
		Intent:     intent,
		Status:     domain.StatusPending,
		Message:    message,
		CreatedAt:  time.Now(),
	}

	if err := s.requests.Create(ctx, request); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to store join request", 500)
	}

	s.logger.Infow("join request created",
		"request_id", request.ID,
		"from_user_id", fromUserID,
		"to_user_id", toUserID,
		"intent", intent,
	)
	return request, nil
}

func (s *admissionService) Approve(ctx context.Context, id domain.RequestID, actingOwnerID domain.UserID) (*domain.JoinRequest, error) {
	return s.decide(ctx, id, actingOwnerID, domain.StatusApproved)
}

func (s *admissionService) Reject(ctx context.Context, id domain.RequestID, actingOwnerID domain.UserID) (*domain.JoinRequest, error) {
	return s.decide(ctx, id, actingOwnerID, domain.StatusRejected)
}

// decide sets a terminal status. It never notifies live sessions itself;
// propagation is a separate best-effort notify the deciding client triggers.
func (s *admissionService) decide(ctx context.Context, id domain.RequestID, actingOwnerID domain.UserID, status domain.RequestStatus) (*domain.JoinRequest, error) {
	request, err := s.requests.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			return nil, apperrors.NewNotFoundError("join request")
		}
		return nil, err
	}

	if request.ToUserID != actingOwnerID {
		return nil, apperrors.NewAuthorizationError("only the addressed owner may decide this request")
	}
	if request.Decided() {
		return nil, apperrors.NewAlreadyDecidedError(string(id))
	}

	now := time.Now()
	request.Status = status
	request.DecidedAt = &now

	if err := s.requests.Update(ctx, request); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to update join request", 500)
	}

	s.metrics.RequestDecided(status)
	s.logger.Infow("join request decided",
		"request_id", id,
		"status", status,
		"owner_id", actingOwnerID,
	)
	return request, nil
}

func (s *admissionService) HasApprovedGrant(ctx context.Context, viewerUserID, ownerUserID domain.UserID) (bool, error) {
	last, err := s.requests.FindLast(ctx, viewerUserID, ownerUserID)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			return false, nil
		}
		return false, err
	}
	return last.Status == domain.StatusApproved && last.Intent.GrantsPublish(), nil
}

func (s *admissionService) FindLast(ctx context.Context, fromUserID, toUserID domain.UserID) (*domain.JoinRequest, error) {
	last, err := s.requests.FindLast(ctx, fromUserID, toUserID)
	if err != nil {
		if errors.Is(err, domain.ErrRequestNotFound) {
			return nil, apperrors.NewNotFoundError("join request")
		}
		return nil, err
	}
	return last, nil
}

func (s *admissionService) ListByOwner(ctx context.Context, toUserID domain.UserID) ([]*domain.JoinRequest, error) {
	return s.requests.ListByOwner(ctx, toUserID)
}
