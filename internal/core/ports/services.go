package ports

import (
	"context"

	"github.com/globalgrayhat/carcast/internal/core/domain"
)

// JoinParams carries the identity resolved at connect time into a room join.
type JoinParams struct {
	ChannelID  domain.ChannelID
	Role       domain.Role
	UserID     domain.UserID
	Username   string
	VehicleKey string
}

// ProduceResult reports the created producer and its catalog reflection.
type ProduceResult struct {
	ProducerID domain.ProducerID
	Kind       domain.MediaKind
	AppTag     string
}

// RegistryService is the room/peer/transport/producer/consumer state machine.
// Peer and RoomPeers return snapshots, never the live objects.
type RegistryService interface {
	JoinRoom(ctx context.Context, connID domain.ConnID, params JoinParams) (*domain.Peer, error)
	LeaveRoom(ctx context.Context, connID domain.ConnID) error
	RouterCapabilities(ctx context.Context, connID domain.ConnID) (domain.RtpCapabilities, error)
	CreateTransport(ctx context.Context, connID domain.ConnID, direction domain.TransportDirection) (*domain.TransportInfo, error)
	ConnectTransport(ctx context.Context, connID domain.ConnID, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error
	Produce(ctx context.Context, connID domain.ConnID, transportID domain.TransportID, kind domain.MediaKind, rtp domain.RtpParameters, appTag string) (*ProduceResult, error)
	Consume(ctx context.Context, connID domain.ConnID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerInfo, error)
	StopProducer(ctx context.Context, connID domain.ConnID, producerID domain.ProducerID) error
	Peer(connID domain.ConnID) (*domain.Peer, error)
	RoomPeers(channelID domain.ChannelID) []*domain.Peer
	ProducerOwner(channelID domain.ChannelID, producerID domain.ProducerID) (domain.ConnID, bool)
}

// AdmissionService is the durable request/approve/reject workflow deciding
// publish and view eligibility.
type AdmissionService interface {
	Create(ctx context.Context, fromUserID, toUserID domain.UserID, intent domain.Intent, message string) (*domain.JoinRequest, error)
	Approve(ctx context.Context, id domain.RequestID, actingOwnerID domain.UserID) (*domain.JoinRequest, error)
	Reject(ctx context.Context, id domain.RequestID, actingOwnerID domain.UserID) (*domain.JoinRequest, error)
	// HasApprovedGrant reports whether the most recent matching request from
	// viewerUserID (optionally scoped to ownerUserID, zero means any) is an
	// APPROVED publish-granting request. Point-in-time lookup only.
	HasApprovedGrant(ctx context.Context, viewerUserID, ownerUserID domain.UserID) (bool, error)
	FindLast(ctx context.Context, fromUserID, toUserID domain.UserID) (*domain.JoinRequest, error)
	ListByOwner(ctx context.Context, toUserID domain.UserID) ([]*domain.JoinRequest, error)
}

// CatalogService maintains the broadcast source reflection.
type CatalogService interface {
	UpsertProducer(ctx context.Context, producerID domain.ProducerID, owner *domain.Peer, kind domain.MediaKind, appTag string) error
	UpsertStream(ctx context.Context, externalID string, owner *domain.Peer, kind domain.SourceKind, title string) error
	Find(ctx context.Context, externalID string) (*domain.BroadcastSource, error)
	MarkOffAir(ctx context.Context, externalID string) error
	Remove(ctx context.Context, externalID string) error
	DropOwner(ctx context.Context, ownerUserID domain.UserID) error
	ListOnAir(ctx context.Context) ([]*domain.BroadcastSource, error)
}

// Notifier fans signaling events out to live connections. Delivery is
// best-effort, at most once.
type Notifier interface {
	NotifyPeer(connID domain.ConnID, event string, payload interface{})
	BroadcastRoom(channelID domain.ChannelID, exclude domain.ConnID, event string, payload interface{})
	NotifyUser(userID domain.UserID, event string, payload interface{})
}
