package ports

import (
	"context"

	"github.com/globalgrayhat/carcast/internal/core/domain"
)

// MediaEngine is the underlying WebRTC capability the registry calls into.
// ICE/DTLS/SRTP and RTP forwarding happen behind this boundary; the registry
// only tracks ids. A fatal engine failure is fatal for the whole process.
type MediaEngine interface {
	CreateRouter(ctx context.Context) (Router, error)
	Close() error
}

// Router is one room's shared routing context inside the media engine.
// Transport, producer and consumer objects live in (and are owned by) the
// router; the registry references them by id only.
type Router interface {
	ID() domain.RouterID
	RtpCapabilities() domain.RtpCapabilities

	CreateTransport(ctx context.Context, direction domain.TransportDirection) (*domain.TransportInfo, error)
	// ConnectTransport finalizes the handshake. Remote ICE parameters are
	// optional; engines that are not ICE-lite need them to start checks.
	ConnectTransport(ctx context.Context, id domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error
	CloseTransport(id domain.TransportID)

	Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error)
	CloseProducer(id domain.ProducerID)

	// CanConsume checks codec compatibility before a consumer is created.
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerInfo, error)
	CloseConsumer(id domain.ConsumerID)

	// SetConsumerPreferredLayers selects a simulcast spatial layer for one
	// consumer. Producers without layered encodings ignore the preference.
	SetConsumerPreferredLayers(ctx context.Context, id domain.ConsumerID, spatialLayer int) error

	Close()
}
