package client

import (
	"errors"

	"github.com/globalgrayhat/carcast/internal/core/domain"
)

// ErrSinkDetached is returned by sinks whose underlying surface has been
// unmounted. Binding treats it as a no-op, not a failure.
var ErrSinkDetached = errors.New("sink detached")

// Track is a local handle on a media flow, produced by capture or received
// from a consumer.
type Track interface {
	ID() string
	Kind() domain.MediaKind
}

// VideoSink renders one video track, keyed by producer id.
type VideoSink interface {
	Bind(track Track) error
	Unbind()
}

// AudioSink plays one peer's audio, keyed by peer id.
type AudioSink interface {
	Bind(track Track) error
	Unbind()
}

// SendTransport is the device-side half of a server send transport.
type SendTransport interface {
	ID() domain.TransportID
	DtlsParameters() domain.DtlsParameters
	IceParameters() domain.IceParameters
	// Capture opens a local track and returns the RTP parameters to produce
	// with, honoring the requested simulcast encodings where supported.
	Capture(kind domain.MediaKind, encodings []domain.RtpEncodingParameters) (Track, domain.RtpParameters, error)
	Close() error
}

// RecvTransport is the device-side half of a server recv transport.
type RecvTransport interface {
	ID() domain.TransportID
	DtlsParameters() domain.DtlsParameters
	IceParameters() domain.IceParameters
	Receive(info *domain.ConsumerInfo) (Track, error)
	// SetPreferredLayer selects a simulcast spatial layer for one received
	// consumer. Codecs without layered encoding ignore it.
	SetPreferredLayer(id domain.ConsumerID, layer int) error
	CloseConsumer(id domain.ConsumerID)
	Close() error
}

// Device is the client-side media engine: it turns transport parameters from
// the server into live transports and tracks.
type Device interface {
	RtpCapabilities() domain.RtpCapabilities
	CreateSendTransport(info *domain.TransportInfo) (SendTransport, error)
	CreateRecvTransport(info *domain.TransportInfo) (RecvTransport, error)
	Close() error
}

// Simulcast ladders. Cameras publish three spatial layers, screens two; audio
// publishes a single encoding.
func cameraEncodings() []domain.RtpEncodingParameters {
	return []domain.RtpEncodingParameters{
		{Rid: "q", MaxBitrate: 150_000, ScaleResolutionDownBy: 4},
		{Rid: "h", MaxBitrate: 500_000, ScaleResolutionDownBy: 2},
		{Rid: "f", MaxBitrate: 1_200_000, ScaleResolutionDownBy: 1},
	}
}

func screenEncodings() []domain.RtpEncodingParameters {
	return []domain.RtpEncodingParameters{
		{Rid: "h", MaxBitrate: 800_000, ScaleResolutionDownBy: 2},
		{Rid: "f", MaxBitrate: 2_000_000, ScaleResolutionDownBy: 1},
	}
}
