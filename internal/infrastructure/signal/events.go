package signal

import (
	"encoding/json"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
)

// SignalMessage is the wire envelope for every client-to-server message.
type SignalMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is the wire envelope for every server-to-client message.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// Client-to-server payloads.

type CreateTransportPayload struct {
	Direction domain.TransportDirection `json:"direction"`
}

type ConnectTransportPayload struct {
	TransportID    domain.TransportID    `json:"transportId"`
	DtlsParameters domain.DtlsParameters `json:"dtlsParameters"`
	// IceParameters are optional; engines that are not ICE-lite need them.
	IceParameters *domain.IceParameters `json:"iceParameters,omitempty"`
}

type ProducePayload struct {
	TransportID   domain.TransportID   `json:"transportId"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	AppData       AppData              `json:"appData"`
}

type AppData struct {
	MediaTag string `json:"mediaTag,omitempty"`
}

type ConsumePayload struct {
	ProducerID      domain.ProducerID      `json:"producerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type StreamStartPayload struct {
	ChannelID domain.ChannelID  `json:"channelId"`
	Kind      domain.SourceKind `json:"kind"`
	StreamID  string            `json:"streamId"`
	Opts      json.RawMessage   `json:"opts,omitempty"`
}

type StreamStopPayload struct {
	ChannelID domain.ChannelID `json:"channelId"`
	StreamID  string           `json:"streamId"`
}

type JoinNotifyPayload struct {
	ToUserID  domain.UserID        `json:"toUserId"`
	Status    domain.RequestStatus `json:"status"`
	Intent    domain.Intent        `json:"intent"`
	RequestID domain.RequestID     `json:"requestId"`
	Message   string               `json:"message,omitempty"`
}

type ControlCommandPayload struct {
	TargetPeerID domain.ConnID   `json:"targetPeerId,omitempty"`
	Command      string          `json:"command"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// Server-to-client payloads.

type ReadyPayload struct {
	Role      domain.Role      `json:"role"`
	ChannelID domain.ChannelID `json:"channelId"`
}

type TransportConnectedPayload struct {
	TransportID domain.TransportID `json:"transportId"`
}

type ProducedPayload struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type ConsumedPayload struct {
	ProducerID    domain.ProducerID    `json:"producerId"`
	ID            domain.ConsumerID    `json:"id"`
	Kind          domain.MediaKind     `json:"kind"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
	PeerID        domain.ConnID        `json:"peerId"`
}

type JoinStatusPayload struct {
	ToUserID  domain.UserID        `json:"toUserId"`
	Status    domain.RequestStatus `json:"status"`
	Intent    domain.Intent        `json:"intent"`
	RequestID domain.RequestID     `json:"requestId"`
	At        time.Time            `json:"at"`
}

type PermissionDeniedPayload struct {
	Reason string `json:"reason"`
}

type BroadcastEndedPayload struct {
	OK bool `json:"ok"`
}

type ControlCommandEvent struct {
	FromPeerID domain.ConnID   `json:"fromPeerId"`
	Command    string          `json:"command"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
