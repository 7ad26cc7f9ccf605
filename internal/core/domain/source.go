package domain

import (
	"strings"
	"time"
)

// SourceKind classifies a broadcast source for discovery.
type SourceKind string

const (
	SourceKindCamera SourceKind = "CAMERA"
	SourceKindScreen SourceKind = "SCREEN"
	SourceKindAudio  SourceKind = "AUDIO"
	SourceKindCustom SourceKind = "CUSTOM"
)

// SourceKindFromAppTag derives the catalog kind from a producer's application
// tag and media kind.
func SourceKindFromAppTag(appTag string, kind MediaKind) SourceKind {
	switch {
	case strings.HasPrefix(appTag, "screen"):
		return SourceKindScreen
	case kind == MediaKindVideo:
		return SourceKindCamera
	case kind == MediaKindAudio:
		return SourceKindAudio
	default:
		return SourceKindCustom
	}
}

// BroadcastSource is the discoverable reflection of an active or past
// producer or raw stream. ExternalID is either a producer id or a
// client-stable stream id; ProducerID is set only on producer-backed rows,
// so clients know which entries are consumable.
type BroadcastSource struct {
	ExternalID  string     `json:"id"`
	ProducerID  ProducerID `json:"producerId,omitempty"`
	OwnerUserID UserID     `json:"ownerUserId"`
	Title       string     `json:"title"`
	Kind        SourceKind `json:"kind"`
	OnAir       bool       `json:"onAir"`
	ChannelID   ChannelID  `json:"channelId"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}
