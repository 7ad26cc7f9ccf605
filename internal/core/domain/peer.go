package domain

import "time"

// Role is the fixed four-role scheme resolved once at connect time.
type Role string

const (
	RoleAdmin            Role = "ADMIN"
	RoleBroadcastManager Role = "BROADCAST_MANAGER"
	RoleViewer           Role = "VIEWER"
	RoleVehicle          Role = "VEHICLE"
)

// TransportDirection tells whether a transport sends or receives media.
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// MediaKind is the track kind of a producer or consumer.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// ProducerMeta records what the registry knows about one producer it owns.
// The producer object itself lives in the media engine.
type ProducerMeta struct {
	Kind   MediaKind
	AppTag string
}

// ConsumerMeta records which remote producer a consumer subscribes to.
type ConsumerMeta struct {
	ProducerID ProducerID
	Kind       MediaKind
}

// Peer is one connected identity's session state within a room. Transports,
// producers and consumers are referenced by id only; the objects are owned by
// the media engine.
type Peer struct {
	ID         ConnID
	UserID     UserID
	Username   string
	Role       Role
	ChannelID  ChannelID
	VehicleKey string

	Transports map[TransportID]TransportDirection
	Producers  map[ProducerID]ProducerMeta
	Consumers  map[ConsumerID]ConsumerMeta

	JoinedAt time.Time
}

// NewPeer creates an empty peer for the given connection.
func NewPeer(id ConnID, channelID ChannelID, role Role) *Peer {
	return &Peer{
		ID:         id,
		Role:       role,
		ChannelID:  channelID,
		Transports: make(map[TransportID]TransportDirection),
		Producers:  make(map[ProducerID]ProducerMeta),
		Consumers:  make(map[ConsumerID]ConsumerMeta),
		JoinedAt:   time.Now(),
	}
}

// IsVehicle reports whether the peer authenticated with a device key. For
// such peers the connection credential is itself the publish authorization.
func (p *Peer) IsVehicle() bool {
	return p.Role == RoleVehicle && p.VehicleKey != ""
}

// Clone returns a deep copy whose maps are safe to read outside the
// registry lock.
func (p *Peer) Clone() *Peer {
	c := *p
	c.Transports = make(map[TransportID]TransportDirection, len(p.Transports))
	for id, direction := range p.Transports {
		c.Transports[id] = direction
	}
	c.Producers = make(map[ProducerID]ProducerMeta, len(p.Producers))
	for id, meta := range p.Producers {
		c.Producers[id] = meta
	}
	c.Consumers = make(map[ConsumerID]ConsumerMeta, len(p.Consumers))
	for id, meta := range p.Consumers {
		c.Consumers[id] = meta
	}
	return &c
}
