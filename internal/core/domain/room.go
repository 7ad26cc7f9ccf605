package domain

import "time"

// Room is one channel's shared media-routing context. It is created on the
// first join to a channel and deleted exactly when its peer set becomes empty.
type Room struct {
	ChannelID ChannelID
	RouterID  RouterID
	Peers     map[ConnID]*Peer
	CreatedAt time.Time
}

func NewRoom(channelID ChannelID, routerID RouterID) *Room {
	return &Room{
		ChannelID: channelID,
		RouterID:  routerID,
		Peers:     make(map[ConnID]*Peer),
		CreatedAt: time.Now(),
	}
}

// FindProducerOwner scans the room for the peer that owns the given producer.
// Linear in room size, which stays in the tens of peers.
func (r *Room) FindProducerOwner(producerID ProducerID) (*Peer, bool) {
	for _, peer := range r.Peers {
		if _, ok := peer.Producers[producerID]; ok {
			return peer, true
		}
	}
	return nil, false
}

// Empty reports whether the room has no peers left.
func (r *Room) Empty() bool {
	return len(r.Peers) == 0
}
