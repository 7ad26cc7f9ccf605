package domain

// ConnID is the ephemeral identifier of one signaling connection. It doubles
// as the peer identifier while the connection lives.
type ConnID string

// ChannelID names a room. Every peer that joins the same channel shares one
// media router.
type ChannelID string

// UserID is the resolved account identifier. Zero means the identity could
// not be resolved to an account (device-key connections may have no user).
type UserID int64

type RouterID string
type TransportID string
type ProducerID string
type ConsumerID string
type RequestID string
