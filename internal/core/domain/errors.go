package domain

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrTransportNotFound  = errors.New("transport not found")
	ErrProducerNotFound   = errors.New("producer not found")
	ErrConsumerNotFound   = errors.New("consumer not found")
	ErrRequestNotFound    = errors.New("join request not found")
	ErrSourceNotFound     = errors.New("broadcast source not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrSelfAddressed      = errors.New("join request addressed to its own sender")
	ErrAlreadyDecided     = errors.New("join request already decided")
	ErrCodecsIncompatible = errors.New("codecs incompatible with router")
	ErrIceRequired        = errors.New("remote ice parameters required")
)
