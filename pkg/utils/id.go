package utils

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateConnID generates a unique connection ID for a signaling session.
func GenerateConnID() string {
	return fmt.Sprintf("conn_%s", uuid.NewString())
}

// GenerateRouterID generates a unique router ID.
func GenerateRouterID() string {
	return fmt.Sprintf("router_%s", uuid.NewString())
}

// GenerateTransportID generates a unique transport ID.
func GenerateTransportID() string {
	return fmt.Sprintf("transport_%s", uuid.NewString())
}

// GenerateProducerID generates a unique producer ID.
func GenerateProducerID() string {
	return fmt.Sprintf("producer_%s", uuid.NewString())
}

// GenerateConsumerID generates a unique consumer ID.
func GenerateConsumerID() string {
	return fmt.Sprintf("consumer_%s", uuid.NewString())
}

// GenerateRequestID generates a unique join request ID.
func GenerateRequestID() string {
	return fmt.Sprintf("req_%s", uuid.NewString())
}

// GenerateStreamID generates a client-stable stream ID reused across
// start/stop cycles within one session.
func GenerateStreamID() string {
	return fmt.Sprintf("stream_%s", uuid.NewString())
}
