package domain

// Media parameter types mirror the wire format the browser-side stack speaks.
// Field names are part of the compatibility contract and must not change.

// RtpCodecCapability describes one codec a router or endpoint supports.
type RtpCodecCapability struct {
	MimeType  string                 `json:"mimeType"`
	ClockRate int                    `json:"clockRate"`
	Channels  int                    `json:"channels,omitempty"`
	Kind      MediaKind              `json:"kind,omitempty"`
	Params    map[string]interface{} `json:"parameters,omitempty"`
}

// RtpCapabilities is the full codec capability set of a router or endpoint.
type RtpCapabilities struct {
	Codecs []RtpCodecCapability `json:"codecs"`
}

// RtpCodecParameters is one negotiated codec inside RtpParameters.
type RtpCodecParameters struct {
	MimeType    string                 `json:"mimeType"`
	PayloadType uint8                  `json:"payloadType"`
	ClockRate   int                    `json:"clockRate"`
	Channels    int                    `json:"channels,omitempty"`
	Params      map[string]interface{} `json:"parameters,omitempty"`
}

// RtpEncodingParameters is one simulcast encoding of a track. Rid orders
// spatial layers from lowest (r0) upward.
type RtpEncodingParameters struct {
	Rid                   string  `json:"rid,omitempty"`
	SSRC                  uint32  `json:"ssrc,omitempty"`
	MaxBitrate            int     `json:"maxBitrate,omitempty"`
	ScaleResolutionDownBy float64 `json:"scaleResolutionDownBy,omitempty"`
}

// RtpParameters describes a single published track.
type RtpParameters struct {
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings,omitempty"`
}

// DtlsFingerprint is one certificate fingerprint inside DtlsParameters.
type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DtlsParameters finalizes a transport handshake.
type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// IceParameters carries the local ICE ufrag/pwd of a transport.
type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

// IceCandidate is one gathered local candidate.
type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

// TransportInfo is what a client needs to connect a freshly created
// transport.
type TransportInfo struct {
	ID             TransportID        `json:"id"`
	Direction      TransportDirection `json:"-"`
	IceParameters  IceParameters      `json:"iceParameters"`
	IceCandidates  []IceCandidate     `json:"iceCandidates"`
	DtlsParameters DtlsParameters     `json:"dtlsParameters"`
}

// ConsumerInfo is what a client needs to attach a new consumer.
type ConsumerInfo struct {
	ID            ConsumerID    `json:"id"`
	ProducerID    ProducerID    `json:"producerId"`
	Kind          MediaKind     `json:"kind"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}
