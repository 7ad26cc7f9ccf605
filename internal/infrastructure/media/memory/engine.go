// Package memory implements the media engine port without any real
// networking. Transports, producers and consumers are plain bookkeeping
// objects with deterministic behavior, which makes the engine suitable for
// tests and local development.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	"github.com/globalgrayhat/carcast/pkg/utils"
)

var defaultCapabilities = domain.RtpCapabilities{
	Codecs: []domain.RtpCodecCapability{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, Kind: domain.MediaKindAudio},
		{MimeType: "video/VP8", ClockRate: 90000, Kind: domain.MediaKindVideo},
		{MimeType: "video/H264", ClockRate: 90000, Kind: domain.MediaKindVideo},
	},
}

type Engine struct {
	mu      sync.Mutex
	routers map[domain.RouterID]*Router
	closed  bool
}

func NewEngine() *Engine {
	return &Engine{
		routers: make(map[domain.RouterID]*Router),
	}
}

func (e *Engine) CreateRouter(ctx context.Context) (ports.Router, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	router := &Router{
		id:         domain.RouterID(utils.GenerateRouterID()),
		engine:     e,
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
	}
	e.routers[router.id] = router
	return router, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.routers = make(map[domain.RouterID]*Router)
	return nil
}

type transport struct {
	id        domain.TransportID
	direction domain.TransportDirection
	connected bool
}

type producer struct {
	id   domain.ProducerID
	kind domain.MediaKind
	rtp  domain.RtpParameters
}

type consumer struct {
	id             domain.ConsumerID
	producerID     domain.ProducerID
	kind           domain.MediaKind
	preferredLayer int
}

type Router struct {
	id     domain.RouterID
	engine *Engine

	mu         sync.Mutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
}

func (r *Router) ID() domain.RouterID {
	return r.id
}

func (r *Router) RtpCapabilities() domain.RtpCapabilities {
	return defaultCapabilities
}

func (r *Router) CreateTransport(ctx context.Context, direction domain.TransportDirection) (*domain.TransportInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &transport{
		id:        domain.TransportID(utils.GenerateTransportID()),
		direction: direction,
	}
	r.transports[t.id] = t

	return &domain.TransportInfo{
		ID:        t.id,
		Direction: direction,
		IceParameters: domain.IceParameters{
			UsernameFragment: "ufrag-" + string(t.id),
			Password:         "pwd-" + string(t.id),
			IceLite:          true,
		},
		IceCandidates: []domain.IceCandidate{
			{Foundation: "0", Priority: 1, IP: "127.0.0.1", Protocol: "udp", Port: 40000, Type: "host"},
		},
		DtlsParameters: domain.DtlsParameters{
			Role: "auto",
			Fingerprints: []domain.DtlsFingerprint{
				{Algorithm: "sha-256", Value: "00:00:00:00"},
			},
		},
	}, nil
}

func (r *Router) ConnectTransport(ctx context.Context, id domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.transports[id]
	if !ok {
		return domain.ErrTransportNotFound
	}
	t.connected = true
	return nil
}

func (r *Router) CloseTransport(id domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transports[transportID]; !ok {
		return "", domain.ErrTransportNotFound
	}

	p := &producer{
		id:   domain.ProducerID(utils.GenerateProducerID()),
		kind: kind,
		rtp:  rtp,
	}
	r.producers[p.id] = p
	return p.id, nil
}

func (r *Router) CloseProducer(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.producers, id)
	for consumerID, c := range r.consumers {
		if c.producerID == id {
			delete(r.consumers, consumerID)
		}
	}
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.producers[producerID]
	if !ok {
		return false
	}
	for _, codec := range p.rtp.Codecs {
		for _, capCodec := range caps.Codecs {
			if strings.EqualFold(codec.MimeType, capCodec.MimeType) {
				return true
			}
		}
	}
	return false
}

func (r *Router) Consume(ctx context.Context, transportID domain.TransportID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transports[transportID]; !ok {
		return nil, domain.ErrTransportNotFound
	}
	p, ok := r.producers[producerID]
	if !ok {
		return nil, domain.ErrProducerNotFound
	}

	c := &consumer{
		id:             domain.ConsumerID(utils.GenerateConsumerID()),
		producerID:     producerID,
		kind:           p.kind,
		preferredLayer: -1,
	}
	r.consumers[c.id] = c

	return &domain.ConsumerInfo{
		ID:            c.id,
		ProducerID:    producerID,
		Kind:          p.kind,
		RtpParameters: p.rtp,
	}, nil
}

func (r *Router) CloseConsumer(id domain.ConsumerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, id)
}

func (r *Router) SetConsumerPreferredLayers(ctx context.Context, id domain.ConsumerID, spatialLayer int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.consumers[id]
	if !ok {
		return domain.ErrConsumerNotFound
	}
	c.preferredLayer = spatialLayer
	return nil
}

func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports = make(map[domain.TransportID]*transport)
	r.producers = make(map[domain.ProducerID]*producer)
	r.consumers = make(map[domain.ConsumerID]*consumer)
}

// ConsumerCount is a test helper.
func (r *Router) ConsumerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}
