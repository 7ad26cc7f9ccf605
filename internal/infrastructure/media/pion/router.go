package pion

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/pkg/utils"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type transport struct {
	id        domain.TransportID
	direction domain.TransportDirection
	gatherer  *webrtc.ICEGatherer
	ice       *webrtc.ICETransport
	dtls      *webrtc.DTLSTransport
	connected bool
}

// layerTrack is one simulcast encoding of a producer. Index 0 is the first
// (lowest) encoding in the produce request.
type layerTrack struct {
	rid    string
	remote *webrtc.TrackRemote
}

type producer struct {
	id        domain.ProducerID
	transport *transport
	kind      domain.MediaKind
	rtp       domain.RtpParameters
	receiver  *webrtc.RTPReceiver

	mu     sync.Mutex
	layers []layerTrack
	sinks  map[domain.ConsumerID]*consumer
	done   chan struct{}
}

type consumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	transport  *transport
	kind       domain.MediaKind
	local      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender

	mu             sync.Mutex
	preferredLayer int // -1 selects the highest available layer
}

type Router struct {
	id     domain.RouterID
	engine *Engine
	logger *zap.SugaredLogger

	mu         sync.Mutex
	transports map[domain.TransportID]*transport
	producers  map[domain.ProducerID]*producer
	consumers  map[domain.ConsumerID]*consumer
	closed     bool
}

func (r *Router) ID() domain.RouterID {
	return r.id
}

func (r *Router) RtpCapabilities() domain.RtpCapabilities {
	return routerCapabilities
}

func (r *Router) CreateTransport(ctx context.Context, direction domain.TransportDirection) (*domain.TransportInfo, error) {
	gatherer, err := r.engine.api.NewICEGatherer(webrtc.ICEGatherOptions{
		ICEServers: r.engine.cfg.ICEServers,
	})
	if err != nil {
		return nil, err
	}

	ice := r.engine.api.NewICETransport(gatherer)
	dtls, err := r.engine.api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, err
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, err
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, err
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, err
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, err
	}

	t := &transport{
		id:        domain.TransportID(utils.GenerateTransportID()),
		direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrTransportNotFound
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	info := &domain.TransportInfo{
		ID:        t.id,
		Direction: direction,
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          iceParams.ICELite,
		},
		DtlsParameters: domain.DtlsParameters{
			Role:         dtlsRoleString(dtlsParams.Role),
			Fingerprints: toDomainFingerprints(dtlsParams.Fingerprints),
		},
	}
	for _, c := range candidates {
		info.IceCandidates = append(info.IceCandidates, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return info, nil
}

func (r *Router) ConnectTransport(ctx context.Context, id domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	r.mu.Lock()
	t, ok := r.transports[id]
	r.mu.Unlock()
	if !ok {
		return domain.ErrTransportNotFound
	}
	if t.connected {
		return nil
	}

	// This engine is not ICE-lite, so connectivity checks cannot start
	// without the remote side's ufrag/password.
	if ice == nil {
		return domain.ErrIceRequired
	}
	iceRole := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: ice.UsernameFragment,
		Password:         ice.Password,
		ICELite:          ice.IceLite,
	}, &iceRole); err != nil {
		return err
	}

	if err := t.dtls.Start(webrtc.DTLSParameters{
		Role:         dtlsRoleFromString(dtls.Role),
		Fingerprints: toPionFingerprints(dtls.Fingerprints),
	}); err != nil {
		return err
	}

	t.connected = true
	return nil
}

func (r *Router) CloseTransport(id domain.TransportID) {
	r.mu.Lock()
	t, ok := r.transports[id]
	delete(r.transports, id)
	r.mu.Unlock()
	if !ok {
		return
	}

	if t.dtls != nil {
		t.dtls.Stop()
	}
	if t.ice != nil {
		t.ice.Stop()
	}
}

func (r *Router) Produce(ctx context.Context, transportID domain.TransportID, kind domain.MediaKind, rtp domain.RtpParameters) (domain.ProducerID, error) {
	r.mu.Lock()
	t, ok := r.transports[transportID]
	r.mu.Unlock()
	if !ok {
		return "", domain.ErrTransportNotFound
	}

	codecType := webrtc.RTPCodecTypeVideo
	if kind == domain.MediaKindAudio {
		codecType = webrtc.RTPCodecTypeAudio
	}

	receiver, err := r.engine.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return "", err
	}

	encodings := make([]webrtc.RTPDecodingParameters, 0, len(rtp.Encodings))
	for _, enc := range rtp.Encodings {
		encodings = append(encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				RID:  enc.Rid,
				SSRC: webrtc.SSRC(enc.SSRC),
			},
		})
	}
	if len(encodings) == 0 {
		encodings = append(encodings, webrtc.RTPDecodingParameters{})
	}

	if err := receiver.Receive(webrtc.RTPReceiveParameters{Encodings: encodings}); err != nil {
		return "", err
	}

	p := &producer{
		id:        domain.ProducerID(utils.GenerateProducerID()),
		transport: t,
		kind:      kind,
		rtp:       rtp,
		receiver:  receiver,
		sinks:     make(map[domain.ConsumerID]*consumer),
		done:      make(chan struct{}),
	}

	for i, remote := range receiver.Tracks() {
		rid := ""
		if i < len(rtp.Encodings) {
			rid = rtp.Encodings[i].Rid
		}
		p.layers = append(p.layers, layerTrack{rid: rid, remote: remote})
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		receiver.Stop()
		return "", domain.ErrTransportNotFound
	}
	r.producers[p.id] = p
	r.mu.Unlock()

	for layer, lt := range p.layers {
		go r.forwardLayer(p, layer, lt.remote)
	}
	if kind == domain.MediaKindVideo {
		go r.keyframeLoop(p)
	}

	return p.id, nil
}

// forwardLayer pumps RTP from one simulcast layer of a producer to every
// consumer currently selecting that layer.
func (r *Router) forwardLayer(p *producer, layer int, remote *webrtc.TrackRemote) {
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if err != io.EOF {
				r.logger.Debugw("producer read ended", "producer_id", p.id, "layer", layer, "error", err)
			}
			return
		}

		p.mu.Lock()
		layerCount := len(p.layers)
		for _, sink := range p.sinks {
			if sink.selectedLayer(layerCount) != layer {
				continue
			}
			if err := sink.local.WriteRTP(pkt); err != nil {
				r.logger.Debugw("consumer write failed", "consumer_id", sink.id, "error", err)
			}
		}
		p.mu.Unlock()
	}
}

// keyframeLoop periodically asks the producer for keyframes so that newly
// attached or layer-switching consumers can start decoding.
func (r *Router) keyframeLoop(p *producer) {
	ticker := time.NewTicker(r.engine.cfg.KeyframeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.mu.Lock()
			pkts := make([]rtcp.Packet, 0, len(p.layers))
			for _, lt := range p.layers {
				pkts = append(pkts, &rtcp.PictureLossIndication{MediaSSRC: uint32(lt.remote.SSRC())})
			}
			p.mu.Unlock()
			if len(pkts) == 0 {
				continue
			}
			if _, err := p.transport.dtls.WriteRTCP(pkts); err != nil {
				r.logger.Debugw("keyframe request failed", "producer_id", p.id, "error", err)
			}
		}
	}
}

func (r *Router) CloseProducer(id domain.ProducerID) {
	r.mu.Lock()
	p, ok := r.producers[id]
	delete(r.producers, id)
	var orphans []*consumer
	for consumerID, c := range r.consumers {
		if c.producerID == id {
			orphans = append(orphans, c)
			delete(r.consumers, consumerID)
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	close(p.done)
	p.receiver.Stop()
	for _, c := range orphans {
		c.sender.Stop()
	}
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
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
	t, tok := r.transports[transportID]
	p, pok := r.producers[producerID]
	r.mu.Unlock()
	if !tok {
		return nil, domain.ErrTransportNotFound
	}
	if !pok {
		return nil, domain.ErrProducerNotFound
	}

	if len(p.rtp.Codecs) == 0 {
		return nil, domain.ErrCodecsIncompatible
	}
	codec := p.rtp.Codecs[0]

	id := domain.ConsumerID(utils.GenerateConsumerID())
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  codec.MimeType,
		ClockRate: uint32(codec.ClockRate),
		Channels:  uint16(codec.Channels),
	}, string(id), string(producerID))
	if err != nil {
		return nil, err
	}

	sender, err := r.engine.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, err
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, err
	}

	c := &consumer{
		id:             id,
		producerID:     producerID,
		transport:      t,
		kind:           p.kind,
		local:          local,
		sender:         sender,
		preferredLayer: -1,
	}

	r.mu.Lock()
	r.consumers[c.id] = c
	r.mu.Unlock()

	p.mu.Lock()
	p.sinks[c.id] = c
	p.mu.Unlock()

	return &domain.ConsumerInfo{
		ID:            c.id,
		ProducerID:    producerID,
		Kind:          p.kind,
		RtpParameters: p.rtp,
	}, nil
}

func (r *Router) CloseConsumer(id domain.ConsumerID) {
	r.mu.Lock()
	c, ok := r.consumers[id]
	delete(r.consumers, id)
	p := (*producer)(nil)
	if ok {
		p = r.producers[c.producerID]
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if p != nil {
		p.mu.Lock()
		delete(p.sinks, id)
		p.mu.Unlock()
	}
	c.sender.Stop()
}

func (r *Router) SetConsumerPreferredLayers(ctx context.Context, id domain.ConsumerID, spatialLayer int) error {
	r.mu.Lock()
	c, ok := r.consumers[id]
	r.mu.Unlock()
	if !ok {
		return domain.ErrConsumerNotFound
	}

	c.mu.Lock()
	c.preferredLayer = spatialLayer
	c.mu.Unlock()
	return nil
}

func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	producers := r.producers
	consumers := r.consumers
	transports := r.transports
	r.producers = make(map[domain.ProducerID]*producer)
	r.consumers = make(map[domain.ConsumerID]*consumer)
	r.transports = make(map[domain.TransportID]*transport)
	r.mu.Unlock()

	for _, p := range producers {
		close(p.done)
		p.receiver.Stop()
	}
	for _, c := range consumers {
		c.sender.Stop()
	}
	for _, t := range transports {
		if t.dtls != nil {
			t.dtls.Stop()
		}
		if t.ice != nil {
			t.ice.Stop()
		}
	}

	r.engine.mu.Lock()
	delete(r.engine.routers, r.id)
	r.engine.mu.Unlock()
}

// selectedLayer clamps the preferred spatial layer to what the producer
// actually carries.
func (c *consumer) selectedLayer(layerCount int) int {
	c.mu.Lock()
	preferred := c.preferredLayer
	c.mu.Unlock()

	if layerCount <= 1 {
		return 0
	}
	if preferred < 0 || preferred >= layerCount {
		return layerCount - 1
	}
	return preferred
}

func dtlsRoleString(role webrtc.DTLSRole) string {
	switch role {
	case webrtc.DTLSRoleClient:
		return "client"
	case webrtc.DTLSRoleServer:
		return "server"
	default:
		return "auto"
	}
}

func dtlsRoleFromString(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func toDomainFingerprints(in []webrtc.DTLSFingerprint) []domain.DtlsFingerprint {
	out := make([]domain.DtlsFingerprint, 0, len(in))
	for _, fp := range in {
		out = append(out, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func toPionFingerprints(in []domain.DtlsFingerprint) []webrtc.DTLSFingerprint {
	out := make([]webrtc.DTLSFingerprint, 0, len(in))
	for _, fp := range in {
		out = append(out, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}
