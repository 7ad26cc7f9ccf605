package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	apperrors "github.com/globalgrayhat/carcast/pkg/errors"

	"go.uber.org/zap"
)

// RegistryMetrics is the monitoring hook surface of the registry. Satisfied
// by the Prometheus collector; a nil-safe no-op is used in tests.
type RegistryMetrics interface {
	RoomCreated()
	RoomDeleted()
	PeerJoined(role domain.Role)
	PeerLeft(role domain.Role)
	ProducerCreated(kind domain.MediaKind)
	ProducerClosed(kind domain.MediaKind)
	ConsumerCreated()
	ConsumerClosed()
}

type noopMetrics struct{}

func (noopMetrics) RoomCreated()                     {}
func (noopMetrics) RoomDeleted()                     {}
func (noopMetrics) PeerJoined(domain.Role)           {}
func (noopMetrics) PeerLeft(domain.Role)             {}
func (noopMetrics) ProducerCreated(domain.MediaKind) {}
func (noopMetrics) ProducerClosed(domain.MediaKind)  {}
func (noopMetrics) ConsumerCreated()                 {}
func (noopMetrics) ConsumerClosed()                  {}

// Registry is the in-memory room/peer/transport/producer/consumer state
// machine. Rooms and peers hold id sets only; the transport, producer and
// consumer objects live in the media engine and are referenced by id.
type Registry struct {
	engine    ports.MediaEngine
	admission ports.AdmissionService
	catalog   ports.CatalogService
	metrics   RegistryMetrics
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	rooms   map[domain.ChannelID]*domain.Room
	routers map[domain.ChannelID]ports.Router
	peers   map[domain.ConnID]*domain.Peer

	notifier ports.Notifier
}

// NewRegistry creates the registry. The notifier is attached later via
// SetNotifier because the signaling server that implements it needs the
// registry first.
func NewRegistry(
	engine ports.MediaEngine,
	admission ports.AdmissionService,
	catalog ports.CatalogService,
	metrics RegistryMetrics,
	logger *zap.SugaredLogger,
) *Registry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Registry{
		engine:    engine,
		admission: admission,
		catalog:   catalog,
		metrics:   metrics,
		logger:    logger,
		rooms:     make(map[domain.ChannelID]*domain.Room),
		routers:   make(map[domain.ChannelID]ports.Router),
		peers:     make(map[domain.ConnID]*domain.Peer),
	}
}

// SetNotifier attaches the live-session fan-out sink.
func (s *Registry) SetNotifier(n ports.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifier = n
}

func (s *Registry) JoinRoom(ctx context.Context, connID domain.ConnID, params ports.JoinParams) (*domain.Peer, error) {
	if params.ChannelID == "" {
		return nil, apperrors.NewInvalidInputError("channelId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.peers[connID]; exists {
		return nil, apperrors.NewInvalidInputError(fmt.Sprintf("connection %s already joined", connID))
	}

	room, ok := s.rooms[params.ChannelID]
	if !ok {
		router, err := s.engine.CreateRouter(ctx)
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to create router", 500)
		}
		room = domain.NewRoom(params.ChannelID, router.ID())
		s.rooms[params.ChannelID] = room
		s.routers[params.ChannelID] = router
		s.metrics.RoomCreated()
		s.logger.Infow("room created", "channel_id", params.ChannelID, "router_id", router.ID())
	}

	peer := domain.NewPeer(connID, params.ChannelID, params.Role)
	peer.UserID = params.UserID
	peer.Username = params.Username
	peer.VehicleKey = params.VehicleKey

	room.Peers[connID] = peer
	s.peers[connID] = peer
	s.metrics.PeerJoined(peer.Role)

	s.logger.Infow("peer joined",
		"conn_id", connID,
		"channel_id", params.ChannelID,
		"role", params.Role,
		"user_id", params.UserID,
	)
	return peer.Clone(), nil
}

func (s *Registry) LeaveRoom(ctx context.Context, connID domain.ConnID) error {
	s.mu.Lock()
	peer, ok := s.peers[connID]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFoundError("peer")
	}
	room := s.rooms[peer.ChannelID]
	router := s.routers[peer.ChannelID]

	delete(room.Peers, connID)
	delete(s.peers, connID)

	roomEmpty := room.Empty()
	if roomEmpty {
		delete(s.rooms, peer.ChannelID)
		delete(s.routers, peer.ChannelID)
	}
	s.mu.Unlock()

	// Close in order: consumers, producers, transports.
	for consumerID := range peer.Consumers {
		router.CloseConsumer(consumerID)
		s.metrics.ConsumerClosed()
	}
	for producerID, meta := range peer.Producers {
		router.CloseProducer(producerID)
		s.metrics.ProducerClosed(meta.Kind)
		if err := s.catalog.MarkOffAir(ctx, string(producerID)); err != nil {
			s.logger.Warnw("failed to off-air producer source", "producer_id", producerID, "error", err)
		}
	}
	for transportID := range peer.Transports {
		router.CloseTransport(transportID)
	}

	if err := s.catalog.DropOwner(ctx, peer.UserID); err != nil {
		s.logger.Warnw("failed to drop owner sources", "user_id", peer.UserID, "error", err)
	}

	s.metrics.PeerLeft(peer.Role)

	if roomEmpty {
		router.Close()
		s.metrics.RoomDeleted()
		s.logger.Infow("room deleted", "channel_id", peer.ChannelID)
	}

	s.logger.Infow("peer left", "conn_id", connID, "channel_id", peer.ChannelID)
	return nil
}

func (s *Registry) RouterCapabilities(ctx context.Context, connID domain.ConnID) (domain.RtpCapabilities, error) {
	_, router, err := s.peerRouter(connID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	return router.RtpCapabilities(), nil
}

// guardSendTransport is the coarse connection-time gate. It runs before and
// independently of the authoritative produce-time check: approval state can
// change between transport creation and the actual produce call.
func (s *Registry) guardSendTransport(ctx context.Context, peer *domain.Peer) error {
	if peer.Role != domain.RoleViewer {
		return nil
	}
	granted, err := s.admission.HasApprovedGrant(ctx, peer.UserID, 0)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "grant lookup failed", 500)
	}
	if !granted {
		return apperrors.NewAuthorizationError("viewers need an approved request to send media")
	}
	return nil
}

// guardProduce is the authoritative per-produce gate against the admission
// ledger. Vehicle peers skip it: the device key is itself the authorization.
func (s *Registry) guardProduce(ctx context.Context, peer *domain.Peer) error {
	if peer.IsVehicle() {
		return nil
	}
	if peer.Role != domain.RoleViewer {
		return nil
	}
	granted, err := s.admission.HasApprovedGrant(ctx, peer.UserID, 0)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "grant lookup failed", 500)
	}
	if !granted {
		return apperrors.NewAuthorizationError("no approved publish request")
	}
	return nil
}

func (s *Registry) CreateTransport(ctx context.Context, connID domain.ConnID, direction domain.TransportDirection) (*domain.TransportInfo, error) {
	peer, router, err := s.peerRouter(connID)
	if err != nil {
		return nil, err
	}

	if direction == domain.DirectionSend {
		if err := s.guardSendTransport(ctx, peer); err != nil {
			return nil, err
		}
	}

	info, err := router.CreateTransport(ctx, direction)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to create transport", 500)
	}

	s.mu.Lock()
	peer.Transports[info.ID] = direction
	s.mu.Unlock()

	s.logger.Infow("transport created",
		"conn_id", connID,
		"transport_id", info.ID,
		"direction", direction,
	)
	return info, nil
}

func (s *Registry) ConnectTransport(ctx context.Context, connID domain.ConnID, transportID domain.TransportID, dtls domain.DtlsParameters, ice *domain.IceParameters) error {
	peer, router, err := s.peerRouter(connID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, owned := peer.Transports[transportID]
	s.mu.Unlock()
	if !owned {
		return apperrors.NewNotFoundError("transport")
	}

	if err := router.ConnectTransport(ctx, transportID, dtls, ice); err != nil {
		if errors.Is(err, domain.ErrIceRequired) {
			return apperrors.NewNegotiationError("iceParameters are required to connect this transport")
		}
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "transport connect failed", 500)
	}
	return nil
}

func (s *Registry) Produce(ctx context.Context, connID domain.ConnID, transportID domain.TransportID, kind domain.MediaKind, rtp domain.RtpParameters, appTag string) (*ports.ProduceResult, error) {
	peer, router, err := s.peerRouter(connID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	direction, owned := peer.Transports[transportID]
	s.mu.Unlock()
	if !owned || direction != domain.DirectionSend {
		return nil, apperrors.NewNotFoundError("send transport")
	}

	if err := s.guardProduce(ctx, peer); err != nil {
		return nil, err
	}

	producerID, err := router.Produce(ctx, transportID, kind, rtp)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "produce failed", 500)
	}

	s.mu.Lock()
	peer.Producers[producerID] = domain.ProducerMeta{Kind: kind, AppTag: appTag}
	notifier := s.notifier
	s.mu.Unlock()

	s.metrics.ProducerCreated(kind)

	if err := s.catalog.UpsertProducer(ctx, producerID, peer, kind, appTag); err != nil {
		s.logger.Warnw("failed to reflect producer", "producer_id", producerID, "error", err)
	}

	if notifier != nil {
		notifier.BroadcastRoom(peer.ChannelID, connID, "newProducer", map[string]interface{}{
			"producerId": producerID,
			"peerId":     peer.ID,
		})
	}

	s.logger.Infow("producer created",
		"conn_id", connID,
		"producer_id", producerID,
		"kind", kind,
		"app_tag", appTag,
	)
	return &ports.ProduceResult{ProducerID: producerID, Kind: kind, AppTag: appTag}, nil
}

func (s *Registry) Consume(ctx context.Context, connID domain.ConnID, producerID domain.ProducerID, caps domain.RtpCapabilities) (*domain.ConsumerInfo, error) {
	peer, router, err := s.peerRouter(connID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	room := s.rooms[peer.ChannelID]
	_, ownerFound := room.FindProducerOwner(producerID)

	var recvTransport domain.TransportID
	for id, direction := range peer.Transports {
		if direction == domain.DirectionRecv {
			recvTransport = id
			break
		}
	}
	s.mu.Unlock()

	if !ownerFound {
		return nil, apperrors.NewNotFoundError("producer")
	}
	if recvTransport == "" {
		return nil, apperrors.NewNotFoundError("recv transport")
	}
	if !router.CanConsume(producerID, caps) {
		return nil, apperrors.NewNegotiationError("router cannot consume producer with given capabilities")
	}

	// One call, one consumer. Repeat calls for the same producer are not
	// deduplicated; callers track consumed ids themselves.
	info, err := router.Consume(ctx, recvTransport, producerID, caps)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "consume failed", 500)
	}

	s.mu.Lock()
	peer.Consumers[info.ID] = domain.ConsumerMeta{ProducerID: producerID, Kind: info.Kind}
	s.mu.Unlock()

	s.metrics.ConsumerCreated()

	s.logger.Infow("consumer created",
		"conn_id", connID,
		"consumer_id", info.ID,
		"producer_id", producerID,
	)
	return info, nil
}

// StopProducer closes one producer explicitly and off-airs its reflection.
func (s *Registry) StopProducer(ctx context.Context, connID domain.ConnID, producerID domain.ProducerID) error {
	peer, router, err := s.peerRouter(connID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	meta, owned := peer.Producers[producerID]
	if owned {
		delete(peer.Producers, producerID)
	}
	s.mu.Unlock()

	if !owned {
		return apperrors.NewNotFoundError("producer")
	}

	router.CloseProducer(producerID)
	s.metrics.ProducerClosed(meta.Kind)

	if err := s.catalog.MarkOffAir(ctx, string(producerID)); err != nil {
		s.logger.Warnw("failed to off-air producer source", "producer_id", producerID, "error", err)
	}
	return nil
}

// Peer returns a snapshot of one peer's session state. Callers never see the
// live object: its maps are mutated under the registry lock by other
// connections' goroutines.
func (s *Registry) Peer(connID domain.ConnID) (*domain.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.peers[connID]
	if !ok {
		return nil, apperrors.NewNotFoundError("peer")
	}
	return peer.Clone(), nil
}

// RoomPeers returns snapshots of every peer in a room.
func (s *Registry) RoomPeers(channelID domain.ChannelID) []*domain.Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[channelID]
	if !ok {
		return nil
	}
	peers := make([]*domain.Peer, 0, len(room.Peers))
	for _, peer := range room.Peers {
		peers = append(peers, peer.Clone())
	}
	return peers
}

// ProducerOwner resolves which connection owns a producer in a room.
func (s *Registry) ProducerOwner(channelID domain.ChannelID, producerID domain.ProducerID) (domain.ConnID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[channelID]
	if !ok {
		return "", false
	}
	owner, found := room.FindProducerOwner(producerID)
	if !found {
		return "", false
	}
	return owner.ID, true
}

// RoomCount reports the number of live rooms.
func (s *Registry) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

func (s *Registry) peerRouter(connID domain.ConnID) (*domain.Peer, ports.Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	peer, ok := s.peers[connID]
	if !ok {
		return nil, nil, apperrors.NewNotFoundError("peer")
	}
	router, ok := s.routers[peer.ChannelID]
	if !ok {
		return nil, nil, apperrors.NewNotFoundError("room")
	}
	return peer, router, nil
}
