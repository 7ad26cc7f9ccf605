// Package signal hosts the WebSocket signaling surface: identity resolution
// at upgrade time, the per-connection message loop, and event fan-out to
// rooms, peers and users.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	"github.com/globalgrayhat/carcast/internal/core/services"
	apperrors "github.com/globalgrayhat/carcast/pkg/errors"
	"github.com/globalgrayhat/carcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is one live signaling session. Writes are serialized through
// writeMu because the notifier writes from other goroutines.
type connection struct {
	id        domain.ConnID
	userID    domain.UserID
	channelID domain.ChannelID
	ws        *websocket.Conn
	limiter   *rate.Limiter

	writeMu sync.Mutex
}

type Options struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// MessagesPerSecond and Burst bound inbound message rates per connection.
	// Zero disables limiting.
	MessagesPerSecond float64
	Burst             int
}

type WebSocketServer struct {
	registry  ports.RegistryService
	admission ports.AdmissionService
	catalog   ports.CatalogService
	auth      services.AuthService

	connections map[domain.ConnID]*connection
	mu          sync.RWMutex

	opts   Options
	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	registry ports.RegistryService,
	admission ports.AdmissionService,
	catalog ports.CatalogService,
	auth services.AuthService,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &WebSocketServer{
		registry:    registry,
		admission:   admission,
		catalog:     catalog,
		auth:        auth,
		connections: make(map[domain.ConnID]*connection),
		opts:        opts,
		logger:      logger,
	}
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Identity resolution happens once, before the upgrade is accepted. An
	// unknown vehicle key refuses the connection outright.
	query := r.URL.Query()
	identity, err := s.auth.Resolve(r.Context(), query.Get("token"), query.Get("vehicleKey"))
	if err != nil {
		s.logger.Warnw("connection refused", "error", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	channelID := domain.ChannelID(query.Get("channelId"))
	if channelID == "" {
		http.Error(w, "channelId is required", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &connection{
		id:        domain.ConnID(utils.GenerateConnID()),
		userID:    identity.UserID,
		channelID: channelID,
		ws:        ws,
	}
	if s.opts.MessagesPerSecond > 0 {
		conn.limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), s.opts.Burst)
	}

	ctx := context.Background()
	peer, err := s.registry.JoinRoom(ctx, conn.id, ports.JoinParams{
		ChannelID:  channelID,
		Role:       identity.Role,
		UserID:     identity.UserID,
		Username:   identity.Username,
		VehicleKey: identity.VehicleKey,
	})
	if err != nil {
		s.logger.Warnw("join failed", "conn_id", conn.id, "error", err)
		s.writeEvent(conn, "error", ErrorPayload{Message: "join failed"})
		return
	}

	s.mu.Lock()
	s.connections[conn.id] = conn
	s.mu.Unlock()

	s.logger.Infow("peer connected",
		"conn_id", conn.id,
		"channel_id", channelID,
		"role", peer.Role,
		"user_id", peer.UserID,
	)

	s.writeEvent(conn, "ready", ReadyPayload{Role: peer.Role, ChannelID: channelID})
	s.sendStreamList(ctx, conn)

	ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.opts.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan SignalMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg SignalMessage
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if conn.limiter != nil && !conn.limiter.Allow() {
				s.writeEvent(conn, "error", ErrorPayload{Message: "rate limit exceeded"})
				continue
			}
			if err := s.handleMessage(ctx, conn, msg); err != nil {
				s.writeFailure(conn, err)
			}

		case <-pingTicker.C:
			conn.writeMu.Lock()
			ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			err := ws.WriteMessage(websocket.PingMessage, nil)
			conn.writeMu.Unlock()
			if err != nil {
				s.logger.Infow("error sending ping", "conn_id", conn.id, "error", err)
				goto cleanup
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message", "conn_id", conn.id, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.mu.Lock()
	delete(s.connections, conn.id)
	s.mu.Unlock()

	// Disconnect cascades: consumers, producers, transports, then the room
	// itself when it reaches zero peers.
	if err := s.registry.LeaveRoom(ctx, conn.id); err != nil {
		s.logger.Infow("error leaving room", "conn_id", conn.id, "error", err)
	}
	s.broadcastStreamList(ctx, channelID, conn.id)

	s.logger.Infow("peer disconnected", "conn_id", conn.id, "channel_id", channelID)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, conn *connection, msg SignalMessage) error {
	if msg.Type == "" {
		return apperrors.NewInvalidInputError("message type is required")
	}

	switch msg.Type {
	case "getRouterRtpCapabilities":
		return s.handleRouterCapabilities(ctx, conn)
	case "createWebRtcTransport":
		return s.handleCreateTransport(ctx, conn, msg)
	case "connectWebRtcTransport":
		return s.handleConnectTransport(ctx, conn, msg)
	case "produce":
		return s.handleProduce(ctx, conn, msg)
	case "consume":
		return s.handleConsume(ctx, conn, msg)
	case "stream:start":
		return s.handleStreamStart(ctx, conn, msg)
	case "stream:stop":
		return s.handleStreamStop(ctx, conn, msg)
	case "join:notify":
		return s.handleJoinNotify(ctx, conn, msg)
	case "broadcast:end":
		return s.handleBroadcastEnd(ctx, conn)
	case "control:command":
		return s.handleControlCommand(ctx, conn, msg)
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *WebSocketServer) handleRouterCapabilities(ctx context.Context, conn *connection) error {
	caps, err := s.registry.RouterCapabilities(ctx, conn.id)
	if err != nil {
		return err
	}
	s.writeEvent(conn, "routerRtpCapabilities", caps)
	return nil
}

func (s *WebSocketServer) handleCreateTransport(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload CreateTransportPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid createWebRtcTransport payload")
	}
	if payload.Direction != domain.DirectionSend && payload.Direction != domain.DirectionRecv {
		return apperrors.NewInvalidInputError("direction must be \"send\" or \"recv\"")
	}

	info, err := s.registry.CreateTransport(ctx, conn.id, payload.Direction)
	if err != nil {
		return err
	}
	s.writeEvent(conn, "transportCreated", info)
	return nil
}

func (s *WebSocketServer) handleConnectTransport(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload ConnectTransportPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid connectWebRtcTransport payload")
	}

	if err := s.registry.ConnectTransport(ctx, conn.id, payload.TransportID, payload.DtlsParameters, payload.IceParameters); err != nil {
		return err
	}
	s.writeEvent(conn, "transportConnected", TransportConnectedPayload{TransportID: payload.TransportID})
	return nil
}

func (s *WebSocketServer) handleProduce(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload ProducePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid produce payload")
	}
	if payload.Kind != domain.MediaKindAudio && payload.Kind != domain.MediaKindVideo {
		return apperrors.NewInvalidInputError("kind must be \"audio\" or \"video\"")
	}

	result, err := s.registry.Produce(ctx, conn.id, payload.TransportID, payload.Kind, payload.RtpParameters, payload.AppData.MediaTag)
	if err != nil {
		return err
	}
	s.writeEvent(conn, "produced", ProducedPayload{ProducerID: result.ProducerID})
	s.broadcastStreamList(ctx, conn.channelID, "")
	return nil
}

func (s *WebSocketServer) handleConsume(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload ConsumePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid consume payload")
	}

	info, err := s.registry.Consume(ctx, conn.id, payload.ProducerID, payload.RtpCapabilities)
	if err != nil {
		return err
	}

	ownerID, _ := s.registry.ProducerOwner(conn.channelID, payload.ProducerID)

	s.writeEvent(conn, "consumed", ConsumedPayload{
		ProducerID:    info.ProducerID,
		ID:            info.ID,
		Kind:          info.Kind,
		RtpParameters: info.RtpParameters,
		PeerID:        ownerID,
	})
	return nil
}

func (s *WebSocketServer) handleStreamStart(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload StreamStartPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid stream:start payload")
	}
	if payload.StreamID == "" {
		return apperrors.NewInvalidInputError("streamId is required")
	}

	peer, err := s.registry.Peer(conn.id)
	if err != nil {
		return err
	}

	if err := s.catalog.UpsertStream(ctx, payload.StreamID, peer, payload.Kind, ""); err != nil {
		return err
	}
	s.broadcastStreamList(ctx, conn.channelID, "")
	return nil
}

func (s *WebSocketServer) handleStreamStop(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload StreamStopPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid stream:stop payload")
	}

	peer, err := s.registry.Peer(conn.id)
	if err != nil {
		return err
	}
	source, err := s.catalog.Find(ctx, payload.StreamID)
	if err != nil {
		if errors.Is(err, domain.ErrSourceNotFound) {
			return apperrors.NewNotFoundError("stream")
		}
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "stream lookup failed", 500)
	}
	// Only the owner (or an admin) takes a stream off air.
	if source.OwnerUserID != peer.UserID && peer.Role != domain.RoleAdmin {
		return apperrors.NewAuthorizationError("stream belongs to another user")
	}

	if err := s.catalog.MarkOffAir(ctx, payload.StreamID); err != nil {
		return err
	}
	s.broadcastStreamList(ctx, conn.channelID, "")
	return nil
}

// handleJoinNotify relays a join-request decision to the affected user's live
// connections and the sender's room. Delivery is best-effort; the REST surface
// remains the source of truth.
func (s *WebSocketServer) handleJoinNotify(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload JoinNotifyPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid join:notify payload")
	}

	status := JoinStatusPayload{
		ToUserID:  payload.ToUserID,
		Status:    payload.Status,
		Intent:    payload.Intent,
		RequestID: payload.RequestID,
		At:        time.Now().UTC(),
	}
	s.NotifyUser(payload.ToUserID, "join-requests:status", status)
	s.BroadcastRoom(conn.channelID, conn.id, "join-requests:status", status)
	return nil
}

func (s *WebSocketServer) handleBroadcastEnd(ctx context.Context, conn *connection) error {
	peer, err := s.registry.Peer(conn.id)
	if err != nil {
		return err
	}

	producerIDs := make([]domain.ProducerID, 0, len(peer.Producers))
	for id := range peer.Producers {
		producerIDs = append(producerIDs, id)
	}
	for _, id := range producerIDs {
		if err := s.registry.StopProducer(ctx, conn.id, id); err != nil {
			s.logger.Warnw("failed to stop producer", "conn_id", conn.id, "producer_id", id, "error", err)
		}
	}

	s.writeEvent(conn, "broadcast:ended", BroadcastEndedPayload{OK: true})
	s.broadcastStreamList(ctx, conn.channelID, "")
	return nil
}

// handleControlCommand forwards a command to vehicle peers in the room. Only
// managers and peers holding an approved CONTROL-capable grant may send.
func (s *WebSocketServer) handleControlCommand(ctx context.Context, conn *connection, msg SignalMessage) error {
	var payload ControlCommandPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return apperrors.NewInvalidInputError("invalid control:command payload")
	}
	if payload.Command == "" {
		return apperrors.NewInvalidInputError("command is required")
	}

	peer, err := s.registry.Peer(conn.id)
	if err != nil {
		return err
	}
	if peer.Role == domain.RoleViewer {
		granted, err := s.admission.HasApprovedGrant(ctx, peer.UserID, 0)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInternal, "grant lookup failed", 500)
		}
		if !granted {
			return apperrors.NewAuthorizationError("no approved control grant")
		}
	}

	event := ControlCommandEvent{
		FromPeerID: conn.id,
		Command:    payload.Command,
		Params:     payload.Params,
	}

	delivered := false
	for _, target := range s.registry.RoomPeers(conn.channelID) {
		if target.ID == conn.id || !target.IsVehicle() {
			continue
		}
		if payload.TargetPeerID != "" && target.ID != payload.TargetPeerID {
			continue
		}
		s.NotifyPeer(target.ID, "control:command", event)
		delivered = true
	}
	if !delivered {
		return apperrors.NewNotFoundError("vehicle peer")
	}
	return nil
}

func (s *WebSocketServer) sendStreamList(ctx context.Context, conn *connection) {
	sources, err := s.catalog.ListOnAir(ctx)
	if err != nil {
		s.logger.Warnw("failed to list streams", "error", err)
		return
	}
	s.writeEvent(conn, "streams:list", sources)
}

// broadcastStreamList refreshes the on-air catalog for every peer in a room.
func (s *WebSocketServer) broadcastStreamList(ctx context.Context, channelID domain.ChannelID, exclude domain.ConnID) {
	sources, err := s.catalog.ListOnAir(ctx)
	if err != nil {
		s.logger.Warnw("failed to list streams", "error", err)
		return
	}
	s.BroadcastRoom(channelID, exclude, "streams:list", sources)
}

// NotifyPeer implements ports.Notifier. Delivery is best-effort, at most once.
func (s *WebSocketServer) NotifyPeer(connID domain.ConnID, event string, payload interface{}) {
	s.mu.RLock()
	conn, ok := s.connections[connID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.writeEvent(conn, event, payload)
}

// BroadcastRoom implements ports.Notifier.
func (s *WebSocketServer) BroadcastRoom(channelID domain.ChannelID, exclude domain.ConnID, event string, payload interface{}) {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.connections))
	for _, conn := range s.connections {
		if conn.channelID == channelID && conn.id != exclude {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		s.writeEvent(conn, event, payload)
	}
}

// NotifyUser implements ports.Notifier. A user may hold several connections.
func (s *WebSocketServer) NotifyUser(userID domain.UserID, event string, payload interface{}) {
	if userID == 0 {
		return
	}
	s.mu.RLock()
	targets := make([]*connection, 0, 1)
	for _, conn := range s.connections {
		if conn.userID == userID {
			targets = append(targets, conn)
		}
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		s.writeEvent(conn, event, payload)
	}
}

func (s *WebSocketServer) writeEvent(conn *connection, event string, payload interface{}) {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.ws.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.ws.WriteJSON(Event{Type: event, Payload: payload}); err != nil {
		s.logger.Debugw("write failed", "conn_id", conn.id, "event", event, "error", err)
	}
}

// writeFailure maps an operation error onto the wire. Authorization failures
// surface as permission:denied so clients can render a visible denial instead
// of a generic error.
func (s *WebSocketServer) writeFailure(conn *connection, err error) {
	s.logger.Infow("operation failed", "conn_id", conn.id, "error", err)

	if appErr := apperrors.GetAppError(err); appErr != nil {
		if appErr.Code == apperrors.ErrCodeAuthorization {
			s.writeEvent(conn, "permission:denied", PermissionDeniedPayload{Reason: appErr.Message})
			return
		}
		s.writeEvent(conn, "error", ErrorPayload{Message: appErr.Message})
		return
	}
	s.writeEvent(conn, "error", ErrorPayload{Message: err.Error()})
}

// ConnectionCount reports the number of live signaling sessions.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
