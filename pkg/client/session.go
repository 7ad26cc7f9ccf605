// Package client is the session orchestrator applications embed to talk to
// the signaling server: transport setup, publish/consume lifecycle, sink
// binding, the view gate and quality preferences, and command queueing for
// vehicle control.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/pkg/bus"
	apperrors "github.com/globalgrayhat/carcast/pkg/errors"
	"github.com/globalgrayhat/carcast/pkg/retry"
	"github.com/globalgrayhat/carcast/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Event is the wire envelope received from the server.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// message is the wire envelope sent to the server.
type message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// PublishKind selects a capture source and its simulcast ladder.
type PublishKind string

const (
	PublishCamera PublishKind = "camera"
	PublishScreen PublishKind = "screen"
	PublishAudio  PublishKind = "audio"
)

// Options configures a session.
type Options struct {
	URL        string
	ChannelID  string
	Token      string
	VehicleKey string

	Device Device
	Logger *zap.SugaredLogger
	// Bus receives connectivity and catalog notifications. Optional.
	Bus *bus.Bus

	RequestTimeout time.Duration
	Reconnect      retry.Config
}

type publication struct {
	kind       PublishKind
	streamID   string
	producerID domain.ProducerID
	track      Track
}

type consumerHandle struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	peerID     domain.ConnID
	kind       domain.MediaKind
	track      Track
}

// Session is one live signaling connection and everything it owns. Socket
// events and caller operations interleave; all shared state sits behind mu.
type Session struct {
	opts   Options
	device Device
	logger *zap.SugaredLogger
	events *bus.Bus

	waiters  *waiterSet
	commands commandQueue

	// reqMu admits one request at a time. The protocol carries no request
	// ids, so an error or permission:denied event is only attributable to a
	// request while a single acknowledgement is pending.
	reqMu sync.Mutex

	mu     sync.Mutex
	ws     *websocket.Conn
	wsMu   sync.Mutex // serializes writes
	role   domain.Role
	closed bool

	routerCaps    *domain.RtpCapabilities
	sendTransport SendTransport
	recvTransport RecvTransport

	// knownProducers caches producer announcements and catalog entries so the
	// view gate can resynchronize without another round trip.
	knownProducers map[domain.ProducerID]domain.ConnID
	consumers      map[domain.ConsumerID]*consumerHandle
	byProducer     map[domain.ProducerID]domain.ConsumerID
	// pendingConsumes dedups in-flight consume round trips: the announcement
	// and the catalog push can both ask for the same producer.
	pendingConsumes map[domain.ProducerID]bool

	publications map[PublishKind]*publication
	streamIDs    map[PublishKind]string

	videoSinks map[domain.ProducerID]VideoSink
	audioSinks map[domain.ConnID]AudioSink

	viewGate       bool
	preferredLayer int // -1 means highest available

	// onCommand handles inbound control commands on vehicle sessions.
	onCommand func(Command)

	disconnected chan error
}

// New creates a session. Connect must be called before any other operation.
func New(opts Options) (*Session, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("channel id is required")
	}
	if opts.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}

	return &Session{
		opts:            opts,
		device:          opts.Device,
		logger:          logger,
		events:          opts.Bus,
		waiters:         newWaiterSet(),
		knownProducers:  make(map[domain.ProducerID]domain.ConnID),
		consumers:       make(map[domain.ConsumerID]*consumerHandle),
		byProducer:      make(map[domain.ProducerID]domain.ConsumerID),
		pendingConsumes: make(map[domain.ProducerID]bool),
		publications:    make(map[PublishKind]*publication),
		streamIDs:       make(map[PublishKind]string),
		videoSinks:      make(map[domain.ProducerID]VideoSink),
		audioSinks:      make(map[domain.ConnID]AudioSink),
		preferredLayer:  -1,
		disconnected:    make(chan error, 1),
	}, nil
}

// Connect dials the server, waits for the ready handshake and eagerly sets up
// the receive transport. The send transport stays lazy until the first
// publish so viewers without grants never trip the connection-time gate.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		return err
	}
	go s.supervise()
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	q := u.Query()
	q.Set("channelId", s.opts.ChannelID)
	if s.opts.Token != "" {
		q.Set("token", s.opts.Token)
	}
	if s.opts.VehicleKey != "" {
		q.Set("vehicleKey", s.opts.VehicleKey)
	}
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	go s.readLoop(ws)

	ready, err := s.waiters.await(ctx, func(ev Event) bool {
		return ev.Type == "ready" || ev.Type == "error"
	}, s.opts.RequestTimeout)
	if err != nil {
		ws.Close()
		return err
	}
	if ready.Type == "error" {
		ws.Close()
		return fmt.Errorf("join refused: %s", string(ready.Payload))
	}

	var readyPayload struct {
		Role      domain.Role      `json:"role"`
		ChannelID domain.ChannelID `json:"channelId"`
	}
	if err := json.Unmarshal(ready.Payload, &readyPayload); err != nil {
		ws.Close()
		return fmt.Errorf("malformed ready payload: %w", err)
	}

	s.mu.Lock()
	s.role = readyPayload.Role
	s.mu.Unlock()

	if err := s.setupRecvTransport(ctx); err != nil {
		ws.Close()
		return err
	}

	if s.events != nil {
		s.events.Publish(bus.EventConnectivityUp, s.opts.ChannelID)
	}
	s.logger.Infow("session connected", "channel_id", s.opts.ChannelID, "role", readyPayload.Role)
	return nil
}

func (s *Session) setupRecvTransport(ctx context.Context) error {
	caps, err := s.fetchRouterCapabilities(ctx)
	if err != nil {
		return err
	}

	ev, err := s.request(ctx, "createWebRtcTransport", map[string]interface{}{
		"direction": domain.DirectionRecv,
	}, "transportCreated")
	if err != nil {
		return err
	}

	var info domain.TransportInfo
	if err := json.Unmarshal(ev.Payload, &info); err != nil {
		return fmt.Errorf("malformed transportCreated payload: %w", err)
	}
	info.Direction = domain.DirectionRecv

	transport, err := s.device.CreateRecvTransport(&info)
	if err != nil {
		return err
	}

	dtls := transport.DtlsParameters()
	ice := transport.IceParameters()
	if _, err := s.request(ctx, "connectWebRtcTransport", map[string]interface{}{
		"transportId":    info.ID,
		"dtlsParameters": dtls,
		"iceParameters":  ice,
	}, "transportConnected"); err != nil {
		transport.Close()
		return err
	}

	s.mu.Lock()
	s.recvTransport = transport
	s.routerCaps = caps
	s.mu.Unlock()
	return nil
}

func (s *Session) fetchRouterCapabilities(ctx context.Context) (*domain.RtpCapabilities, error) {
	ev, err := s.request(ctx, "getRouterRtpCapabilities", nil, "routerRtpCapabilities")
	if err != nil {
		return nil, err
	}
	var caps domain.RtpCapabilities
	if err := json.Unmarshal(ev.Payload, &caps); err != nil {
		return nil, fmt.Errorf("malformed capabilities payload: %w", err)
	}
	return &caps, nil
}

func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		var ev Event
		if err := ws.ReadJSON(&ev); err != nil {
			select {
			case s.disconnected <- err:
			default:
			}
			return
		}
		if s.waiters.dispatch(ev) {
			continue
		}
		s.handleEvent(ev)
	}
}

// supervise reconnects after unexpected disconnects, then resynchronizes
// publications and consumers on the fresh connection.
func (s *Session) supervise() {
	for err := range s.disconnected {
		s.waiters.failAll()

		s.mu.Lock()
		closed := s.closed
		s.dropMediaStateLocked()
		s.mu.Unlock()

		if s.events != nil {
			s.events.Publish(bus.EventConnectivityDown, s.opts.ChannelID)
		}
		if closed {
			return
		}
		s.logger.Warnw("connection lost, reconnecting", "error", err)

		ctx := context.Background()
		if rerr := retry.Retry(ctx, s.opts.Reconnect, func() error {
			return s.connect(ctx)
		}); rerr != nil {
			s.logger.Errorw("reconnect failed, giving up", "error", rerr)
			return
		}
		s.resync(ctx)
	}
}

// dropMediaStateLocked forgets all connection-scoped media state. Everything
// it references died with the old connection server-side.
func (s *Session) dropMediaStateLocked() {
	for _, handle := range s.consumers {
		s.unbindSinkLocked(handle)
	}
	s.consumers = make(map[domain.ConsumerID]*consumerHandle)
	s.byProducer = make(map[domain.ProducerID]domain.ConsumerID)
	s.knownProducers = make(map[domain.ProducerID]domain.ConnID)
	if s.recvTransport != nil {
		s.recvTransport.Close()
		s.recvTransport = nil
	}
	if s.sendTransport != nil {
		s.sendTransport.Close()
		s.sendTransport = nil
	}
	s.routerCaps = nil
}

// resync republishes active publications after a reconnect. Consumers come
// back lazily as newProducer announcements arrive.
func (s *Session) resync(ctx context.Context) {
	s.mu.Lock()
	pubs := make([]PublishKind, 0, len(s.publications))
	for kind := range s.publications {
		pubs = append(pubs, kind)
	}
	s.publications = make(map[PublishKind]*publication)
	s.mu.Unlock()

	for _, kind := range pubs {
		if _, err := s.Publish(ctx, kind); err != nil {
			s.logger.Warnw("republish failed", "kind", kind, "error", err)
		}
	}
}

func (s *Session) handleEvent(ev Event) {
	switch ev.Type {
	case "newProducer":
		s.handleNewProducer(ev)
	case "streams:list":
		s.handleStreamList(ev)
	case "join-requests:status":
		if s.events != nil {
			s.events.Publish(bus.EventViewGateChanged, ev.Payload)
		}
	case "permission:denied":
		// Render as a visible denial, never retry automatically.
		s.logger.Warnw("permission denied", "payload", string(ev.Payload))
	case "control:command":
		s.handleInboundCommand(ev)
	default:
		s.logger.Debugw("unhandled event", "type", ev.Type)
	}
}

func (s *Session) handleNewProducer(ev Event) {
	var payload struct {
		ProducerID domain.ProducerID `json:"producerId"`
		PeerID     domain.ConnID     `json:"peerId"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		s.logger.Warnw("malformed newProducer payload", "error", err)
		return
	}

	s.mu.Lock()
	s.knownProducers[payload.ProducerID] = payload.PeerID
	gate := s.viewGate
	s.mu.Unlock()

	if gate {
		// Off the read loop: the consume round trip needs it to deliver the ack.
		go s.autoConsume(payload.ProducerID)
	}
}

// handleStreamList folds producer-backed catalog rows into the known producer
// map. The list the server pushes on join is how a late joiner learns about
// producers that predate its connection.
func (s *Session) handleStreamList(ev Event) {
	var sources []struct {
		ProducerID domain.ProducerID `json:"producerId"`
		ChannelID  domain.ChannelID  `json:"channelId"`
		OnAir      bool              `json:"onAir"`
	}
	if err := json.Unmarshal(ev.Payload, &sources); err != nil {
		s.logger.Warnw("malformed streams:list payload", "error", err)
		return
	}

	s.mu.Lock()
	own := make(map[domain.ProducerID]bool, len(s.publications))
	for _, pub := range s.publications {
		own[pub.producerID] = true
	}
	var fresh []domain.ProducerID
	for _, src := range sources {
		if src.ProducerID == "" || !src.OnAir || own[src.ProducerID] {
			continue
		}
		if src.ChannelID != domain.ChannelID(s.opts.ChannelID) {
			continue
		}
		if _, known := s.knownProducers[src.ProducerID]; !known {
			s.knownProducers[src.ProducerID] = ""
		}
		if _, held := s.byProducer[src.ProducerID]; !held {
			fresh = append(fresh, src.ProducerID)
		}
	}
	gate := s.viewGate
	s.mu.Unlock()

	if s.events != nil {
		s.events.Publish(bus.EventProducerAdded, ev.Payload)
	}
	if !gate {
		return
	}
	for _, id := range fresh {
		go s.autoConsume(id)
	}
}

func (s *Session) autoConsume(producerID domain.ProducerID) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.RequestTimeout)
	defer cancel()
	if err := s.Consume(ctx, producerID); err != nil {
		s.logger.Warnw("auto-consume failed", "producer_id", producerID, "error", err)
	}
}

func (s *Session) handleInboundCommand(ev Event) {
	s.mu.Lock()
	handler := s.onCommand
	s.mu.Unlock()
	if handler == nil {
		return
	}

	var payload struct {
		FromPeerID domain.ConnID   `json:"fromPeerId"`
		Command    string          `json:"command"`
		Params     json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		s.logger.Warnw("malformed control:command payload", "error", err)
		return
	}
	handler(Command{Name: payload.Command, Params: payload.Params})
}

// OnCommand registers the inbound command handler. Vehicle agents use it to
// receive control instructions.
func (s *Session) OnCommand(fn func(Command)) {
	s.mu.Lock()
	s.onCommand = fn
	s.mu.Unlock()
}

func (s *Session) send(msgType string, payload interface{}) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("not connected")
	}

	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return ws.WriteJSON(message{Type: msgType, Payload: payload})
}

// request writes one message and waits for the matching acknowledgement, a
// permission:denied or an error event, whichever arrives first.
func (s *Session) request(ctx context.Context, msgType string, payload interface{}, ackType string) (Event, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	id, ch := s.waiters.add(func(ev Event) bool {
		return ev.Type == ackType || ev.Type == "error" || ev.Type == "permission:denied"
	})

	if err := s.send(msgType, payload); err != nil {
		s.waiters.remove(id)
		return Event{}, err
	}

	timer := time.NewTimer(s.opts.RequestTimeout)
	defer timer.Stop()

	var ev Event
	select {
	case got, ok := <-ch:
		if !ok {
			return Event{}, apperrors.NewTimeoutError("connection closed while waiting")
		}
		ev = got
	case <-timer.C:
		s.waiters.remove(id)
		return Event{}, apperrors.NewTimeoutError(fmt.Sprintf("no %s before deadline", ackType))
	case <-ctx.Done():
		s.waiters.remove(id)
		return Event{}, ctx.Err()
	}

	switch ev.Type {
	case "permission:denied":
		var denied struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(ev.Payload, &denied)
		return Event{}, apperrors.NewAuthorizationError(denied.Reason)
	case "error":
		var failure struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(ev.Payload, &failure)
		return Event{}, fmt.Errorf("server error: %s", failure.Message)
	}
	return ev, nil
}

func (s *Session) ensureSendTransport(ctx context.Context) (SendTransport, error) {
	s.mu.Lock()
	if s.sendTransport != nil {
		transport := s.sendTransport
		s.mu.Unlock()
		return transport, nil
	}
	s.mu.Unlock()

	ev, err := s.request(ctx, "createWebRtcTransport", map[string]interface{}{
		"direction": domain.DirectionSend,
	}, "transportCreated")
	if err != nil {
		return nil, err
	}

	var info domain.TransportInfo
	if err := json.Unmarshal(ev.Payload, &info); err != nil {
		return nil, fmt.Errorf("malformed transportCreated payload: %w", err)
	}
	info.Direction = domain.DirectionSend

	transport, err := s.device.CreateSendTransport(&info)
	if err != nil {
		return nil, err
	}

	dtls := transport.DtlsParameters()
	ice := transport.IceParameters()
	if _, err := s.request(ctx, "connectWebRtcTransport", map[string]interface{}{
		"transportId":    info.ID,
		"dtlsParameters": dtls,
		"iceParameters":  ice,
	}, "transportConnected"); err != nil {
		transport.Close()
		return nil, err
	}

	s.mu.Lock()
	s.sendTransport = transport
	s.mu.Unlock()
	return transport, nil
}

// Publish captures a local source, produces it and registers the stream in
// the catalog. The stream id is stable per kind across restarts of the same
// publication, so viewers see an update rather than a new entry.
func (s *Session) Publish(ctx context.Context, kind PublishKind) (domain.ProducerID, error) {
	transport, err := s.ensureSendTransport(ctx)
	if err != nil {
		return "", err
	}

	var (
		mediaKind domain.MediaKind
		encodings []domain.RtpEncodingParameters
		mediaTag  string
	)
	switch kind {
	case PublishCamera:
		mediaKind = domain.MediaKindVideo
		encodings = cameraEncodings()
		mediaTag = "video-camera"
	case PublishScreen:
		mediaKind = domain.MediaKindVideo
		encodings = screenEncodings()
		mediaTag = "screen-share"
	case PublishAudio:
		mediaKind = domain.MediaKindAudio
		mediaTag = "audio-mic"
	default:
		return "", fmt.Errorf("unknown publish kind: %s", kind)
	}

	track, rtpParams, err := transport.Capture(mediaKind, encodings)
	if err != nil {
		return "", err
	}

	ev, err := s.request(ctx, "produce", map[string]interface{}{
		"transportId":   transport.ID(),
		"kind":          mediaKind,
		"rtpParameters": rtpParams,
		"appData":       map[string]interface{}{"mediaTag": mediaTag},
	}, "produced")
	if err != nil {
		return "", err
	}

	var produced struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := json.Unmarshal(ev.Payload, &produced); err != nil {
		return "", fmt.Errorf("malformed produced payload: %w", err)
	}

	s.mu.Lock()
	streamID, ok := s.streamIDs[kind]
	if !ok {
		streamID = utils.GenerateStreamID()
		s.streamIDs[kind] = streamID
	}
	s.publications[kind] = &publication{
		kind:       kind,
		streamID:   streamID,
		producerID: produced.ProducerID,
		track:      track,
	}
	s.mu.Unlock()

	if err := s.send("stream:start", map[string]interface{}{
		"channelId": s.opts.ChannelID,
		"kind":      sourceKindFor(kind),
		"streamId":  streamID,
	}); err != nil {
		s.logger.Warnw("stream:start failed", "kind", kind, "error", err)
	}

	s.logger.Infow("published", "kind", kind, "producer_id", produced.ProducerID, "stream_id", streamID)
	return produced.ProducerID, nil
}

func sourceKindFor(kind PublishKind) domain.SourceKind {
	switch kind {
	case PublishScreen:
		return domain.SourceKindScreen
	case PublishAudio:
		return domain.SourceKindAudio
	default:
		return domain.SourceKindCamera
	}
}

// StopPublish takes one publication off air. The stream id is retained so a
// later republish reuses it.
func (s *Session) StopPublish(ctx context.Context, kind PublishKind) error {
	s.mu.Lock()
	pub, ok := s.publications[kind]
	if ok {
		delete(s.publications, kind)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no active %s publication", kind)
	}

	return s.send("stream:stop", map[string]interface{}{
		"channelId": s.opts.ChannelID,
		"streamId":  pub.streamID,
	})
}

// EndBroadcast closes every producer this session owns, server-side.
func (s *Session) EndBroadcast(ctx context.Context) error {
	_, err := s.request(ctx, "broadcast:end", nil, "broadcast:ended")
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.publications = make(map[PublishKind]*publication)
	s.mu.Unlock()
	return nil
}

// Consume subscribes to one remote producer. The server never deduplicates;
// the session tracks held consumers itself and no-ops on repeats.
func (s *Session) Consume(ctx context.Context, producerID domain.ProducerID) error {
	s.mu.Lock()
	if _, held := s.byProducer[producerID]; held || s.pendingConsumes[producerID] {
		s.mu.Unlock()
		return nil
	}
	s.pendingConsumes[producerID] = true
	transport := s.recvTransport
	caps := s.routerCaps
	peerID := s.knownProducers[producerID]
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pendingConsumes, producerID)
		s.mu.Unlock()
	}()

	if transport == nil || caps == nil {
		return fmt.Errorf("recv transport not ready")
	}

	ev, err := s.request(ctx, "consume", map[string]interface{}{
		"producerId":      producerID,
		"rtpCapabilities": caps,
	}, "consumed")
	if err != nil {
		return err
	}

	var consumed struct {
		domain.ConsumerInfo
		PeerID domain.ConnID `json:"peerId"`
	}
	if err := json.Unmarshal(ev.Payload, &consumed); err != nil {
		return fmt.Errorf("malformed consumed payload: %w", err)
	}
	if consumed.PeerID != "" {
		peerID = consumed.PeerID
	}

	track, err := transport.Receive(&consumed.ConsumerInfo)
	if err != nil {
		return err
	}

	handle := &consumerHandle{
		id:         consumed.ID,
		producerID: consumed.ProducerID,
		peerID:     peerID,
		kind:       consumed.Kind,
		track:      track,
	}

	s.mu.Lock()
	s.consumers[handle.id] = handle
	s.byProducer[handle.producerID] = handle.id
	preferred := s.preferredLayer
	s.mu.Unlock()

	if handle.kind == domain.MediaKindVideo && preferred >= 0 {
		if err := transport.SetPreferredLayer(handle.id, preferred); err != nil {
			s.logger.Debugw("layer preference ignored", "consumer_id", handle.id, "error", err)
		}
	}

	s.bindSink(handle)
	return nil
}

// bindSink attaches the track to its registered sink if one exists. A
// detached sink is a no-op: the surface was unmounted while we negotiated.
func (s *Session) bindSink(handle *consumerHandle) {
	s.mu.Lock()
	var bind func(Track) error
	switch handle.kind {
	case domain.MediaKindVideo:
		if sink, ok := s.videoSinks[handle.producerID]; ok {
			bind = sink.Bind
		}
	case domain.MediaKindAudio:
		if sink, ok := s.audioSinks[handle.peerID]; ok {
			bind = sink.Bind
		}
	}
	s.mu.Unlock()

	if bind == nil {
		return
	}
	if err := bind(handle.track); err != nil && !errors.Is(err, ErrSinkDetached) {
		s.logger.Warnw("sink bind failed", "consumer_id", handle.id, "error", err)
	}
}

func (s *Session) unbindSinkLocked(handle *consumerHandle) {
	switch handle.kind {
	case domain.MediaKindVideo:
		if sink, ok := s.videoSinks[handle.producerID]; ok {
			sink.Unbind()
		}
	case domain.MediaKindAudio:
		if sink, ok := s.audioSinks[handle.peerID]; ok {
			sink.Unbind()
		}
	}
}

// SetVideoSink registers (or replaces) the sink for one producer's video.
// Early binds are remembered: registering before the consumer exists binds
// when it appears.
func (s *Session) SetVideoSink(producerID domain.ProducerID, sink VideoSink) {
	s.mu.Lock()
	s.videoSinks[producerID] = sink
	var handle *consumerHandle
	if id, ok := s.byProducer[producerID]; ok {
		handle = s.consumers[id]
	}
	s.mu.Unlock()

	if handle != nil {
		s.bindSink(handle)
	}
}

// SetAudioSink registers the sink for one peer's audio.
func (s *Session) SetAudioSink(peerID domain.ConnID, sink AudioSink) {
	s.mu.Lock()
	s.audioSinks[peerID] = sink
	var handle *consumerHandle
	for _, h := range s.consumers {
		if h.kind == domain.MediaKindAudio && h.peerID == peerID {
			handle = h
			break
		}
	}
	s.mu.Unlock()

	if handle != nil {
		s.bindSink(handle)
	}
}

// SetViewGate turns media consumption on or off. Off force-closes every
// consumer and clears every sink immediately; on resynchronizes against the
// cached producer map.
func (s *Session) SetViewGate(ctx context.Context, on bool) {
	s.mu.Lock()
	if s.viewGate == on {
		s.mu.Unlock()
		return
	}
	s.viewGate = on

	if !on {
		for id, handle := range s.consumers {
			s.unbindSinkLocked(handle)
			if s.recvTransport != nil {
				s.recvTransport.CloseConsumer(id)
			}
		}
		s.consumers = make(map[domain.ConsumerID]*consumerHandle)
		s.byProducer = make(map[domain.ProducerID]domain.ConsumerID)
		s.videoSinks = make(map[domain.ProducerID]VideoSink)
		s.audioSinks = make(map[domain.ConnID]AudioSink)
		s.mu.Unlock()

		if s.events != nil {
			s.events.Publish(bus.EventViewGateChanged, false)
		}
		return
	}

	producers := make([]domain.ProducerID, 0, len(s.knownProducers))
	for id := range s.knownProducers {
		if _, held := s.byProducer[id]; !held {
			producers = append(producers, id)
		}
	}
	s.mu.Unlock()

	for _, id := range producers {
		if err := s.Consume(ctx, id); err != nil {
			s.logger.Warnw("gate resync consume failed", "producer_id", id, "error", err)
		}
	}
	if s.events != nil {
		s.events.Publish(bus.EventViewGateChanged, true)
	}
}

// SetPreferredLayer applies a simulcast spatial layer preference to every
// existing video consumer and to each one created afterwards. A negative
// layer means highest available.
func (s *Session) SetPreferredLayer(layer int) {
	s.mu.Lock()
	s.preferredLayer = layer
	transport := s.recvTransport
	handles := make([]*consumerHandle, 0, len(s.consumers))
	for _, handle := range s.consumers {
		if handle.kind == domain.MediaKindVideo {
			handles = append(handles, handle)
		}
	}
	s.mu.Unlock()

	if transport == nil || layer < 0 {
		return
	}
	for _, handle := range handles {
		if err := transport.SetPreferredLayer(handle.id, layer); err != nil {
			s.logger.Debugw("layer preference ignored", "consumer_id", handle.id, "error", err)
		}
	}
}

// Role reports the role the server resolved at connect time.
func (s *Session) Role() domain.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// ConsumerCount reports how many consumers the session currently holds.
func (s *Session) ConsumerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.consumers)
}

// Close disconnects. Leaving is the only cancellation primitive: the server
// cascade-closes everything this session owns.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ws := s.ws
	s.dropMediaStateLocked()
	s.mu.Unlock()

	s.waiters.failAll()
	if ws != nil {
		ws.Close()
	}
	return s.device.Close()
}
