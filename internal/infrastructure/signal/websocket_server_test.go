package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/services"
	"github.com/globalgrayhat/carcast/internal/infrastructure/media/memory"
	repomemory "github.com/globalgrayhat/carcast/internal/infrastructure/repositories/memory"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func newServerFixture(t *testing.T, opts Options) (*WebSocketServer, *httptest.Server, services.AuthService, func()) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	auth := services.NewAuthService("test-secret", repomemory.NewMemoryDeviceRepository([]domain.Device{
		{Key: "car-key-1", Name: "demo-car", OwnerUserID: 100},
	}))
	admission := services.NewAdmissionService(repomemory.NewMemoryJoinRequestRepository(), nil, logger)
	catalog := services.NewCatalogService(repomemory.NewMemorySourceRepository(), logger)
	registry := services.NewRegistry(memory.NewEngine(), admission, catalog, nil, logger)

	server := NewWebSocketServer(registry, admission, catalog, auth, opts, logger)
	registry.SetNotifier(server)

	httpSrv := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	return server, httpSrv, auth, httpSrv.Close
}

func wsURL(httpSrv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/?" + query
}

func dial(t *testing.T, httpSrv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv, query), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg := struct {
		Type    string      `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{Type: msgType, Payload: payload}
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write %s failed: %v", msgType, err)
	}
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// waitFor reads events until one of the given type arrives, skipping unrelated
// broadcasts like streams:list refreshes.
func waitFor(t *testing.T, ws *websocket.Conn, eventType string) wireEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(deadline)
		var event wireEvent
		if err := ws.ReadJSON(&event); err != nil {
			t.Fatalf("read failed while waiting for %s: %v", eventType, err)
		}
		if event.Type == eventType {
			return event
		}
		if event.Type == "error" || event.Type == "permission:denied" {
			t.Fatalf("got %s (%s) while waiting for %s", event.Type, string(event.Payload), eventType)
		}
	}
	t.Fatalf("timed out waiting for %s", eventType)
	return wireEvent{}
}

func viewerToken(t *testing.T, auth services.AuthService, userID domain.UserID, role domain.Role) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, "user", role)
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	return token
}

func TestHandleWebSocket_RefusesBadCredentials(t *testing.T) {
	_, httpSrv, auth, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{name: "no credential", query: "channelId=garage", want: http.StatusUnauthorized},
		{name: "unknown vehicle key", query: "channelId=garage&vehicleKey=bogus", want: http.StatusUnauthorized},
		{name: "missing channel", query: "token=" + viewerToken(t, auth, 1, domain.RoleViewer), want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(wsURL(httpSrv, tt.query), nil)
			if err == nil {
				t.Fatal("expected the dial to be refused")
			}
			if resp == nil || resp.StatusCode != tt.want {
				t.Fatalf("expected HTTP %d refusal, got %+v", tt.want, resp)
			}
		})
	}
}

func TestHandleWebSocket_ReadyAndCapabilities(t *testing.T) {
	_, httpSrv, _, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	ws := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")

	ready := waitFor(t, ws, "ready")
	var readyPayload struct {
		Role      domain.Role      `json:"role"`
		ChannelID domain.ChannelID `json:"channelId"`
	}
	if err := json.Unmarshal(ready.Payload, &readyPayload); err != nil {
		t.Fatalf("bad ready payload: %v", err)
	}
	if readyPayload.Role != domain.RoleVehicle || readyPayload.ChannelID != "garage" {
		t.Fatalf("unexpected ready payload: %+v", readyPayload)
	}
	waitFor(t, ws, "streams:list")

	send(t, ws, "getRouterRtpCapabilities", nil)
	caps := waitFor(t, ws, "routerRtpCapabilities")
	var rtpCaps domain.RtpCapabilities
	if err := json.Unmarshal(caps.Payload, &rtpCaps); err != nil {
		t.Fatalf("bad capabilities payload: %v", err)
	}
	if len(rtpCaps.Codecs) == 0 {
		t.Fatal("expected router codecs")
	}
}

func TestHandleWebSocket_ProduceConsumeFlow(t *testing.T) {
	_, httpSrv, auth, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")

	viewer := dial(t, httpSrv, "channelId=garage&token="+viewerToken(t, auth, 1, domain.RoleViewer))
	waitFor(t, viewer, "ready")

	// Vehicle: send transport, connect, produce.
	send(t, vehicle, "createWebRtcTransport", map[string]interface{}{"direction": "send"})
	created := waitFor(t, vehicle, "transportCreated")
	var transport domain.TransportInfo
	if err := json.Unmarshal(created.Payload, &transport); err != nil {
		t.Fatalf("bad transport payload: %v", err)
	}

	send(t, vehicle, "connectWebRtcTransport", map[string]interface{}{
		"transportId":    transport.ID,
		"dtlsParameters": map[string]interface{}{"role": "client"},
	})
	waitFor(t, vehicle, "transportConnected")

	send(t, vehicle, "produce", map[string]interface{}{
		"transportId": transport.ID,
		"kind":        "video",
		"rtpParameters": map[string]interface{}{
			"codecs": []map[string]interface{}{{"mimeType": "video/VP8", "payloadType": 96, "clockRate": 90000}},
		},
		"appData": map[string]interface{}{"mediaTag": "video-camera"},
	})
	produced := waitFor(t, vehicle, "produced")
	var producedPayload struct {
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := json.Unmarshal(produced.Payload, &producedPayload); err != nil {
		t.Fatalf("bad produced payload: %v", err)
	}

	// Viewer learns about the producer.
	newProducer := waitFor(t, viewer, "newProducer")
	var announce struct {
		ProducerID domain.ProducerID `json:"producerId"`
		PeerID     domain.ConnID     `json:"peerId"`
	}
	if err := json.Unmarshal(newProducer.Payload, &announce); err != nil {
		t.Fatalf("bad newProducer payload: %v", err)
	}
	if announce.ProducerID != producedPayload.ProducerID {
		t.Fatal("announced producer does not match")
	}

	// Viewer: recv transport, then consume.
	send(t, viewer, "createWebRtcTransport", map[string]interface{}{"direction": "recv"})
	waitFor(t, viewer, "transportCreated")

	send(t, viewer, "consume", map[string]interface{}{
		"producerId": producedPayload.ProducerID,
		"rtpCapabilities": map[string]interface{}{
			"codecs": []map[string]interface{}{{"mimeType": "video/VP8", "clockRate": 90000, "kind": "video"}},
		},
	})
	consumed := waitFor(t, viewer, "consumed")
	var consumedPayload struct {
		ProducerID domain.ProducerID `json:"producerId"`
		ID         domain.ConsumerID `json:"id"`
		Kind       domain.MediaKind  `json:"kind"`
		PeerID     domain.ConnID     `json:"peerId"`
	}
	if err := json.Unmarshal(consumed.Payload, &consumedPayload); err != nil {
		t.Fatalf("bad consumed payload: %v", err)
	}
	if consumedPayload.ProducerID != producedPayload.ProducerID || consumedPayload.Kind != domain.MediaKindVideo {
		t.Fatalf("unexpected consumed payload: %+v", consumedPayload)
	}
	if consumedPayload.PeerID != announce.PeerID {
		t.Fatal("consumed payload must name the producing peer")
	}
}

func TestHandleWebSocket_ViewerSendTransportDenied(t *testing.T) {
	_, httpSrv, auth, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	viewer := dial(t, httpSrv, "channelId=garage&token="+viewerToken(t, auth, 1, domain.RoleViewer))
	waitFor(t, viewer, "ready")

	send(t, viewer, "createWebRtcTransport", map[string]interface{}{"direction": "send"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		viewer.SetReadDeadline(deadline)
		var event wireEvent
		if err := viewer.ReadJSON(&event); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if event.Type == "streams:list" {
			continue
		}
		if event.Type != "permission:denied" {
			t.Fatalf("expected permission:denied, got %s", event.Type)
		}
		var denied struct {
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(event.Payload, &denied); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if denied.Reason == "" {
			t.Fatal("denial must carry a reason")
		}
		return
	}
}

func TestHandleWebSocket_JoinNotifyRelay(t *testing.T) {
	_, httpSrv, auth, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	manager := dial(t, httpSrv, "channelId=garage&token="+viewerToken(t, auth, 2, domain.RoleBroadcastManager))
	waitFor(t, manager, "ready")

	requester := dial(t, httpSrv, "channelId=garage&token="+viewerToken(t, auth, 1, domain.RoleViewer))
	waitFor(t, requester, "ready")

	send(t, manager, "join:notify", map[string]interface{}{
		"toUserId":  1,
		"status":    "APPROVED",
		"intent":    "CAMERA",
		"requestId": "req_1",
	})

	status := waitFor(t, requester, "join-requests:status")
	var payload struct {
		ToUserID  int64                `json:"toUserId"`
		Status    domain.RequestStatus `json:"status"`
		Intent    domain.Intent        `json:"intent"`
		RequestID domain.RequestID     `json:"requestId"`
		At        time.Time            `json:"at"`
	}
	if err := json.Unmarshal(status.Payload, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.Status != domain.StatusApproved || payload.RequestID != "req_1" {
		t.Fatalf("unexpected relay payload: %+v", payload)
	}
	if payload.At.IsZero() {
		t.Fatal("relay must stamp the decision time")
	}
}

func TestHandleWebSocket_ControlCommand(t *testing.T) {
	_, httpSrv, auth, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")

	manager := dial(t, httpSrv, "channelId=garage&token="+viewerToken(t, auth, 2, domain.RoleBroadcastManager))
	waitFor(t, manager, "ready")

	send(t, manager, "control:command", map[string]interface{}{
		"command": "headlights",
		"params":  map[string]interface{}{"state": "on"},
	})

	command := waitFor(t, vehicle, "control:command")
	var payload struct {
		FromPeerID domain.ConnID   `json:"fromPeerId"`
		Command    string          `json:"command"`
		Params     json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(command.Payload, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if payload.Command != "headlights" || payload.FromPeerID == "" {
		t.Fatalf("unexpected command payload: %+v", payload)
	}
}

func TestHandleWebSocket_ControlCommandViewerDenied(t *testing.T) {
	_, httpSrv, auth, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")

	viewer := dial(t, httpSrv, "channelId=garage&token="+viewerToken(t, auth, 1, domain.RoleViewer))
	waitFor(t, viewer, "ready")

	send(t, viewer, "control:command", map[string]interface{}{"command": "headlights"})

	deadline := time.Now().Add(3 * time.Second)
	for {
		viewer.SetReadDeadline(deadline)
		var event wireEvent
		if err := viewer.ReadJSON(&event); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if event.Type == "streams:list" {
			continue
		}
		if event.Type != "permission:denied" {
			t.Fatalf("expected permission:denied, got %s", event.Type)
		}
		return
	}
}

func TestHandleWebSocket_StreamStopOwnership(t *testing.T) {
	_, httpSrv, auth, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")

	viewer := dial(t, httpSrv, "channelId=garage&token="+viewerToken(t, auth, 1, domain.RoleViewer))
	waitFor(t, viewer, "ready")

	send(t, vehicle, "stream:start", map[string]interface{}{
		"channelId": "garage",
		"kind":      "CAMERA",
		"streamId":  "stream_demo",
	})

	listHas := func(payload json.RawMessage, id string) bool {
		var list []struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &list); err != nil {
			t.Fatalf("bad streams:list payload: %v", err)
		}
		for _, entry := range list {
			if entry.ID == id {
				return true
			}
		}
		return false
	}

	// Wait until the viewer sees the stream on air.
	for {
		event := waitFor(t, viewer, "streams:list")
		if listHas(event.Payload, "stream_demo") {
			break
		}
	}

	// A different user's stop attempt is refused and changes nothing.
	send(t, viewer, "stream:stop", map[string]interface{}{"channelId": "garage", "streamId": "stream_demo"})
	deadline := time.Now().Add(3 * time.Second)
	for {
		viewer.SetReadDeadline(deadline)
		var event wireEvent
		if err := viewer.ReadJSON(&event); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if event.Type == "streams:list" {
			continue
		}
		if event.Type != "permission:denied" {
			t.Fatalf("expected permission:denied, got %s", event.Type)
		}
		break
	}

	// The owner takes it off air; the refreshed list no longer carries it.
	send(t, vehicle, "stream:stop", map[string]interface{}{"channelId": "garage", "streamId": "stream_demo"})
	sawOnAir := false
	for {
		event := waitFor(t, vehicle, "streams:list")
		if listHas(event.Payload, "stream_demo") {
			sawOnAir = true
			continue
		}
		if sawOnAir {
			break
		}
	}
}

func TestHandleWebSocket_BroadcastEnd(t *testing.T) {
	_, httpSrv, _, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")

	send(t, vehicle, "createWebRtcTransport", map[string]interface{}{"direction": "send"})
	created := waitFor(t, vehicle, "transportCreated")
	var transport domain.TransportInfo
	json.Unmarshal(created.Payload, &transport)

	send(t, vehicle, "produce", map[string]interface{}{
		"transportId": transport.ID,
		"kind":        "video",
		"rtpParameters": map[string]interface{}{
			"codecs": []map[string]interface{}{{"mimeType": "video/VP8", "payloadType": 96, "clockRate": 90000}},
		},
		"appData": map[string]interface{}{"mediaTag": "video-camera"},
	})
	waitFor(t, vehicle, "produced")

	send(t, vehicle, "broadcast:end", nil)
	ended := waitFor(t, vehicle, "broadcast:ended")
	var payload struct {
		OK bool `json:"ok"`
	}
	if err := json.Unmarshal(ended.Payload, &payload); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if !payload.OK {
		t.Fatal("expected ok=true")
	}
}

func TestHandleWebSocket_RateLimit(t *testing.T) {
	_, httpSrv, _, closeSrv := newServerFixture(t, Options{MessagesPerSecond: 1, Burst: 2})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")
	waitFor(t, vehicle, "streams:list")

	for i := 0; i < 10; i++ {
		send(t, vehicle, "getRouterRtpCapabilities", nil)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		vehicle.SetReadDeadline(deadline)
		var event wireEvent
		if err := vehicle.ReadJSON(&event); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if event.Type != "error" {
			continue
		}
		var payload struct {
			Message string `json:"message"`
		}
		json.Unmarshal(event.Payload, &payload)
		if payload.Message == "rate limit exceeded" {
			return
		}
	}
	t.Fatal("expected a rate limit error")
}

func TestHandleWebSocket_DisconnectCleansUp(t *testing.T) {
	server, httpSrv, _, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")

	// Connection registration is synchronous with the ready event.
	if got := server.ConnectionCount(); got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}

	vehicle.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if server.ConnectionCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection was not cleaned up after close")
}

func TestHandleWebSocket_UnknownMessageType(t *testing.T) {
	_, httpSrv, _, closeSrv := newServerFixture(t, Options{})
	defer closeSrv()

	vehicle := dial(t, httpSrv, "channelId=garage&vehicleKey=car-key-1")
	waitFor(t, vehicle, "ready")
	waitFor(t, vehicle, "streams:list")

	send(t, vehicle, "teleport", nil)

	event := func() wireEvent {
		deadline := time.Now().Add(3 * time.Second)
		for {
			vehicle.SetReadDeadline(deadline)
			var event wireEvent
			if err := vehicle.ReadJSON(&event); err != nil {
				t.Fatalf("read failed: %v", err)
			}
			if event.Type != "streams:list" {
				return event
			}
		}
	}()
	if event.Type != "error" {
		t.Fatalf("expected error, got %s", event.Type)
	}
}
