package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/services"
	"github.com/globalgrayhat/carcast/internal/infrastructure/media/memory"
	repomemory "github.com/globalgrayhat/carcast/internal/infrastructure/repositories/memory"
	"github.com/globalgrayhat/carcast/internal/infrastructure/signal"
	apperrors "github.com/globalgrayhat/carcast/pkg/errors"
	"github.com/globalgrayhat/carcast/pkg/retry"

	"go.uber.org/zap/zaptest"
)

// fakeTrack is a no-media track handle.
type fakeTrack struct {
	id   string
	kind domain.MediaKind
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.MediaKind { return t.kind }

// fakeTransport records calls so tests can assert on transport interactions.
type fakeTransport struct {
	id domain.TransportID

	mu              sync.Mutex
	preferredLayers map[domain.ConsumerID]int
	closedConsumers []domain.ConsumerID
	closed          bool
}

func newFakeTransport(id domain.TransportID) *fakeTransport {
	return &fakeTransport{id: id, preferredLayers: make(map[domain.ConsumerID]int)}
}

func (t *fakeTransport) ID() domain.TransportID { return t.id }

func (t *fakeTransport) DtlsParameters() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role:         "client",
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "11:22:33:44"}},
	}
}

func (t *fakeTransport) IceParameters() domain.IceParameters {
	return domain.IceParameters{UsernameFragment: "ufrag", Password: "pwd"}
}

func (t *fakeTransport) Capture(kind domain.MediaKind, encodings []domain.RtpEncodingParameters) (Track, domain.RtpParameters, error) {
	codec := domain.RtpCodecParameters{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}
	if kind == domain.MediaKindAudio {
		codec = domain.RtpCodecParameters{MimeType: "audio/opus", PayloadType: 111, ClockRate: 48000, Channels: 2}
	}
	return &fakeTrack{id: "local-" + string(kind), kind: kind}, domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{codec},
		Encodings: encodings,
	}, nil
}

func (t *fakeTransport) Receive(info *domain.ConsumerInfo) (Track, error) {
	return &fakeTrack{id: string(info.ID), kind: info.Kind}, nil
}

func (t *fakeTransport) SetPreferredLayer(id domain.ConsumerID, layer int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preferredLayers[id] = layer
	return nil
}

func (t *fakeTransport) CloseConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closedConsumers = append(t.closedConsumers, id)
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) closedConsumerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.closedConsumers)
}

// fakeDevice hands out fake transports and remembers the latest of each
// direction.
type fakeDevice struct {
	mu   sync.Mutex
	send *fakeTransport
	recv *fakeTransport
}

func (d *fakeDevice) RtpCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{MimeType: "video/VP8", ClockRate: 90000, Kind: domain.MediaKindVideo},
			{MimeType: "audio/opus", ClockRate: 48000, Channels: 2, Kind: domain.MediaKindAudio},
		},
	}
}

func (d *fakeDevice) CreateSendTransport(info *domain.TransportInfo) (SendTransport, error) {
	transport := newFakeTransport(info.ID)
	d.mu.Lock()
	d.send = transport
	d.mu.Unlock()
	return transport, nil
}

func (d *fakeDevice) CreateRecvTransport(info *domain.TransportInfo) (RecvTransport, error) {
	transport := newFakeTransport(info.ID)
	d.mu.Lock()
	d.recv = transport
	d.mu.Unlock()
	return transport, nil
}

func (d *fakeDevice) Close() error { return nil }

func (d *fakeDevice) recvTransport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recv
}

type fakeVideoSink struct {
	mu      sync.Mutex
	bound   []Track
	unbinds int
}

func (s *fakeVideoSink) Bind(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = append(s.bound, track)
	return nil
}

func (s *fakeVideoSink) Unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbinds++
}

func (s *fakeVideoSink) boundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bound)
}

func (s *fakeVideoSink) unbindCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unbinds
}

func startSignalServer(t *testing.T) (*httptest.Server, services.AuthService) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	auth := services.NewAuthService("test-secret", repomemory.NewMemoryDeviceRepository([]domain.Device{
		{Key: "car-key-1", Name: "demo-car", OwnerUserID: 100},
	}))
	admission := services.NewAdmissionService(repomemory.NewMemoryJoinRequestRepository(), nil, logger)
	catalog := services.NewCatalogService(repomemory.NewMemorySourceRepository(), logger)
	registry := services.NewRegistry(memory.NewEngine(), admission, catalog, nil, logger)

	server := signal.NewWebSocketServer(registry, admission, catalog, auth, signal.Options{}, logger)
	registry.SetNotifier(server)

	httpSrv := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(httpSrv.Close)
	return httpSrv, auth
}

func newSession(t *testing.T, httpSrv *httptest.Server, token, vehicleKey string) (*Session, *fakeDevice) {
	t.Helper()
	device := &fakeDevice{}
	session, err := New(Options{
		URL:        "ws" + strings.TrimPrefix(httpSrv.URL, "http"),
		ChannelID:  "garage",
		Token:      token,
		VehicleKey: vehicleKey,
		Device:     device,
		Logger:     zaptest.NewLogger(t).Sugar(),
		Reconnect:  retry.Config{Enabled: false},
	})
	if err != nil {
		t.Fatalf("session create failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := session.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return session, device
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func viewerSessionToken(t *testing.T, auth services.AuthService, userID domain.UserID) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, "viewer", domain.RoleViewer)
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	return token
}

func TestSession_ConnectResolvesRole(t *testing.T) {
	httpSrv, _ := startSignalServer(t)

	session, device := newSession(t, httpSrv, "", "car-key-1")
	if session.Role() != domain.RoleVehicle {
		t.Fatalf("expected VEHICLE role, got %s", session.Role())
	}
	// The receive transport is set up eagerly at connect.
	if device.recvTransport() == nil {
		t.Fatal("expected an eager recv transport")
	}
}

func TestSession_New_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing url", opts: Options{ChannelID: "garage", Device: &fakeDevice{}}},
		{name: "missing channel", opts: Options{URL: "ws://x", Device: &fakeDevice{}}},
		{name: "missing device", opts: Options{URL: "ws://x", ChannelID: "garage"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestSession_PublishAndConsume(t *testing.T) {
	httpSrv, auth := startSignalServer(t)

	vehicle, _ := newSession(t, httpSrv, "", "car-key-1")
	viewer, _ := newSession(t, httpSrv, viewerSessionToken(t, auth, 1), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	producerID, err := vehicle.Publish(ctx, PublishCamera)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if producerID == "" {
		t.Fatal("expected a producer id")
	}

	if err := viewer.Consume(ctx, producerID); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if got := viewer.ConsumerCount(); got != 1 {
		t.Fatalf("expected 1 consumer, got %d", got)
	}

	// Repeat consume for a held producer is a no-op.
	if err := viewer.Consume(ctx, producerID); err != nil {
		t.Fatalf("repeat consume failed: %v", err)
	}
	if got := viewer.ConsumerCount(); got != 1 {
		t.Fatalf("repeat consume must not add a consumer, got %d", got)
	}
}

func TestSession_ViewerPublishDenied(t *testing.T) {
	httpSrv, auth := startSignalServer(t)

	viewer, _ := newSession(t, httpSrv, viewerSessionToken(t, auth, 1), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := viewer.Publish(ctx, PublishCamera)
	if err == nil {
		t.Fatal("expected publish to be denied")
	}
}

func TestSession_ViewGate(t *testing.T) {
	httpSrv, auth := startSignalServer(t)

	viewer, viewerDevice := newSession(t, httpSrv, viewerSessionToken(t, auth, 1), "")
	vehicle, _ := newSession(t, httpSrv, "", "car-key-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Gate on: the announced producer is consumed automatically.
	viewer.SetViewGate(ctx, true)

	sink := &fakeVideoSink{}
	producerID, err := vehicle.Publish(ctx, PublishCamera)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	viewer.SetVideoSink(producerID, sink)

	waitUntil(t, "auto-consume", func() bool { return viewer.ConsumerCount() == 1 })
	waitUntil(t, "sink bind", func() bool { return sink.boundCount() >= 1 })

	// Gate off: consumers close and sinks clear immediately.
	viewer.SetViewGate(ctx, false)
	if got := viewer.ConsumerCount(); got != 0 {
		t.Fatalf("expected no consumers after gate off, got %d", got)
	}
	if sink.unbindCount() == 0 {
		t.Fatal("expected the sink to be unbound")
	}
	if viewerDevice.recvTransport().closedConsumerCount() == 0 {
		t.Fatal("expected the device consumer to be closed")
	}

	// Gate on again: the cached producer map drives a resync.
	viewer.SetViewGate(ctx, true)
	waitUntil(t, "gate resync", func() bool { return viewer.ConsumerCount() == 1 })
}

// A viewer that connects after the broadcast started learns existing
// producers from the catalog push on join; opening the gate then consumes
// them without any newProducer announcement.
func TestSession_LateJoinViewGate(t *testing.T) {
	httpSrv, auth := startSignalServer(t)

	vehicle, _ := newSession(t, httpSrv, "", "car-key-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := vehicle.Publish(ctx, PublishCamera); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	viewer, _ := newSession(t, httpSrv, viewerSessionToken(t, auth, 1), "")
	if got := viewer.ConsumerCount(); got != 0 {
		t.Fatalf("gate starts closed, got %d consumers", got)
	}

	viewer.SetViewGate(ctx, true)
	waitUntil(t, "late-join consume", func() bool { return viewer.ConsumerCount() == 1 })
}

// A denied publish running alongside a consume must not swallow the consume
// acknowledgement, and the denial must land on the publish call.
func TestSession_DeniedPublishDoesNotDisturbConsume(t *testing.T) {
	httpSrv, auth := startSignalServer(t)

	vehicle, _ := newSession(t, httpSrv, "", "car-key-1")
	viewer, _ := newSession(t, httpSrv, viewerSessionToken(t, auth, 1), "")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	producerID, err := vehicle.Publish(ctx, PublishCamera)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	publishErr := make(chan error, 1)
	go func() {
		_, err := viewer.Publish(ctx, PublishCamera)
		publishErr <- err
	}()

	if err := viewer.Consume(ctx, producerID); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if got := viewer.ConsumerCount(); got != 1 {
		t.Fatalf("expected 1 consumer, got %d", got)
	}

	select {
	case err := <-publishErr:
		if !apperrors.IsCode(err, apperrors.ErrCodeAuthorization) {
			t.Fatalf("expected authorization denial, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not return")
	}
}

func TestSession_SetPreferredLayer(t *testing.T) {
	httpSrv, auth := startSignalServer(t)

	vehicle, _ := newSession(t, httpSrv, "", "car-key-1")
	viewer, viewerDevice := newSession(t, httpSrv, viewerSessionToken(t, auth, 1), "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	producerID, err := vehicle.Publish(ctx, PublishCamera)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := viewer.Consume(ctx, producerID); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	viewer.SetPreferredLayer(0)

	transport := viewerDevice.recvTransport()
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.preferredLayers) != 1 {
		t.Fatalf("expected one layer preference, got %d", len(transport.preferredLayers))
	}
	for _, layer := range transport.preferredLayers {
		if layer != 0 {
			t.Fatalf("expected layer 0, got %d", layer)
		}
	}
}

func TestSession_EndBroadcast(t *testing.T) {
	httpSrv, _ := startSignalServer(t)

	vehicle, _ := newSession(t, httpSrv, "", "car-key-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := vehicle.Publish(ctx, PublishCamera); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := vehicle.EndBroadcast(ctx); err != nil {
		t.Fatalf("end broadcast failed: %v", err)
	}
}

func TestSession_CommandTick(t *testing.T) {
	httpSrv, _ := startSignalServer(t)

	vehicle, _ := newSession(t, httpSrv, "", "car-key-1")

	received := make(chan Command, 4)
	vehicle.OnCommand(func(cmd Command) { received <- cmd })

	// A second vehicle session acts as the operator; commands drain one per
	// tick in FIFO order.
	operator, _ := newSession(t, httpSrv, "", "car-key-1")
	operator.EnqueueCommand(Command{Name: "headlights"})
	operator.EnqueueCommand(Command{Name: "horn"})
	if got := operator.PendingCommands(); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}

	ctx := context.Background()
	if err := operator.Tick(ctx); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if got := operator.PendingCommands(); got != 1 {
		t.Fatalf("expected 1 pending after one tick, got %d", got)
	}

	select {
	case cmd := <-received:
		if cmd.Name != "headlights" {
			t.Fatalf("expected headlights first, got %s", cmd.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("command was not delivered")
	}

	if err := operator.Tick(ctx); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	select {
	case cmd := <-received:
		if cmd.Name != "horn" {
			t.Fatalf("expected horn second, got %s", cmd.Name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("second command was not delivered")
	}
}
