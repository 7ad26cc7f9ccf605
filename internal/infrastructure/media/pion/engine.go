// Package pion implements the media engine port on top of pion/webrtc using
// the ORTC-style API: ICE gatherer + ICE/DTLS transports per peer transport,
// RTP receivers for producers and RTP senders for consumers, with in-process
// RTP fan-out between them.
package pion

import (
	"context"
	"sync"
	"time"

	"github.com/globalgrayhat/carcast/internal/core/domain"
	"github.com/globalgrayhat/carcast/internal/core/ports"
	"github.com/globalgrayhat/carcast/pkg/utils"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config carries engine-level WebRTC settings.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// KeyframeInterval is how often PLI keyframe requests are sent for video
	// producers.
	KeyframeInterval time.Duration
}

type Engine struct {
	api    *webrtc.API
	cfg    Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	routers map[domain.RouterID]*Router
}

// NewEngine builds the pion API once; all routers share it.
func NewEngine(cfg Config, logger *zap.SugaredLogger) (*Engine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, err
		}
	}

	if cfg.KeyframeInterval <= 0 {
		cfg.KeyframeInterval = 3 * time.Second
	}

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		cfg:     cfg,
		logger:  logger,
		routers: make(map[domain.RouterID]*Router),
	}, nil
}

func (e *Engine) CreateRouter(ctx context.Context) (ports.Router, error) {
	router := &Router{
		id:         domain.RouterID(utils.GenerateRouterID()),
		engine:     e,
		logger:     e.logger,
		transports: make(map[domain.TransportID]*transport),
		producers:  make(map[domain.ProducerID]*producer),
		consumers:  make(map[domain.ConsumerID]*consumer),
	}

	e.mu.Lock()
	e.routers[router.id] = router
	e.mu.Unlock()

	return router, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	routers := e.routers
	e.routers = make(map[domain.RouterID]*Router)
	e.mu.Unlock()

	for _, router := range routers {
		router.Close()
	}
	return nil
}

// routerCapabilities is the codec set advertised to clients. It matches the
// default codecs registered with the pion media engine.
var routerCapabilities = domain.RtpCapabilities{
	Codecs: []domain.RtpCodecCapability{
		{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, Kind: domain.MediaKindAudio},
		{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, Kind: domain.MediaKindVideo},
		{MimeType: webrtc.MimeTypeH264, ClockRate: 90000, Kind: domain.MediaKindVideo},
	},
}
