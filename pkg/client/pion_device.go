package client

import (
	"fmt"
	"net"
	"sync"

	"github.com/globalgrayhat/carcast/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PionDeviceConfig configures the pion-backed device. Media enters as plain
// RTP on local UDP sockets (the usual ffmpeg/gstreamer handoff), one address
// per media kind.
type PionDeviceConfig struct {
	ICEServers []webrtc.ICEServer
	// RTPIngest maps a media kind to a local UDP listen address, for example
	// "127.0.0.1:5004" for video.
	RTPIngest map[domain.MediaKind]string
}

// PionDevice implements Device on top of pion's ORTC API.
type PionDevice struct {
	api    *webrtc.API
	cfg    PionDeviceConfig
	logger *zap.SugaredLogger

	mu         sync.Mutex
	transports []*pionTransport
	closed     bool
}

func NewPionDevice(cfg PionDeviceConfig, logger *zap.SugaredLogger) (*PionDevice, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return &PionDevice{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (d *PionDevice) RtpCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{
		Codecs: []domain.RtpCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, Kind: domain.MediaKindAudio},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, Kind: domain.MediaKindVideo},
		},
	}
}

// newTransport builds the local ICE/DTLS pair and starts it toward the
// server-side transport described by info. The device acts as the ICE
// controlling side.
func (d *PionDevice) newTransport(info *domain.TransportInfo) (*pionTransport, error) {
	gatherer, err := d.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: d.cfg.ICEServers})
	if err != nil {
		return nil, err
	}
	ice := d.api.NewICETransport(gatherer)
	dtls, err := d.api.NewDTLSTransport(ice, nil)
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
	<-gatherDone

	localIce, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, err
	}
	localDtls, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, err
	}

	remoteCandidates := make([]webrtc.ICECandidate, 0, len(info.IceCandidates))
	for _, c := range info.IceCandidates {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			continue
		}
		candidateType, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			continue
		}
		remoteCandidates = append(remoteCandidates, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.IP,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        candidateType,
		})
	}
	if err := ice.SetRemoteCandidates(remoteCandidates); err != nil {
		return nil, err
	}

	iceRole := webrtc.ICERoleControlling
	if err := ice.Start(nil, webrtc.ICEParameters{
		UsernameFragment: info.IceParameters.UsernameFragment,
		Password:         info.IceParameters.Password,
		ICELite:          info.IceParameters.IceLite,
	}, &iceRole); err != nil {
		return nil, err
	}

	remoteFingerprints := make([]webrtc.DTLSFingerprint, 0, len(info.DtlsParameters.Fingerprints))
	for _, fp := range info.DtlsParameters.Fingerprints {
		remoteFingerprints = append(remoteFingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	if err := dtls.Start(webrtc.DTLSParameters{
		Role:         webrtc.DTLSRoleServer,
		Fingerprints: remoteFingerprints,
	}); err != nil {
		return nil, err
	}

	t := &pionTransport{
		id:     info.ID,
		device: d,
		dtls:   dtls,
		ice:    ice,
		localDtls: domain.DtlsParameters{
			Role:         "client",
			Fingerprints: toFingerprints(localDtls.Fingerprints),
		},
		localIce: domain.IceParameters{
			UsernameFragment: localIce.UsernameFragment,
			Password:         localIce.Password,
			IceLite:          localIce.ICELite,
		},
		receivers: make(map[domain.ConsumerID]*webrtc.RTPReceiver),
		stop:      make(chan struct{}),
	}

	d.mu.Lock()
	d.transports = append(d.transports, t)
	d.mu.Unlock()
	return t, nil
}

func toFingerprints(in []webrtc.DTLSFingerprint) []domain.DtlsFingerprint {
	out := make([]domain.DtlsFingerprint, 0, len(in))
	for _, fp := range in {
		out = append(out, domain.DtlsFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	return out
}

func (d *PionDevice) CreateSendTransport(info *domain.TransportInfo) (SendTransport, error) {
	return d.newTransport(info)
}

func (d *PionDevice) CreateRecvTransport(info *domain.TransportInfo) (RecvTransport, error) {
	return d.newTransport(info)
}

func (d *PionDevice) Close() error {
	d.mu.Lock()
	transports := d.transports
	d.transports = nil
	d.closed = true
	d.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	return nil
}

type pionTransport struct {
	id     domain.TransportID
	device *PionDevice
	dtls   *webrtc.DTLSTransport
	ice    *webrtc.ICETransport

	localDtls domain.DtlsParameters
	localIce  domain.IceParameters

	mu        sync.Mutex
	receivers map[domain.ConsumerID]*webrtc.RTPReceiver
	stop      chan struct{}
}

func (t *pionTransport) ID() domain.TransportID { return t.id }

func (t *pionTransport) DtlsParameters() domain.DtlsParameters { return t.localDtls }

func (t *pionTransport) IceParameters() domain.IceParameters { return t.localIce }

// Capture opens the UDP ingest socket for the kind and forwards its RTP into
// a new local track.
func (t *pionTransport) Capture(kind domain.MediaKind, encodings []domain.RtpEncodingParameters) (Track, domain.RtpParameters, error) {
	addr, ok := t.device.cfg.RTPIngest[kind]
	if !ok {
		return nil, domain.RtpParameters{}, fmt.Errorf("no rtp ingest configured for %s", kind)
	}

	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	codecParams := domain.RtpCodecParameters{MimeType: webrtc.MimeTypeVP8, PayloadType: 96, ClockRate: 90000}
	if kind == domain.MediaKindAudio {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		codecParams = domain.RtpCodecParameters{MimeType: webrtc.MimeTypeOpus, PayloadType: 111, ClockRate: 48000, Channels: 2}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codec, string(kind), "carcast-agent")
	if err != nil {
		return nil, domain.RtpParameters{}, err
	}

	sender, err := t.device.api.NewRTPSender(local, t.dtls)
	if err != nil {
		return nil, domain.RtpParameters{}, err
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		return nil, domain.RtpParameters{}, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, domain.RtpParameters{}, err
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, domain.RtpParameters{}, err
	}

	go t.pumpIngest(socket, local)

	return &pionLocalTrack{kind: kind, track: local}, domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{codecParams},
		Encodings: encodings,
	}, nil
}

func (t *pionTransport) pumpIngest(socket *net.UDPConn, local *webrtc.TrackLocalStaticRTP) {
	defer socket.Close()

	buf := make([]byte, 1500)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		n, _, err := socket.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		if err := local.WriteRTP(pkt); err != nil {
			t.device.logger.Debugw("ingest write failed", "error", err)
			return
		}
	}
}

func (t *pionTransport) Receive(info *domain.ConsumerInfo) (Track, error) {
	codecType := webrtc.RTPCodecTypeVideo
	if info.Kind == domain.MediaKindAudio {
		codecType = webrtc.RTPCodecTypeAudio
	}

	receiver, err := t.device.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, err
	}

	encodings := make([]webrtc.RTPDecodingParameters, 0, len(info.RtpParameters.Encodings))
	for _, enc := range info.RtpParameters.Encodings {
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
		return nil, err
	}

	t.mu.Lock()
	t.receivers[info.ID] = receiver
	t.mu.Unlock()

	tracks := receiver.Tracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("receiver produced no tracks")
	}
	return &pionRemoteTrack{kind: info.Kind, track: tracks[0]}, nil
}

// SetPreferredLayer is accepted but not acted on locally; layer selection is
// a sender-side concern.
func (t *pionTransport) SetPreferredLayer(id domain.ConsumerID, layer int) error {
	return nil
}

func (t *pionTransport) CloseConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	receiver, ok := t.receivers[id]
	delete(t.receivers, id)
	t.mu.Unlock()
	if ok {
		receiver.Stop()
	}
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	receivers := t.receivers
	t.receivers = make(map[domain.ConsumerID]*webrtc.RTPReceiver)
	t.mu.Unlock()

	for _, receiver := range receivers {
		receiver.Stop()
	}
	if err := t.dtls.Stop(); err != nil {
		return err
	}
	return t.ice.Stop()
}

type pionLocalTrack struct {
	kind  domain.MediaKind
	track *webrtc.TrackLocalStaticRTP
}

func (t *pionLocalTrack) ID() string             { return t.track.ID() }
func (t *pionLocalTrack) Kind() domain.MediaKind { return t.kind }

type pionRemoteTrack struct {
	kind  domain.MediaKind
	track *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string             { return t.track.ID() }
func (t *pionRemoteTrack) Kind() domain.MediaKind { return t.kind }

// Remote exposes the underlying pion track for applications that read RTP
// themselves.
func (t *pionRemoteTrack) Remote() *webrtc.TrackRemote { return t.track }
