// Package webrtc adapts pion peer connections and sample tracks to the
// call service ports.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

func ConfigFrom(cfg *config.Config) Config {
	var c Config
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	return c
}

// Factory builds peer connections that share one pion API instance.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewFactory(cfg Config, logger *zap.SugaredLogger) (*Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *Factory) NewPeerConnection() (ports.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &PeerConnection{pc: pc, logger: f.logger}
	pc.OnTrack(p.handleTrack)
	return p, nil
}

// SenderStats counts RTCP feedback received for outgoing tracks.
type SenderStats struct {
	PLI  uint64
	FIR  uint64
	NACK uint64
}

type PeerConnection struct {
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu          sync.Mutex
	videoSender *webrtc.RTPSender
	remote      *remoteStream
	onRemote    func(ports.RemoteStream)

	pli, fir, nack atomic.Uint64
}

func (p *PeerConnection) AddLocalStream(stream ports.LocalStream) error {
	for _, track := range stream.Tracks() {
		sender, err := p.pc.AddTrack(track.Track())
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		if track.Kind() == domain.TrackKindVideo {
			p.mu.Lock()
			p.videoSender = sender
			p.mu.Unlock()
		}
		go p.drainSenderRTCP(sender, track.Kind())
	}
	return nil
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return domain.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return domain.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *PeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	sdpType := webrtc.NewSDPType(desc.Type)
	if sdpType == webrtc.SDPType(webrtc.Unknown) {
		return fmt.Errorf("unknown sdp type %q", desc.Type)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

func (p *PeerConnection) AddICECandidate(c domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *PeerConnection) ReplaceVideoTrack(track ports.LocalTrack) error {
	p.mu.Lock()
	sender := p.videoSender
	p.mu.Unlock()
	if sender == nil {
		return domain.ErrNoVideoSender
	}

	if track == nil {
		return sender.ReplaceTrack(nil)
	}
	return sender.ReplaceTrack(track.Track())
}

func (p *PeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *PeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *PeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(fn)
}

func (p *PeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(fn)
}

func (p *PeerConnection) OnRemoteStream(fn func(ports.RemoteStream)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

func (p *PeerConnection) SenderStats() SenderStats {
	return SenderStats{PLI: p.pli.Load(), FIR: p.fir.Load(), NACK: p.nack.Load()}
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	remote := p.remote
	p.mu.Unlock()
	if remote != nil {
		remote.Release()
	}

	err := p.pc.Close()
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}

// handleTrack collects remote tracks into one stream and starts a read loop
// per track. The listener is told about the stream on every new track.
func (p *PeerConnection) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	p.mu.Lock()
	if p.remote == nil {
		p.remote = newRemoteStream(track.StreamID())
	}
	remote := p.remote
	fn := p.onRemote
	p.mu.Unlock()

	kind := domain.TrackKindAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackKindVideo
	}
	remote.addTrack(kind)

	p.logger.Infow("Remote track started",
		"track_id", track.ID(),
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)

	go p.readRemoteTrack(remote, track)
	go p.drainReceiverRTCP(receiver)

	if fn != nil {
		fn(remote)
	}
}

func (p *PeerConnection) readRemoteTrack(remote *remoteStream, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	packet := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			p.logger.Debugw("Remote track ended", "track_id", track.ID(), "error", err)
			return
		}
		if remote.isReleased() {
			continue
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			p.logger.Debugw("Dropping malformed RTP packet", "track_id", track.ID(), "error", err)
			continue
		}
		remote.account(len(packet.Payload))
	}
}

// drainSenderRTCP reads feedback for an outgoing track. Reading is required
// for interceptors such as NACK to run.
func (p *PeerConnection) drainSenderRTCP(sender *webrtc.RTPSender, kind domain.TrackKind) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch pkt := packet.(type) {
			case *rtcp.PictureLossIndication:
				p.pli.Add(1)
				p.logger.Debugw("Keyframe requested", "kind", kind, "media_ssrc", pkt.MediaSSRC)
			case *rtcp.FullIntraRequest:
				p.fir.Add(1)
			case *rtcp.TransportLayerNack:
				p.nack.Add(uint64(len(pkt.Nacks)))
			}
		}
	}
}

func (p *PeerConnection) drainReceiverRTCP(receiver *webrtc.RTPReceiver) {
	for {
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

type remoteStream struct {
	id string

	mu       sync.Mutex
	kinds    []domain.TrackKind
	packets  uint64
	bytes    uint64
	released bool
}

func newRemoteStream(id string) *remoteStream {
	return &remoteStream{id: id}
}

func (r *remoteStream) ID() string { return r.id }

func (r *remoteStream) Kinds() []domain.TrackKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TrackKind(nil), r.kinds...)
}

func (r *remoteStream) Stats() ports.RemoteStreamStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ports.RemoteStreamStats{Tracks: len(r.kinds), Packets: r.packets, Bytes: r.bytes}
}

// Release stops accounting for the stream. The read loops exit once the
// peer connection closes.
func (r *remoteStream) Release() {
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
}

func (r *remoteStream) addTrack(kind domain.TrackKind) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
}

func (r *remoteStream) account(payload int) {
	r.mu.Lock()
	r.packets++
	r.bytes += uint64(payload)
	r.mu.Unlock()
}

func (r *remoteStream) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
