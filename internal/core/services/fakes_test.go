package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/codec"

	"github.com/pion/webrtc/v3"
)

type sentMessage struct {
	Type domain.SignalType
	Msg  domain.SignalingMessage
}

// fakeSignaler records outgoing envelopes and lets tests inject inbound ones.
type fakeSignaler struct {
	self domain.UserID

	mu       sync.Mutex
	sent     []sentMessage
	handlers map[domain.SignalType][]ports.Handler
	closed   bool
	peer     *fakeSignaler
}

func newFakeSignaler(self domain.UserID) *fakeSignaler {
	return &fakeSignaler{self: self, handlers: make(map[domain.SignalType][]ports.Handler)}
}

// link connects two signalers so that each delivers to the other, the way
// the relay would.
func link(a, b *fakeSignaler) {
	a.peer = b
	b.peer = a
}

func (f *fakeSignaler) Send(msgType domain.SignalType, payload any) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	msg, _ := payload.(domain.SignalingMessage)
	f.sent = append(f.sent, sentMessage{Type: msgType, Msg: msg})
	peer := f.peer
	f.mu.Unlock()

	if peer != nil {
		msg.SenderID = f.self
		peer.deliver(msgType, msg)
	}
	return true
}

func (f *fakeSignaler) On(msgType domain.SignalType, handler ports.Handler) ports.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[msgType] = append(f.handlers[msgType], handler)
	idx := len(f.handlers[msgType]) - 1
	return newSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.handlers[msgType][idx] = nil
	})
}

func (f *fakeSignaler) deliver(msgType domain.SignalType, msg domain.SignalingMessage) error {
	payload, err := codec.Marshal(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	handlers := append([]ports.Handler(nil), f.handlers[msgType]...)
	f.mu.Unlock()

	var firstErr error
	for _, h := range handlers {
		if h == nil {
			continue
		}
		if err := h(json.RawMessage(payload)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *fakeSignaler) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeSignaler) ofType(t domain.SignalType) []sentMessage {
	var out []sentMessage
	for _, m := range f.messages() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeSignaler) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		for _, h := range hs {
			if h != nil {
				n++
			}
		}
	}
	return n
}

type fakeTrack struct {
	id   string
	kind domain.TrackKind

	mu      sync.Mutex
	enabled bool
	state   domain.TrackState
	onEnded []func()
}

func newFakeTrack(id string, kind domain.TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true, state: domain.TrackStateLive}
}

func (t *fakeTrack) ID() string             { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }
func (t *fakeTrack) Track() webrtc.TrackLocal {
	return nil
}

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *fakeTrack) ReadyState() domain.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	if t.state == domain.TrackStateEnded {
		t.mu.Unlock()
		return
	}
	t.state = domain.TrackStateEnded
	callbacks := t.onEnded
	t.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

type fakeStream struct {
	audio *fakeTrack
	video *fakeTrack
}

func (s *fakeStream) ID() string { return "local-stream" }

func (s *fakeStream) Tracks() []ports.LocalTrack {
	var out []ports.LocalTrack
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *fakeStream) AudioTrack() ports.LocalTrack {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *fakeStream) VideoTrack() ports.LocalTrack {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *fakeStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

type fakeMedia struct {
	mu          sync.Mutex
	userErr     error
	displayErr  error
	userCalls   int
	streams     []*fakeStream
	screens     []*fakeTrack
	constraints []domain.MediaConstraints

	// gate, when set, holds GetUserMedia until it is closed.
	gate chan struct{}
}

func (m *fakeMedia) GetUserMedia(ctx context.Context, c domain.MediaConstraints) (ports.LocalStream, error) {
	m.mu.Lock()
	m.userCalls++
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints = append(m.constraints, c)
	if m.userErr != nil {
		return nil, m.userErr
	}
	s := &fakeStream{}
	if c.Audio {
		s.audio = newFakeTrack(fmt.Sprintf("mic-%d", m.userCalls), domain.TrackKindAudio)
	}
	if c.Video {
		s.video = newFakeTrack(fmt.Sprintf("cam-%d", m.userCalls), domain.TrackKindVideo)
	}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) GetDisplayMedia(ctx context.Context) (ports.LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.displayErr != nil {
		return nil, m.displayErr
	}
	t := newFakeTrack(fmt.Sprintf("screen-%d", len(m.screens)+1), domain.TrackKindVideo)
	m.screens = append(m.screens, t)
	return t, nil
}

func (m *fakeMedia) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userCalls
}

func (m *fakeMedia) lastStream() *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[len(m.streams)-1]
}

type fakeRemoteStream struct {
	mu       sync.Mutex
	released bool
}

func (r *fakeRemoteStream) ID() string { return "remote-stream" }
func (r *fakeRemoteStream) Kinds() []domain.TrackKind {
	return []domain.TrackKind{domain.TrackKindAudio}
}
func (r *fakeRemoteStream) Stats() ports.RemoteStreamStats { return ports.RemoteStreamStats{} }

func (r *fakeRemoteStream) Release() {
	r.mu.Lock()
	r.released = true
	r.mu.Unlock()
}

func (r *fakeRemoteStream) isReleased() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

var errBadCandidate = errors.New("bad candidate")

type fakePeerConnection struct {
	mu             sync.Mutex
	streams        []ports.LocalStream
	localDesc      *domain.SessionDescription
	remoteDesc     *domain.SessionDescription
	candidates     []domain.ICECandidate
	replaced       []ports.LocalTrack
	closed         bool
	signalingState webrtc.SignalingState

	// gatherOnDescription emits these local candidates while the local
	// description is applied, the way trickle ICE does.
	gatherOnDescription []domain.ICECandidate

	onCandidate func(domain.ICECandidate)
	onICEState  func(webrtc.ICEConnectionState)
	onPCState   func(webrtc.PeerConnectionState)
	onRemote    func(ports.RemoteStream)
}

func (p *fakePeerConnection) AddLocalStream(stream ports.LocalStream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, stream)
	return nil
}

func (p *fakePeerConnection) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return p.setLocal(domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}, webrtc.SignalingStateHaveLocalOffer)
}

func (p *fakePeerConnection) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	return p.setLocal(domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}, webrtc.SignalingStateStable)
}

func (p *fakePeerConnection) setLocal(desc domain.SessionDescription, state webrtc.SignalingState) (domain.SessionDescription, error) {
	p.mu.Lock()
	p.localDesc = &desc
	p.signalingState = state
	gather := p.gatherOnDescription
	cb := p.onCandidate
	p.mu.Unlock()

	if cb != nil {
		for _, c := range gather {
			cb(c)
		}
	}
	return desc, nil
}

func (p *fakePeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDesc = &desc
	if desc.Type == "offer" {
		p.signalingState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeerConnection) AddICECandidate(c domain.ICECandidate) error {
	if c.Candidate == "bad" {
		return errBadCandidate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePeerConnection) ReplaceVideoTrack(track ports.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replaced = append(p.replaced, track)
	return nil
}

func (p *fakePeerConnection) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signalingState
}

func (p *fakePeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *fakePeerConnection) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICEState = fn
	p.mu.Unlock()
}

func (p *fakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onPCState = fn
	p.mu.Unlock()
}

func (p *fakePeerConnection) OnRemoteStream(fn func(ports.RemoteStream)) {
	p.mu.Lock()
	p.onRemote = fn
	p.mu.Unlock()
}

func (p *fakePeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeerConnection) fireICE(state webrtc.ICEConnectionState) {
	p.mu.Lock()
	cb := p.onICEState
	p.mu.Unlock()
	cb(state)
}

func (p *fakePeerConnection) firePC(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	cb := p.onPCState
	p.mu.Unlock()
	cb(state)
}

func (p *fakePeerConnection) fireCandidate(c domain.ICECandidate) {
	p.mu.Lock()
	cb := p.onCandidate
	p.mu.Unlock()
	cb(c)
}

func (p *fakePeerConnection) fireRemote(rs ports.RemoteStream) {
	p.mu.Lock()
	cb := p.onRemote
	p.mu.Unlock()
	cb(rs)
}

func (p *fakePeerConnection) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeerConnection) appliedCandidates() []domain.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ICECandidate(nil), p.candidates...)
}

func (p *fakePeerConnection) replacements() []ports.LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ports.LocalTrack(nil), p.replaced...)
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakePeerConnection
	err     error
	gather  []domain.ICECandidate
}

func (f *fakeFactory) NewPeerConnection() (ports.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePeerConnection{signalingState: webrtc.SignalingStateStable, gatherOnDescription: f.gather}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) last() *fakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}
