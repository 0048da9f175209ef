package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/codec"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type CallConfig struct {
	RingTimeout time.Duration
}

func DefaultCallConfig() CallConfig {
	return CallConfig{RingTimeout: 45 * time.Second}
}

type CallListener func(domain.CallSnapshot)

// callSession is the mutable state behind a CallSnapshot. All fields are
// guarded by CallService.mu.
type callSession struct {
	id        domain.CallID
	direction domain.CallDirection
	callType  domain.CallType
	peerID    domain.UserID
	state     domain.CallState

	// generation identifies this session to asynchronous callbacks. It is
	// bumped on teardown so late callbacks become no-ops.
	generation uint64

	pc           ports.PeerConnection
	localStream  ports.LocalStream
	remoteStream ports.RemoteStream
	screenTrack  ports.LocalTrack

	audioEnabled  bool
	videoEnabled  bool
	screenSharing bool
	// cameraDetached is set when screen sharing stopped with video off and
	// the sender was left without a track.
	cameraDetached bool

	// accepting is set while Accept acquires media for a ringing call.
	accepting bool

	pendingOffer      *domain.SessionDescription
	remoteDescription bool
	pendingCandidates []domain.ICECandidate

	// Local candidates gathered before our offer or answer went out.
	signalReady        bool
	outboundCandidates []domain.ICECandidate

	ringTimer *time.Timer

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	endReason   domain.EndReason
}

type outbound struct {
	msgType domain.SignalType
	msg     domain.SignalingMessage
}

// effects collects work that must run after CallService.mu is released.
type effects struct {
	sends    []outbound
	cleanups []func()
	notify   bool
}

// CallService drives the one-to-one call state machine:
// idle -> outgoing-ringing|incoming-ringing -> connecting -> active -> ended.
type CallService struct {
	self     domain.UserID
	signaler ports.Signaler
	factory  ports.PeerConnectionFactory
	media    ports.MediaSource
	metrics  ports.CallMetrics
	cfg      CallConfig
	logger   *zap.SugaredLogger
	newID    func() domain.CallID

	mu           sync.Mutex
	session      *callSession
	generation   uint64
	listeners    map[uint64]CallListener
	nextListener uint64

	subs []ports.Subscription
}

func NewCallService(
	self domain.UserID,
	signaler ports.Signaler,
	factory ports.PeerConnectionFactory,
	media ports.MediaSource,
	cfg CallConfig,
	metrics ports.CallMetrics,
	logger *zap.SugaredLogger,
) *CallService {
	if metrics == nil {
		metrics = noopCallMetrics{}
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultCallConfig().RingTimeout
	}

	s := &CallService{
		self:      self,
		signaler:  signaler,
		factory:   factory,
		media:     media,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.With("user_id", self),
		newID:     func() domain.CallID { return domain.CallID(uuid.NewString()) },
		listeners: make(map[uint64]CallListener),
	}

	s.subs = []ports.Subscription{
		signaler.On(domain.SignalOffer, s.signalHandler(s.handleOffer)),
		signaler.On(domain.SignalAnswer, s.signalHandler(s.handleAnswer)),
		signaler.On(domain.SignalICECandidate, s.signalHandler(s.handleICECandidate)),
		signaler.On(domain.SignalHangup, s.signalHandler(s.handleHangup)),
	}
	return s
}

// Close ends any call in progress and detaches from the signaler.
func (s *CallService) Close() {
	_ = s.Hangup(context.Background())
	for _, sub := range s.subs {
		sub.Release()
	}
}

func (s *CallService) Snapshot() domain.CallSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe registers a listener called with a fresh snapshot after every
// state change. Listeners run outside the service lock.
func (s *CallService) Subscribe(listener CallListener) ports.Subscription {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	s.mu.Unlock()

	return newSubscription(func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	})
}

// StartCall places an outgoing call. Local media is acquired before any
// signaling; a media failure ends the session and returns a *domain.MediaError.
func (s *CallService) StartCall(ctx context.Context, peerID domain.UserID, callType domain.CallType) (domain.CallID, error) {
	if peerID == "" || peerID == s.self {
		return "", fmt.Errorf("invalid call target %q", peerID)
	}
	if !callType.Valid() {
		return "", fmt.Errorf("invalid call type %q", callType)
	}

	s.mu.Lock()
	if s.session != nil && !s.session.state.IsTerminal() {
		s.mu.Unlock()
		return "", domain.ErrCallInProgress
	}
	sess := s.newSessionLocked(s.newID(), domain.CallDirectionOutgoing, callType, peerID, domain.CallStateOutgoingRinging)
	gen := sess.generation
	s.mu.Unlock()

	s.metrics.CallStarted(domain.CallDirectionOutgoing, callType)
	s.logger.Infow("Outgoing call started", "call_id", sess.id, "peer_id", peerID, "call_type", callType)
	s.notifyListeners()

	stream, err := s.media.GetUserMedia(ctx, domain.ConstraintsFor(callType))
	if err != nil {
		mediaErr := domain.ClassifyMediaError(err)
		s.logger.Warnw("Local media unavailable", "call_id", sess.id, "kind", mediaErr.Kind, "error", err)
		s.abort(gen, domain.EndReasonMediaError, false)
		return "", mediaErr
	}

	pc, err := s.factory.NewPeerConnection()
	if err != nil {
		stream.Stop()
		s.abort(gen, domain.EndReasonConnectionFailed, false)
		return "", fmt.Errorf("create peer connection: %w", err)
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		stream.Stop()
		_ = pc.Close()
		return "", domain.ErrCallEnded
	}
	s.attachMediaLocked(sess, stream, pc)
	s.mu.Unlock()

	if err := pc.AddLocalStream(stream); err != nil {
		s.abort(gen, domain.EndReasonConnectionFailed, false)
		return "", fmt.Errorf("add local tracks: %w", err)
	}

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		s.abort(gen, domain.EndReasonConnectionFailed, false)
		return "", fmt.Errorf("create offer: %w", err)
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return "", domain.ErrCallEnded
	}
	sess.ringTimer = s.startRingTimerLocked(gen)
	fx := &effects{sends: []outbound{{
		msgType: domain.SignalOffer,
		msg: domain.SignalingMessage{
			CallID:   sess.id,
			TargetID: peerID,
			CallType: callType,
			SDP:      &offer,
		},
	}}}
	fx.sends = append(fx.sends, s.releaseCandidatesLocked(sess)...)
	s.mu.Unlock()

	s.apply(fx)
	return sess.id, nil
}

// Accept answers the ringing incoming call.
func (s *CallService) Accept(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state.IsTerminal() {
		s.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	if sess.state != domain.CallStateIncomingRinging {
		s.mu.Unlock()
		return fmt.Errorf("accept in state %s: %w", sess.state, domain.ErrInvalidTransition)
	}
	if sess.pendingOffer == nil {
		s.mu.Unlock()
		return domain.ErrMissingOffer
	}
	if sess.accepting {
		s.mu.Unlock()
		return fmt.Errorf("accept already in progress: %w", domain.ErrInvalidTransition)
	}
	gen := sess.generation
	callType := sess.callType
	sess.accepting = true
	s.stopRingTimerLocked(sess)
	s.mu.Unlock()

	// The session stays incoming-ringing until media is in hand, so a
	// failure here goes straight to ended.
	stream, err := s.media.GetUserMedia(ctx, domain.ConstraintsFor(callType))
	if err != nil {
		mediaErr := domain.ClassifyMediaError(err)
		s.logger.Warnw("Local media unavailable", "call_id", sess.id, "kind", mediaErr.Kind, "error", err)
		s.abort(gen, domain.EndReasonMediaError, true)
		return mediaErr
	}

	pc, err := s.factory.NewPeerConnection()
	if err != nil {
		stream.Stop()
		s.abort(gen, domain.EndReasonConnectionFailed, true)
		return fmt.Errorf("create peer connection: %w", err)
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		stream.Stop()
		_ = pc.Close()
		return domain.ErrCallEnded
	}
	sess.accepting = false
	sess.state = domain.CallStateConnecting
	s.attachMediaLocked(sess, stream, pc)
	offer := *sess.pendingOffer
	sess.pendingOffer = nil
	s.mu.Unlock()
	s.notifyListeners()

	if err := pc.AddLocalStream(stream); err != nil {
		s.abort(gen, domain.EndReasonConnectionFailed, true)
		return fmt.Errorf("add local tracks: %w", err)
	}
	if err := s.applyRemoteDescription(gen, pc, offer); err != nil {
		s.abort(gen, domain.EndReasonConnectionFailed, true)
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(ctx)
	if err != nil {
		s.abort(gen, domain.EndReasonConnectionFailed, true)
		return fmt.Errorf("create answer: %w", err)
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return domain.ErrCallEnded
	}
	fx := &effects{notify: true, sends: []outbound{{
		msgType: domain.SignalAnswer,
		msg: domain.SignalingMessage{
			CallID:   sess.id,
			TargetID: sess.peerID,
			CallType: sess.callType,
			SDP:      &answer,
		},
	}}}
	fx.sends = append(fx.sends, s.releaseCandidatesLocked(sess)...)
	s.mu.Unlock()

	s.logger.Infow("Incoming call accepted", "call_id", sess.id, "peer_id", sess.peerID)
	s.apply(fx)
	return nil
}

// Reject declines a ringing incoming call without acquiring media.
func (s *CallService) Reject(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state != domain.CallStateIncomingRinging {
		s.mu.Unlock()
		return fmt.Errorf("reject: %w", domain.ErrInvalidTransition)
	}
	fx := s.endLocked(sess, domain.EndReasonRejected, true)
	s.mu.Unlock()

	s.apply(fx)
	return nil
}

// Hangup ends the call in any non-terminal state, including cancelling an
// outgoing call that is still ringing.
func (s *CallService) Hangup(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state.IsTerminal() {
		s.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	reason := domain.EndReasonLocalHangup
	if sess.state == domain.CallStateIncomingRinging {
		reason = domain.EndReasonRejected
	}
	fx := s.endLocked(sess, reason, true)
	s.mu.Unlock()

	s.apply(fx)
	return nil
}

func (s *CallService) ToggleAudio(enabled bool) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state.IsTerminal() || sess.localStream == nil {
		s.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	if track := sess.localStream.AudioTrack(); track != nil {
		track.SetEnabled(enabled)
	}
	sess.audioEnabled = enabled
	s.mu.Unlock()

	s.notifyListeners()
	return nil
}

// ToggleVideo enables or disables the camera track. While screen sharing the
// flag only decides whether the camera comes back when sharing stops.
// Enabling video after sharing stopped with video off puts the camera back
// on the sender.
func (s *CallService) ToggleVideo(enabled bool) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state.IsTerminal() || sess.localStream == nil {
		s.mu.Unlock()
		return domain.ErrNoActiveCall
	}
	track := sess.localStream.VideoTrack()
	if track == nil {
		s.mu.Unlock()
		return fmt.Errorf("toggle video on %s call: %w", sess.callType, domain.ErrNoVideoSender)
	}
	track.SetEnabled(enabled)
	sess.videoEnabled = enabled

	var pc ports.PeerConnection
	if enabled && sess.cameraDetached && !sess.screenSharing && sess.pc != nil && track.ReadyState() == domain.TrackStateLive {
		pc = sess.pc
		sess.cameraDetached = false
	}
	s.mu.Unlock()

	if pc != nil {
		if err := pc.ReplaceVideoTrack(track); err != nil {
			s.mu.Lock()
			if s.session == sess && !sess.state.IsTerminal() {
				sess.cameraDetached = true
			}
			s.mu.Unlock()
			s.notifyListeners()
			return fmt.Errorf("restore video track: %w", err)
		}
		s.logger.Infow("Camera restored", "call_id", sess.id)
	}

	s.notifyListeners()
	return nil
}

// StartScreenShare replaces the outgoing video with a screen track on the
// same sender. No renegotiation takes place.
func (s *CallService) StartScreenShare(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state != domain.CallStateActive || sess.pc == nil {
		s.mu.Unlock()
		return fmt.Errorf("screen share: %w", domain.ErrInvalidTransition)
	}
	if sess.screenSharing {
		s.mu.Unlock()
		return nil
	}
	gen, pc := sess.generation, sess.pc
	s.mu.Unlock()

	screen, err := s.media.GetDisplayMedia(ctx)
	if err != nil {
		return domain.ClassifyMediaError(err)
	}

	if err := pc.ReplaceVideoTrack(screen); err != nil {
		screen.Stop()
		return fmt.Errorf("replace video track: %w", err)
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		screen.Stop()
		return domain.ErrCallEnded
	}
	sess.screenTrack = screen
	sess.screenSharing = true
	s.mu.Unlock()

	// The capture can also be ended from outside, e.g. the shared window
	// closes. Track.Stop may run under s.mu, so react on a new goroutine.
	screen.OnEnded(func() {
		go func() {
			s.mu.Lock()
			current := s.aliveLocked(gen) && s.session.screenTrack == screen
			s.mu.Unlock()
			if current {
				_ = s.StopScreenShare(context.Background())
			}
		}()
	})

	s.logger.Infow("Screen share started", "call_id", sess.id)
	s.notifyListeners()
	return nil
}

// StopScreenShare restores the camera if video is still enabled, otherwise
// leaves the sender without a track.
func (s *CallService) StopScreenShare(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state.IsTerminal() || !sess.screenSharing {
		s.mu.Unlock()
		return fmt.Errorf("stop screen share: %w", domain.ErrInvalidTransition)
	}
	var restore ports.LocalTrack
	if sess.videoEnabled && sess.localStream != nil {
		if cam := sess.localStream.VideoTrack(); cam != nil && cam.ReadyState() == domain.TrackStateLive {
			restore = cam
		}
	}
	pc, screen := sess.pc, sess.screenTrack
	sess.screenTrack = nil
	sess.screenSharing = false
	sess.cameraDetached = restore == nil
	s.mu.Unlock()

	var err error
	if pc != nil {
		err = pc.ReplaceVideoTrack(restore)
	}
	screen.Stop()

	s.logger.Infow("Screen share stopped", "call_id", sess.id, "camera_restored", restore != nil)
	s.notifyListeners()
	if err != nil {
		return fmt.Errorf("restore video track: %w", err)
	}
	return nil
}

func (s *CallService) signalHandler(fn func(domain.SignalingMessage) error) ports.Handler {
	return func(payload json.RawMessage) error {
		var msg domain.SignalingMessage
		if err := codec.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("decode signaling message: %w", err)
		}
		if msg.CallID == "" {
			return fmt.Errorf("signaling message without callId")
		}
		return fn(msg)
	}
}

func (s *CallService) handleOffer(msg domain.SignalingMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("offer %s without sdp", msg.CallID)
	}

	s.mu.Lock()
	if cur := s.session; cur != nil && !cur.state.IsTerminal() {
		if cur.id == msg.CallID && cur.peerID == msg.SenderID {
			if cur.pc != nil && cur.remoteDescription {
				gen, pc := cur.generation, cur.pc
				s.mu.Unlock()
				return s.renegotiate(gen, pc, *msg.SDP)
			}
			s.mu.Unlock()
			s.logger.Debugw("Duplicate offer ignored", "call_id", msg.CallID)
			return nil
		}
		s.mu.Unlock()

		s.logger.Infow("Incoming call rejected as busy", "call_id", msg.CallID, "peer_id", msg.SenderID)
		s.send(domain.SignalHangup, domain.SignalingMessage{
			CallID:   msg.CallID,
			TargetID: msg.SenderID,
			Reason:   domain.EndReasonBusy,
		})
		return nil
	}

	callType := msg.CallType
	if !callType.Valid() {
		callType = domain.CallTypeAudio
	}
	sess := s.newSessionLocked(msg.CallID, domain.CallDirectionIncoming, callType, msg.SenderID, domain.CallStateIncomingRinging)
	offer := *msg.SDP
	sess.pendingOffer = &offer
	sess.ringTimer = s.startRingTimerLocked(sess.generation)
	s.mu.Unlock()

	s.metrics.CallStarted(domain.CallDirectionIncoming, callType)
	s.logger.Infow("Incoming call", "call_id", msg.CallID, "peer_id", msg.SenderID, "call_type", callType)
	s.notifyListeners()
	return nil
}

func (s *CallService) handleAnswer(msg domain.SignalingMessage) error {
	if msg.SDP == nil {
		return fmt.Errorf("answer %s without sdp", msg.CallID)
	}

	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.id != msg.CallID || sess.pc == nil {
		s.mu.Unlock()
		return nil
	}
	if sess.state != domain.CallStateOutgoingRinging {
		s.mu.Unlock()
		s.logger.Debugw("Answer ignored", "call_id", msg.CallID, "state", sess.state)
		return nil
	}
	gen, pc := sess.generation, sess.pc
	s.stopRingTimerLocked(sess)
	sess.state = domain.CallStateConnecting
	s.mu.Unlock()
	s.notifyListeners()

	if err := s.applyRemoteDescription(gen, pc, *msg.SDP); err != nil {
		s.abort(gen, domain.EndReasonConnectionFailed, true)
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.logger.Infow("Call answered", "call_id", msg.CallID, "peer_id", msg.SenderID)
	return nil
}

func (s *CallService) handleICECandidate(msg domain.SignalingMessage) error {
	if msg.Candidate == nil {
		return fmt.Errorf("ice-candidate %s without candidate", msg.CallID)
	}

	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state.IsTerminal() || sess.id != msg.CallID {
		s.mu.Unlock()
		return nil
	}
	if sess.pc == nil || !sess.remoteDescription {
		sess.pendingCandidates = append(sess.pendingCandidates, *msg.Candidate)
		s.mu.Unlock()
		return nil
	}
	pc := sess.pc
	s.mu.Unlock()

	s.addCandidates(pc, msg.CallID, []domain.ICECandidate{*msg.Candidate})
	return nil
}

func (s *CallService) handleHangup(msg domain.SignalingMessage) error {
	s.mu.Lock()
	sess := s.session
	if sess == nil || sess.state.IsTerminal() || sess.id != msg.CallID {
		s.mu.Unlock()
		return nil
	}
	fx := s.endLocked(sess, remoteEndReason(msg.Reason), false)
	s.mu.Unlock()

	s.apply(fx)
	return nil
}

func (s *CallService) renegotiate(gen uint64, pc ports.PeerConnection, offer domain.SessionDescription) error {
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("renegotiation offer: %w", err)
	}
	answer, err := pc.CreateAnswer(context.Background())
	if err != nil {
		return fmt.Errorf("renegotiation answer: %w", err)
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return nil
	}
	msg := domain.SignalingMessage{CallID: s.session.id, TargetID: s.session.peerID, SDP: &answer}
	s.mu.Unlock()

	s.send(domain.SignalAnswer, msg)
	return nil
}

// applyRemoteDescription sets desc and flushes candidates queued while no
// remote description was available.
func (s *CallService) applyRemoteDescription(gen uint64, pc ports.PeerConnection, desc domain.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return domain.ErrCallEnded
	}
	sess := s.session
	sess.remoteDescription = true
	pending := sess.pendingCandidates
	sess.pendingCandidates = nil
	s.mu.Unlock()

	s.addCandidates(pc, sess.id, pending)
	return nil
}

// addCandidates applies remote candidates. Failures are logged and
// swallowed; ICE can still succeed with the remaining candidates.
func (s *CallService) addCandidates(pc ports.PeerConnection, callID domain.CallID, candidates []domain.ICECandidate) {
	for _, c := range candidates {
		if err := pc.AddICECandidate(c); err != nil {
			s.logger.Warnw("Failed to add ICE candidate", "call_id", callID, "candidate", c.Candidate, "error", err)
		}
	}
}

func (s *CallService) attachMediaLocked(sess *callSession, stream ports.LocalStream, pc ports.PeerConnection) {
	sess.localStream = stream
	sess.audioEnabled = stream.AudioTrack() != nil
	sess.videoEnabled = stream.VideoTrack() != nil
	sess.pc = pc

	gen := sess.generation
	pc.OnICECandidate(func(c domain.ICECandidate) { s.onLocalCandidate(gen, c) })
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) { s.onICEConnectionState(gen, state) })
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) { s.onPeerConnectionState(gen, state) })
	pc.OnRemoteStream(func(rs ports.RemoteStream) { s.onRemoteStream(gen, rs) })
}

func (s *CallService) onLocalCandidate(gen uint64, c domain.ICECandidate) {
	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return
	}
	sess := s.session
	if !sess.signalReady {
		sess.outboundCandidates = append(sess.outboundCandidates, c)
		s.mu.Unlock()
		return
	}
	msg := domain.SignalingMessage{CallID: sess.id, TargetID: sess.peerID, Candidate: &c}
	s.mu.Unlock()

	s.send(domain.SignalICECandidate, msg)
}

func (s *CallService) onICEConnectionState(gen uint64, state webrtc.ICEConnectionState) {
	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return
	}
	sess := s.session
	s.logger.Debugw("ICE connection state changed", "call_id", sess.id, "state", state.String())

	var fx *effects
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if sess.state == domain.CallStateConnecting {
			sess.state = domain.CallStateActive
			sess.connectedAt = time.Now()
			s.metrics.CallConnected(sess.connectedAt.Sub(sess.startedAt))
			s.logger.Infow("Call active", "call_id", sess.id, "peer_id", sess.peerID)
			fx = &effects{notify: true}
		}
	case webrtc.ICEConnectionStateFailed:
		fx = s.endLocked(sess, domain.EndReasonConnectionFailed, true)
	case webrtc.ICEConnectionStateClosed:
		fx = s.endLocked(sess, domain.EndReasonConnectionFailed, false)
	case webrtc.ICEConnectionStateDisconnected:
		s.logger.Warnw("ICE disconnected, waiting for recovery", "call_id", sess.id)
	}
	s.mu.Unlock()

	s.applyDetached(fx)
}

func (s *CallService) onPeerConnectionState(gen uint64, state webrtc.PeerConnectionState) {
	if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
		return
	}

	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return
	}
	fx := s.endLocked(s.session, domain.EndReasonConnectionFailed, state == webrtc.PeerConnectionStateFailed)
	s.mu.Unlock()

	s.applyDetached(fx)
}

func (s *CallService) onRemoteStream(gen uint64, rs ports.RemoteStream) {
	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		rs.Release()
		return
	}
	sess := s.session
	if prev := sess.remoteStream; prev != nil && prev != rs {
		prev.Release()
	}
	sess.remoteStream = rs
	s.mu.Unlock()

	s.notifyListeners()
}

func (s *CallService) newSessionLocked(id domain.CallID, dir domain.CallDirection, t domain.CallType, peer domain.UserID, state domain.CallState) *callSession {
	s.generation++
	s.session = &callSession{
		id:         id,
		direction:  dir,
		callType:   t,
		peerID:     peer,
		state:      state,
		generation: s.generation,
		startedAt:  time.Now(),
	}
	return s.session
}

func (s *CallService) aliveLocked(gen uint64) bool {
	return s.session != nil && s.session.generation == gen && !s.session.state.IsTerminal()
}

// releaseCandidatesLocked marks the local description as signaled and
// returns candidates gathered before that point.
func (s *CallService) releaseCandidatesLocked(sess *callSession) []outbound {
	sess.signalReady = true
	out := make([]outbound, 0, len(sess.outboundCandidates))
	for i := range sess.outboundCandidates {
		c := sess.outboundCandidates[i]
		out = append(out, outbound{
			msgType: domain.SignalICECandidate,
			msg:     domain.SignalingMessage{CallID: sess.id, TargetID: sess.peerID, Candidate: &c},
		})
	}
	sess.outboundCandidates = nil
	return out
}

func (s *CallService) startRingTimerLocked(gen uint64) *time.Timer {
	return time.AfterFunc(s.cfg.RingTimeout, func() {
		s.mu.Lock()
		if !s.aliveLocked(gen) || !s.session.state.IsRinging() {
			s.mu.Unlock()
			return
		}
		s.logger.Infow("Call not answered", "call_id", s.session.id, "timeout", s.cfg.RingTimeout)
		fx := s.endLocked(s.session, domain.EndReasonTimeout, true)
		s.mu.Unlock()

		s.apply(fx)
	})
}

func (s *CallService) stopRingTimerLocked(sess *callSession) {
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
		sess.ringTimer = nil
	}
}

// endLocked tears the session down: local tracks are stopped, the remote
// stream released and the peer connection detached for closing. The handle
// is nil when endLocked returns.
func (s *CallService) endLocked(sess *callSession, reason domain.EndReason, notifyPeer bool) *effects {
	fx := &effects{notify: true}
	s.stopRingTimerLocked(sess)

	// An outgoing call the peer never heard about needs no hangup.
	if sess.direction == domain.CallDirectionOutgoing && !sess.signalReady {
		notifyPeer = false
	}
	if notifyPeer {
		fx.sends = append(fx.sends, outbound{
			msgType: domain.SignalHangup,
			msg:     domain.SignalingMessage{CallID: sess.id, TargetID: sess.peerID, Reason: reason},
		})
	}

	if sess.screenTrack != nil {
		sess.screenTrack.Stop()
		sess.screenTrack = nil
	}
	sess.screenSharing = false
	sess.cameraDetached = false
	sess.accepting = false
	if sess.localStream != nil {
		sess.localStream.Stop()
		sess.localStream = nil
	}
	if sess.remoteStream != nil {
		sess.remoteStream.Release()
		sess.remoteStream = nil
	}
	if pc := sess.pc; pc != nil {
		sess.pc = nil
		callID := sess.id
		fx.cleanups = append(fx.cleanups, func() {
			if err := pc.Close(); err != nil {
				s.logger.Warnw("Failed to close peer connection", "call_id", callID, "error", err)
			}
		})
	}

	sess.pendingOffer = nil
	sess.pendingCandidates = nil
	sess.outboundCandidates = nil
	sess.state = domain.CallStateEnded
	sess.endedAt = time.Now()
	sess.endReason = reason

	s.generation++
	sess.generation = s.generation

	var duration time.Duration
	if !sess.connectedAt.IsZero() {
		duration = sess.endedAt.Sub(sess.connectedAt)
	}
	s.metrics.CallEnded(reason, duration)
	s.logger.Infow("Call ended", "call_id", sess.id, "peer_id", sess.peerID, "reason", reason, "duration", duration)
	return fx
}

func (s *CallService) abort(gen uint64, reason domain.EndReason, notifyPeer bool) {
	s.mu.Lock()
	if !s.aliveLocked(gen) {
		s.mu.Unlock()
		return
	}
	fx := s.endLocked(s.session, reason, notifyPeer)
	s.mu.Unlock()

	s.apply(fx)
}

func (s *CallService) apply(fx *effects) {
	if fx == nil {
		return
	}
	for _, cleanup := range fx.cleanups {
		cleanup()
	}
	s.flush(fx)
}

// applyDetached is apply for code running on peer connection callback
// goroutines, where closing the connection synchronously could deadlock.
func (s *CallService) applyDetached(fx *effects) {
	if fx == nil {
		return
	}
	if len(fx.cleanups) > 0 {
		cleanups := fx.cleanups
		go func() {
			for _, cleanup := range cleanups {
				cleanup()
			}
		}()
	}
	s.flush(fx)
}

func (s *CallService) flush(fx *effects) {
	for _, o := range fx.sends {
		s.send(o.msgType, o.msg)
	}
	if fx.notify {
		s.notifyListeners()
	}
}

func (s *CallService) send(msgType domain.SignalType, msg domain.SignalingMessage) {
	if !s.signaler.Send(msgType, msg) {
		s.logger.Warnw("Signaling message dropped", "type", msgType, "call_id", msg.CallID, "target_id", msg.TargetID)
	}
}

func (s *CallService) notifyListeners() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]CallListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

func (s *CallService) snapshotLocked() domain.CallSnapshot {
	sess := s.session
	if sess == nil {
		return domain.CallSnapshot{State: domain.CallStateIdle}
	}
	return domain.CallSnapshot{
		ID:                sess.id,
		Direction:         sess.direction,
		Type:              sess.callType,
		PeerID:            sess.peerID,
		State:             sess.state,
		AudioEnabled:      sess.audioEnabled,
		VideoEnabled:      sess.videoEnabled,
		ScreenSharing:     sess.screenSharing,
		HasPeerConnection: sess.pc != nil,
		HasLocalStream:    sess.localStream != nil,
		HasRemoteStream:   sess.remoteStream != nil,
		StartedAt:         sess.startedAt,
		ConnectedAt:       sess.connectedAt,
		EndedAt:           sess.endedAt,
		EndReason:         sess.endReason,
	}
}

// remoteEndReason maps the reason carried by a peer's hangup to ours.
func remoteEndReason(r domain.EndReason) domain.EndReason {
	switch r {
	case domain.EndReasonBusy, domain.EndReasonRejected, domain.EndReasonUnavailable, domain.EndReasonTimeout:
		return r
	default:
		return domain.EndReasonRemoteHangup
	}
}

type noopCallMetrics struct{}

func (noopCallMetrics) CallStarted(domain.CallDirection, domain.CallType) {}
func (noopCallMetrics) CallConnected(time.Duration)                       {}
func (noopCallMetrics) CallEnded(domain.EndReason, time.Duration)         {}

type subscription struct {
	once    sync.Once
	release func()
}

func newSubscription(release func()) *subscription {
	return &subscription{release: release}
}

func (s *subscription) Release() {
	s.once.Do(s.release)
}
