package webrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func allDevices() MediaConfig {
	return MediaConfig{Microphone: true, Camera: true, Screen: true}
}

func TestMediaSource_Errors(t *testing.T) {
	ctx := context.Background()

	denied := NewMediaSource(MediaConfig{Microphone: true, PermissionDenied: true}, zap.NewNop().Sugar())
	_, err := denied.GetUserMedia(ctx, domain.ConstraintsFor(domain.CallTypeAudio))
	mediaErr := domain.ClassifyMediaError(err)
	assert.Equal(t, domain.MediaErrorPermissionDenied, mediaErr.Kind)

	noCamera := NewMediaSource(MediaConfig{Microphone: true}, zap.NewNop().Sugar())
	_, err = noCamera.GetUserMedia(ctx, domain.ConstraintsFor(domain.CallTypeVideo))
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)

	_, err = noCamera.GetDisplayMedia(ctx)
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)

	stream, err := noCamera.GetUserMedia(ctx, domain.ConstraintsFor(domain.CallTypeAudio))
	require.NoError(t, err)
	assert.NotNil(t, stream.AudioTrack())
	assert.Nil(t, stream.VideoTrack())
	stream.Stop()
}

func TestLocalTrack_StopAndMute(t *testing.T) {
	track, err := newLocalTrack(domain.TrackKindVideo, "cam")
	require.NoError(t, err)

	ended := 0
	track.OnEnded(func() { ended++ })

	track.SetEnabled(false)
	assert.NoError(t, track.WriteSample(media.Sample{Data: []byte{0x01}, Duration: time.Millisecond}))

	track.Stop()
	track.Stop()
	assert.Equal(t, 1, ended)
	assert.Equal(t, domain.TrackStateEnded, track.ReadyState())

	late := false
	track.OnEnded(func() { late = true })
	assert.True(t, late, "callbacks registered after stop fire immediately")

	select {
	case <-track.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestPeerConnection_RejectsUnknownSDPType(t *testing.T) {
	factory, err := NewFactory(Config{}, zap.NewNop().Sugar())
	require.NoError(t, err)
	pc, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer pc.Close()

	assert.Error(t, pc.SetRemoteDescription(domain.SessionDescription{Type: "bogus", SDP: "v=0"}))
	assert.ErrorIs(t, pc.ReplaceVideoTrack(nil), domain.ErrNoVideoSender)
}

// trickle buffers candidates until the receiving side has a remote
// description, then applies them directly.
type trickle struct {
	mu      sync.Mutex
	target  ports.PeerConnection
	ready   bool
	pending []domain.ICECandidate
}

func (tr *trickle) add(c domain.ICECandidate) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.ready {
		tr.pending = append(tr.pending, c)
		return
	}
	_ = tr.target.AddICECandidate(c)
}

func (tr *trickle) open() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.ready = true
	for _, c := range tr.pending {
		_ = tr.target.AddICECandidate(c)
	}
	tr.pending = nil
}

func TestPeerConnection_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("loopback ICE in short mode")
	}
	ctx := context.Background()
	logger := zap.NewNop().Sugar()

	factory, err := NewFactory(Config{}, logger)
	require.NoError(t, err)
	source := NewMediaSource(allDevices(), logger)

	caller, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory.NewPeerConnection()
	require.NoError(t, err)
	defer callee.Close()

	toCallee := &trickle{target: callee}
	toCaller := &trickle{target: caller}
	caller.OnICECandidate(toCallee.add)
	callee.OnICECandidate(toCaller.add)

	connected := make(chan struct{})
	var once sync.Once
	caller.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		if s == webrtc.ICEConnectionStateConnected || s == webrtc.ICEConnectionStateCompleted {
			once.Do(func() { close(connected) })
		}
	})

	remotes := make(chan ports.RemoteStream, 4)
	callee.OnRemoteStream(func(rs ports.RemoteStream) { remotes <- rs })

	callerStream, err := source.GetUserMedia(ctx, domain.ConstraintsFor(domain.CallTypeVideo))
	require.NoError(t, err)
	defer callerStream.Stop()
	calleeStream, err := source.GetUserMedia(ctx, domain.ConstraintsFor(domain.CallTypeVideo))
	require.NoError(t, err)
	defer calleeStream.Stop()

	require.NoError(t, caller.AddLocalStream(callerStream))
	require.NoError(t, callee.AddLocalStream(calleeStream))

	offer, err := caller.CreateOffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, caller.SignalingState())

	require.NoError(t, callee.SetRemoteDescription(offer))
	toCallee.open()
	answer, err := callee.CreateAnswer(ctx)
	require.NoError(t, err)
	require.NoError(t, caller.SetRemoteDescription(answer))
	toCaller.open()

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("ICE did not connect")
	}

	select {
	case rs := <-remotes:
		assert.Eventually(t, func() bool { return rs.Stats().Packets > 0 }, 5*time.Second, 20*time.Millisecond)
	case <-time.After(10 * time.Second):
		t.Fatal("no remote track")
	}

	// Swapping the camera for a screen track keeps the session stable.
	screen, err := source.GetDisplayMedia(ctx)
	require.NoError(t, err)
	defer screen.Stop()
	require.NoError(t, caller.ReplaceVideoTrack(screen))
	assert.Equal(t, webrtc.SignalingStateStable, caller.SignalingState())
	require.NoError(t, caller.ReplaceVideoTrack(nil))
	assert.Equal(t, webrtc.SignalingStateStable, caller.SignalingState())
}
