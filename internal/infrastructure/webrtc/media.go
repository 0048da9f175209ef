package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/config"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"
)

// opusSilence is a single 20ms Opus frame that decodes to silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const audioFrameDuration = 20 * time.Millisecond

// LocalTrack is a sample-based outgoing track. Samples written while the
// track is disabled or ended are discarded, which is how muting works.
type LocalTrack struct {
	id    string
	kind  domain.TrackKind
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	state   domain.TrackState
	onEnded []func()
	done    chan struct{}
}

func newLocalTrack(kind domain.TrackKind, label string) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == domain.TrackKindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}

	id := fmt.Sprintf("%s-%s", label, uuid.NewString())
	track, err := webrtc.NewTrackLocalStaticSample(capability, id, "chathub-"+label)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	return &LocalTrack{
		id:      id,
		kind:    kind,
		track:   track,
		enabled: true,
		state:   domain.TrackStateLive,
		done:    make(chan struct{}),
	}, nil
}

func (t *LocalTrack) ID() string               { return t.id }
func (t *LocalTrack) Kind() domain.TrackKind   { return t.kind }
func (t *LocalTrack) Track() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *LocalTrack) ReadyState() domain.TrackState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.state == domain.TrackStateEnded {
		t.mu.Unlock()
		return
	}
	t.state = domain.TrackStateEnded
	close(t.done)
	callbacks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.state == domain.TrackStateEnded {
		t.mu.Unlock()
		fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// WriteSample forwards a media sample unless the track is muted or ended.
func (t *LocalTrack) WriteSample(sample media.Sample) error {
	t.mu.Lock()
	live := t.enabled && t.state == domain.TrackStateLive
	t.mu.Unlock()
	if !live {
		return nil
	}
	return t.track.WriteSample(sample)
}

// Done is closed when the track is stopped.
func (t *LocalTrack) Done() <-chan struct{} {
	return t.done
}

type localStream struct {
	id    string
	audio *LocalTrack
	video *LocalTrack
}

func (s *localStream) ID() string { return s.id }

func (s *localStream) Tracks() []ports.LocalTrack {
	var out []ports.LocalTrack
	if s.audio != nil {
		out = append(out, s.audio)
	}
	if s.video != nil {
		out = append(out, s.video)
	}
	return out
}

func (s *localStream) AudioTrack() ports.LocalTrack {
	if s.audio == nil {
		return nil
	}
	return s.audio
}

func (s *localStream) VideoTrack() ports.LocalTrack {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *localStream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

type MediaConfig struct {
	Microphone bool
	Camera     bool
	Screen     bool
	// PermissionDenied simulates the user refusing capture access.
	PermissionDenied bool
}

func MediaConfigFrom(cfg *config.Config) MediaConfig {
	return MediaConfig{
		Microphone:       cfg.Media.Microphone,
		Camera:           cfg.Media.Camera,
		Screen:           cfg.Media.Screen,
		PermissionDenied: cfg.Media.PermissionDenied,
	}
}

// MediaSource produces sample tracks for a headless client. The microphone
// emits Opus silence so the remote side sees a live audio stream; video
// tracks carry whatever the application writes with WriteSample.
type MediaSource struct {
	cfg    MediaConfig
	logger *zap.SugaredLogger
}

func NewMediaSource(cfg MediaConfig, logger *zap.SugaredLogger) *MediaSource {
	return &MediaSource{cfg: cfg, logger: logger}
}

func (m *MediaSource) GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) (ports.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.PermissionDenied {
		return nil, &domain.MediaError{Kind: domain.MediaErrorPermissionDenied, Device: "microphone", Err: domain.ErrPermissionDenied}
	}
	if constraints.Audio && !m.cfg.Microphone {
		return nil, &domain.MediaError{Kind: domain.MediaErrorDeviceNotFound, Device: "microphone", Err: domain.ErrDeviceNotFound}
	}
	if constraints.Video && !m.cfg.Camera {
		return nil, &domain.MediaError{Kind: domain.MediaErrorDeviceNotFound, Device: "camera", Err: domain.ErrDeviceNotFound}
	}

	stream := &localStream{id: uuid.NewString()}
	if constraints.Audio {
		audio, err := newLocalTrack(domain.TrackKindAudio, "mic")
		if err != nil {
			return nil, err
		}
		stream.audio = audio
		go m.pumpSilence(audio)
	}
	if constraints.Video {
		video, err := newLocalTrack(domain.TrackKindVideo, "cam")
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.video = video
	}

	m.logger.Debugw("Local media acquired", "stream_id", stream.id, "audio", constraints.Audio, "video", constraints.Video)
	return stream, nil
}

func (m *MediaSource) GetDisplayMedia(ctx context.Context) (ports.LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.cfg.PermissionDenied {
		return nil, &domain.MediaError{Kind: domain.MediaErrorPermissionDenied, Device: "screen", Err: domain.ErrPermissionDenied}
	}
	if !m.cfg.Screen {
		return nil, &domain.MediaError{Kind: domain.MediaErrorDeviceNotFound, Device: "screen", Err: domain.ErrDeviceNotFound}
	}
	track, err := newLocalTrack(domain.TrackKindVideo, "screen")
	if err != nil {
		return nil, err
	}
	return track, nil
}

func (m *MediaSource) pumpSilence(track *LocalTrack) {
	ticker := time.NewTicker(audioFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-track.Done():
			return
		case <-ticker.C:
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: audioFrameDuration}); err != nil {
				m.logger.Debugw("Audio sample dropped", "track_id", track.ID(), "error", err)
			}
		}
	}
}
