package ports

import (
	"context"

	"chathub/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	ReadyState() domain.TrackState
	// Stop ends the track permanently and fires OnEnded callbacks once.
	Stop()
	OnEnded(fn func())
	// Track is the pion track bound to an RTP sender.
	Track() webrtc.TrackLocal
}

type LocalStream interface {
	ID() string
	Tracks() []LocalTrack
	AudioTrack() LocalTrack
	VideoTrack() LocalTrack
	Stop()
}

type RemoteStreamStats struct {
	Tracks  int
	Packets uint64
	Bytes   uint64
}

type RemoteStream interface {
	ID() string
	Kinds() []domain.TrackKind
	Stats() RemoteStreamStats
	Release()
}

type MediaSource interface {
	GetUserMedia(ctx context.Context, constraints domain.MediaConstraints) (LocalStream, error)
	GetDisplayMedia(ctx context.Context) (LocalTrack, error)
}

// PeerConnection is the native peer connection owned by one call session.
type PeerConnection interface {
	AddLocalStream(stream LocalStream) error
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(candidate domain.ICECandidate) error
	// ReplaceVideoTrack swaps the outgoing video without renegotiation.
	// A nil track stops sending video.
	ReplaceVideoTrack(track LocalTrack) error
	SignalingState() webrtc.SignalingState

	OnICECandidate(fn func(domain.ICECandidate))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnRemoteStream(fn func(RemoteStream))

	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
