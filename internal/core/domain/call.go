package domain

import "time"

type CallID string

type CallState string

const (
	CallStateIdle            CallState = "idle"
	CallStateOutgoingRinging CallState = "outgoing-ringing"
	CallStateIncomingRinging CallState = "incoming-ringing"
	CallStateConnecting      CallState = "connecting"
	CallStateActive          CallState = "active"
	CallStateEnded           CallState = "ended"
)

// IsTerminal reports whether no further transitions are possible.
func (s CallState) IsTerminal() bool {
	return s == CallStateEnded
}

func (s CallState) IsRinging() bool {
	return s == CallStateOutgoingRinging || s == CallStateIncomingRinging
}

var callTransitions = map[CallState][]CallState{
	CallStateIdle:            {CallStateOutgoingRinging, CallStateIncomingRinging},
	CallStateOutgoingRinging: {CallStateConnecting, CallStateEnded},
	CallStateIncomingRinging: {CallStateConnecting, CallStateEnded},
	CallStateConnecting:      {CallStateActive, CallStateEnded},
	CallStateActive:          {CallStateEnded},
}

// CanTransition reports whether from -> to is a legal call lifecycle step.
func CanTransition(from, to CallState) bool {
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallDirection string

const (
	CallDirectionOutgoing CallDirection = "outgoing"
	CallDirectionIncoming CallDirection = "incoming"
)

type EndReason string

const (
	EndReasonLocalHangup      EndReason = "local-hangup"
	EndReasonRemoteHangup     EndReason = "remote-hangup"
	EndReasonRejected         EndReason = "rejected"
	EndReasonBusy             EndReason = "busy"
	EndReasonUnavailable      EndReason = "unavailable"
	EndReasonTimeout          EndReason = "timeout"
	EndReasonMediaError       EndReason = "media-error"
	EndReasonConnectionFailed EndReason = "connection-failed"
)

// CallSnapshot is a read-only copy of the current call session.
type CallSnapshot struct {
	ID        CallID
	Direction CallDirection
	Type      CallType
	PeerID    UserID
	State     CallState

	AudioEnabled  bool
	VideoEnabled  bool
	ScreenSharing bool

	HasPeerConnection bool
	HasLocalStream    bool
	HasRemoteStream   bool

	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
	EndReason   EndReason
}

// Duration is the connected time of the call, zero if it never connected.
func (s CallSnapshot) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	end := s.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(s.ConnectedAt)
}
