package domain

import "encoding/json"

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalHangup       SignalType = "hangup"

	SignalMessage  SignalType = "message"
	SignalPresence SignalType = "presence"
	SignalError    SignalType = "error"
	SignalPing     SignalType = "ping"
	SignalPong     SignalType = "pong"
)

// IsCallSignal reports whether t is relayed point-to-point for a call.
func (t SignalType) IsCallSignal() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalHangup:
		return true
	}
	return false
}

// Envelope is the frame carried over the signaling WebSocket.
type Envelope struct {
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalingMessage is the payload of offer, answer, ice-candidate and
// hangup envelopes. SenderID is always set by the relay.
type SignalingMessage struct {
	CallID    CallID              `json:"callId"`
	SenderID  UserID              `json:"senderId,omitempty"`
	TargetID  UserID              `json:"targetId"`
	CallType  CallType            `json:"callType,omitempty"`
	SDP       *SessionDescription `json:"sdp,omitempty"`
	Candidate *ICECandidate       `json:"candidate,omitempty"`
	Reason    EndReason           `json:"reason,omitempty"`
}

type SignalErrorCode string

const (
	SignalErrorPeerUnavailable SignalErrorCode = "peer_unavailable"
	SignalErrorInvalidMessage  SignalErrorCode = "invalid_message"
	SignalErrorUnknownType     SignalErrorCode = "unknown_type"
	SignalErrorRateLimited     SignalErrorCode = "rate_limited"
	SignalErrorInternal        SignalErrorCode = "internal_error"
)

// SignalErrorPayload is the payload of an error envelope sent by the relay.
type SignalErrorPayload struct {
	Code     SignalErrorCode `json:"code"`
	Message  string          `json:"message"`
	CallID   CallID          `json:"callId,omitempty"`
	TargetID UserID          `json:"targetId,omitempty"`
}

// RelayEvent carries an encoded envelope to the instance that owns the
// target's connection.
type RelayEvent struct {
	TargetID   UserID          `json:"targetId"`
	InstanceID string          `json:"instanceId"`
	Data       json.RawMessage `json:"data"`
}

type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)
