package domain

import "errors"

var (
	ErrCallInProgress    = errors.New("a call is already in progress")
	ErrNoActiveCall      = errors.New("no active call")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrCallEnded         = errors.New("call ended")
	ErrNoVideoSender     = errors.New("peer connection has no video sender")
	ErrMissingOffer      = errors.New("incoming call has no offer")

	ErrNotConnected     = errors.New("signaling transport not connected")
	ErrTransportClosed  = errors.New("signaling transport closed")
	ErrUserNotFound     = errors.New("user not found")
	ErrPeerUnavailable  = errors.New("peer unavailable")
	ErrChannelNotFound  = errors.New("channel not found")
	ErrNoActiveChannel  = errors.New("no active channel")
	ErrWorkspaceMissing = errors.New("workspace not found")
)
