package ports

import (
	"encoding/json"

	"chathub/internal/core/domain"
)

// Handler receives the raw payload of one envelope. A returned error is
// logged by the transport and does not stop dispatch to other handlers.
type Handler func(payload json.RawMessage) error

// Subscription is an owned registration; Release is idempotent.
type Subscription interface {
	Release()
}

// Signaler is the client side of the signaling channel.
type Signaler interface {
	// Send enqueues an envelope. It never blocks and reports false when
	// the message was dropped because the channel is not open.
	Send(msgType domain.SignalType, payload any) bool
	On(msgType domain.SignalType, handler Handler) Subscription
}
