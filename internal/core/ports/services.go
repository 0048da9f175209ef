package ports

import (
	"context"
	"time"

	"chathub/internal/core/domain"
)

// ChatAPI is the REST collaborator that owns workspaces, channels and
// message history.
type ChatAPI interface {
	ListWorkspaces(ctx context.Context) ([]domain.Workspace, error)
	ListChannels(ctx context.Context, workspaceID domain.WorkspaceID) ([]domain.Channel, error)
	ListMessages(ctx context.Context, channelID domain.ChannelID) ([]domain.Message, error)
	PostMessage(ctx context.Context, channelID domain.ChannelID, body, clientMessageID string) (*domain.Message, error)
}

type CallMetrics interface {
	CallStarted(direction domain.CallDirection, callType domain.CallType)
	CallConnected(setup time.Duration)
	CallEnded(reason domain.EndReason, duration time.Duration)
}

type RelayMetrics interface {
	ConnectionOpened()
	ConnectionClosed()
	EnvelopeRelayed(msgType domain.SignalType, delivery string)
	EnvelopeRejected(msgType domain.SignalType, code domain.SignalErrorCode)
}
