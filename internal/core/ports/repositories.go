package ports

import (
	"context"

	"chathub/internal/core/domain"
)

type PresenceRepository interface {
	SetOnline(ctx context.Context, userID domain.UserID, instanceID string) error
	// SetOffline only clears presence owned by instanceID, so a user who
	// reconnected to another instance stays online.
	SetOffline(ctx context.Context, userID domain.UserID, instanceID string) error
	Get(ctx context.Context, userID domain.UserID) (*domain.Presence, error)
	ListOnline(ctx context.Context) ([]domain.UserID, error)
}

// EventBus moves relay events between signaling instances.
type EventBus interface {
	Publish(ctx context.Context, event *domain.RelayEvent) error
	Subscribe(ctx context.Context, handler func(*domain.RelayEvent)) error
	Close() error
}
