package services

import (
	"context"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/cache"
)

const workspacesKey = "workspaces"

// CachedChatAPI wraps a ChatAPI with a TTL cache for workspace and channel
// listings. Message history always goes to the backend, since live merge
// depends on fresh results.
type CachedChatAPI struct {
	base       ports.ChatAPI
	workspaces *cache.Cache[string, []domain.Workspace]
	channels   *cache.Cache[domain.WorkspaceID, []domain.Channel]
}

func NewCachedChatAPI(base ports.ChatAPI, ttl time.Duration) *CachedChatAPI {
	return &CachedChatAPI{
		base:       base,
		workspaces: cache.New[string, []domain.Workspace](ttl),
		channels:   cache.New[domain.WorkspaceID, []domain.Channel](ttl),
	}
}

func (a *CachedChatAPI) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	return a.workspaces.GetOrLoad(ctx, workspacesKey, a.base.ListWorkspaces)
}

func (a *CachedChatAPI) ListChannels(ctx context.Context, workspaceID domain.WorkspaceID) ([]domain.Channel, error) {
	return a.channels.GetOrLoad(ctx, workspaceID, func(ctx context.Context) ([]domain.Channel, error) {
		return a.base.ListChannels(ctx, workspaceID)
	})
}

func (a *CachedChatAPI) ListMessages(ctx context.Context, channelID domain.ChannelID) ([]domain.Message, error) {
	return a.base.ListMessages(ctx, channelID)
}

func (a *CachedChatAPI) PostMessage(ctx context.Context, channelID domain.ChannelID, body, clientMessageID string) (*domain.Message, error) {
	return a.base.PostMessage(ctx, channelID, body, clientMessageID)
}

// Invalidate drops cached listings, for example after the user joins a
// workspace elsewhere.
func (a *CachedChatAPI) Invalidate() {
	a.workspaces.Delete(workspacesKey)
	a.channels.DeleteFunc(func(domain.WorkspaceID) bool { return true })
}

// Stop ends the cache cleanup goroutines.
func (a *CachedChatAPI) Stop() {
	a.workspaces.Stop()
	a.channels.Stop()
}
