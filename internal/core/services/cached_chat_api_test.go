package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"chathub/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCachedChatAPI_CachesListings(t *testing.T) {
	ctx := context.Background()
	base := new(MockChatAPI)
	base.On("ListWorkspaces", mock.Anything).Return([]domain.Workspace{{ID: "w1"}}, nil).Once()
	base.On("ListChannels", mock.Anything, domain.WorkspaceID("w1")).Return([]domain.Channel{{ID: "c1"}}, nil).Once()
	base.On("ListChannels", mock.Anything, domain.WorkspaceID("w2")).Return([]domain.Channel{{ID: "c2"}}, nil).Once()

	api := NewCachedChatAPI(base, time.Minute)
	defer api.Stop()

	for i := 0; i < 3; i++ {
		ws, err := api.ListWorkspaces(ctx)
		require.NoError(t, err)
		assert.Len(t, ws, 1)

		chs, err := api.ListChannels(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, domain.ChannelID("c1"), chs[0].ID)
	}
	chs, err := api.ListChannels(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("c2"), chs[0].ID)

	base.AssertExpectations(t)
}

func TestCachedChatAPI_PassesThroughHistoryAndPosts(t *testing.T) {
	ctx := context.Background()
	base := new(MockChatAPI)
	base.On("ListMessages", mock.Anything, domain.ChannelID("c1")).Return([]domain.Message{{ID: "m1"}}, nil).Twice()
	base.On("PostMessage", mock.Anything, domain.ChannelID("c1"), "hi", "cm").Return(&domain.Message{ID: "m2"}, nil).Once()

	api := NewCachedChatAPI(base, time.Minute)
	defer api.Stop()

	for i := 0; i < 2; i++ {
		_, err := api.ListMessages(ctx, "c1")
		require.NoError(t, err)
	}
	msg, err := api.PostMessage(ctx, "c1", "hi", "cm")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageID("m2"), msg.ID)

	base.AssertExpectations(t)
}

func TestCachedChatAPI_InvalidateAndErrors(t *testing.T) {
	ctx := context.Background()
	base := new(MockChatAPI)
	boom := errors.New("backend down")
	base.On("ListWorkspaces", mock.Anything).Return(nil, boom).Once()
	base.On("ListWorkspaces", mock.Anything).Return([]domain.Workspace{{ID: "w1"}}, nil).Twice()

	api := NewCachedChatAPI(base, time.Minute)
	defer api.Stop()

	_, err := api.ListWorkspaces(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = api.ListWorkspaces(ctx)
	require.NoError(t, err)
	_, err = api.ListWorkspaces(ctx)
	require.NoError(t, err)

	api.Invalidate()
	_, err = api.ListWorkspaces(ctx)
	require.NoError(t, err)

	base.AssertExpectations(t)
}
