package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chathub/internal/core/domain"
	"chathub/pkg/codec"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockChatAPI struct {
	mock.Mock
}

func (m *MockChatAPI) ListWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Workspace), args.Error(1)
}

func (m *MockChatAPI) ListChannels(ctx context.Context, workspaceID domain.WorkspaceID) ([]domain.Channel, error) {
	args := m.Called(ctx, workspaceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Channel), args.Error(1)
}

func (m *MockChatAPI) ListMessages(ctx context.Context, channelID domain.ChannelID) ([]domain.Message, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

func (m *MockChatAPI) PostMessage(ctx context.Context, channelID domain.ChannelID, body, clientMessageID string) (*domain.Message, error) {
	args := m.Called(ctx, channelID, body, clientMessageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

var chatEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return chatEpoch.Add(time.Duration(minutes) * time.Minute)
}

func newChatFixture(t *testing.T) (*ChatService, *MockChatAPI, *fakeSignaler) {
	t.Helper()
	api := &MockChatAPI{}
	sig := newFakeSignaler("alice")
	svc := NewChatService("alice", api, sig, zaptest.NewLogger(t).Sugar())
	svc.now = func() time.Time { return at(30) }
	svc.newID = func() string { return "client-1" }
	t.Cleanup(svc.Close)

	api.On("ListWorkspaces", mock.Anything).Return([]domain.Workspace{{ID: "w1", Name: "Acme"}}, nil)
	api.On("ListChannels", mock.Anything, domain.WorkspaceID("w1")).Return([]domain.Channel{
		{ID: "general", WorkspaceID: "w1", Name: "general", Members: []domain.UserID{"alice", "bob", "carol"}},
		{ID: "random", WorkspaceID: "w1", Name: "random"},
	}, nil)
	return svc, api, sig
}

func selectGeneral(t *testing.T, svc *ChatService, api *MockChatAPI, history []domain.Message) {
	t.Helper()
	api.On("ListMessages", mock.Anything, domain.ChannelID("general")).Return(history, nil)
	_, err := svc.LoadWorkspaces(context.Background())
	require.NoError(t, err)
	require.NoError(t, svc.SelectWorkspace(context.Background(), "w1"))
	require.NoError(t, svc.SelectChannel(context.Background(), "general"))
}

func liveMessage(t *testing.T, sig *fakeSignaler, msg domain.Message) {
	t.Helper()
	payload, err := codec.Marshal(domain.ChatEvent{Message: msg})
	require.NoError(t, err)

	sig.mu.Lock()
	handlers := sig.handlers[domain.SignalMessage]
	sig.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			require.NoError(t, h(json.RawMessage(payload)))
		}
	}
}

func TestChatService_SelectionFlow(t *testing.T) {
	svc, api, _ := newChatFixture(t)
	selectGeneral(t, svc, api, []domain.Message{
		{ID: "m2", ChannelID: "general", SenderID: "bob", Body: "second", CreatedAt: at(2)},
		{ID: "m1", ChannelID: "general", SenderID: "bob", Body: "first", CreatedAt: at(1)},
	})

	sel := svc.Active()
	require.NotNil(t, sel.Workspace)
	require.NotNil(t, sel.Channel)
	assert.Equal(t, domain.WorkspaceID("w1"), sel.Workspace.ID)
	assert.Equal(t, domain.ChannelID("general"), sel.Channel.ID)
	assert.Len(t, sel.Channels, 2)

	msgs := svc.Messages("general")
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageID("m1"), msgs[0].ID)
	assert.Equal(t, domain.MessageID("m2"), msgs[1].ID)
	api.AssertExpectations(t)
}

func TestChatService_SelectUnknown(t *testing.T) {
	svc, api, _ := newChatFixture(t)

	assert.ErrorIs(t, svc.SelectChannel(context.Background(), "general"), domain.ErrWorkspaceMissing)

	_, err := svc.LoadWorkspaces(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, svc.SelectWorkspace(context.Background(), "nope"), domain.ErrWorkspaceMissing)

	require.NoError(t, svc.SelectWorkspace(context.Background(), "w1"))
	assert.ErrorIs(t, svc.SelectChannel(context.Background(), "nope"), domain.ErrChannelNotFound)
	api.AssertNotCalled(t, "ListMessages", mock.Anything, mock.Anything)
}

func TestChatService_LiveMergeDeduplicatesAndOrders(t *testing.T) {
	svc, api, sig := newChatFixture(t)
	selectGeneral(t, svc, api, []domain.Message{
		{ID: "m1", ChannelID: "general", SenderID: "bob", Body: "first", CreatedAt: at(1)},
		{ID: "m3", ChannelID: "general", SenderID: "bob", Body: "third", CreatedAt: at(3)},
	})

	liveMessage(t, sig, domain.Message{ID: "m2", ChannelID: "general", SenderID: "carol", Body: "second", CreatedAt: at(2)})
	liveMessage(t, sig, domain.Message{ID: "m2", ChannelID: "general", SenderID: "carol", Body: "second", CreatedAt: at(2)})
	liveMessage(t, sig, domain.Message{ID: "m3", ChannelID: "general", SenderID: "bob", Body: "third (edited)", CreatedAt: at(3)})

	msgs := svc.Messages("general")
	require.Len(t, msgs, 3)
	assert.Equal(t, []domain.MessageID{"m1", "m2", "m3"}, []domain.MessageID{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	assert.Equal(t, "third (edited)", msgs[2].Body)
	assert.Empty(t, svc.Active().Unread, "messages in the active channel are read")
}

func TestChatService_UnreadForInactiveChannels(t *testing.T) {
	svc, api, sig := newChatFixture(t)
	selectGeneral(t, svc, api, nil)

	liveMessage(t, sig, domain.Message{ID: "r1", ChannelID: "random", SenderID: "bob", Body: "hi", CreatedAt: at(5)})
	liveMessage(t, sig, domain.Message{ID: "r2", ChannelID: "random", SenderID: "bob", Body: "hey", CreatedAt: at(6)})
	liveMessage(t, sig, domain.Message{ID: "r2", ChannelID: "random", SenderID: "bob", Body: "hey", CreatedAt: at(6)})
	liveMessage(t, sig, domain.Message{ID: "r3", ChannelID: "random", SenderID: "alice", Body: "mine", CreatedAt: at(7)})

	assert.Equal(t, 2, svc.Active().Unread["random"])

	api.On("ListMessages", mock.Anything, domain.ChannelID("random")).Return([]domain.Message{
		{ID: "r0", ChannelID: "random", SenderID: "bob", Body: "older", CreatedAt: at(1)},
	}, nil)
	require.NoError(t, svc.SelectChannel(context.Background(), "random"))

	assert.Zero(t, svc.Active().Unread["random"])
	assert.Len(t, svc.Messages("random"), 4, "live messages survive the history fetch")
}

func TestChatService_SendMessage(t *testing.T) {
	svc, api, sig := newChatFixture(t)
	selectGeneral(t, svc, api, nil)

	var pendingSeen bool
	sub := svc.Subscribe(func(domain.ChatSelection) {
		for _, m := range svc.Messages("general") {
			if m.Pending {
				pendingSeen = true
			}
		}
	})
	defer sub.Release()

	api.On("PostMessage", mock.Anything, domain.ChannelID("general"), "hello", "client-1").Return(&domain.Message{
		ID: "m9", ChannelID: "general", SenderID: "alice", Body: "hello", CreatedAt: at(31),
	}, nil)

	msg, err := svc.SendMessage(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageID("m9"), msg.ID)
	assert.Equal(t, "client-1", msg.ClientMessageID)
	assert.True(t, pendingSeen, "an optimistic copy is shown first")

	msgs := svc.Messages("general")
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Pending)
	assert.Equal(t, domain.MessageID("m9"), msgs[0].ID)

	sent := sig.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.SignalMessage, sent[0].Type)

	// The relay echo of our own message is not duplicated.
	liveMessage(t, sig, *msg)
	assert.Len(t, svc.Messages("general"), 1)
}

func TestChatService_SendMessageFailureRemovesOptimisticCopy(t *testing.T) {
	svc, api, sig := newChatFixture(t)
	selectGeneral(t, svc, api, nil)

	api.On("PostMessage", mock.Anything, domain.ChannelID("general"), "hello", "client-1").
		Return(nil, errors.New("503 service unavailable"))

	_, err := svc.SendMessage(context.Background(), "hello")
	require.Error(t, err)
	assert.Empty(t, svc.Messages("general"))
	assert.Empty(t, sig.messages())
}

func TestChatService_SendMessageValidation(t *testing.T) {
	svc, api, _ := newChatFixture(t)

	_, err := svc.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrNoActiveChannel)

	selectGeneral(t, svc, api, nil)
	_, err = svc.SendMessage(context.Background(), "   ")
	assert.Error(t, err)
	api.AssertNotCalled(t, "PostMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestChatService_MalformedLiveMessage(t *testing.T) {
	_, _, sig := newChatFixture(t)

	err := sig.deliver(domain.SignalMessage, domain.SignalingMessage{CallID: "x"})
	assert.Error(t, err)
}

func TestMergeMessage_KeepsAcknowledgedCopy(t *testing.T) {
	acked := domain.Message{ID: "m1", ClientMessageID: "c1", CreatedAt: at(1)}
	list, inserted := mergeMessage(nil, acked)
	require.True(t, inserted)

	list, inserted = mergeMessage(list, domain.Message{ClientMessageID: "c1", CreatedAt: at(1), Pending: true})
	assert.False(t, inserted)
	require.Len(t, list, 1)
	assert.False(t, list[0].Pending)
}
