package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"chathub/internal/core/domain"
	"chathub/internal/core/ports"
	"chathub/pkg/codec"
	"chathub/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ChatListener func(domain.ChatSelection)

// ChatService holds the client's view of workspaces, channels and message
// history. History comes from the REST collaborator; live messages arrive
// as message envelopes on the signaler and are merged in.
type ChatService struct {
	self     domain.UserID
	api      ports.ChatAPI
	signaler ports.Signaler
	logger   *zap.SugaredLogger
	now      func() time.Time
	newID    func() string

	mu         sync.RWMutex
	workspaces []domain.Workspace
	workspace  *domain.Workspace
	channels   []domain.Channel
	channel    *domain.Channel
	messages   map[domain.ChannelID][]domain.Message
	unread     map[domain.ChannelID]int

	listeners    map[uint64]ChatListener
	nextListener uint64

	sub ports.Subscription
}

func NewChatService(self domain.UserID, api ports.ChatAPI, signaler ports.Signaler, logger *zap.SugaredLogger) *ChatService {
	s := &ChatService{
		self:      self,
		api:       api,
		signaler:  signaler,
		logger:    logger.With("user_id", self),
		now:       time.Now,
		newID:     uuid.NewString,
		messages:  make(map[domain.ChannelID][]domain.Message),
		unread:    make(map[domain.ChannelID]int),
		listeners: make(map[uint64]ChatListener),
	}
	s.sub = signaler.On(domain.SignalMessage, s.handleLiveMessage)
	return s
}

func (s *ChatService) Close() {
	s.sub.Release()
}

func (s *ChatService) Subscribe(listener ChatListener) ports.Subscription {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = listener
	s.mu.Unlock()

	return newSubscription(func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	})
}

func (s *ChatService) LoadWorkspaces(ctx context.Context) ([]domain.Workspace, error) {
	workspaces, err := s.api.ListWorkspaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}

	s.mu.Lock()
	s.workspaces = workspaces
	s.mu.Unlock()

	s.logger.Debugw("Workspaces loaded", "count", len(workspaces))
	return append([]domain.Workspace(nil), workspaces...), nil
}

// SelectWorkspace makes id the active workspace and loads its channels.
// Any channel selection from the previous workspace is cleared.
func (s *ChatService) SelectWorkspace(ctx context.Context, id domain.WorkspaceID) error {
	s.mu.RLock()
	ws, ok := s.findWorkspaceLocked(id)
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("select workspace %s: %w", id, domain.ErrWorkspaceMissing)
	}

	channels, err := s.api.ListChannels(ctx, id)
	if err != nil {
		return fmt.Errorf("list channels for %s: %w", id, err)
	}

	s.mu.Lock()
	s.workspace = &ws
	s.channels = channels
	s.channel = nil
	s.mu.Unlock()

	s.logger.Infow("Workspace selected", "workspace_id", id, "channels", len(channels))
	s.notifyListeners()
	return nil
}

// SelectChannel makes id the active channel, loads its history and clears
// its unread counter. Live messages received before the fetch completed
// are kept.
func (s *ChatService) SelectChannel(ctx context.Context, id domain.ChannelID) error {
	s.mu.RLock()
	if s.workspace == nil {
		s.mu.RUnlock()
		return fmt.Errorf("select channel %s: %w", id, domain.ErrWorkspaceMissing)
	}
	ch, ok := s.findChannelLocked(id)
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("select channel %s: %w", id, domain.ErrChannelNotFound)
	}

	history, err := s.api.ListMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("list messages for %s: %w", id, err)
	}

	s.mu.Lock()
	merged := s.messages[id]
	for _, m := range history {
		merged, _ = mergeMessage(merged, m)
	}
	s.messages[id] = merged
	s.channel = &ch
	delete(s.unread, id)
	s.mu.Unlock()

	s.logger.Debugw("Channel selected", "channel_id", id, "messages", len(merged))
	s.notifyListeners()
	return nil
}

func (s *ChatService) Active() domain.ChatSelection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectionLocked()
}

// Messages returns the channel history ordered by creation time.
func (s *ChatService) Messages(channelID domain.ChannelID) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Message(nil), s.messages[channelID]...)
}

// SendMessage posts body to the active channel. The message shows up
// immediately as pending and is replaced by the server copy once the post
// succeeds. Channel members are notified over the signaler.
func (s *ChatService) SendMessage(ctx context.Context, body string) (*domain.Message, error) {
	if err := validation.ValidateMessageBody(body); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.channel == nil {
		s.mu.Unlock()
		return nil, domain.ErrNoActiveChannel
	}
	ch := *s.channel
	pending := domain.Message{
		ChannelID:       ch.ID,
		SenderID:        s.self,
		Body:            body,
		CreatedAt:       s.now(),
		ClientMessageID: s.newID(),
		Pending:         true,
	}
	s.messages[ch.ID], _ = mergeMessage(s.messages[ch.ID], pending)
	s.mu.Unlock()
	s.notifyListeners()

	posted, err := s.api.PostMessage(ctx, ch.ID, body, pending.ClientMessageID)
	if err != nil {
		s.mu.Lock()
		s.messages[ch.ID] = removeByClientID(s.messages[ch.ID], pending.ClientMessageID)
		s.mu.Unlock()
		s.notifyListeners()
		return nil, fmt.Errorf("post message to %s: %w", ch.ID, err)
	}

	msg := *posted
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = pending.ClientMessageID
	}
	msg.Pending = false

	s.mu.Lock()
	s.messages[ch.ID], _ = mergeMessage(s.messages[ch.ID], msg)
	s.mu.Unlock()
	s.notifyListeners()

	if recipients := s.recipients(ch); len(recipients) > 0 {
		if !s.signaler.Send(domain.SignalMessage, domain.ChatEvent{Message: msg, Recipients: recipients}) {
			s.logger.Warnw("Live message not delivered", "channel_id", ch.ID, "message_id", msg.ID)
		}
	}
	return &msg, nil
}

func (s *ChatService) handleLiveMessage(payload json.RawMessage) error {
	var event domain.ChatEvent
	if err := codec.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("decode chat event: %w", err)
	}
	msg := event.Message
	if msg.ID == "" || msg.ChannelID == "" {
		return fmt.Errorf("chat event without message or channel id")
	}
	msg.Pending = false

	s.mu.Lock()
	var inserted bool
	s.messages[msg.ChannelID], inserted = mergeMessage(s.messages[msg.ChannelID], msg)
	active := s.channel != nil && s.channel.ID == msg.ChannelID
	if inserted && !active && msg.SenderID != s.self {
		s.unread[msg.ChannelID]++
	}
	s.mu.Unlock()

	if inserted {
		s.notifyListeners()
	}
	return nil
}

func (s *ChatService) recipients(ch domain.Channel) []domain.UserID {
	out := make([]domain.UserID, 0, len(ch.Members))
	for _, m := range ch.Members {
		if m != s.self {
			out = append(out, m)
		}
	}
	return out
}

func (s *ChatService) findWorkspaceLocked(id domain.WorkspaceID) (domain.Workspace, bool) {
	for _, ws := range s.workspaces {
		if ws.ID == id {
			return ws, true
		}
	}
	return domain.Workspace{}, false
}

func (s *ChatService) findChannelLocked(id domain.ChannelID) (domain.Channel, bool) {
	for _, ch := range s.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return domain.Channel{}, false
}

func (s *ChatService) selectionLocked() domain.ChatSelection {
	sel := domain.ChatSelection{
		Channels: append([]domain.Channel(nil), s.channels...),
		Unread:   make(map[domain.ChannelID]int, len(s.unread)),
	}
	if s.workspace != nil {
		ws := *s.workspace
		sel.Workspace = &ws
	}
	if s.channel != nil {
		ch := *s.channel
		sel.Channel = &ch
	}
	for id, n := range s.unread {
		sel.Unread[id] = n
	}
	return sel
}

func (s *ChatService) notifyListeners() {
	s.mu.RLock()
	sel := s.selectionLocked()
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	listeners := make([]ChatListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		l(sel)
	}
}

// mergeMessage inserts msg keeping the slice ordered by CreatedAt. A message
// already present under the same ID or client message ID is replaced in
// place, except that an acknowledged copy is never downgraded to pending.
func mergeMessage(list []domain.Message, msg domain.Message) ([]domain.Message, bool) {
	for i := range list {
		sameID := msg.ID != "" && list[i].ID == msg.ID
		sameClient := msg.ClientMessageID != "" && list[i].ClientMessageID == msg.ClientMessageID
		if !sameID && !sameClient {
			continue
		}
		if msg.Pending && !list[i].Pending {
			return list, false
		}
		list[i] = msg
		sort.SliceStable(list, func(a, b int) bool { return list[a].CreatedAt.Before(list[b].CreatedAt) })
		return list, false
	}

	idx := sort.Search(len(list), func(i int) bool { return list[i].CreatedAt.After(msg.CreatedAt) })
	list = append(list, domain.Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	return list, true
}

func removeByClientID(list []domain.Message, clientID string) []domain.Message {
	out := list[:0]
	for _, m := range list {
		if m.ClientMessageID != clientID || !m.Pending {
			out = append(out, m)
		}
	}
	return out
}
