package domain

import "time"

type WorkspaceID string
type ChannelID string
type MessageID string

type Workspace struct {
	ID   WorkspaceID `json:"id"`
	Name string      `json:"name"`
}

type Channel struct {
	ID          ChannelID   `json:"id"`
	WorkspaceID WorkspaceID `json:"workspaceId"`
	Name        string      `json:"name"`
	IsDirect    bool        `json:"isDirect"`
	Members     []UserID    `json:"members,omitempty"`
}

type Message struct {
	ID              MessageID `json:"id"`
	ChannelID       ChannelID `json:"channelId"`
	SenderID        UserID    `json:"senderId"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"createdAt"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`

	// Pending is true for an optimistic local copy not yet acknowledged.
	Pending bool `json:"-"`
}

// ChatEvent is the payload of a message envelope. Recipients is read by the
// relay and stripped before delivery.
type ChatEvent struct {
	Message    Message  `json:"message"`
	Recipients []UserID `json:"recipients,omitempty"`
}

// ChatSelection is the active workspace/channel pair.
type ChatSelection struct {
	Workspace *Workspace
	Channel   *Channel
	Channels  []Channel
	Unread    map[ChannelID]int
}
