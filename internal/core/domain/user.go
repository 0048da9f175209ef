package domain

import "time"

type UserID string

type User struct {
	ID        UserID
	Username  string
	CreatedAt time.Time
}

type Presence struct {
	UserID     UserID    `json:"userId"`
	Online     bool      `json:"online"`
	InstanceID string    `json:"instanceId,omitempty"`
	Since      time.Time `json:"since,omitempty"`
}
