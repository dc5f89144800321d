package model

import (
	"time"
)

// Participant is the denormalized summary of one side of a conversation.
type Participant struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// Room ties two participants to a shared context (a campaign or offer).
// Rooms are created by the campaign workflow; this engine only joins them.
type Room struct {
	ID           string      `json:"id"`
	Me           Participant `json:"me"`
	Counterpart  Participant `json:"counterpart"`
	LastMessage  string      `json:"last_message"`
	UnreadCount  int         `json:"unread_count"`
	LastActivity time.Time   `json:"last_activity"`
}
