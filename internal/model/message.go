package model

import (
	"time"

	"marketchat/internal/negotiation"
)

type MessageType string

const (
	TypeText   MessageType = "text"
	TypeFile   MessageType = "file"
	TypeImage  MessageType = "image"
	TypeOffer  MessageType = "offer"
	TypeSystem MessageType = "system"
)

// FileData describes an uploaded attachment. The URL is derived by the
// storage collaborator; the engine never touches file bytes.
type FileData struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime_type"`
	URL  string `json:"url"`
}

// Message is immutable once created, except for the read flag and its
// timestamp, which only ever flip forward. Identity is the server-assigned
// ID: two messages with the same ID are the same message regardless of
// whether they arrived over the socket or in an API page.
type Message struct {
	ID           int64              `json:"id"`
	RoomID       string             `json:"room_id"`
	SenderID     int64              `json:"sender_id"`
	SenderName   string             `json:"sender_name"`
	SenderAvatar string             `json:"sender_avatar"`
	Type         MessageType        `json:"type"`
	Body         string             `json:"body"`
	File         *FileData          `json:"file_data,omitempty"`
	Offer        *negotiation.Offer `json:"offer,omitempty"`
	Read         bool               `json:"read"`
	ReadAt       time.Time          `json:"read_at"`
	CreatedAt    time.Time          `json:"created_at"`
	// IsMine is resolved against the session's user id at ingestion.
	IsMine bool `json:"is_mine"`
}
