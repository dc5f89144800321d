// Package protocol defines the websocket wire format shared with the chat
// gateway: a {event, payload} JSON envelope over a closed set of event
// kinds. Every payload has a fixed struct; nothing decodes into loose maps.
package protocol

import (
	"encoding/json"
	"fmt"

	"marketchat/internal/model"
	"marketchat/internal/negotiation"
)

// Event kind names as they appear on the wire.
const (
	// Outbound (client -> gateway).
	EventUserJoin    = "user_join"
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMarkRead    = "mark_read"

	// Inbound (gateway -> client).
	EventNewMessage           = "new_message"
	EventUserTyping           = "user_typing"
	EventMessagesRead         = "messages_read"
	EventOfferCreated         = "offer_created"
	EventOfferAccepted        = "offer_accepted"
	EventOfferRejected        = "offer_rejected"
	EventOfferCancelled       = "offer_cancelled"
	EventContractActivated    = "contract_activated"
	EventContractCompleted    = "contract_completed"
	EventContractTerminated   = "contract_terminated"
	EventContractStatusUpdate = "contract_status_update"
)

// Event is one decoded inbound event. The concrete type set is closed:
// every variant lives in this file and maps to exactly one wire name.
type Event interface {
	EventName() string
}

// Envelope is the wire framing for both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound payloads.

type UserJoin struct {
	UserID   int64  `json:"userId"`
	UserRole string `json:"userRole"`
}

type JoinRoom struct {
	RoomID string `json:"roomId"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

type TypingSignal struct {
	RoomID   string `json:"roomId"`
	UserID   int64  `json:"userId"`
	UserName string `json:"userName"`
}

type MarkRead struct {
	RoomID     string  `json:"roomId"`
	MessageIDs []int64 `json:"messageIds"`
	UserID     int64   `json:"userId"`
}

// Inbound payloads.

type NewMessage struct {
	RoomID       string          `json:"roomId"`
	MessageID    int64           `json:"messageId"`
	SenderID     int64           `json:"senderId"`
	SenderName   string          `json:"senderName"`
	SenderAvatar string          `json:"senderAvatar"`
	Message      string          `json:"message"`
	MessageType  string          `json:"messageType"`
	FileData     *model.FileData `json:"fileData,omitempty"`
	Timestamp    int64           `json:"timestamp"`
}

func (NewMessage) EventName() string { return EventNewMessage }

type UserTyping struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

func (UserTyping) EventName() string { return EventUserTyping }

type MessagesRead struct {
	RoomID     string  `json:"roomId"`
	MessageIDs []int64 `json:"messageIds"`
	ReadBy     int64   `json:"readBy"`
	Timestamp  int64   `json:"timestamp"`
}

func (MessagesRead) EventName() string { return EventMessagesRead }

// OfferEvent covers the four offer_* kinds; Kind carries the wire name.
type OfferEvent struct {
	Kind      string            `json:"-"`
	RoomID    string            `json:"roomId"`
	Offer     negotiation.Offer `json:"offerData"`
	SenderID  int64             `json:"senderId"`
	Timestamp int64             `json:"timestamp"`
}

func (e OfferEvent) EventName() string { return e.Kind }

// ContractEvent covers the four contract_* kinds.
type ContractEvent struct {
	Kind      string               `json:"-"`
	RoomID    string               `json:"roomId"`
	Contract  negotiation.Contract `json:"contractData"`
	Timestamp int64                `json:"timestamp"`
}

func (e ContractEvent) EventName() string { return e.Kind }

// ErrUnknownEvent marks an inbound event name outside the closed set.
// Callers log and drop these; new gateway event kinds must not crash old
// clients.
type ErrUnknownEvent struct {
	Name string
}

func (e *ErrUnknownEvent) Error() string {
	return fmt.Sprintf("protocol: unknown event %q", e.Name)
}

// Encode frames an outbound payload into envelope JSON.
func Encode(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Decode parses one inbound frame into its typed event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}

	switch env.Event {
	case EventNewMessage:
		var e NewMessage
		return e, unmarshalPayload(env, &e)
	case EventUserTyping:
		var e UserTyping
		return e, unmarshalPayload(env, &e)
	case EventMessagesRead:
		var e MessagesRead
		return e, unmarshalPayload(env, &e)
	case EventOfferCreated, EventOfferAccepted, EventOfferRejected, EventOfferCancelled:
		var e OfferEvent
		if err := unmarshalPayload(env, &e); err != nil {
			return nil, err
		}
		e.Kind = env.Event
		return e, nil
	case EventContractActivated, EventContractCompleted, EventContractTerminated, EventContractStatusUpdate:
		var e ContractEvent
		if err := unmarshalPayload(env, &e); err != nil {
			return nil, err
		}
		e.Kind = env.Event
		return e, nil
	}
	return nil, &ErrUnknownEvent{Name: env.Event}
}

func unmarshalPayload(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("protocol: decode %s payload: %w", env.Event, err)
	}
	return nil
}
