// Package room tracks which conversation rooms the session has joined on
// the gateway.
package room

import (
	"errors"
	"log"
	"sync"

	"marketchat/internal/connection"
	"marketchat/internal/protocol"
)

// Sender is the slice of the connection manager this package needs.
type Sender interface {
	Send(event string, payload any) error
}

// Session owns join/leave semantics. Joining while the socket is down is a
// harmless no-op, not an error: the UI may select a room before the
// connection finishes, and the engine re-issues joins once Connected.
type Session struct {
	mu     sync.Mutex
	conn   Sender
	joined map[string]bool
}

func NewSession(conn Sender) *Session {
	return &Session{
		conn:   conn,
		joined: make(map[string]bool),
	}
}

// Join announces membership for the room. Re-entrant: joining a room
// already joined does not duplicate gateway membership.
func (s *Session) Join(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.joined[roomID] {
		return
	}
	err := s.conn.Send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: roomID})
	if err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			log.Printf("[ROOM] Join %s deferred: socket not connected", roomID)
			return
		}
		log.Printf("[ROOM] Join %s failed: %v", roomID, err)
		return
	}
	s.joined[roomID] = true
}

// Leave is symmetric to Join: a no-op for rooms never joined or while
// disconnected.
func (s *Session) Leave(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.joined[roomID] {
		return
	}
	delete(s.joined, roomID)
	err := s.conn.Send(protocol.EventLeaveRoom, protocol.LeaveRoom{RoomID: roomID})
	if err != nil && !errors.Is(err, connection.ErrNotConnected) {
		log.Printf("[ROOM] Leave %s failed: %v", roomID, err)
	}
}

// Joined reports whether the room's join signal has gone out.
func (s *Session) Joined(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined[roomID]
}

// RejoinAll re-issues join signals after a reconnect; gateway membership
// is per-connection and does not survive a new socket.
func (s *Session) RejoinAll() {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.joined))
	for id := range s.joined {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()

	for _, id := range rooms {
		if err := s.conn.Send(protocol.EventJoinRoom, protocol.JoinRoom{RoomID: id}); err != nil {
			log.Printf("[ROOM] Rejoin %s failed: %v", id, err)
		}
	}
}
