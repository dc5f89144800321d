// Package typing coordinates the transient "is composing" indicator in
// both directions: debounced local broadcasts and remote aggregation with
// auto-expiry.
package typing

import (
	"log"
	"sort"
	"sync"
	"time"

	"marketchat/internal/auth"
	"marketchat/internal/protocol"
)

const (
	defaultDebounce = 1 * time.Second
	defaultCeiling  = 3 * time.Second
	reapInterval    = 500 * time.Millisecond
)

type Sender interface {
	Send(event string, payload any) error
}

// Coordinator drives the typing state machine per room. Local keystrokes
// broadcast typing_start once and typing_stop when the debounce window
// lapses, the input blurs, a message is sent, or the room view tears down.
// Remote names auto-expire past the ceiling so a lost stop signal cannot
// leave a stuck indicator.
type Coordinator struct {
	mu       sync.Mutex
	conn     Sender
	identity auth.Identity

	debounceDelay time.Duration
	ceiling       time.Duration

	activeRoom string
	// typingRoom is the room with an outstanding typing_start, "" if none.
	typingRoom string
	debounce   *time.Timer

	// remote maps room id -> display name -> expiry deadline.
	remote map[string]map[string]time.Time

	done   chan struct{}
	closed bool
	now    func() time.Time
}

func NewCoordinator(conn Sender, identity auth.Identity) *Coordinator {
	c := &Coordinator{
		conn:          conn,
		identity:      identity,
		debounceDelay: defaultDebounce,
		ceiling:       defaultCeiling,
		remote:        make(map[string]map[string]time.Time),
		done:          make(chan struct{}),
		now:           time.Now,
	}
	go c.reap()
	return c
}

// Keystroke records local typing activity. The first keystroke after idle
// broadcasts immediately; every subsequent one just pushes the debounce
// window out.
func (c *Coordinator) Keystroke(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.typingRoom != roomID {
		c.stopLocked()
		c.broadcast(protocol.EventTypingStart, roomID)
		c.typingRoom = roomID
	}

	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(c.debounceDelay, c.debounceFired)
}

func (c *Coordinator) debounceFired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopLocked()
}

// Blur broadcasts typing_stop when the input loses focus.
func (c *Coordinator) Blur() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// MessageSent clears the outstanding indicator after a send completes.
func (c *Coordinator) MessageSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// SetActiveRoom switches rooms: any outstanding local indicator stops and
// the remote sets of both the old and new room are cleared so no stale
// names carry across.
func (c *Coordinator) SetActiveRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typingRoom != "" && c.typingRoom != roomID {
		c.stopLocked()
	}
	delete(c.remote, c.activeRoom)
	delete(c.remote, roomID)
	c.activeRoom = roomID
}

// HandleRemote applies a user_typing event from the gateway.
func (c *Coordinator) HandleRemote(e protocol.UserTyping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.UserName == c.identity.UserName {
		return
	}
	if e.IsTyping {
		if c.remote[e.RoomID] == nil {
			c.remote[e.RoomID] = make(map[string]time.Time)
		}
		c.remote[e.RoomID][e.UserName] = c.now().Add(c.ceiling)
		return
	}
	delete(c.remote[e.RoomID], e.UserName)
}

// Names returns who is currently typing in the room, sorted.
func (c *Coordinator) Names(roomID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var names []string
	for name, deadline := range c.remote[roomID] {
		if deadline.After(now) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Close synchronously broadcasts any outstanding typing_stop before
// teardown, then cancels the reaper. Safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.stopLocked()
	c.closed = true
	close(c.done)
}

// stopLocked broadcasts typing_stop for the outstanding room and cancels
// the debounce timer.
func (c *Coordinator) stopLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.typingRoom == "" {
		return
	}
	c.broadcast(protocol.EventTypingStop, c.typingRoom)
	c.typingRoom = ""
}

func (c *Coordinator) broadcast(event, roomID string) {
	err := c.conn.Send(event, protocol.TypingSignal{
		RoomID:   roomID,
		UserID:   c.identity.UserID,
		UserName: c.identity.UserName,
	})
	if err != nil {
		log.Printf("[TYPING] Broadcast %s for room %s failed: %v", event, roomID, err)
	}
}

// reap force-expires remote names whose stop signal was lost.
func (c *Coordinator) reap() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.pruneExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Coordinator) pruneExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for roomID, names := range c.remote {
		for name, deadline := range names {
			if !deadline.After(now) {
				delete(names, name)
			}
		}
		if len(names) == 0 {
			delete(c.remote, roomID)
		}
	}
}
