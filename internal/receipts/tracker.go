// Package receipts reconciles read state in both directions: our own
// viewing marks the counterpart's messages read, and their messages_read
// events flip the flags on messages we sent.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"marketchat/internal/connection"
	"marketchat/internal/protocol"
	"marketchat/internal/store"
)

// API is the mark-read slice of the REST collaborator.
type API interface {
	MarkRead(ctx context.Context, roomID string, ids []int64) error
}

type Sender interface {
	Send(event string, payload any) error
}

// Tracker batches mark-as-read for visible foreign messages. Marking is
// optimistic: the local flags flip before the REST call returns, and the
// transport signal lets the counterpart update without a refetch.
type Tracker struct {
	mu       sync.Mutex
	api      API
	conn     Sender
	store    *store.Store
	userID   int64
	inflight map[string]map[int64]bool
}

func NewTracker(api API, conn Sender, st *store.Store, userID int64) *Tracker {
	return &Tracker{
		api:      api,
		conn:     conn,
		store:    st,
		userID:   userID,
		inflight: make(map[string]map[int64]bool),
	}
}

// MarkVisible marks every currently-unread foreign message in the room as
// read. Idempotent: already-read or already-in-flight ids are skipped, so
// calling it twice in a row neither double-counts nor re-requests.
func (t *Tracker) MarkVisible(ctx context.Context, roomID string) error {
	ids := t.claim(roomID, t.store.ForeignUnreadIDs(roomID))
	if len(ids) == 0 {
		return nil
	}
	defer t.release(roomID, ids)

	t.store.MarkRead(roomID, ids)

	if err := t.conn.Send(protocol.EventMarkRead, protocol.MarkRead{
		RoomID:     roomID,
		MessageIDs: ids,
		UserID:     t.userID,
	}); err != nil && !errors.Is(err, connection.ErrNotConnected) {
		log.Printf("[RECEIPTS] Transport mark_read for room %s failed: %v", roomID, err)
	}

	if err := t.api.MarkRead(ctx, roomID, ids); err != nil {
		return fmt.Errorf("mark read room %s: %w", roomID, err)
	}
	return nil
}

// HandleRemote applies a messages_read event. When the counterpart read
// messages we sent, flipping the local flags is how the sender learns the
// message was seen.
func (t *Tracker) HandleRemote(e protocol.MessagesRead) {
	if e.ReadBy == t.userID {
		// Echo of our own mark_read signal.
		return
	}
	flipped := t.store.MarkRead(e.RoomID, e.MessageIDs)
	if flipped > 0 {
		log.Printf("[RECEIPTS] Counterpart read %d message(s) in room %s", flipped, e.RoomID)
	}
}

// claim filters out ids already being marked and reserves the rest.
func (t *Tracker) claim(roomID string, ids []int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inflight[roomID] == nil {
		t.inflight[roomID] = make(map[int64]bool)
	}
	var claimed []int64
	for _, id := range ids {
		if t.inflight[roomID][id] {
			continue
		}
		t.inflight[roomID][id] = true
		claimed = append(claimed, id)
	}
	return claimed
}

func (t *Tracker) release(roomID string, ids []int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.inflight[roomID], id)
	}
}
