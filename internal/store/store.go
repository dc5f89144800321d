// Package store holds the per-room message timelines. It is the only
// writer of message state: transport events and API pages flow in through
// Insert/MergeFetched/MarkRead, and the UI reads snapshots out. The merge
// rules are commutative and idempotent, so arrival order between a live
// event and a history fetch never matters.
package store

import (
	"log"
	"sort"
	"sync"
	"time"

	"marketchat/internal/model"
	"marketchat/internal/negotiation"
)

type Store struct {
	mu       sync.RWMutex
	userID   int64
	rooms    map[string]*model.Room
	messages map[string][]model.Message
	// byID indexes each room's slice position by message id for O(1) dedup.
	byID map[string]map[int64]int
	// byOffer maps each room's offer id to the message id carrying it. An
	// offer reaches the timeline twice (live event with a derived id,
	// history page with the server id); this index makes them one entry.
	byOffer map[string]map[int64]int64
}

func New(userID int64) *Store {
	return &Store{
		userID:   userID,
		rooms:    make(map[string]*model.Room),
		messages: make(map[string][]model.Message),
		byID:     make(map[string]map[int64]int),
		byOffer:  make(map[string]map[int64]int64),
	}
}

// PutRooms upserts the room list from the REST layer. Unread counters and
// previews already derived from local messages win over the fetched
// denormalized copies, so a stale list cannot roll the UI backwards.
func (s *Store) PutRooms(rooms []model.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range rooms {
		existing, ok := s.rooms[room.ID]
		if ok && len(s.messages[room.ID]) > 0 {
			room.UnreadCount = existing.UnreadCount
			room.LastMessage = existing.LastMessage
			if existing.LastActivity.After(room.LastActivity) {
				room.LastActivity = existing.LastActivity
			}
		}
		copied := room
		s.rooms[room.ID] = &copied
	}
}

// Insert adds one message to its room unless the id is already present.
// Returns true when the message was actually inserted.
func (s *Store) Insert(roomID string, msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := s.insertLocked(roomID, msg)
	if inserted {
		s.recomputeRoomLocked(roomID)
	}
	return inserted
}

// MergeFetched folds an API history page into the room. Messages already
// known keep their local read state when it is ahead of the fetched copy;
// a stale page can never flip a read message back to unread.
func (s *Store) MergeFetched(roomID string, msgs []model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, msg := range msgs {
		idx, known := s.byID[roomID][msg.ID]
		if !known {
			if s.insertLocked(roomID, msg) {
				changed = true
			}
			continue
		}
		current := &s.messages[roomID][idx]
		if msg.Read && !current.Read {
			current.Read = true
			current.ReadAt = msg.ReadAt
			changed = true
		}
	}
	if changed {
		s.recomputeRoomLocked(roomID)
	}
}

// MarkRead flips the read flag for the given ids and stamps the read
// timestamp. Already-read ids are skipped; returns how many flags flipped.
func (s *Store) MarkRead(roomID string, ids []int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	flipped := 0
	now := time.Now()
	for _, id := range ids {
		idx, ok := s.byID[roomID][id]
		if !ok {
			continue
		}
		msg := &s.messages[roomID][idx]
		if msg.Read {
			continue
		}
		msg.Read = true
		msg.ReadAt = now
		flipped++
	}
	if flipped > 0 {
		s.recomputeRoomLocked(roomID)
	}
	return flipped
}

// UpdateOffer refreshes the negotiation payload embedded in a timeline
// message, addressed by offer id so both arrival paths hit the same entry.
// The message itself stays immutable apart from the payload swap.
func (s *Store) UpdateOffer(roomID string, offer negotiation.Offer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	messageID, ok := s.byOffer[roomID][offer.ID]
	if !ok {
		return false
	}
	idx, ok := s.byID[roomID][messageID]
	if !ok {
		return false
	}
	copied := offer
	s.messages[roomID][idx].Offer = &copied
	s.recomputeRoomLocked(roomID)
	return true
}

// Timeline returns a copy of the room's ordered message sequence.
func (s *Store) Timeline(roomID string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[roomID]
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Rooms returns a snapshot of the room list, most recent activity first.
func (s *Store) Rooms() []model.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		out = append(out, *room)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// Room returns a snapshot of one room.
func (s *Store) Room(roomID string) (model.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return model.Room{}, false
	}
	return *room, true
}

// UnreadCount reports the room's current unread counter.
func (s *Store) UnreadCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if room, ok := s.rooms[roomID]; ok {
		return room.UnreadCount
	}
	return 0
}

// ForeignUnreadIDs lists ids of unread messages sent by the counterpart,
// the set the read receipt tracker batches.
func (s *Store) ForeignUnreadIDs(roomID string) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for _, msg := range s.messages[roomID] {
		if !msg.IsMine && !msg.Read {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

func (s *Store) insertLocked(roomID string, msg model.Message) bool {
	if _, dup := s.byID[roomID][msg.ID]; dup {
		log.Printf("[STORE] Duplicate message %d in room %s, ignoring", msg.ID, roomID)
		return false
	}
	if msg.Offer != nil {
		if knownID, tracked := s.byOffer[roomID][msg.Offer.ID]; tracked {
			// Same offer under another message id: the live event used a
			// derived id, the history page carries the server one. Adopt
			// the server id so later pages dedup against it.
			if msg.ID > 0 && knownID < 0 {
				s.adoptMessageIDLocked(roomID, knownID, msg.ID)
			}
			return false
		}
	}
	msg.RoomID = roomID
	msg.IsMine = msg.SenderID == s.userID

	if s.byID[roomID] == nil {
		s.byID[roomID] = make(map[int64]int)
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	if msg.Offer != nil {
		if s.byOffer[roomID] == nil {
			s.byOffer[roomID] = make(map[int64]int64)
		}
		s.byOffer[roomID][msg.Offer.ID] = msg.ID
	}
	s.sortLocked(roomID)
	return true
}

// adoptMessageIDLocked rewrites a timeline entry's id in place and fixes
// both indexes. Used when the server-assigned id for an offer message
// arrives after a derived placeholder id was inserted.
func (s *Store) adoptMessageIDLocked(roomID string, oldID, newID int64) {
	idx, ok := s.byID[roomID][oldID]
	if !ok {
		return
	}
	msg := &s.messages[roomID][idx]
	msg.ID = newID
	delete(s.byID[roomID], oldID)
	s.byID[roomID][newID] = idx
	if msg.Offer != nil {
		s.byOffer[roomID][msg.Offer.ID] = newID
	}
}

func (s *Store) sortLocked(roomID string) {
	msgs := s.messages[roomID]
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	index := s.byID[roomID]
	for i := range msgs {
		index[msgs[i].ID] = i
	}
}

// recomputeRoomLocked rebuilds the room's derived fields from its
// timeline. unread always equals the count of foreign unread messages.
func (s *Store) recomputeRoomLocked(roomID string) {
	room, ok := s.rooms[roomID]
	if !ok {
		room = &model.Room{ID: roomID}
		s.rooms[roomID] = room
	}

	msgs := s.messages[roomID]
	unread := 0
	for i := range msgs {
		if !msgs[i].IsMine && !msgs[i].Read {
			unread++
		}
	}
	room.UnreadCount = unread

	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		room.LastMessage = previewOf(last)
		if last.CreatedAt.After(room.LastActivity) {
			room.LastActivity = last.CreatedAt
		}
	}
}

func previewOf(msg model.Message) string {
	switch msg.Type {
	case model.TypeFile, model.TypeImage:
		if msg.File != nil {
			return msg.File.Name
		}
		return msg.Body
	case model.TypeOffer:
		if msg.Offer != nil {
			return msg.Offer.Title
		}
		return msg.Body
	default:
		return msg.Body
	}
}
