package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketchat/internal/api"
	"marketchat/internal/auth"
	"marketchat/internal/connection"
	"marketchat/internal/model"
	"marketchat/internal/negotiation"
	"marketchat/internal/protocol"
)

const (
	myUserID      = int64(10)
	counterpartID = int64(20)
)

// fakeTransport is an in-memory stand-in for the connection manager.
type fakeTransport struct {
	mu     sync.Mutex
	state  connection.State
	frames []protocol.Envelope
	events chan protocol.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		state:  connection.Connected,
		events: make(chan protocol.Event, 32),
	}
}

func (f *fakeTransport) Connect(context.Context) error   { return nil }
func (f *fakeTransport) Reconnect(context.Context) error { return nil }
func (f *fakeTransport) Close() error                    { return nil }

func (f *fakeTransport) State() connection.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != connection.Connected {
		return connection.ErrNotConnected
	}
	f.frames = append(f.frames, protocol.Envelope{Event: event})
	return nil
}

func (f *fakeTransport) Events() <-chan protocol.Event { return f.events }

func (f *fakeTransport) sentKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, fr := range f.frames {
		kinds = append(kinds, fr.Event)
	}
	return kinds
}

// fakeAPI answers the REST surface with canned data and assigns ids to
// sent messages.
type fakeAPI struct {
	mu       sync.Mutex
	sendErr  error
	nextID   int64
	rooms    []model.Room
	pages    map[string][]model.Message
	readReqs [][]int64
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{nextID: 100, pages: make(map[string][]model.Message)}
}

func (f *fakeAPI) ListRooms(context.Context) ([]model.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rooms, nil
}

func (f *fakeAPI) RoomMessages(_ context.Context, roomID string, _ time.Time, _ int) (*api.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &api.MessagePage{Messages: f.pages[roomID]}, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, roomID string, request api.SendMessageRequest) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	return &model.Message{
		ID:        f.nextID,
		RoomID:    roomID,
		SenderID:  myUserID,
		Type:      request.Type,
		Body:      request.Body,
		File:      request.File,
		CreatedAt: time.Now(),
	}, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ string, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]int64, len(ids))
	copy(batch, ids)
	f.readReqs = append(f.readReqs, batch)
	return nil
}

func (f *fakeAPI) CreateOffer(_ context.Context, draft negotiation.OfferDraft) (*negotiation.Offer, error) {
	return &negotiation.Offer{ID: 7, RoomID: draft.RoomID, Title: draft.Title, State: negotiation.OfferPending}, nil
}

func (f *fakeAPI) AcceptOffer(_ context.Context, id int64) (*negotiation.Offer, error) {
	return &negotiation.Offer{ID: id, State: negotiation.OfferAccepted}, nil
}

func (f *fakeAPI) RejectOffer(_ context.Context, id int64) (*negotiation.Offer, error) {
	return &negotiation.Offer{ID: id, State: negotiation.OfferRejected}, nil
}

func (f *fakeAPI) CancelOffer(_ context.Context, id int64) (*negotiation.Offer, error) {
	return &negotiation.Offer{ID: id, State: negotiation.OfferCancelled}, nil
}

func (f *fakeAPI) ActivateContract(_ context.Context, id int64) (*negotiation.Contract, error) {
	return &negotiation.Contract{ID: id, State: negotiation.ContractActive}, nil
}

func (f *fakeAPI) CompleteContract(_ context.Context, id int64) (*negotiation.Contract, error) {
	return &negotiation.Contract{ID: id, State: negotiation.ContractCompleted}, nil
}

func (f *fakeAPI) CancelContract(_ context.Context, id int64) (*negotiation.Contract, error) {
	return &negotiation.Contract{ID: id, State: negotiation.ContractCancelled}, nil
}

func (f *fakeAPI) DisputeContract(_ context.Context, id int64) (*negotiation.Contract, error) {
	return &negotiation.Contract{ID: id, State: negotiation.ContractDisputed}, nil
}

func (f *fakeAPI) TerminateContract(_ context.Context, id int64) (*negotiation.Contract, error) {
	return &negotiation.Contract{ID: id, State: negotiation.ContractTerminated}, nil
}

func testIdentity() auth.Identity {
	return auth.Identity{UserID: myUserID, UserName: "ana", Role: "brand"}
}

func newTestEngine(t *testing.T) (*Engine, *fakeTransport, *fakeAPI) {
	t.Helper()
	transport := newFakeTransport()
	restAPI := newFakeAPI()
	eng := New(Config{
		Identity:  testIdentity(),
		API:       restAPI,
		Transport: transport,
		StateDir:  t.TempDir(),
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, transport, restAPI
}

// deliver pushes an event through the transport and waits until the apply
// loop has processed it; Publish runs after apply, so the subscription
// firing means the store already changed.
func deliver(t *testing.T, eng *Engine, transport *fakeTransport, event protocol.Event) {
	t.Helper()
	applied := make(chan struct{}, 1)
	sub := eng.Subscribe(event.EventName(), func(protocol.Event) {
		applied <- struct{}{}
	})
	defer sub.Cancel()

	transport.events <- event
	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s to apply", event.EventName())
	}
}

func TestSendTextIsTwoPhase(t *testing.T) {
	eng, _, restAPI := newTestEngine(t)

	message, err := eng.SendText(context.Background(), "R1", "hello")
	if err != nil {
		t.Fatalf("SendText() error: %v", err)
	}
	if message.ID != 101 {
		t.Errorf("canonical id = %d, want server-assigned", message.ID)
	}

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 1 || timeline[0].ID != 101 || !timeline[0].IsMine {
		t.Fatalf("timeline = %+v, want the canonical record marked mine", timeline)
	}

	// Failure inserts nothing; the input stays re-submittable.
	restAPI.mu.Lock()
	restAPI.sendErr = errors.New("413 payload too large")
	restAPI.mu.Unlock()
	if _, err := eng.SendText(context.Background(), "R1", "again"); err == nil {
		t.Fatal("SendText() should propagate the REST failure")
	}
	if got := len(eng.Store().Timeline("R1")); got != 1 {
		t.Errorf("timeline length after failed send = %d, want 1", got)
	}
}

func TestEchoOfOwnSendDeduplicates(t *testing.T) {
	eng, transport, _ := newTestEngine(t)

	message, err := eng.SendText(context.Background(), "R1", "hello")
	if err != nil {
		t.Fatal(err)
	}

	// The gateway fans our own message back at us.
	deliver(t, eng, transport, protocol.NewMessage{
		RoomID:    "R1",
		MessageID: message.ID,
		SenderID:  myUserID,
		Message:   "hello",
		Timestamp: message.CreatedAt.UnixMilli(),
	})

	if got := len(eng.Store().Timeline("R1")); got != 1 {
		t.Errorf("timeline length = %d, want the echo deduplicated to 1", got)
	}
}

func TestInboundMessageInActiveRoomTriggersReceipt(t *testing.T) {
	eng, transport, restAPI := newTestEngine(t)

	if err := eng.OpenRoom(context.Background(), "R1"); err != nil {
		t.Fatalf("OpenRoom() error: %v", err)
	}

	deliver(t, eng, transport, protocol.NewMessage{
		RoomID:    "R1",
		MessageID: 55,
		SenderID:  counterpartID,
		Message:   "are you there?",
		Timestamp: time.Now().UnixMilli(),
	})

	// The receipt goes out on a worker goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		restAPI.mu.Lock()
		batches := len(restAPI.readReqs)
		restAPI.mu.Unlock()
		if batches > 0 {
			if got := eng.Store().UnreadCount("R1"); got != 0 {
				t.Errorf("unread count = %d, want 0", got)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no mark-read batch reached the API")
}

func TestInboundMessageInBackgroundRoomStaysUnread(t *testing.T) {
	eng, transport, restAPI := newTestEngine(t)

	if err := eng.OpenRoom(context.Background(), "R1"); err != nil {
		t.Fatal(err)
	}

	deliver(t, eng, transport, protocol.NewMessage{
		RoomID:    "R2",
		MessageID: 56,
		SenderID:  counterpartID,
		Message:   "other room",
		Timestamp: time.Now().UnixMilli(),
	})

	if got := eng.Store().UnreadCount("R2"); got != 1 {
		t.Errorf("unread count in background room = %d, want 1", got)
	}
	restAPI.mu.Lock()
	batches := len(restAPI.readReqs)
	restAPI.mu.Unlock()
	if batches != 0 {
		t.Errorf("background message produced %d read batches, want 0", batches)
	}
}

func TestOfferEventEntersTimeline(t *testing.T) {
	eng, transport, _ := newTestEngine(t)

	offer := negotiation.Offer{
		ID:          7,
		RoomID:      "R1",
		Title:       "Campaign video",
		State:       negotiation.OfferPending,
		SenderID:    counterpartID,
		RecipientID: myUserID,
		ExpiresAt:   time.Now().Add(72 * time.Hour),
	}
	deliver(t, eng, transport, protocol.OfferEvent{
		Kind:      protocol.EventOfferCreated,
		RoomID:    "R1",
		Offer:     offer,
		SenderID:  counterpartID,
		Timestamp: time.Now().UnixMilli(),
	})

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 1 {
		t.Fatalf("timeline = %+v, want one offer message", timeline)
	}
	entry := timeline[0]
	if entry.Type != model.TypeOffer || entry.Offer == nil || entry.Offer.ID != 7 {
		t.Fatalf("entry = %+v", entry)
	}
	if entry.ID != offerMessageID(7) {
		t.Errorf("entry id = %d, want %d", entry.ID, offerMessageID(7))
	}

	// Re-delivery of the same offer event must not duplicate the entry.
	deliver(t, eng, transport, protocol.OfferEvent{
		Kind:      protocol.EventOfferCreated,
		RoomID:    "R1",
		Offer:     offer,
		SenderID:  counterpartID,
		Timestamp: time.Now().UnixMilli(),
	})
	if got := len(eng.Store().Timeline("R1")); got != 1 {
		t.Errorf("timeline length after re-delivery = %d, want 1", got)
	}
}

func TestOfferAcceptanceUpdatesTimelineEntry(t *testing.T) {
	eng, transport, _ := newTestEngine(t)

	offer := negotiation.Offer{
		ID:          7,
		RoomID:      "R1",
		Title:       "Campaign video",
		State:       negotiation.OfferPending,
		SenderID:    counterpartID,
		RecipientID: myUserID,
		ExpiresAt:   time.Now().Add(72 * time.Hour),
	}
	deliver(t, eng, transport, protocol.OfferEvent{
		Kind: protocol.EventOfferCreated, RoomID: "R1", Offer: offer,
		SenderID: counterpartID, Timestamp: time.Now().UnixMilli(),
	})

	accepted := offer
	accepted.State = negotiation.OfferAccepted
	accepted.Contract = &negotiation.Contract{ID: 107, OfferID: 7, State: negotiation.ContractPending}
	deliver(t, eng, transport, protocol.OfferEvent{
		Kind: protocol.EventOfferAccepted, RoomID: "R1", Offer: accepted,
		SenderID: myUserID, Timestamp: time.Now().UnixMilli(),
	})

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 1 || timeline[0].Offer.State != negotiation.OfferAccepted {
		t.Fatalf("timeline = %+v, want the entry updated in place", timeline)
	}

	// Contract activation flows into the same embedded offer.
	deliver(t, eng, transport, protocol.ContractEvent{
		Kind:     protocol.EventContractActivated,
		RoomID:   "R1",
		Contract: negotiation.Contract{ID: 107, OfferID: 7, State: negotiation.ContractActive},
	})
	timeline = eng.Store().Timeline("R1")
	if timeline[0].Offer.Contract == nil || timeline[0].Offer.Contract.State != negotiation.ContractActive {
		t.Errorf("embedded contract = %+v, want active", timeline[0].Offer.Contract)
	}
}

func TestOfferHistoryThenLiveEventStaysSingle(t *testing.T) {
	transport := newFakeTransport()
	restAPI := newFakeAPI()
	offer := negotiation.Offer{
		ID:          7,
		RoomID:      "R1",
		Title:       "Campaign video",
		State:       negotiation.OfferPending,
		SenderID:    counterpartID,
		RecipientID: myUserID,
		ExpiresAt:   time.Now().Add(72 * time.Hour),
	}
	restAPI.pages["R1"] = []model.Message{{
		ID:        500,
		SenderID:  counterpartID,
		Type:      model.TypeOffer,
		Body:      offer.Title,
		Offer:     &offer,
		CreatedAt: time.Now().Add(-time.Minute),
	}}
	eng := New(Config{
		Identity:  testIdentity(),
		API:       restAPI,
		Transport: transport,
		StateDir:  t.TempDir(),
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OpenRoom(context.Background(), "R1"); err != nil {
		t.Fatal(err)
	}

	// The live event for the same offer arrives after the history page.
	deliver(t, eng, transport, protocol.OfferEvent{
		Kind:      protocol.EventOfferCreated,
		RoomID:    "R1",
		Offer:     offer,
		SenderID:  counterpartID,
		Timestamp: time.Now().UnixMilli(),
	})

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 1 {
		ids := make([]int64, 0, len(timeline))
		for _, msg := range timeline {
			ids = append(ids, msg.ID)
		}
		t.Fatalf("offer 7 appears %d times in the timeline (ids: %v)", len(timeline), ids)
	}
	if timeline[0].ID != 500 {
		t.Errorf("entry id = %d, want the server-assigned 500", timeline[0].ID)
	}
}

func TestOfferAcceptReachesHistorySourcedEntry(t *testing.T) {
	transport := newFakeTransport()
	restAPI := newFakeAPI()
	offer := negotiation.Offer{
		ID:          7,
		RoomID:      "R1",
		Title:       "Campaign video",
		State:       negotiation.OfferPending,
		SenderID:    counterpartID,
		RecipientID: myUserID,
		ExpiresAt:   time.Now().Add(72 * time.Hour),
	}
	restAPI.pages["R1"] = []model.Message{{
		ID:        500,
		SenderID:  counterpartID,
		Type:      model.TypeOffer,
		Body:      offer.Title,
		Offer:     &offer,
		CreatedAt: time.Now().Add(-time.Minute),
	}}
	eng := New(Config{
		Identity:  testIdentity(),
		API:       restAPI,
		Transport: transport,
		StateDir:  t.TempDir(),
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OpenRoom(context.Background(), "R1"); err != nil {
		t.Fatal(err)
	}

	accepted := offer
	accepted.State = negotiation.OfferAccepted
	deliver(t, eng, transport, protocol.OfferEvent{
		Kind:      protocol.EventOfferAccepted,
		RoomID:    "R1",
		Offer:     accepted,
		SenderID:  myUserID,
		Timestamp: time.Now().UnixMilli(),
	})

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 1 {
		t.Fatalf("timeline = %+v, want one entry", timeline)
	}
	if got := timeline[0].Offer.State; got != negotiation.OfferAccepted {
		t.Errorf("timeline offer payload = %s, want accepted", got)
	}
}

func TestLiveOfferThenHistoryAdoptsServerID(t *testing.T) {
	transport := newFakeTransport()
	restAPI := newFakeAPI()
	eng := New(Config{
		Identity:  testIdentity(),
		API:       restAPI,
		Transport: transport,
		StateDir:  t.TempDir(),
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	offer := negotiation.Offer{
		ID:          7,
		RoomID:      "R1",
		Title:       "Campaign video",
		State:       negotiation.OfferPending,
		SenderID:    counterpartID,
		RecipientID: myUserID,
		ExpiresAt:   time.Now().Add(72 * time.Hour),
	}
	deliver(t, eng, transport, protocol.OfferEvent{
		Kind:      protocol.EventOfferCreated,
		RoomID:    "R1",
		Offer:     offer,
		SenderID:  counterpartID,
		Timestamp: time.Now().UnixMilli(),
	})

	// Reopening the room fetches the same offer with its real message id.
	restAPI.mu.Lock()
	restAPI.pages["R1"] = []model.Message{{
		ID:        500,
		SenderID:  counterpartID,
		Type:      model.TypeOffer,
		Body:      offer.Title,
		Offer:     &offer,
		CreatedAt: time.Now().Add(-time.Minute),
	}}
	restAPI.mu.Unlock()
	if err := eng.OpenRoom(context.Background(), "R1"); err != nil {
		t.Fatal(err)
	}

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 1 {
		t.Fatalf("timeline has %d entries for one offer", len(timeline))
	}
	if timeline[0].ID != 500 {
		t.Errorf("entry id = %d, want the placeholder upgraded to 500", timeline[0].ID)
	}
}

func TestRemoteTypingReachesCoordinator(t *testing.T) {
	eng, transport, _ := newTestEngine(t)

	deliver(t, eng, transport, protocol.UserTyping{RoomID: "R1", UserName: "bob", IsTyping: true})

	if names := eng.Typing().Names("R1"); len(names) != 1 || names[0] != "bob" {
		t.Errorf("Names() = %v, want [bob]", names)
	}

	deliver(t, eng, transport, protocol.UserTyping{RoomID: "R1", UserName: "bob", IsTyping: false})
	if names := eng.Typing().Names("R1"); len(names) != 0 {
		t.Errorf("Names() after stop = %v, want empty", names)
	}
}

func TestRemoteReadFlipsOwnMessages(t *testing.T) {
	eng, transport, _ := newTestEngine(t)

	message, err := eng.SendText(context.Background(), "R1", "seen yet?")
	if err != nil {
		t.Fatal(err)
	}

	deliver(t, eng, transport, protocol.MessagesRead{
		RoomID:     "R1",
		MessageIDs: []int64{message.ID},
		ReadBy:     counterpartID,
		Timestamp:  time.Now().UnixMilli(),
	})

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 1 || !timeline[0].Read {
		t.Errorf("own message read flag not flipped: %+v", timeline)
	}
}

func TestOpenRoomLoadsHistoryAndMarksRead(t *testing.T) {
	transport := newFakeTransport()
	restAPI := newFakeAPI()
	restAPI.pages["R1"] = []model.Message{
		{ID: 1, SenderID: counterpartID, Type: model.TypeText, Body: "hi", CreatedAt: time.Now().Add(-time.Minute)},
		{ID: 2, SenderID: myUserID, Type: model.TypeText, Body: "hey", CreatedAt: time.Now()},
	}
	eng := New(Config{
		Identity:  testIdentity(),
		API:       restAPI,
		Transport: transport,
		StateDir:  t.TempDir(),
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	if err := eng.OpenRoom(context.Background(), "R1"); err != nil {
		t.Fatalf("OpenRoom() error: %v", err)
	}

	timeline := eng.Store().Timeline("R1")
	if len(timeline) != 2 {
		t.Fatalf("timeline = %+v, want the fetched page", timeline)
	}
	if got := eng.Store().UnreadCount("R1"); got != 0 {
		t.Errorf("unread count after open = %d, want 0", got)
	}

	kinds := transport.sentKinds()
	joined := false
	for _, kind := range kinds {
		if kind == protocol.EventJoinRoom {
			joined = true
		}
	}
	if !joined {
		t.Errorf("sent frames %v, want a join_room", kinds)
	}
}

func TestPendingSelectionResumes(t *testing.T) {
	stateDir := t.TempDir()

	first := NewPendingSelection(stateDir)
	if err := first.Set("R9"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}

	transport := newFakeTransport()
	eng := New(Config{
		Identity:  testIdentity(),
		API:       newFakeAPI(),
		Transport: transport,
		StateDir:  stateDir,
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	// Connected state replays the join for the resumed room.
	eng.HandleConnectionState(connection.Connected)
	// The selection file is one-shot.
	if _, ok := eng.Pending().Consume(); ok {
		t.Error("pending selection survived consumption")
	}
}

func TestReconnectRejoinsRooms(t *testing.T) {
	eng, transport, _ := newTestEngine(t)

	if err := eng.OpenRoom(context.Background(), "R1"); err != nil {
		t.Fatal(err)
	}

	before := len(transport.sentKinds())
	eng.HandleConnectionState(connection.Connected)

	kinds := transport.sentKinds()[before:]
	rejoined := false
	for _, kind := range kinds {
		if kind == protocol.EventJoinRoom {
			rejoined = true
		}
	}
	if !rejoined {
		t.Errorf("frames after reconnect = %v, want join_room replayed", kinds)
	}
}

func TestCloseIsIdempotentAndStopsApply(t *testing.T) {
	eng, transport, _ := newTestEngine(t)

	var published int
	sub := eng.Subscribe(protocol.EventNewMessage, func(protocol.Event) { published++ })
	defer sub.Cancel()

	if err := eng.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}

	// Events after close must reach neither the store nor subscribers.
	select {
	case transport.events <- protocol.NewMessage{RoomID: "R1", MessageID: 1, SenderID: counterpartID}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(eng.Store().Timeline("R1")); got != 0 {
		t.Errorf("timeline after close = %d entries, want 0", got)
	}
	if published != 0 {
		t.Errorf("subscriber ran %d times after close, want 0", published)
	}
}
