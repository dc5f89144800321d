// Package engine composes the chat synchronization core: one connection
// manager, the room session, the message store, typing, read receipts and
// the negotiation lifecycle, glued by a single apply loop that consumes
// transport events sequentially.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"marketchat/internal/api"
	"marketchat/internal/auth"
	"marketchat/internal/connection"
	"marketchat/internal/dispatch"
	"marketchat/internal/model"
	"marketchat/internal/negotiation"
	"marketchat/internal/protocol"
	"marketchat/internal/receipts"
	"marketchat/internal/room"
	"marketchat/internal/store"
	"marketchat/internal/tasks"
	"marketchat/internal/typing"
)

// Transport is the slice of the connection manager the engine drives.
// *connection.Manager implements it; tests substitute an in-memory fake.
type Transport interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close() error
	State() connection.State
	Send(event string, payload any) error
	Events() <-chan protocol.Event
}

// API is the REST collaborator surface the engine consumes.
type API interface {
	negotiation.API
	ListRooms(ctx context.Context) ([]model.Room, error)
	RoomMessages(ctx context.Context, roomID string, before time.Time, limit int) (*api.MessagePage, error)
	SendMessage(ctx context.Context, roomID string, request api.SendMessageRequest) (*model.Message, error)
	MarkRead(ctx context.Context, roomID string, ids []int64) error
}

type Config struct {
	Identity  auth.Identity
	API       API
	Transport Transport
	StateDir  string
}

type Engine struct {
	identity auth.Identity
	api      API
	conn     Transport

	registry *dispatch.Registry
	store    *store.Store
	rooms    *room.Session
	typing   *typing.Coordinator
	receipts *receipts.Tracker
	offers   *negotiation.Lifecycle
	sweeper  *tasks.ExpirySweeper
	pending  *PendingSelection

	mu         sync.Mutex
	activeRoom string

	connState atomic.Int32
	onState   func(connection.State)

	// alive short-circuits state writes from completions that land after
	// Close; a navigated-away engine must not mutate anything.
	alive     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func New(cfg Config) *Engine {
	e := &Engine{
		identity: cfg.Identity,
		api:      cfg.API,
		conn:     cfg.Transport,
		registry: dispatch.NewRegistry(),
		store:    store.New(cfg.Identity.UserID),
		pending:  NewPendingSelection(cfg.StateDir),
		done:     make(chan struct{}),
	}
	e.rooms = room.NewSession(cfg.Transport)
	e.typing = typing.NewCoordinator(cfg.Transport, cfg.Identity)
	e.receipts = receipts.NewTracker(cfg.API, cfg.Transport, e.store, cfg.Identity.UserID)
	e.offers = negotiation.NewLifecycle(cfg.API, cfg.Identity.UserID)
	e.sweeper = tasks.NewExpirySweeper(e.offers, func(offer negotiation.Offer) {
		// Re-publish as an offer event so gating in subscribed surfaces
		// refreshes; stored state stays pending until the backend flips it.
		e.registry.Publish(protocol.OfferEvent{
			Kind:   protocol.EventOfferCreated,
			RoomID: offer.RoomID,
			Offer:  offer,
		})
	})
	e.alive.Store(true)
	return e
}

// Start launches the apply loop and the expiry sweeper, resumes a pending
// room selection, and connects the transport.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.run()
	e.sweeper.Start()

	if roomID, ok := e.pending.Consume(); ok {
		log.Printf("[ENGINE] Resuming pending room selection %s", roomID)
		e.mu.Lock()
		e.activeRoom = roomID
		e.mu.Unlock()
		e.typing.SetActiveRoom(roomID)
	}

	return e.conn.Connect(ctx)
}

// HandleConnectionState reacts to transport lifecycle changes; the
// composition wires it into the manager's OnState hook.
func (e *Engine) HandleConnectionState(s connection.State) {
	e.connState.Store(int32(s))
	if s == connection.Connected {
		e.rooms.RejoinAll()
		e.mu.Lock()
		active := e.activeRoom
		e.mu.Unlock()
		if active != "" {
			e.rooms.Join(active)
		}
	}
	if e.onState != nil {
		e.onState(s)
	}
}

// SetStateListener registers the single UI hook for connection state.
// Call before Start.
func (e *Engine) SetStateListener(fn func(connection.State)) {
	e.onState = fn
}

func (e *Engine) ConnectionState() connection.State {
	return connection.State(e.connState.Load())
}

// Subscribe registers a handler for one transport event kind; the caller
// must cancel the returned subscription on teardown.
func (e *Engine) Subscribe(event string, fn dispatch.Handler) *dispatch.Subscription {
	return e.registry.Subscribe(event, fn)
}

func (e *Engine) Store() *store.Store            { return e.store }
func (e *Engine) Typing() *typing.Coordinator    { return e.typing }
func (e *Engine) Offers() *negotiation.Lifecycle { return e.offers }
func (e *Engine) Pending() *PendingSelection     { return e.pending }

// RefreshRooms fetches the room list into the store.
func (e *Engine) RefreshRooms(ctx context.Context) error {
	rooms, err := e.api.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("refresh rooms: %w", err)
	}
	if !e.alive.Load() {
		return nil
	}
	e.store.PutRooms(rooms)
	return nil
}

// OpenRoom makes the room active: joins it, clears cross-room typing
// state, pulls the newest history page and marks visible messages read.
func (e *Engine) OpenRoom(ctx context.Context, roomID string) error {
	e.mu.Lock()
	e.activeRoom = roomID
	e.mu.Unlock()

	e.typing.SetActiveRoom(roomID)
	e.rooms.Join(roomID)

	if err := e.LoadMessages(ctx, roomID, time.Time{}); err != nil {
		return err
	}
	if err := e.receipts.MarkVisible(ctx, roomID); err != nil {
		log.Printf("[ENGINE] Mark visible for room %s failed: %v", roomID, err)
	}
	return nil
}

// CloseRoom deactivates the room without leaving it on the gateway, so
// unread counters keep updating in the background.
func (e *Engine) CloseRoom(roomID string) {
	e.mu.Lock()
	if e.activeRoom == roomID {
		e.activeRoom = ""
	}
	e.mu.Unlock()
	e.typing.SetActiveRoom("")
}

// LeaveRoom drops gateway membership entirely.
func (e *Engine) LeaveRoom(roomID string) {
	e.CloseRoom(roomID)
	e.rooms.Leave(roomID)
}

// LoadMessages merges one history page into the store. A zero before
// fetches the newest page.
func (e *Engine) LoadMessages(ctx context.Context, roomID string, before time.Time) error {
	page, err := e.api.RoomMessages(ctx, roomID, before, 0)
	if err != nil {
		return fmt.Errorf("load messages for room %s: %w", roomID, err)
	}
	if !e.alive.Load() {
		return nil
	}
	e.store.MergeFetched(roomID, page.Messages)
	for _, msg := range page.Messages {
		if msg.Offer == nil {
			continue
		}
		e.offers.Track(*msg.Offer)
		// The tracked copy is authoritative: a live event may have moved
		// the offer past the state this page was rendered from.
		if tracked, ok := e.offers.Get(msg.Offer.ID); ok {
			e.store.UpdateOffer(roomID, tracked)
		}
	}
	return nil
}

// SendText submits a text message. Strict two-phase: the caller suspends
// on the REST call, and only the canonical server record enters the
// store. On error nothing is inserted, so the input stays re-submittable.
func (e *Engine) SendText(ctx context.Context, roomID, body string) (*model.Message, error) {
	return e.send(ctx, roomID, api.SendMessageRequest{Body: body, Type: model.TypeText})
}

// SendFile submits a file message using the descriptor returned by the
// upload collaborator.
func (e *Engine) SendFile(ctx context.Context, roomID string, file model.FileData) (*model.Message, error) {
	kind := model.TypeFile
	if strings.HasPrefix(file.Mime, "image/") {
		kind = model.TypeImage
	}
	return e.send(ctx, roomID, api.SendMessageRequest{Type: kind, File: &file})
}

func (e *Engine) send(ctx context.Context, roomID string, request api.SendMessageRequest) (*model.Message, error) {
	message, err := e.api.SendMessage(ctx, roomID, request)
	if err != nil {
		return nil, err
	}
	e.typing.MessageSent()
	if !e.alive.Load() {
		return message, nil
	}
	e.store.Insert(roomID, *message)
	return message, nil
}

// Keystroke forwards local typing activity for the active room.
func (e *Engine) Keystroke(roomID string) {
	e.typing.Keystroke(roomID)
}

// Reconnect is the manual recovery affordance behind the offline banner.
func (e *Engine) Reconnect(ctx context.Context) error {
	return e.conn.Reconnect(ctx)
}

// Close tears everything down exactly once: typing stop goes out first,
// then timers and the socket. Safe to call multiple times.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.alive.Store(false)
		e.typing.Close()
		e.sweeper.Stop()
		e.conn.Close()
		close(e.done)
	})
	e.wg.Wait()
	return nil
}

// run is the single consumer of transport events. Ordering within the
// loop is the ordering every component observes.
func (e *Engine) run() {
	defer e.wg.Done()
	for {
		select {
		case event, ok := <-e.conn.Events():
			if !ok {
				return
			}
			if !e.alive.Load() {
				return
			}
			e.apply(event)
			e.registry.Publish(event)
		case <-e.done:
			return
		}
	}
}

func (e *Engine) apply(event protocol.Event) {
	if !e.alive.Load() {
		return
	}
	switch ev := event.(type) {
	case protocol.NewMessage:
		e.applyNewMessage(ev)
	case protocol.UserTyping:
		e.typing.HandleRemote(ev)
	case protocol.MessagesRead:
		e.receipts.HandleRemote(ev)
	case protocol.OfferEvent:
		e.applyOffer(ev)
	case protocol.ContractEvent:
		e.applyContract(ev)
	default:
		log.Printf("[ENGINE] No handler for event %s", event.EventName())
	}
}

func (e *Engine) applyNewMessage(ev protocol.NewMessage) {
	message := model.Message{
		ID:           ev.MessageID,
		RoomID:       ev.RoomID,
		SenderID:     ev.SenderID,
		SenderName:   ev.SenderName,
		SenderAvatar: ev.SenderAvatar,
		Type:         messageType(ev.MessageType),
		Body:         ev.Message,
		File:         ev.FileData,
		CreatedAt:    time.UnixMilli(ev.Timestamp),
	}
	if !e.store.Insert(ev.RoomID, message) {
		return
	}

	e.mu.Lock()
	active := e.activeRoom
	e.mu.Unlock()
	if active == ev.RoomID && ev.SenderID != e.identity.UserID {
		// The room is on screen; mark it read right away so the sender's
		// receipt arrives without waiting for a refetch.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if !e.alive.Load() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.receipts.MarkVisible(ctx, ev.RoomID); err != nil {
				log.Printf("[ENGINE] Mark visible for room %s failed: %v", ev.RoomID, err)
			}
		}()
	}
}

// offerMessageID derives a placeholder timeline id for an offer's embedded
// message when the live event arrives before the history page that carries
// the server-assigned id. The negative mapping keeps placeholders from
// colliding with real message ids; the store swaps in the server id once a
// fetched copy of the same offer lands.
func offerMessageID(offerID int64) int64 {
	return -offerID
}

func (e *Engine) applyOffer(ev protocol.OfferEvent) {
	e.offers.Track(ev.Offer)

	tracked, ok := e.offers.Get(ev.Offer.ID)
	if !ok {
		tracked = ev.Offer
	}

	if ev.Kind == protocol.EventOfferCreated {
		offer := tracked
		// Insert dedups by offer id, so a history page that already
		// carried this offer leaves exactly one entry.
		e.store.Insert(ev.RoomID, model.Message{
			ID:        offerMessageID(ev.Offer.ID),
			RoomID:    ev.RoomID,
			SenderID:  ev.SenderID,
			Type:      model.TypeOffer,
			Body:      offer.Title,
			Offer:     &offer,
			CreatedAt: time.UnixMilli(ev.Timestamp),
		})
	}
	e.store.UpdateOffer(ev.RoomID, tracked)
}

func (e *Engine) applyContract(ev protocol.ContractEvent) {
	e.offers.ApplyContract(ev.Contract)
	if tracked, ok := e.offers.Get(ev.Contract.OfferID); ok && tracked.RoomID != "" {
		e.store.UpdateOffer(tracked.RoomID, tracked)
	}
}

func messageType(raw string) model.MessageType {
	switch model.MessageType(raw) {
	case model.TypeText, model.TypeFile, model.TypeImage, model.TypeOffer, model.TypeSystem:
		return model.MessageType(raw)
	}
	return model.TypeText
}
