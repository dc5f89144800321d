package negotiation

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// API is the slice of the REST collaborator the lifecycle dispatches
// mutations through. Every call returns the authoritative record.
type API interface {
	CreateOffer(ctx context.Context, draft OfferDraft) (*Offer, error)
	AcceptOffer(ctx context.Context, id int64) (*Offer, error)
	RejectOffer(ctx context.Context, id int64) (*Offer, error)
	CancelOffer(ctx context.Context, id int64) (*Offer, error)
	ActivateContract(ctx context.Context, id int64) (*Contract, error)
	CompleteContract(ctx context.Context, id int64) (*Contract, error)
	CancelContract(ctx context.Context, id int64) (*Contract, error)
	DisputeContract(ctx context.Context, id int64) (*Contract, error)
	TerminateContract(ctx context.Context, id int64) (*Contract, error)
}

// Lifecycle tracks the offers riding inside the chat stream and guards
// every mutation against the state machine before it reaches the wire.
//
// Client-side guard failures (stale capability flag, bad id) are logged and
// swallowed: they mean the UI rendered from stale state, not that the user
// did anything wrong. Backend rejections are returned to the caller.
type Lifecycle struct {
	mu     sync.Mutex
	api    API
	userID int64
	offers map[int64]*Offer
	// expiredSeen keeps the sweeper from announcing the same offer twice.
	expiredSeen map[int64]bool
	now         func() time.Time
}

func NewLifecycle(api API, userID int64) *Lifecycle {
	return &Lifecycle{
		api:         api,
		userID:      userID,
		offers:      make(map[int64]*Offer),
		expiredSeen: make(map[int64]bool),
		now:         time.Now,
	}
}

// Track registers an offer seen in the message stream (history fetch or
// live event). The incoming record is authoritative unless applying it
// would walk an illegal edge from the already-known state.
func (l *Lifecycle) Track(offer Offer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trackLocked(offer)
}

func (l *Lifecycle) trackLocked(offer Offer) {
	known, ok := l.offers[offer.ID]
	if !ok {
		copied := offer
		l.offers[offer.ID] = &copied
		return
	}
	if known.State != offer.State && !legalOfferTransition(known.State, offer.State) {
		log.Printf("[OFFER] Ignoring illegal remote transition for offer %d: %s -> %s",
			offer.ID, known.State, offer.State)
		return
	}
	copied := offer
	l.offers[offer.ID] = &copied
	if offer.State != OfferPending {
		delete(l.expiredSeen, offer.ID)
	}
}

// Get returns a copy of the tracked offer, or false if unknown.
func (l *Lifecycle) Get(id int64) (Offer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.offers[id]
	if !ok {
		return Offer{}, false
	}
	return *o, true
}

// Create submits a new offer and tracks the canonical record.
func (l *Lifecycle) Create(ctx context.Context, draft OfferDraft) (*Offer, error) {
	offer, err := l.api.CreateOffer(ctx, draft)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	l.Track(*offer)
	return offer, nil
}

// Accept moves a pending offer to accepted. Only the recipient may call it
// and only while the offer is effectively pending.
func (l *Lifecycle) Accept(ctx context.Context, id int64) (*Offer, error) {
	return l.offerAction(ctx, id, "accept", func(o *Offer, now time.Time) bool {
		return o.CanBeAccepted(l.userID, now)
	}, l.api.AcceptOffer)
}

func (l *Lifecycle) Reject(ctx context.Context, id int64) (*Offer, error) {
	return l.offerAction(ctx, id, "reject", func(o *Offer, now time.Time) bool {
		return o.CanBeRejected(l.userID, now)
	}, l.api.RejectOffer)
}

func (l *Lifecycle) Cancel(ctx context.Context, id int64) (*Offer, error) {
	return l.offerAction(ctx, id, "cancel", func(o *Offer, now time.Time) bool {
		return o.CanBeCancelled(l.userID, now)
	}, l.api.CancelOffer)
}

func (l *Lifecycle) offerAction(ctx context.Context, id int64, action string,
	allowed func(*Offer, time.Time) bool, call func(context.Context, int64) (*Offer, error)) (*Offer, error) {

	if id <= 0 {
		log.Printf("[OFFER] Dropping %s for invalid offer id %d", action, id)
		return nil, nil
	}

	l.mu.Lock()
	known, ok := l.offers[id]
	if ok && !allowed(known, l.now()) {
		state := known.EffectiveState(l.now())
		l.mu.Unlock()
		log.Printf("[OFFER] Dropping %s for offer %d: not permitted in state %s (stale render)", action, id, state)
		return nil, nil
	}
	l.mu.Unlock()

	offer, err := call(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s offer %d: %w", action, id, err)
	}
	l.Track(*offer)
	return offer, nil
}

// Activate moves an accepted offer's pending contract to active.
func (l *Lifecycle) Activate(ctx context.Context, contractID int64) (*Contract, error) {
	return l.contractAction(ctx, contractID, "activate", func(c *Contract, _ time.Time) bool {
		return legalContractTransition(c.State, ContractActive)
	}, l.api.ActivateContract)
}

// Complete finishes an active contract near its expected end date.
func (l *Lifecycle) Complete(ctx context.Context, contractID int64) (*Contract, error) {
	return l.contractAction(ctx, contractID, "complete", func(c *Contract, now time.Time) bool {
		return c.CanBeCompleted(now)
	}, l.api.CompleteContract)
}

func (l *Lifecycle) CancelContract(ctx context.Context, contractID int64) (*Contract, error) {
	return l.contractAction(ctx, contractID, "cancel", func(c *Contract, _ time.Time) bool {
		return legalContractTransition(c.State, ContractCancelled)
	}, l.api.CancelContract)
}

func (l *Lifecycle) Dispute(ctx context.Context, contractID int64) (*Contract, error) {
	return l.contractAction(ctx, contractID, "dispute", func(c *Contract, _ time.Time) bool {
		return legalContractTransition(c.State, ContractDisputed)
	}, l.api.DisputeContract)
}

func (l *Lifecycle) Terminate(ctx context.Context, contractID int64) (*Contract, error) {
	return l.contractAction(ctx, contractID, "terminate", func(c *Contract, _ time.Time) bool {
		return legalContractTransition(c.State, ContractTerminated)
	}, l.api.TerminateContract)
}

func (l *Lifecycle) contractAction(ctx context.Context, id int64, action string,
	allowed func(*Contract, time.Time) bool, call func(context.Context, int64) (*Contract, error)) (*Contract, error) {

	if id <= 0 {
		log.Printf("[CONTRACT] Dropping %s for invalid contract id %d", action, id)
		return nil, nil
	}

	l.mu.Lock()
	if known := l.contractLocked(id); known != nil && !allowed(known, l.now()) {
		state := known.State
		l.mu.Unlock()
		log.Printf("[CONTRACT] Dropping %s for contract %d: not permitted in state %s (stale render)", action, id, state)
		return nil, nil
	}
	l.mu.Unlock()

	contract, err := call(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s contract %d: %w", action, id, err)
	}
	l.ApplyContract(*contract)
	return contract, nil
}

func (l *Lifecycle) contractLocked(contractID int64) *Contract {
	for _, o := range l.offers {
		if o.Contract != nil && o.Contract.ID == contractID {
			return o.Contract
		}
	}
	return nil
}

// ApplyContract merges an authoritative contract record (REST response or
// contract_* transport event) into its tracked offer.
func (l *Lifecycle) ApplyContract(contract Contract) {
	l.mu.Lock()
	defer l.mu.Unlock()
	offer, ok := l.offers[contract.OfferID]
	if !ok {
		log.Printf("[CONTRACT] Contract %d references unknown offer %d, ignoring", contract.ID, contract.OfferID)
		return
	}
	if offer.Contract != nil && offer.Contract.State != contract.State &&
		!legalContractTransition(offer.Contract.State, contract.State) {
		log.Printf("[CONTRACT] Ignoring illegal remote transition for contract %d: %s -> %s",
			contract.ID, offer.Contract.State, contract.State)
		return
	}
	copied := contract
	offer.Contract = &copied
}

// SweepExpired returns pending offers whose deadline has passed and that
// have not been reported before. The stored state is left untouched; the
// backend performs the real transition on its next read.
func (l *Lifecycle) SweepExpired(now time.Time) []Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []Offer
	for id, o := range l.offers {
		if o.State != OfferPending || l.expiredSeen[id] {
			continue
		}
		if now.After(o.ExpiresAt) {
			l.expiredSeen[id] = true
			expired = append(expired, *o)
		}
	}
	return expired
}
