package negotiation

import (
	"math"
	"time"
)

type OfferState string

const (
	OfferPending   OfferState = "pending"
	OfferAccepted  OfferState = "accepted"
	OfferRejected  OfferState = "rejected"
	OfferExpired   OfferState = "expired"
	OfferCancelled OfferState = "cancelled"
)

// Offer is a proposed paid engagement between the two room participants.
// The stored State only changes along the legal transition edges; anything
// display-related (expiry) is derived, never written back.
type Offer struct {
	ID           int64      `json:"id"`
	RoomID       string     `json:"room_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Amount       float64    `json:"amount"`
	DurationDays int        `json:"duration_days"`
	State        OfferState `json:"state"`
	SenderID     int64      `json:"sender_id"`
	RecipientID  int64      `json:"recipient_id"`
	ExpiresAt    time.Time  `json:"expires_at"`
	CreatedAt    time.Time  `json:"created_at"`
	Contract     *Contract  `json:"contract,omitempty"`
}

// OfferDraft is the payload for creating a new offer.
type OfferDraft struct {
	RoomID       string  `json:"room_id"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Amount       float64 `json:"amount"`
	DurationDays int     `json:"duration_days"`
}

func (s OfferState) Terminal() bool {
	switch s {
	case OfferAccepted, OfferRejected, OfferExpired, OfferCancelled:
		return true
	}
	return false
}

// DaysUntilExpiry is negative once the deadline has passed. Callers must
// treat a negative value as expired for every gating decision, even while
// the stored state still reads pending.
func (o *Offer) DaysUntilExpiry(now time.Time) int {
	return int(math.Floor(o.ExpiresAt.Sub(now).Hours() / 24))
}

// EffectiveState is what the UI shows. A pending offer whose deadline has
// passed displays as expired without any stored mutation; the backend flips
// the stored state lazily on its next read.
func (o *Offer) EffectiveState(now time.Time) OfferState {
	if o.State == OfferPending && now.After(o.ExpiresAt) {
		return OfferExpired
	}
	return o.State
}

// CanBeAccepted reports whether viewer may accept the offer right now.
// Only the recipient of a still-pending, unexpired offer may accept.
func (o *Offer) CanBeAccepted(viewerID int64, now time.Time) bool {
	return o.EffectiveState(now) == OfferPending && viewerID == o.RecipientID
}

func (o *Offer) CanBeRejected(viewerID int64, now time.Time) bool {
	return o.EffectiveState(now) == OfferPending && viewerID == o.RecipientID
}

// CanBeCancelled is the sender-side counterpart: only the party that made
// the offer may withdraw it, and only while it is still pending.
func (o *Offer) CanBeCancelled(viewerID int64, now time.Time) bool {
	return o.EffectiveState(now) == OfferPending && viewerID == o.SenderID
}

// legalOfferTransition reports whether an offer may move from one stored
// state to another. Every terminal state is a dead end.
func legalOfferTransition(from, to OfferState) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case OfferAccepted, OfferRejected, OfferExpired, OfferCancelled:
		return from == OfferPending
	case OfferPending:
		return from == OfferPending
	}
	return false
}
