package tasks

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"marketchat/internal/negotiation"
)

// ExpirySweeper periodically re-derives the effective state of tracked
// offers so accept/reject gating updates without a server round-trip.
// Stored offer state is never mutated here; the backend flips it lazily.
type ExpirySweeper struct {
	lifecycle *negotiation.Lifecycle
	notify    func(negotiation.Offer)
	cron      *cron.Cron
}

func NewExpirySweeper(lifecycle *negotiation.Lifecycle, notify func(negotiation.Offer)) *ExpirySweeper {
	return &ExpirySweeper{
		lifecycle: lifecycle,
		notify:    notify,
		cron:      cron.New(),
	}
}

func (s *ExpirySweeper) Start() {
	_, err := s.cron.AddFunc("@every 1m", func() {
		expired := s.lifecycle.SweepExpired(time.Now())
		for _, offer := range expired {
			log.Printf("[WORKER] Offer %d passed its deadline, notifying UI", offer.ID)
			if s.notify != nil {
				s.notify(offer)
			}
		}
	})
	if err != nil {
		log.Printf("[WORKER] Error scheduling expiry sweep: %v", err)
		return
	}
	s.cron.Start()
}

// Stop halts the schedule; a sweep already running finishes first.
func (s *ExpirySweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
