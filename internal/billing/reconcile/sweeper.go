package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultSweepInterval = 1 * time.Hour

// Sweeper periodically re-reconciles subscriptions whose cached billing
// period has lapsed, so a missed webhook cannot permanently starve an
// account of its cycle grant. The cycle reference keys make overlapping
// invocations harmless.
type Sweeper struct {
	reconciler *Reconciler
	interval   time.Duration
}

// NewSweeper creates a Sweeper. interval <= 0 falls back to the default.
func NewSweeper(reconciler *Reconciler, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{reconciler: reconciler, interval: interval}
}

// Run starts the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Cycle sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cycle sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all due subscriptions.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.reconciler.now().UTC()
	due, err := s.reconciler.store.SubscriptionsDue(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Sweep: failed to list due subscriptions")
		return
	}

	for _, sub := range due {
		if ctx.Err() != nil {
			return
		}
		if sub == nil {
			continue
		}
		if _, err := s.reconciler.SyncUser(ctx, sub.UserID, ""); err != nil {
			log.Error().Err(err).Str("user_id", sub.UserID).Msg("Sweep: reconcile failed")
		}
	}
}
