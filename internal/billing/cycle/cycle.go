// Package cycle enforces monthly credit reset boundaries: exactly one
// monthly grant per subscription billing period.
package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/bmetrics"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/catalog"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledger"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
)

// FreeCycleLength is the rolling period length for users without a provider
// subscription. Paid periods always come from the provider.
const FreeCycleLength = 30 * 24 * time.Hour

// Manager drives per-cycle credit grants through the spend/grant engine.
// Grants are keyed on a reference that uniquely identifies the cycle, so a
// cycle can never be double-granted no matter how many times the manager is
// invoked for it.
type Manager struct {
	store   *ledgerstore.Store
	engine  *ledger.Engine
	catalog *catalog.Catalog
}

// NewManager creates a Manager.
func NewManager(store *ledgerstore.Store, engine *ledger.Engine, cat *catalog.Catalog) *Manager {
	return &Manager{store: store, engine: engine, catalog: cat}
}

// Reference returns the reference string identifying sub's current cycle.
// It doubles as the grant's idempotency key.
func Reference(sub *ledgerstore.Subscription) string {
	id := sub.ProviderSubscriptionID
	if id == "" {
		id = "free:" + sub.UserID
	}
	return fmt.Sprintf("cycle:%s:%d", id, sub.CurrentPeriodStart.Unix())
}

// EnsureGranted applies the plan's monthly grant for sub's current period if
// it has not been applied yet, and records the cycle bounds on the account.
// Safe to call any number of times per cycle, from the reconciler and the
// sweeper alike.
func (m *Manager) EnsureGranted(ctx context.Context, sub *ledgerstore.Subscription) (*ledger.Outcome, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscription is nil")
	}

	plan, ok := m.catalog.Plan(sub.PlanSlug)
	if !ok {
		log.Warn().
			Str("user_id", sub.UserID).
			Str("plan_slug", sub.PlanSlug).
			Msg("Cycle grant skipped: plan not in catalog")
		return nil, nil
	}

	if err := m.store.SetCycle(ctx, sub.UserID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
		return nil, err
	}

	// past_due, canceled, and incomplete subscriptions keep whatever credits
	// they have, but do not accrue new cycle grants.
	if sub.Status != ledgerstore.SubStatusActive {
		return nil, nil
	}
	if plan.MonthlyCreditGrant <= 0 {
		return nil, nil
	}

	ref := Reference(sub)
	// A cycle is funded at most once, even if the plan changed since the
	// grant: mid-cycle plan changes settle through TopUp, never a second
	// full grant.
	if existing, err := m.store.EntryByIdempotencyKey(ctx, ref); err != nil {
		return nil, err
	} else if existing != nil {
		return &ledger.Outcome{
			Applied:  true,
			Replayed: true,
			Balance:  existing.BalanceAfter,
			EntryID:  existing.EntryID,
		}, nil
	}

	out, err := m.engine.Grant(ctx, sub.UserID, plan.MonthlyCreditGrant, ledgerstore.ReasonMonthlyGrant, ref, ref)
	if err != nil {
		return nil, fmt.Errorf("cycle grant for %q: %w", sub.UserID, err)
	}
	if out.Applied && !out.Replayed {
		bmetrics.CycleGrantsTotal.WithLabelValues(plan.Slug).Inc()
		log.Info().
			Str("user_id", sub.UserID).
			Str("plan_slug", plan.Slug).
			Int64("amount", plan.MonthlyCreditGrant).
			Str("reference", ref).
			Msg("Monthly credit grant applied")
	}
	return out, nil
}

// TopUp applies the plan-change adjustment for a mid-cycle upgrade: the
// difference between the new and old plan's monthly grant, keyed on the
// change so it applies at most once. Downgrades never reclaim credits, so a
// non-positive difference is a no-op.
func (m *Manager) TopUp(ctx context.Context, sub *ledgerstore.Subscription, previousPlanSlug string) (*ledger.Outcome, error) {
	if sub == nil {
		return nil, fmt.Errorf("subscription is nil")
	}
	if sub.Status != ledgerstore.SubStatusActive {
		return nil, nil
	}

	newPlan, ok := m.catalog.Plan(sub.PlanSlug)
	if !ok {
		return nil, nil
	}
	oldPlan, ok := m.catalog.Plan(previousPlanSlug)
	if !ok {
		return nil, nil
	}
	diff := newPlan.MonthlyCreditGrant - oldPlan.MonthlyCreditGrant
	if diff <= 0 {
		return nil, nil
	}

	id := sub.ProviderSubscriptionID
	if id == "" {
		id = "free:" + sub.UserID
	}
	ref := fmt.Sprintf("plan-change:%s:%d:%s", id, sub.CurrentPeriodStart.Unix(), newPlan.Slug)
	out, err := m.engine.Grant(ctx, sub.UserID, diff, ledgerstore.ReasonPlanChangeAdjustment, ref, ref)
	if err != nil {
		return nil, fmt.Errorf("plan change top-up for %q: %w", sub.UserID, err)
	}
	if out.Applied && !out.Replayed {
		log.Info().
			Str("user_id", sub.UserID).
			Str("from_plan", oldPlan.Slug).
			Str("to_plan", newPlan.Slug).
			Int64("amount", diff).
			Msg("Plan change top-up applied")
	}
	return out, nil
}

// FreePeriod returns the free-plan cycle containing now, advancing from the
// previous cached period in whole cycle steps so the anchor is preserved.
func FreePeriod(prev *ledgerstore.Subscription, now time.Time) (start, end time.Time) {
	now = now.UTC()
	if prev == nil || prev.CurrentPeriodEnd.IsZero() || prev.CurrentPeriodEnd.Unix() <= 0 {
		return now, now.Add(FreeCycleLength)
	}
	start, end = prev.CurrentPeriodStart.UTC(), prev.CurrentPeriodEnd.UTC()
	for !now.Before(end) {
		start = end
		end = end.Add(FreeCycleLength)
	}
	return start, end
}
