// Package reconcile merges authoritative billing-provider state into the
// locally cached subscription and drives cycle grants on meaningful change.
// Both the webhook push path and the on-demand pull path funnel into the
// same merge routine, so the two can never diverge in behavior.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/bmetrics"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/catalog"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/cycle"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
)

// Reconciler owns the cached Subscription rows. Provider state always wins:
// the cache is fully overwritten on every reconciliation, never merged
// field-by-field.
type Reconciler struct {
	store    *ledgerstore.Store
	catalog  *catalog.Catalog
	cycles   *cycle.Manager
	provider Provider // nil when no provider is configured

	now func() time.Time
}

// New creates a Reconciler. provider may be nil, in which case pull
// reconciliation serves the cached state as-is (availability over
// freshness).
func New(store *ledgerstore.Store, cat *catalog.Catalog, cycles *cycle.Manager, provider Provider) *Reconciler {
	return &Reconciler{
		store:    store,
		catalog:  cat,
		cycles:   cycles,
		provider: provider,
		now:      time.Now,
	}
}

// MapProviderStatus converts a raw provider subscription status to the
// local status enum. Unknown statuses fail closed to past_due: entitlements
// already granted are kept, but no new grants accrue.
func MapProviderStatus(status string) ledgerstore.SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return ledgerstore.SubStatusActive
	case "past_due", "unpaid", "paused":
		return ledgerstore.SubStatusPastDue
	case "canceled", "incomplete_expired":
		return ledgerstore.SubStatusCanceled
	case "incomplete":
		return ledgerstore.SubStatusIncomplete
	default:
		return ledgerstore.SubStatusPastDue
	}
}

// ApplySnapshot is the single merge routine. A nil snapshot, or one without
// a subscription, maps the user to the default free plan. The cycle manager
// runs on every merge; last_synced_at is always refreshed.
func (r *Reconciler) ApplySnapshot(ctx context.Context, userID string, snap *Snapshot) (*ledgerstore.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	now := r.now().UTC()

	prev, err := r.store.SubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	next := r.nextSubscription(userID, prev, snap, now)
	next.LastSyncedAt = now
	if prev != nil {
		next.CreatedAt = prev.CreatedAt
	}

	planChanged := prev == nil || prev.PlanSlug != next.PlanSlug
	periodChanged := prev == nil || !prev.CurrentPeriodEnd.Equal(next.CurrentPeriodEnd)

	if err := r.store.UpsertSubscription(ctx, next); err != nil {
		return nil, err
	}

	// The grant runs on every merge, not just on plan or period change: a
	// status-only transition (incomplete becoming active once payment
	// settles) still funds the period, and a grant that failed after the
	// subscription upsert gets retried on the next delivery. The cycle
	// reference keys it, so repeats are no-ops.
	if _, err := r.cycles.EnsureGranted(ctx, next); err != nil {
		return nil, err
	}
	// Mid-cycle upgrade: same period start, richer plan. The next full
	// cycle boundary handles everything else.
	if prev != nil && planChanged &&
		prev.CurrentPeriodStart.Equal(next.CurrentPeriodStart) {
		if _, err := r.cycles.TopUp(ctx, next, prev.PlanSlug); err != nil {
			return nil, err
		}
	}

	if planChanged || periodChanged {
		log.Info().
			Str("user_id", userID).
			Str("plan_slug", next.PlanSlug).
			Str("status", string(next.Status)).
			Time("period_end", next.CurrentPeriodEnd).
			Bool("plan_changed", planChanged).
			Bool("period_changed", periodChanged).
			Msg("Subscription reconciled")
	}
	return next, nil
}

// nextSubscription builds the overwrite row from provider truth.
func (r *Reconciler) nextSubscription(userID string, prev *ledgerstore.Subscription, snap *Snapshot, now time.Time) *ledgerstore.Subscription {
	if snap == nil || strings.TrimSpace(snap.SubscriptionID) == "" {
		// No live provider subscription: default free plan on a rolling
		// local cycle. Customer linkage survives so later webhooks still
		// resolve the user.
		freePrev := prev
		if prev != nil && prev.PlanSlug != catalog.FreePlanSlug {
			freePrev = nil
		}
		start, end := cycle.FreePeriod(freePrev, now)
		next := &ledgerstore.Subscription{
			UserID:             userID,
			PlanSlug:           catalog.FreePlanSlug,
			Status:             ledgerstore.SubStatusActive,
			CurrentPeriodStart: start,
			CurrentPeriodEnd:   end,
		}
		if snap != nil {
			next.ProviderCustomerID = snap.CustomerID
		} else if prev != nil {
			next.ProviderCustomerID = prev.ProviderCustomerID
		}
		return next
	}

	planSlug := r.planSlugForPrice(userID, prev, snap.PriceID)
	return &ledgerstore.Subscription{
		UserID:                 userID,
		PlanSlug:               planSlug,
		Status:                 MapProviderStatus(snap.Status),
		CurrentPeriodStart:     snap.PeriodStart.UTC(),
		CurrentPeriodEnd:       snap.PeriodEnd.UTC(),
		ProviderCustomerID:     snap.CustomerID,
		ProviderSubscriptionID: snap.SubscriptionID,
	}
}

func (r *Reconciler) planSlugForPrice(userID string, prev *ledgerstore.Subscription, priceID string) string {
	if plan, ok := r.catalog.PlanByProviderPrice(priceID); ok {
		return plan.Slug
	}
	log.Warn().
		Str("user_id", userID).
		Str("price_id", priceID).
		Msg("Provider price not in plan catalog")
	if prev != nil && prev.PlanSlug != "" {
		return prev.PlanSlug
	}
	return catalog.FreePlanSlug
}

// SyncUser is the pull path: look up provider truth for one user and merge
// it, returning the merged row. When the provider is unreachable or not
// configured, the cached row is served unchanged — users keep their
// entitlements through a provider outage.
func (r *Reconciler) SyncUser(ctx context.Context, userID, email string) (*ledgerstore.Subscription, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	prev, err := r.store.SubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if r.provider == nil {
		// Paid state cannot be refreshed without a provider, but free-plan
		// rolling cycles are purely local and still advance.
		if prev != nil && prev.PlanSlug != catalog.FreePlanSlug {
			return prev, nil
		}
		sub, err := r.ApplySnapshot(ctx, userID, nil)
		r.observe("pull", err)
		return sub, err
	}

	snap, lookupErr := r.lookupSnapshot(ctx, prev, email)
	if lookupErr != nil {
		log.Warn().Err(lookupErr).Str("user_id", userID).
			Msg("Provider lookup failed; serving cached subscription state")
		bmetrics.ReconcileTotal.WithLabelValues("pull", "provider_unreachable").Inc()
		if prev != nil {
			return prev, nil
		}
		snap = nil
	}

	sub, err := r.ApplySnapshot(ctx, userID, snap)
	r.observe("pull", err)
	return sub, err
}

func (r *Reconciler) lookupSnapshot(ctx context.Context, prev *ledgerstore.Subscription, email string) (*Snapshot, error) {
	if prev != nil && strings.TrimSpace(prev.ProviderCustomerID) != "" {
		return r.provider.SnapshotByCustomer(ctx, prev.ProviderCustomerID)
	}
	if strings.TrimSpace(email) != "" {
		return r.provider.SnapshotByEmail(ctx, email)
	}
	return nil, nil
}

// ApplyProviderEvent is the push path: merge a snapshot extracted from a
// webhook payload. userHint carries the user linkage from event metadata;
// when absent the user is resolved through the cached customer mapping.
// Events for customers this service has never seen are logged and dropped —
// webhook payloads never create users.
func (r *Reconciler) ApplyProviderEvent(ctx context.Context, snap *Snapshot, userHint string) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}

	userID := strings.TrimSpace(userHint)
	if userID == "" {
		sub, err := r.store.SubscriptionByCustomerID(ctx, snap.CustomerID)
		if err != nil {
			return err
		}
		if sub == nil {
			log.Warn().
				Str("customer_id", snap.CustomerID).
				Str("subscription_id", snap.SubscriptionID).
				Msg("Provider event for unknown customer ignored")
			bmetrics.ReconcileTotal.WithLabelValues("push", "unknown_customer").Inc()
			return nil
		}
		userID = sub.UserID
	}

	_, err := r.ApplySnapshot(ctx, userID, snap)
	r.observe("push", err)
	return err
}

// LinkCustomer records that a provider customer belongs to userID, pulling
// the customer's full state when a provider client is available. The
// checkout webhook uses this on first billing interaction; the linkage is
// what lets later events resolve the user without metadata.
func (r *Reconciler) LinkCustomer(ctx context.Context, userID, customerID string) error {
	userID = strings.TrimSpace(userID)
	customerID = strings.TrimSpace(customerID)
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	if r.provider != nil {
		snap, err := r.provider.SnapshotByCustomer(ctx, customerID)
		if err == nil {
			if snap == nil {
				snap = &Snapshot{CustomerID: customerID}
			}
			_, err = r.ApplySnapshot(ctx, userID, snap)
			r.observe("push", err)
			return err
		}
		log.Warn().Err(err).Str("user_id", userID).Str("customer_id", customerID).
			Msg("Provider lookup failed during customer link; recording linkage only")
	}

	// Linkage-only merge: the subscription.updated event that follows the
	// checkout carries the rest.
	_, err := r.ApplySnapshot(ctx, userID, &Snapshot{CustomerID: customerID})
	r.observe("push", err)
	return err
}

func (r *Reconciler) observe(trigger string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	bmetrics.ReconcileTotal.WithLabelValues(trigger, outcome).Inc()
}
