package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeProvider implements Provider against the Stripe API through an
// injected client, scoped to process lifetime.
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider constructs a StripeProvider with its own API client.
func NewStripeProvider(apiKey string) *StripeProvider {
	api := &client.API{}
	api.Init(strings.TrimSpace(apiKey), nil)
	return &StripeProvider{api: api}
}

// SnapshotByCustomer lists the customer's subscriptions and reduces them to
// a single live snapshot.
func (p *StripeProvider) SnapshotByCustomer(ctx context.Context, customerID string) (*Snapshot, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, fmt.Errorf("customer id is required")
	}

	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String("all"),
	}
	params.Context = ctx

	var newest *stripelib.Subscription
	iter := p.api.Subscriptions.List(params)
	for iter.Next() {
		sub := iter.Subscription()
		if sub == nil || !liveStripeStatus(sub.Status) {
			continue
		}
		if newest == nil || sub.Created > newest.Created {
			newest = sub
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list stripe subscriptions for %s: %w", customerID, err)
	}
	if newest == nil {
		return &Snapshot{CustomerID: customerID}, nil
	}
	return snapshotFromStripeSubscription(customerID, newest), nil
}

// SnapshotByEmail resolves the Stripe customer by email, then defers to
// SnapshotByCustomer. Returns nil when no customer matches.
func (p *StripeProvider) SnapshotByEmail(ctx context.Context, email string) (*Snapshot, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("email is required")
	}

	params := &stripelib.CustomerListParams{Email: stripelib.String(email)}
	params.Context = ctx

	iter := p.api.Customers.List(params)
	for iter.Next() {
		cust := iter.Customer()
		if cust == nil || strings.TrimSpace(cust.ID) == "" {
			continue
		}
		return p.SnapshotByCustomer(ctx, cust.ID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list stripe customers by email: %w", err)
	}
	return nil, nil
}

// liveStripeStatus reports whether a subscription still binds entitlements.
// Canceled and incomplete_expired subscriptions are treated as gone; the
// merge maps "gone" to the free plan.
func liveStripeStatus(status stripelib.SubscriptionStatus) bool {
	switch status {
	case stripelib.SubscriptionStatusActive,
		stripelib.SubscriptionStatusTrialing,
		stripelib.SubscriptionStatusPastDue,
		stripelib.SubscriptionStatusUnpaid,
		stripelib.SubscriptionStatusPaused,
		stripelib.SubscriptionStatusIncomplete:
		return true
	default:
		return false
	}
}

func snapshotFromStripeSubscription(customerID string, sub *stripelib.Subscription) *Snapshot {
	snap := &Snapshot{
		CustomerID:     customerID,
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil && snap.PriceID == "" {
				snap.PriceID = item.Price.ID
			}
			if snap.PeriodStart.IsZero() && item.CurrentPeriodStart > 0 {
				snap.PeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
				snap.PeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
			}
		}
	}
	return snap
}
