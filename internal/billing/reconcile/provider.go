package reconcile

import (
	"context"
	"time"
)

// Snapshot is the provider's authoritative view of one customer's
// subscription, reduced to the fields the merge needs. A nil snapshot, or
// one with an empty SubscriptionID, means the customer has no live
// subscription.
type Snapshot struct {
	CustomerID     string
	SubscriptionID string
	// Status is the provider's raw status string (e.g. "active", "past_due").
	Status      string
	PriceID     string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Provider queries the billing provider for authoritative subscription
// state. Implementations are constructed once at startup and injected; the
// reconciler never touches provider globals.
type Provider interface {
	// SnapshotByCustomer returns the customer's live subscription state, or
	// nil when the customer has none.
	SnapshotByCustomer(ctx context.Context, customerID string) (*Snapshot, error)
	// SnapshotByEmail resolves the customer by email first. Returns nil when
	// no customer or no live subscription exists for that email.
	SnapshotByEmail(ctx context.Context, email string) (*Snapshot, error)
}
