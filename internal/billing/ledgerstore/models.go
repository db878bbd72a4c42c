package ledgerstore

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Reason classifies a balance mutation in the ledger.
type Reason string

const (
	ReasonUsageSpend           Reason = "usage_spend"
	ReasonMonthlyGrant         Reason = "monthly_grant"
	ReasonManualAdjustment     Reason = "manual_adjustment"
	ReasonRefund               Reason = "refund"
	ReasonPlanChangeAdjustment Reason = "plan_change_adjustment"
)

// ValidReason reports whether r is one of the known ledger reasons.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonUsageSpend, ReasonMonthlyGrant, ReasonManualAdjustment, ReasonRefund, ReasonPlanChangeAdjustment:
		return true
	default:
		return false
	}
}

// Account is the materialized credit balance for a user. The balance is
// derivable from the user's ledger entries; it is persisted only so reads
// and the atomic check-and-decrement stay cheap.
type Account struct {
	UserID     string     `json:"user_id"`
	Balance    int64      `json:"balance"`
	CycleStart *time.Time `json:"cycle_start,omitempty"`
	CycleEnd   *time.Time `json:"cycle_end,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LedgerEntry is an immutable record of a single balance mutation.
// BalanceAfter captures the account balance as of this entry so an
// idempotent replay can return the original outcome verbatim.
type LedgerEntry struct {
	EntryID        string    `json:"entry_id"`
	UserID         string    `json:"user_id"`
	Delta          int64     `json:"delta"`
	Reason         Reason    `json:"reason"`
	Reference      string    `json:"reference"`
	IdempotencyKey string    `json:"idempotency_key"`
	BalanceAfter   int64     `json:"balance_after"`
	CreatedAt      time.Time `json:"created_at"`
}

// SubscriptionStatus is the local view of a provider subscription status.
type SubscriptionStatus string

const (
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusCanceled   SubscriptionStatus = "canceled"
	SubStatusIncomplete SubscriptionStatus = "incomplete"
)

// Subscription is the cached mirror of the provider's subscription state for
// one user. The provider is the source of truth; this row is fully
// overwritten on every reconciliation and never deleted.
type Subscription struct {
	UserID                 string             `json:"user_id"`
	PlanSlug               string             `json:"plan_slug"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       time.Time          `json:"current_period_end"`
	ProviderCustomerID     string             `json:"provider_customer_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	LastSyncedAt           time.Time          `json:"last_synced_at"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// WebhookEventState describes the dedup state of a provider event ID.
type WebhookEventState int

const (
	// WebhookEventClaimed means this call owns the event and must process it.
	WebhookEventClaimed WebhookEventState = iota
	// WebhookEventInFlight means another delivery is processing the event.
	WebhookEventInFlight
	// WebhookEventDone means the event was already processed successfully.
	WebhookEventDone
)

// NewEntryID returns a ULID string for a ledger entry. ULIDs sort by
// creation time, which keeps the ledger naturally ordered.
func NewEntryID() string {
	return ulid.Make().String()
}
