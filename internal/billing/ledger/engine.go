// Package ledger implements the idempotent spend/grant engine over the
// ledger store. It is the only writer of account balances and ledger
// entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/bmetrics"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
)

// ErrIdempotencyConflict is returned when an idempotency key is replayed
// with a different user, amount, or reason than the entry it originally
// recorded. That is an upstream programming bug; returning the stale result
// would silently hide it.
var ErrIdempotencyConflict = errors.New("idempotency key reused for a different operation")

// Outcome is the result of a spend or grant. Insufficient balance and
// idempotent replays are expected business outcomes, not errors.
type Outcome struct {
	// Applied is true when the balance covered the operation (or it was
	// covered when the original attempt committed). False only for a spend
	// rejected on insufficient balance.
	Applied bool
	// Replayed is true when the idempotency key had already recorded this
	// operation and no new mutation was made.
	Replayed bool
	// Balance is the account balance after the operation. For a replay it is
	// the balance as of the original application, so retried callers see the
	// identical result. For a rejected spend it is the current balance.
	Balance int64
	// EntryID identifies the ledger entry, empty for a rejected spend.
	EntryID string
}

// Engine exposes spend and grant as atomic, idempotent operations.
type Engine struct {
	store *ledgerstore.Store
}

// NewEngine creates an Engine over the given store.
func NewEngine(store *ledgerstore.Store) *Engine {
	return &Engine{store: store}
}

// Spend atomically checks that the user's balance covers amount, decrements
// it, and appends a ledger entry, all in one transaction. A replayed
// idempotency key returns the original outcome without mutating anything.
func (e *Engine) Spend(ctx context.Context, userID string, amount int64, reason ledgerstore.Reason, reference, idempotencyKey string) (*Outcome, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("spend amount must be positive, got %d", amount)
	}
	out, err := e.apply(ctx, userID, -amount, reason, reference, idempotencyKey)
	bmetrics.LedgerOpsTotal.WithLabelValues("spend", outcomeLabel(out, err)).Inc()
	return out, err
}

// Grant atomically increments the balance and appends a ledger entry. It
// always succeeds unless a replay or conflict is detected.
func (e *Engine) Grant(ctx context.Context, userID string, amount int64, reason ledgerstore.Reason, reference, idempotencyKey string) (*Outcome, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	out, err := e.apply(ctx, userID, amount, reason, reference, idempotencyKey)
	bmetrics.LedgerOpsTotal.WithLabelValues("grant", outcomeLabel(out, err)).Inc()
	return out, err
}

func (e *Engine) apply(ctx context.Context, userID string, delta int64, reason ledgerstore.Reason, reference, idempotencyKey string) (*Outcome, error) {
	userID = strings.TrimSpace(userID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if delta == 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if !ledgerstore.ValidReason(reason) {
		return nil, fmt.Errorf("unknown ledger reason %q", reason)
	}

	var out *Outcome
	err := e.store.InTx(ctx, func(tx *ledgerstore.Tx) error {
		existing, err := tx.EntryByIdempotencyKey(idempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			replay, err := replayOutcome(existing, userID, delta, reason)
			if err != nil {
				return err
			}
			out = replay
			return nil
		}

		if err := tx.EnsureAccount(userID); err != nil {
			return err
		}

		if delta < 0 {
			ok, err := tx.ApplySpend(userID, -delta)
			if err != nil {
				return err
			}
			if !ok {
				acct, err := tx.Account(userID)
				if err != nil {
					return err
				}
				out = &Outcome{Applied: false, Balance: acct.Balance}
				return nil
			}
		} else {
			if err := tx.ApplyGrant(userID, delta); err != nil {
				return err
			}
		}

		acct, err := tx.Account(userID)
		if err != nil {
			return err
		}

		entry := &ledgerstore.LedgerEntry{
			EntryID:        ledgerstore.NewEntryID(),
			UserID:         userID,
			Delta:          delta,
			Reason:         reason,
			Reference:      reference,
			IdempotencyKey: idempotencyKey,
			BalanceAfter:   acct.Balance,
		}
		if err := tx.InsertEntry(entry); err != nil {
			return err
		}

		out = &Outcome{Applied: true, Balance: acct.Balance, EntryID: entry.EntryID}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIdempotencyConflict) {
			log.Error().
				Str("user_id", userID).
				Str("idempotency_key", idempotencyKey).
				Int64("delta", delta).
				Str("reason", string(reason)).
				Msg("Ledger idempotency key conflict")
		}
		return nil, err
	}
	return out, nil
}

func outcomeLabel(out *Outcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case out.Replayed:
		return "replayed"
	case !out.Applied:
		return "insufficient"
	default:
		return "applied"
	}
}

// replayOutcome validates that the recorded entry matches the retried
// request and reconstructs the original outcome.
func replayOutcome(existing *ledgerstore.LedgerEntry, userID string, delta int64, reason ledgerstore.Reason) (*Outcome, error) {
	if existing.UserID != userID || existing.Delta != delta || existing.Reason != reason {
		return nil, fmt.Errorf(
			"%w: key %q recorded (user=%s delta=%d reason=%s), got (user=%s delta=%d reason=%s)",
			ErrIdempotencyConflict, existing.IdempotencyKey,
			existing.UserID, existing.Delta, existing.Reason,
			userID, delta, reason,
		)
	}
	return &Outcome{
		Applied:  true,
		Replayed: true,
		Balance:  existing.BalanceAfter,
		EntryID:  existing.EntryID,
	}, nil
}
