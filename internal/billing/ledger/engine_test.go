package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
)

func newTestEngine(t *testing.T) (*Engine, *ledgerstore.Store) {
	t.Helper()
	store, err := ledgerstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewEngine(store), store
}

func TestGrantThenSpend(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	out, err := e.Grant(ctx, "u1", 100, ledgerstore.ReasonMonthlyGrant, "cycle:sub_1:0", "grant-1")
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !out.Applied || out.Replayed || out.Balance != 100 {
		t.Fatalf("grant outcome: %+v", out)
	}
	if out.EntryID == "" {
		t.Fatal("grant outcome missing entry id")
	}

	out, err = e.Spend(ctx, "u1", 60, ledgerstore.ReasonUsageSpend, "script:abc", "spend-1")
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if !out.Applied || out.Balance != 40 {
		t.Fatalf("spend outcome: %+v", out)
	}
}

func TestSpendInsufficientBalance(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Grant(ctx, "u1", 10, ledgerstore.ReasonMonthlyGrant, "", "grant-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	out, err := e.Spend(ctx, "u1", 11, ledgerstore.ReasonUsageSpend, "", "spend-1")
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}
	if out.Applied {
		t.Fatalf("overdraft spend applied: %+v", out)
	}
	if out.Balance != 10 {
		t.Fatalf("rejected spend balance = %d, want 10", out.Balance)
	}

	// A rejected spend writes no ledger entry.
	entries, err := store.EntriesByUser(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("EntriesByUser: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the grant entry, got %d entries", len(entries))
	}

	// The same key retried later still goes through once funds exist,
	// because the rejection recorded nothing.
	if _, err := e.Grant(ctx, "u1", 5, ledgerstore.ReasonManualAdjustment, "", "grant-2"); err != nil {
		t.Fatalf("second grant: %v", err)
	}
	out, err = e.Spend(ctx, "u1", 11, ledgerstore.ReasonUsageSpend, "", "spend-1")
	if err != nil {
		t.Fatalf("retried spend: %v", err)
	}
	if !out.Applied || out.Replayed || out.Balance != 4 {
		t.Fatalf("retried spend outcome: %+v", out)
	}
}

func TestSpendReplayReturnsOriginalOutcome(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Grant(ctx, "u1", 100, ledgerstore.ReasonMonthlyGrant, "", "grant-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	first, err := e.Spend(ctx, "u1", 60, ledgerstore.ReasonUsageSpend, "script:abc", "spend-1")
	if err != nil {
		t.Fatalf("Spend: %v", err)
	}

	// Balance moves on between the original call and the retry.
	if _, err := e.Spend(ctx, "u1", 20, ledgerstore.ReasonUsageSpend, "script:def", "spend-2"); err != nil {
		t.Fatalf("interleaved spend: %v", err)
	}

	replay, err := e.Spend(ctx, "u1", 60, ledgerstore.ReasonUsageSpend, "script:abc", "spend-1")
	if err != nil {
		t.Fatalf("replayed Spend: %v", err)
	}
	if !replay.Replayed {
		t.Fatal("retry not flagged as replayed")
	}
	// The retry reports the balance as of the original application (40),
	// not the current balance (20).
	if replay.Balance != first.Balance {
		t.Fatalf("replay balance = %d, want %d", replay.Balance, first.Balance)
	}
	if replay.EntryID != first.EntryID {
		t.Fatalf("replay entry id = %s, want %s", replay.EntryID, first.EntryID)
	}
}

func TestIdempotencyKeyConflict(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Grant(ctx, "u1", 100, ledgerstore.ReasonMonthlyGrant, "", "grant-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if _, err := e.Spend(ctx, "u1", 10, ledgerstore.ReasonUsageSpend, "", "key-1"); err != nil {
		t.Fatalf("Spend: %v", err)
	}

	for name, call := range map[string]func() (*Outcome, error){
		"different amount": func() (*Outcome, error) {
			return e.Spend(ctx, "u1", 11, ledgerstore.ReasonUsageSpend, "", "key-1")
		},
		"different user": func() (*Outcome, error) {
			return e.Spend(ctx, "u2", 10, ledgerstore.ReasonUsageSpend, "", "key-1")
		},
		"different direction": func() (*Outcome, error) {
			return e.Grant(ctx, "u1", 10, ledgerstore.ReasonRefund, "", "key-1")
		},
	} {
		if _, err := call(); !errors.Is(err, ErrIdempotencyConflict) {
			t.Errorf("%s: error = %v, want ErrIdempotencyConflict", name, err)
		}
	}
}

func TestConcurrentSpendsExactlyOneWins(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Grant(ctx, "u1", 1, ledgerstore.ReasonMonthlyGrant, "", "grant-1"); err != nil {
		t.Fatalf("Grant: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	outcomes := make([]*Outcome, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = e.Spend(ctx, "u1", 1, ledgerstore.ReasonUsageSpend, "", uuid.NewString())
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("spend %d: %v", i, errs[i])
		}
		if outcomes[i].Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("applied spends = %d, want exactly 1", applied)
	}

	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Balance != 0 {
		t.Fatalf("final balance = %d, want 0", acct.Balance)
	}
}

func TestBalanceMatchesSumOfDeltas(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	ops := []struct {
		spend  bool
		amount int64
	}{
		{false, 100}, {true, 30}, {false, 15}, {true, 50}, {true, 100}, {false, 7},
	}
	for i, op := range ops {
		key := uuid.NewString()
		var err error
		if op.spend {
			_, err = e.Spend(ctx, "u1", op.amount, ledgerstore.ReasonUsageSpend, "", key)
		} else {
			_, err = e.Grant(ctx, "u1", op.amount, ledgerstore.ReasonManualAdjustment, "", key)
		}
		if err != nil {
			t.Fatalf("op %d: %v", i, err)
		}
	}

	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	sum, err := store.SumDeltas(ctx, "u1")
	if err != nil {
		t.Fatalf("SumDeltas: %v", err)
	}
	if acct.Balance != sum {
		t.Fatalf("balance %d != sum of deltas %d", acct.Balance, sum)
	}
	if acct.Balance < 0 {
		t.Fatalf("balance went negative: %d", acct.Balance)
	}
}

func TestValidationErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() (*Outcome, error)
	}{
		{"zero amount spend", func() (*Outcome, error) {
			return e.Spend(ctx, "u1", 0, ledgerstore.ReasonUsageSpend, "", "k")
		}},
		{"negative amount grant", func() (*Outcome, error) {
			return e.Grant(ctx, "u1", -5, ledgerstore.ReasonMonthlyGrant, "", "k")
		}},
		{"empty user", func() (*Outcome, error) {
			return e.Spend(ctx, "", 1, ledgerstore.ReasonUsageSpend, "", "k")
		}},
		{"empty key", func() (*Outcome, error) {
			return e.Spend(ctx, "u1", 1, ledgerstore.ReasonUsageSpend, "", "")
		}},
		{"unknown reason", func() (*Outcome, error) {
			return e.Spend(ctx, "u1", 1, ledgerstore.Reason("bogus"), "", "k")
		}},
	}
	for _, tc := range cases {
		if _, err := tc.call(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
