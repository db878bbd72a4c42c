package cycle

import (
	"context"
	"testing"
	"time"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/catalog"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledger"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
)

func newTestManager(t *testing.T) (*Manager, *ledgerstore.Store) {
	t.Helper()
	store, err := ledgerstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	engine := ledger.NewEngine(store)
	return NewManager(store, engine, catalog.Default()), store
}

func proSub(start time.Time) *ledgerstore.Subscription {
	return &ledgerstore.Subscription{
		UserID:                 "u1",
		PlanSlug:               "pro",
		Status:                 ledgerstore.SubStatusActive,
		CurrentPeriodStart:     start,
		CurrentPeriodEnd:       start.AddDate(0, 1, 0),
		ProviderCustomerID:     "cus_1",
		ProviderSubscriptionID: "sub_1",
	}
}

func TestEnsureGrantedOncePerCycle(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	sub := proSub(start)

	out, err := m.EnsureGranted(ctx, sub)
	if err != nil {
		t.Fatalf("EnsureGranted: %v", err)
	}
	if out == nil || !out.Applied || out.Replayed {
		t.Fatalf("first grant outcome: %+v", out)
	}

	// Any number of repeat invocations for the same period stay no-ops.
	for i := 0; i < 3; i++ {
		out, err = m.EnsureGranted(ctx, sub)
		if err != nil {
			t.Fatalf("repeat %d: %v", i, err)
		}
		if !out.Replayed {
			t.Fatalf("repeat %d not replayed: %+v", i, out)
		}
	}

	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Balance != 400 {
		t.Fatalf("balance = %d, want one pro grant of 400", acct.Balance)
	}
	if acct.CycleStart == nil || !acct.CycleStart.Equal(start) {
		t.Fatalf("cycle bounds not recorded: %+v", acct)
	}

	// A new period grants again.
	next := proSub(sub.CurrentPeriodEnd)
	out, err = m.EnsureGranted(ctx, next)
	if err != nil {
		t.Fatalf("next period: %v", err)
	}
	if !out.Applied || out.Replayed {
		t.Fatalf("next period outcome: %+v", out)
	}
	acct, _ = store.Account(ctx, "u1")
	if acct.Balance != 800 {
		t.Fatalf("balance after two periods = %d, want 800", acct.Balance)
	}
}

func TestEnsureGrantedSkipsInactive(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	for _, status := range []ledgerstore.SubscriptionStatus{
		ledgerstore.SubStatusPastDue,
		ledgerstore.SubStatusCanceled,
		ledgerstore.SubStatusIncomplete,
	} {
		sub := proSub(start)
		sub.Status = status
		out, err := m.EnsureGranted(ctx, sub)
		if err != nil {
			t.Fatalf("%s: %v", status, err)
		}
		if out != nil {
			t.Fatalf("%s: grant applied: %+v", status, out)
		}
	}

	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	// Cycle bounds are still recorded even when no grant accrues.
	if acct == nil || acct.CycleStart == nil {
		t.Fatalf("cycle bounds missing: %+v", acct)
	}
	if acct.Balance != 0 {
		t.Fatalf("inactive subscription accrued credits: %d", acct.Balance)
	}
}

func TestEnsureGrantedUnknownPlan(t *testing.T) {
	m, _ := newTestManager(t)
	sub := proSub(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	sub.PlanSlug = "legacy-plan"

	out, err := m.EnsureGranted(context.Background(), sub)
	if err != nil {
		t.Fatalf("EnsureGranted: %v", err)
	}
	if out != nil {
		t.Fatalf("unknown plan granted: %+v", out)
	}
}

func TestTopUpUpgrade(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	sub := proSub(start)
	out, err := m.TopUp(ctx, sub, "creator")
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	// pro grants 400, creator 100.
	if out == nil || !out.Applied || out.Balance != 300 {
		t.Fatalf("top-up outcome: %+v", out)
	}

	// Replaying the same plan change is a no-op.
	out, err = m.TopUp(ctx, sub, "creator")
	if err != nil {
		t.Fatalf("repeat TopUp: %v", err)
	}
	if !out.Replayed {
		t.Fatalf("repeat top-up not replayed: %+v", out)
	}

	acct, _ := store.Account(ctx, "u1")
	if acct.Balance != 300 {
		t.Fatalf("balance = %d, want 300", acct.Balance)
	}
}

func TestTopUpNeverReclaimsOnDowngrade(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	sub := proSub(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	sub.PlanSlug = "creator"
	out, err := m.TopUp(ctx, sub, "pro")
	if err != nil {
		t.Fatalf("TopUp: %v", err)
	}
	if out != nil {
		t.Fatalf("downgrade produced a grant: %+v", out)
	}

	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct != nil && acct.Balance != 0 {
		t.Fatalf("downgrade mutated balance: %d", acct.Balance)
	}
}

func TestFreePeriodAnchoring(t *testing.T) {
	anchor := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	// No previous cycle: period starts now.
	start, end := FreePeriod(nil, anchor)
	if !start.Equal(anchor) || !end.Equal(anchor.Add(FreeCycleLength)) {
		t.Fatalf("initial period = [%v, %v)", start, end)
	}

	prev := &ledgerstore.Subscription{
		UserID:             "u1",
		PlanSlug:           catalog.FreePlanSlug,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}

	// Still inside the period: unchanged.
	s2, e2 := FreePeriod(prev, anchor.Add(29*24*time.Hour))
	if !s2.Equal(start) || !e2.Equal(end) {
		t.Fatalf("mid-period advanced: [%v, %v)", s2, e2)
	}

	// 65 days after the anchor lands in the third cycle; the anchor's
	// time-of-day is preserved across the skipped cycle.
	s3, e3 := FreePeriod(prev, anchor.Add(65*24*time.Hour))
	wantStart := anchor.Add(2 * FreeCycleLength)
	if !s3.Equal(wantStart) || !e3.Equal(wantStart.Add(FreeCycleLength)) {
		t.Fatalf("advanced period = [%v, %v), want start %v", s3, e3, wantStart)
	}
}

func TestReferenceStableAcrossCalls(t *testing.T) {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	paid := proSub(start)
	if Reference(paid) != Reference(proSub(start)) {
		t.Fatal("reference not stable for identical subscriptions")
	}

	free := &ledgerstore.Subscription{UserID: "u1", CurrentPeriodStart: start}
	if Reference(free) == Reference(paid) {
		t.Fatal("free and paid references collide")
	}

	nextPeriod := proSub(start.AddDate(0, 1, 0))
	if Reference(paid) == Reference(nextPeriod) {
		t.Fatal("references collide across periods")
	}
}

func TestEnsureGrantedAfterPlanChangeStaysFunded(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	creator := proSub(start)
	creator.PlanSlug = "creator"
	if _, err := m.EnsureGranted(ctx, creator); err != nil {
		t.Fatalf("creator grant: %v", err)
	}

	// The plan changed mid-cycle. The period is already funded: the same
	// cycle reference must replay, not grant again or reject the key.
	out, err := m.EnsureGranted(ctx, proSub(start))
	if err != nil {
		t.Fatalf("EnsureGranted after plan change: %v", err)
	}
	if !out.Replayed {
		t.Fatalf("outcome after plan change: %+v", out)
	}

	acct, err := store.Account(ctx, "u1")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.Balance != 100 {
		t.Fatalf("balance = %d, want the original creator grant of 100", acct.Balance)
	}
}
