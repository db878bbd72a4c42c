package ledgerstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides durable, transactional persistence for accounts, ledger
// entries, cached subscriptions, and the webhook dedup table, backed by
// SQLite.
//
// The pool is pinned to a single connection, so transactions serialize at
// the store boundary. Combined with the conditional balance update in
// Tx.ApplySpend, two concurrent spends can never both observe the same
// pre-decrement balance.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, "ledger.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id     TEXT PRIMARY KEY,
		balance     INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		cycle_start INTEGER,
		cycle_end   INTEGER,
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ledger_entries (
		entry_id        TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		delta           INTEGER NOT NULL,
		reason          TEXT NOT NULL,
		reference       TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL,
		balance_after   INTEGER NOT NULL,
		created_at      INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_idempotency_key
		ON ledger_entries(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id
		ON ledger_entries(user_id, created_at);
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id                  TEXT PRIMARY KEY,
		plan_slug                TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL DEFAULT '',
		current_period_start     INTEGER NOT NULL DEFAULT 0,
		current_period_end       INTEGER NOT NULL DEFAULT 0,
		provider_customer_id     TEXT NOT NULL DEFAULT '',
		provider_subscription_id TEXT NOT NULL DEFAULT '',
		last_synced_at           INTEGER NOT NULL DEFAULT 0,
		created_at               INTEGER NOT NULL,
		updated_at               INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_provider_customer_id
		ON subscriptions(provider_customer_id);
	CREATE TABLE IF NOT EXISTS webhook_events (
		provider_event_id TEXT PRIMARY KEY,
		received_at       INTEGER NOT NULL,
		processed_at      INTEGER
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init ledger schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tx exposes the transaction-scoped primitives the spend/grant engine
// composes. It carries no business logic of its own.
type Tx struct {
	tx  *sql.Tx
	now time.Time
}

// InTx runs fn inside a transaction, committing on nil and rolling back on
// error or panic.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&Tx{tx: tx, now: time.Now().UTC()}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	committed = true
	return nil
}

// EnsureAccount creates the account row with a zero balance if it does not
// exist yet.
func (t *Tx) EnsureAccount(userID string) error {
	_, err := t.tx.Exec(`
		INSERT INTO accounts (user_id, balance, created_at, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, t.now.Unix(), t.now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("ensure account %q: %w", userID, err)
	}
	return nil
}

// Account reads the account row inside the transaction.
func (t *Tx) Account(userID string) (*Account, error) {
	row := t.tx.QueryRow(accountSelect+` WHERE user_id = ?`, userID)
	return scanAccount(row)
}

// EntryByIdempotencyKey returns the ledger entry recorded under key, or nil.
func (t *Tx) EntryByIdempotencyKey(key string) (*LedgerEntry, error) {
	row := t.tx.QueryRow(entrySelect+` WHERE idempotency_key = ?`, key)
	return scanEntry(row)
}

// ApplySpend decrements the balance by amount only if the balance covers it.
// Returns false without mutating anything when it does not.
func (t *Tx) ApplySpend(userID string, amount int64) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE accounts SET balance = balance - ?, updated_at = ?
		WHERE user_id = ? AND balance >= ?`,
		amount, t.now.Unix(), userID, amount,
	)
	if err != nil {
		return false, fmt.Errorf("apply spend for %q: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply spend rows affected: %w", err)
	}
	return affected == 1, nil
}

// ApplyGrant increments the balance by amount.
func (t *Tx) ApplyGrant(userID string, amount int64) error {
	res, err := t.tx.Exec(`
		UPDATE accounts SET balance = balance + ?, updated_at = ?
		WHERE user_id = ?`,
		amount, t.now.Unix(), userID,
	)
	if err != nil {
		return fmt.Errorf("apply grant for %q: %w", userID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("apply grant rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("apply grant: account %q not found", userID)
	}
	return nil
}

// InsertEntry appends an immutable ledger entry. The unique index on
// idempotency_key is a backstop behind the engine's in-transaction key
// check: a duplicate insert fails instead of overwriting history.
func (t *Tx) InsertEntry(e *LedgerEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = t.now
	}
	_, err := t.tx.Exec(`
		INSERT INTO ledger_entries (
			entry_id, user_id, delta, reason, reference,
			idempotency_key, balance_after, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.UserID, e.Delta, string(e.Reason), e.Reference,
		e.IdempotencyKey, e.BalanceAfter, e.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// Account returns the account row for userID, or nil if none exists.
func (s *Store) Account(ctx context.Context, userID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, accountSelect+` WHERE user_id = ?`, userID)
	return scanAccount(row)
}

// EntryByIdempotencyKey returns the ledger entry recorded under key, or nil.
func (s *Store) EntryByIdempotencyKey(ctx context.Context, key string) (*LedgerEntry, error) {
	row := s.db.QueryRowContext(ctx, entrySelect+` WHERE idempotency_key = ?`, key)
	return scanEntry(row)
}

// SetCycle records the current billing cycle bounds on the account row,
// creating the row if needed.
func (s *Store) SetCycle(ctx context.Context, userID string, start, end time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, cycle_start, cycle_end, created_at, updated_at)
		VALUES (?, 0, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			cycle_start = excluded.cycle_start,
			cycle_end   = excluded.cycle_end,
			updated_at  = excluded.updated_at`,
		userID, start.Unix(), end.Unix(), now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("set cycle for %q: %w", userID, err)
	}
	return nil
}

// EntriesByUser returns up to limit ledger entries for userID, newest first.
func (s *Store) EntriesByUser(ctx context.Context, userID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		entrySelect+` WHERE user_id = ? ORDER BY created_at DESC, entry_id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries for %q: %w", userID, err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SumDeltas returns the sum of all entry deltas for userID. The result must
// always equal the materialized account balance.
func (s *Store) SumDeltas(ctx context.Context, userID string) (int64, error) {
	var sum int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE user_id = ?`, userID)
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum ledger deltas for %q: %w", userID, err)
	}
	return sum, nil
}

// UpsertSubscription fully overwrites the cached subscription row for the
// user. Provider state always wins; nothing is merged field-by-field.
func (s *Store) UpsertSubscription(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (
			user_id, plan_slug, status, current_period_start, current_period_end,
			provider_customer_id, provider_subscription_id, last_synced_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan_slug                = excluded.plan_slug,
			status                   = excluded.status,
			current_period_start     = excluded.current_period_start,
			current_period_end       = excluded.current_period_end,
			provider_customer_id     = excluded.provider_customer_id,
			provider_subscription_id = excluded.provider_subscription_id,
			last_synced_at           = excluded.last_synced_at,
			updated_at               = excluded.updated_at`,
		sub.UserID, sub.PlanSlug, string(sub.Status),
		sub.CurrentPeriodStart.Unix(), sub.CurrentPeriodEnd.Unix(),
		sub.ProviderCustomerID, sub.ProviderSubscriptionID, sub.LastSyncedAt.Unix(),
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription for %q: %w", sub.UserID, err)
	}
	return nil
}

// SubscriptionByUserID returns the cached subscription for userID, or nil.
func (s *Store) SubscriptionByUserID(ctx context.Context, userID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx, subscriptionSelect+` WHERE user_id = ?`, userID)
	return scanSubscription(row)
}

// SubscriptionByCustomerID returns the cached subscription linked to the
// given provider customer ID, or nil.
func (s *Store) SubscriptionByCustomerID(ctx context.Context, customerID string) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		subscriptionSelect+` WHERE provider_customer_id = ?`, customerID)
	return scanSubscription(row)
}

// SubscriptionsDue returns cached subscriptions whose current period ended at
// or before cutoff. The sweeper uses this to catch accounts a missed webhook
// would otherwise leave behind.
func (s *Store) SubscriptionsDue(ctx context.Context, cutoff time.Time) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		subscriptionSelect+` WHERE current_period_end <= ? ORDER BY current_period_end ASC`,
		cutoff.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ClaimWebhookEvent records receipt of a provider event ID and reports who
// owns processing. The insert-before-process ordering plus the primary key
// on provider_event_id is what makes concurrent deliveries safe. A row that
// is unprocessed and older than claimTTL is taken over, so a crashed handler
// cannot wedge the event forever.
func (s *Store) ClaimWebhookEvent(ctx context.Context, eventID string, now time.Time, claimTTL time.Duration) (WebhookEventState, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider_event_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(provider_event_id) DO NOTHING`,
		eventID, now.Unix(),
	)
	if err != nil {
		return WebhookEventInFlight, fmt.Errorf("insert webhook event %q: %w", eventID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 1 {
		return WebhookEventClaimed, nil
	}

	var receivedAt int64
	var processedAt sql.NullInt64
	row := s.db.QueryRowContext(ctx,
		`SELECT received_at, processed_at FROM webhook_events WHERE provider_event_id = ?`, eventID)
	if err := row.Scan(&receivedAt, &processedAt); err != nil {
		return WebhookEventInFlight, fmt.Errorf("load webhook event %q: %w", eventID, err)
	}
	if processedAt.Valid {
		return WebhookEventDone, nil
	}

	if now.Sub(time.Unix(receivedAt, 0)) > claimTTL {
		res, err := s.db.ExecContext(ctx, `
			UPDATE webhook_events SET received_at = ?
			WHERE provider_event_id = ? AND processed_at IS NULL AND received_at = ?`,
			now.Unix(), eventID, receivedAt,
		)
		if err != nil {
			return WebhookEventInFlight, fmt.Errorf("reclaim webhook event %q: %w", eventID, err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 1 {
			return WebhookEventClaimed, nil
		}
	}
	return WebhookEventInFlight, nil
}

// MarkWebhookProcessed stamps the event as durably handled.
func (s *Store) MarkWebhookProcessed(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_events SET processed_at = ? WHERE provider_event_id = ?`,
		now.Unix(), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event %q processed: %w", eventID, err)
	}
	return nil
}

// ReleaseWebhookEvent drops an unprocessed claim after a handler failure so
// the provider's redelivery retries immediately instead of waiting out the
// claim TTL.
func (s *Store) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_events WHERE provider_event_id = ? AND processed_at IS NULL`,
		eventID,
	)
	if err != nil {
		return fmt.Errorf("release webhook event %q: %w", eventID, err)
	}
	return nil
}

const (
	accountSelect = `SELECT
		user_id, balance, cycle_start, cycle_end, created_at, updated_at
		FROM accounts`
	entrySelect = `SELECT
		entry_id, user_id, delta, reason, reference,
		idempotency_key, balance_after, created_at
		FROM ledger_entries`
	subscriptionSelect = `SELECT
		user_id, plan_slug, status, current_period_start, current_period_end,
		provider_customer_id, provider_subscription_id, last_synced_at,
		created_at, updated_at
		FROM subscriptions`
)

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(s scanner) (*Account, error) {
	var a Account
	var cycleStart, cycleEnd sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&a.UserID, &a.Balance, &cycleStart, &cycleEnd, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}

	if cycleStart.Valid {
		ts := time.Unix(cycleStart.Int64, 0).UTC()
		a.CycleStart = &ts
	}
	if cycleEnd.Valid {
		ts := time.Unix(cycleEnd.Int64, 0).UTC()
		a.CycleEnd = &ts
	}
	a.CreatedAt = time.Unix(createdAt, 0).UTC()
	a.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &a, nil
}

func scanEntry(s scanner) (*LedgerEntry, error) {
	var e LedgerEntry
	var reason string
	var createdAt int64

	err := s.Scan(
		&e.EntryID, &e.UserID, &e.Delta, &reason, &e.Reference,
		&e.IdempotencyKey, &e.BalanceAfter, &createdAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ledger entry: %w", err)
	}

	e.Reason = Reason(reason)
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var periodStart, periodEnd, lastSynced, createdAt, updatedAt int64

	err := s.Scan(
		&sub.UserID, &sub.PlanSlug, &status, &periodStart, &periodEnd,
		&sub.ProviderCustomerID, &sub.ProviderSubscriptionID, &lastSynced,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = SubscriptionStatus(status)
	sub.CurrentPeriodStart = time.Unix(periodStart, 0).UTC()
	sub.CurrentPeriodEnd = time.Unix(periodEnd, 0).UTC()
	sub.LastSyncedAt = time.Unix(lastSynced, 0).UTC()
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}
