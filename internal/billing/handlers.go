package billing

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/catalog"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledger"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/reconcile"
)

const (
	requestBodyLimit  = 64 * 1024
	defaultEntryLimit = 50
	maxEntryLimit     = 500
)

// ServiceKeyMiddleware authenticates internal callers by shared service key,
// accepted as either `Authorization: Bearer <key>` or `X-Service-Key`.
func ServiceKeyMiddleware(serviceKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-Service-Key"))
		if key == "" {
			auth := r.Header.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			}
		}

		if key == "" || key != serviceKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

type ledgerOpRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	Reference      string `json:"reference"`
	IdempotencyKey string `json:"idempotency_key"`
}

type ledgerOpResponse struct {
	OK       bool   `json:"ok"`
	Replayed bool   `json:"replayed"`
	Balance  int64  `json:"balance"`
	EntryID  string `json:"entry_id,omitempty"`
}

// HandleSpend decrements a user's credit balance. Insufficient balance is a
// business outcome (ok=false, HTTP 200), not an error.
func HandleSpend(engine *ledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeLedgerOp(w, r)
		if !ok {
			return
		}

		reason := ledgerstore.ReasonUsageSpend
		if req.Reason != "" {
			reason = ledgerstore.Reason(req.Reason)
		}
		if reason != ledgerstore.ReasonUsageSpend && reason != ledgerstore.ReasonManualAdjustment {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid spend reason"})
			return
		}

		out, err := engine.Spend(r.Context(), req.UserID, req.Amount, reason, req.Reference, req.IdempotencyKey)
		writeLedgerOutcome(w, out, err)
	}
}

// HandleGrant increments a user's credit balance.
func HandleGrant(engine *ledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeLedgerOp(w, r)
		if !ok {
			return
		}

		reason := ledgerstore.Reason(req.Reason)
		switch reason {
		case ledgerstore.ReasonMonthlyGrant, ledgerstore.ReasonManualAdjustment,
			ledgerstore.ReasonRefund, ledgerstore.ReasonPlanChangeAdjustment:
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid grant reason"})
			return
		}

		out, err := engine.Grant(r.Context(), req.UserID, req.Amount, reason, req.Reference, req.IdempotencyKey)
		writeLedgerOutcome(w, out, err)
	}
}

func decodeLedgerOp(w http.ResponseWriter, r *http.Request) (*ledgerOpRequest, bool) {
	var req ledgerOpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, false
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.UserID == "" || req.IdempotencyKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and idempotency_key are required"})
		return nil, false
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return nil, false
	}
	return &req, true
}

func writeLedgerOutcome(w http.ResponseWriter, out *ledger.Outcome, err error) {
	if err != nil {
		if errors.Is(err, ledger.ErrIdempotencyConflict) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "idempotency key conflict"})
			return
		}
		log.Error().Err(err).Msg("Ledger operation failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, ledgerOpResponse{
		OK:       out.Applied,
		Replayed: out.Replayed,
		Balance:  out.Balance,
		EntryID:  out.EntryID,
	})
}

type creditsResponse struct {
	UserID     string     `json:"user_id"`
	Balance    int64      `json:"balance"`
	PlanSlug   string     `json:"plan_slug"`
	Status     string     `json:"status"`
	CycleStart *time.Time `json:"cycle_start,omitempty"`
	CycleEnd   *time.Time `json:"cycle_end,omitempty"`
}

// HandleCredits is the read facade over balance and plan state. Users with no
// rows yet are reported on the free plan with a zero balance; no rows are
// created by reads.
func HandleCredits(store *ledgerstore.Store, cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
			return
		}

		resp, err := creditsSnapshot(r, store, cat, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Credits lookup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func creditsSnapshot(r *http.Request, store *ledgerstore.Store, cat *catalog.Catalog, userID string) (*creditsResponse, error) {
	resp := &creditsResponse{
		UserID:   userID,
		PlanSlug: cat.FreePlan().Slug,
		Status:   string(ledgerstore.SubStatusActive),
	}

	acct, err := store.Account(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	if acct != nil {
		resp.Balance = acct.Balance
		resp.CycleStart = acct.CycleStart
		resp.CycleEnd = acct.CycleEnd
	}

	sub, err := store.SubscriptionByUserID(r.Context(), userID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		resp.PlanSlug = sub.PlanSlug
		resp.Status = string(sub.Status)
		if resp.CycleStart == nil && !sub.CurrentPeriodStart.IsZero() {
			start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
			resp.CycleStart = &start
			resp.CycleEnd = &end
		}
	}
	return resp, nil
}

// HandleEntries lists a user's recent ledger entries, newest first.
func HandleEntries(store *ledgerstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
			return
		}

		limit := defaultEntryLimit
		if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = min(n, maxEntryLimit)
		}

		entries, err := store.EntriesByUser(r.Context(), userID, limit)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Entries lookup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		if entries == nil {
			entries = []*ledgerstore.LedgerEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id": userID,
			"entries": entries,
		})
	}
}

type syncRequest struct {
	Email string `json:"email"`
}

// HandleSync runs a synchronous provider reconciliation for one user and
// returns the refreshed facade payload.
func HandleSync(store *ledgerstore.Store, cat *catalog.Catalog, reconciler *reconcile.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.PathValue("user_id"))
		if userID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
			return
		}

		var req syncRequest
		if r.ContentLength != 0 {
			if err := decodeJSON(r, &req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
		}

		if _, err := reconciler.SyncUser(r.Context(), userID, strings.TrimSpace(req.Email)); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Billing sync failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sync failed"})
			return
		}

		resp, err := creditsSnapshot(r, store, cat, userID)
		if err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("Credits lookup failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// HandleHealthz answers liveness probes.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity.
func HandleReadyz(store *ledgerstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func decodeJSON(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, requestBodyLimit)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode response")
	}
}
