// Package webhook is the external-facing ingest point for billing provider
// events. Signature verification authenticates the payload; the dedup table
// turns the provider's at-least-once delivery into at-most-once processing.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/bmetrics"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/reconcile"
)

const (
	webhookBodyLimit = 1024 * 1024 // 1 MiB
	// claimTTL bounds how long an unprocessed dedup claim blocks
	// redeliveries before it is taken over.
	claimTTL = 10 * time.Minute
)

// Handler verifies, deduplicates, and dispatches provider webhook events
// into the reconciler.
type Handler struct {
	secret     string
	store      *ledgerstore.Store
	reconciler *reconcile.Reconciler

	now func() time.Time
}

type errorResponse struct {
	Error string `json:"error"`
}

type receivedResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// NewHandler creates the webhook HTTP handler.
func NewHandler(secret string, store *ledgerstore.Store, reconciler *reconcile.Reconciler) *Handler {
	return &Handler{
		secret:     secret,
		store:      store,
		reconciler: reconciler,
		now:        time.Now,
	}
}

// ServeHTTP verifies the Stripe signature, claims the event in the dedup
// table, and dispatches it. A 2xx is only written after the dedup record is
// durable; anything else tells the provider to redeliver.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		bmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		bmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, errorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, errorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "missing Stripe signature"})
		return
	}

	event, err := stripewebhook.ConstructEventWithOptions(payload, sigHeader, h.secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Webhook signature verification failed")
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "invalid Stripe signature"})
		return
	}
	eventType = string(event.Type)

	now := h.now().UTC()
	claim, err := h.store.ClaimWebhookEvent(r.Context(), event.ID, now, claimTTL)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Webhook dedup claim failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}
	switch claim {
	case ledgerstore.WebhookEventDone:
		// Safe replay: acknowledge without re-invoking the reconciler.
		writeJSON(w, http.StatusOK, receivedResponse{Received: true, Status: "duplicate"})
		return
	case ledgerstore.WebhookEventInFlight:
		log.Warn().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook event already in flight; asking provider to retry")
		status = http.StatusConflict
		writeJSON(w, status, errorResponse{Error: "event is being processed; retry later"})
		return
	}

	// Dedup bookkeeping must outlive the request: a client disconnect
	// mid-processing must not leave the claim wedged until its TTL expires.
	bookCtx := context.WithoutCancel(r.Context())

	if err := h.handleEvent(r, &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook processing failed")
		// Drop the claim so the provider's redelivery retries immediately.
		if relErr := h.store.ReleaseWebhookEvent(bookCtx, event.ID); relErr != nil {
			log.Error().Err(relErr).Str("event_id", event.ID).Msg("Webhook claim release failed")
		}
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	if err := h.store.MarkWebhookProcessed(bookCtx, event.ID, h.now().UTC()); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Webhook processed mark failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, receivedResponse{Received: true, Status: "processed"})
}

func (h *Handler) handleEvent(r *http.Request, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.handleCheckoutCompleted(r, session)

	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub subscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		if event.Type == "customer.subscription.deleted" {
			sub.Status = "canceled"
		}
		return h.handleSubscriptionEvent(r, sub)

	default:
		// Providers treat non-2xx as a signal to retry forever; unknown
		// types are acknowledged and dropped.
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Webhook ignored (unhandled type)")
		return nil
	}
}

func (h *Handler) handleCheckoutCompleted(r *http.Request, session checkoutSession) error {
	customerID := strings.TrimSpace(session.Customer)
	if customerID == "" {
		return fmt.Errorf("checkout session missing customer")
	}

	// The checkout handler in the product backend sets metadata.user_id;
	// customer email is user-controlled and never trusted as identity.
	userID := ""
	if session.Metadata != nil {
		userID = strings.TrimSpace(session.Metadata["user_id"])
	}
	if userID == "" {
		log.Warn().
			Str("session_id", strings.TrimSpace(session.ID)).
			Str("customer_id", customerID).
			Msg("checkout.session.completed without user linkage ignored")
		return nil
	}

	return h.reconciler.LinkCustomer(r.Context(), userID, customerID)
}

func (h *Handler) handleSubscriptionEvent(r *http.Request, sub subscriptionEvent) error {
	if strings.TrimSpace(sub.Customer) == "" {
		return fmt.Errorf("subscription event missing customer")
	}

	userHint := ""
	if sub.Metadata != nil {
		userHint = strings.TrimSpace(sub.Metadata["user_id"])
	}
	return h.reconciler.ApplyProviderEvent(r.Context(), sub.snapshot(), userHint)
}

// checkoutSession is a minimal view of a checkout.session.completed payload.
type checkoutSession struct {
	ID              string `json:"id"`
	Customer        string `json:"customer"`
	Subscription    string `json:"subscription"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

// subscriptionEvent is a minimal view of a customer.subscription.* payload.
// Period fields appear at the top level on older API versions and on the
// subscription item on newer ones; both are read.
type subscriptionEvent struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
			Price              struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s *subscriptionEvent) snapshot() *reconcile.Snapshot {
	snap := &reconcile.Snapshot{
		CustomerID:     strings.TrimSpace(s.Customer),
		SubscriptionID: strings.TrimSpace(s.ID),
		Status:         s.Status,
	}
	periodStart, periodEnd := s.CurrentPeriodStart, s.CurrentPeriodEnd
	for _, item := range s.Items.Data {
		if snap.PriceID == "" && strings.TrimSpace(item.Price.ID) != "" {
			snap.PriceID = strings.TrimSpace(item.Price.ID)
		}
		if periodStart == 0 && item.CurrentPeriodStart > 0 {
			periodStart = item.CurrentPeriodStart
			periodEnd = item.CurrentPeriodEnd
		}
	}
	if periodStart > 0 {
		snap.PeriodStart = time.Unix(periodStart, 0).UTC()
	}
	if periodEnd > 0 {
		snap.PeriodEnd = time.Unix(periodEnd, 0).UTC()
	}
	return snap
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing.webhook: encode response")
	}
}
