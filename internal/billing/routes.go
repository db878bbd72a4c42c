package billing

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/catalog"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledger"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/reconcile"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/webhook"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Store      *ledgerstore.Store
	Engine     *ledger.Engine
	Catalog    *catalog.Catalog
	Reconciler *reconcile.Reconciler
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	serviceAuth := func(next http.Handler) http.Handler {
		return ServiceKeyMiddleware(deps.Config.ServiceKey, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", serviceAuth(metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookHandler := webhook.NewHandler(deps.Config.StripeWebhookSecret, deps.Store, deps.Reconciler)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Ledger operations (service-key authenticated)
	mux.Handle("POST /api/credits/spend", serviceAuth(HandleSpend(deps.Engine)))
	mux.Handle("POST /api/credits/grant", serviceAuth(HandleGrant(deps.Engine)))

	// Read facade (service-key authenticated)
	mux.Handle("GET /api/credits/{user_id}", serviceAuth(HandleCredits(deps.Store, deps.Catalog)))
	mux.Handle("GET /api/credits/{user_id}/entries", serviceAuth(HandleEntries(deps.Store)))

	// Synchronous provider reconciliation (service-key authenticated)
	mux.Handle("POST /api/billing/sync/{user_id}", serviceAuth(HandleSync(deps.Store, deps.Catalog, deps.Reconciler)))
}
