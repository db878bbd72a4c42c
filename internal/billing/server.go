package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/scriptlyhq/scriptly-billing/internal/billing/catalog"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/cycle"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledger"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/ledgerstore"
	"github.com/scriptlyhq/scriptly-billing/internal/billing/reconcile"
	"github.com/scriptlyhq/scriptly-billing/internal/logging"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing",
	})

	log.Info().Str("version", version).Msg("Starting Scriptly billing service")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := ledgerstore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer store.Close()

	cat := catalog.Default()
	if cfg.PlanCatalogPath != "" {
		cat, err = catalog.Load(cfg.PlanCatalogPath)
		if err != nil {
			return fmt.Errorf("load plan catalog: %w", err)
		}
		log.Info().Str("path", cfg.PlanCatalogPath).Msg("Plan catalog loaded from file")
	}

	engine := ledger.NewEngine(store)
	cycles := cycle.NewManager(store, engine, cat)

	// Without a Stripe key the reconciler serves cached state only; webhook
	// verification still works off the webhook secret.
	var provider reconcile.Provider
	if cfg.StripeAPIKey != "" {
		provider = reconcile.NewStripeProvider(cfg.StripeAPIKey)
		log.Info().Msg("Stripe provider configured")
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; pull reconciliation disabled")
	}
	reconciler := reconcile.New(store, cat, cycles, provider)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:     cfg,
		Store:      store,
		Engine:     engine,
		Catalog:    cat,
		Reconciler: reconciler,
		Version:    version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		sweeper := reconcile.NewSweeper(reconciler, cfg.SweepInterval)
		sweeper.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("Billing service stopped")
	return nil
}
