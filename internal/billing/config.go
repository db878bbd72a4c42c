package billing

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the billing service.
type Config struct {
	DataDir             string
	BindAddress         string
	Port                int
	ServiceKey          string
	StripeAPIKey        string
	StripeWebhookSecret string
	PlanCatalogPath     string // optional JSON catalog override
	SweepInterval       time.Duration
	PublicMetrics       bool
}

// LoadConfig loads billing service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("BILLING_PORT", 8090)
	if err != nil {
		return nil, err
	}
	sweepInterval, err := envOrDefaultDuration("BILLING_SWEEP_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("BILLING_DATA_DIR", "/data"),
		BindAddress:         envOrDefault("BILLING_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		ServiceKey:          strings.TrimSpace(os.Getenv("BILLING_SERVICE_KEY")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		PlanCatalogPath:     strings.TrimSpace(os.Getenv("BILLING_PLAN_CATALOG")),
		SweepInterval:       sweepInterval,
		PublicMetrics:       envOrDefault("BILLING_PUBLIC_METRICS", "false") == "true",
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate billing config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.ServiceKey == "" {
		missing = append(missing, "BILLING_SERVICE_KEY")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("BILLING_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.SweepInterval < time.Minute {
		return fmt.Errorf("BILLING_SWEEP_INTERVAL must be at least 1m, got %s", c.SweepInterval)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
