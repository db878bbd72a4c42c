// Package catalog holds the static billing plan catalog. The ledger core
// only reads it; plan management lives outside this service.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// FreePlanSlug is the plan assigned when a user has no active provider
// subscription.
const FreePlanSlug = "free"

// Plan is a read-only catalog entry.
type Plan struct {
	Slug               string   `json:"slug"`
	MonthlyCreditGrant int64    `json:"monthly_credit_grant"`
	PriceCents         int64    `json:"price_cents"`
	MaxProfiles        int      `json:"max_profiles"`
	Features           []string `json:"features"`
	// ProviderPriceID links the plan to the billing provider's price object
	// (e.g. a Stripe price ID). Empty for plans never sold through the
	// provider, such as the free plan.
	ProviderPriceID string `json:"provider_price_id"`
}

// Catalog is an immutable set of plans, indexed by slug and provider price.
type Catalog struct {
	plans   map[string]Plan
	byPrice map[string]string
}

// Default returns the built-in Scriptly plan catalog.
func Default() *Catalog {
	c, err := New([]Plan{
		{
			Slug:               FreePlanSlug,
			MonthlyCreditGrant: 10,
			MaxProfiles:        1,
			Features:           []string{"script_generation"},
		},
		{
			Slug:               "creator",
			MonthlyCreditGrant: 100,
			PriceCents:         1900,
			MaxProfiles:        3,
			Features:           []string{"script_generation", "hook_variants"},
			ProviderPriceID:    "price_creator_monthly",
		},
		{
			Slug:               "pro",
			MonthlyCreditGrant: 400,
			PriceCents:         4900,
			MaxProfiles:        10,
			Features:           []string{"script_generation", "hook_variants", "voice_cloning"},
			ProviderPriceID:    "price_pro_monthly",
		},
	})
	if err != nil {
		// The built-in catalog is validated by tests; this cannot happen at runtime.
		panic(err)
	}
	return c
}

// New builds a catalog from plans, validating slugs and price uniqueness.
// A free plan entry is required.
func New(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string),
	}
	for _, p := range plans {
		slug := strings.TrimSpace(p.Slug)
		if slug == "" {
			return nil, fmt.Errorf("plan with empty slug")
		}
		if p.MonthlyCreditGrant < 0 {
			return nil, fmt.Errorf("plan %q: negative monthly credit grant", slug)
		}
		if _, dup := c.plans[slug]; dup {
			return nil, fmt.Errorf("duplicate plan slug %q", slug)
		}
		p.Slug = slug
		c.plans[slug] = p

		priceID := strings.TrimSpace(p.ProviderPriceID)
		if priceID != "" {
			if other, dup := c.byPrice[priceID]; dup {
				return nil, fmt.Errorf("provider price %q mapped to both %q and %q", priceID, other, slug)
			}
			c.byPrice[priceID] = slug
		}
	}
	if _, ok := c.plans[FreePlanSlug]; !ok {
		return nil, fmt.Errorf("catalog is missing the %q plan", FreePlanSlug)
	}
	return c, nil
}

// Load reads a plan catalog from a JSON file (an array of Plan objects).
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog %q: %w", path, err)
	}
	var plans []Plan
	if err := json.Unmarshal(data, &plans); err != nil {
		return nil, fmt.Errorf("decode plan catalog %q: %w", path, err)
	}
	c, err := New(plans)
	if err != nil {
		return nil, fmt.Errorf("invalid plan catalog %q: %w", path, err)
	}
	return c, nil
}

// Plan returns the catalog entry for slug.
func (c *Catalog) Plan(slug string) (Plan, bool) {
	p, ok := c.plans[strings.TrimSpace(slug)]
	return p, ok
}

// PlanByProviderPrice maps a provider price ID back to its plan.
func (c *Catalog) PlanByProviderPrice(priceID string) (Plan, bool) {
	slug, ok := c.byPrice[strings.TrimSpace(priceID)]
	if !ok {
		return Plan{}, false
	}
	return c.plans[slug], true
}

// FreePlan returns the free plan entry.
func (c *Catalog) FreePlan() Plan {
	return c.plans[FreePlanSlug]
}
