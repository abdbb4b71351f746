// Package catalog holds the static table of known providers, the models they
// serve, and the cross-provider model-equivalence classes used by the
// model-latency and cost load-balancing strategies.
//
// The catalog is loaded once at startup and is immutable thereafter;
// callers share a single *Catalog pointer without locking.
package catalog

import "fmt"

// AuthScheme identifies how a provider expects credentials to be presented.
type AuthScheme int

const (
	AuthBearer AuthScheme = iota
	AuthSigV4
	AuthAPIKeyInURL
)

// Provider describes one upstream LLM backend.
type Provider struct {
	ID       string
	BaseURL  string
	Models   []string
	Auth     AuthScheme
	Protocol string // e.g. "openai", "anthropic", "converse"

	// CostPerInputToken / CostPerOutputToken are USD per 1K tokens, used by
	// the cost load-balancing strategy. Zero means "unknown" — the cost
	// strategy treats unknown cost as most expensive so it is never picked
	// over a provider with known pricing, unless no other candidate exists.
	CostPerInputToken  float64
	CostPerOutputToken float64
}

// Catalog is the fully validated, immutable set of providers and model
// mappings known to the gateway.
type Catalog struct {
	providers map[string]Provider
	// mappings groups provider-qualified model ids into equivalence classes,
	// keyed by a canonical class name (e.g. "claude-3.5-sonnet-class").
	mappings map[string][]string
	// modelOwner maps a bare model id to the provider that serves it, built
	// from each Provider's Models list. Ambiguous bare names (served by more
	// than one provider) are intentionally excluded — callers must qualify
	// with "<provider>/<model>".
	modelOwner map[string]string
}

// Load validates the given providers and model-equivalence mappings and
// returns an immutable Catalog. It fails fast: every mapping entry must
// reference a model that exists on some provider's Models list.
func Load(providers []Provider, mappings map[string][]string) (*Catalog, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("catalog: at least one provider is required")
	}

	c := &Catalog{
		providers:  make(map[string]Provider, len(providers)),
		mappings:   make(map[string][]string, len(mappings)),
		modelOwner: make(map[string]string),
	}

	seen := make(map[string]int) // bare model -> number of providers serving it
	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: provider with empty id")
		}
		if _, dup := c.providers[p.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate provider id %q", p.ID)
		}
		c.providers[p.ID] = p
		for _, m := range p.Models {
			seen[m]++
			c.modelOwner[m] = p.ID
		}
	}
	for m, n := range seen {
		if n > 1 {
			delete(c.modelOwner, m) // ambiguous, require qualification
		}
	}

	for class, models := range mappings {
		if len(models) == 0 {
			return nil, fmt.Errorf("catalog: model-mapping class %q has no members", class)
		}
		for _, qualified := range models {
			provID, model, err := splitQualified(qualified)
			if err != nil {
				return nil, fmt.Errorf("catalog: mapping %q: %w", class, err)
			}
			p, ok := c.providers[provID]
			if !ok {
				return nil, fmt.Errorf("catalog: mapping %q references unknown provider %q", class, provID)
			}
			if !contains(p.Models, model) {
				return nil, fmt.Errorf("catalog: mapping %q references model %q not served by provider %q", class, model, provID)
			}
		}
		c.mappings[class] = append([]string(nil), models...)
	}

	return c, nil
}

// Provider returns the provider with the given id.
func (c *Catalog) Provider(id string) (Provider, bool) {
	p, ok := c.providers[id]
	return p, ok
}

// Resolve splits a model identifier of the form "<provider>/<model>" or a
// bare unqualified model name into (provider, model). Bare names are
// resolved via the catalog's unambiguous model-ownership index.
func (c *Catalog) Resolve(modelID string) (provider, model string, err error) {
	if p, m, ok := tryQualified(modelID); ok {
		if _, exists := c.providers[p]; !exists {
			return "", "", fmt.Errorf("catalog: unknown provider %q", p)
		}
		return p, m, nil
	}
	if p, ok := c.modelOwner[modelID]; ok {
		return p, modelID, nil
	}
	return "", "", fmt.Errorf("catalog: cannot resolve model %q: not found or ambiguous, qualify as <provider>/<model>", modelID)
}

// EquivalenceClass returns the provider-qualified model ids that belong to
// the same equivalence class as "<providerID>/<model>", or nil if that
// model belongs to no configured class.
func (c *Catalog) EquivalenceClass(providerID, model string) []string {
	qualified := providerID + "/" + model
	for _, members := range c.mappings {
		for _, m := range members {
			if m == qualified {
				return members
			}
		}
	}
	return nil
}

// Validate checks that every (provider, model) pair in a router pool exists
// in this catalog, returning the first violation found.
func (c *Catalog) Validate(poolProvider, poolModel string) error {
	p, ok := c.providers[poolProvider]
	if !ok {
		return fmt.Errorf("catalog: pool references unknown provider %q", poolProvider)
	}
	if !contains(p.Models, poolModel) {
		return fmt.Errorf("catalog: pool references model %q not served by provider %q", poolModel, poolProvider)
	}
	return nil
}

func splitQualified(s string) (provider, model string, err error) {
	p, m, ok := tryQualified(s)
	if !ok {
		return "", "", fmt.Errorf("expected <provider>/<model>, got %q", s)
	}
	return p, m, nil
}

func tryQualified(s string) (provider, model string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
