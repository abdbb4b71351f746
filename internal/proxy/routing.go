package proxy

import (
	"strings"

	"github.com/heliogate/gateway/internal/providers"
)

// qualifiedProvider splits a "<provider>/<model>" identifier and returns
// its provider prefix, or "", false for a bare model name. Mirrors
// catalog.Catalog.Resolve's qualified-name parsing for requests that never
// reach a router pool (the legacy fixed-fallback-order path).
func qualifiedProvider(model string) (string, bool) {
	if idx := strings.IndexByte(model, '/'); idx > 0 {
		return model[:idx], true
	}
	return "", false
}

// resolveProvider returns the provider name for the given chat/completion model.
// A "<provider>/<model>" prefix is honored first; otherwise falls back to the
// static alias table, then "openai" if the model is unknown.
func resolveProvider(model string) string {
	if provider, ok := qualifiedProvider(model); ok {
		return provider
	}
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}

// resolveEmbeddingProvider returns the provider name for the given embedding model.
// A "<provider>/<model>" prefix is honored first; otherwise it checks
// EmbeddingModelAliases, then ModelAliases for provider detection, and falls
// back to "openai".
func resolveEmbeddingProvider(model string) string {
	if provider, ok := qualifiedProvider(model); ok {
		return provider
	}
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name
	}
	return "openai"
}
