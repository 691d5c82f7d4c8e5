package provider

import (
	"fmt"
	"strings"

	"github.com/parleyhq/parley/internal/config"
)

// Resolve creates an LLMProvider for a routed model identifier of the
// form "provider/model". A bare model name falls back to the OpenAI
// provider entry, which also serves OpenAI-compatible endpoints.
func Resolve(cfg *config.Config, model string) (LLMProvider, error) {
	provID, name := splitModel(model)
	switch provID {
	case "", "openai":
		return NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, name), nil
	case "anthropic":
		if cfg.Providers.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider not configured")
		}
		return NewOpenAIProvider(cfg.Providers.Anthropic.APIKey, cfg.Providers.Anthropic.APIBase, name), nil
	default:
		return nil, fmt.Errorf("unknown provider %q in model %q", provID, model)
	}
}

func splitModel(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	return strings.ToLower(parts[0]), parts[1]
}
