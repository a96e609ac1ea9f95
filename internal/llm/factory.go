package llm

import (
	"fmt"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/config"
	"github.com/danielsimonjr/ironclaw/internal/types"
)

// NewFromConfig builds the failover chain from the runtime config: the
// primary provider followed by each configured fallback.
func NewFromConfig(cfg config.LLMConfig) (*Failover, error) {
	pricing := Pricing{
		InputPerToken:  cfg.CostPerInputToken,
		OutputPerToken: cfg.CostPerOutputToken,
	}

	primary, err := newProvider(cfg.Backend, cfg.APIKey, cfg.Model, cfg.BaseURL, pricing)
	if err != nil {
		return nil, err
	}
	providers := []Provider{primary}

	for _, fb := range cfg.Fallbacks {
		p, err := newProvider(fb.Backend, fb.APIKey, fb.Model, fb.BaseURL, pricing)
		if err != nil {
			return nil, fmt.Errorf("fallback %s: %w", fb.Backend, err)
		}
		providers = append(providers, p)
	}

	return NewFailover(providers,
		time.Duration(cfg.CooldownBaseSecs)*time.Second,
		cfg.MaxRetries,
		time.Duration(cfg.RequestTimeoutSecs)*time.Second), nil
}

func newProvider(backend, apiKey, model, baseURL string, pricing Pricing) (Provider, error) {
	switch backend {
	case "gemini":
		return NewGeminiProvider(apiKey, model, pricing)
	case "openai":
		return NewOpenAIProvider(baseURL, apiKey, model, pricing)
	case "stub":
		return NewStubProvider("stub"), nil
	default:
		return nil, fmt.Errorf("%w: unknown llm backend %q", types.ErrConfig, backend)
	}
}
