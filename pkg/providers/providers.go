package providers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/boristopalov/huddle/internal/metrics"
)

// Client completes a prompt with a language model
type Client interface {
	Complete(ctx context.Context, model string, prompt string) (string, error)
}

type ProviderParams struct {
	BaseURL string
	APIKey  string
}

type ProviderOption func(*ProviderParams)

func WithBaseURL(baseURL string) ProviderOption {
	return func(p *ProviderParams) {
		p.BaseURL = baseURL
	}
}

func WithAPIKey(apiKey string) ProviderOption {
	return func(p *ProviderParams) {
		p.APIKey = apiKey
	}
}

// New returns the client for a provider name: "openai", "gemini" or "echo"
func New(ctx context.Context, name string, opts ...ProviderOption) (Client, error) {
	switch name {
	case "openai":
		return OpenAi(ctx, opts...), nil
	case "gemini":
		client, err := Gemini(ctx, opts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	case "echo":
		return Echo{}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// resolveParams applies opts and falls back to the given environment
// variables for unset values. An empty variable name means no fallback.
func resolveParams(opts []ProviderOption, baseURLEnv, apiKeyEnv string) ProviderParams {
	params := ProviderParams{}
	for _, opt := range opts {
		opt(&params)
	}
	if params.BaseURL == "" && baseURLEnv != "" {
		params.BaseURL = os.Getenv(baseURLEnv)
	}
	if params.APIKey == "" && apiKeyEnv != "" {
		params.APIKey = os.Getenv(apiKeyEnv)
	}
	return params
}

// observe records the outcome of one completion
func observe(provider string, start time.Time, err error) {
	metrics.CompletionLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CompletionFailures.WithLabelValues(provider).Inc()
	}
}

// Echo answers without calling a model. It repeats the last line of the
// prompt, which is handy for offline runs and tests.
type Echo struct{}

func (Echo) Complete(_ context.Context, model string, prompt string) (string, error) {
	lines := strings.Split(strings.TrimSpace(prompt), "\n")
	return fmt.Sprintf("(%s) heard: %s", model, lines[len(lines)-1]), nil
}
