package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

var errNoGeminiKey = errors.New("no gemini api key, set GEMINI_API_KEY or provider.api_key")

type GeminiClient struct {
	client *genai.Client
}

// Gemini builds a Google AI client. The key comes from opts or GEMINI_API_KEY.
func Gemini(ctx context.Context, opts ...ProviderOption) (*GeminiClient, error) {
	params := resolveParams(opts, "", "GEMINI_API_KEY")
	if params.APIKey == "" {
		return nil, errNoGeminiKey
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  params.APIKey,
		Backend: genai.BackendGoogleAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Complete joins the text parts of the first candidate
func (c *GeminiClient) Complete(ctx context.Context, model string, prompt string) (reply string, err error) {
	defer func(start time.Time) {
		observe("gemini", start, err)
	}(time.Now())

	contents := []*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}}
	result, err := c.client.Models.GenerateContent(ctx, model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini completion with %s: %w", model, err)
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", fmt.Errorf("gemini completion with %s: no candidates", model)
	}

	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}
