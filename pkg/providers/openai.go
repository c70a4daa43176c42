package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1/"

var errNoChoices = errors.New("no choices returned")

// OpenAIClient talks to the OpenAI chat completions API, or to any server
// that speaks it
type OpenAIClient struct {
	client  *openai.Client
	baseURL string
}

// OpenAi builds a client from opts, falling back to OPENAI_API_BASE_URL and
// OPENAI_API_KEY
func OpenAi(ctx context.Context, opts ...ProviderOption) *OpenAIClient {
	params := resolveParams(opts, "OPENAI_API_BASE_URL", "OPENAI_API_KEY")
	if params.BaseURL == "" {
		params.BaseURL = defaultOpenAIBaseURL
	}

	requestOpts := []option.RequestOption{option.WithBaseURL(params.BaseURL)}
	if params.APIKey != "" {
		requestOpts = append(requestOpts, option.WithAPIKey(params.APIKey))
	}

	return &OpenAIClient{
		client:  openai.NewClient(requestOpts...),
		baseURL: params.BaseURL,
	}
}

func (c *OpenAIClient) BaseURL() string {
	return c.baseURL
}

func (c *OpenAIClient) Complete(ctx context.Context, model string, prompt string) (reply string, err error) {
	defer func(start time.Time) {
		observe("openai", start, err)
	}(time.Now())

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: openai.F([]openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		}),
		Model: openai.F(model),
	})
	if err != nil {
		return "", fmt.Errorf("openai completion with %s: %w", model, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("openai completion with %s: %w", model, errNoChoices)
	}
	return completion.Choices[0].Message.Content, nil
}
