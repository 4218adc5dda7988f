package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	ctxpkg "github.com/stupiduntilnot/relaybot/internal/context"
	modelpkg "github.com/stupiduntilnot/relaybot/internal/model"
)

// DefaultModel is the chat model the relay asks for unless configured otherwise.
const DefaultModel = goopenai.GPT3Dot5Turbo

// ErrEmptyResponse is returned when the service answers without usable content.
var ErrEmptyResponse = errors.New("openai: empty model response")

// Client is a chat completions client backed by go-openai.
type Client struct {
	api   *goopenai.Client
	model string
}

// NewClient creates an OpenAI client. An empty baseURL keeps the library default.
func NewClient(apiKey, baseURL, model string, timeout time.Duration) *Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		api:   goopenai.NewClientWithConfig(cfg),
		model: model,
	}
}

// Model returns the configured model identifier.
func (c *Client) Model() string {
	return c.model
}

// ChatCompletion sends the exchange and returns the first choice's content.
func (c *Client) ChatCompletion(ctx context.Context, messages []ctxpkg.Message) (modelpkg.CompletionResponse, error) {
	req := goopenai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toWire(messages),
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return modelpkg.CompletionResponse{}, describeError(err)
	}

	result := modelpkg.CompletionResponse{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	if len(resp.Choices) == 0 {
		return result, ErrEmptyResponse
	}
	content := resp.Choices[0].Message.Content
	if strings.TrimSpace(content) == "" {
		return result, ErrEmptyResponse
	}
	result.Content = content
	return result, nil
}

// toWire converts relay messages to the library shape. go-openai omits empty
// content fields, and an assistant turn without content is rejected upstream,
// so empty assistant turns are dropped.
func toWire(messages []ctxpkg.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == ctxpkg.RoleAssistant && m.Content == "" {
			continue
		}
		out = append(out, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

func describeError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("openai non-success status=%d type=%s: %w", apiErr.HTTPStatusCode, apiErr.Type, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("openai request failed status=%d: %w", reqErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("openai request failed: %w", err)
}
