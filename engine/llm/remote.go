package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/757built/engine/pkg/resilience"
)

// Remote calls an OpenAI or OpenAI-compatible chat-completions API.
type Remote struct {
	client  *openai.Client
	cfg     Config
	limiter *resilience.Limiter
}

func newRemote(cfg Config) (*Remote, error) {
	if cfg.Kind == KindOpenAI && cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: openai backend requires an api key")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: remote backend requires a model")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Remote{
		client:  openai.NewClientWithConfig(oc),
		cfg:     cfg,
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: 2, Burst: 4}),
	}, nil
}

// Generate wraps the prompt as a single user message.
func (r *Remote) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return r.Chat(ctx, []Message{{Role: "user", Content: prompt}}, maxTokens)
}

// Chat sends the conversation to the chat-completions endpoint.
func (r *Remote) Chat(ctx context.Context, messages []Message, maxTokens int) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyPrompt
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate limit: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:       r.cfg.Model,
		MaxTokens:   maxTokens,
		Temperature: r.cfg.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: empty completion response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
