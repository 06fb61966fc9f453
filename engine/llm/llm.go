// Package llm provides a unified client over the extraction model backends:
// a local llama.cpp subprocess or an OpenAI-style chat-completions API.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend kinds.
const (
	KindLocal      = "local"
	KindOpenAI     = "openai"
	KindCompatible = "openai_compatible"
)

// ErrEmptyPrompt is returned when a request carries no prompt text.
var ErrEmptyPrompt = errors.New("llm: empty prompt")

// DefaultTimeout bounds a single generation request.
const DefaultTimeout = 120 * time.Second

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client generates text from prompts.
type Client interface {
	// Generate returns the completion for a single prompt.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	// Chat returns the completion for a chat-style conversation.
	Chat(ctx context.Context, messages []Message, maxTokens int) (string, error)
}

// Config selects and parameterises a backend.
type Config struct {
	Kind        string
	ModelPath   string // local: gguf model file
	Executable  string // local: llama.cpp binary
	APIKey      string
	BaseURL     string // remote: api base, e.g. http://localhost:8000/v1
	Model       string // remote: model identifier
	Threads     int
	GPULayers   int
	CtxSize     int
	Temperature float32
	Timeout     time.Duration
}

func (c *Config) defaults() {
	if c.Threads <= 0 {
		c.Threads = 6
	}
	if c.CtxSize <= 0 {
		c.CtxSize = 4096
	}
	if c.Temperature == 0 {
		c.Temperature = 0.2
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// New builds the client for the configured backend kind.
func New(cfg Config) (Client, error) {
	cfg.defaults()
	switch cfg.Kind {
	case KindLocal, "":
		return newLocal(cfg)
	case KindOpenAI, KindCompatible:
		return newRemote(cfg)
	}
	return nil, fmt.Errorf("llm: unknown backend kind %q", cfg.Kind)
}

// renderMessages flattens a chat conversation into the tagged single-prompt
// form the local backend understands, ending with an open assistant tag.
func renderMessages(messages []Message) string {
	out := ""
	for _, m := range messages {
		switch m.Role {
		case "system":
			out += "<System>\n" + m.Content + "\n</System>\n"
		case "user":
			out += "<User>\n" + m.Content + "\n</User>\n"
		case "assistant":
			out += "<Assistant>\n" + m.Content + "\n</Assistant>\n"
		default:
			out += m.Content + "\n"
		}
	}
	return out + "<Assistant>"
}
