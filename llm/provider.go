// Package llm abstracts the chat and embedding backends. Two providers
// exist: an OpenAI-compatible HTTP client and a deterministic fake used in
// tests and offline deployments.
package llm

import (
	"context"
	"fmt"
)

// Provider is the interface for model interactions.
type Provider interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Embed generates embeddings for a batch of texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures a provider.
type Config struct {
	Provider   string `json:"provider"` // "real" or "fake"
	Model      string `json:"model"`
	EmbedModel string `json:"embed_model"`
	BaseURL    string `json:"base_url"`
	APIKey     string `json:"api_key"`
	EmbedDim   int    `json:"embed_dim"`
}

// NewProvider creates a provider from configuration.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "real":
		return NewOpenAICompat(cfg), nil
	case "fake":
		return NewFake(cfg.EmbedDim), nil
	case "":
		return nil, fmt.Errorf("llm provider not specified")
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
