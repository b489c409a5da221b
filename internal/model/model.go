package model

import (
	"context"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
)

// CompletionResponse is the common response model for model providers.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the model provider abstraction used for both replies and
// summaries. messages may contain system, user and assistant turns.
type Provider interface {
	ChatCompletion(ctx context.Context, messages []ctxpkg.Turn) (CompletionResponse, error)
}

// Options are the sampling settings shared by all remote providers.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// DefaultStop is the stop sequence used when none is configured.
const DefaultStop = "<|endoftext|>"

// DefaultOptions returns the sampling settings used by the chat command.
func DefaultOptions() Options {
	return Options{
		Model:       "llama3.1:8b",
		Temperature: 0.5,
		MaxTokens:   512,
		Stop:        []string{DefaultStop},
	}
}
