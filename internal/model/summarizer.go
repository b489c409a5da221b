package model

import (
	"context"
	"fmt"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
)

// SummaryPrompt is appended after the chunk being summarized.
const SummaryPrompt = "Distill the above chat messages into a single summary message. Include as many specific details as you can."

// Summarizer implements ctxpkg.Summarizer on top of a Provider.
type Summarizer struct {
	Provider Provider
	Prompt   string
}

// NewSummarizer creates a Summarizer using SummaryPrompt.
func NewSummarizer(p Provider) *Summarizer {
	return &Summarizer{Provider: p, Prompt: SummaryPrompt}
}

// Summarize sends the chunk followed by the distill instruction. The chunk
// is copied; the caller's slice is never modified.
func (s *Summarizer) Summarize(ctx context.Context, chunk []ctxpkg.Turn) (string, error) {
	if len(chunk) == 0 {
		return "", fmt.Errorf("summarize: empty chunk")
	}
	prompt := s.Prompt
	if prompt == "" {
		prompt = SummaryPrompt
	}
	messages := make([]ctxpkg.Turn, 0, len(chunk)+1)
	messages = append(messages, chunk...)
	messages = append(messages, ctxpkg.Turn{Role: ctxpkg.RoleUser, Content: prompt, Seq: ctxpkg.NoSeq})

	resp, err := s.Provider.ChatCompletion(ctx, messages)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
