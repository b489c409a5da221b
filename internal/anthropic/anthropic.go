// Package anthropic adapts the Anthropic Messages API to model.Provider.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	modelpkg "github.com/stupiduntilnot/chatmem/internal/model"
)

const summaryPrefix = "Summary of the earlier conversation:\n"

// Client is a Messages API client.
type Client struct {
	client anthropic.Client
	opts   modelpkg.Options
}

// NewClient creates a client. baseURL may be empty for the public API.
func NewClient(apiKey, baseURL string, opts modelpkg.Options) *Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &Client{client: anthropic.NewClient(reqOpts...), opts: opts}
}

// ChatCompletion sends the conversation and returns the concatenated text blocks.
func (c *Client) ChatCompletion(ctx context.Context, messages []ctxpkg.Turn) (modelpkg.CompletionResponse, error) {
	system, msgs, err := convertTurns(messages)
	if err != nil {
		return modelpkg.CompletionResponse{}, err
	}

	maxTokens := c.opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = modelpkg.DefaultOptions().MaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.opts.Model),
		MaxTokens: int64(maxTokens),
		System:    system,
		Messages:  msgs,
	}
	if c.opts.Temperature > 0 {
		params.Temperature = anthropic.Float(c.opts.Temperature)
	}
	if len(c.opts.Stop) > 0 {
		params.StopSequences = c.opts.Stop
	}

	response, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return modelpkg.CompletionResponse{}, classifyError(err)
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return modelpkg.CompletionResponse{
		Content:      strings.TrimSpace(text.String()),
		InputTokens:  int(response.Usage.InputTokens),
		OutputTokens: int(response.Usage.OutputTokens),
	}, nil
}

// convertTurns maps turns onto the Messages API shape. System turns become
// system blocks. The API requires the first message to come from the user,
// so assistant turns that precede any user turn (the running summaries)
// are carried in the system prompt. When compaction has folded every turn
// into summaries, the summaries are sent as the user message instead.
// Consecutive turns with the same role are merged.
func convertTurns(turns []ctxpkg.Turn) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	var (
		system   []anthropic.TextBlockParam
		messages []anthropic.MessageParam
		lastRole ctxpkg.Role
		pending  []string
		leading  []string
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(pending, "\n\n"))
		if lastRole == ctxpkg.RoleUser {
			messages = append(messages, anthropic.NewUserMessage(block))
		} else {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		}
		pending = nil
	}

	for _, t := range turns {
		switch t.Role {
		case ctxpkg.RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: t.Content})
		case ctxpkg.RoleAssistant:
			if len(messages) == 0 && lastRole == "" {
				leading = append(leading, t.Content)
				continue
			}
			fallthrough
		case ctxpkg.RoleUser:
			if t.Role != lastRole {
				flush()
				lastRole = t.Role
			}
			pending = append(pending, t.Content)
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported role %q", t.Role)
		}
	}
	flush()
	if len(messages) == 0 {
		if len(leading) == 0 {
			return nil, nil, fmt.Errorf("anthropic: conversation has no user turn")
		}
		text := summaryPrefix + strings.Join(leading, "\n\n")
		return system, []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(text))}, nil
	}
	for _, summary := range leading {
		system = append(system, anthropic.TextBlockParam{Text: summaryPrefix + summary})
	}
	return system, messages, nil
}

// classifyError categorizes an API error using the HTTP status code when
// available, falling back to message-based heuristics.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if msg := modelpkg.ClassifyMessage(err); msg.Class == modelpkg.ClassContextOverflow {
			msg.StatusCode = apiErr.StatusCode
			return msg
		}
		return modelpkg.ClassifyStatus(apiErr.StatusCode, err)
	}
	return modelpkg.ClassifyMessage(err)
}
