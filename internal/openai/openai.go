// Package openai adapts OpenAI-compatible chat completion endpoints
// (OpenAI, Ollama, vLLM) to model.Provider.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
	modelpkg "github.com/stupiduntilnot/chatmem/internal/model"
)

// Client is a chat completions client.
type Client struct {
	client openai.Client
	opts   modelpkg.Options
}

// NewClient creates a client for the endpoint at baseURL. Retries are left
// to the caller, so the SDK's own retry loop is disabled.
func NewClient(apiKey, baseURL string, opts modelpkg.Options) *Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	return &Client{client: openai.NewClient(reqOpts...), opts: opts}
}

// ChatCompletion sends a chat completion request and returns a CompletionResponse.
func (c *Client) ChatCompletion(ctx context.Context, messages []ctxpkg.Turn) (modelpkg.CompletionResponse, error) {
	params, err := c.buildParams(messages)
	if err != nil {
		return modelpkg.CompletionResponse{}, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return modelpkg.CompletionResponse{}, classifyError(err)
	}

	result := modelpkg.CompletionResponse{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) > 0 {
		result.Content = strings.TrimSpace(resp.Choices[0].Message.Content)
	}
	return result, nil
}

func (c *Client) buildParams(messages []ctxpkg.Turn) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.opts.Model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case ctxpkg.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case ctxpkg.RoleUser:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		case ctxpkg.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			return params, fmt.Errorf("openai: unsupported role %q", m.Role)
		}
	}
	if c.opts.Temperature > 0 {
		params.Temperature = openai.Float(c.opts.Temperature)
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.opts.MaxTokens))
	}
	if len(c.opts.Stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: c.opts.Stop}
	}
	return params, nil
}

// classifyError categorizes an API error using the HTTP status code when
// available, falling back to message-based heuristics.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if msg := modelpkg.ClassifyMessage(err); msg.Class == modelpkg.ClassContextOverflow {
			msg.StatusCode = apiErr.StatusCode
			return msg
		}
		return modelpkg.ClassifyStatus(apiErr.StatusCode, err)
	}
	return modelpkg.ClassifyMessage(err)
}
