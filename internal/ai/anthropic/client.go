// Package anthropic adapts the Anthropic Messages API to ai.Client.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/spigell/doc-evaluator/internal/ai"
	"github.com/spigell/doc-evaluator/internal/logger"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 4096
	providerName     = "anthropic"
)

// Options tunes generation.
type Options struct {
	Model     string
	MaxTokens int64
	// BaseURL overrides the API endpoint.
	BaseURL string
}

// Client implements ai.Client using the official SDK.
type Client struct {
	client    sdk.Client
	model     string
	maxTokens int64
	logger    *zap.Logger
}

// NewClient creates a client. Retries are left to the evaluation engine.
func NewClient(apiKey string, opts Options, log *zap.Logger) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, eris.New("anthropic api key is required")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &Client{
		client:    sdk.NewClient(reqOpts...),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.WithCommonFields(log, providerName, model),
	}, nil
}

// Generate sends the conversation and returns the text blocks of the reply.
func (c *Client) Generate(ctx context.Context, call ai.Call) (string, error) {
	if len(call.Messages) == 0 {
		return "", eris.New("anthropic: messages must not be empty")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(c.resolveModel(call.Model)),
		MaxTokens: c.maxTokens,
		Messages:  toSDKMessages(call.Messages),
	}
	if system := strings.TrimSpace(call.System); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classify(eris.Wrap(err, "anthropic: create message"))
	}

	var parts []string
	for _, block := range msg.Content {
		if text := strings.TrimSpace(block.Text); text != "" {
			parts = append(parts, text)
		}
	}

	output := strings.Join(parts, "\n")
	if output == "" {
		return "", &ai.TransientError{Err: eris.New("anthropic: empty response")}
	}

	c.logger.Debug("anthropic usage",
		zap.String("label", call.Label),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)

	return output, nil
}

func (c *Client) resolveModel(requested string) string {
	requested = strings.TrimSpace(requested)
	if strings.HasPrefix(requested, "claude") {
		return requested
	}
	return c.model
}

func toSDKMessages(msgs []ai.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, len(msgs))
	for i, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case ai.RoleAssistant:
			out[i] = sdk.NewAssistantMessage(block)
		default:
			out[i] = sdk.NewUserMessage(block)
		}
	}
	return out
}

func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return ai.ClassifyStatus(err, apiErr.StatusCode)
	}
	if ai.IsTransient(err) {
		return &ai.TransientError{Err: err}
	}
	return err
}
