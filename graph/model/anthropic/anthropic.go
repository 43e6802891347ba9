// Package anthropic provides a ChatModel adapter for Anthropic's Claude API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/leadgraph-go/graph/model"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "claude-3-5-sonnet-20241022"

// Config configures a ChatModel.
type Config struct {
	APIKey string

	// Model defaults to DefaultModel.
	Model string

	// MaxTokens caps the response length. Defaults to 4096.
	MaxTokens int64

	// BaseURL overrides the API endpoint, for proxies and tests.
	BaseURL string
}

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// System messages are joined and sent as the separate system parameter the
// Messages API expects.
//
// Example:
//
//	m := anthropic.NewChatModel(anthropic.Config{APIKey: os.Getenv("ANTHROPIC_API_KEY")})
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "Hello"}})
type ChatModel struct {
	modelName string
	maxTokens int64
	client    messageClient
}

// messageClient is the slice of the SDK the adapter uses, so tests can fake
// responses without a network.
type messageClient interface {
	createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

type sdkClient struct {
	client *anthropic.Client
}

func (c *sdkClient) createMessage(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}

// NewChatModel creates a ChatModel. A missing API key is reported by Chat.
func NewChatModel(cfg Config) *ChatModel {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	m := &ChatModel{modelName: cfg.Model, maxTokens: cfg.MaxTokens}
	if cfg.APIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		client := anthropic.NewClient(opts...)
		m.client = &sdkClient{client: &client}
	}
	return m
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	if m.client == nil {
		return model.ChatOut{}, model.ErrMissingAPIKey
	}

	system, conversation := model.SplitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m.modelName),
		MaxTokens: m.maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := m.client.createMessage(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return convertResponse(message, m.modelName)
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
			continue
		}
		out = append(out, anthropic.NewUserMessage(block))
	}
	return out
}

func convertResponse(message *anthropic.Message, fallbackModel string) (model.ChatOut, error) {
	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return model.ChatOut{}, model.ErrEmptyResponse
	}

	name := string(message.Model)
	if name == "" {
		name = fallbackModel
	}
	return model.ChatOut{
		Text:  sb.String(),
		Model: name,
		Usage: model.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	apiErr := &model.APIError{Provider: "anthropic", Err: err}
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		apiErr.StatusCode = sdkErr.StatusCode
	}
	return apiErr
}
