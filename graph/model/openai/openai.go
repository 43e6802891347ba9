// Package openai provides a ChatModel adapter for OpenAI's Chat Completions API.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/leadgraph-go/graph/model"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// Config configures a ChatModel.
type Config struct {
	APIKey string

	// Model defaults to DefaultModel.
	Model string

	// JSON requests a JSON object response format.
	JSON bool

	// BaseURL overrides the API endpoint, for proxies and compatible servers.
	BaseURL string
}

// ChatModel implements model.ChatModel for OpenAI.
//
// Example:
//
//	m := openai.NewChatModel(openai.Config{APIKey: os.Getenv("OPENAI_API_KEY"), JSON: true})
type ChatModel struct {
	modelName string
	json      bool
	client    completionClient
}

type completionClient interface {
	createCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

type sdkClient struct {
	client *openai.Client
}

func (c *sdkClient) createCompletion(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

// NewChatModel creates a ChatModel. A missing API key is reported by Chat.
func NewChatModel(cfg Config) *ChatModel {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	m := &ChatModel{modelName: cfg.Model, json: cfg.JSON}
	if cfg.APIKey != "" {
		opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(cfg.BaseURL))
		}
		client := openai.NewClient(opts...)
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

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if m.json {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: openai.Ptr(shared.NewResponseFormatJSONObjectParam()),
		}
	}

	completion, err := m.client.createCompletion(ctx, params)
	if err != nil {
		return model.ChatOut{}, translateError(err)
	}
	return convertResponse(completion, m.modelName)
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func convertResponse(completion *openai.ChatCompletion, fallbackModel string) (model.ChatOut, error) {
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == "" {
		return model.ChatOut{}, model.ErrEmptyResponse
	}
	name := completion.Model
	if name == "" {
		name = fallbackModel
	}
	return model.ChatOut{
		Text:  completion.Choices[0].Message.Content,
		Model: name,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func translateError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	apiErr := &model.APIError{Provider: "openai", Err: err}
	var sdkErr *openai.Error
	if errors.As(err, &sdkErr) {
		apiErr.StatusCode = sdkErr.StatusCode
	}
	return apiErr
}
