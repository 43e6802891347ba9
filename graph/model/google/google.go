// Package google provides a ChatModel adapter for Google Gemini.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/leadgraph-go/graph/model"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gemini-1.5-flash"

// Config configures a ChatModel.
type Config struct {
	APIKey string

	// Model defaults to DefaultModel.
	Model string

	// JSON sets the response MIME type to application/json.
	JSON bool
}

// ChatModel implements model.ChatModel for Gemini.
//
// System messages become the model's system instruction. The remaining
// conversation is sent as text parts of a single request.
//
// Example:
//
//	m, err := google.NewChatModel(ctx, google.Config{APIKey: os.Getenv("GOOGLE_API_KEY")})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
type ChatModel struct {
	modelName string
	client    generator
	closer    func() error
}

type generator interface {
	generate(ctx context.Context, system string, parts []genai.Part) (*genai.GenerateContentResponse, error)
}

type sdkClient struct {
	client    *genai.Client
	modelName string
	json      bool
}

func (c *sdkClient) generate(ctx context.Context, system string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	gm := c.client.GenerativeModel(c.modelName)
	if c.json {
		gm.ResponseMIMEType = "application/json"
	}
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}
	return gm.GenerateContent(ctx, parts...)
}

// NewChatModel creates a ChatModel and its Gemini client.
func NewChatModel(ctx context.Context, cfg Config) (*ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, model.ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	return &ChatModel{
		modelName: cfg.Model,
		client:    &sdkClient{client: client, modelName: cfg.Model, json: cfg.JSON},
		closer:    client.Close,
	}, nil
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	system, conversation := model.SplitSystem(messages)
	resp, err := m.client.generate(ctx, system, convertMessages(conversation))
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return model.ChatOut{}, safetyError(blocked)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.ChatOut{}, err
		}
		return model.ChatOut{}, &model.APIError{Provider: "google", Err: err}
	}
	return convertResponse(resp, m.modelName)
}

func convertMessages(messages []model.Message) []genai.Part {
	parts := make([]genai.Part, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		if msg.Role == model.RoleAssistant {
			parts = append(parts, genai.Text("Previous answer:\n"+msg.Content))
			continue
		}
		parts = append(parts, genai.Text(msg.Content))
	}
	return parts
}

func convertResponse(resp *genai.GenerateContentResponse, modelName string) (model.ChatOut, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return model.ChatOut{}, model.ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return model.ChatOut{}, model.ErrEmptyResponse
	}

	out := model.ChatOut{Text: sb.String(), Model: modelName}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// SafetyFilterError reports content blocked by Gemini's safety filters.
// It is never retryable.
type SafetyFilterError struct {
	Reason string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.Reason
}

func safetyError(blocked *genai.BlockedError) error {
	reason := "unknown"
	switch {
	case blocked.PromptFeedback != nil:
		reason = blocked.PromptFeedback.BlockReason.String()
	case blocked.Candidate != nil:
		reason = blocked.Candidate.FinishReason.String()
	}
	return &model.APIError{
		Provider:   "google",
		StatusCode: 400,
		Err:        &SafetyFilterError{Reason: reason},
	}
}
