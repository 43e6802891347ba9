package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/leadgraph-go/graph/model"
)

type fakeGenerator struct {
	resp   *genai.GenerateContentResponse
	err    error
	system string
	parts  []genai.Part
}

func (f *fakeGenerator) generate(_ context.Context, system string, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	f.system = system
	f.parts = parts
	return f.resp, f.err
}

func response(texts ...string) *genai.GenerateContentResponse {
	parts := make([]genai.Part, 0, len(texts))
	for _, t := range texts {
		parts = append(parts, genai.Text(t))
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: parts}}},
		UsageMetadata: &genai.UsageMetadata{
			PromptTokenCount:     30,
			CandidatesTokenCount: 9,
		},
	}
}

func TestNewChatModel_RequiresKey(t *testing.T) {
	if _, err := NewChatModel(context.Background(), Config{}); !errors.Is(err, model.ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}

func TestChatModel_Chat(t *testing.T) {
	t.Run("joins text parts and reports usage", func(t *testing.T) {
		fake := &fakeGenerator{resp: response(`{"summary":`, `"ok"}`)}
		m := &ChatModel{modelName: DefaultModel, client: fake}

		out, err := m.Chat(context.Background(), []model.Message{
			{Role: model.RoleSystem, Content: "Summarize."},
			{Role: model.RoleUser, Content: "Lead inquiry"},
		})
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if out.Text != `{"summary":"ok"}` {
			t.Errorf("unexpected text %q", out.Text)
		}
		if out.Usage.InputTokens != 30 || out.Usage.OutputTokens != 9 {
			t.Errorf("unexpected usage %+v", out.Usage)
		}
		if fake.system != "Summarize." {
			t.Errorf("expected system instruction, got %q", fake.system)
		}
		if len(fake.parts) != 1 {
			t.Errorf("expected 1 part, got %d", len(fake.parts))
		}
	})

	t.Run("no candidates is an empty response", func(t *testing.T) {
		m := &ChatModel{modelName: DefaultModel, client: &fakeGenerator{resp: &genai.GenerateContentResponse{}}}
		if _, err := m.Chat(context.Background(), nil); !errors.Is(err, model.ErrEmptyResponse) {
			t.Errorf("expected ErrEmptyResponse, got %v", err)
		}
	})

	t.Run("safety blocks are not retryable", func(t *testing.T) {
		blocked := &genai.BlockedError{PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety}}
		m := &ChatModel{modelName: DefaultModel, client: &fakeGenerator{err: blocked}}

		_, err := m.Chat(context.Background(), nil)
		var safety *SafetyFilterError
		if !errors.As(err, &safety) {
			t.Fatalf("expected SafetyFilterError, got %v", err)
		}
		if model.IsRetryable(err) {
			t.Error("safety block must not be retryable")
		}
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		m := &ChatModel{modelName: DefaultModel, client: &fakeGenerator{err: errors.New("unavailable")}}
		_, err := m.Chat(context.Background(), nil)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Provider != "google" {
			t.Fatalf("expected google APIError, got %v", err)
		}
	})

	t.Run("Close without client", func(t *testing.T) {
		m := &ChatModel{}
		if err := m.Close(); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}
