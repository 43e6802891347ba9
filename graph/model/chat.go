// Package model provides LLM integration adapters.
package model

import (
	"context"
	"errors"
	"fmt"
)

// ChatModel defines the interface for LLM chat providers.
//
// This interface abstracts the differences between providers (Anthropic,
// OpenAI, Google) behind one request shape. Implementations should:
//   - convert Message values to the provider's format
//   - report token usage in ChatOut.Usage when the provider returns it
//   - respect context cancellation and timeouts
//
// Retries are not the adapter's job: the executor retries the node that
// made the call according to its RetryPolicy.
//
// Example:
//
//	m := anthropic.NewChatModel(anthropic.Config{APIKey: key})
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleSystem, Content: "Reply with JSON only."},
//	    {Role: model.RoleUser, Content: prompt},
//	})
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role identifies the sender. Use the Role* constants.
	Role string

	// Content contains the message text.
	Content string
}

// Standard role constants for LLM conversations.
const (
	// RoleSystem sets context or instructions. Providers that take the
	// system prompt separately receive all system messages joined.
	RoleSystem = "system"

	// RoleUser is input from the caller.
	RoleUser = "user"

	// RoleAssistant is an earlier model response.
	RoleAssistant = "assistant"
)

// ChatOut is the response of one Chat call.
type ChatOut struct {
	// Text is the generated response.
	Text string

	// Model is the model that produced the response, as reported by the
	// provider when available.
	Model string

	Usage Usage
}

// Usage counts the tokens a call consumed.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// ErrMissingAPIKey is returned by adapters constructed without credentials.
var ErrMissingAPIKey = errors.New("API key is required")

// SplitSystem joins the system messages of a conversation and returns them
// with the remaining messages in order.
func SplitSystem(messages []Message) (string, []Message) {
	var system string
	var rest []Message
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}

// APIError is a provider failure normalized across adapters.
type APIError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s API error (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s API error: %v", e.Provider, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the call may succeed: rate limits,
// timeouts, server errors and failures without a status code.
func (e *APIError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 409, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err is worth another attempt. Errors that
// are not APIErrors are assumed transient, except ErrMissingAPIKey.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrMissingAPIKey) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
