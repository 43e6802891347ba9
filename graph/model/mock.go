package model

import (
	"context"
	"sync"
)

// MockChatModel is a test double for ChatModel.
//
// Responses are returned in order; once exhausted the last one repeats.
// When Respond is set it takes precedence and computes each response from
// the request. Err, when set, is returned from every call.
//
// Example:
//
//	mock := &model.MockChatModel{
//	    Responses: []model.ChatOut{{Text: `{"score": 8}`}},
//	}
type MockChatModel struct {
	Responses []ChatOut
	Respond   func(messages []Message) (ChatOut, error)
	Err       error

	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
}

// MockChatCall records the messages of one call.
type MockChatCall struct {
	Messages []Message
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{Messages: append([]Message(nil), messages...)})

	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if m.Respond != nil {
		return m.Respond(messages)
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears recorded calls and rewinds the response sequence.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of Chat calls made.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
