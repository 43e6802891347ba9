package tool

import (
	"context"
	"sync"
)

// MockTool is a test double for Tool.
//
// Responses are returned in order and the last one repeats. Handle, when
// set, computes the response from the input instead. Err is returned from
// every call when set.
//
// Example:
//
//	crmAPI := &tool.MockTool{
//	    ToolName: "http_request",
//	    Responses: []map[string]interface{}{
//	        {"status_code": 200, "body": `{"company":"Acme"}`},
//	    },
//	}
type MockTool struct {
	ToolName  string
	Responses []map[string]interface{}
	Handle    func(input map[string]interface{}) (map[string]interface{}, error)
	Err       error

	Calls []MockToolCall

	mu        sync.Mutex
	callIndex int
}

// MockToolCall records the input of one call.
type MockToolCall struct {
	Input map[string]interface{}
}

// Name implements Tool.
func (m *MockTool) Name() string {
	return m.ToolName
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockToolCall{Input: input})

	if m.Err != nil {
		return nil, m.Err
	}
	if m.Handle != nil {
		return m.Handle(input)
	}
	if len(m.Responses) == 0 {
		return map[string]interface{}{}, nil
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
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
}

// CallCount returns the number of calls made.
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
