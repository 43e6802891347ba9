package model

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Pricing defines input and output token costs in USD per 1M tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultPricing covers the models the bundled adapters default to. Models
// missing from the table are tracked with zero cost.
var DefaultPricing = map[string]Pricing{
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-5-haiku-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.00},
	"claude-sonnet-4-20250514":   {InputPer1M: 3.00, OutputPer1M: 15.00},
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// Call is one recorded model invocation.
type Call struct {
	Model        string
	Purpose      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Timestamp    time.Time
}

// UsageTracker accumulates token usage and cost across model calls.
// It is safe for concurrent use.
type UsageTracker struct {
	mu      sync.RWMutex
	pricing map[string]Pricing
	calls   []Call
	total   float64
	byModel map[string]float64
	input   int64
	output  int64
}

// NewUsageTracker creates a tracker using DefaultPricing.
func NewUsageTracker() *UsageTracker {
	pricing := make(map[string]Pricing, len(DefaultPricing))
	for m, p := range DefaultPricing {
		pricing[m] = p
	}
	return &UsageTracker{
		pricing: pricing,
		byModel: map[string]float64{},
	}
}

// SetPricing overrides the price of one model.
func (t *UsageTracker) SetPricing(model string, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pricing[model] = p
}

// Record adds the usage of one call. purpose labels what the call was for,
// such as "draft_email".
func (t *UsageTracker) Record(model, purpose string, usage Usage) Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pricing[model]
	cost := float64(usage.InputTokens)/1_000_000*p.InputPer1M +
		float64(usage.OutputTokens)/1_000_000*p.OutputPer1M
	call := Call{
		Model:        model,
		Purpose:      purpose,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		Timestamp:    time.Now(),
	}
	t.calls = append(t.calls, call)
	t.total += cost
	t.byModel[model] += cost
	t.input += int64(usage.InputTokens)
	t.output += int64(usage.OutputTokens)
	return call
}

// TotalCost returns the cumulative cost in USD.
func (t *UsageTracker) TotalCost() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// CostByModel returns a copy of the per-model cost breakdown.
func (t *UsageTracker) CostByModel() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.byModel))
	for m, c := range t.byModel {
		out[m] = c
	}
	return out
}

// Tokens returns the total input and output tokens recorded.
func (t *UsageTracker) Tokens() (input, output int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.input, t.output
}

// Calls returns a copy of the recorded calls in order.
func (t *UsageTracker) Calls() []Call {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Call(nil), t.calls...)
}

// Reset clears recorded usage but keeps the pricing table.
func (t *UsageTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = nil
	t.total = 0
	t.byModel = map[string]float64{}
	t.input = 0
	t.output = 0
}

func (t *UsageTracker) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return fmt.Sprintf("UsageTracker{Calls: %d, TotalCost: $%.4f, InputTokens: %d, OutputTokens: %d}",
		len(t.calls), t.total, t.input, t.output)
}

// Tracked wraps a ChatModel so every successful call is recorded in
// tracker under purpose.
func Tracked(m ChatModel, tracker *UsageTracker, purpose string) ChatModel {
	if tracker == nil {
		return m
	}
	return &trackedModel{next: m, tracker: tracker, purpose: purpose}
}

type trackedModel struct {
	next    ChatModel
	tracker *UsageTracker
	purpose string
}

func (t *trackedModel) Chat(ctx context.Context, messages []Message) (ChatOut, error) {
	out, err := t.next.Chat(ctx, messages)
	if err == nil {
		t.tracker.Record(out.Model, t.purpose, out.Usage)
	}
	return out, err
}
