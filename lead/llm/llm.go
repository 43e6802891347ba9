// Package llm implements the lead Analyst and Researcher on a chat model.
//
// Every call asks for a single JSON object. Provider failures that cannot
// succeed on retry (bad credentials, rejected requests, safety blocks) are
// marked permanent so the executor fails the node instead of retrying it.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/graph/model"
	"github.com/dshills/leadgraph-go/lead"
)

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model response")

// Analyst implements lead.Analyst and lead.Researcher.
type Analyst struct {
	model   model.ChatModel
	tracker *model.UsageTracker
}

// Option configures an Analyst.
type Option func(*Analyst)

// WithUsageTracker records the tokens and cost of every call, labelled by
// the workflow step that made it.
func WithUsageTracker(t *model.UsageTracker) Option {
	return func(a *Analyst) {
		a.tracker = t
	}
}

// New creates an Analyst over m.
func New(m model.ChatModel, opts ...Option) *Analyst {
	a := &Analyst{model: m}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var (
	_ lead.Analyst    = (*Analyst)(nil)
	_ lead.Researcher = (*Analyst)(nil)
)

// ask sends prompt and decodes the JSON object of the answer into v.
func (a *Analyst) ask(ctx context.Context, purpose, prompt string, v any) error {
	m := model.Tracked(a.model, a.tracker, purpose)
	out, err := m.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: systemJSON},
		{Role: model.RoleUser, Content: prompt},
	})
	if err != nil {
		if !model.IsRetryable(err) {
			return graph.Permanent(fmt.Errorf("%s: %w", purpose, err))
		}
		return fmt.Errorf("%s: %w", purpose, err)
	}
	if err := decodeJSON(out.Text, v); err != nil {
		return fmt.Errorf("%s: %w", purpose, err)
	}
	return nil
}

// decodeJSON parses text as JSON, falling back to the outermost object when
// the model wrapped it in prose or a code fence.
func decodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if err := json.Unmarshal([]byte(text), v); err == nil {
		return nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// ResearchCompany implements lead.Researcher.
func (a *Analyst) ResearchCompany(ctx context.Context, company, website string) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	if err := a.ask(ctx, "research_web", fmt.Sprintf(researchPrompt, company, website), &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// AnalyzeInquiry implements lead.Analyst.
func (a *Analyst) AnalyzeInquiry(ctx context.Context, inquiry string) (lead.InquiryAnalysis, error) {
	var resp lead.InquiryAnalysis
	if err := a.ask(ctx, "analyze_inquiry", fmt.Sprintf(analyzePrompt, inquiry), &resp); err != nil {
		return lead.InquiryAnalysis{}, err
	}
	resp.Category = normalizeCategory(resp.Category)
	if resp.EstimatedSpend < 0 {
		resp.EstimatedSpend = 0
	}
	return resp, nil
}

func normalizeCategory(c string) string {
	for _, known := range []string{lead.CategorySales, lead.CategorySpam, lead.CategorySupport, lead.CategoryEmpty} {
		if strings.EqualFold(strings.TrimSpace(c), known) {
			return known
		}
	}
	return lead.CategorySales
}

// Qualify implements lead.Analyst.
func (a *Analyst) Qualify(ctx context.Context, req lead.QualifyRequest) (lead.Qualification, error) {
	prompt := fmt.Sprintf(qualifyPrompt,
		req.Lead.Inquiry, req.Category, req.EstimatedSpend,
		req.Lead.Email, req.Lead.Revenue, req.Lead.Industry, req.Lead.Employees)
	var resp lead.Qualification
	if err := a.ask(ctx, "qualify_lead", prompt, &resp); err != nil {
		return lead.Qualification{}, err
	}
	resp.Status = normalizeStatus(resp.Status)
	return resp, nil
}

func normalizeStatus(s string) string {
	for _, known := range []string{lead.StatusSQL, lead.StatusSSL, lead.StatusUnknown, lead.StatusDisqualified, lead.StatusSupport} {
		if strings.EqualFold(strings.TrimSpace(s), known) {
			return known
		}
	}
	return lead.StatusUnknown
}

// DraftEmail implements lead.Analyst.
func (a *Analyst) DraftEmail(ctx context.Context, req lead.DraftRequest) (string, error) {
	name := req.Lead.FirstName
	if name == "" {
		name = "there"
	}
	var feedback string
	if req.Feedback != "" {
		feedback = "\nRevise the previous draft to address this feedback: " + req.Feedback + "\n"
	}
	prompt := fmt.Sprintf(draftPrompt, name, req.Lead.Inquiry, req.Status, req.Category, req.Context, feedback)

	var resp struct {
		Body string `json:"email_body"`
	}
	if err := a.ask(ctx, "draft_email", prompt, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Body) == "" {
		return "", fmt.Errorf("draft_email: %w", model.ErrEmptyResponse)
	}
	return resp.Body, nil
}

// ReviewEmail implements lead.Analyst.
func (a *Analyst) ReviewEmail(ctx context.Context, req lead.ReviewRequest) (lead.Review, error) {
	var resp lead.Review
	if err := a.ask(ctx, "review_email", fmt.Sprintf(reviewPrompt, req.Inquiry, req.Status, req.Body), &resp); err != nil {
		return lead.Review{}, err
	}
	return resp, nil
}

// InterpretReply implements lead.Analyst. Decisions outside the known set
// are passed through; the workflow asks the reviewer to clarify them.
func (a *Analyst) InterpretReply(ctx context.Context, req lead.ReplyRequest) (lead.Interpretation, error) {
	preview := req.DraftBody
	if r := []rune(preview); len(r) > 200 {
		preview = string(r[:200])
	}
	var resp lead.Interpretation
	if err := a.ask(ctx, "interpret_reply", fmt.Sprintf(interpretPrompt, req.LeadEmail, preview, req.Message), &resp); err != nil {
		return lead.Interpretation{}, err
	}
	resp.Decision = strings.ToLower(strings.TrimSpace(resp.Decision))
	return resp, nil
}
