package lead

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/graph/store"
)

type fakeCRM struct {
	mu        sync.Mutex
	record    CRMRecord
	err       error
	updateErr error
	updates   map[string]string
	tasks     []string
	lookups   int
}

func (f *fakeCRM) LookupLead(_ context.Context, id, _ string) (CRMRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	return f.record, f.err
}

func (f *fakeCRM) UpdateStatus(_ context.Context, id, _, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	if f.updates == nil {
		f.updates = map[string]string{}
	}
	f.updates[id] = status
	return nil
}

func (f *fakeCRM) LogTask(_ context.Context, id, subject, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, id+":"+subject)
	return nil
}

type fakeMarketing struct {
	activities int
}

func (f *fakeMarketing) Engagement(context.Context, string, time.Duration) (Engagement, error) {
	e := Engagement{LeadID: "mkto-1"}
	for i := 0; i < f.activities; i++ {
		e.Activities = append(e.Activities, Activity{Type: "Visit Webpage", Detail: "/pricing"})
	}
	return e, nil
}

type fakeResearcher struct{}

func (fakeResearcher) ResearchCompany(_ context.Context, company, _ string) (string, error) {
	return company + " builds logistics software.", nil
}

// fakeAnalyst classifies inquiries mentioning "SEO" as spam, qualifies
// leads spending at least 2000 as SQL and returns scripted review scores.
type fakeAnalyst struct {
	mu         sync.Mutex
	spend      float64
	scores     []float64
	drafts     []DraftRequest
	reviews    int
	qualifies  int
	interprets int
	draftErr   error
}

func (f *fakeAnalyst) AnalyzeInquiry(_ context.Context, inquiry string) (InquiryAnalysis, error) {
	if strings.Contains(inquiry, "SEO") {
		return InquiryAnalysis{Category: CategorySpam}, nil
	}
	return InquiryAnalysis{Category: CategorySales, EstimatedSpend: f.spend}, nil
}

func (f *fakeAnalyst) Qualify(_ context.Context, req QualifyRequest) (Qualification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.qualifies++
	if req.EstimatedSpend >= 2000 {
		return Qualification{Status: StatusSQL, Reason: fmt.Sprintf("spend %.0f", req.EstimatedSpend)}, nil
	}
	return Qualification{Status: StatusSSL, Reason: "low spend"}, nil
}

func (f *fakeAnalyst) DraftEmail(_ context.Context, req DraftRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.draftErr != nil {
		return "", f.draftErr
	}
	f.drafts = append(f.drafts, req)
	return fmt.Sprintf("Hi %s,\nthanks for reaching out (v%d).", req.Lead.FirstName, len(f.drafts)), nil
}

func (f *fakeAnalyst) ReviewEmail(context.Context, ReviewRequest) (Review, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	score := 8.0
	if f.reviews < len(f.scores) {
		score = f.scores[f.reviews]
	}
	f.reviews++
	r := Review{Approved: score >= 7, Score: score}
	if score < 7 {
		r.Suggestions = []string{"mention the meeting link"}
	}
	return r, nil
}

func (f *fakeAnalyst) InterpretReply(_ context.Context, req ReplyRequest) (Interpretation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interprets++
	msg := strings.ToLower(req.Message)
	switch {
	case strings.Contains(msg, "send it"):
		return Interpretation{Decision: graph.DecisionApproved}, nil
	case strings.Contains(msg, "shorter"):
		return Interpretation{Decision: graph.DecisionChangesRequested, Feedback: "Make it shorter."}, nil
	case strings.Contains(msg, "bad lead"):
		return Interpretation{Decision: graph.DecisionRejected}, nil
	default:
		return Interpretation{Decision: "unsure"}, nil
	}
}

func (f *fakeAnalyst) draftCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.drafts)
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (f *fakeMailer) Send(_ context.Context, msg Email) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, msg)
	return fmt.Sprintf("msg-%d", len(f.sent)), nil
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeLedger struct {
	mu      sync.Mutex
	records []Record
}

func (f *fakeLedger) Append(_ context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

// fakeApprovals opens a new thread ts-1, ts-2, ... on every request.
type fakeApprovals struct {
	mu       sync.Mutex
	requests []ApprovalRequest
}

func (f *fakeApprovals) RequestApproval(_ context.Context, req ApprovalRequest) (Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return Thread{Channel: "C-sales", ThreadTS: fmt.Sprintf("ts-%d", len(f.requests))}, nil
}

func (f *fakeApprovals) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fixture struct {
	crm       *fakeCRM
	analyst   *fakeAnalyst
	mailer    *fakeMailer
	ledger    *fakeLedger
	approvals *fakeApprovals
	store     *store.MemStore
	exec      *graph.Executor
	service   *Service
}

type fixtureOption func(*fixture, *Config, *Collaborators)

func withApprovals() fixtureOption {
	return func(f *fixture, _ *Config, c *Collaborators) {
		f.approvals = &fakeApprovals{}
		c.Approvals = f.approvals
	}
}

func withMaxRevisions(n int) fixtureOption {
	return func(_ *fixture, cfg *Config, _ *Collaborators) {
		cfg.MaxRevisions = n
	}
}

// newFixture builds the workflow over fakes with retries disabled. The
// analyst estimates a monthly spend of 2400.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		crm:     &fakeCRM{record: CRMRecord{Industry: "Logistics", Employees: "250"}},
		analyst: &fakeAnalyst{spend: 2400},
		mailer:  &fakeMailer{},
		ledger:  &fakeLedger{},
		store:   store.NewMemStore(),
	}
	cfg := Config{
		MaxRevisions: 3,
		Now:          func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
	c := Collaborators{
		CRM:        f.crm,
		Marketing:  &fakeMarketing{activities: 2},
		Researcher: fakeResearcher{},
		Analyst:    f.analyst,
		Mailer:     f.mailer,
		Ledger:     f.ledger,
	}
	for _, opt := range opts {
		opt(f, &cfg, &c)
	}

	g, err := Build(cfg, c)
	require.NoError(t, err)

	f.exec, err = graph.NewExecutor(f.store,
		graph.WithRetryPolicy(graph.RetryPolicy{MaxAttempts: 1}),
		graph.WithCheckpointTTL(48*time.Hour),
	)
	require.NoError(t, err)

	f.service, err = NewService(f.exec, g, f.analyst, nil)
	require.NoError(t, err)
	return f
}

func sampleLead() Lead {
	return Lead{
		ID:        "00Q5e00000ABCDE",
		Email:     "Dana@Example.com",
		FirstName: "Dana",
		Company:   "Acme Freight",
		Inquiry:   "We send about 600k SMS a month and want to move off our current provider.",
	}
}

var errUnavailable = errors.New("service unavailable")
