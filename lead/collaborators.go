package lead

import (
	"context"
	"time"
)

// CRM reads and updates the lead's system of record.
type CRM interface {
	// LookupLead returns the record for id. recordType is "Lead" or
	// "Contact".
	LookupLead(ctx context.Context, id, recordType string) (CRMRecord, error)

	// UpdateStatus writes the qualification status back to the record.
	UpdateStatus(ctx context.Context, id, recordType, status string) error

	// LogTask records a sent email as an activity on the record.
	LogTask(ctx context.Context, id, subject, body string) error
}

// CRMRecord holds the qualification fields of a CRM record.
type CRMRecord struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
	Industry  string `json:"industry,omitempty"`
	Employees string `json:"employees,omitempty"`
	Revenue   string `json:"revenue,omitempty"`
	Website   string `json:"website,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// Marketing returns engagement history from the marketing-automation
// system.
type Marketing interface {
	Engagement(ctx context.Context, email string, since time.Duration) (Engagement, error)
}

// Engagement summarizes recent marketing activity for a lead.
type Engagement struct {
	LeadID     string     `json:"lead_id,omitempty"`
	Activities []Activity `json:"activities,omitempty"`
}

// Activity is one marketing touchpoint.
type Activity struct {
	Type   string `json:"type"`
	Date   string `json:"date,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Researcher summarizes public information about a company.
type Researcher interface {
	ResearchCompany(ctx context.Context, company, website string) (string, error)
}

// Analyst makes the language-model judgements of the workflow. The engine
// routes on its categorical answers and never interprets free text itself.
type Analyst interface {
	AnalyzeInquiry(ctx context.Context, inquiry string) (InquiryAnalysis, error)
	Qualify(ctx context.Context, req QualifyRequest) (Qualification, error)
	DraftEmail(ctx context.Context, req DraftRequest) (string, error)
	ReviewEmail(ctx context.Context, req ReviewRequest) (Review, error)
	InterpretReply(ctx context.Context, req ReplyRequest) (Interpretation, error)
}

// InquiryAnalysis classifies the free-text inquiry.
type InquiryAnalysis struct {
	Category string `json:"category"`

	// EstimatedSpend is the monthly spend implied by volumes mentioned in
	// the inquiry, in USD. Zero when no volumes are given.
	EstimatedSpend float64 `json:"estimated_spend,omitempty"`
}

// QualifyRequest carries everything known about a lead at qualification.
type QualifyRequest struct {
	Lead           Lead
	Category       string
	EstimatedSpend float64
}

// Qualification is the qualification decision.
type Qualification struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// DraftRequest asks for a reply to the lead.
type DraftRequest struct {
	Lead     Lead
	Status   string
	Category string

	// Context is research gathered about the lead.
	Context string

	// Feedback is the most recent review or reviewer feedback, empty for
	// the first draft.
	Feedback string
}

// ReviewRequest asks for a quality review of a draft.
type ReviewRequest struct {
	Inquiry string
	Status  string
	Body    string
}

// Review scores a draft from 1 to 10.
type Review struct {
	Approved    bool     `json:"approved"`
	Score       float64  `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// ReplyRequest carries a human reply to an approval request.
type ReplyRequest struct {
	Message   string
	LeadEmail string
	DraftBody string
}

// Interpretation maps a human reply to one of the graph decisions
// (approved, changes_requested, rejected).
type Interpretation struct {
	Decision  string `json:"decision"`
	Feedback  string `json:"feedback,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Mailer delivers email.
type Mailer interface {
	// Send delivers msg and returns the provider's message id.
	Send(ctx context.Context, msg Email) (string, error)
}

// Email is an outbound message.
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Ledger appends one row per finished workflow for reporting.
type Ledger interface {
	Append(ctx context.Context, rec Record) error
}

// Record is the business summary of a workflow run.
type Record struct {
	ReceivedAt     string
	LeadID         string
	Email          string
	Company        string
	Inquiry        string
	Category       string
	Status         string
	Reason         string
	EstimatedSpend float64
	DraftVersions  int
	ReviewScore    float64
	Decision       string
	Reviewer       string
	EmailSent      bool
	CRMUpdated     bool
}

// ApprovalChannel posts drafts for human review. The returned Thread
// identifies the conversation the reviewer's reply will arrive on.
type ApprovalChannel interface {
	RequestApproval(ctx context.Context, req ApprovalRequest) (Thread, error)
}

// ApprovalRequest is posted to the approval channel.
type ApprovalRequest struct {
	LeadEmail string
	Status    string
	Reason    string
	Subject   string
	Body      string
	Version   int

	// Note is set when the previous reply could not be interpreted.
	Note string
}

// Thread identifies an approval conversation.
type Thread struct {
	Channel  string
	ThreadTS string
}

// Token returns the correlation token for t.
func (t Thread) Token() string {
	return ThreadToken(t.Channel, t.ThreadTS)
}

// Collaborators bundles the external systems the workflow calls. CRM,
// Analyst and Mailer are required; the workflow runs without the others.
type Collaborators struct {
	CRM        CRM
	Marketing  Marketing
	Researcher Researcher
	Analyst    Analyst
	Mailer     Mailer
	Ledger     Ledger
	Approvals  ApprovalChannel
}
