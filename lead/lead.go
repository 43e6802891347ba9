// Package lead wires the contact-sales handoff workflow onto the graph
// engine.
//
// An inbound inquiry is researched in parallel (CRM record, marketing
// engagement, company web research), classified and qualified, answered by
// a drafted email that loops through review until it scores well enough,
// optionally held for a human approval, sent or skipped, written back to
// the CRM and logged. Every external system is a collaborator behind one of
// the interfaces in collaborators.go.
package lead

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dshills/leadgraph-go/graph"
)

// GraphName is the name the workflow graph is compiled and registered under.
const GraphName = "lead-handoff"

// Node ids.
const (
	NodeIntake               = "intake"
	NodeResearchCRM          = "research_crm"
	NodeResearchMarketing    = "research_marketing"
	NodeResearchWeb          = "research_web"
	NodeAnalyzeInquiry       = "analyze_inquiry"
	NodeQualifyLead          = "qualify_lead"
	NodeDraftEmail           = "draft_email"
	NodeReviewEmail          = "review_email"
	NodeCheckApproval        = "check_approval"
	NodeRequestApproval      = "request_approval"
	NodeRequestClarification = "request_clarification"
	NodeSendEmail            = "send_email"
	NodeSkipEmail            = "skip_email"
	NodeUpdateCRM            = "update_crm"
	NodeLogResults           = "log_results"
	NodeFinalize             = "finalize"
)

// State fields written by the workflow.
const (
	FieldLead             = "lead"
	FieldReceivedAt       = "received_at"
	FieldCRM              = "crm_research"
	FieldMarketing        = "marketing_research"
	FieldWeb              = "web_research"
	FieldAnalysis         = "inquiry_analysis"
	FieldEstimatedSpend   = "estimated_spend"
	FieldStatus           = "qualification_status"
	FieldReason           = "qualification_reason"
	FieldDraft            = "email_draft"
	FieldFeedback         = "feedback_history"
	FieldReviewScore      = "review_score"
	FieldReviewCount      = "review_count"
	FieldAutoApproved     = "auto_approved"
	FieldRequiresApproval = "requires_approval"
	FieldApproval         = "approval"
	FieldEmailSent        = "email_sent"
	FieldMessageID        = "message_id"
	FieldTaskLogged       = "crm_task_logged"
	FieldSkipReason       = "skip_reason"
	FieldCRMUpdated       = "crm_updated"
	FieldLogged           = "logged"
	FieldWorkflowStatus   = "workflow_status"
	FieldCompletedAt      = "completed_at"
)

// Qualification statuses returned by Analyst.Qualify.
const (
	StatusSQL          = "SQL"
	StatusSSL          = "SSL"
	StatusUnknown      = "Unknown"
	StatusDisqualified = "Disqualified"
	StatusSupport      = "Support"
)

// Inquiry categories returned by Analyst.AnalyzeInquiry.
const (
	CategorySales   = "Sales Inquiry"
	CategorySpam    = "Spam/Solicitation"
	CategorySupport = "Support Request"
	CategoryEmpty   = "Empty"
)

// Workflow statuses written to FieldWorkflowStatus.
const (
	WorkflowWaiting   = "waiting_for_human"
	WorkflowCompleted = "completed"
)

// DefaultSubject is the subject line of every drafted reply.
const DefaultSubject = "Re: Your Telnyx Inquiry"

// ErrInvalidLead is returned for inquiries that cannot start a workflow.
var ErrInvalidLead = errors.New("invalid lead")

// Lead is the inbound contact-sales request.
type Lead struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Company    string `json:"company_name"`
	Website    string `json:"website,omitempty"`
	Phone      string `json:"phone,omitempty"`
	RecordType string `json:"sfdc_type,omitempty"`
	Inquiry    string `json:"sales_inquiry"`
	Revenue    string `json:"revenue,omitempty"`
	Industry   string `json:"industry,omitempty"`
	Employees  string `json:"employees,omitempty"`
}

// Validate reports whether l can start a workflow.
func (l Lead) Validate() error {
	if strings.TrimSpace(l.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidLead)
	}
	if !strings.Contains(l.Email, "@") {
		return fmt.Errorf("%w: malformed email %q", ErrInvalidLead, l.Email)
	}
	return nil
}

func (l Lead) normalized() Lead {
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	l.FirstName = strings.TrimSpace(l.FirstName)
	l.Inquiry = strings.TrimSpace(l.Inquiry)
	if l.RecordType == "" {
		l.RecordType = "Lead"
	}
	return l
}

// enrich fills empty fields of l from a CRM record.
func (l Lead) enrich(rec CRMRecord) Lead {
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	fill(&l.Company, rec.Company)
	fill(&l.Industry, rec.Industry)
	fill(&l.Employees, rec.Employees)
	fill(&l.Revenue, rec.Revenue)
	fill(&l.Website, rec.Website)
	fill(&l.Phone, rec.Phone)
	fill(&l.FirstName, rec.FirstName)
	fill(&l.LastName, rec.LastName)
	return l
}

// InitialState returns the state a workflow for l starts from.
func InitialState(l Lead) graph.State {
	return graph.State{FieldLead: l.normalized()}
}

// LeadFrom decodes the lead stored in s.
func LeadFrom(s graph.State) Lead {
	var l Lead
	_ = decode(s, FieldLead, &l)
	return l
}

// Draft is the email under review, stored at FieldDraft.
type Draft struct {
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	BodyHTML string `json:"body_html"`
	Version  int    `json:"version"`
}

// DraftFrom decodes the current draft stored in s. The zero Draft is
// returned before the first draft is written.
func DraftFrom(s graph.State) Draft {
	var d Draft
	_ = decode(s, FieldDraft, &d)
	return d
}

// Approval tracks the human review, stored at FieldApproval.
type Approval struct {
	Channel      string `json:"channel,omitempty"`
	ThreadTS     string `json:"thread_ts,omitempty"`
	Status       string `json:"status,omitempty"`
	HumanMessage string `json:"human_message,omitempty"`
	Reviewer     string `json:"reviewer,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
	Reasoning    string `json:"ai_reasoning,omitempty"`
}

// ApprovalFrom decodes the approval record stored in s.
func ApprovalFrom(s graph.State) Approval {
	var a Approval
	_ = decode(s, FieldApproval, &a)
	return a
}

// decode converts the JSON-normalized value at field back into v.
func decode(s graph.State, field string, v any) error {
	raw, ok := s[field]
	if !ok || raw == nil {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode %s: %w", field, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", field, err)
	}
	return nil
}

// ThreadToken is the correlation token of an approval thread.
func ThreadToken(channel, threadTS string) string {
	return channel + "/" + threadTS
}
