package lead

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/leadgraph-go/graph"
)

// ErrMaxRevisionsRequired is returned by Build when Config.MaxRevisions is
// not set. The revision bound has no default.
var ErrMaxRevisionsRequired = errors.New("workflow max revisions must be set")

// Config tunes the workflow.
type Config struct {
	// MaxRevisions bounds how often a draft may be sent back for another
	// revision, by the automated review and by the human reviewer alike.
	// Once the automated review has run MaxRevisions+1 times, a draft
	// below ReviewThreshold is approved as is and marked auto_approved.
	// Required.
	MaxRevisions int

	// MaxClarifications bounds how often an uninterpretable reply may be
	// answered with a clarification request. Defaults to MaxRevisions.
	MaxClarifications int

	// ReviewThreshold is the review score a draft needs to leave the
	// revision loop. Default 7.
	ReviewThreshold float64

	// ApprovalStatuses lists the qualification statuses that need a human
	// approval before sending. Default [SQL].
	ApprovalStatuses []string

	// EngagementWindow is how far back marketing activity is read.
	// Default 7 days.
	EngagementWindow time.Duration

	// Subject is the subject of every drafted reply. Default DefaultSubject.
	Subject string

	// ResearchTimeout bounds each research call. Zero uses the executor
	// default.
	ResearchTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (c Config) withDefaults() (Config, error) {
	if c.MaxRevisions <= 0 {
		return c, ErrMaxRevisionsRequired
	}
	if c.MaxClarifications <= 0 {
		c.MaxClarifications = c.MaxRevisions
	}
	if c.ReviewThreshold <= 0 {
		c.ReviewThreshold = 7
	}
	if c.ApprovalStatuses == nil {
		c.ApprovalStatuses = []string{StatusSQL}
	}
	if c.EngagementWindow <= 0 {
		c.EngagementWindow = 7 * 24 * time.Hour
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c, nil
}

// Build compiles the lead-handoff graph over the given collaborators.
//
//	intake -> research_crm | research_marketing | research_web -> analyze_inquiry -> qualify_lead
//	qualify_lead -> skip_email (Disqualified) | draft_email
//	draft_email -> review_email -> check_approval (score >= threshold) | draft_email
//	check_approval -> request_approval | send_email
//	request_approval, request_clarification -> send_email | draft_email | skip_email | request_clarification
//	send_email, skip_email -> update_crm -> log_results -> finalize
func Build(cfg Config, c Collaborators) (*graph.Graph, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	switch {
	case c.CRM == nil:
		return nil, errors.New("lead workflow requires a CRM")
	case c.Analyst == nil:
		return nil, errors.New("lead workflow requires an Analyst")
	case c.Mailer == nil:
		return nil, errors.New("lead workflow requires a Mailer")
	}

	n := &nodes{cfg: cfg, c: c, log: cfg.Logger.With("graph", GraphName)}

	var research *graph.NodePolicy
	if cfg.ResearchTimeout > 0 {
		research = &graph.NodePolicy{Timeout: cfg.ResearchTimeout}
	}

	decisions := graph.DecisionTargets{
		Approved:         NodeSendEmail,
		ChangesRequested: NodeDraftEmail,
		Rejected:         NodeSkipEmail,
		Clarify:          NodeRequestClarification,
	}

	b := graph.NewBuilder(GraphName).
		Add(graph.NodeSpec{ID: NodeIntake, Node: graph.NodeFunc(n.intake),
			Outputs: []string{FieldLead, FieldReceivedAt}}).
		Add(graph.NodeSpec{ID: NodeResearchCRM, Node: graph.NodeFunc(n.researchCRM),
			Outputs: []string{FieldCRM, FieldLead}, Policy: research}).
		Add(graph.NodeSpec{ID: NodeResearchMarketing, Node: graph.NodeFunc(n.researchMarketing),
			Outputs: []string{FieldMarketing}, Policy: research}).
		Add(graph.NodeSpec{ID: NodeResearchWeb, Node: graph.NodeFunc(n.researchWeb),
			Outputs: []string{FieldWeb}, Policy: research}).
		Add(graph.NodeSpec{ID: NodeAnalyzeInquiry, Node: graph.NodeFunc(n.analyzeInquiry),
			Outputs: []string{FieldAnalysis, FieldEstimatedSpend}}).
		Add(graph.NodeSpec{ID: NodeQualifyLead, Node: graph.NodeFunc(n.qualifyLead),
			Outputs: []string{FieldStatus, FieldReason}}).
		Add(graph.NodeSpec{ID: NodeDraftEmail, Node: graph.NodeFunc(n.draftEmail),
			Outputs: []string{FieldDraft}}).
		Add(graph.NodeSpec{ID: NodeReviewEmail, Node: graph.NodeFunc(n.reviewEmail),
			Outputs: []string{FieldReviewScore, FieldReviewCount, FieldFeedback, FieldAutoApproved}}).
		Add(graph.NodeSpec{ID: NodeCheckApproval, Node: graph.NodeFunc(n.checkApproval),
			Outputs: []string{FieldRequiresApproval}}).
		Add(graph.NodeSpec{ID: NodeRequestApproval, Node: graph.NodeFunc(n.requestApproval), Suspend: true,
			Outputs: []string{graph.CorrelationField, FieldApproval, FieldWorkflowStatus}}).
		Add(graph.NodeSpec{ID: NodeRequestClarification, Node: graph.NodeFunc(n.requestClarification), Suspend: true,
			Outputs: []string{graph.CorrelationField, FieldApproval, FieldWorkflowStatus}}).
		Add(graph.NodeSpec{ID: NodeSendEmail, Node: graph.NodeFunc(n.sendEmail),
			Outputs: []string{FieldEmailSent, FieldMessageID, FieldTaskLogged}}).
		Add(graph.NodeSpec{ID: NodeSkipEmail, Node: graph.NodeFunc(n.skipEmail),
			Outputs: []string{FieldEmailSent, FieldSkipReason}}).
		Add(graph.NodeSpec{ID: NodeUpdateCRM, Node: graph.NodeFunc(n.updateCRM),
			Outputs: []string{FieldCRMUpdated}}).
		Add(graph.NodeSpec{ID: NodeLogResults, Node: graph.NodeFunc(n.logResults),
			Outputs: []string{FieldLogged}}).
		Add(graph.NodeSpec{ID: NodeFinalize, Node: graph.NodeFunc(n.finalize), Terminal: true,
			Outputs: []string{FieldWorkflowStatus, FieldCompletedAt}}).
		Connect(NodeIntake, NodeResearchCRM).
		Connect(NodeIntake, NodeResearchMarketing).
		Connect(NodeIntake, NodeResearchWeb).
		Connect(NodeResearchCRM, NodeAnalyzeInquiry).
		Connect(NodeResearchMarketing, NodeAnalyzeInquiry).
		Connect(NodeResearchWeb, NodeAnalyzeInquiry).
		Connect(NodeAnalyzeInquiry, NodeQualifyLead).
		Route(NodeQualifyLead, routeQualified, NodeSkipEmail, NodeDraftEmail).
		Connect(NodeDraftEmail, NodeReviewEmail).
		Route(NodeReviewEmail, routeReview(cfg.ReviewThreshold), NodeCheckApproval, NodeDraftEmail).
		Bound(NodeReviewEmail, NodeDraftEmail, cfg.MaxRevisions).
		Route(NodeCheckApproval, routeApproval, NodeRequestApproval, NodeSendEmail).
		Route(NodeRequestApproval, graph.DecisionRouter(decisions), decisions.Targets()...).
		Bound(NodeRequestApproval, NodeDraftEmail, cfg.MaxRevisions).
		Route(NodeRequestClarification, graph.DecisionRouter(decisions), decisions.Targets()...).
		Bound(NodeRequestClarification, NodeDraftEmail, cfg.MaxRevisions).
		Bound(NodeRequestClarification, NodeRequestClarification, cfg.MaxClarifications).
		Connect(NodeSendEmail, NodeUpdateCRM).
		Connect(NodeSkipEmail, NodeUpdateCRM).
		Connect(NodeUpdateCRM, NodeLogResults).
		Connect(NodeLogResults, NodeFinalize).
		Reducer(FieldFeedback, graph.AppendSlice).
		Reducer(FieldApproval, graph.MergeMaps)

	g, err := b.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile lead workflow: %w", err)
	}
	return g, nil
}

func routeQualified(s graph.State) string {
	if s.String(FieldStatus) == StatusDisqualified {
		return NodeSkipEmail
	}
	return NodeDraftEmail
}

// routeReview sends a draft back for revision until it scores at least
// threshold or the review node approves it automatically.
func routeReview(threshold float64) graph.Router {
	scored := graph.ThresholdRouter(FieldReviewScore, threshold, NodeCheckApproval, NodeDraftEmail)
	return func(s graph.State) string {
		if s.Bool(FieldAutoApproved) {
			return NodeCheckApproval
		}
		return scored(s)
	}
}

func routeApproval(s graph.State) string {
	if s.Bool(FieldRequiresApproval) {
		return NodeRequestApproval
	}
	return NodeSendEmail
}
