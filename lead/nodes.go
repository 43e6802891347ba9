package lead

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dshills/leadgraph-go/graph"
)

// nodes holds the step implementations of the workflow.
type nodes struct {
	cfg Config
	c   Collaborators
	log *slog.Logger
}

func fail(err error) graph.NodeResult {
	return graph.NodeResult{Err: err}
}

func (n *nodes) intake(_ context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	if err := l.Validate(); err != nil {
		return fail(graph.Permanent(err))
	}
	n.log.Info("lead received", "lead_id", l.ID, "email", l.Email)
	return graph.NodeResult{Delta: graph.State{
		FieldLead:       l.normalized(),
		FieldReceivedAt: n.cfg.Now().UTC().Format(time.RFC3339),
	}}
}

// Research failures are recorded, not raised: a missing CRM record or an
// unreachable marketing system must not stop the lead from being answered.

func (n *nodes) researchCRM(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	if l.ID == "" {
		return graph.NodeResult{Delta: graph.State{FieldCRM: map[string]any{
			"found": false, "error": "no CRM id provided",
		}}}
	}
	rec, err := n.c.CRM.LookupLead(ctx, l.ID, l.RecordType)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		n.log.Warn("crm lookup failed", "lead_id", l.ID, "error", err)
		return graph.NodeResult{Delta: graph.State{FieldCRM: map[string]any{
			"found": false, "error": err.Error(),
		}}}
	}
	return graph.NodeResult{Delta: graph.State{
		FieldCRM:  map[string]any{"found": true, "record": rec},
		FieldLead: l.enrich(rec),
	}}
}

func (n *nodes) researchMarketing(ctx context.Context, s graph.State) graph.NodeResult {
	if n.c.Marketing == nil {
		return graph.NodeResult{Delta: graph.State{FieldMarketing: map[string]any{"skipped": true}}}
	}
	l := LeadFrom(s)
	eng, err := n.c.Marketing.Engagement(ctx, l.Email, n.cfg.EngagementWindow)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		n.log.Warn("marketing lookup failed", "email", l.Email, "error", err)
		return graph.NodeResult{Delta: graph.State{FieldMarketing: map[string]any{
			"activity_count": 0, "error": err.Error(),
		}}}
	}
	return graph.NodeResult{Delta: graph.State{FieldMarketing: map[string]any{
		"lead_id":        eng.LeadID,
		"activity_count": len(eng.Activities),
		"activities":     eng.Activities,
	}}}
}

func (n *nodes) researchWeb(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	if n.c.Researcher == nil || l.Company == "" {
		return graph.NodeResult{Delta: graph.State{FieldWeb: map[string]any{"skipped": true}}}
	}
	summary, err := n.c.Researcher.ResearchCompany(ctx, l.Company, l.Website)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		n.log.Warn("web research failed", "company", l.Company, "error", err)
		return graph.NodeResult{Delta: graph.State{FieldWeb: map[string]any{"error": err.Error()}}}
	}
	return graph.NodeResult{Delta: graph.State{FieldWeb: map[string]any{"summary": summary}}}
}

func (n *nodes) analyzeInquiry(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	if l.Inquiry == "" {
		return graph.NodeResult{Delta: graph.State{
			FieldAnalysis:       InquiryAnalysis{Category: CategoryEmpty},
			FieldEstimatedSpend: 0,
		}}
	}
	a, err := n.c.Analyst.AnalyzeInquiry(ctx, l.Inquiry)
	if err != nil {
		return fail(fmt.Errorf("analyze inquiry: %w", err))
	}
	return graph.NodeResult{Delta: graph.State{
		FieldAnalysis:       a,
		FieldEstimatedSpend: a.EstimatedSpend,
	}}
}

func category(s graph.State) string {
	if c, _ := s.Map(FieldAnalysis)["category"].(string); c != "" {
		return c
	}
	return CategorySales
}

func (n *nodes) qualifyLead(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	cat := category(s)
	if cat == CategorySpam {
		n.log.Info("lead disqualified", "lead_id", l.ID, "reason", cat)
		return graph.NodeResult{Delta: graph.State{
			FieldStatus: StatusDisqualified,
			FieldReason: cat,
		}}
	}
	q, err := n.c.Analyst.Qualify(ctx, QualifyRequest{
		Lead:           l,
		Category:       cat,
		EstimatedSpend: s.Float(FieldEstimatedSpend),
	})
	if err != nil {
		return fail(fmt.Errorf("qualify lead: %w", err))
	}
	if q.Status == "" {
		q.Status = StatusUnknown
	}
	n.log.Info("lead qualified", "lead_id", l.ID, "status", q.Status)
	return graph.NodeResult{Delta: graph.State{
		FieldStatus: q.Status,
		FieldReason: q.Reason,
	}}
}

// researchContext summarizes research for the drafting prompt.
func researchContext(s graph.State) string {
	var parts []string
	if summary, _ := s.Map(FieldWeb)["summary"].(string); summary != "" {
		parts = append(parts, "Company info: "+summary)
	}
	if count := graph.State(s.Map(FieldMarketing)).Int("activity_count"); count > 0 {
		parts = append(parts, fmt.Sprintf("Recent engagement: %d marketing activities", count))
	}
	return strings.Join(parts, "; ")
}

func (n *nodes) draftEmail(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	prev := DraftFrom(s)
	var feedback string
	if history := s.Strings(FieldFeedback); len(history) > 0 {
		feedback = history[len(history)-1]
	}

	body, err := n.c.Analyst.DraftEmail(ctx, DraftRequest{
		Lead:     l,
		Status:   s.String(FieldStatus),
		Category: category(s),
		Context:  researchContext(s),
		Feedback: feedback,
	})
	if err != nil {
		return fail(fmt.Errorf("draft email: %w", err))
	}

	d := Draft{
		Subject:  n.cfg.Subject,
		Body:     body,
		BodyHTML: strings.ReplaceAll(html.EscapeString(body), "\n", "<br>"),
		Version:  prev.Version + 1,
	}
	n.log.Info("email drafted", "lead_id", l.ID, "version", d.Version)
	return graph.NodeResult{Delta: graph.State{FieldDraft: d}}
}

func (n *nodes) reviewEmail(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	d := DraftFrom(s)
	r, err := n.c.Analyst.ReviewEmail(ctx, ReviewRequest{
		Inquiry: l.Inquiry,
		Status:  s.String(FieldStatus),
		Body:    d.Body,
	})
	if err != nil {
		return fail(fmt.Errorf("review email: %w", err))
	}

	count := s.Int(FieldReviewCount) + 1
	delta := graph.State{
		FieldReviewScore: r.Score,
		FieldReviewCount: count,
	}
	if r.Score < n.cfg.ReviewThreshold {
		// Out of revisions: the last draft goes forward as is.
		if count > n.cfg.MaxRevisions {
			delta[FieldAutoApproved] = true
			n.log.Warn("revision budget spent, approving last draft",
				"lead_id", l.ID, "version", d.Version, "score", r.Score)
			return graph.NodeResult{Delta: delta}
		}
		if len(r.Suggestions) > 0 {
			delta[FieldFeedback] = []string{strings.Join(r.Suggestions, "; ")}
		}
	}
	n.log.Info("email reviewed", "lead_id", l.ID, "version", d.Version, "score", r.Score)
	return graph.NodeResult{Delta: delta}
}

func (n *nodes) checkApproval(_ context.Context, s graph.State) graph.NodeResult {
	required := n.c.Approvals != nil && slices.Contains(n.cfg.ApprovalStatuses, s.String(FieldStatus))
	return graph.NodeResult{Delta: graph.State{FieldRequiresApproval: required}}
}

func (n *nodes) postForApproval(ctx context.Context, s graph.State, note string) graph.NodeResult {
	if n.c.Approvals == nil {
		return fail(graph.Permanent(fmt.Errorf("no approval channel configured")))
	}
	l := LeadFrom(s)
	d := DraftFrom(s)
	thread, err := n.c.Approvals.RequestApproval(ctx, ApprovalRequest{
		LeadEmail: l.Email,
		Status:    s.String(FieldStatus),
		Reason:    s.String(FieldReason),
		Subject:   d.Subject,
		Body:      d.Body,
		Version:   d.Version,
		Note:      note,
	})
	if err != nil {
		return fail(fmt.Errorf("request approval: %w", err))
	}
	n.log.Info("approval requested", "lead_id", l.ID, "channel", thread.Channel, "thread_ts", thread.ThreadTS)
	return graph.NodeResult{Delta: graph.State{
		graph.CorrelationField: thread.Token(),
		FieldApproval: map[string]any{
			"channel":   thread.Channel,
			"thread_ts": thread.ThreadTS,
			"status":    "pending",
		},
		FieldWorkflowStatus: WorkflowWaiting,
	}}
}

func (n *nodes) requestApproval(ctx context.Context, s graph.State) graph.NodeResult {
	return n.postForApproval(ctx, s, "")
}

func (n *nodes) requestClarification(ctx context.Context, s graph.State) graph.NodeResult {
	a := ApprovalFrom(s)
	note := "The previous reply could not be interpreted. Reply with approve, reject or the changes you want."
	if a.HumanMessage != "" {
		note = fmt.Sprintf("Could not interpret %q. Reply with approve, reject or the changes you want.", a.HumanMessage)
	}
	return n.postForApproval(ctx, s, note)
}

// sendEmail never fails after delivery so a retry cannot send twice.
func (n *nodes) sendEmail(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	d := DraftFrom(s)
	id, err := n.c.Mailer.Send(ctx, Email{
		To:      l.Email,
		Subject: d.Subject,
		HTML:    d.BodyHTML,
		Text:    d.Body,
	})
	if err != nil {
		return fail(fmt.Errorf("send email: %w", err))
	}
	n.log.Info("email sent", "lead_id", l.ID, "message_id", id)

	logged := false
	if l.ID != "" {
		if err := n.c.CRM.LogTask(ctx, l.ID, d.Subject, d.Body); err != nil {
			n.log.Warn("failed to log crm task", "lead_id", l.ID, "error", err)
		} else {
			logged = true
		}
	}
	return graph.NodeResult{Delta: graph.State{
		FieldEmailSent:  true,
		FieldMessageID:  id,
		FieldTaskLogged: logged,
	}}
}

func (n *nodes) skipEmail(_ context.Context, s graph.State) graph.NodeResult {
	reason := "rejected by reviewer"
	if s.String(FieldStatus) == StatusDisqualified {
		reason = "disqualified"
	}
	n.log.Info("email skipped", "lead_id", LeadFrom(s).ID, "reason", reason)
	return graph.NodeResult{Delta: graph.State{
		FieldEmailSent:  false,
		FieldSkipReason: reason,
	}}
}

func (n *nodes) updateCRM(ctx context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	if l.ID == "" {
		return graph.NodeResult{Delta: graph.State{FieldCRMUpdated: false}}
	}
	if err := n.c.CRM.UpdateStatus(ctx, l.ID, l.RecordType, s.String(FieldStatus)); err != nil {
		return fail(fmt.Errorf("update crm status: %w", err))
	}
	return graph.NodeResult{Delta: graph.State{FieldCRMUpdated: true}}
}

func (n *nodes) logResults(ctx context.Context, s graph.State) graph.NodeResult {
	if n.c.Ledger == nil {
		return graph.NodeResult{Delta: graph.State{FieldLogged: false}}
	}
	if err := n.c.Ledger.Append(ctx, Summarize(s)); err != nil {
		return fail(fmt.Errorf("log results: %w", err))
	}
	return graph.NodeResult{Delta: graph.State{FieldLogged: true}}
}

func (n *nodes) finalize(_ context.Context, s graph.State) graph.NodeResult {
	l := LeadFrom(s)
	n.log.Info("workflow complete",
		"lead_id", l.ID,
		"status", s.String(FieldStatus),
		"draft_versions", DraftFrom(s).Version,
		"email_sent", s.Bool(FieldEmailSent),
		"crm_updated", s.Bool(FieldCRMUpdated),
	)
	return graph.NodeResult{Delta: graph.State{
		FieldWorkflowStatus: WorkflowCompleted,
		FieldCompletedAt:    n.cfg.Now().UTC().Format(time.RFC3339),
	}}
}

// Summarize extracts the business fields of a workflow state for the
// ledger.
func Summarize(s graph.State) Record {
	l := LeadFrom(s)
	a := ApprovalFrom(s)
	return Record{
		ReceivedAt:     s.String(FieldReceivedAt),
		LeadID:         l.ID,
		Email:          l.Email,
		Company:        l.Company,
		Inquiry:        l.Inquiry,
		Category:       category(s),
		Status:         s.String(FieldStatus),
		Reason:         s.String(FieldReason),
		EstimatedSpend: s.Float(FieldEstimatedSpend),
		DraftVersions:  DraftFrom(s).Version,
		ReviewScore:    s.Float(FieldReviewScore),
		Decision:       a.Status,
		Reviewer:       a.Reviewer,
		EmailSent:      s.Bool(FieldEmailSent),
		CRMUpdated:     s.Bool(FieldCRMUpdated),
	}
}
