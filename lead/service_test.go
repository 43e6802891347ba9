package lead

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/leadgraph-go/graph"
)

func reply(threadTS, message string) Reply {
	return Reply{Channel: "C-sales", ThreadTS: threadTS, Message: message, Reviewer: "U-reviewer"}
}

// suspended submits the sample lead and asserts it waits on thread ts-1.
func suspended(t *testing.T, f *fixture) graph.Outcome {
	t.Helper()
	out, err := f.service.Submit(context.Background(), sampleLead())
	require.NoError(t, err)
	require.Equal(t, graph.StatusSuspended, out.Status, "err: %v", out.Err)
	require.Equal(t, "C-sales/ts-1", out.Token)
	require.Equal(t, NodeRequestApproval, out.SuspendedAt)
	return out
}

func TestService_ApprovalRoundTrip(t *testing.T) {
	f := newFixture(t, withApprovals())
	out := suspended(t, f)

	assert.Zero(t, f.mailer.count(), "nothing is sent before approval")
	assert.Equal(t, WorkflowWaiting, out.State.String(FieldWorkflowStatus))
	require.Equal(t, 1, f.approvals.count())
	assert.Equal(t, StatusSQL, f.approvals.requests[0].Status)
	assert.Equal(t, DefaultSubject, f.approvals.requests[0].Subject)

	out, err := f.service.Respond(context.Background(), reply("ts-1", "Looks good, send it"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, out.Status, "err: %v", out.Err)

	assert.Equal(t, 1, f.mailer.count())
	a := ApprovalFrom(out.State)
	assert.Equal(t, graph.DecisionApproved, a.Status)
	assert.Equal(t, "U-reviewer", a.Reviewer)
	assert.Equal(t, "ts-1", a.ThreadTS, "resume fields merge into the approval record")
	require.Len(t, f.ledger.records, 1)
	assert.Equal(t, "U-reviewer", f.ledger.records[0].Reviewer)
}

func TestService_DuplicateReply(t *testing.T) {
	f := newFixture(t, withApprovals())
	suspended(t, f)

	first, err := f.service.Respond(context.Background(), reply("ts-1", "send it"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, first.Status)

	second, err := f.service.Respond(context.Background(), reply("ts-1", "send it"))
	require.NoError(t, err)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.InstanceID, second.InstanceID)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, 1, f.mailer.count(), "duplicate delivery must not send again")
	assert.Equal(t, 1, f.analyst.interprets, "duplicate delivery is not interpreted again")
}

func TestService_ConcurrentReplies(t *testing.T) {
	f := newFixture(t, withApprovals())
	suspended(t, f)

	var wg sync.WaitGroup
	outcomes := make([]graph.Outcome, 6)
	errs := make([]error, 6)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.service.Respond(context.Background(), reply("ts-1", "send it"))
		}(i)
	}
	wg.Wait()

	for i := range outcomes {
		require.NoError(t, errs[i])
		assert.Equal(t, graph.StatusCompleted, outcomes[i].Status)
	}
	assert.Equal(t, 1, f.mailer.count())
}

func TestService_ChangesRequested(t *testing.T) {
	f := newFixture(t, withApprovals())
	suspended(t, f)

	out, err := f.service.Respond(context.Background(), reply("ts-1", "Can you make it shorter?"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusSuspended, out.Status, "err: %v", out.Err)
	assert.Equal(t, "C-sales/ts-2", out.Token, "the new draft is posted on a new thread")
	assert.Zero(t, f.mailer.count())

	require.Equal(t, 2, f.analyst.draftCount())
	assert.Equal(t, "Human: Make it shorter.", f.analyst.drafts[1].Feedback)
	require.Equal(t, 2, f.approvals.count())
	assert.Equal(t, 2, f.approvals.requests[1].Version)

	// the old thread replays its recorded outcome
	replay, err := f.service.Respond(context.Background(), reply("ts-1", "send it"))
	require.NoError(t, err)
	assert.Equal(t, graph.StatusSuspended, replay.Status)
	assert.Equal(t, "C-sales/ts-2", replay.Token)

	out, err = f.service.Respond(context.Background(), reply("ts-2", "send it"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, out.Status)
	assert.Equal(t, 2, DraftFrom(out.State).Version)
	require.Equal(t, 1, f.mailer.count())
	assert.Contains(t, f.mailer.sent[0].Text, "(v2)")
}

func TestService_Rejected(t *testing.T) {
	f := newFixture(t, withApprovals())
	suspended(t, f)

	out, err := f.service.Respond(context.Background(), reply("ts-1", "bad lead, skip"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, out.Status)
	assert.False(t, out.State.Bool(FieldEmailSent))
	assert.Equal(t, "rejected by reviewer", out.State.String(FieldSkipReason))
	assert.Zero(t, f.mailer.count())
	assert.True(t, out.State.Bool(FieldCRMUpdated))
}

func TestService_Clarification(t *testing.T) {
	f := newFixture(t, withApprovals())
	suspended(t, f)

	t.Run("unrecognized decision asks again", func(t *testing.T) {
		out, err := f.service.Respond(context.Background(), reply("ts-1", "hmm, who is this?"))
		require.NoError(t, err)
		require.Equal(t, graph.StatusSuspended, out.Status)
		assert.Equal(t, NodeRequestClarification, out.SuspendedAt)
		assert.Equal(t, "C-sales/ts-2", out.Token)
		assert.Contains(t, f.approvals.requests[1].Note, "hmm, who is this?")
	})

	t.Run("empty reply asks again without interpreting", func(t *testing.T) {
		before := f.analyst.interprets
		out, err := f.service.Respond(context.Background(), reply("ts-2", "  "))
		require.NoError(t, err)
		require.Equal(t, graph.StatusSuspended, out.Status)
		assert.Equal(t, "C-sales/ts-3", out.Token)
		assert.Equal(t, before, f.analyst.interprets)
	})

	t.Run("approval after clarification sends", func(t *testing.T) {
		out, err := f.service.Respond(context.Background(), reply("ts-3", "ok send it"))
		require.NoError(t, err)
		require.Equal(t, graph.StatusCompleted, out.Status)
		assert.Equal(t, 1, f.mailer.count())
	})
}

func TestService_ClarificationBound(t *testing.T) {
	f := newFixture(t, withApprovals(), withMaxRevisions(1))
	suspended(t, f)

	out, err := f.service.Respond(context.Background(), reply("ts-1", "?"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusSuspended, out.Status)

	out, err = f.service.Respond(context.Background(), reply("ts-2", "?"))
	require.NoError(t, err)
	require.Equal(t, graph.StatusSuspended, out.Status, "one self-loop is allowed")

	out, err = f.service.Respond(context.Background(), reply("ts-3", "?"))
	require.NoError(t, err)
	assert.Equal(t, graph.StatusFailed, out.Status)
	assert.True(t, out.Escalate)
	assert.Zero(t, f.mailer.count())
}

func TestService_UnknownThread(t *testing.T) {
	f := newFixture(t, withApprovals())
	_, err := f.service.Respond(context.Background(), reply("ts-404", "send it"))
	assert.ErrorIs(t, err, ErrNoPendingWorkflow)
	assert.Zero(t, f.analyst.interprets)
}

func TestService_ApprovalOnlyForConfiguredStatuses(t *testing.T) {
	f := newFixture(t, withApprovals())
	f.analyst.spend = 300

	out, err := f.service.Submit(context.Background(), sampleLead())
	require.NoError(t, err)
	require.Equal(t, graph.StatusCompleted, out.Status)
	assert.Equal(t, StatusSSL, out.State.String(FieldStatus))
	assert.False(t, out.State.Bool(FieldRequiresApproval))
	assert.Zero(t, f.approvals.count())
	assert.Equal(t, 1, f.mailer.count())
}

func TestService_ResumeAfterRestart(t *testing.T) {
	f := newFixture(t, withApprovals())
	suspended(t, f)

	// A second process sharing the store resumes the instance.
	exec, err := graph.NewExecutor(f.store, graph.WithRetryPolicy(graph.RetryPolicy{MaxAttempts: 1}))
	require.NoError(t, err)
	svc, err := NewService(exec, f.service.Graph(), f.analyst, nil)
	require.NoError(t, err)

	out, err := svc.Respond(context.Background(), reply("ts-1", "send it"))
	require.NoError(t, err)
	assert.Equal(t, graph.StatusCompleted, out.Status)
	assert.Equal(t, 1, f.mailer.count())
}
