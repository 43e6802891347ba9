package graph

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/leadgraph-go/graph/emit"
	"github.com/dshills/leadgraph-go/graph/store"
)

func revisionToken(s State) string {
	return fmt.Sprintf("%s-r%d-c%d", s.String("lead_id"), s.Int("revision"), s.Int("clarifications"))
}

// approvalGraph drafts an email and waits for a human decision on it. With
// suspend false the approval node approves on its own.
func approvalGraph(t *testing.T, suspend bool, token func(State) string, sends *int32) *Graph {
	t.Helper()
	draft := NodeFunc(func(_ context.Context, s State) NodeResult {
		rev := s.Int("revision") + 1
		return NodeResult{Delta: State{
			"revision":    rev,
			"email_draft": fmt.Sprintf("draft v%d", rev),
		}}
	})
	approve := NodeFunc(func(_ context.Context, s State) NodeResult {
		delta := State{CorrelationField: token(s)}
		if !suspend {
			delta[DecisionField] = DecisionApproved
		}
		return NodeResult{Delta: delta}
	})
	clarify := NodeFunc(func(_ context.Context, s State) NodeResult {
		return NodeResult{Delta: State{"clarifications": s.Int("clarifications") + 1}}
	})
	targets := DecisionTargets{
		Approved:         "send",
		ChangesRequested: "draft",
		Rejected:         "reject",
		Clarify:          "clarify",
	}

	return mustCompile(t, NewBuilder("approval").
		Add(NodeSpec{ID: "intake", Node: Stateless(nil)}).
		Add(NodeSpec{ID: "draft", Node: draft}).
		Add(NodeSpec{ID: "approve", Node: approve, Suspend: suspend}).
		Add(NodeSpec{ID: "clarify", Node: clarify}).
		Add(NodeSpec{ID: "send", Node: counted(write("sent", true), sends), Terminal: true}).
		Add(NodeSpec{ID: "reject", Node: write("closed", true), Terminal: true}).
		Connect("intake", "draft").
		Connect("draft", "approve").
		Route("approve", DecisionRouter(targets), targets.Targets()...).
		Connect("clarify", "approve").
		Bound("approve", "draft", 2).
		Bound("clarify", "approve", 2))
}

func suspendLead(t *testing.T, h *harness, g *Graph, lead string) Outcome {
	t.Helper()
	out, err := h.exec.Execute(context.Background(), g, State{"lead_id": lead})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != StatusSuspended {
		t.Fatalf("Status = %s, want suspended (err %v)", out.Status, out.Err)
	}
	return out
}

func TestGateway_ResumeRoundTrip(t *testing.T) {
	h := newHarness(t, WithCheckpointTTL(72*time.Hour))
	var sends int32
	g := approvalGraph(t, true, revisionToken, &sends)
	ctx := context.Background()

	out := suspendLead(t, h, g, "L1")
	if out.Token != "L1-r1-c0" || out.SuspendedAt != "approve" {
		t.Fatalf("suspended at %s with token %q", out.SuspendedAt, out.Token)
	}
	if len(h.exec.Running()) != 0 {
		t.Error("suspended instance must be evicted from memory")
	}

	cp, err := h.store.LoadCheckpoint(ctx, out.Token)
	if err != nil {
		t.Fatalf("LoadCheckpoint() error = %v", err)
	}
	if cp.InstanceID != out.InstanceID || cp.Frontier != "approve" || cp.Status != store.StatusSuspended {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	if cp.State["email_draft"] != "draft v1" || cp.TTL != 72*time.Hour {
		t.Errorf("checkpoint lost state or ttl: %v %v", cp.State, cp.TTL)
	}

	res, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{
		Decision: DecisionApproved,
		Fields:   State{"reviewer": "dana"},
	})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Status != StatusCompleted || res.InstanceID != out.InstanceID {
		t.Fatalf("Resume() = %s for %s (err %v)", res.Status, res.InstanceID, res.Err)
	}
	if !res.State.Bool("sent") || res.State.String("reviewer") != "dana" || res.State.String(DecisionField) != DecisionApproved {
		t.Errorf("unexpected final state %v", res.State)
	}
	if sends != 1 {
		t.Errorf("send executed %d times, want 1", sends)
	}

	if _, err := h.store.LoadCheckpoint(ctx, out.Token); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("checkpoint should be deleted on completion, got %v", err)
	}
	rec, err := h.store.LoadOutcome(ctx, out.Token)
	if err != nil || rec.Status != string(StatusCompleted) {
		t.Errorf("LoadOutcome() = %+v, %v", rec, err)
	}
	for _, msg := range []string{emit.MsgSuspended, emit.MsgResumed, emit.MsgCheckpointDeleted} {
		if h.events.Count(out.InstanceID, msg) != 1 {
			t.Errorf("expected one %s event", msg)
		}
	}
}

func TestGateway_SuspensionIsTransparent(t *testing.T) {
	var sends int32
	ctx := context.Background()

	suspended := newHarness(t)
	out := suspendLead(t, suspended, approvalGraph(t, true, revisionToken, &sends), "L7")
	resumed, err := suspended.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	direct := newHarness(t)
	straight, err := direct.exec.Execute(ctx, approvalGraph(t, false, revisionToken, &sends), State{"lead_id": "L7"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resumed.Status != StatusCompleted || straight.Status != StatusCompleted {
		t.Fatalf("statuses %s / %s, want completed", resumed.Status, straight.Status)
	}
	if !reflect.DeepEqual(resumed.State, straight.State) {
		t.Errorf("final states differ:\nresumed: %v\ndirect:  %v", resumed.State, straight.State)
	}
	if resumed.Steps != straight.Steps {
		t.Errorf("steps differ: %d vs %d", resumed.Steps, straight.Steps)
	}
}

func TestGateway_Decisions(t *testing.T) {
	ctx := context.Background()

	t.Run("changes requested suspends again with a new token", func(t *testing.T) {
		h := newHarness(t)
		var sends int32
		out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L2")

		again, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionChangesRequested})
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		if again.Status != StatusSuspended || again.Token != "L2-r2-c0" {
			t.Fatalf("Resume() = %s with token %q", again.Status, again.Token)
		}
		if again.State.String("email_draft") != "draft v2" {
			t.Errorf("draft not revised: %v", again.State)
		}
		if _, err := h.store.LoadCheckpoint(ctx, out.Token); !errors.Is(err, store.ErrNotFound) {
			t.Error("old token must no longer resolve to a checkpoint")
		}

		done, err := h.gateway.Resume(ctx, again.Token, ResumeEvent{Decision: DecisionApproved})
		if err != nil || done.Status != StatusCompleted {
			t.Fatalf("second Resume() = %s, %v", done.Status, err)
		}

		replay, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
		if err != nil {
			t.Fatalf("replayed Resume() error = %v", err)
		}
		if replay.Status != StatusSuspended || replay.Token != again.Token {
			t.Errorf("replay returned %s/%q, want the recorded suspended outcome", replay.Status, replay.Token)
		}
		if sends != 1 {
			t.Errorf("send executed %d times", sends)
		}
	})

	t.Run("rejected closes the lead", func(t *testing.T) {
		h := newHarness(t)
		var sends int32
		out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L3")
		res, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: "REJECTED"})
		if err != nil || res.Status != StatusCompleted || !res.State.Bool("closed") || sends != 0 {
			t.Errorf("Resume() = %s %v closed=%v sends=%d", res.Status, err, res.State.Bool("closed"), sends)
		}
	})

	t.Run("unrecognized decision asks for clarification", func(t *testing.T) {
		h := newHarness(t)
		var sends int32
		out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L4")
		res, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: "looks fine I guess"})
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		if res.Status != StatusSuspended || res.Token != "L4-r1-c1" {
			t.Errorf("Resume() = %s with token %q, want re-suspension after clarify", res.Status, res.Token)
		}
	})

	t.Run("revision requests are bounded", func(t *testing.T) {
		h := newHarness(t)
		var sends int32
		out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L5")

		token := out.Token
		var res Outcome
		for i := 0; i < 3; i++ {
			var err error
			res, err = h.gateway.Resume(ctx, token, ResumeEvent{Decision: DecisionChangesRequested})
			if err != nil {
				t.Fatalf("Resume() #%d error = %v", i+1, err)
			}
			token = res.Token
		}
		if res.Status != StatusFailed || res.Kind != KindLoopBoundExceed || !res.Escalate {
			t.Fatalf("third revision request = %s/%s escalate=%v", res.Status, res.Kind, res.Escalate)
		}
		if _, err := h.store.LoadCheckpoint(ctx, "L5-r3-c0"); !errors.Is(err, store.ErrNotFound) {
			t.Error("failed instance must not leave a checkpoint")
		}
	})

	t.Run("reused token is rejected", func(t *testing.T) {
		h := newHarness(t)
		var sends int32
		fixed := func(State) string { return "same-token" }
		out := suspendLead(t, h, approvalGraph(t, true, fixed, &sends), "L6")

		res, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionChangesRequested})
		if err != nil {
			t.Fatalf("Resume() error = %v", err)
		}
		if res.Status != StatusFailed || !errors.Is(res.Err, ErrMissingCorrelationToken) || res.Kind != KindMissingToken {
			t.Errorf("Resume() = %s %v %s, want missing token failure", res.Status, res.Err, res.Kind)
		}
	})
}

func TestGateway_DuplicateResume(t *testing.T) {
	h := newHarness(t)
	var sends int32
	ctx := context.Background()
	out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L8")

	first, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	second, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionRejected})
	if err != nil {
		t.Fatalf("duplicate Resume() error = %v", err)
	}

	if second.Status != first.Status || !reflect.DeepEqual(second.State, first.State) {
		t.Errorf("duplicate returned %s %v, want %s %v", second.Status, second.State, first.Status, first.State)
	}
	if second.State.Bool("closed") {
		t.Error("the second decision must be ignored")
	}
	if sends != 1 {
		t.Errorf("send executed %d times, want 1", sends)
	}
	if h.events.Count(out.InstanceID, emit.MsgDuplicateResume) != 1 {
		t.Error("expected a duplicate_resume event")
	}
}

func TestGateway_ConcurrentResume(t *testing.T) {
	h := newHarness(t)
	var sends int32
	out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L9")

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.gateway.Resume(context.Background(), out.Token, ResumeEvent{Decision: DecisionApproved})
		}(i)
	}
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
			continue
		}
		if results[i].Status != StatusCompleted {
			t.Errorf("caller %d: status %s", i, results[i].Status)
		}
	}
	if got := atomic.LoadInt32(&sends); got != 1 {
		t.Errorf("send executed %d times, want exactly 1", got)
	}
}

func TestGateway_ClaimedByAnotherProcess(t *testing.T) {
	h := newHarness(t)
	var sends int32
	ctx := context.Background()
	out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L10")

	if _, err := h.store.ClaimCheckpoint(ctx, out.Token, h.clock.Now(), time.Time{}); err != nil {
		t.Fatalf("ClaimCheckpoint() error = %v", err)
	}
	if _, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved}); !errors.Is(err, ErrResumeInProgress) {
		t.Errorf("Resume() error = %v, want ErrResumeInProgress", err)
	}
	if sends != 0 {
		t.Error("nothing may execute while another process holds the claim")
	}
}

func TestGateway_TakesOverStaleClaim(t *testing.T) {
	h := newHarness(t, WithCheckpointTTL(72*time.Hour), WithClaimLease(10*time.Minute))
	var sends int32
	ctx := context.Background()
	out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L12")

	// The claiming process crashed before recording an outcome.
	if _, err := h.store.ClaimCheckpoint(ctx, out.Token, h.clock.Now(), time.Time{}); err != nil {
		t.Fatalf("ClaimCheckpoint() error = %v", err)
	}

	h.clock.Advance(5 * time.Minute)
	if _, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved}); !errors.Is(err, ErrResumeInProgress) {
		t.Fatalf("Resume() within lease error = %v, want ErrResumeInProgress", err)
	}

	h.clock.Advance(10 * time.Minute)
	res, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	if err != nil {
		t.Fatalf("Resume() after lease error = %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", res.Status)
	}
	if got := atomic.LoadInt32(&sends); got != 1 {
		t.Errorf("send executed %d times, want 1", got)
	}
	if _, err := h.store.LoadCheckpoint(ctx, out.Token); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LoadCheckpoint() error = %v, want ErrNotFound", err)
	}
}

func TestGateway_StaleClaimPastTTL(t *testing.T) {
	h := newHarness(t, WithCheckpointTTL(time.Hour), WithClaimLease(10*time.Minute))
	var sends int32
	ctx := context.Background()
	out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L13")

	if _, err := h.store.ClaimCheckpoint(ctx, out.Token, h.clock.Now(), time.Time{}); err != nil {
		t.Fatalf("ClaimCheckpoint() error = %v", err)
	}
	h.clock.Advance(48 * time.Hour)

	res, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	var stale *StaleCheckpointError
	if !errors.As(err, &stale) {
		t.Fatalf("Resume() error = %v, want *StaleCheckpointError", err)
	}
	if res.Kind != KindAbandoned || !res.Escalate {
		t.Errorf("Resume() = %s/%s escalate=%v", res.Status, res.Kind, res.Escalate)
	}
	if sends != 0 {
		t.Error("abandoned instance must not execute")
	}
}

func TestGateway_StaleCheckpoint(t *testing.T) {
	h := newHarness(t, WithCheckpointTTL(time.Hour))
	var sends int32
	ctx := context.Background()
	out := suspendLead(t, h, approvalGraph(t, true, revisionToken, &sends), "L11")

	h.clock.Advance(2 * time.Hour)

	res, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	var stale *StaleCheckpointError
	if !errors.As(err, &stale) {
		t.Fatalf("Resume() error = %v, want *StaleCheckpointError", err)
	}
	if stale.InstanceID != out.InstanceID || stale.Age != "2h0m0s" {
		t.Errorf("unexpected stale error %+v", stale)
	}
	if res.Status != StatusFailed || res.Kind != KindAbandoned || !res.Escalate {
		t.Errorf("Resume() = %s/%s escalate=%v", res.Status, res.Kind, res.Escalate)
	}
	if sends != 0 {
		t.Error("stale instance must not execute")
	}
	if _, err := h.store.LoadCheckpoint(ctx, out.Token); !errors.Is(err, store.ErrNotFound) {
		t.Error("abandoned checkpoint must be deleted")
	}

	again, err := h.gateway.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	if !errors.As(err, &stale) || again.Status != StatusFailed {
		t.Errorf("second Resume() = %s, %v", again.Status, err)
	}
	if h.events.Count(out.InstanceID, emit.MsgAbandoned) != 1 {
		t.Error("expected exactly one abandoned event")
	}
}

func TestGateway_UnknownToken(t *testing.T) {
	h := newHarness(t)
	for _, token := range []string{"", "never-issued"} {
		if _, err := h.gateway.Resume(context.Background(), token, ResumeEvent{Decision: DecisionApproved}); !errors.Is(err, ErrCheckpointNotFound) {
			t.Errorf("Resume(%q) error = %v, want ErrCheckpointNotFound", token, err)
		}
	}
}

func TestGateway_ResumeFromAnotherExecutor(t *testing.T) {
	h := newHarness(t)
	var sends int32
	ctx := context.Background()
	g := approvalGraph(t, true, revisionToken, &sends)
	out := suspendLead(t, h, g, "L12")

	other, err := NewExecutor(h.store, WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	gw := NewGateway(other)

	if _, err := gw.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved}); !errors.Is(err, ErrGraphNotRegistered) {
		t.Fatalf("Resume() error = %v, want ErrGraphNotRegistered", err)
	}
	cp, err := h.store.LoadCheckpoint(ctx, out.Token)
	if err != nil || cp.Status != store.StatusSuspended {
		t.Fatalf("checkpoint not released: %+v, %v", cp, err)
	}

	if err := other.Register(g); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	res, err := gw.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	if err != nil || res.Status != StatusCompleted {
		t.Fatalf("Resume() = %s, %v", res.Status, err)
	}
	if res.State.String("email_draft") != "draft v1" {
		t.Errorf("state not restored from checkpoint: %v", res.State)
	}
}

func TestExecute_MissingCorrelationToken(t *testing.T) {
	h := newHarness(t)
	g := mustCompile(t, NewBuilder("silent").
		Add(NodeSpec{ID: "ask", Node: Stateless(nil), Suspend: true}).
		Add(NodeSpec{ID: "done", Node: Stateless(nil), Terminal: true}).
		Connect("ask", "done"))

	out, err := h.exec.Execute(context.Background(), g, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Status != StatusFailed || out.Kind != KindMissingToken {
		t.Errorf("outcome = %s/%s, want failed/%s", out.Status, out.Kind, KindMissingToken)
	}
	if out.Token != "" || out.SuspendedAt != "" {
		t.Errorf("failed instance reports suspension %q/%q", out.SuspendedAt, out.Token)
	}
	if h.events.Count(out.InstanceID, emit.MsgCheckpointSaved) != 0 {
		t.Error("no checkpoint may be written without a token")
	}
}

// saveFailingStore fails SaveCheckpoint once failSaves is set.
type saveFailingStore struct {
	*store.MemStore
	failSaves atomic.Bool
}

func (s *saveFailingStore) SaveCheckpoint(ctx context.Context, cp store.Checkpoint) error {
	if s.failSaves.Load() {
		return errors.New("disk full")
	}
	return s.MemStore.SaveCheckpoint(ctx, cp)
}

func TestGateway_ResuspendSaveFailure(t *testing.T) {
	st := &saveFailingStore{MemStore: store.NewMemStore()}
	clock := newFakeClock()
	exec, err := NewExecutor(st, WithClock(clock.Now), WithRetryPolicy(RetryPolicy{MaxAttempts: 1}))
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	var sends int32
	ctx := context.Background()
	out, err := exec.Execute(ctx, approvalGraph(t, true, revisionToken, &sends), State{"lead_id": "L14"})
	if err != nil || out.Status != StatusSuspended {
		t.Fatalf("Execute() = %s, %v", out.Status, err)
	}

	st.failSaves.Store(true)
	gw := NewGateway(exec)
	res, err := gw.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionChangesRequested})
	if err == nil {
		t.Fatal("Resume() error = nil, want checkpoint failure")
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", res.Status)
	}
	if _, err := st.LoadCheckpoint(ctx, out.Token); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("claimed checkpoint left behind: %v", err)
	}

	again, err := gw.Resume(ctx, out.Token, ResumeEvent{Decision: DecisionApproved})
	if errors.Is(err, ErrResumeInProgress) {
		t.Fatal("token stuck in resuming after a failed re-suspend")
	}
	if again.Status != StatusFailed {
		t.Errorf("second Resume() = %s, want the recorded failure", again.Status)
	}
	if sends != 0 {
		t.Error("nothing may be sent")
	}
}
