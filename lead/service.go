package lead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/graph/store"
)

// ErrNoPendingWorkflow is returned by Respond when no workflow waits on
// the reply's thread.
var ErrNoPendingWorkflow = errors.New("no pending workflow for thread")

// Reply is a human response arriving on an approval thread.
type Reply struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
	Message  string `json:"human_message"`
	Reviewer string `json:"reviewer"`
}

// Service starts lead workflows and feeds reviewer replies back into them.
//
// Reply text is classified by the Analyst before it reaches the engine, so
// the graph only ever routes on a categorical decision.
type Service struct {
	exec    *graph.Executor
	gateway *graph.Gateway
	graph   *graph.Graph
	analyst Analyst
	log     *slog.Logger
}

// NewService registers g with exec and returns a Service over it.
func NewService(exec *graph.Executor, g *graph.Graph, analyst Analyst, logger *slog.Logger) (*Service, error) {
	if exec == nil || g == nil || analyst == nil {
		return nil, errors.New("lead service requires an executor, a graph and an analyst")
	}
	if err := exec.Register(g); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		exec:    exec,
		gateway: graph.NewGateway(exec),
		graph:   g,
		analyst: analyst,
		log:     logger,
	}, nil
}

// Graph returns the workflow graph.
func (s *Service) Graph() *graph.Graph {
	return s.graph
}

// Submit starts a workflow for l and runs it until it completes, fails or
// waits for approval.
func (s *Service) Submit(ctx context.Context, l Lead) (graph.Outcome, error) {
	if err := l.Validate(); err != nil {
		return graph.Outcome{}, err
	}
	out, err := s.exec.Execute(ctx, s.graph, InitialState(l))
	if err != nil {
		return out, fmt.Errorf("run lead workflow: %w", err)
	}
	s.log.Info("lead workflow rested",
		"instance_id", out.InstanceID,
		"status", out.Status,
		"token", out.Token,
	)
	return out, nil
}

// Respond interprets r and resumes the workflow waiting on its thread.
// A reply for a thread that was already answered returns the outcome of
// the first answer without running anything. ErrNoPendingWorkflow is
// returned when nothing waits on the thread; graph.ErrResumeInProgress and
// *graph.StaleCheckpointError pass through unchanged.
func (s *Service) Respond(ctx context.Context, r Reply) (graph.Outcome, error) {
	token := ThreadToken(r.Channel, r.ThreadTS)
	st := s.exec.Store()

	var event graph.ResumeEvent
	cp, err := st.LoadCheckpoint(ctx, token)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Already answered, or never asked. The gateway replays the
		// recorded outcome or reports the missing checkpoint.
	case err != nil:
		return graph.Outcome{}, fmt.Errorf("load checkpoint: %w", err)
	default:
		event, err = s.interpret(ctx, graph.State(cp.State), r)
		if err != nil {
			return graph.Outcome{}, err
		}
	}

	out, err := s.gateway.Resume(ctx, token, event)
	if errors.Is(err, graph.ErrCheckpointNotFound) {
		return out, ErrNoPendingWorkflow
	}
	return out, err
}

// interpret turns a reply into the resume event. An empty reply carries no
// decision and routes to clarification.
func (s *Service) interpret(ctx context.Context, state graph.State, r Reply) (graph.ResumeEvent, error) {
	approval := map[string]any{
		"human_message": r.Message,
		"reviewer":      r.Reviewer,
	}
	event := graph.ResumeEvent{Fields: graph.State{FieldApproval: approval}}
	if strings.TrimSpace(r.Message) == "" {
		approval["status"] = "unclear"
		return event, nil
	}

	in, err := s.analyst.InterpretReply(ctx, ReplyRequest{
		Message:   r.Message,
		LeadEmail: LeadFrom(state).Email,
		DraftBody: DraftFrom(state).Body,
	})
	if err != nil {
		return graph.ResumeEvent{}, fmt.Errorf("interpret reply: %w", err)
	}
	s.log.Info("reply interpreted",
		"thread_ts", r.ThreadTS,
		"reviewer", r.Reviewer,
		"decision", in.Decision,
	)

	event.Decision = in.Decision
	approval["status"] = in.Decision
	approval["feedback"] = in.Feedback
	approval["ai_reasoning"] = in.Reasoning
	if in.Decision == graph.DecisionChangesRequested && in.Feedback != "" {
		event.Fields[FieldFeedback] = []string{"Human: " + in.Feedback}
	}
	return event, nil
}
