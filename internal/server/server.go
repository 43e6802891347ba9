// Package server exposes the lead workflow over HTTP.
//
//	POST /contact-sales    start a workflow for a lead
//	POST /human-response   deliver a reviewer reply to a waiting workflow;
//	                       409 while another reply is processed, 410 once
//	                       the approval window has closed
//	GET  /health           liveness
//	GET  /graph            workflow structure as a mermaid diagram
//	GET  /metrics          Prometheus metrics, when configured
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/dshills/leadgraph-go/graph"
	"github.com/dshills/leadgraph-go/internal/config"
	"github.com/dshills/leadgraph-go/lead"
)

const maxBodyBytes = 1 << 20

// Workflow is the lead service the server drives.
type Workflow interface {
	Submit(ctx context.Context, l lead.Lead) (graph.Outcome, error)
	Respond(ctx context.Context, r lead.Reply) (graph.Outcome, error)
	Graph() *graph.Graph
}

// Server routes HTTP requests to a Workflow.
type Server struct {
	wf      Workflow
	log     *slog.Logger
	metrics http.Handler
	clock   func() time.Time
	started time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithClock lets tests control uptime.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New creates a Server for wf.
func New(wf Workflow, opts ...Option) *Server {
	s := &Server{
		wf:    wf,
		log:   slog.Default(),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock()
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /contact-sales", s.handleContactSales)
	mux.HandleFunc("POST /human-response", s.handleHumanResponse)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /graph", s.handleGraph)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on cfg.Addr until ctx is canceled, then drains
// in-flight requests for up to cfg.ShutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", cfg.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	s.log.Info("http server draining")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Thread identifies the approval conversation of a waiting workflow.
type Thread struct {
	Channel  string `json:"channel"`
	ThreadTS string `json:"thread_ts"`
}

// WorkflowResponse describes where a workflow came to rest.
type WorkflowResponse struct {
	InstanceID     string  `json:"instance_id"`
	Status         string  `json:"status"`
	WorkflowStatus string  `json:"workflow_status,omitempty"`
	Qualification  string  `json:"qualification_status,omitempty"`
	Reason         string  `json:"qualification_reason,omitempty"`
	EmailSent      bool    `json:"email_sent"`
	Steps          int     `json:"steps"`
	Thread         *Thread `json:"approval_thread,omitempty"`
	Error          string  `json:"error,omitempty"`
	Kind           string  `json:"error_kind,omitempty"`
	Escalate       bool    `json:"escalate,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleContactSales(w http.ResponseWriter, r *http.Request) {
	var l lead.Lead
	if err := decodeBody(w, r, &l); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	// A client that hangs up must not abort the run mid-step.
	out, err := s.wf.Submit(context.WithoutCancel(r.Context()), l)
	switch {
	case errors.Is(err, lead.ErrInvalidLead):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.log.Error("contact-sales failed", "email", l.Email, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "workflow could not be started"})
		return
	}
	s.writeOutcome(w, out)
}

func (s *Server) handleHumanResponse(w http.ResponseWriter, r *http.Request) {
	var reply lead.Reply
	if err := decodeBody(w, r, &reply); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if reply.Channel == "" || reply.ThreadTS == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "channel and thread_ts are required"})
		return
	}

	out, err := s.wf.Respond(context.WithoutCancel(r.Context()), reply)
	var stale *graph.StaleCheckpointError
	switch {
	case errors.Is(err, lead.ErrNoPendingWorkflow):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, graph.ErrResumeInProgress):
		s.writeJSON(w, http.StatusConflict, errorResponse{Error: "reply is already being processed"})
		return
	case errors.As(err, &stale):
		// The approval window closed; the workflow was abandoned.
		resp, _ := outcomeResponse(out)
		resp.Status = string(graph.StatusFailed)
		resp.Error = stale.Error()
		resp.Kind = graph.KindAbandoned
		resp.Escalate = true
		s.writeJSON(w, http.StatusGone, resp)
		return
	case err != nil:
		s.log.Error("human-response failed", "channel", reply.Channel, "thread_ts", reply.ThreadTS, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "reply could not be processed"})
		return
	}
	s.writeOutcome(w, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": s.clock().Sub(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	g := s.wf.Graph()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":    g.Name(),
		"entry":   g.Entry(),
		"nodes":   g.Nodes(),
		"mermaid": g.Mermaid(),
	})
}

// writeOutcome answers 200 for completed, 202 for waiting and 422 for
// failed workflows.
func (s *Server) writeOutcome(w http.ResponseWriter, out graph.Outcome) {
	resp, code := outcomeResponse(out)
	s.writeJSON(w, code, resp)
}

func outcomeResponse(out graph.Outcome) (WorkflowResponse, int) {
	resp := WorkflowResponse{
		InstanceID:     out.InstanceID,
		Status:         string(out.Status),
		WorkflowStatus: out.State.String(lead.FieldWorkflowStatus),
		Qualification:  out.State.String(lead.FieldStatus),
		Reason:         out.State.String(lead.FieldReason),
		EmailSent:      out.State.Bool(lead.FieldEmailSent),
		Steps:          out.Steps,
		Kind:           out.Kind,
		Escalate:       out.Escalate,
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}

	code := http.StatusOK
	switch out.Status {
	case graph.StatusSuspended:
		code = http.StatusAccepted
		a := lead.ApprovalFrom(out.State)
		resp.Thread = &Thread{Channel: a.Channel, ThreadTS: a.ThreadTS}
	case graph.StatusFailed:
		code = http.StatusUnprocessableEntity
	}
	return resp, code
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}
