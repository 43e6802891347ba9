package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dshills/leadgraph-go/graph/emit"
	"github.com/dshills/leadgraph-go/graph/store"
)

// ResumeEvent is the external event that continues a suspended instance.
type ResumeEvent struct {
	// Decision is merged into DecisionField. Routers after a suspension
	// node read it to pick the next step.
	Decision string

	// Fields are merged into the state before the decision, for example a
	// reviewer's comments.
	Fields State
}

// Gateway resumes suspended instances by correlation token.
//
// Resume is idempotent per token: the outcome of the first successful resume
// is recorded and every later call with the same token returns it without
// executing anything. Concurrent resumes for the same token are serialized
// in-process and guarded by the store's conditional claim across processes;
// exactly one of them runs the instance.
type Gateway struct {
	exec *Executor
}

// NewGateway creates a Gateway resuming instances through exec.
func NewGateway(exec *Executor) *Gateway {
	return &Gateway{exec: exec}
}

// Resume continues the instance suspended on token with event.
//
// Errors:
//   - ErrCheckpointNotFound: nothing is waiting on token
//   - ErrResumeInProgress: another resume holds the checkpoint claim and
//     has not recorded an outcome yet; claims older than the lease set by
//     WithClaimLease are taken over instead
//   - *StaleCheckpointError: the checkpoint outlived its TTL; the instance
//     is abandoned and the returned Outcome is failed
//   - ErrGraphNotRegistered: the checkpoint names an unknown graph; the
//     checkpoint is released untouched
//
// The resumed instance runs detached from ctx cancellation so an accepted
// event is never half applied; node timeouts still bound each step.
func (gw *Gateway) Resume(ctx context.Context, token string, event ResumeEvent) (Outcome, error) {
	e := gw.exec
	if token == "" {
		return Outcome{}, ErrCheckpointNotFound
	}

	unlock := e.tokens.lock(token)
	defer unlock()

	rec, err := e.store.LoadOutcome(ctx, token)
	switch {
	case err == nil:
		return gw.duplicate(token, rec)
	case !errors.Is(err, store.ErrNotFound):
		return Outcome{}, fmt.Errorf("failed to load outcome: %w", err)
	}

	cp, err := e.store.LoadCheckpoint(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		e.cfg.metrics.IncrementResumes("", "not_found")
		return Outcome{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, token)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	now := e.cfg.clock()
	if cp.Expired(now) {
		out, err := e.abandon(ctx, cp, now)
		var stale *StaleCheckpointError
		if errors.As(err, &stale) {
			e.cfg.metrics.IncrementResumes(cp.Graph, "stale")
		}
		return out, err
	}

	claimed, err := e.store.ClaimCheckpoint(ctx, token, now, e.cfg.staleClaimBefore(now))
	switch {
	case errors.Is(err, store.ErrClaimed):
		e.cfg.metrics.IncrementResumes(cp.Graph, "in_progress")
		return Outcome{}, ErrResumeInProgress
	case errors.Is(err, store.ErrNotFound):
		e.cfg.metrics.IncrementResumes(cp.Graph, "not_found")
		return Outcome{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, token)
	case err != nil:
		return Outcome{}, fmt.Errorf("failed to claim checkpoint: %w", err)
	}

	runCtx := context.WithoutCancel(ctx)
	out, err := e.resume(runCtx, claimed, event)
	if errors.Is(err, ErrGraphNotRegistered) {
		if relErr := e.store.ReleaseCheckpoint(runCtx, token); relErr != nil {
			e.cfg.logger.Error("failed to release checkpoint",
				"token", token,
				"error", relErr,
			)
		}
		return Outcome{}, err
	}
	if out.InstanceID == "" {
		return out, err
	}

	if saveErr := e.store.SaveOutcome(runCtx, storeOutcome(token, out, e.cfg.clock())); saveErr != nil {
		e.cfg.logger.Error("failed to record resume outcome",
			"token", token,
			"instance_id", out.InstanceID,
			"error", saveErr,
		)
		if err == nil {
			err = fmt.Errorf("failed to record outcome: %w", saveErr)
		}
	}
	e.cfg.metrics.IncrementResumes(claimed.Graph, "resumed")
	return out, err
}

func (gw *Gateway) duplicate(token string, rec store.Outcome) (Outcome, error) {
	e := gw.exec
	out := outcomeFromStore("", rec)
	e.cfg.metrics.IncrementResumes("", "duplicate")
	e.emit(rec.InstanceID, 0, "", emit.MsgDuplicateResume, map[string]interface{}{
		"token":  token,
		"status": rec.Status,
	})
	if rec.Kind == KindAbandoned {
		return out, &StaleCheckpointError{InstanceID: rec.InstanceID, Token: token}
	}
	return out, nil
}

// abandon claims an expired checkpoint, deletes it and records a failed
// outcome for its token. It is shared by Resume and the Reaper.
func (e *Executor) abandon(ctx context.Context, cp store.Checkpoint, now time.Time) (Outcome, error) {
	claimed, err := e.store.ClaimCheckpoint(ctx, cp.Token, now, e.cfg.staleClaimBefore(now))
	switch {
	case errors.Is(err, store.ErrClaimed):
		return Outcome{}, ErrResumeInProgress
	case errors.Is(err, store.ErrNotFound):
		return Outcome{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, cp.Token)
	case err != nil:
		return Outcome{}, fmt.Errorf("failed to claim checkpoint: %w", err)
	}

	stale := &StaleCheckpointError{
		InstanceID: claimed.InstanceID,
		Token:      claimed.Token,
		Age:        now.Sub(claimed.CreatedAt).Round(time.Second).String(),
	}
	out := Outcome{
		InstanceID:  claimed.InstanceID,
		Graph:       claimed.Graph,
		Status:      StatusFailed,
		State:       State(claimed.State).Clone(),
		Steps:       claimed.Steps,
		SuspendedAt: claimed.Frontier,
		Err:         stale,
		Kind:        KindAbandoned,
		Escalate:    true,
	}

	if err := e.store.SaveOutcome(ctx, storeOutcome(claimed.Token, out, now)); err != nil {
		return Outcome{}, fmt.Errorf("failed to record abandonment: %w", err)
	}
	if err := e.store.DeleteCheckpoint(ctx, claimed.InstanceID); err != nil {
		return Outcome{}, fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	e.emit(claimed.InstanceID, claimed.Steps, claimed.Frontier, emit.MsgAbandoned, map[string]interface{}{
		"token": claimed.Token,
		"age":   stale.Age,
		"error": stale.Error(),
	})
	e.cfg.metrics.IncrementInstances(claimed.Graph, StatusFailed)
	return out, stale
}
