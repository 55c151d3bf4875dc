// Package approval records the decision points of a run and holds the ones
// that need a human's sign-off until somebody approves or rejects them.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentgate/internal/audit"
	"agentgate/internal/metrics"
	"agentgate/internal/store"
)

type Verdict int

const (
	Proceed Verdict = iota
	Suspend
)

func (v Verdict) String() string {
	if v == Suspend {
		return "suspend"
	}
	return "proceed"
}

var (
	// ErrConflict means the trace was already resolved.
	ErrConflict       = errors.New("decision trace is not pending")
	ErrReasonRequired = errors.New("a rejection reason is required")
)

// SystemApprover is recorded when a trace is withdrawn because its run
// ended some other way.
const SystemApprover = "system"

// RunSignaler is how the gate hands a resolved decision back to the owner
// of the run.
type RunSignaler interface {
	Resume(ctx context.Context, runID string) error
	Terminate(ctx context.Context, runID, reason string) error
}

type Options struct {
	Audit   *audit.Recorder
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type Gate struct {
	traces   store.TraceStore
	audit    *audit.Recorder
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	signaler RunSignaler
}

func NewGate(traces store.TraceStore, opts Options) *Gate {
	g := &Gate{
		traces:  traces,
		audit:   opts.Audit,
		log:     opts.Logger.With().Str("component", "approval").Logger(),
		metrics: opts.Metrics,
		now:     opts.Now,
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g
}

// SetSignaler wires the scheduler in after both are constructed.
func (g *Gate) SetSignaler(s RunSignaler) { g.signaler = s }

// Evaluate records the decision for one step. Steps that need no sign-off
// are recorded as not_required so every step of a run has a trace.
func (g *Gate) Evaluate(ctx context.Context, orgID, runID string, step int, decision any, requiresApproval bool) (Verdict, store.DecisionTrace, error) {
	payload, err := json.Marshal(decision)
	if err != nil {
		return Proceed, store.DecisionTrace{}, fmt.Errorf("encode decision: %w", err)
	}
	status := store.ApprovalNotRequired
	if requiresApproval {
		status = store.ApprovalPending
	}
	t, err := g.traces.CreateTrace(ctx, store.DecisionTrace{
		RunID:     runID,
		OrgID:     orgID,
		Step:      step,
		Decision:  payload,
		Status:    status,
		CreatedAt: g.now().UTC(),
	})
	if err != nil {
		return Proceed, store.DecisionTrace{}, fmt.Errorf("record decision trace: %w", err)
	}
	if !requiresApproval {
		return Proceed, t, nil
	}
	g.log.Info().Str("run_id", runID).Int("step", step).Str("trace_id", t.ID).Msg("awaiting approval")
	g.record(ctx, t, "pending")
	return Suspend, t, nil
}

// Approve resolves a pending trace and resumes its run from the next step.
// The decision is kept when the run cannot be resumed; the error then
// wraps ErrConflict.
func (g *Gate) Approve(ctx context.Context, traceID, approverID string) (store.DecisionTrace, error) {
	t, err := g.resolve(ctx, traceID, store.ApprovalApproved, approverID, "")
	if err != nil {
		return t, err
	}
	if g.signaler != nil {
		if err := g.signaler.Resume(ctx, t.RunID); err != nil {
			g.log.Warn().Err(err).Str("run_id", t.RunID).Str("trace_id", t.ID).Msg("resume after approval")
			return t, fmt.Errorf("%w: run %s was not resumed: %w", ErrConflict, t.RunID, err)
		}
	}
	return t, nil
}

// Reject resolves a pending trace and terminates its run as cancelled with
// the reason stored verbatim.
func (g *Gate) Reject(ctx context.Context, traceID, approverID, reason string) (store.DecisionTrace, error) {
	if strings.TrimSpace(reason) == "" {
		return store.DecisionTrace{}, ErrReasonRequired
	}
	t, err := g.resolve(ctx, traceID, store.ApprovalRejected, approverID, reason)
	if err != nil {
		return t, err
	}
	if g.signaler != nil {
		if err := g.signaler.Terminate(ctx, t.RunID, reason); err != nil {
			g.log.Warn().Err(err).Str("run_id", t.RunID).Str("trace_id", t.ID).Msg("terminate after rejection")
			return t, fmt.Errorf("%w: run %s was not terminated: %w", ErrConflict, t.RunID, err)
		}
	}
	return t, nil
}

// Withdraw rejects whatever is still pending for a run that ended
// elsewhere, without signalling the run.
func (g *Gate) Withdraw(ctx context.Context, runID, reason string) error {
	traces, err := g.traces.ListTraces(ctx, runID)
	if err != nil {
		return err
	}
	for _, t := range traces {
		if t.Status != store.ApprovalPending {
			continue
		}
		if _, err := g.resolve(ctx, t.ID, store.ApprovalRejected, SystemApprover, reason); err != nil && !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return nil
}

func (g *Gate) Get(ctx context.Context, traceID string) (store.DecisionTrace, error) {
	return g.traces.GetTrace(ctx, traceID)
}

// Pending lists unresolved traces; an empty org lists all of them.
func (g *Gate) Pending(ctx context.Context, orgID string) ([]store.DecisionTrace, error) {
	return g.traces.ListPendingTraces(ctx, orgID)
}

func (g *Gate) ForRun(ctx context.Context, runID string) ([]store.DecisionTrace, error) {
	return g.traces.ListTraces(ctx, runID)
}

func (g *Gate) resolve(ctx context.Context, traceID string, status store.ApprovalStatus, approverID, reason string) (store.DecisionTrace, error) {
	t, err := g.traces.ResolveTrace(ctx, traceID, status, approverID, reason, g.now())
	if errors.Is(err, store.ErrConflict) {
		return t, fmt.Errorf("trace %s is %s: %w", traceID, t.Status, ErrConflict)
	}
	if err != nil {
		return t, err
	}
	g.log.Info().Str("trace_id", t.ID).Str("run_id", t.RunID).Str("status", string(status)).Str("approver", approverID).Msg("decision resolved")
	if g.metrics != nil {
		g.metrics.ApprovalActions.WithLabelValues(string(status)).Inc()
	}
	g.record(ctx, t, string(status))
	return t, nil
}

func (g *Gate) record(ctx context.Context, t store.DecisionTrace, outcome string) {
	if g.audit == nil {
		return
	}
	g.audit.Record(ctx, audit.Entry{
		OrgID:   t.OrgID,
		RunID:   t.RunID,
		Kind:    audit.KindApproval,
		Outcome: outcome,
		Detail: map[string]any{
			"traceId":    t.ID,
			"step":       t.Step,
			"approverId": t.ApproverID,
			"reason":     t.Reason,
		},
	})
}
