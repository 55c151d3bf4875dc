package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/approval"
	"agentgate/internal/audit"
	"agentgate/internal/provider"
	"agentgate/internal/resilience"
	"agentgate/internal/store"
	"agentgate/internal/stream"
)

func (s *Scheduler) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	log := s.log.With().Int("worker", n).Logger()
	for {
		id, ok := s.next(ctx)
		if !ok {
			log.Debug().Msg("worker stopped")
			return
		}
		s.execute(ctx, id)
		s.mu.Lock()
		delete(s.owned, id)
		s.mu.Unlock()
	}
}

// next pops the oldest ready run that no other worker owns.
func (s *Scheduler) next(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return "", false
		}
		for i, id := range s.ready {
			if _, busy := s.owned[id]; busy {
				continue
			}
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			s.owned[id] = struct{}{}
			s.gauge()
			return id, true
		}
		if s.stopping {
			return "", false
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) execute(ctx context.Context, id string) {
	unlock := s.lockRun(id)
	run, err := s.Runs.GetRun(ctx, id)
	if err != nil {
		unlock()
		s.log.Error().Err(err).Str("run_id", id).Msg("load run")
		return
	}
	switch run.Status {
	case store.RunQueued:
		if err := s.transition(ctx, &run, store.RunRunning, ""); err != nil {
			unlock()
			s.log.Error().Err(err).Str("run_id", id).Msg("start run")
			return
		}
	case store.RunRunning:
		// resumed after approval
	default:
		// cancelled while waiting in the queue
		unlock()
		return
	}
	unlock()

	plan := run.Goal.Plan()
	horizon := admissionHorizon(plan)
	for run.NextStep <= len(plan) {
		if stop := s.runStep(ctx, &run, plan, horizon); stop {
			return
		}
	}
	s.complete(ctx, &run, len(plan))
}

// runStep executes run.NextStep and reports whether the worker should let
// go of the run (terminal or suspended).
func (s *Scheduler) runStep(ctx context.Context, run *store.AgentRun, plan []store.GoalStep, horizon int) bool {
	step := run.NextStep
	gs := plan[step-1]
	ctx, span := s.tracer.Start(ctx, "run.step", trace.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.Int("step", step),
	))
	defer span.End()

	if reason, ok := s.cancelRequested(run.ID); ok {
		s.end(ctx, run, store.RunCancelled, reason, map[string]any{"reason": reason, "step": step})
		return true
	}
	if ctx.Err() != nil {
		reason := fmt.Sprintf("%s before step %d", StoppedReason, step)
		s.end(context.WithoutCancel(ctx), run, store.RunFailed, reason, map[string]any{"reason": reason, "step": step})
		return true
	}

	if step > horizon {
		if stop := s.chargeStep(ctx, run, step, gs); stop {
			return true
		}
	}

	outcome, callErr := s.Layer.Call(ctx, run.ProviderID, gs.Prompt, run.ModelID)
	if ctx.Err() != nil {
		// shutting down: whatever happened is still recorded
		ctx = context.WithoutCancel(ctx)
	}
	cost := s.Pricing.Cost(run.ProviderID, run.ModelID, outcome.Result.Usage)
	run.CostActual += cost
	s.recordCall(ctx, run, step, outcome, cost)

	unlock := s.lockRun(run.ID)
	defer unlock()

	// A cancel that arrived during the call wins; the result is discarded.
	if reason, ok := s.cancelRequested(run.ID); ok {
		s.finishLocked(ctx, run, store.RunCancelled, reason, map[string]any{"reason": reason, "step": step, "discarded": true})
		return true
	}
	if callErr != nil {
		span.SetStatus(codes.Error, callErr.Error())
		reason := failureReason(run, outcome, callErr)
		s.finishLocked(ctx, run, store.RunFailed, reason, map[string]any{
			"reason": reason, "kind": outcome.Kind, "step": step, "attempts": outcome.Attempts,
		})
		return true
	}

	content := outcome.Result.Content
	if err := s.Runs.AppendMessage(ctx, store.RunMessage{
		RunID:     run.ID,
		Step:      step,
		Role:      "assistant",
		Content:   content,
		Usage:     toStoreUsage(outcome.Result.Usage, cost),
		CreatedAt: s.now().UTC(),
	}); err != nil {
		s.finishLocked(ctx, run, store.RunFailed, "record step output: "+err.Error(), map[string]any{"reason": err.Error(), "step": step})
		return true
	}

	verdict, tr, err := s.Gate.Evaluate(ctx, run.OrgID, run.ID, step, map[string]any{
		"prompt":           gs.Prompt,
		"output":           content,
		"provider":         run.ProviderID,
		"model":            run.ModelID,
		"requiresApproval": gs.RequiresApproval,
	}, gs.RequiresApproval)
	if err != nil {
		s.finishLocked(ctx, run, store.RunFailed, "record decision: "+err.Error(), map[string]any{"reason": err.Error(), "step": step})
		return true
	}

	run.NextStep = step + 1
	s.Hub.Publish(stream.Event{
		RunID:   run.ID,
		Type:    stream.EventStep,
		Step:    step,
		Message: content,
		Data:    map[string]any{"usage": outcome.Result.Usage, "cost": cost, "attempts": outcome.Attempts, "traceId": tr.ID},
	})

	if verdict == approval.Suspend {
		if err := s.transition(ctx, run, store.RunAwaitingApproval, ""); err != nil {
			s.log.Error().Err(err).Str("run_id", run.ID).Msg("suspend run")
			s.finishLocked(ctx, run, store.RunFailed, "suspend: "+err.Error(), map[string]any{"reason": err.Error(), "step": step})
			return true
		}
		s.Hub.Publish(stream.Event{RunID: run.ID, Type: stream.EventApproval, Step: step, Status: string(store.ApprovalPending), Data: map[string]any{"traceId": tr.ID}})
		return true
	}

	if err := s.Runs.UpdateRun(ctx, *run); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("persist step progress")
	}
	return false
}

// chargeStep reserves budget for a step that was not covered at admission.
func (s *Scheduler) chargeStep(ctx context.Context, run *store.AgentRun, step int, gs store.GoalStep) bool {
	est := s.Pricing.EstimateStep(run.ProviderID, run.ModelID, gs.EstimatedCost)
	decision, err := s.Governor.Admit(ctx, run.OrgID, est)
	if err != nil {
		s.Audit.Record(ctx, audit.Entry{OrgID: run.OrgID, RunID: run.ID, Kind: audit.KindAdmission, Outcome: "deny", Detail: map[string]any{
			"step": step, "charge": est, "decision": decision, "error": err.Error(),
		}})
		reason := fmt.Sprintf("admission denied at step %d: %v", step, err)
		s.end(ctx, run, store.RunFailed, reason, map[string]any{"reason": reason, "step": step, "decision": decision})
		return true
	}
	run.CostCharged += est
	s.Audit.Record(ctx, audit.Entry{OrgID: run.OrgID, RunID: run.ID, Kind: audit.KindAdmission, Outcome: "allow", Detail: map[string]any{
		"step": step, "charge": est,
	}})
	if err := s.Runs.UpdateRun(ctx, *run); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("persist step charge")
	}
	return false
}

func (s *Scheduler) complete(ctx context.Context, run *store.AgentRun, steps int) {
	msgs, err := s.Runs.ListMessages(ctx, run.ID)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("load messages")
	}
	var output string
	usage := store.Usage{}
	for _, m := range msgs {
		output = m.Content
		if m.Usage != nil {
			usage.InputTokens += m.Usage.InputTokens
			usage.OutputTokens += m.Usage.OutputTokens
			usage.CostEstimate += m.Usage.CostEstimate
		}
	}

	unlock := s.lockRun(run.ID)
	defer unlock()
	if reason, ok := s.cancelRequested(run.ID); ok {
		s.finishLocked(ctx, run, store.RunCancelled, reason, map[string]any{"reason": reason, "step": steps})
		return
	}
	s.finishLocked(ctx, run, store.RunCompleted, "", map[string]any{
		"output": output,
		"steps":  steps,
		"usage":  usage,
		"cost":   run.CostActual,
	})
}

func (s *Scheduler) end(ctx context.Context, run *store.AgentRun, to store.RunStatus, reason string, result any) {
	unlock := s.lockRun(run.ID)
	defer unlock()
	s.finishLocked(ctx, run, to, reason, result)
}

func (s *Scheduler) finishLocked(ctx context.Context, run *store.AgentRun, to store.RunStatus, reason string, result any) {
	if err := s.finish(ctx, run, to, reason, result); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Str("to", string(to)).Msg("finish run")
	}
}

func (s *Scheduler) recordCall(ctx context.Context, run *store.AgentRun, step int, o resilience.Outcome, cost float64) {
	detail := map[string]any{
		"step":     step,
		"provider": run.ProviderID,
		"model":    run.ModelID,
		"attempts": o.Attempts,
		"cost":     cost,
	}
	if o.Reason != "" {
		detail["error"] = o.Reason
	}
	s.Audit.Record(ctx, audit.Entry{OrgID: run.OrgID, RunID: run.ID, Kind: audit.KindProviderCall, Outcome: string(o.Kind), Detail: detail})
}

func failureReason(run *store.AgentRun, o resilience.Outcome, err error) string {
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return fmt.Sprintf("circuit open: provider %s is quarantined, retry later", run.ProviderID)
	case errors.Is(err, resilience.ErrPermanent):
		return "permanent provider error: " + o.Reason
	case errors.Is(err, resilience.ErrRetriesExhausted):
		return fmt.Sprintf("provider failed after %d attempts: %s", o.Attempts, o.Reason)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StoppedReason + " during provider call"
	default:
		return err.Error()
	}
}

func toStoreUsage(u *provider.Usage, cost float64) *store.Usage {
	if u == nil {
		return nil
	}
	return &store.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens, CostEstimate: cost}
}
