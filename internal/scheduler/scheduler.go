// Package scheduler owns agent runs: it admits them, queues them FIFO and
// drives each one through its steps on a bounded worker pool.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/approval"
	"agentgate/internal/audit"
	"agentgate/internal/budget"
	"agentgate/internal/metrics"
	"agentgate/internal/provider"
	"agentgate/internal/resilience"
	"agentgate/internal/store"
	"agentgate/internal/stream"
)

type Options struct {
	Workers   int
	QueueSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
	Now       func() time.Time
}

// Deps are the collaborators a scheduler drives runs through.
type Deps struct {
	Runs      store.RunStore
	Providers *provider.Registry
	Pricing   *provider.Pricing
	Layer     *resilience.Layer
	Governor  *budget.Governor
	Gate      *approval.Gate
	Audit     *audit.Recorder
	Hub       *stream.Hub
}

type SubmitRequest struct {
	OrgID      string
	ProjectID  string
	ProviderID string
	ModelID    string
	Goal       store.Goal
}

type Scheduler struct {
	Deps
	workers   int
	queueSize int
	log       zerolog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time

	mu       sync.Mutex
	cond     *sync.Cond
	ready    []string
	reserved int
	owned    map[string]struct{}
	cancels  map[string]string
	started  bool
	stopping bool

	locks  [64]sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(deps Deps, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	s := &Scheduler{
		Deps:      deps,
		workers:   opts.Workers,
		queueSize: opts.QueueSize,
		log:       opts.Logger.With().Str("component", "scheduler").Logger(),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		now:       opts.Now,
		owned:     map[string]struct{}{},
		cancels:   map[string]string{},
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("agentgate/scheduler")
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.cond = sync.NewCond(&s.mu)
	if deps.Gate != nil {
		deps.Gate.SetSignaler(s)
	}
	return s
}

// StoppedReason prefixes the reason of runs the scheduler settles while
// shutting down or after a restart.
const StoppedReason = "scheduler stopped"

// Start launches the worker pool. Workers run until Stop; ending ctx does
// not stop them, so Stop can still drain the queue.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.log.Info().Int("workers", s.workers).Int("queue_size", s.queueSize).Msg("scheduler started")
}

// Stop refuses new submissions and lets workers drain the queue. When ctx
// expires first, in-flight provider calls are cancelled and their runs
// fail. Runs still queued once the workers are gone are cancelled, so none
// is left behind in a live state.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	cancel := s.cancel
	s.cond.Broadcast()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		if cancel != nil {
			cancel()
		}
		<-done
	}
	if cancel != nil {
		cancel()
	}
	if n := s.abandon(context.WithoutCancel(ctx)); n > 0 {
		s.log.Warn().Int("runs", n).Msg("settled runs left in the queue")
	}
	return err
}

// abandon settles the runs left in the ready queue after every worker has
// exited.
func (s *Scheduler) abandon(ctx context.Context) int {
	s.mu.Lock()
	left := s.ready
	s.ready = nil
	s.gauge()
	s.mu.Unlock()

	for _, id := range left {
		unlock := s.lockRun(id)
		run, err := s.Runs.GetRun(ctx, id)
		if err != nil {
			unlock()
			s.log.Error().Err(err).Str("run_id", id).Msg("load queued run")
			continue
		}
		switch run.Status {
		case store.RunQueued:
			reason := StoppedReason + " before the run started"
			s.finishLocked(ctx, &run, store.RunCancelled, reason, map[string]any{"reason": reason})
		case store.RunRunning:
			// resumed after approval but never picked up again
			reason := fmt.Sprintf("%s before step %d", StoppedReason, run.NextStep)
			s.finishLocked(ctx, &run, store.RunFailed, reason, map[string]any{"reason": reason, "step": run.NextStep})
		}
		unlock()
	}
	return len(left)
}

// Recover picks up runs a previous process left behind in the store.
// Queued runs are enqueued again in arrival order. Runs that were running
// have no owner any more and fail. A suspended run stays suspended unless
// its decision was resolved without reaching the run, in which case the
// decision is applied now. Call it before Start.
func (s *Scheduler) Recover(ctx context.Context) (requeued, ended int, err error) {
	runs, err := s.Runs.ListRunsByStatus(ctx, store.RunQueued, store.RunRunning, store.RunAwaitingApproval)
	if err != nil {
		return 0, 0, fmt.Errorf("list unfinished runs: %w", err)
	}
	for _, r := range runs {
		run := r
		s.mu.Lock()
		_, owned := s.owned[run.ID]
		queued := slices.Contains(s.ready, run.ID)
		s.mu.Unlock()
		if owned || queued {
			continue
		}

		switch run.Status {
		case store.RunQueued:
			s.enqueue(run.ID)
			requeued++
		case store.RunRunning:
			reason := fmt.Sprintf("%s while step %d was executing", StoppedReason, run.NextStep)
			unlock := s.lockRun(run.ID)
			s.finishLocked(ctx, &run, store.RunFailed, reason, map[string]any{"reason": reason, "step": run.NextStep})
			unlock()
			ended++
		case store.RunAwaitingApproval:
			resumed, cancelled, err := s.settleDecided(ctx, run)
			if err != nil {
				return requeued, ended, err
			}
			if resumed {
				requeued++
			}
			if cancelled {
				ended++
			}
		}
	}
	if requeued > 0 || ended > 0 {
		s.log.Info().Int("requeued", requeued).Int("ended", ended).Msg("recovered unfinished runs")
	}
	return requeued, ended, nil
}

// settleDecided applies the latest decision of a suspended run when nothing
// is pending for it any more.
func (s *Scheduler) settleDecided(ctx context.Context, run store.AgentRun) (resumed, cancelled bool, err error) {
	if s.Gate == nil {
		return false, false, nil
	}
	traces, err := s.Gate.ForRun(ctx, run.ID)
	if err != nil {
		return false, false, fmt.Errorf("decision traces of %s: %w", run.ID, err)
	}
	if len(traces) == 0 {
		return false, false, nil
	}
	for _, t := range traces {
		if t.Status == store.ApprovalPending {
			return false, false, nil
		}
	}

	unlock := s.lockRun(run.ID)
	defer unlock()
	switch last := traces[len(traces)-1]; last.Status {
	case store.ApprovalApproved:
		if err := s.transition(ctx, &run, store.RunRunning, ""); err != nil {
			return false, false, err
		}
		s.enqueue(run.ID)
		return true, false, nil
	case store.ApprovalRejected:
		s.finishLocked(ctx, &run, store.RunCancelled, last.Reason, map[string]any{"reason": last.Reason})
		return false, true, nil
	}
	return false, false, nil
}

func (s *Scheduler) enqueue(id string) {
	s.mu.Lock()
	s.ready = append(s.ready, id)
	s.gauge()
	s.cond.Signal()
	s.mu.Unlock()
}

// Submit validates the goal, reserves budget for every step up to and
// including the first one that needs approval, persists the run as queued
// and enqueues it.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (store.AgentRun, error) {
	plan, err := s.validate(req)
	if err != nil {
		return store.AgentRun{}, err
	}

	if err := s.reserveSlot(); err != nil {
		return store.AgentRun{}, err
	}
	enqueued := false
	defer func() {
		if !enqueued {
			s.releaseSlot()
		}
	}()

	var estimate, charge float64
	horizon := admissionHorizon(plan)
	for i, st := range plan {
		e := s.Pricing.EstimateStep(req.ProviderID, req.ModelID, st.EstimatedCost)
		estimate += e
		if i+1 <= horizon {
			charge += e
		}
	}

	decision, err := s.Governor.Admit(ctx, req.OrgID, charge)
	if err != nil {
		s.Audit.Record(ctx, audit.Entry{OrgID: req.OrgID, Kind: audit.KindAdmission, Outcome: "deny", Detail: map[string]any{
			"estimate": estimate, "charge": charge, "decision": decision, "error": err.Error(),
		}})
		s.countSubmit(req.OrgID, "deny")
		return store.AgentRun{}, err
	}

	now := s.now().UTC()
	run := store.AgentRun{
		OrgID:        req.OrgID,
		ProjectID:    req.ProjectID,
		ProviderID:   req.ProviderID,
		ModelID:      req.ModelID,
		Goal:         req.Goal,
		Status:       store.RunQueued,
		CostEstimate: estimate,
		CostCharged:  charge,
		NextStep:     1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	id, err := s.Runs.CreateRun(ctx, run)
	if err != nil {
		if rerr := s.Governor.Reconcile(context.WithoutCancel(ctx), req.OrgID, 0, charge); rerr != nil {
			s.log.Error().Err(rerr).Str("org_id", req.OrgID).Msg("refund admission")
		}
		return store.AgentRun{}, fmt.Errorf("create run: %w", err)
	}
	run.ID = id

	s.Audit.Record(ctx, audit.Entry{OrgID: run.OrgID, RunID: id, Kind: audit.KindAdmission, Outcome: "allow", Detail: map[string]any{
		"estimate": estimate, "charge": charge, "steps": len(plan),
	}})
	s.countSubmit(req.OrgID, "allow")
	s.log.Info().Str("run_id", id).Str("org_id", run.OrgID).Float64("estimate", estimate).Float64("charge", charge).Msg("run admitted")

	s.mu.Lock()
	s.reserved--
	s.ready = append(s.ready, id)
	s.gauge()
	s.cond.Signal()
	s.mu.Unlock()
	enqueued = true
	return run, nil
}

func (s *Scheduler) validate(req SubmitRequest) ([]store.GoalStep, error) {
	if req.OrgID == "" {
		return nil, fmt.Errorf("%w: organization is required", ErrInvalidGoal)
	}
	if _, ok := s.Providers.Get(req.ProviderID); !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidGoal, req.ProviderID)
	}
	if req.ModelID == "" {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidGoal)
	}
	plan := req.Goal.Plan()
	if len(plan) == 0 {
		return nil, fmt.Errorf("%w: goal needs a prompt or steps", ErrInvalidGoal)
	}
	for i, st := range plan {
		if strings.TrimSpace(st.Prompt) == "" {
			return nil, fmt.Errorf("%w: step %d has no prompt", ErrInvalidGoal, i+1)
		}
		if st.EstimatedCost < 0 {
			return nil, fmt.Errorf("%w: step %d has a negative estimate", ErrInvalidGoal, i+1)
		}
	}
	return plan, nil
}

// admissionHorizon is the last step charged at admission: the first step
// that needs approval, or the final step. Later steps are charged at their
// own boundary after the run resumes.
func admissionHorizon(plan []store.GoalStep) int {
	for i, st := range plan {
		if st.RequiresApproval {
			return i + 1
		}
	}
	return len(plan)
}

func (s *Scheduler) reserveSlot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if len(s.ready)+s.reserved >= s.queueSize {
		return ErrQueueFull
	}
	s.reserved++
	return nil
}

func (s *Scheduler) releaseSlot() {
	s.mu.Lock()
	s.reserved--
	s.mu.Unlock()
}

func (s *Scheduler) Get(ctx context.Context, id string) (store.AgentRun, error) {
	return s.Runs.GetRun(ctx, id)
}

func (s *Scheduler) Messages(ctx context.Context, id string) ([]store.RunMessage, error) {
	return s.Runs.ListMessages(ctx, id)
}

// Cancel stops a run. Queued and suspended runs are cancelled on the spot;
// a running run is flagged and stops at its next step boundary.
func (s *Scheduler) Cancel(ctx context.Context, id, reason string) (store.AgentRun, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by request"
	}
	unlock := s.lockRun(id)
	defer unlock()

	run, err := s.Runs.GetRun(ctx, id)
	if err != nil {
		return store.AgentRun{}, err
	}
	switch run.Status {
	case store.RunQueued, store.RunAwaitingApproval:
		s.dequeue(id)
		if err := s.finish(ctx, &run, store.RunCancelled, reason, map[string]any{"reason": reason}); err != nil {
			return run, err
		}
		if err := s.Gate.Withdraw(ctx, id, reason); err != nil {
			s.log.Warn().Err(err).Str("run_id", id).Msg("withdraw pending decisions")
		}
		return run, nil
	case store.RunRunning:
		s.mu.Lock()
		s.cancels[id] = reason
		s.mu.Unlock()
		s.log.Info().Str("run_id", id).Msg("cancellation requested")
		return run, nil
	default:
		return run, fmt.Errorf("%w: %s", ErrTerminal, run.Status)
	}
}

// Resume re-enqueues a run suspended on an approved decision.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	unlock := s.lockRun(id)
	defer unlock()

	run, err := s.Runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != store.RunAwaitingApproval {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, run.Status)
	}
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return ErrStopped
	}
	if err := s.transition(ctx, &run, store.RunRunning, ""); err != nil {
		return err
	}
	s.enqueue(id)
	return nil
}

// Terminate ends a run whose decision was rejected. The result payload
// carries the reason.
func (s *Scheduler) Terminate(ctx context.Context, id, reason string) error {
	unlock := s.lockRun(id)
	defer unlock()

	run, err := s.Runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunAwaitingApproval, store.RunQueued:
		s.dequeue(id)
		return s.finish(ctx, &run, store.RunCancelled, reason, map[string]any{"reason": reason})
	case store.RunRunning:
		s.mu.Lock()
		s.cancels[id] = reason
		s.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrTerminal, run.Status)
	}
}

// transition validates and persists a status change. Callers hold the run lock.
func (s *Scheduler) transition(ctx context.Context, run *store.AgentRun, to store.RunStatus, reason string) error {
	from := run.Status
	if err := validateTransition(from, to); err != nil {
		return err
	}
	now := s.now().UTC()
	run.Status = to
	run.UpdatedAt = now
	if reason != "" {
		run.Reason = reason
	}
	if to.Terminal() {
		run.FinishedAt = &now
	}
	if err := s.Runs.UpdateRun(context.WithoutCancel(ctx), *run); err != nil {
		run.Status = from
		return fmt.Errorf("persist run %s: %w", run.ID, err)
	}

	s.log.Info().Str("run_id", run.ID).Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("run transition")
	if s.metrics != nil {
		s.metrics.RunTransitions.WithLabelValues(string(from), string(to)).Inc()
		if to.Terminal() {
			s.metrics.RunsFinished.WithLabelValues(string(to)).Inc()
		}
	}
	s.Audit.Record(ctx, audit.Entry{OrgID: run.OrgID, RunID: run.ID, Kind: audit.KindTransition, Outcome: string(to), Detail: map[string]any{
		"from": from, "to": to, "reason": reason,
	}})
	s.Hub.Publish(stream.Event{RunID: run.ID, Type: stream.EventStatus, Status: string(to), Message: reason})
	return nil
}

// finish moves a run to a terminal state with an explanatory payload and
// settles its budget against what was actually spent.
func (s *Scheduler) finish(ctx context.Context, run *store.AgentRun, to store.RunStatus, reason string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	prev := run.Result
	run.Result = payload
	if err := s.transition(ctx, run, to, reason); err != nil {
		run.Result = prev
		return err
	}

	s.mu.Lock()
	delete(s.cancels, run.ID)
	s.mu.Unlock()

	if err := s.Governor.Reconcile(context.WithoutCancel(ctx), run.OrgID, run.CostActual, run.CostCharged); err != nil {
		s.log.Error().Err(err).Str("run_id", run.ID).Msg("reconcile budget")
	}
	s.Hub.Close(run.ID)
	return nil
}

func (s *Scheduler) dequeue(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.ready {
		if r == id {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			break
		}
	}
	s.gauge()
}

func (s *Scheduler) cancelRequested(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason, ok := s.cancels[id]
	return reason, ok
}

// lockRun serializes state changes of one run. Locks are striped so the
// table never grows.
func (s *Scheduler) lockRun(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &s.locks[h.Sum32()%uint32(len(s.locks))]
	m.Lock()
	return m.Unlock
}

// gauge must be called with mu held.
func (s *Scheduler) gauge() {
	if s.metrics != nil {
		s.metrics.RunQueueDepth.Set(float64(len(s.ready)))
	}
}

func (s *Scheduler) countSubmit(org, result string) {
	if s.metrics != nil {
		s.metrics.RunsSubmitted.WithLabelValues(org, result).Inc()
	}
}

// IsClientError reports whether err is the caller's fault rather than the
// scheduler's.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidGoal) || errors.Is(err, budget.ErrInvalid)
}
