// Package api is the HTTP surface for submitting runs, following them,
// resolving approvals and administering budgets and circuit breakers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"agentgate/internal/approval"
	"agentgate/internal/audit"
	"agentgate/internal/auth"
	"agentgate/internal/budget"
	"agentgate/internal/resilience"
	"agentgate/internal/scheduler"
	"agentgate/internal/store"
	"agentgate/internal/stream"
)

type Options struct {
	Scheduler *scheduler.Scheduler
	Gate      *approval.Gate
	Governor  *budget.Governor
	Breakers  *resilience.Breakers
	Audit     *audit.Recorder
	Hub       *stream.Hub
	Resolver  auth.Resolver
	Logger    zerolog.Logger
}

type Server struct {
	sched    *scheduler.Scheduler
	gate     *approval.Gate
	gov      *budget.Governor
	breakers *resilience.Breakers
	audit    *audit.Recorder
	hub      *stream.Hub
	resolver auth.Resolver
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(opts Options) *Server {
	return &Server{
		sched:    opts.Scheduler,
		gate:     opts.Gate,
		gov:      opts.Governor,
		breakers: opts.Breakers,
		audit:    opts.Audit,
		hub:      opts.Hub,
		resolver: opts.Resolver,
		log:      opts.Logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

var (
	anyRole      = []string{auth.RoleReader, auth.RoleWriter, auth.RoleOperator, auth.RoleAdmin}
	operatorRole = []string{auth.RoleOperator, auth.RoleAdmin}
	adminRole    = []string{auth.RoleAdmin}
)

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /runs", s.authed(operatorRole, s.submitRun))
	mux.Handle("GET /runs/{id}", s.authed(anyRole, s.getRun))
	mux.Handle("GET /runs/{id}/stream", s.authed(anyRole, s.streamRun))
	mux.Handle("GET /runs/{id}/traces", s.authed(anyRole, s.runTraces))
	mux.Handle("POST /runs/{id}/cancel", s.authed(operatorRole, s.cancelRun))

	mux.Handle("GET /approvals/pending", s.authed(anyRole, s.pendingApprovals))
	mux.Handle("POST /approvals/{traceId}/approve", s.authed(operatorRole, s.approve))
	mux.Handle("POST /approvals/{traceId}/reject", s.authed(operatorRole, s.reject))

	mux.Handle("GET /budgets", s.authed(anyRole, s.listBudgets))
	mux.Handle("POST /budgets", s.authed(adminRole, s.setBudget))
	mux.Handle("POST /budgets/reset", s.authed(adminRole, s.resetBudget))

	mux.Handle("GET /circuits", s.authed(anyRole, s.listCircuits))
	mux.Handle("POST /circuits/reset", s.authed(adminRole, s.resetCircuits))

	mux.Handle("GET /audit", s.authed(adminRole, s.listAudit))
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Routes(mux)
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authed resolves the bearer credential and enforces the role set.
func (s *Server) authed(roles []string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.resolver == nil {
			writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
			return
		}
		p, err := s.resolver.Resolve(r.Context(), auth.BearerToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, auth.ErrUnauthorized)
			return
		}
		if !p.HasAny(roles) {
			writeJSON(w, http.StatusForbidden, map[string]any{"error": "forbidden", "required": roles, "granted": p.Roles})
			return
		}
		start := time.Now()
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), p)), p)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("principal", p.ID).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

type submitRequest struct {
	ProjectID string     `json:"projectId"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Goal      store.Goal `json:"goal"`
}

func (s *Server) submitRun(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in submitRequest
	if !decode(w, r, &in) {
		return
	}
	run, err := s.sched.Submit(r.Context(), scheduler.SubmitRequest{
		OrgID:      p.OrgID,
		ProjectID:  in.ProjectID,
		ProviderID: in.Provider,
		ModelID:    in.Model,
		Goal:       in.Goal,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitted{RunID: run.ID, AgentRun: run})
}

// submitted keeps the run body and names its id runId for clients.
type submitted struct {
	RunID string `json:"runId"`
	store.AgentRun
}

type runView struct {
	store.AgentRun
	Messages []store.RunMessage `json:"messages"`
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	run, ok := s.ownedRun(w, r, p)
	if !ok {
		return
	}
	msgs, err := s.sched.Messages(r.Context(), run.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.RunMessage{}
	}
	writeJSON(w, http.StatusOK, runView{AgentRun: run, Messages: msgs})
}

func (s *Server) runTraces(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	run, ok := s.ownedRun(w, r, p)
	if !ok {
		return
	}
	traces, err := s.gate.ForRun(r.Context(), run.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": nonNil(traces)})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &in) {
		return
	}
	run, ok := s.ownedRun(w, r, p)
	if !ok {
		return
	}
	if _, err := s.sched.Cancel(r.Context(), run.ID, in.Reason); err != nil {
		s.fail(w, err)
		return
	}
	updated, err := s.sched.Get(r.Context(), run.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, updated)
}

func (s *Server) pendingApprovals(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	traces, err := s.gate.Pending(r.Context(), p.OrgID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": nonNil(traces)})
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if _, ok := s.ownedTrace(w, r, p); !ok {
		return
	}
	t, err := s.gate.Approve(r.Context(), r.PathValue("traceId"), p.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &in) {
		return
	}
	if _, ok := s.ownedTrace(w, r, p); !ok {
		return
	}
	t, err := s.gate.Reject(r.Context(), r.PathValue("traceId"), p.ID, in.Reason)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) listBudgets(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	rows, err := s.gov.Budgets(r.Context(), p.OrgID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"budgets": nonNil(rows)})
}

func (s *Server) setBudget(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in struct {
		Period string  `json:"period"`
		Limit  float64 `json:"limit"`
	}
	if !decode(w, r, &in) {
		return
	}
	period, err := budget.ParsePeriod(in.Period)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.gov.SetLimit(r.Context(), p.OrgID, period, in.Limit); err != nil {
		s.fail(w, err)
		return
	}
	s.listBudgets(w, r, p)
}

func (s *Server) resetBudget(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in struct {
		Period string `json:"period"`
	}
	if !decode(w, r, &in) {
		return
	}
	period, err := budget.ParsePeriod(in.Period)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.gov.ResetSpent(r.Context(), p.OrgID, period); err != nil {
		s.fail(w, err)
		return
	}
	s.listBudgets(w, r, p)
}

func (s *Server) listCircuits(w http.ResponseWriter, _ *http.Request, _ auth.Principal) {
	writeJSON(w, http.StatusOK, map[string]any{"circuits": nonNil(s.breakers.States())})
}

func (s *Server) resetCircuits(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var in struct {
		Provider string `json:"provider"`
	}
	if r.ContentLength != 0 && !decode(w, r, &in) {
		return
	}
	if in.Provider == "" {
		s.breakers.ResetAll()
	} else {
		s.breakers.Reset(in.Provider)
	}
	s.log.Info().Str("provider", in.Provider).Str("principal", p.ID).Msg("circuit reset")
	writeJSON(w, http.StatusOK, map[string]any{"circuits": nonNil(s.breakers.States())})
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	entries, err := s.audit.List(r.Context(), store.AuditFilter{OrgID: p.OrgID, RunID: q.Get("runId"), Kind: q.Get("kind"), Limit: limit})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

// ownedRun loads the path's run and hides runs of other organizations.
func (s *Server) ownedRun(w http.ResponseWriter, r *http.Request, p auth.Principal) (store.AgentRun, bool) {
	run, err := s.sched.Get(r.Context(), r.PathValue("id"))
	if err == nil && run.OrgID != p.OrgID {
		err = store.ErrNotFound
	}
	if err != nil {
		s.fail(w, err)
		return store.AgentRun{}, false
	}
	return run, true
}

func (s *Server) ownedTrace(w http.ResponseWriter, r *http.Request, p auth.Principal) (store.DecisionTrace, bool) {
	t, err := s.gate.Get(r.Context(), r.PathValue("traceId"))
	if err == nil && t.OrgID != p.OrgID {
		err = store.ErrNotFound
	}
	if err != nil {
		s.fail(w, err)
		return store.DecisionTrace{}, false
	}
	return t, true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.log.Error().Err(err).Msg("request failed")
	}
	var deny *budget.DenyError
	if errors.As(err, &deny) {
		writeJSON(w, status, map[string]any{"error": err.Error(), "decision": deny.Decision})
		return
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, budget.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, scheduler.ErrQueueFull), errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrTerminal),
		errors.Is(err, scheduler.ErrInvalidTransition),
		errors.Is(err, approval.ErrConflict),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case scheduler.IsClientError(err), errors.Is(err, approval.ErrReasonRequired):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
