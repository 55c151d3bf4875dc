// Package mcp is the tool gateway: a session-oriented JSON-RPC 2.0 endpoint
// that exposes projects, memory, integrations and runs to automation
// clients under role checks, a per-session cost budget and a per-identity
// request rate limit.
package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"agentgate/internal/audit"
	"agentgate/internal/auth"
	"agentgate/internal/metrics"
)

const (
	HeaderSession         = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"

	DefaultProtocolVersion = "2025-06-18"
)

// JSON-RPC error codes. The -3200x range is application specific.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeUnauthorized   = -32001
	CodeForbidden      = -32003
	CodeBudgetExceeded = -32004
	CodeRateLimited    = -32005
)

const maxBody = 1 << 20

type ServerOptions struct {
	Registry *Registry
	Sessions *SessionStore
	Resolver auth.Resolver
	Audit    *audit.Recorder

	ProtocolVersion string
	// SessionBudget is the starting cost-unit budget unless the principal carries one.
	SessionBudget     int
	RequestsPerSecond float64
	Burst             int

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	registry *Registry
	sessions *SessionStore
	resolver auth.Resolver
	audit    *audit.Recorder
	version  string
	budget   int
	limits   *limiters
	log      zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewServer(opts ServerOptions) *Server {
	s := &Server{
		registry: opts.Registry,
		sessions: opts.Sessions,
		resolver: opts.Resolver,
		audit:    opts.Audit,
		version:  opts.ProtocolVersion,
		budget:   opts.SessionBudget,
		limits:   newLimiters(opts.RequestsPerSecond, opts.Burst),
		log:      opts.Logger.With().Str("component", "mcp").Logger(),
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
	if s.version == "" {
		s.version = DefaultProtocolVersion
	}
	if s.sessions == nil {
		s.sessions = NewSessionStore(opts.Metrics, nil)
	}
	if s.registry == nil {
		s.registry, _ = NewRegistry()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("agentgate/mcp")
	}
	return s
}

func (s *Server) Sessions() *SessionStore { return s.sessions }

// EvictIdle drops idle sessions and the rate limiters of identities that no
// longer hold one.
func (s *Server) EvictIdle(ttl time.Duration) int {
	n := s.sessions.EvictIdle(ttl)
	s.limits.retain(s.sessions.principals())
	return n
}

type rpcReq struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResp struct {
	JSONRPC string  `json:"jsonrpc"`
	ID      any     `json:"id"`
	Result  any     `json:"result,omitempty"`
	Error   *rpcErr `json:"error,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *rpcErr) Error() string { return e.Message }

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type CallResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError"`
}

var knownMethods = map[string]bool{
	"initialize":                true,
	"notifications/initialized": true,
	"ping":                      true,
	"tools/list":                true,
	"tools/call":                true,
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil || !json.Valid(body) {
		s.fail(w, "", nil, &rpcErr{Code: CodeParseError, Message: "invalid JSON"})
		return
	}
	var req rpcReq
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.JSONRPC != "2.0" || req.Method == "" {
		s.fail(w, "", nil, &rpcErr{Code: CodeInvalidRequest, Message: "invalid request"})
		return
	}
	if !knownMethods[req.Method] {
		s.fail(w, req.Method, req.ID, &rpcErr{Code: CodeMethodNotFound, Message: "method not found"})
		return
	}

	if req.Method == "initialize" {
		s.initialize(w, r, req)
		return
	}

	sess, rerr := s.session(r)
	if req.Method == "notifications/initialized" {
		if rerr != nil {
			s.log.Debug().Str("reason", rerr.Message).Msg("initialized notification without a valid session")
		}
		s.count(req.Method, 0)
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if rerr != nil {
		s.fail(w, req.Method, req.ID, rerr)
		return
	}
	if !s.limits.allow(sess.Principal.ID) {
		s.fail(w, req.Method, req.ID, &rpcErr{Code: CodeRateLimited, Message: "rate limited"})
		return
	}

	switch req.Method {
	case "ping":
		s.ok(w, req, map[string]any{})
	case "tools/list":
		s.ok(w, req, map[string]any{"tools": s.registry.List()})
	case "tools/call":
		res, rerr := s.callTool(r, sess, req.Params)
		if rerr != nil {
			s.fail(w, req.Method, req.ID, rerr)
			return
		}
		s.ok(w, req, res)
	}
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request, req rpcReq) {
	var p struct {
		ProtocolVersion string         `json:"protocolVersion"`
		ClientInfo      map[string]any `json:"clientInfo"`
		APIKey          string         `json:"apiKey"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			s.fail(w, req.Method, req.ID, &rpcErr{Code: CodeInvalidParams, Message: "invalid params"})
			return
		}
	}
	credential := auth.BearerToken(r)
	if credential == "" {
		credential = p.APIKey
	}
	if s.resolver == nil {
		s.fail(w, req.Method, req.ID, &rpcErr{Code: CodeUnauthorized, Message: "unauthorized"})
		return
	}
	principal, err := s.resolver.Resolve(r.Context(), credential)
	if err != nil {
		s.fail(w, req.Method, req.ID, &rpcErr{Code: CodeUnauthorized, Message: "unauthorized"})
		return
	}
	if !s.limits.allow(principal.ID) {
		s.fail(w, req.Method, req.ID, &rpcErr{Code: CodeRateLimited, Message: "rate limited"})
		return
	}

	budget := s.budget
	if principal.Budget > 0 {
		budget = principal.Budget
	}
	sess := s.sessions.Create(principal, budget)
	s.log.Info().
		Str("session_id", sess.ID).
		Str("principal", principal.ID).
		Str("org_id", principal.OrgID).
		Str("client_version", p.ProtocolVersion).
		Int("budget", budget).
		Msg("session opened")

	w.Header().Set(HeaderSession, sess.ID)
	s.ok(w, req, map[string]any{
		"protocolVersion": s.version,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"serverInfo":      map[string]any{"name": "agentgate", "version": "1.0"},
		"sessionId":       sess.ID,
	})
}

// session validates the session and protocol-version headers.
func (s *Server) session(r *http.Request) (*Session, *rpcErr) {
	sess, ok := s.sessions.Get(r.Header.Get(HeaderSession))
	if !ok {
		return nil, &rpcErr{Code: CodeInvalidParams, Message: "missing or unknown session", Data: map[string]any{"reason": "session"}}
	}
	if got := r.Header.Get(HeaderProtocolVersion); got != s.version {
		return nil, &rpcErr{Code: CodeInvalidParams, Message: "unsupported protocol version", Data: map[string]any{
			"reason": "protocol_version", "expected": s.version, "got": got,
		}}
	}
	return sess, nil
}

func (s *Server) callTool(r *http.Request, sess *Session, params json.RawMessage) (*CallResult, *rpcErr) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &rpcErr{Code: CodeInvalidParams, Message: "invalid params"}
	}
	e, ok := s.registry.lookup(p.Name)
	if !ok {
		return nil, &rpcErr{Code: CodeInvalidParams, Message: "unknown tool", Data: map[string]any{"tool": p.Name}}
	}

	ctx, span := s.tracer.Start(r.Context(), "gateway.tools.call", trace.WithAttributes(
		attribute.String("tool", p.Name),
		attribute.String("session_id", sess.ID),
	))
	defer span.End()

	principal := sess.Principal
	cost := e.spec.Annotations.Cost
	gatewayAudit := func(outcome string, detail map[string]any) {
		detail["tool"] = p.Name
		detail["session"] = sess.ID
		detail["principal"] = principal.ID
		if s.audit != nil {
			s.audit.Record(ctx, audit.Entry{OrgID: principal.OrgID, Kind: audit.KindGateway, Outcome: outcome, Detail: detail})
		}
	}

	if !principal.HasAny(e.spec.Annotations.Roles) {
		gatewayAudit("forbidden", map[string]any{"required": e.spec.Annotations.Roles})
		return nil, &rpcErr{Code: CodeForbidden, Message: "forbidden", Data: map[string]any{
			"tool": p.Name, "required": e.spec.Annotations.Roles, "granted": nonNil(principal.Roles),
		}}
	}
	if remaining := sess.Remaining(); cost > remaining {
		gatewayAudit("budget_exceeded", map[string]any{"cost": cost, "remaining": remaining})
		return nil, budgetErr(p.Name, cost, remaining)
	}
	if err := e.validate(p.Arguments); err != nil {
		return nil, &rpcErr{Code: CodeInvalidParams, Message: "invalid arguments", Data: map[string]any{"tool": p.Name, "error": err.Error()}}
	}

	remaining, ok := sess.reserve(cost)
	if !ok {
		gatewayAudit("budget_exceeded", map[string]any{"cost": cost, "remaining": remaining})
		return nil, budgetErr(p.Name, cost, remaining)
	}
	call := Call{SessionID: sess.ID, Principal: principal}
	out, callErr := e.tool.Invoke(auth.WithPrincipal(ctx, principal), call, p.Arguments)

	if callErr != nil {
		span.SetStatus(codes.Error, callErr.Error())
		s.log.Warn().Err(callErr).Str("tool", p.Name).Str("session_id", sess.ID).Msg("tool failed")
		gatewayAudit("error", map[string]any{"cost": cost, "remaining": remaining, "error": callErr.Error()})
		return &CallResult{Content: []Content{{Type: "text", Text: callErr.Error()}}, IsError: true}, nil
	}
	gatewayAudit("ok", map[string]any{"cost": cost, "remaining": remaining})

	text, err := json.Marshal(out)
	if err != nil {
		return nil, &rpcErr{Code: CodeInternal, Message: "encode tool result"}
	}
	return &CallResult{Content: []Content{{Type: "text", Text: string(text)}}, StructuredContent: out}, nil
}

func budgetErr(tool string, cost, remaining int) *rpcErr {
	return &rpcErr{Code: CodeBudgetExceeded, Message: "session budget exceeded", Data: map[string]any{
		"tool": tool, "cost": cost, "remaining": remaining,
	}}
}

func (s *Server) ok(w http.ResponseWriter, req rpcReq, result any) {
	s.count(req.Method, 0)
	writeJSON(w, rpcResp{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) fail(w http.ResponseWriter, method string, id any, e *rpcErr) {
	if method == "" {
		method = "invalid"
	}
	s.count(method, e.Code)
	s.log.Debug().Str("method", method).Int("code", e.Code).Msg(e.Message)
	writeJSON(w, rpcResp{JSONRPC: "2.0", ID: id, Error: e})
}

func (s *Server) count(method string, code int) {
	if s.metrics != nil {
		s.metrics.GatewayRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// IsCode reports whether err is a gateway error with the given code.
func IsCode(err error, code int) bool {
	var re *rpcErr
	return errors.As(err, &re) && re.Code == code
}
