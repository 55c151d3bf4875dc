package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/approval"
	"agentgate/internal/audit"
	"agentgate/internal/auth"
	"agentgate/internal/budget"
	"agentgate/internal/provider"
	"agentgate/internal/resilience"
	"agentgate/internal/scheduler"
	"agentgate/internal/store"
	"agentgate/internal/stream"
)

type env struct {
	ts    *httptest.Server
	mem   *store.MemoryStore
	gov   *budget.Governor
	layer *resilience.Layer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mem := store.NewMemory()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.NewScripted("mock")))
	pricing := provider.NewPricing()
	pricing.Set("mock", "m", provider.ModelPrice{StepEstimate: 1})

	rec := audit.NewRecorder(mem, zerolog.Nop())
	gov := budget.NewGovernor(budget.NewMemoryLedger(), budget.Options{})
	gate := approval.NewGate(mem, approval.Options{Audit: rec})
	hub := stream.NewHub(stream.Options{})
	layer := resilience.New(reg, resilience.Options{
		Policy:  resilience.Policy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Breaker: resilience.BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour},
	})
	sched := scheduler.New(scheduler.Deps{
		Runs: mem, Providers: reg, Pricing: pricing, Layer: layer,
		Governor: gov, Gate: gate, Audit: rec, Hub: hub,
	}, scheduler.Options{Workers: 2})
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	keys := auth.NewStaticKeys(
		auth.StaticKey{Key: "ops", Principal: auth.Principal{ID: "alice", OrgID: "acme", Roles: []string{auth.RoleOperator}}},
		auth.StaticKey{Key: "admin", Principal: auth.Principal{ID: "root", OrgID: "acme", Roles: []string{auth.RoleAdmin}}},
		auth.StaticKey{Key: "viewer", Principal: auth.Principal{ID: "vic", OrgID: "acme", Roles: []string{auth.RoleReader}}},
		auth.StaticKey{Key: "globex", Principal: auth.Principal{ID: "gus", OrgID: "globex", Roles: []string{auth.RoleAdmin}}},
	)
	srv := New(Options{
		Scheduler: sched,
		Gate:      gate,
		Governor:  gov,
		Breakers:  layer.Breakers(),
		Audit:     rec,
		Hub:       hub,
		Resolver:  auth.Chain{keys},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, mem: mem, gov: gov, layer: layer}
}

func (e *env) do(t *testing.T, method, path, key string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res.StatusCode, out
}

func (e *env) submit(t *testing.T, goal store.Goal) string {
	t.Helper()
	status, out := e.do(t, http.MethodPost, "/runs", "ops", map[string]any{"provider": "mock", "model": "m", "goal": goal})
	require.Equal(t, http.StatusAccepted, status, out)
	require.Equal(t, out["id"], out["runId"])
	return out["runId"].(string)
}

func (e *env) wait(t *testing.T, id string, status store.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := e.mem.GetRun(context.Background(), id)
		return err == nil && r.Status == status
	}, 3*time.Second, 5*time.Millisecond)
}

func TestAuthAndRoles(t *testing.T) {
	e := newEnv(t)
	status, _ := e.do(t, http.MethodGet, "/budgets", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = e.do(t, http.MethodGet, "/budgets", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, out := e.do(t, http.MethodPost, "/runs", "viewer", map[string]any{"provider": "mock", "model": "m", "goal": map[string]any{"prompt": "x"}})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "forbidden", out["error"])

	status, _ = e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSubmitAndReadRun(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, store.Goal{Prompt: "draft the changelog"})
	e.wait(t, id, store.RunCompleted)

	status, out := e.do(t, http.MethodGet, "/runs/"+id, "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, "mock", out["provider"])
	assert.Equal(t, "m", out["model"])
	assert.EqualValues(t, 1, out["costEstimate"])
	msgs := out["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "[m] draft the changelog", msgs[0].(map[string]any)["content"])
	res := out["result"].(map[string]any)
	assert.Equal(t, "[m] draft the changelog", res["output"])

	status, _ = e.do(t, http.MethodGet, "/runs/"+id, "globex", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = e.do(t, http.MethodGet, "/runs/missing", "viewer", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(t, http.MethodPost, "/runs/"+id+"/cancel", "ops", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestSubmitRejections(t *testing.T) {
	e := newEnv(t)
	status, _ := e.do(t, http.MethodPost, "/runs", "ops", map[string]any{"provider": "mock", "model": "m", "goal": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodPost, "/runs", "ops", map[string]any{"provider": "mock", "model": "m", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodPost, "/budgets", "admin", map[string]any{"period": "daily", "limit": 0.5})
	require.Equal(t, http.StatusOK, status)

	status, out := e.do(t, http.MethodPost, "/runs", "ops", map[string]any{"provider": "mock", "model": "m", "goal": map[string]any{"prompt": "x"}})
	assert.Equal(t, http.StatusPaymentRequired, status)
	decision := out["decision"].(map[string]any)
	assert.Equal(t, "daily", decision["period"])
	assert.EqualValues(t, 1, decision["requested"])
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, store.Goal{Steps: []store.GoalStep{
		{Prompt: "plan the migration", RequiresApproval: true},
		{Prompt: "run the migration"},
	}})
	e.wait(t, id, store.RunAwaitingApproval)

	status, out := e.do(t, http.MethodGet, "/approvals/pending", "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	pending := out["traces"].([]any)
	require.Len(t, pending, 1)
	traceID := pending[0].(map[string]any)["id"].(string)

	status, out = e.do(t, http.MethodGet, "/approvals/pending", "globex", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, out["traces"])
	status, _ = e.do(t, http.MethodPost, "/approvals/"+traceID+"/approve", "globex", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(t, http.MethodPost, "/approvals/"+traceID+"/reject", "ops", map[string]any{"reason": " "})
	assert.Equal(t, http.StatusBadRequest, status)

	status, out = e.do(t, http.MethodPost, "/approvals/"+traceID+"/approve", "ops", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", out["status"])
	assert.Equal(t, "alice", out["approverId"])

	e.wait(t, id, store.RunCompleted)
	status, _ = e.do(t, http.MethodPost, "/approvals/"+traceID+"/approve", "ops", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, out = e.do(t, http.MethodGet, "/runs/"+id+"/traces", "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	traces := out["traces"].([]any)
	require.Len(t, traces, 2)
	assert.EqualValues(t, 1, traces[0].(map[string]any)["step"])
	assert.Equal(t, "not_required", traces[1].(map[string]any)["status"])
}

func TestRejectCancelsRun(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, store.Goal{Steps: []store.GoalStep{{Prompt: "delete prod", RequiresApproval: true}, {Prompt: "after"}}})
	e.wait(t, id, store.RunAwaitingApproval)

	_, out := e.do(t, http.MethodGet, "/approvals/pending", "viewer", nil)
	traceID := out["traces"].([]any)[0].(map[string]any)["id"].(string)
	status, _ := e.do(t, http.MethodPost, "/approvals/"+traceID+"/reject", "admin", map[string]any{"reason": "unsafe action"})
	require.Equal(t, http.StatusOK, status)

	e.wait(t, id, store.RunCancelled)
	_, out = e.do(t, http.MethodGet, "/runs/"+id, "viewer", nil)
	assert.Equal(t, "unsafe action", out["reason"])
}

func TestBudgetAdministration(t *testing.T) {
	e := newEnv(t)
	status, _ := e.do(t, http.MethodPost, "/budgets", "ops", map[string]any{"period": "daily", "limit": 5})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = e.do(t, http.MethodPost, "/budgets", "admin", map[string]any{"period": "weekly", "limit": 5})
	assert.Equal(t, http.StatusBadRequest, status)

	status, out := e.do(t, http.MethodPost, "/budgets", "admin", map[string]any{"period": "monthly", "limit": 5})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out["budgets"], 1)

	id := e.submit(t, store.Goal{Prompt: "one"})
	e.wait(t, id, store.RunCompleted)

	_, out = e.do(t, http.MethodGet, "/budgets", "viewer", nil)
	row := out["budgets"].([]any)[0].(map[string]any)
	assert.Equal(t, "monthly", row["period"])

	status, out = e.do(t, http.MethodPost, "/budgets/reset", "admin", map[string]any{"period": "monthly"})
	require.Equal(t, http.StatusOK, status)
	row = out["budgets"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 0, row["spent"])
	assert.EqualValues(t, 5, row["limit"])
}

func TestCircuitsAndAudit(t *testing.T) {
	e := newEnv(t)
	b := e.layer.Breakers().Get("mock")
	for i := 0; i < 3; i++ {
		b.Record(false)
	}
	status, out := e.do(t, http.MethodGet, "/circuits", "viewer", nil)
	require.Equal(t, http.StatusOK, status)
	circuits := out["circuits"].([]any)
	require.Len(t, circuits, 1)
	assert.Equal(t, "open", circuits[0].(map[string]any)["state"])

	status, _ = e.do(t, http.MethodPost, "/circuits/reset", "ops", map[string]any{"provider": "mock"})
	assert.Equal(t, http.StatusForbidden, status)
	status, out = e.do(t, http.MethodPost, "/circuits/reset", "admin", map[string]any{"provider": "mock"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "closed", out["circuits"].([]any)[0].(map[string]any)["state"])

	id := e.submit(t, store.Goal{Prompt: "audited"})
	e.wait(t, id, store.RunCompleted)
	status, out = e.do(t, http.MethodGet, "/audit?runId="+id+"&kind=transition", "admin", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, out["entries"], 2)

	status, _ = e.do(t, http.MethodGet, "/audit?limit=-1", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestServerSentEventsFollowRunToCompletion(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, store.Goal{Steps: []store.GoalStep{{Prompt: "first", RequiresApproval: true}, {Prompt: "second"}}})
	e.wait(t, id, store.RunAwaitingApproval)

	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/runs/"+id+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer viewer")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	_, out := e.do(t, http.MethodGet, "/approvals/pending", "viewer", nil)
	traceID := out["traces"].([]any)[0].(map[string]any)["id"].(string)
	status, _ := e.do(t, http.MethodPost, "/approvals/"+traceID+"/approve", "ops", nil)
	require.Equal(t, http.StatusOK, status)

	var statuses []string
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev stream.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		if ev.Type == stream.EventStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	assert.Equal(t, []string{"awaiting_approval", "running", "completed"}, statuses)
}

func TestWebSocketStreamOfFinishedRun(t *testing.T) {
	e := newEnv(t)
	id := e.submit(t, store.Goal{Prompt: "done already"})
	e.wait(t, id, store.RunCompleted)

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/runs/" + id + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer viewer"}})
	require.NoError(t, err)
	defer conn.Close()

	var ev stream.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, stream.EventStatus, ev.Type)
	assert.Equal(t, "completed", ev.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
}
