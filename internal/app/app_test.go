package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/auth"
	"agentgate/internal/config"
	"agentgate/internal/mcp"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Resilience.InitialDelay = time.Millisecond
	cfg.Resilience.MaxDelay = time.Millisecond
	cfg.Gateway.RequestsPerSecond = 1000
	cfg.Gateway.APIKeys = []config.APIKey{
		{Key: "ops-key", Principal: "ci-bot", OrgID: "acme", Roles: []string{auth.RoleOperator}},
	}
	cfg.Budget.Limits = []config.BudgetLimit{{OrgID: "acme", Period: "daily", Limit: 1}}
	return cfg
}

func TestGatewayRunEndToEnd(t *testing.T) {
	a, err := New(context.Background(), testConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	a.Scheduler.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = a.Scheduler.Stop(stopCtx)
	})

	ts := httptest.NewServer(a.Handler())
	t.Cleanup(ts.Close)

	c := mcp.NewClient(ts.URL+"/mcp", "ops-key")
	_, err = c.Initialize(context.Background())
	require.NoError(t, err)

	res, err := c.CallTool(context.Background(), "start_run", map[string]any{
		"provider": "mock", "model": "mock-1", "prompt": "write release notes",
	})
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)
	runID := res.StructuredContent.(map[string]any)["id"].(string)

	require.Eventually(t, func() bool {
		res, err := c.CallTool(context.Background(), "run_status", map[string]any{"runId": runID})
		if err != nil || res.IsError {
			return false
		}
		return res.StructuredContent.(map[string]any)["status"] == "completed"
	}, 3*time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/runs/"+runID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ops-key")
	httpRes, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpRes.Body.Close()
	require.Equal(t, http.StatusOK, httpRes.StatusCode)
	var run map[string]any
	require.NoError(t, json.NewDecoder(httpRes.Body).Decode(&run))
	assert.Equal(t, "completed", run["status"])
	assert.Len(t, run["messages"], 1)

	rows, err := a.Governor.Budgets(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.InDelta(t, 0, rows[0].Spent, 0.001)
}

func TestBuildProvidersRejectsDuplicates(t *testing.T) {
	_, _, err := BuildProviders([]config.ProviderConfig{
		{ID: "a", Kind: "scripted"},
		{ID: "a", Kind: "openai"},
	})
	assert.Error(t, err)

	reg, pricing, err := BuildProviders([]config.ProviderConfig{
		{ID: "gpt", Kind: "openai", Models: []config.ModelPricing{{ID: "gpt-4o", StepEstimate: 0.05}}},
		{ID: "claude", Kind: "anthropic"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gpt", "claude"}, reg.IDs())
	assert.InDelta(t, 0.05, pricing.EstimateStep("gpt", "gpt-4o", 0), 1e-9)
}

func TestBuildResolver(t *testing.T) {
	chain := BuildResolver(config.GatewayConfig{
		JWTSecret: "s3cret",
		APIKeys:   []config.APIKey{{Key: "k1", OrgID: "acme", Roles: []string{auth.RoleReader}}},
	})
	p, err := chain.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "acme", p.ID)

	token, err := auth.Issue("s3cret", auth.Principal{ID: "ops", OrgID: "acme"}, time.Hour)
	require.NoError(t, err)
	p, err = chain.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops", p.ID)
}
