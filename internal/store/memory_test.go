package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunsAreCopiedOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	run := AgentRun{OrgID: "acme", Status: RunQueued, Goal: Goal{Steps: []GoalStep{{Prompt: "a"}, {Prompt: "b"}}}}
	id, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	run.Goal.Steps[0].Prompt = "mutated"

	got, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Goal.Steps[0].Prompt)
	got.Goal.Steps[1].Prompt = "mutated"

	again, err := s.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b", again.Goal.Steps[1].Prompt)

	_, err = s.CreateRun(ctx, AgentRun{ID: id})
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, s.UpdateRun(ctx, AgentRun{ID: "missing"}), ErrNotFound)
	assert.ErrorIs(t, s.AppendMessage(ctx, RunMessage{RunID: "missing"}), ErrNotFound)
}

func TestResolveTraceIsOneShot(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	tr, err := s.CreateTrace(ctx, DecisionTrace{RunID: "r1", OrgID: "acme", Step: 1, Status: ApprovalPending, Decision: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = s.CreateTrace(ctx, DecisionTrace{RunID: "r1", Step: 1, Status: ApprovalPending})
	assert.ErrorIs(t, err, ErrConflict)

	pending, err := s.ListPendingTraces(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	resolved, err := s.ResolveTrace(ctx, tr.ID, ApprovalApproved, "alice", "", at)
	require.NoError(t, err)
	assert.Equal(t, ApprovalApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.ApproverID)
	require.NotNil(t, resolved.ResolvedAt)
	assert.True(t, at.Equal(*resolved.ResolvedAt))

	current, err := s.ResolveTrace(ctx, tr.ID, ApprovalRejected, "bob", "late", at)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, ApprovalApproved, current.Status)

	pending, err = s.ListPendingTraces(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.ResolveTrace(ctx, "missing", ApprovalApproved, "alice", "", at)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTracesOrderedByStep(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, step := range []int{3, 1, 2} {
		_, err := s.CreateTrace(ctx, DecisionTrace{RunID: "r1", Step: step, Status: ApprovalNotRequired})
		require.NoError(t, err)
	}
	traces, err := s.ListTraces(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, traces, 3)
	for i, tr := range traces {
		assert.Equal(t, i+1, tr.Step)
	}
}

func TestListAuditNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for _, e := range []AuditEntry{
		{OrgID: "acme", RunID: "r1", Kind: "admission", Outcome: "allow"},
		{OrgID: "globex", RunID: "r2", Kind: "admission", Outcome: "deny"},
		{OrgID: "acme", RunID: "r1", Kind: "transition", Outcome: "running"},
		{OrgID: "acme", RunID: "r1", Kind: "transition", Outcome: "completed"},
	} {
		require.NoError(t, s.AppendAudit(ctx, e))
	}

	got, err := s.ListAudit(ctx, AuditFilter{OrgID: "acme", Kind: "transition"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "completed", got[0].Outcome)
	assert.Equal(t, "running", got[1].Outcome)

	got, err = s.ListAudit(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "completed", got[0].Outcome)
}

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	_, err := s.CreateProject(ctx, Project{OrgID: "acme", Name: "billing"})
	require.NoError(t, err)
	_, err = s.CreateProject(ctx, Project{OrgID: "acme", Name: "billing"})
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.CreateProject(ctx, Project{OrgID: "globex", Name: "billing"})
	require.NoError(t, err)
	projects, err := s.ListProjects(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, projects, 1)

	_, err = s.AddMemory(ctx, Memory{OrgID: "acme", Content: "Deploys happen on Tuesdays", Tags: []string{"ops"}})
	require.NoError(t, err)
	_, err = s.AddMemory(ctx, Memory{OrgID: "globex", Content: "deploys are frozen"})
	require.NoError(t, err)
	hits, err := s.SearchMemory(ctx, "acme", "DEPLOYS", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	hits, err = s.SearchMemory(ctx, "acme", "ops", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	first, err := s.UpsertIntegration(ctx, Integration{OrgID: "acme", Kind: "github", Status: "pending"})
	require.NoError(t, err)
	second, err := s.UpsertIntegration(ctx, Integration{OrgID: "acme", Kind: "github", Status: "connected"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	integrations, err := s.ListIntegrations(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, integrations, 1)
	assert.Equal(t, "connected", integrations[0].Status)
}

func TestListRunsByStatusOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, st := range []RunStatus{RunRunning, RunCompleted, RunQueued, RunAwaitingApproval} {
		_, err := s.CreateRun(ctx, AgentRun{ID: string(st), Status: st, CreatedAt: base.Add(time.Duration(-i) * time.Minute)})
		require.NoError(t, err)
	}

	live, err := s.ListRunsByStatus(ctx, RunQueued, RunRunning)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "queued", live[0].ID)
	assert.Equal(t, "running", live[1].ID)

	none, err := s.ListRunsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}
