package approval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/audit"
	"agentgate/internal/store"
)

type signals struct {
	mu         sync.Mutex
	resumed    []string
	terminated map[string]string
	err        error
}

func (s *signals) Resume(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.resumed = append(s.resumed, runID)
	return nil
}

func (s *signals) Terminate(_ context.Context, runID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.terminated == nil {
		s.terminated = map[string]string{}
	}
	s.terminated[runID] = reason
	return nil
}

func newGate(t *testing.T) (*Gate, *signals, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemory()
	g := NewGate(mem, Options{Audit: audit.NewRecorder(mem, zerolog.Nop())})
	sig := &signals{}
	g.SetSignaler(sig)
	return g, sig, mem
}

func TestEvaluate_RecordsEveryStep(t *testing.T) {
	g, _, _ := newGate(t)
	ctx := context.Background()

	v, t1, err := g.Evaluate(ctx, "acme", "r1", 1, map[string]string{"prompt": "a"}, false)
	require.NoError(t, err)
	assert.Equal(t, Proceed, v)
	assert.Equal(t, store.ApprovalNotRequired, t1.Status)

	v, t2, err := g.Evaluate(ctx, "acme", "r1", 2, map[string]string{"prompt": "b"}, true)
	require.NoError(t, err)
	assert.Equal(t, Suspend, v)
	assert.Equal(t, store.ApprovalPending, t2.Status)
	assert.JSONEq(t, `{"prompt":"b"}`, string(t2.Decision))

	_, _, err = g.Evaluate(ctx, "acme", "r1", 2, nil, false)
	assert.ErrorIs(t, err, store.ErrConflict, "a step is recorded once")

	traces, err := g.ForRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, 1, traces[0].Step)
	assert.Equal(t, 2, traces[1].Step)
}

func TestApprove_IsOneShot(t *testing.T) {
	g, sig, _ := newGate(t)
	ctx := context.Background()
	_, tr, err := g.Evaluate(ctx, "acme", "r1", 1, "deploy", true)
	require.NoError(t, err)

	got, err := g.Approve(ctx, tr.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, got.Status)
	assert.Equal(t, "alice", got.ApproverID)
	require.NotNil(t, got.ResolvedAt)
	assert.Equal(t, []string{"r1"}, sig.resumed)

	_, err = g.Approve(ctx, tr.ID, "bob")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = g.Reject(ctx, tr.ID, "bob", "too late")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Len(t, sig.resumed, 1)
	assert.Empty(t, sig.terminated)

	pending, err := g.Pending(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReject_StoresReasonVerbatim(t *testing.T) {
	g, sig, mem := newGate(t)
	ctx := context.Background()
	_, tr, err := g.Evaluate(ctx, "acme", "r1", 2, "rm -rf", true)
	require.NoError(t, err)

	_, err = g.Reject(ctx, tr.ID, "alice", "  ")
	assert.ErrorIs(t, err, ErrReasonRequired)

	got, err := g.Reject(ctx, tr.ID, "alice", "unsafe action")
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, got.Status)
	assert.Equal(t, "unsafe action", got.Reason)
	assert.Equal(t, "unsafe action", sig.terminated["r1"])

	entries, err := mem.ListAudit(ctx, store.AuditFilter{RunID: "r1", Kind: string(audit.KindApproval)})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestApprove_UnknownTrace(t *testing.T) {
	g, _, _ := newGate(t)
	_, err := g.Approve(context.Background(), "missing", "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestApprove_ConcurrentCallersResolveOnce(t *testing.T) {
	g, sig, _ := newGate(t)
	ctx := context.Background()
	_, tr, err := g.Evaluate(ctx, "acme", "r1", 1, "x", true)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wins := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.Approve(ctx, tr.ID, "ops"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	assert.Len(t, wins, 1)
	assert.Len(t, sig.resumed, 1)
}

func TestWithdraw(t *testing.T) {
	g, sig, _ := newGate(t)
	ctx := context.Background()
	_, tr, err := g.Evaluate(ctx, "acme", "r1", 1, "x", true)
	require.NoError(t, err)

	require.NoError(t, g.Withdraw(ctx, "r1", "run cancelled"))
	got, err := g.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalRejected, got.Status)
	assert.Equal(t, SystemApprover, got.ApproverID)
	assert.Empty(t, sig.terminated)
}

func TestDecisionOnRunThatMovedOnIsAConflict(t *testing.T) {
	g, sig, _ := newGate(t)
	ctx := context.Background()
	moved := errors.New("run r1 is cancelled")
	sig.err = moved

	_, first, err := g.Evaluate(ctx, "acme", "r1", 1, "deploy", true)
	require.NoError(t, err)
	got, err := g.Approve(ctx, first.ID, "alice")
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, moved)
	assert.Equal(t, store.ApprovalApproved, got.Status, "the decision itself is kept")

	_, second, err := g.Evaluate(ctx, "acme", "r1", 2, "deploy", true)
	require.NoError(t, err)
	_, err = g.Reject(ctx, second.ID, "alice", "unsafe")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Empty(t, sig.resumed)
	assert.Empty(t, sig.terminated)
}
