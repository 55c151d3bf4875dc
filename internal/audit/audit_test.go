package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/store"
)

type failingStore struct{ store.AuditStore }

func (failingStore) AppendAudit(context.Context, store.AuditEntry) error {
	return errors.New("disk full")
}

func TestRecorder_RecordAndFilter(t *testing.T) {
	mem := store.NewMemory()
	r := NewRecorder(mem, zerolog.Nop())
	ctx := context.Background()

	r.Record(ctx, Entry{OrgID: "acme", RunID: "r1", Kind: KindAdmission, Outcome: "allow", Detail: map[string]float64{"estimate": 3}})
	r.Record(ctx, Entry{OrgID: "acme", RunID: "r1", Kind: KindTransition, Outcome: "running"})
	r.Record(ctx, Entry{OrgID: "other", RunID: "r2", Kind: KindAdmission, Outcome: "deny"})

	all, err := r.List(ctx, store.AuditFilter{OrgID: "acme"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "transition", all[0].Kind, "newest first")
	assert.JSONEq(t, `{"estimate":3}`, string(all[1].Detail))

	adm, err := r.List(ctx, store.AuditFilter{Kind: string(KindAdmission)})
	require.NoError(t, err)
	assert.Len(t, adm, 2)
}

func TestRecorder_StoreFailureIsLoggedNotReturned(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(failingStore{}, zerolog.New(&buf))

	r.Record(context.Background(), Entry{RunID: "r1", Kind: KindProviderCall, Outcome: "success"})
	assert.Contains(t, buf.String(), "disk full")
}

func TestRecorder_SurvivesCancelledContext(t *testing.T) {
	mem := store.NewMemory()
	r := NewRecorder(mem, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r.Record(ctx, Entry{RunID: "r1", Kind: KindApproval, Outcome: "rejected"})
	got, err := mem.ListAudit(context.Background(), store.AuditFilter{RunID: "r1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
