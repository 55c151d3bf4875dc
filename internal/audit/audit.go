// Package audit is the append-only forensic log of admissions, provider
// call outcomes, run transitions, approval actions and gateway calls.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agentgate/internal/store"
)

type Kind string

const (
	KindAdmission    Kind = "admission"
	KindProviderCall Kind = "provider_call"
	KindTransition   Kind = "transition"
	KindApproval     Kind = "approval"
	KindGateway      Kind = "gateway"
)

type Entry struct {
	OrgID   string
	RunID   string
	Kind    Kind
	Outcome string
	// Detail is JSON-encoded as is.
	Detail any
}

type Recorder struct {
	store store.AuditStore
	log   zerolog.Logger
}

func NewRecorder(s store.AuditStore, log zerolog.Logger) *Recorder {
	return &Recorder{store: s, log: log.With().Str("component", "audit").Logger()}
}

// Record appends one entry. A failing store is logged and swallowed; the
// caller's operation has already happened and must not be undone by it.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	var detail json.RawMessage
	if e.Detail != nil {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			r.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("encode audit detail")
		} else {
			detail = b
		}
	}
	entry := store.AuditEntry{
		ID:        uuid.NewString(),
		OrgID:     e.OrgID,
		RunID:     e.RunID,
		Kind:      string(e.Kind),
		Outcome:   e.Outcome,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	// Detached so a cancelled request still leaves its trail.
	if err := r.store.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		r.log.Error().Err(err).Str("kind", entry.Kind).Str("run_id", entry.RunID).Str("outcome", entry.Outcome).Msg("append audit entry")
	}
}

func (r *Recorder) List(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error) {
	return r.store.ListAudit(ctx, f)
}
