package store

import (
	"context"
	_ "embed"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a compare-and-set precondition does not hold.
	ErrConflict = errors.New("conflict")
)

// Schema is the PostgreSQL schema applied by `agentgate db init`.
//
//go:embed schema.sql
var Schema string

type RunStore interface {
	CreateRun(ctx context.Context, r AgentRun) (string, error)
	UpdateRun(ctx context.Context, r AgentRun) error
	GetRun(ctx context.Context, id string) (AgentRun, error)
	// ListRunsByStatus returns runs in any of statuses, oldest first.
	ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]AgentRun, error)
	AppendMessage(ctx context.Context, m RunMessage) error
	ListMessages(ctx context.Context, runID string) ([]RunMessage, error)
}

type TraceStore interface {
	// CreateTrace fails with ErrConflict when (run, step) already exists.
	CreateTrace(ctx context.Context, t DecisionTrace) (DecisionTrace, error)
	// ResolveTrace moves a pending trace to status; ErrConflict if it is not pending.
	ResolveTrace(ctx context.Context, id string, status ApprovalStatus, approverID, reason string, at time.Time) (DecisionTrace, error)
	GetTrace(ctx context.Context, id string) (DecisionTrace, error)
	ListTraces(ctx context.Context, runID string) ([]DecisionTrace, error)
	// ListPendingTraces lists pending traces, optionally scoped to one org.
	ListPendingTraces(ctx context.Context, orgID string) ([]DecisionTrace, error)
}

type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

type CatalogStore interface {
	CreateProject(ctx context.Context, p Project) (Project, error)
	ListProjects(ctx context.Context, orgID string) ([]Project, error)
	AddMemory(ctx context.Context, m Memory) (Memory, error)
	SearchMemory(ctx context.Context, orgID, query string, limit int) ([]Memory, error)
	UpsertIntegration(ctx context.Context, i Integration) (Integration, error)
	ListIntegrations(ctx context.Context, orgID string) ([]Integration, error)
}

type Store interface {
	RunStore
	TraceStore
	AuditStore
	CatalogStore
	Close()
}
