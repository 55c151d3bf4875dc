package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func Open(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

// Pool exposes the connection pool to sibling ledgers sharing the database.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

// ExecSQL executes raw SQL (used for schema bootstrap).
// Caller is responsible for idempotency (schema.sql is).
func (s *Postgres) ExecSQL(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

func (s *Postgres) CreateRun(ctx context.Context, r AgentRun) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	goal, err := json.Marshal(r.Goal)
	if err != nil {
		return "", fmt.Errorf("encode goal: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agw.runs (run_id, org_id, project_id, provider_id, model_id, goal, status,
		                      cost_estimate, cost_charged, next_step)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10)
	`, r.ID, r.OrgID, r.ProjectID, r.ProviderID, r.ModelID, string(goal), string(r.Status),
		r.CostEstimate, r.CostCharged, r.NextStep,
	)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func (s *Postgres) UpdateRun(ctx context.Context, r AgentRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agw.runs
		SET status=$2, result=$3::jsonb, reason=$4, cost_charged=$5, cost_actual=$6,
		    next_step=$7, finished_at=$8, updated_at=now()
		WHERE run_id=$1
	`, r.ID, string(r.Status), jsonOrNull(r.Result), nullIfEmpty(r.Reason), r.CostCharged, r.CostActual,
		r.NextStep, r.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

const runColumns = `
	run_id::text, org_id, project_id, provider_id, model_id, goal, status, result,
	COALESCE(reason,''), cost_estimate, cost_charged, cost_actual, next_step,
	created_at, updated_at, finished_at`

func scanRun(row pgx.Row) (AgentRun, error) {
	var (
		r      AgentRun
		goal   []byte
		result []byte
		status string
	)
	if err := row.Scan(&r.ID, &r.OrgID, &r.ProjectID, &r.ProviderID, &r.ModelID, &goal, &status, &result,
		&r.Reason, &r.CostEstimate, &r.CostCharged, &r.CostActual, &r.NextStep,
		&r.CreatedAt, &r.UpdatedAt, &r.FinishedAt); err != nil {
		return AgentRun{}, err
	}
	r.Status = RunStatus(status)
	r.Result = result
	if err := json.Unmarshal(goal, &r.Goal); err != nil {
		return AgentRun{}, fmt.Errorf("decode goal of run %s: %w", r.ID, err)
	}
	return r, nil
}

func (s *Postgres) GetRun(ctx context.Context, id string) (AgentRun, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM agw.runs WHERE run_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *Postgres) ListRunsByStatus(ctx context.Context, statuses ...RunStatus) ([]AgentRun, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM agw.runs WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendMessage(ctx context.Context, m RunMessage) error {
	var usage any
	if m.Usage != nil {
		b, err := json.Marshal(m.Usage)
		if err != nil {
			return err
		}
		usage = string(b)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agw.run_messages (run_id, step, role, content, usage)
		VALUES ($1,$2,$3,$4,$5::jsonb)
	`, m.RunID, m.Step, m.Role, m.Content, usage)
	return err
}

func (s *Postgres) ListMessages(ctx context.Context, runID string) ([]RunMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step, role, content, usage, created_at
		FROM agw.run_messages WHERE run_id=$1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunMessage
	for rows.Next() {
		m := RunMessage{RunID: runID}
		var usage []byte
		if err := rows.Scan(&m.Step, &m.Role, &m.Content, &usage, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(usage) > 0 {
			m.Usage = &Usage{}
			if err := json.Unmarshal(usage, m.Usage); err != nil {
				return nil, fmt.Errorf("decode usage: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateTrace(ctx context.Context, t DecisionTrace) (DecisionTrace, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agw.decision_traces (trace_id, run_id, org_id, step, decision, status)
		VALUES ($1,$2,$3,$4,$5::jsonb,$6)
		ON CONFLICT (run_id, step) DO NOTHING
		RETURNING created_at
	`, t.ID, t.RunID, t.OrgID, t.Step, jsonOrEmpty(t.Decision), string(t.Status)).Scan(&t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DecisionTrace{}, fmt.Errorf("trace run=%s step=%d: %w", t.RunID, t.Step, ErrConflict)
	}
	if err != nil {
		return DecisionTrace{}, err
	}
	return t, nil
}

const traceColumns = `trace_id::text, run_id::text, org_id, step, decision, status,
	COALESCE(approver_id,''), COALESCE(reason,''), created_at, resolved_at`

func scanTrace(row pgx.Row) (DecisionTrace, error) {
	var (
		t      DecisionTrace
		status string
	)
	if err := row.Scan(&t.ID, &t.RunID, &t.OrgID, &t.Step, &t.Decision, &status,
		&t.ApproverID, &t.Reason, &t.CreatedAt, &t.ResolvedAt); err != nil {
		return DecisionTrace{}, err
	}
	t.Status = ApprovalStatus(status)
	return t, nil
}

func (s *Postgres) ResolveTrace(ctx context.Context, id string, status ApprovalStatus, approverID, reason string, at time.Time) (DecisionTrace, error) {
	t, err := scanTrace(s.pool.QueryRow(ctx, `
		UPDATE agw.decision_traces
		SET status=$2, approver_id=$3, reason=$4, resolved_at=$5
		WHERE trace_id=$1 AND status='pending'
		RETURNING `+traceColumns,
		id, string(status), nullIfEmpty(approverID), nullIfEmpty(reason), at.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		current, getErr := s.GetTrace(ctx, id)
		if getErr != nil {
			return DecisionTrace{}, getErr
		}
		return current, fmt.Errorf("trace %s is %s: %w", id, current.Status, ErrConflict)
	}
	return t, err
}

func (s *Postgres) GetTrace(ctx context.Context, id string) (DecisionTrace, error) {
	t, err := scanTrace(s.pool.QueryRow(ctx, `SELECT `+traceColumns+` FROM agw.decision_traces WHERE trace_id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return DecisionTrace{}, fmt.Errorf("trace %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *Postgres) ListTraces(ctx context.Context, runID string) ([]DecisionTrace, error) {
	return s.queryTraces(ctx, `SELECT `+traceColumns+` FROM agw.decision_traces WHERE run_id=$1 ORDER BY step`, runID)
}

func (s *Postgres) ListPendingTraces(ctx context.Context, orgID string) ([]DecisionTrace, error) {
	return s.queryTraces(ctx, `
		SELECT `+traceColumns+` FROM agw.decision_traces
		WHERE status='pending' AND ($1 = '' OR org_id = $1)
		ORDER BY created_at`, orgID)
}

func (s *Postgres) queryTraces(ctx context.Context, sql string, args ...any) ([]DecisionTrace, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionTrace
	for rows.Next() {
		t, err := scanTrace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Postgres) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agw.audit_log (audit_id, org_id, run_id, kind, outcome, detail)
		VALUES ($1,$2,$3,$4,$5,$6::jsonb)
	`, e.ID, nullIfEmpty(e.OrgID), nullIfEmpty(e.RunID), e.Kind, e.Outcome, jsonOrNull(e.Detail))
	return err
}

func (s *Postgres) ListAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id::text, COALESCE(org_id,''), COALESCE(run_id,''), kind, outcome, detail, created_at
		FROM agw.audit_log
		WHERE ($1 = '' OR org_id = $1) AND ($2 = '' OR run_id = $2) AND ($3 = '' OR kind = $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, f.OrgID, f.RunID, f.Kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.OrgID, &e.RunID, &e.Kind, &e.Outcome, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateProject(ctx context.Context, p Project) (Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agw.projects (project_id, org_id, name, description)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (org_id, name) DO NOTHING
		RETURNING created_at
	`, p.ID, p.OrgID, p.Name, nullIfEmpty(p.Description)).Scan(&p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, fmt.Errorf("project %q: %w", p.Name, ErrConflict)
	}
	return p, err
}

func (s *Postgres) ListProjects(ctx context.Context, orgID string) ([]Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT project_id::text, org_id, name, COALESCE(description,''), created_at
		FROM agw.projects WHERE org_id=$1 ORDER BY name
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) AddMemory(ctx context.Context, m Memory) (Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agw.memories (memory_id, org_id, project_id, content, tags)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING created_at
	`, m.ID, m.OrgID, nullIfEmpty(m.ProjectID), m.Content, m.Tags).Scan(&m.CreatedAt)
	return m, err
}

func (s *Postgres) SearchMemory(ctx context.Context, orgID, query string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT memory_id::text, org_id, COALESCE(project_id,''), content, tags, created_at
		FROM agw.memories
		WHERE org_id=$1 AND ($2 = '' OR content ILIKE '%' || $2 || '%' OR $2 = ANY(tags))
		ORDER BY created_at DESC
		LIMIT $3
	`, orgID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.OrgID, &m.ProjectID, &m.Content, &m.Tags, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertIntegration(ctx context.Context, i Integration) (Integration, error) {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agw.integrations (integration_id, org_id, kind, status)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (org_id, kind) DO UPDATE SET
		  status=EXCLUDED.status,
		  connected_at=now()
		RETURNING integration_id::text, connected_at
	`, i.ID, i.OrgID, i.Kind, i.Status).Scan(&i.ID, &i.ConnectedAt)
	return i, err
}

func (s *Postgres) ListIntegrations(ctx context.Context, orgID string) ([]Integration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT integration_id::text, org_id, kind, status, connected_at
		FROM agw.integrations WHERE org_id=$1 ORDER BY kind
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Integration
	for rows.Next() {
		var i Integration
		if err := rows.Scan(&i.ID, &i.OrgID, &i.Kind, &i.Status, &i.ConnectedAt); err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrEmpty(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}

func jsonOrNull(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
