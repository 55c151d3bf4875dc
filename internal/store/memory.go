package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the single-process Store. Reads return copies.
type MemoryStore struct {
	mu           sync.RWMutex
	runs         map[string]AgentRun
	messages     map[string][]RunMessage
	traces       map[string]DecisionTrace
	traceSteps   map[string]map[int]string
	audit        []AuditEntry
	projects     map[string]Project
	memories     []Memory
	integrations map[string]Integration
}

var _ Store = (*MemoryStore)(nil)

func NewMemory() *MemoryStore {
	return &MemoryStore{
		runs:         map[string]AgentRun{},
		messages:     map[string][]RunMessage{},
		traces:       map[string]DecisionTrace{},
		traceSteps:   map[string]map[int]string{},
		projects:     map[string]Project{},
		integrations: map[string]Integration{},
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) CreateRun(_ context.Context, r AgentRun) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return "", fmt.Errorf("run %s: %w", r.ID, ErrConflict)
	}
	s.runs[r.ID] = cloneRun(r)
	return r.ID, nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, r AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; !ok {
		return fmt.Errorf("run %s: %w", r.ID, ErrNotFound)
	}
	r.UpdatedAt = time.Now().UTC()
	s.runs[r.ID] = cloneRun(r)
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return AgentRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(r), nil
}

func (s *MemoryStore) ListRunsByStatus(_ context.Context, statuses ...RunStatus) ([]AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentRun
	for _, r := range s.runs {
		if slices.Contains(statuses, r.Status) {
			out = append(out, cloneRun(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, m RunMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[m.RunID]; !ok {
		return fmt.Errorf("run %s: %w", m.RunID, ErrNotFound)
	}
	s.messages[m.RunID] = append(s.messages[m.RunID], m)
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, runID string) ([]RunMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunMessage, len(s.messages[runID]))
	copy(out, s.messages[runID])
	return out, nil
}

func (s *MemoryStore) CreateTrace(_ context.Context, t DecisionTrace) (DecisionTrace, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.traceSteps[t.RunID]
	if steps == nil {
		steps = map[int]string{}
		s.traceSteps[t.RunID] = steps
	}
	if _, dup := steps[t.Step]; dup {
		return DecisionTrace{}, fmt.Errorf("trace run=%s step=%d: %w", t.RunID, t.Step, ErrConflict)
	}
	steps[t.Step] = t.ID
	s.traces[t.ID] = cloneTrace(t)
	return cloneTrace(t), nil
}

func (s *MemoryStore) ResolveTrace(_ context.Context, id string, status ApprovalStatus, approverID, reason string, at time.Time) (DecisionTrace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.traces[id]
	if !ok {
		return DecisionTrace{}, fmt.Errorf("trace %s: %w", id, ErrNotFound)
	}
	if t.Status != ApprovalPending {
		return cloneTrace(t), fmt.Errorf("trace %s is %s: %w", id, t.Status, ErrConflict)
	}
	t.Status = status
	t.ApproverID = approverID
	t.Reason = reason
	resolved := at.UTC()
	t.ResolvedAt = &resolved
	s.traces[id] = t
	return cloneTrace(t), nil
}

func (s *MemoryStore) GetTrace(_ context.Context, id string) (DecisionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.traces[id]
	if !ok {
		return DecisionTrace{}, fmt.Errorf("trace %s: %w", id, ErrNotFound)
	}
	return cloneTrace(t), nil
}

func (s *MemoryStore) ListTraces(_ context.Context, runID string) ([]DecisionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecisionTrace
	for _, id := range s.traceSteps[runID] {
		out = append(out, cloneTrace(s.traces[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out, nil
}

func (s *MemoryStore) ListPendingTraces(_ context.Context, orgID string) ([]DecisionTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecisionTrace
	for _, t := range s.traces {
		if t.Status != ApprovalPending {
			continue
		}
		if orgID != "" && t.OrgID != orgID {
			continue
		}
		out = append(out, cloneTrace(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// ListAudit returns matching entries newest first.
func (s *MemoryStore) ListAudit(_ context.Context, f AuditFilter) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		if f.OrgID != "" && e.OrgID != f.OrgID {
			continue
		}
		if f.RunID != "" && e.RunID != f.RunID {
			continue
		}
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateProject(_ context.Context, p Project) (Project, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.projects {
		if existing.OrgID == p.OrgID && existing.Name == p.Name {
			return Project{}, fmt.Errorf("project %q: %w", p.Name, ErrConflict)
		}
	}
	s.projects[p.ID] = p
	return p, nil
}

func (s *MemoryStore) ListProjects(_ context.Context, orgID string) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Project
	for _, p := range s.projects {
		if p.OrgID == orgID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) AddMemory(_ context.Context, m Memory) (Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories = append(s.memories, m)
	return m, nil
}

// SearchMemory does a case-insensitive substring match over content and tags.
func (s *MemoryStore) SearchMemory(_ context.Context, orgID, query string, limit int) ([]Memory, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Memory
	for i := len(s.memories) - 1; i >= 0; i-- {
		m := s.memories[i]
		if m.OrgID != orgID || !memoryMatches(m, q) {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func memoryMatches(m Memory, q string) bool {
	if q == "" || strings.Contains(strings.ToLower(m.Content), q) {
		return true
	}
	for _, tag := range m.Tags {
		if strings.ToLower(tag) == q {
			return true
		}
	}
	return false
}

func (s *MemoryStore) UpsertIntegration(_ context.Context, i Integration) (Integration, error) {
	if i.ConnectedAt.IsZero() {
		i.ConnectedAt = time.Now().UTC()
	}
	key := i.OrgID + "/" + i.Kind
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.integrations[key]; ok {
		i.ID = existing.ID
	} else if i.ID == "" {
		i.ID = uuid.NewString()
	}
	s.integrations[key] = i
	return i, nil
}

func (s *MemoryStore) ListIntegrations(_ context.Context, orgID string) ([]Integration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Integration
	for _, i := range s.integrations {
		if i.OrgID == orgID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Kind < out[b].Kind })
	return out, nil
}

func cloneRun(r AgentRun) AgentRun {
	out := r
	out.Goal.Steps = append([]GoalStep(nil), r.Goal.Steps...)
	out.Result = append([]byte(nil), r.Result...)
	if r.FinishedAt != nil {
		f := *r.FinishedAt
		out.FinishedAt = &f
	}
	return out
}

func cloneTrace(t DecisionTrace) DecisionTrace {
	out := t
	out.Decision = append([]byte(nil), t.Decision...)
	if t.ResolvedAt != nil {
		r := *t.ResolvedAt
		out.ResolvedAt = &r
	}
	return out
}
