package store

import (
	"encoding/json"
	"time"
)

type RunStatus string

const (
	RunQueued           RunStatus = "queued"
	RunRunning          RunStatus = "running"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
	RunCancelled        RunStatus = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// Goal is the submitted work. A bare Prompt is a single step.
type Goal struct {
	Prompt string     `json:"prompt,omitempty"`
	Steps  []GoalStep `json:"steps,omitempty"`
}

type GoalStep struct {
	Prompt           string  `json:"prompt"`
	RequiresApproval bool    `json:"requiresApproval,omitempty"`
	EstimatedCost    float64 `json:"estimatedCost,omitempty"`
}

// Plan expands the goal into the ordered step list the scheduler executes.
func (g Goal) Plan() []GoalStep {
	if len(g.Steps) > 0 {
		return g.Steps
	}
	if g.Prompt == "" {
		return nil
	}
	return []GoalStep{{Prompt: g.Prompt}}
}

type AgentRun struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"orgId"`
	ProjectID    string          `json:"projectId"`
	ProviderID   string          `json:"provider"`
	ModelID      string          `json:"model"`
	Goal         Goal            `json:"goal"`
	Status       RunStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	CostEstimate float64         `json:"costEstimate"`
	CostCharged  float64         `json:"costCharged"`
	CostActual   float64         `json:"costActual"`
	// NextStep is the 1-based step the run resumes from.
	NextStep   int        `json:"nextStep"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostEstimate float64 `json:"costEstimate"`
}

type RunMessage struct {
	RunID     string    `json:"runId"`
	Step      int       `json:"step"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type ApprovalStatus string

const (
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
	ApprovalNotRequired ApprovalStatus = "not_required"
)

type DecisionTrace struct {
	ID         string          `json:"id"`
	RunID      string          `json:"runId"`
	OrgID      string          `json:"orgId"`
	Step       int             `json:"step"`
	Decision   json.RawMessage `json:"decision"`
	Status     ApprovalStatus  `json:"status"`
	ApproverID string          `json:"approverId,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ResolvedAt *time.Time      `json:"resolvedAt,omitempty"`
}

type AuditEntry struct {
	ID        string          `json:"id"`
	OrgID     string          `json:"orgId,omitempty"`
	RunID     string          `json:"runId,omitempty"`
	Kind      string          `json:"kind"`
	Outcome   string          `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type AuditFilter struct {
	OrgID string
	RunID string
	Kind  string
	Limit int
}

type Project struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Memory struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId"`
	ProjectID string    `json:"projectId,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type Integration struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connectedAt"`
}
