package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentgate/internal/audit"
	"agentgate/internal/auth"
	"agentgate/internal/scheduler"
	"agentgate/internal/store"
)

// RunService is the slice of the scheduler the gateway drives.
type RunService interface {
	Submit(ctx context.Context, req scheduler.SubmitRequest) (store.AgentRun, error)
	Get(ctx context.Context, id string) (store.AgentRun, error)
}

type ToolDeps struct {
	Catalog store.CatalogStore
	Runs    RunService
	Audit   *audit.Recorder
}

var (
	anyRole      = []string{auth.RoleReader, auth.RoleWriter, auth.RoleOperator, auth.RoleAdmin}
	writerRoles  = []string{auth.RoleWriter, auth.RoleAdmin}
	operatorRole = []string{auth.RoleOperator, auth.RoleAdmin}
	adminRole    = []string{auth.RoleAdmin}
)

var errRunNotFound = errors.New("run not found")

// DefaultTools is the gateway's fixed tool set.
func DefaultTools(d ToolDeps) []Tool {
	return []Tool{
		NewTool(ToolSpec{
			Name:        "list_projects",
			Description: "List the projects of the caller's organization.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Annotations: Annotations{Cost: 1, Roles: anyRole},
		}, func(ctx context.Context, c Call, _ json.RawMessage) (any, error) {
			projects, err := d.Catalog.ListProjects(ctx, c.Principal.OrgID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"projects": nonNil(projects)}, nil
		}),

		NewTool(ToolSpec{
			Name:        "create_project",
			Description: "Create a project in the caller's organization.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","minLength":1},"description":{"type":"string"}},"required":["name"]}`),
			Annotations: Annotations{Cost: 2, Roles: writerRoles},
		}, func(ctx context.Context, c Call, args json.RawMessage) (any, error) {
			var in struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return d.Catalog.CreateProject(ctx, store.Project{
				OrgID:       c.Principal.OrgID,
				Name:        strings.TrimSpace(in.Name),
				Description: in.Description,
			})
		}),

		NewTool(ToolSpec{
			Name:        "search_memory",
			Description: "Search stored memories by text or tag.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":100}}}`),
			Annotations: Annotations{Cost: 1, Roles: anyRole},
		}, func(ctx context.Context, c Call, args json.RawMessage) (any, error) {
			var in struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if in.Limit == 0 {
				in.Limit = 20
			}
			memories, err := d.Catalog.SearchMemory(ctx, c.Principal.OrgID, in.Query, in.Limit)
			if err != nil {
				return nil, err
			}
			return map[string]any{"memories": nonNil(memories)}, nil
		}),

		NewTool(ToolSpec{
			Name:        "add_memory",
			Description: "Store a memory, optionally tagged and tied to a project.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"content":{"type":"string","minLength":1},"projectId":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["content"]}`),
			Annotations: Annotations{Cost: 2, Roles: writerRoles},
		}, func(ctx context.Context, c Call, args json.RawMessage) (any, error) {
			var in struct {
				Content   string   `json:"content"`
				ProjectID string   `json:"projectId"`
				Tags      []string `json:"tags"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return d.Catalog.AddMemory(ctx, store.Memory{
				OrgID:     c.Principal.OrgID,
				ProjectID: in.ProjectID,
				Content:   in.Content,
				Tags:      in.Tags,
			})
		}),

		NewTool(ToolSpec{
			Name:        "list_integrations",
			Description: "List connected integrations.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			Annotations: Annotations{Cost: 1, Roles: anyRole},
		}, func(ctx context.Context, c Call, _ json.RawMessage) (any, error) {
			integrations, err := d.Catalog.ListIntegrations(ctx, c.Principal.OrgID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"integrations": nonNil(integrations)}, nil
		}),

		NewTool(ToolSpec{
			Name:        "connect_integration",
			Description: "Mark an external integration as connected for the organization.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"kind":{"type":"string","minLength":1}},"required":["kind"]}`),
			Annotations: Annotations{Cost: 3, Roles: adminRole},
		}, func(ctx context.Context, c Call, args json.RawMessage) (any, error) {
			var in struct {
				Kind string `json:"kind"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			return d.Catalog.UpsertIntegration(ctx, store.Integration{
				OrgID:  c.Principal.OrgID,
				Kind:   strings.ToLower(strings.TrimSpace(in.Kind)),
				Status: "connected",
			})
		}),

		NewTool(ToolSpec{
			Name:        "start_run",
			Description: "Submit a goal as an agent run. Returns the queued run.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{
				"provider":{"type":"string","minLength":1},
				"model":{"type":"string","minLength":1},
				"projectId":{"type":"string"},
				"prompt":{"type":"string"},
				"steps":{"type":"array","items":{"type":"object","properties":{
					"prompt":{"type":"string","minLength":1},
					"requiresApproval":{"type":"boolean"},
					"estimatedCost":{"type":"number","minimum":0}
				},"required":["prompt"]}}
			},"required":["provider","model"]}`),
			Annotations: Annotations{Cost: 10, Roles: operatorRole},
		}, func(ctx context.Context, c Call, args json.RawMessage) (any, error) {
			var in struct {
				Provider  string           `json:"provider"`
				Model     string           `json:"model"`
				ProjectID string           `json:"projectId"`
				Prompt    string           `json:"prompt"`
				Steps     []store.GoalStep `json:"steps"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			run, err := d.Runs.Submit(ctx, scheduler.SubmitRequest{
				OrgID:      c.Principal.OrgID,
				ProjectID:  in.ProjectID,
				ProviderID: in.Provider,
				ModelID:    in.Model,
				Goal:       store.Goal{Prompt: in.Prompt, Steps: in.Steps},
			})
			if err != nil {
				return nil, err
			}
			return runSummary(run), nil
		}),

		NewTool(ToolSpec{
			Name:        "run_status",
			Description: "Report the status, reason and result of a run.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"runId":{"type":"string","minLength":1}},"required":["runId"]}`),
			Annotations: Annotations{Cost: 1, Roles: anyRole},
		}, func(ctx context.Context, c Call, args json.RawMessage) (any, error) {
			var in struct {
				RunID string `json:"runId"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			run, err := d.Runs.Get(ctx, in.RunID)
			if errors.Is(err, store.ErrNotFound) || (err == nil && run.OrgID != c.Principal.OrgID) {
				return nil, errRunNotFound
			}
			if err != nil {
				return nil, err
			}
			return runSummary(run), nil
		}),

		NewTool(ToolSpec{
			Name:        "list_audit_logs",
			Description: "List recent audit entries for the organization.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"runId":{"type":"string"},"kind":{"type":"string"},"limit":{"type":"integer","minimum":1,"maximum":500}}}`),
			Annotations: Annotations{Cost: 2, Roles: adminRole},
		}, func(ctx context.Context, c Call, args json.RawMessage) (any, error) {
			var in struct {
				RunID string `json:"runId"`
				Kind  string `json:"kind"`
				Limit int    `json:"limit"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return nil, err
			}
			if in.Limit == 0 {
				in.Limit = 50
			}
			entries, err := d.Audit.List(ctx, store.AuditFilter{OrgID: c.Principal.OrgID, RunID: in.RunID, Kind: in.Kind, Limit: in.Limit})
			if err != nil {
				return nil, err
			}
			return map[string]any{"entries": nonNil(entries)}, nil
		}),
	}
}

func runSummary(r store.AgentRun) map[string]any {
	out := map[string]any{
		"id":           r.ID,
		"runId":        r.ID,
		"status":       r.Status,
		"provider":     r.ProviderID,
		"model":        r.ModelID,
		"costEstimate": r.CostEstimate,
		"costActual":   r.CostActual,
	}
	if r.Reason != "" {
		out["reason"] = r.Reason
	}
	if len(r.Result) > 0 {
		out["result"] = r.Result
	}
	return out
}

func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
