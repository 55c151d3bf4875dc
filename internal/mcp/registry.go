package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentgate/internal/auth"
)

// ToolSpec is the public description served by tools/list.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Annotations Annotations     `json:"annotations"`
}

type Annotations struct {
	Cost  int      `json:"cost"`
	Roles []string `json:"roles"`
}

// Call carries the caller identity into a tool.
type Call struct {
	SessionID string
	Principal auth.Principal
}

// Tool is one named capability of the gateway.
type Tool interface {
	Spec() ToolSpec
	Invoke(ctx context.Context, call Call, args json.RawMessage) (any, error)
}

// NewTool adapts a function into a Tool.
func NewTool(spec ToolSpec, fn func(ctx context.Context, call Call, args json.RawMessage) (any, error)) Tool {
	return funcTool{spec: spec, fn: fn}
}

type funcTool struct {
	spec ToolSpec
	fn   func(ctx context.Context, call Call, args json.RawMessage) (any, error)
}

func (t funcTool) Spec() ToolSpec { return t.spec }

func (t funcTool) Invoke(ctx context.Context, call Call, args json.RawMessage) (any, error) {
	return t.fn(ctx, call, args)
}

type entry struct {
	tool   Tool
	spec   ToolSpec
	schema *jsonschema.Schema
}

// Registry is the immutable tool table built once at startup.
type Registry struct {
	byName map[string]entry
	specs  []ToolSpec
}

// NewRegistry compiles every input schema and rejects duplicate names.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{byName: make(map[string]entry, len(tools))}
	for _, t := range tools {
		spec := t.Spec()
		if spec.Name == "" {
			return nil, fmt.Errorf("tool without a name")
		}
		if _, dup := r.byName[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", spec.Name)
		}
		if spec.Annotations.Cost < 0 {
			return nil, fmt.Errorf("tool %q: negative cost", spec.Name)
		}
		if len(spec.InputSchema) == 0 {
			spec.InputSchema = json.RawMessage(`{"type":"object"}`)
		}
		compiled, err := jsonschema.CompileString("tool_"+spec.Name+".json", string(spec.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", spec.Name, err)
		}
		r.byName[spec.Name] = entry{tool: t, spec: spec, schema: compiled}
		r.specs = append(r.specs, spec)
	}
	sort.Slice(r.specs, func(i, j int) bool { return r.specs[i].Name < r.specs[j].Name })
	return r, nil
}

func (r *Registry) List() []ToolSpec {
	out := make([]ToolSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

func (r *Registry) lookup(name string) (entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// validate checks raw arguments against the tool's schema. Absent
// arguments are treated as an empty object.
func (e entry) validate(args json.RawMessage) error {
	var v any = map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &v); err != nil {
			return err
		}
	}
	return e.schema.Validate(v)
}
