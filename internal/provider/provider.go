// Package provider defines the uniform contract every AI provider adapter
// satisfies and the registry the scheduler resolves providers from.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Usage is the token accounting an adapter reports with a result.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostEstimate float64 `json:"costEstimate"`
}

// Result is the structured outcome of one adapter call. Ordinary failures
// (missing credentials, provider errors, timeouts) are reported with
// Success=false and a human-readable Error, never as a Go error.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
}

// Failure builds an unsuccessful Result.
func Failure(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

type Adapter interface {
	ID() string
	Call(ctx context.Context, prompt, model string) Result
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[string]Adapter{}}
}

// Register rejects a second adapter with the same id.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.ID()]; ok {
		return fmt.Errorf("provider %s already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	return nil
}

func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
