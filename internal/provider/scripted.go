package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Scripted is a deterministic adapter. Queued results are returned in
// order; once the queue is empty it echoes the prompt back. It backs the
// built-in "mock" provider and the tests.
type Scripted struct {
	id    string
	mu    sync.Mutex
	queue []Result
	calls atomic.Int64
	// Hook, when set, runs before every call (tests use it to block or count).
	Hook func(ctx context.Context, prompt, model string)
}

func NewScripted(id string, results ...Result) *Scripted {
	return &Scripted{id: id, queue: results}
}

func (s *Scripted) ID() string { return s.id }

// Push queues results for subsequent calls.
func (s *Scripted) Push(results ...Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, results...)
}

// Calls reports how many times the adapter was invoked.
func (s *Scripted) Calls() int { return int(s.calls.Load()) }

func (s *Scripted) Call(ctx context.Context, prompt, model string) Result {
	s.calls.Add(1)
	if s.Hook != nil {
		s.Hook(ctx, prompt, model)
	}
	if err := ctx.Err(); err != nil {
		return Failure("timeout: %v", err)
	}

	s.mu.Lock()
	if len(s.queue) > 0 {
		r := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return r
	}
	s.mu.Unlock()

	in := len(strings.Fields(prompt))
	return Result{
		Success: true,
		Content: fmt.Sprintf("[%s] %s", model, prompt),
		Usage:   &Usage{InputTokens: in, OutputTokens: in + 1},
	}
}
