package scheduler

import (
	"errors"
	"fmt"

	"agentgate/internal/store"
)

var (
	ErrTerminal          = errors.New("run is in a terminal state")
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrInvalidGoal       = errors.New("invalid goal")
	ErrQueueFull         = errors.New("run queue is full")
	ErrStopped           = errors.New("scheduler is stopped")
)

var allowedTransitions = map[store.RunStatus]map[store.RunStatus]struct{}{
	store.RunQueued: {
		store.RunRunning:   {},
		store.RunCancelled: {},
	},
	store.RunRunning: {
		store.RunAwaitingApproval: {},
		store.RunCompleted:        {},
		store.RunFailed:           {},
		store.RunCancelled:        {},
	},
	store.RunAwaitingApproval: {
		store.RunRunning:   {},
		store.RunCancelled: {},
	},
	store.RunCompleted: {},
	store.RunFailed:    {},
	store.RunCancelled: {},
}

func validateTransition(from, to store.RunStatus) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, from)
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source status %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
