// Package hooks provides lifecycle hooks for observing and gating engine
// operations. Hooks run synchronously in registration order; the first
// error stops the chain and aborts the operation that triggered it.
package hooks

import (
	"context"
	"sync"

	"github.com/lodestarhq/threadline/compaction"
	"github.com/lodestarhq/threadline/recall"
)

// BeforeTurnHook is called before a turn is prepared
type BeforeTurnHook func(ctx context.Context, req *recall.TurnRequest) error

// AfterTurnHook is called after a turn has been prepared
type AfterTurnHook func(ctx context.Context, res *recall.TurnResult) error

// BeforeCompactionHook is called before a compaction runs
type BeforeCompactionHook func(ctx context.Context, sessionID string) error

// AfterCompactionHook is called after a compaction produced its summary
type AfterCompactionHook func(ctx context.Context, result *compaction.Result) error

// Registry holds all registered hooks
type Registry struct {
	mu               sync.RWMutex
	beforeTurn       []BeforeTurnHook
	afterTurn        []AfterTurnHook
	beforeCompaction []BeforeCompactionHook
	afterCompaction  []AfterCompactionHook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		beforeTurn:       []BeforeTurnHook{},
		afterTurn:        []AfterTurnHook{},
		beforeCompaction: []BeforeCompactionHook{},
		afterCompaction:  []AfterCompactionHook{},
	}
}

// OnBeforeTurn registers a hook to be called before a turn is prepared
func (r *Registry) OnBeforeTurn(hook BeforeTurnHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeTurn = append(r.beforeTurn, hook)
}

// OnAfterTurn registers a hook to be called after a turn has been prepared
func (r *Registry) OnAfterTurn(hook AfterTurnHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterTurn = append(r.afterTurn, hook)
}

// OnBeforeCompaction registers a hook to be called before compaction
func (r *Registry) OnBeforeCompaction(hook BeforeCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompaction = append(r.beforeCompaction, hook)
}

// OnAfterCompaction registers a hook to be called after compaction
func (r *Registry) OnAfterCompaction(hook AfterCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCompaction = append(r.afterCompaction, hook)
}

// TriggerBeforeTurn calls all registered before-turn hooks
func (r *Registry) TriggerBeforeTurn(ctx context.Context, req *recall.TurnRequest) error {
	r.mu.RLock()
	hooks := make([]BeforeTurnHook, len(r.beforeTurn))
	copy(hooks, r.beforeTurn)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterTurn calls all registered after-turn hooks
func (r *Registry) TriggerAfterTurn(ctx context.Context, res *recall.TurnResult) error {
	r.mu.RLock()
	hooks := make([]AfterTurnHook, len(r.afterTurn))
	copy(hooks, r.afterTurn)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBeforeCompaction calls all registered before-compaction hooks
func (r *Registry) TriggerBeforeCompaction(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	hooks := make([]BeforeCompactionHook, len(r.beforeCompaction))
	copy(hooks, r.beforeCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterCompaction calls all registered after-compaction hooks
func (r *Registry) TriggerAfterCompaction(ctx context.Context, result *compaction.Result) error {
	r.mu.RLock()
	hooks := make([]AfterCompactionHook, len(r.afterCompaction))
	copy(hooks, r.afterCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, result); err != nil {
			return err
		}
	}
	return nil
}
