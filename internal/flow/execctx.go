// Package flow implements the interactive flow engine: per-user multi-step
// state machines driven by platform interaction and message events.
package flow

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ExecContext is the per-invocation memoization cache and shared scratch
// space. One instance is created per top-level command invocation and
// threaded by reference through every flow step spawned by it, so any
// keyed expensive value is computed at most once per invocation.
type ExecContext struct {
	CorrelationID string
	CreatedAt     time.Time
	// Shared is a free-form bag with no key discipline and none of the
	// recall-ordering protection of step snapshots.
	Shared map[string]any

	cache map[string]any
	mu    sync.Mutex
}

// NewExecContext creates an ExecContext with a fresh correlation id.
func NewExecContext() *ExecContext {
	ec := &ExecContext{
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now(),
		Shared:        make(map[string]any),
		cache:         make(map[string]any),
	}
	slog.Debug("ExecContext created", "correlation_id", ec.CorrelationID)
	return ec
}

// GetOrCompute returns the cached value for key, invoking fn exactly once
// to produce it when absent. A failed computation is not cached.
func (ec *ExecContext) GetOrCompute(key string, fn func() (any, error)) (any, error) {
	ec.mu.Lock()
	if v, ok := ec.cache[key]; ok {
		ec.mu.Unlock()
		slog.Debug("ExecContext cache hit", "correlation_id", ec.CorrelationID, "key", key)
		return v, nil
	}
	ec.mu.Unlock()

	v, err := fn()
	if err != nil {
		slog.Debug("ExecContext computation failed", "correlation_id", ec.CorrelationID, "key", key, "error", err)
		return nil, err
	}

	ec.mu.Lock()
	ec.cache[key] = v
	ec.mu.Unlock()
	return v, nil
}

// Has reports whether key is cached.
func (ec *ExecContext) Has(key string) bool {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	_, ok := ec.cache[key]
	return ok
}

// Set stores a value directly in the cache.
func (ec *ExecContext) Set(key string, v any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cache[key] = v
}

// Clear discards every cached value. Shared is left untouched.
func (ec *ExecContext) Clear() {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.cache = make(map[string]any)
}
