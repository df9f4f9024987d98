// Package guard rejects duplicate concurrent operations on the same
// logical resource. A key is held exactly while its operation is in flight.
package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"voice-orchestrator/backend/internal/errs"
	"voice-orchestrator/backend/internal/metrics"
)

// Key composes an operation key from its kind, subject and optional sub keys.
func Key(kind, subject string, sub ...string) string {
	parts := append([]string{kind, subject}, sub...)
	return strings.Join(parts, ":")
}

// Guard is the registry of in-flight operation keys.
type Guard struct {
	mu      sync.Mutex
	held    map[string]time.Time
	metrics *metrics.Instruments
}

// New creates an empty Guard. m may be nil.
func New(m *metrics.Instruments) *Guard {
	return &Guard{held: make(map[string]time.Time), metrics: m}
}

// TryAcquire atomically claims key. It returns false if the key is
// already held.
func (g *Guard) TryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.held[key]; ok {
		return false
	}
	g.held[key] = time.Now()
	return true
}

// Release frees key. Releasing a key that is not held is a no-op.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	delete(g.held, key)
	g.mu.Unlock()
}

// Held reports whether key is currently held.
func (g *Guard) Held(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.held[key]
	return ok
}

// Keys returns a snapshot of the held keys.
func (g *Guard) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.held))
	for k := range g.held {
		keys = append(keys, k)
	}
	return keys
}

// Do runs fn while holding key. The key is released when fn returns or
// panics. A held key yields an errs.ErrConflict error and fn is not run.
func (g *Guard) Do(key string, fn func() error) error {
	if !g.acquire(key) {
		return errs.Conflict(key)
	}
	defer g.Release(key)
	return fn()
}

// Go claims key synchronously and runs fn on a new goroutine, releasing
// the key once fn returns. The returned error is only ever a conflict.
func (g *Guard) Go(ctx context.Context, key string, fn func(ctx context.Context)) error {
	if !g.acquire(key) {
		return errs.Conflict(key)
	}
	go func() {
		defer g.Release(key)
		fn(ctx)
	}()
	return nil
}

func (g *Guard) acquire(key string) bool {
	if g.TryAcquire(key) {
		return true
	}
	kind, _, _ := strings.Cut(key, ":")
	g.metrics.GuardRejected(context.Background(), kind)
	return false
}
