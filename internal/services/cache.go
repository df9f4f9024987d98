package services

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// recordCache holds live and recently finished records. Finished records
// are dropped after grace; the store keeps them.
type recordCache[T any] struct {
	mu     sync.Mutex
	items  map[string]*T
	timers map[string]clock.Timer
	clone  func(*T) *T
	clock  clock.WithDelayedExecution
	grace  time.Duration
}

func newRecordCache[T any](clk clock.WithDelayedExecution, grace time.Duration, clone func(*T) *T) *recordCache[T] {
	return &recordCache[T]{
		items:  make(map[string]*T),
		timers: make(map[string]clock.Timer),
		clone:  clone,
		clock:  clk,
		grace:  grace,
	}
}

// put stores v under id. A finished record is scheduled for eviction.
func (c *recordCache[T]) put(id string, v *T, finished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	c.items[id] = v
	if !finished {
		return
	}
	c.timers[id] = c.clock.AfterFunc(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.items[id] == v {
			delete(c.items, id)
			delete(c.timers, id)
		}
	})
}

func (c *recordCache[T]) get(id string) (*T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[id]
	if !ok {
		return nil, false
	}
	return c.clone(v), true
}

func (c *recordCache[T]) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	delete(c.items, id)
}

func (c *recordCache[T]) list() []*T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*T, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, c.clone(v))
	}
	return out
}

func (c *recordCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// stop cancels every pending eviction.
func (c *recordCache[T]) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
