// Package flight coalesces concurrent calls for the same key and remembers the results.
package flight

import (
	"context"
	"sync"
	"time"
	"weak"
)

// Cache runs work at most once per key at a time. Finished values are held strongly for
// the expiry window and weakly afterwards, so a value still referenced elsewhere keeps
// being served until the GC takes it.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	finished map[K]*entry[V]
	pending  map[K]*call[V]

	work func(context.Context, K) (V, error)
	ttl  time.Duration
	now  func() time.Time
}

type entry[V any] struct {
	w        weak.Pointer[V]
	strong   *V
	deadline time.Time // zero keeps the strong reference forever
}

type call[V any] struct {
	val  V
	err  error
	done chan struct{}
}

func NewCache[K comparable, V any](work func(context.Context, K) (V, error)) *Cache[K, V] {
	return &Cache[K, V]{
		finished: make(map[K]*entry[V]),
		pending:  make(map[K]*call[V]),
		work:     work,
		ttl:      time.Hour,
		now:      time.Now,
	}
}

// Expiry sets the strong-hold duration for values stored from now on.
// d <= 0 keeps values forever.
func (c *Cache[K, V]) Expiry(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = max(d, 0)
}

// Get returns the remembered value for k, joins a call already running for k, or runs work.
func (c *Cache[K, V]) Get(ctx context.Context, k K) (V, error) {
	c.mu.Lock()
	if v, ok := c.lookup(k); ok {
		c.mu.Unlock()
		return v, nil
	}
	if running, ok := c.pending[k]; ok {
		c.mu.Unlock()
		return wait(ctx, running)
	}
	cl := c.start(k)
	c.mu.Unlock()
	return c.run(ctx, k, cl)
}

// Force runs work for k even when a value is remembered. A call already running for k
// is waited for first.
func (c *Cache[K, V]) Force(ctx context.Context, k K) (V, error) {
	for {
		c.mu.Lock()
		running, ok := c.pending[k]
		if !ok {
			cl := c.start(k)
			c.mu.Unlock()
			return c.run(ctx, k, cl)
		}
		c.mu.Unlock()
		select {
		case <-running.done:
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}
}

func wait[V any](ctx context.Context, cl *call[V]) (V, error) {
	select {
	case <-cl.done:
		return cl.val, cl.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// lookup must be called with mu held.
func (c *Cache[K, V]) lookup(k K) (V, bool) {
	var zero V
	e, ok := c.finished[k]
	if !ok {
		return zero, false
	}
	if e.strong != nil && !e.deadline.IsZero() && c.now().After(e.deadline) {
		e.strong = nil
	}
	if vp := e.w.Value(); vp != nil {
		return *vp, true
	}
	delete(c.finished, k)
	return zero, false
}

func (c *Cache[K, V]) start(k K) *call[V] {
	cl := &call[V]{done: make(chan struct{})}
	c.pending[k] = cl
	return cl
}

func (c *Cache[K, V]) run(ctx context.Context, k K, cl *call[V]) (V, error) {
	cl.val, cl.err = c.work(ctx, k)

	c.mu.Lock()
	if cl.err == nil {
		v := new(V)
		*v = cl.val
		e := &entry[V]{w: weak.Make(v), strong: v}
		if c.ttl > 0 {
			e.deadline = c.now().Add(c.ttl)
		}
		c.finished[k] = e
	}
	delete(c.pending, k)
	close(cl.done)
	c.mu.Unlock()

	return cl.val, cl.err
}
