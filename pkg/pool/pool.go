package pool

import "sync"

// Resetter is implemented by values that must be cleared before reuse.
type Resetter interface {
	Reset()
}

// Pool is a typed wrapper around sync.Pool.
type Pool[T Resetter] struct {
	p *sync.Pool
}

func New[T Resetter](fn func() T) Pool[T] {
	return Pool[T]{p: &sync.Pool{New: func() any { return fn() }}}
}

func (p Pool[T]) Get() T {
	return p.p.Get().(T)
}

// Put resets v and hands it back to the pool.
func (p Pool[T]) Put(v T) {
	v.Reset()
	p.p.Put(v)
}
