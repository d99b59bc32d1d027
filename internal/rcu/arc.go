package rcu

import (
	"unsafe"
)

import (
	"go.uber.org/atomic"
)

// Arc is a shared-ownership handle to an immutable value.
//
// Every handle accounts for exactly one reference on the shared value. Clone
// hands out another one, Release gives one back, and the drop hook (if any)
// runs once when the last reference is released. A released handle must not
// be used again.
type Arc[T any] struct {
	inner *arcInner[T]
}

type arcInner[T any] struct {
	refs  atomic.Int64
	drop  func(*T)
	value T
}

// NewArc wraps v in a fresh handle holding the only reference.
func NewArc[T any](v T) *Arc[T] {
	return NewArcWithDrop(v, nil)
}

// NewArcWithDrop is NewArc with a hook that runs when the last reference is released.
func NewArcWithDrop[T any](v T, drop func(*T)) *Arc[T] {
	inner := &arcInner[T]{drop: drop, value: v}
	inner.refs.Store(1)
	return &Arc[T]{inner: inner}
}

// Get returns the shared value. It must be treated as read-only.
func (a *Arc[T]) Get() *T {
	return &a.live().value
}

// Clone returns a new handle to the same value.
func (a *Arc[T]) Clone() *Arc[T] {
	inner := a.live()
	inner.retain()
	return &Arc[T]{inner: inner}
}

// Release drops this handle's reference.
func (a *Arc[T]) Release() {
	inner := a.live()
	a.inner = nil
	inner.release()
}

// RefCount reports the current number of references. Diagnostic only.
func (a *Arc[T]) RefCount() int64 {
	return a.live().refs.Load()
}

// ArcPtrEq reports whether a and b share the same value.
func ArcPtrEq[T any](a, b *Arc[T]) bool {
	return a.live() == b.live()
}

func (a *Arc[T]) live() *arcInner[T] {
	if a == nil || a.inner == nil {
		panic("rcu: use of released Arc")
	}
	return a.inner
}

func (in *arcInner[T]) retain() {
	// a count that wraps negative or comes back from zero is fatal
	if n := in.refs.Inc(); n <= 1 {
		panic("rcu: reference count overflow or resurrection")
	}
}

func (in *arcInner[T]) release() {
	n := in.refs.Dec()
	switch {
	case n == 0:
		if in.drop != nil {
			in.drop(&in.value)
		}
	case n < 0:
		panic("rcu: reference count underflow")
	}
}

// intoRaw consumes a and returns the address of its shared value. The
// reference a held now belongs to whoever holds the address.
func intoRaw[T any](a *Arc[T]) unsafe.Pointer {
	inner := a.live()
	a.inner = nil
	return unsafe.Pointer(inner)
}

// fromRaw is the inverse of intoRaw. It does not touch the count.
func fromRaw[T any](p unsafe.Pointer) *Arc[T] {
	return &Arc[T]{inner: (*arcInner[T])(p)}
}

// borrowRaw names the value at p without taking ownership, so the caller
// can clone it.
func borrowRaw[T any](p unsafe.Pointer) *arcInner[T] {
	return (*arcInner[T])(p)
}
