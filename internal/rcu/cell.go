package rcu

import (
	"runtime"
	"sync"
	"unsafe"
)

import (
	"go.uber.org/atomic"
)

// Cell always holds a handle to an immutable value and behaves like an
// RWMutex around an *Arc[T] without the lock on the read side.
//
// Read takes a snapshot without ever waiting for a writer. Write and Update
// publish a replacement and hand back the previous handle. Writers are
// serialized among themselves; a writer hands back the previous handle only
// once no reader is still about to clone it.
//
// The cell owns one reference to the published value. Close releases it;
// IntoArc hands it to the caller instead. The zero Cell holds the zero T,
// created on first use. A Cell must not be copied.
type Cell[T any] struct {
	link    atomic.Pointer[link]
	once    sync.Once
	closed  atomic.Bool
	drop    func(*T)
	cleanup runtime.Cleanup
}

// Option configures a Cell.
type Option[T any] func(*Cell[T])

// WithDrop attaches drop to every value the cell wraps from a plain T, i.e.
// the value passed to New and the values produced by Write and Update. It
// runs when the last handle to that value is released.
func WithDrop[T any](drop func(*T)) Option[T] {
	return func(c *Cell[T]) { c.drop = drop }
}

// New creates a cell publishing v.
func New[T any](v T, opts ...Option[T]) *Cell[T] {
	c := &Cell[T]{}
	for _, opt := range opts {
		opt(c)
	}
	c.init(NewArcWithDrop(v, c.drop))
	return c
}

// FromArc creates a cell publishing h. The cell takes over h's reference.
func FromArc[T any](h *Arc[T], opts ...Option[T]) *Cell[T] {
	c := &Cell[T]{}
	for _, opt := range opts {
		opt(c)
	}
	c.init(h)
	return c
}

func (c *Cell[T]) init(h *Arc[T]) {
	l := newLink(intoRaw(h))
	c.link.Store(l)
	// an unclosed cell still gives its reference back once unreachable
	c.cleanup = runtime.AddCleanup(c, releaseLink[T], l)
}

// initOnce publishes v if the cell was never initialized nor closed. It
// reports whether it did.
func (c *Cell[T]) initOnce(v func() T) bool {
	fresh := false
	c.once.Do(func() {
		if c.link.Load() == nil && !c.closed.Load() {
			c.init(NewArcWithDrop(v(), c.drop))
			fresh = true
		}
	})
	return fresh
}

func zero[T any]() T {
	var v T
	return v
}

func releaseLink[T any](l *link) {
	fromRaw[T](l.getRef()).Release()
}

func (c *Cell[T]) live() *link {
	if l := c.link.Load(); l != nil {
		return l
	}
	c.initOnce(zero[T])
	if l := c.link.Load(); l != nil {
		return l
	}
	panic("rcu: use of closed Cell")
}

// Read returns a handle to the current value. The handle is independent of
// the cell and must be released by the caller.
func (c *Cell[T]) Read() *Arc[T] {
	l := c.live()
	p, slot := l.incRef()
	inner := borrowRaw[T](p)
	inner.retain()
	// decRef is a sequentially consistent RMW, so it already orders the
	// caller's later loads of the value; no extra fence is needed.
	l.decRef(slot)
	return &Arc[T]{inner: inner}
}

// Write publishes v and returns the handle the cell held before.
func (c *Cell[T]) Write(v T) *Arc[T] {
	return c.WriteArc(NewArcWithDrop(v, c.drop))
}

// WriteArc publishes h, taking over its reference, and returns the handle
// the cell held before. It may spin while readers are pinning.
func (c *Cell[T]) WriteArc(h *Arc[T]) *Arc[T] {
	l := c.live()
	return fromRaw[T](l.update(intoRaw(h)))
}

// Update replaces the value with f(old) and returns the old handle.
//
// f runs exactly once, inside the writer critical section: other writers
// wait for it, readers do not. f may call Read on the same cell but must
// not call Write or Update on it, which would deadlock. If f panics the old
// value stays published.
func (c *Cell[T]) Update(f func(old *T) T) *Arc[T] {
	return c.update(func(old *Arc[T]) *Arc[T] {
		return NewArcWithDrop(f(old.Get()), c.drop)
	})
}

// UpdateArc is Update for functions producing a handle. f receives its own
// clone of the old handle: it may return it, keep it, or release it.
func (c *Cell[T]) UpdateArc(f func(old *Arc[T]) *Arc[T]) *Arc[T] {
	return c.update(func(old *Arc[T]) *Arc[T] {
		return f(old.Clone())
	})
}

func (c *Cell[T]) update(f func(old *Arc[T]) *Arc[T]) *Arc[T] {
	l := c.live()
	p := l.lockRead()
	published := false
	defer func() {
		if !published {
			l.unlockUpdate(p)
		}
	}()

	old := fromRaw[T](p)
	next := f(old)
	if next == nil {
		panic("rcu: update produced a nil handle")
	}
	retired := l.unlockUpdate(intoRaw(next))
	published = true
	// readers that pinned old during f still need it alive to clone it
	l.drain(retired)
	return old
}

// IntoArc consumes the cell and returns the handle it held. The cell must
// not be used afterwards.
func (c *Cell[T]) IntoArc() *Arc[T] {
	l := c.live()
	c.cleanup.Stop()
	c.closed.Store(true)
	c.link.Store(nil)
	return fromRaw[T](l.getRef())
}

// Close releases the cell's reference. The value survives until every
// handle obtained from Read, Write or Update is released too. Close must
// not race with other calls on the cell; calling it again is a no-op.
func (c *Cell[T]) Close() {
	if c.closed.Load() {
		return
	}
	c.IntoArc().Release()
}

// ArcEq reports whether h is the handle currently published. It is a
// plain identity check, not a synchronization point.
func (c *Cell[T]) ArcEq(h *Arc[T]) bool {
	return c.live().getRef() == unsafe.Pointer(h.live())
}

// PtrEq reports whether a and b currently publish the same value.
func PtrEq[T any](a, b *Cell[T]) bool {
	return a.live().getRef() == b.live().getRef()
}
