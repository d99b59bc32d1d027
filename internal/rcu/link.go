package rcu

import (
	"unsafe"
)

import (
	"go.uber.org/atomic"
)

// Layout of link.word, low bit first:
//
//	bit  0      busy, a writer is inside its critical section
//	bit  1      live slot
//	bits 2..32  readers pinning slots[0]
//	bits 33..63 readers pinning slots[1]
//
// The published address itself lives in slots rather than in the word so
// the garbage collector always sees it. Readers are counted against the
// slot they loaded, which lets a writer wait for exactly the readers of the
// address it retires.
const (
	busyBit     uint64 = 1
	slotBit     uint64 = 1 << 1
	readerShift        = 2
	readerBits         = 31
	readerMax   uint64 = 1<<readerBits - 1
)

// link is the untyped atomic core of a Cell. It publishes one address at a
// time and tracks readers that are about to take a reference on it.
//
// Writers stage the next address in the spare slot while they hold busy and
// flip the live slot when they unlock. A writer only claims busy once the
// spare slot has no readers, and readers only ever pin the live slot, so a
// slot is never overwritten under a reader.
type link struct {
	word  atomic.Uint64
	slots [2]atomic.UnsafePointer
}

func newLink(p unsafe.Pointer) *link {
	if p == nil {
		panic("rcu: nil address")
	}
	l := &link{}
	l.slots[0].Store(p)
	return l
}

func slotOf(w uint64) uint64 {
	return (w & slotBit) >> 1
}

func readerUnit(slot uint64) uint64 {
	return 1 << (readerShift + slot*readerBits)
}

func readersOf(w, slot uint64) uint64 {
	return (w >> (readerShift + slot*readerBits)) & readerMax
}

// getRef loads the current address without pinning it. The caller needs
// some other guarantee that the value stays alive.
func (l *link) getRef() unsafe.Pointer {
	return l.slots[slotOf(l.word.Load())].Load()
}

// incRef pins the current address and returns it with the slot it was
// counted against; pass the slot to decRef. No writer hands the address
// back to its caller until decRef. Readers still get in while a writer is
// busy; they pin the address the writer is replacing.
func (l *link) incRef() (unsafe.Pointer, uint64) {
	var bo backoff
	for {
		w := l.word.Load()
		s := slotOf(w)
		if readersOf(w, s) == readerMax {
			panic("rcu: reader count overflow")
		}
		if l.word.CompareAndSwap(w, w+readerUnit(s)) {
			return l.slots[s].Load(), s
		}
		bo.spin()
	}
}

// decRef drops a pin taken by incRef on slot.
func (l *link) decRef(slot uint64) {
	l.word.Sub(readerUnit(slot))
}

// lockRead enters the writer critical section and returns the address it
// will replace. It waits for other writers and for stragglers still pinned
// on the spare slot.
func (l *link) lockRead() unsafe.Pointer {
	var bo backoff
	for {
		w := l.word.Load()
		s := slotOf(w)
		if w&busyBit == 0 && readersOf(w, s^1) == 0 && l.word.CompareAndSwap(w, w|busyBit) {
			return l.slots[s].Load()
		}
		bo.spin()
	}
}

// unlockUpdate publishes p, leaves the critical section and returns the
// slot it retired. Readers that pinned the old address meanwhile stay
// counted on that slot; the caller must drain it before dropping its
// reference to the old address.
func (l *link) unlockUpdate(p unsafe.Pointer) uint64 {
	if p == nil {
		panic("rcu: nil address")
	}
	w := l.word.Load()
	if w&busyBit == 0 {
		panic("rcu: unlock of an idle link")
	}
	s := slotOf(w)
	l.slots[s^1].Store(p)
	for {
		// only reader counts change under us
		if l.word.CompareAndSwap(w, (w^slotBit)&^busyBit) {
			return s
		}
		w = l.word.Load()
	}
}

// drain waits until every reader pinned on the retired slot has taken its
// own reference. New readers cannot join it, so this is bounded.
func (l *link) drain(slot uint64) {
	var bo backoff
	for readersOf(l.word.Load(), slot) != 0 {
		bo.spin()
	}
}

// update publishes p unconditionally and returns the previous address,
// which now belongs to the caller and is no longer pinned by any reader.
func (l *link) update(p unsafe.Pointer) unsafe.Pointer {
	old := l.lockRead()
	l.drain(l.unlockUpdate(p))
	return old
}
