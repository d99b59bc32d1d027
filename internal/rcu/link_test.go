package rcu

import (
	"testing"
	"time"
	"unsafe"
)

import (
	"github.com/stretchr/testify/require"
)

func addrOf(v *int) unsafe.Pointer {
	return unsafe.Pointer(v)
}

func TestLinkReaderCount(t *testing.T) {
	a := 1
	l := newLink(addrOf(&a))

	p, s := l.incRef()
	require.Equal(t, addrOf(&a), p)
	require.Zero(t, s)
	p, s = l.incRef()
	require.Equal(t, addrOf(&a), p)
	require.EqualValues(t, 2, readersOf(l.word.Load(), s))
	require.Zero(t, readersOf(l.word.Load(), s^1))

	l.decRef(s)
	l.decRef(s)
	require.Zero(t, l.word.Load())
}

func TestLinkUpdateSwapsAddress(t *testing.T) {
	a, b, c := 1, 2, 3
	l := newLink(addrOf(&a))

	require.Equal(t, addrOf(&a), l.update(addrOf(&b)))
	require.Equal(t, addrOf(&b), l.getRef())
	require.EqualValues(t, 1, slotOf(l.word.Load()))

	require.Equal(t, addrOf(&b), l.update(addrOf(&c)))
	require.Equal(t, addrOf(&c), l.getRef())
	require.Zero(t, l.word.Load(), "idle, no readers, back on slot 0")
}

func TestLinkReadersPinOldAddressWhileBusy(t *testing.T) {
	a, b := 1, 2
	l := newLink(addrOf(&a))

	require.Equal(t, addrOf(&a), l.lockRead())
	require.NotZero(t, l.word.Load()&busyBit)

	// a reader arriving during the critical section still pins a
	p, s := l.incRef()
	require.Equal(t, addrOf(&a), p)

	retired := l.unlockUpdate(addrOf(&b))
	require.Equal(t, s, retired)
	w := l.word.Load()
	require.Zero(t, w&busyBit)
	require.EqualValues(t, 1, readersOf(w, retired), "unlock keeps pinned readers on the retired slot")
	require.Equal(t, addrOf(&b), l.getRef())

	// later readers count against the new slot
	p2, s2 := l.incRef()
	require.Equal(t, addrOf(&b), p2)
	require.NotEqual(t, s, s2)

	l.decRef(s)
	l.decRef(s2)
	require.Zero(t, l.word.Load()&^slotBit)
}

func TestLinkDrainWaitsForRetiredReaders(t *testing.T) {
	a, b := 1, 2
	l := newLink(addrOf(&a))

	l.lockRead()
	_, old := l.incRef()
	retired := l.unlockUpdate(addrOf(&b))

	// a reader of the new address must not hold up the drain
	_, cur := l.incRef()
	defer l.decRef(cur)

	done := make(chan struct{})
	go func() {
		l.drain(retired)
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("drain returned while a reader was pinned on the retired slot")
	case <-time.After(20 * time.Millisecond):
	}

	l.decRef(old)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("drain did not complete after the reader left")
	}
}

func TestLinkWritersWaitForReaders(t *testing.T) {
	a, b := 1, 2
	l := newLink(addrOf(&a))
	_, s := l.incRef()

	done := make(chan unsafe.Pointer)
	go func() {
		done <- l.update(addrOf(&b))
	}()

	select {
	case <-done:
		t.Fatalf("update handed back an address a reader still pins")
	case <-time.After(20 * time.Millisecond):
	}

	l.decRef(s)
	select {
	case old := <-done:
		require.Equal(t, addrOf(&a), old)
	case <-time.After(5 * time.Second):
		t.Fatalf("update did not complete after the reader left")
	}
	require.Equal(t, addrOf(&b), l.getRef())
}

func TestLinkWriterWaitsForSpareSlot(t *testing.T) {
	a, b, c := 1, 2, 3
	l := newLink(addrOf(&a))

	l.lockRead()
	_, s := l.incRef()
	l.unlockUpdate(addrOf(&b))

	// the next writer would stage into the slot the straggler still reads
	done := make(chan struct{})
	go func() {
		l.lockRead()
		l.unlockUpdate(addrOf(&c))
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("writer reused a slot that still had readers")
	case <-time.After(20 * time.Millisecond):
	}
	require.Equal(t, addrOf(&a), l.slots[s].Load())

	l.decRef(s)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("writer never entered")
	}
	require.Equal(t, addrOf(&c), l.getRef())
}

func TestLinkWritersExcludeEachOther(t *testing.T) {
	a, b := 1, 2
	l := newLink(addrOf(&a))
	l.lockRead()

	done := make(chan struct{})
	go func() {
		l.lockRead()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("second writer entered the critical section")
	case <-time.After(20 * time.Millisecond):
	}

	l.unlockUpdate(addrOf(&b))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("second writer never entered")
	}
	l.unlockUpdate(addrOf(&a))
	require.Equal(t, addrOf(&a), l.getRef())
}

func TestLinkMisuse(t *testing.T) {
	a := 1
	require.Panics(t, func() { newLink(nil) })

	l := newLink(addrOf(&a))
	require.Panics(t, func() { l.unlockUpdate(addrOf(&a)) })

	l.lockRead()
	require.Panics(t, func() { l.unlockUpdate(nil) })

	full := newLink(addrOf(&a))
	full.word.Store(readerMax << readerShift)
	require.Panics(t, func() { full.incRef() })
}
