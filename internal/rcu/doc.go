// Package rcu provides Cell, a read-copy-update container that always holds
// a reference-counted handle (Arc) to an immutable value.
//
// Reads are lock-free and never wait for writers; writers publish a whole
// new value and get the previous handle back. Values are retired through
// their reference count, so a value's drop hook runs exactly once, after
// the last reader lets go of it.
//
//	c := rcu.New(Config{MaxQPS: 1000})
//	defer c.Close()
//
//	h := c.Read()
//	use(h.Get())
//	h.Release()
//
//	old := c.Write(Config{MaxQPS: 2000})
//	old.Release()
package rcu
