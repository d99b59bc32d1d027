package registry

import (
	"sort"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
)

// Catalog is an immutable view of every entry at one revision. It is only
// ever published whole through the registry's cell and never modified
// after that.
type Catalog struct {
	Revision uint64
	Entries  map[string]config.Entry
	index    *trieNode
}

type trieNode struct {
	children map[rune]*trieNode
	key      string
	terminal bool
}

func newTrie() *trieNode {
	return &trieNode{children: make(map[rune]*trieNode)}
}

func (t *trieNode) insert(key string) {
	node := t
	for _, ch := range key {
		next := node.children[ch]
		if next == nil {
			next = newTrie()
			node.children[ch] = next
		}
		node = next
	}
	node.key = key
	node.terminal = true
}

// find returns the node reached by prefix, or nil.
func (t *trieNode) find(prefix string) *trieNode {
	node := t
	for _, ch := range prefix {
		if node = node.children[ch]; node == nil {
			return nil
		}
	}
	return node
}

// longest returns the longest inserted key that is a prefix of key.
func (t *trieNode) longest(key string) (string, bool) {
	node := t
	best, found := "", false
	for _, ch := range key {
		if node.terminal {
			best, found = node.key, true
		}
		if node = node.children[ch]; node == nil {
			return best, found
		}
	}
	if node.terminal {
		best, found = node.key, true
	}
	return best, found
}

func (t *trieNode) collect(out []string) []string {
	if t.terminal {
		out = append(out, t.key)
	}
	for _, child := range t.children {
		out = child.collect(out)
	}
	return out
}

func newCatalog(revision uint64, entries map[string]config.Entry) Catalog {
	if entries == nil {
		entries = make(map[string]config.Entry)
	}
	index := newTrie()
	for key := range entries {
		index.insert(key)
	}
	return Catalog{Revision: revision, Entries: entries, index: index}
}

// Get looks up one entry.
func (c *Catalog) Get(key string) (config.Entry, bool) {
	e, ok := c.Entries[key]
	return e, ok
}

// Resolve returns the entry stored under the longest key that prefixes
// key, so "svc/login/eu" falls back to "svc/login" and then "svc/".
func (c *Catalog) Resolve(key string) (config.Entry, bool) {
	if c.index == nil {
		return config.Entry{}, false
	}
	k, ok := c.index.longest(key)
	if !ok {
		return config.Entry{}, false
	}
	return c.Entries[k], true
}

// Keys returns the keys starting with prefix in lexical order.
func (c *Catalog) Keys(prefix string) []string {
	if c.index == nil {
		return nil
	}
	node := c.index.find(prefix)
	if node == nil {
		return nil
	}
	keys := node.collect(nil)
	sort.Strings(keys)
	return keys
}

// List returns the entries whose key starts with prefix, ordered by key.
func (c *Catalog) List(prefix string) []config.Entry {
	keys := c.Keys(prefix)
	out := make([]config.Entry, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.Entries[k])
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.Entries)
}

// with returns a copy of the entry map with e set.
func (c *Catalog) with(e config.Entry) map[string]config.Entry {
	next := make(map[string]config.Entry, len(c.Entries)+1)
	for k, v := range c.Entries {
		next[k] = v
	}
	next[e.Key] = e
	return next
}

// without returns a copy of the entry map minus key.
func (c *Catalog) without(key string) map[string]config.Entry {
	next := make(map[string]config.Entry, len(c.Entries))
	for k, v := range c.Entries {
		if k != key {
			next[k] = v
		}
	}
	return next
}

// BuildEntryMap normalizes an entry slice into a map keyed by Key. Invalid
// keys are dropped; the last duplicate wins.
func BuildEntryMap(entries []config.Entry) map[string]config.Entry {
	res := make(map[string]config.Entry, len(entries))
	for _, e := range entries {
		if e.Validate() != nil {
			continue
		}
		res[e.Key] = e
	}
	return res
}
