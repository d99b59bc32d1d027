package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

import (
	"go.uber.org/atomic"
)

import (
	"github.com/nanjiek/pixiu-rcu/internal/config"
	"github.com/nanjiek/pixiu-rcu/internal/rcu"
)

var (
	ErrNotFound   = errors.New("entry not found")
	ErrInvalidKey = config.ErrInvalidKey
)

// Store persists entries and fans out change notifications. Revisions are
// assigned by the store and grow with every write.
type Store interface {
	LoadEntries(ctx context.Context) (map[string]config.Entry, uint64, error)
	SaveEntry(ctx context.Context, e config.Entry) (uint64, error)
	SeedEntry(ctx context.Context, e config.Entry) (uint64, error)
	DeleteEntry(ctx context.Context, key string) (uint64, error)
	PublishUpdate(ctx context.Context, key string) error
	WatchUpdates(ctx context.Context) <-chan string
}

// Registry serves the entry catalog from an rcu cell. Readers never block;
// every change publishes a whole new Catalog.
//
// Without a Store the registry runs in local mode and assigns revisions
// itself.
type Registry struct {
	store       Store
	bootstrap   []config.Entry
	reloadEvery time.Duration
	catalog     *rcu.Cell[Catalog]
	published   atomic.Uint64
	retired     atomic.Uint64
	log         *slog.Logger
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithReloadInterval(d time.Duration) Option {
	return func(r *Registry) { r.reloadEvery = d }
}

// New builds a registry holding an empty catalog. store may be nil.
func New(cfg *config.Config, store Store, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		bootstrap:   cfg.BootstrapEntries,
		reloadEvery: time.Duration(cfg.Redis.ReloadIntervalMs) * time.Millisecond,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reloadEvery <= 0 {
		r.reloadEvery = time.Minute
	}
	r.catalog = rcu.New(newCatalog(0, nil), rcu.WithDrop(r.retire))
	r.published.Store(1)
	return r
}

func (r *Registry) retire(*Catalog) {
	r.retired.Inc()
}

// swap publishes build(current). When build reports false the current
// catalog stays in place and nothing is counted.
func (r *Registry) swap(build func(cur *Catalog) (Catalog, bool)) bool {
	changed := false
	old := r.catalog.UpdateArc(func(cur *rcu.Arc[Catalog]) *rcu.Arc[Catalog] {
		next, ok := build(cur.Get())
		if !ok {
			return cur
		}
		cur.Release()
		changed = true
		// counted before it becomes visible so Retired never passes Published
		r.published.Inc()
		return rcu.NewArcWithDrop(next, r.retire)
	})
	old.Release()
	return changed
}

// Bootstrap seeds the configured entries that do not exist yet, then loads
// the full catalog.
func (r *Registry) Bootstrap(ctx context.Context) error {
	if r.store == nil {
		seeds := BuildEntryMap(r.bootstrap)
		r.swap(func(cur *Catalog) (Catalog, bool) {
			next := make(map[string]config.Entry, len(cur.Entries)+len(seeds))
			for k, v := range cur.Entries {
				next[k] = v
			}
			added := 0
			for k, e := range seeds {
				if _, ok := next[k]; ok {
					continue
				}
				e.Revision = cur.Revision + 1
				next[k] = e
				added++
			}
			if added == 0 {
				return Catalog{}, false
			}
			return newCatalog(cur.Revision+1, next), true
		})
		return nil
	}

	seeded := 0
	for _, e := range BuildEntryMap(r.bootstrap) {
		rev, err := r.store.SeedEntry(ctx, e)
		if err != nil {
			return err
		}
		if rev != 0 {
			seeded++
		}
	}
	if seeded > 0 {
		r.log.Info("seeded bootstrap entries", "count", seeded)
	}
	return r.ReloadAll(ctx)
}

// ReloadAll replaces the catalog with the store's content.
func (r *Registry) ReloadAll(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, rev, err := r.store.LoadEntries(ctx)
	if err != nil {
		r.log.Error("failed to load entries", "error", err)
		return err
	}
	if rev == 0 && len(entries) == 0 && r.Len() == 0 {
		return nil
	}
	r.ReplaceAll(entries, rev)
	return nil
}

// ReplaceAll publishes a catalog made of entries. A non-zero revision older
// than or equal to the current one is ignored; zero means unversioned and
// always publishes at the next revision. It reports whether it published.
func (r *Registry) ReplaceAll(entries map[string]config.Entry, revision uint64) bool {
	published := r.swap(func(cur *Catalog) (Catalog, bool) {
		if revision != 0 && revision <= cur.Revision {
			return Catalog{}, false
		}
		if revision == 0 {
			revision = cur.Revision + 1
		}
		return newCatalog(revision, entries), true
	})
	if published {
		r.log.Info("reloaded entries", "count", len(entries), "revision", revision)
	}
	return published
}

// Upsert persists e and publishes it. The returned entry carries the
// revision it was stored at, or is the newer entry already published for
// the same key.
func (r *Registry) Upsert(ctx context.Context, e config.Entry) (config.Entry, error) {
	if err := e.Validate(); err != nil {
		return config.Entry{}, err
	}

	var rev uint64
	if r.store != nil {
		var err error
		if rev, err = r.store.SaveEntry(ctx, e); err != nil {
			return config.Entry{}, err
		}
	}

	saved := e
	r.swap(func(cur *Catalog) (Catalog, bool) {
		saved = e
		saved.Revision = rev
		if saved.Revision == 0 {
			saved.Revision = cur.Revision + 1
		}
		// a concurrent writer already published something newer for this key
		if prev, ok := cur.Get(saved.Key); ok && prev.Revision > saved.Revision {
			saved = prev
			return Catalog{}, false
		}
		return newCatalog(max(cur.Revision, saved.Revision), cur.with(saved)), true
	})

	r.notify(ctx, e.Key)
	return saved, nil
}

// Delete removes key from the store and the catalog.
func (r *Registry) Delete(ctx context.Context, key string) error {
	if err := (config.Entry{Key: key}).Validate(); err != nil {
		return err
	}

	var rev uint64
	if r.store != nil {
		var err error
		if rev, err = r.store.DeleteEntry(ctx, key); err != nil {
			return err
		}
		if rev == 0 {
			return ErrNotFound
		}
	}

	found := r.swap(func(cur *Catalog) (Catalog, bool) {
		if _, ok := cur.Get(key); !ok {
			return Catalog{}, false
		}
		next := rev
		if next == 0 {
			next = cur.Revision + 1
		}
		return newCatalog(max(cur.Revision, next), cur.without(key)), true
	})
	if !found && r.store == nil {
		return ErrNotFound
	}

	r.notify(ctx, key)
	return nil
}

func (r *Registry) notify(ctx context.Context, key string) {
	if r.store == nil {
		return
	}
	if err := r.store.PublishUpdate(ctx, key); err != nil {
		r.log.Warn("failed to publish entry update", "key", key, "error", err)
	}
}

func (r *Registry) Get(key string) (config.Entry, bool) {
	snap := r.catalog.Read()
	defer snap.Release()
	return snap.Get().Get(key)
}

// Resolve finds the most specific entry whose key prefixes key.
func (r *Registry) Resolve(key string) (config.Entry, bool) {
	snap := r.catalog.Read()
	defer snap.Release()
	return snap.Get().Resolve(key)
}

// List returns the entries under prefix, ordered by key.
func (r *Registry) List(prefix string) []config.Entry {
	snap := r.catalog.Read()
	defer snap.Release()
	return snap.Get().List(prefix)
}

// Snapshot returns a handle to the current catalog. The caller must
// release it.
func (r *Registry) Snapshot() *rcu.Arc[Catalog] {
	return r.catalog.Read()
}

func (r *Registry) Revision() uint64 {
	snap := r.catalog.Read()
	defer snap.Release()
	return snap.Get().Revision
}

func (r *Registry) Len() int {
	snap := r.catalog.Read()
	defer snap.Release()
	return snap.Get().Len()
}

// StartWatcher reloads on every update notification and on a fixed
// interval as a fallback. It blocks until ctx is done.
func (r *Registry) StartWatcher(ctx context.Context) {
	if r.store == nil {
		return
	}
	ticker := time.NewTicker(r.reloadEvery)
	defer ticker.Stop()

	updates := r.store.WatchUpdates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-updates:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				r.log.Warn("update subscription closed, resubscribing")
				updates = r.store.WatchUpdates(ctx)
				continue
			}
			_ = r.ReloadAll(ctx)
		case <-ticker.C:
			_ = r.ReloadAll(ctx)
		}
	}
}

// Stats describes the catalog and how many versions are still alive.
type Stats struct {
	Revision  uint64 `json:"revision"`
	Entries   int    `json:"entries"`
	Published uint64 `json:"published"`
	Retired   uint64 `json:"retired"`
	Live      uint64 `json:"live"`
}

func (r *Registry) Stats() Stats {
	snap := r.catalog.Read()
	defer snap.Release()
	// load retired first so Live never underflows
	retired := r.retired.Load()
	published := r.published.Load()
	return Stats{
		Revision:  snap.Get().Revision,
		Entries:   snap.Get().Len(),
		Published: published,
		Retired:   retired,
		Live:      published - retired,
	}
}

// Close releases the registry's catalog. It must not race with other calls.
func (r *Registry) Close() {
	r.catalog.Close()
}
