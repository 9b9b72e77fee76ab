// Package entities is the per-batch entity cache. Mapping code defers the ids
// it will touch, loads each kind in one round trip, then reads and mutates
// the cached values. The manager diffs the cache against what was loaded to
// produce the batch's net mutations.
package entities

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/greymass/dualsink/libraries/encoding"
	"github.com/greymass/dualsink/libraries/logger"
	"github.com/greymass/dualsink/services/dualsink/internal/hotdb"
)

var (
	// ErrUnloadedEntity is a caller bug: the id was never deferred and loaded.
	ErrUnloadedEntity = errors.New("entity accessed without defer and load")
	ErrEntityNotFound = errors.New("entity not found")
	// ErrLateWrite is returned for any use after the transaction callback
	// that owned the manager has returned.
	ErrLateWrite     = errors.New("late write: used after its transaction callback returned")
	ErrManagerClosed = fmt.Errorf("entity manager %w", ErrLateWrite)
)

// Loader fetches stored entity encodings. hotdb.Tx satisfies it.
type Loader interface {
	LoadEntities(ctx context.Context, kind string, ids []string) (map[string][]byte, error)
}

// Type declares an entity kind. E is normally a pointer so that mutations of
// a cached value are seen by the manager.
type Type[E any] struct {
	Kind string
	New  func() E
	ID   func(E) string
}

func NewType[E any](kind string, newFn func() E, id func(E) string) *Type[E] {
	return &Type[E]{Kind: kind, New: newFn, ID: id}
}

type entry struct {
	value  any
	exists bool
	// original is the stored encoding, nil when the row did not exist.
	original []byte
	// fromStore is set once original reflects the store.
	fromStore bool
}

type kindCache struct {
	deferred map[string]struct{}
	entries  map[string]*entry
	decode   func([]byte) (any, error)
}

type Manager struct {
	loader Loader
	kinds  map[string]*kindCache
	order  []string
	sealed atomic.Bool
	closed bool
}

func NewManager(loader Loader) *Manager {
	return &Manager{loader: loader, kinds: make(map[string]*kindCache)}
}

func cacheFor[E any](m *Manager, t *Type[E]) *kindCache {
	c, ok := m.kinds[t.Kind]
	if !ok {
		c = &kindCache{
			deferred: make(map[string]struct{}),
			entries:  make(map[string]*entry),
			decode: func(data []byte) (any, error) {
				e := t.New()
				if err := encoding.JSONCanonical.Unmarshal(data, e); err != nil {
					return nil, err
				}
				return e, nil
			},
		}
		m.kinds[t.Kind] = c
		m.order = append(m.order, t.Kind)
	}
	return c
}

// Defer records ids to fetch on the next Load of t. Cached ids are skipped.
func Defer[E any](m *Manager, t *Type[E], ids ...string) error {
	if m.sealed.Load() {
		return ErrManagerClosed
	}
	c := cacheFor(m, t)
	for _, id := range ids {
		if _, ok := c.entries[id]; !ok {
			c.deferred[id] = struct{}{}
		}
	}
	return nil
}

// Load fetches every deferred id of t in one call and returns the cached
// entities of t that exist.
func Load[E any](ctx context.Context, m *Manager, t *Type[E]) (map[string]E, error) {
	if m.sealed.Load() {
		return nil, ErrManagerClosed
	}
	c := cacheFor(m, t)
	if len(c.deferred) > 0 {
		ids := make([]string, 0, len(c.deferred))
		for id := range c.deferred {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		rows, err := m.loader.LoadEntities(ctx, t.Kind, ids)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", t.Kind, err)
		}
		for _, id := range ids {
			e := &entry{fromStore: true}
			if data, ok := rows[id]; ok {
				v, err := c.decode(data)
				if err != nil {
					return nil, fmt.Errorf("decode %s %s: %w", t.Kind, id, err)
				}
				e.value, e.exists = v, true
				// Re-encode so comparisons are against canonical bytes.
				if e.original, err = encoding.JSONCanonical.Marshal(v); err != nil {
					return nil, err
				}
			}
			c.entries[id] = e
		}
		clear(c.deferred)
		logger.Printf("debug-entities", "Loaded %s: %d requested, %d found", t.Kind, len(ids), len(rows))
	}

	out := make(map[string]E, len(c.entries))
	for id, e := range c.entries {
		if e.exists {
			out[id] = e.value.(E)
		}
	}
	return out, nil
}

// Get returns the cached entity. With safe set, an id that was never loaded
// is ErrUnloadedEntity; without it, it is reported as not found. A loaded id
// with no row is (zero, false, nil) either way.
func Get[E any](m *Manager, t *Type[E], id string, safe bool) (E, bool, error) {
	var zero E
	if m.sealed.Load() {
		return zero, false, ErrManagerClosed
	}
	e, ok := cacheFor(m, t).entries[id]
	if !ok {
		if safe {
			return zero, false, fmt.Errorf("%w: %s %s", ErrUnloadedEntity, t.Kind, id)
		}
		return zero, false, nil
	}
	if !e.exists {
		return zero, false, nil
	}
	return e.value.(E), true, nil
}

// GetOrFail is Get with safe set that also fails on a missing row.
func GetOrFail[E any](m *Manager, t *Type[E], id string) (E, error) {
	v, ok, err := Get(m, t, id, true)
	if err != nil {
		return v, err
	}
	if !ok {
		return v, fmt.Errorf("%w: %s %s", ErrEntityNotFound, t.Kind, id)
	}
	return v, nil
}

// Add inserts or replaces an entity in the cache and marks it for
// persistence. It does not fetch.
func Add[E any](m *Manager, t *Type[E], v E) error {
	if m.sealed.Load() {
		return ErrManagerClosed
	}
	id := t.ID(v)
	if id == "" {
		return fmt.Errorf("%s: empty id", t.Kind)
	}
	c := cacheFor(m, t)
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
		delete(c.deferred, id)
	}
	e.value, e.exists = v, true
	return nil
}

// Remove marks a cached entity for deletion.
func Remove[E any](m *Manager, t *Type[E], id string) error {
	if m.sealed.Load() {
		return ErrManagerClosed
	}
	e, ok := cacheFor(m, t).entries[id]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnloadedEntity, t.Kind, id)
	}
	e.value, e.exists = nil, false
	return nil
}

// Values returns the existing cached entities of t ordered by id.
func Values[E any](m *Manager, t *Type[E]) ([]E, error) {
	if m.sealed.Load() {
		return nil, ErrManagerClosed
	}
	c := cacheFor(m, t)
	ids := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if e.exists {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	out := make([]E, len(ids))
	for i, id := range ids {
		out[i] = c.entries[id].value.(E)
	}
	return out, nil
}

// Changes diffs the cache against the store and returns the net mutations,
// grouped by kind in first-use order and sorted by id. Entities added
// without a load get their before-image fetched here so the change log can
// undo an overwrite.
func (m *Manager) Changes(ctx context.Context) ([]hotdb.Mutation, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	var muts []hotdb.Mutation
	for _, kind := range m.order {
		c := m.kinds[kind]
		if err := m.fetchOriginals(ctx, kind, c); err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(c.entries))
		for id := range c.entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			e := c.entries[id]
			var after []byte
			if e.exists {
				var err error
				if after, err = encoding.JSONCanonical.Marshal(e.value); err != nil {
					return nil, fmt.Errorf("encode %s %s: %w", kind, id, err)
				}
			}
			switch {
			case e.original == nil && after == nil:
			case e.original == nil:
				muts = append(muts, hotdb.Mutation{Op: hotdb.OpInsert, Kind: kind, ID: id, After: after})
			case after == nil:
				muts = append(muts, hotdb.Mutation{Op: hotdb.OpDelete, Kind: kind, ID: id, Before: e.original})
			case !bytes.Equal(e.original, after):
				muts = append(muts, hotdb.Mutation{Op: hotdb.OpUpdate, Kind: kind, ID: id, Before: e.original, After: after})
			}
		}
	}
	return muts, nil
}

func (m *Manager) fetchOriginals(ctx context.Context, kind string, c *kindCache) error {
	var ids []string
	for id, e := range c.entries {
		if !e.fromStore {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	rows, err := m.loader.LoadEntities(ctx, kind, ids)
	if err != nil {
		return fmt.Errorf("load %s before-images: %w", kind, err)
	}
	for _, id := range ids {
		e := c.entries[id]
		e.fromStore = true
		if data, ok := rows[id]; ok {
			v, err := c.decode(data)
			if err != nil {
				return fmt.Errorf("decode %s %s: %w", kind, id, err)
			}
			if e.original, err = encoding.JSONCanonical.Marshal(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// Seal stops the manager from accepting reads or writes. Changes still runs
// on the sealed cache.
func (m *Manager) Seal() { m.sealed.Store(true) }

// Close ends the manager's batch. Every later call fails with
// ErrManagerClosed.
func (m *Manager) Close() {
	m.sealed.Store(true)
	m.closed = true
	m.kinds = nil
	m.order = nil
}
