package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mmynk/tabsplit/internal/collab"
	"github.com/mmynk/tabsplit/internal/session"
	"github.com/mmynk/tabsplit/internal/storage"
	"github.com/mmynk/tabsplit/internal/storage/blob"
)

type closer interface {
	comparable
	Close(ctx context.Context) error
}

type entry[T any] struct {
	value    T
	lastUsed time.Time
}

// registry keeps one live value per key. Opening is collapsed per key, so a
// slow open blocks only callers of the same key.
type registry[T closer] struct {
	now   func() time.Time
	group singleflight.Group

	// added runs once per opened value after it is registered.
	added func(key string, v T)

	mu    sync.Mutex
	items map[string]*entry[T]
}

func newRegistry[T closer](now func() time.Time) *registry[T] {
	if now == nil {
		now = time.Now
	}
	return &registry[T]{now: now, items: make(map[string]*entry[T])}
}

func (r *registry[T]) get(key string, open func() (T, error)) (T, error) {
	if v, ok := r.lookup(key); ok {
		return v, nil
	}
	v, err, _ := r.group.Do(key, func() (any, error) {
		if v, ok := r.lookup(key); ok {
			return v, nil
		}
		v, err := open()
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.items[key] = &entry[T]{value: v, lastUsed: r.now()}
		r.mu.Unlock()
		if r.added != nil {
			r.added(key, v)
		}
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// lookup returns the live value for key and marks it used.
func (r *registry[T]) lookup(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	e.lastUsed = r.now()
	return e.value, true
}

// peek is lookup without marking the value used.
func (r *registry[T]) peek(key string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.items[key]
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (r *registry[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// remove drops key if it still maps to v and closes v. It reports whether v
// was removed; a value already replaced or removed is left alone.
func (r *registry[T]) remove(ctx context.Context, key string, v T) (bool, error) {
	r.mu.Lock()
	e, ok := r.items[key]
	if !ok || e.value != v {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.items, key)
	r.mu.Unlock()
	return true, v.Close(ctx)
}

// evictIdle closes every value not used since cutoff.
func (r *registry[T]) evictIdle(ctx context.Context, cutoff time.Time) int {
	r.mu.Lock()
	idle := make(map[string]T)
	for key, e := range r.items {
		if e.lastUsed.Before(cutoff) {
			idle[key] = e.value
			delete(r.items, key)
		}
	}
	r.mu.Unlock()

	for key, v := range idle {
		if err := v.Close(ctx); err != nil {
			slog.Warn("Failed to close idle entry", "key", key, "error", err)
		}
	}
	return len(idle)
}

func (r *registry[T]) closeAll(ctx context.Context) error {
	r.mu.Lock()
	items := r.items
	r.items = make(map[string]*entry[T])
	r.mu.Unlock()

	var errs []error
	for _, e := range items {
		if err := e.value.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Managers holds one session manager per owner.
type Managers struct {
	store storage.SessionStore
	blobs blob.Store
	opts  session.Options
	reg   *registry[*session.Manager]
}

// NewManagers creates an empty manager registry.
func NewManagers(store storage.SessionStore, blobs blob.Store, opts session.Options) *Managers {
	return &Managers{store: store, blobs: blobs, opts: opts, reg: newRegistry[*session.Manager](opts.Clock)}
}

// Get returns the owner's manager, loading the stored active session on first use.
func (m *Managers) Get(ctx context.Context, ownerID string) (*session.Manager, error) {
	return m.reg.get(ownerID, func() (*session.Manager, error) {
		mgr := session.NewManager(m.store, m.blobs, ownerID, m.opts)
		if _, err := mgr.Load(ctx); err != nil {
			_ = mgr.Close(ctx)
			return nil, err
		}
		slog.Debug("Opened session manager", "owner_id", ownerID)
		return mgr, nil
	})
}

// Archive archives ownerID's active session if it has been idle since cutoff.
// A live manager decides from its pending edits and background time;
// otherwise the store checks the last write inside the archive transaction.
func (m *Managers) Archive(ctx context.Context, ownerID string, cutoff time.Time) (bool, error) {
	if mgr, ok := m.reg.peek(ownerID); ok {
		archived, err := mgr.ArchiveIfIdle(ctx, cutoff)
		return archived != nil, err
	}
	_, err := m.store.ArchiveIdleSession(ctx, ownerID, cutoff)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// EvictIdle flushes and closes managers not used since cutoff.
func (m *Managers) EvictIdle(ctx context.Context, cutoff time.Time) int {
	return m.reg.evictIdle(ctx, cutoff)
}

// Close flushes and closes every manager.
func (m *Managers) Close(ctx context.Context) error {
	return m.reg.closeAll(ctx)
}

// Clients holds one sync client per open collaborative session. A client is
// released as soon as it stops receiving snapshots.
type Clients struct {
	store storage.CollabStore
	opts  collab.ClientOptions
	reg   *registry[*collab.Client]
}

// NewClients creates an empty client registry.
func NewClients(store storage.CollabStore, opts collab.ClientOptions) *Clients {
	c := &Clients{store: store, opts: opts, reg: newRegistry[*collab.Client](opts.Clock)}
	c.reg.added = func(sessionID string, client *collab.Client) {
		go func() {
			<-client.Done()
			if _, err := c.Release(context.Background(), sessionID, client); err != nil {
				slog.Warn("Failed to release collaborative client", "session_id", sessionID, "error", err)
			}
		}()
	}
	return c
}

// Get returns the session's client, subscribing on first use.
func (c *Clients) Get(ctx context.Context, sessionID string) (*collab.Client, error) {
	return c.reg.get(sessionID, func() (*collab.Client, error) {
		return collab.Open(ctx, c.store, sessionID, c.opts)
	})
}

// Release closes client and forgets it if it is still the session's live client.
func (c *Clients) Release(ctx context.Context, sessionID string, client *collab.Client) (bool, error) {
	released, err := c.reg.remove(ctx, sessionID, client)
	if released {
		slog.Debug("Released collaborative client", "session_id", sessionID)
	}
	return released, err
}

// EvictIdle pushes pending edits and releases clients not used since cutoff.
func (c *Clients) EvictIdle(ctx context.Context, cutoff time.Time) int {
	return c.reg.evictIdle(ctx, cutoff)
}

// Close pushes pending edits and releases every subscription.
func (c *Clients) Close(ctx context.Context) error {
	return c.reg.closeAll(ctx)
}
