// Package mirror maintains the observer-side replica of an entity's state.
// A mirror is seeded by the owner's init snapshot, kept current by applying
// replicated actions to a local reactive store, and can resynchronize any
// subtree on demand by fetching the authoritative value from the owner.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/emberline/statesync/internal/reactive"
	"github.com/emberline/statesync/internal/transport"
	"github.com/emberline/statesync/internal/treepath"
)

// ErrNotReady indicates the mirror has not received its init snapshot yet.
var ErrNotReady = errors.New("mirror not initialized")

// FetchVerb is the request verb used to resynchronize a subtree.
const FetchVerb = "fetch"

// Mirror is a read-side replica of one entity's data tree. Replicated
// actions and local reads may arrive concurrently.
type Mirror struct {
	tp transport.ObserverTransport

	mu    sync.Mutex
	store *reactive.Store
}

// New creates a mirror bound to an observer transport and registers it for
// inbound replication actions. The mirror stays empty until the owner's
// init snapshot arrives.
func New(tp transport.ObserverTransport) *Mirror {
	m := &Mirror{tp: tp}
	if tp != nil {
		tp.OnPush(m.Apply)
	}
	return m
}

// Ready reports whether the init snapshot has been applied.
func (m *Mirror) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store != nil
}

// Store returns the local reactive store backing the mirror. Callers use it
// to subscribe; mutating it directly would desynchronize the replica.
func (m *Mirror) Store() (*reactive.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.store == nil {
		return nil, ErrNotReady
	}
	return m.store, nil
}

// Get returns the local replica's value at path.
func (m *Mirror) Get(path treepath.Path) (any, error) {
	store, err := m.Store()
	if err != nil {
		return nil, err
	}
	return store.Get(path)
}

// Set writes value at path in the replica only; nothing travels back to the
// owner. Local writes are for derived, observer-private state and are
// overwritten by later replication or fetches.
func (m *Mirror) Set(path treepath.Path, value any) error {
	store, err := m.Store()
	if err != nil {
		return err
	}
	return store.Set(path, value)
}

// Update applies fn to the replica's value at path and returns the result.
func (m *Mirror) Update(path treepath.Path, fn func(any) any) (any, error) {
	store, err := m.Store()
	if err != nil {
		return nil, err
	}
	return store.Update(path, fn)
}

// ArrayInsert inserts into the replica's sequence at path.
func (m *Mirror) ArrayInsert(path treepath.Path, value any, index int) (int, error) {
	store, err := m.Store()
	if err != nil {
		return 0, err
	}
	return store.ArrayInsert(path, value, index)
}

// ArrayRemove removes from the replica's sequence at path.
func (m *Mirror) ArrayRemove(path treepath.Path, index int) (any, error) {
	store, err := m.Store()
	if err != nil {
		return nil, err
	}
	return store.ArrayRemove(path, index)
}

// Apply folds one replicated action into the local store, firing the same
// notifications a local mutation would. Actions that cannot apply are
// logged and dropped; the owner remains authoritative and a later fetch
// restores the subtree.
func (m *Mirror) Apply(action transport.Action) {
	if action.Kind == transport.ActionInit {
		m.applyInit(action.Snapshot)
		return
	}

	store, err := m.Store()
	if err != nil {
		log.Printf("drop replicated %s: %v", action.Kind, err)
		return
	}
	switch action.Kind {
	case transport.ActionSet:
		err = store.Set(action.Path, action.Value)
	case transport.ActionArrayInsert:
		_, err = store.ArrayInsert(action.Path, action.Value, action.Index)
	case transport.ActionArrayRemove:
		_, err = store.ArrayRemove(action.Path, action.Index)
	default:
		err = fmt.Errorf("unknown action kind %d", action.Kind)
	}
	if err != nil {
		log.Printf("apply replicated %s path=%s err=%v", action.Kind, action.Path, err)
	}
}

// applyInit replaces the replica wholesale. A re-init (owner reconnect)
// closes the previous store, so stale subscriptions do not survive it.
func (m *Mirror) applyInit(snapshot map[string]any) {
	if snapshot == nil {
		snapshot = make(map[string]any)
	}
	next := reactive.NewStore(reactive.CloneTree(snapshot))

	m.mu.Lock()
	prev := m.store
	m.store = next
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// FetchOption tunes one Fetch call.
type FetchOption func(*fetchConfig)

type fetchConfig struct {
	skipLocalWrite bool
}

// SkipLocalWrite makes Fetch return the authoritative value without folding
// it into the replica.
func SkipLocalWrite() FetchOption {
	return func(c *fetchConfig) { c.skipLocalWrite = true }
}

// Fetch asks the owner for the authoritative value at path, writes it into
// the replica unless skipped, and returns it. The write fires local
// notifications like any replicated action.
func (m *Mirror) Fetch(ctx context.Context, path treepath.Path, opts ...FetchOption) (any, error) {
	if m.tp == nil {
		return nil, errors.New("mirror has no transport")
	}
	var cfg fetchConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	store, err := m.Store()
	if err != nil {
		return nil, err
	}
	value, err := m.tp.Request(ctx, FetchVerb, path.Wire())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}
	if cfg.skipLocalWrite {
		return value, nil
	}
	if path.IsRoot() {
		root, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("fetch root: unexpected value type %T", value)
		}
		m.applyInit(root)
		return root, nil
	}
	if err := store.Set(path, value); err != nil {
		return nil, fmt.Errorf("apply fetched %s: %w", path, err)
	}
	return value, nil
}

// Close tears the mirror down and releases its store.
func (m *Mirror) Close() {
	m.mu.Lock()
	store := m.store
	m.store = nil
	m.mu.Unlock()
	if store != nil {
		store.Close()
	}
}
