package session

import (
	"context"
	"log"

	"github.com/emberline/statesync/internal/transport"
	"github.com/emberline/statesync/internal/treepath"
)

// WriteOption tunes one mutating accessor call.
type WriteOption func(*writeConfig)

type writeConfig struct {
	noReplicate bool
}

// NoReplicate suppresses mirroring this mutation to the entity's observer.
func NoReplicate() WriteOption {
	return func(c *writeConfig) { c.noReplicate = true }
}

func applyWriteOptions(opts []WriteOption) writeConfig {
	var cfg writeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// Get returns the subtree at path in the entity's store.
func (m *Manager) Get(entityID string, path treepath.Path) (any, error) {
	store, err := m.activeStore(entityID)
	if err != nil {
		return nil, err
	}
	return store.Get(path)
}

// Set writes value at path in the entity's store and replicates the same
// operation to the entity's observer.
func (m *Manager) Set(ctx context.Context, entityID string, path treepath.Path, value any, opts ...WriteOption) error {
	store, err := m.activeStore(entityID)
	if err != nil {
		return err
	}
	if err := store.Set(path, value); err != nil {
		return err
	}
	m.replicate(ctx, entityID, transport.Set(path, value), opts)
	return nil
}

// Update applies fn to the value at path, writes the result, and returns
// it. The transform never crosses the transport boundary; the mutation
// replicates as a Set of the resulting value.
func (m *Manager) Update(ctx context.Context, entityID string, path treepath.Path, fn func(any) any, opts ...WriteOption) (any, error) {
	store, err := m.activeStore(entityID)
	if err != nil {
		return nil, err
	}
	next, err := store.Update(path, fn)
	if err != nil {
		return nil, err
	}
	m.replicate(ctx, entityID, transport.Set(path, next), opts)
	return next, nil
}

// ArrayInsert inserts value into the sequence at path (1-based index, zero
// appends) and replicates the insert with the index actually used.
func (m *Manager) ArrayInsert(ctx context.Context, entityID string, path treepath.Path, value any, index int, opts ...WriteOption) (int, error) {
	store, err := m.activeStore(entityID)
	if err != nil {
		return 0, err
	}
	used, err := store.ArrayInsert(path, value, index)
	if err != nil {
		return 0, err
	}
	m.replicate(ctx, entityID, transport.ArrayInsert(path, value, used), opts)
	return used, nil
}

// ArrayRemove removes and returns the 1-based index element of the
// sequence at path, replicating the removal.
func (m *Manager) ArrayRemove(ctx context.Context, entityID string, path treepath.Path, index int, opts ...WriteOption) (any, error) {
	store, err := m.activeStore(entityID)
	if err != nil {
		return nil, err
	}
	removed, err := store.ArrayRemove(path, index)
	if err != nil {
		return nil, err
	}
	m.replicate(ctx, entityID, transport.ArrayRemove(path, index), opts)
	return removed, nil
}

// replicate pushes one action unless suppressed. Push is fire-and-forget:
// failures are logged, never surfaced to the mutator.
func (m *Manager) replicate(ctx context.Context, entityID string, action transport.Action, opts []WriteOption) {
	if m.transport == nil {
		return
	}
	if applyWriteOptions(opts).noReplicate {
		return
	}
	if err := m.transport.Push(ctx, entityID, action); err != nil {
		log.Printf("replicate %s entity=%s err=%v", action.Kind, entityID, err)
	}
}
