// Package session drives the authoritative side of entity state: it
// acquires a session lock on the persisted record, reconciles it against a
// schema template, exposes it through a reactive store, replicates
// mutations to the entity's observer, and releases the lock
// deterministically on disconnect or revocation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/emberline/statesync/internal/reactive"
	"github.com/emberline/statesync/internal/storage"
	"github.com/emberline/statesync/internal/storage/memory"
	"github.com/emberline/statesync/internal/transport"
	"github.com/emberline/statesync/internal/treepath"
)

var (
	// ErrLoadFailed indicates the backend returned nothing for an entity.
	// Terminal for that session; the entity reconnects to retry.
	ErrLoadFailed = errors.New("session load failed")

	// ErrLockRevoked indicates the session lock was stolen or ended
	// externally. Same outcome as ErrLoadFailed, distinct in logging.
	ErrLockRevoked = errors.New("session lock revoked")

	// ErrNoSession indicates an operation on an entity with no live session.
	ErrNoSession = errors.New("no session for entity")
)

// FetchVerb is the request verb mirrors use to resynchronize.
const FetchVerb = "fetch"

// State is the per-entity session lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateLoading
	StateReconciling
	StateActive
	StateReleasing
	StateReleased
)

// LoadStrategy selects how an entity's record is acquired.
type LoadStrategy int

const (
	// LoadLocked is the normal session-locked load.
	LoadLocked LoadStrategy = iota
	// LoadView loads read-only: no lock, no save.
	LoadView
	// LoadMock uses an ephemeral in-process record, for testing.
	LoadMock
)

// ConnectOptions tune one entity's connect.
type ConnectOptions struct {
	// ViewAs substitutes another identity's storage key, for admin
	// "view as" tooling. Implies read-only when combined with Reset.
	ViewAs string
	// Reset wipes the existing record before loading. Ignored when
	// viewing another identity.
	Reset bool
	// Strategy selects the load path.
	Strategy LoadStrategy
}

// Session is the per-entity view handed to lifecycle hooks.
type Session struct {
	EntityID string
	Record   *storage.Record
	Store    *reactive.Store
	ViewOnly bool
}

// Hooks are the two overridable lifecycle extension points. OnActive runs
// after reconciliation, before the record is exposed to replication or
// waiters; its error is terminal for the session. OnReleasing runs with
// read/write access to the record one last time before save and release;
// its error is logged and never blocks teardown.
type Hooks struct {
	OnActive    func(ctx context.Context, s *Session) error
	OnReleasing func(ctx context.Context, s *Session) error
}

// GlobalHandler consumes one mailbox message for an entity. Returning false
// means "not yet processed": the message stays queued for redelivery.
type GlobalHandler func(entityID string, payload any) bool

type waitResult struct {
	store *reactive.Store
	err   error
}

type entitySession struct {
	entityID   string
	key        string
	strategy   LoadStrategy
	viewOnly   bool
	state      State
	record     *storage.Record
	store      *reactive.Store
	disconnect bool // requested while still loading
}

// Manager owns the session table: connected entity to record, store, and
// pending waiters. All table mutation happens under one mutex; backend and
// transport I/O never runs while it is held.
type Manager struct {
	backend   storage.Backend
	mock      *memory.Backend
	transport transport.OwnerTransport
	template  map[string]any
	hooks     Hooks

	mu       sync.Mutex
	sessions map[string]*entitySession
	waiters  map[string][]chan waitResult

	globalMu sync.Mutex
	handlers map[string]GlobalHandler
}

// NewManager creates a manager over backend and owner transport. template
// holds the schema defaults applied by reconciliation; hooks may be the
// zero value for default no-ops.
func NewManager(backend storage.Backend, tp transport.OwnerTransport, template map[string]any, hooks Hooks) *Manager {
	if hooks.OnActive == nil {
		hooks.OnActive = func(context.Context, *Session) error { return nil }
	}
	if hooks.OnReleasing == nil {
		hooks.OnReleasing = func(context.Context, *Session) error { return nil }
	}
	m := &Manager{
		backend:   backend,
		mock:      memory.NewBackend(),
		transport: tp,
		template:  template,
		hooks:     hooks,
		sessions:  make(map[string]*entitySession),
		waiters:   make(map[string][]chan waitResult),
		handlers:  make(map[string]GlobalHandler),
	}
	if tp != nil {
		tp.OnRequest(FetchVerb, m.serveFetch)
	}
	return m
}

// Connect runs the full lifecycle for a newly connected entity: wipe if
// requested, load by strategy, reconcile, activate, push the initial
// snapshot, resolve waiters, and deliver queued mailbox messages.
// Connecting an entity that already has a session is a programmer error.
func (m *Manager) Connect(ctx context.Context, entityID string, opts ConnectOptions) error {
	sess := &entitySession{
		entityID: entityID,
		key:      entityID,
		strategy: opts.Strategy,
		state:    StateConnecting,
	}
	if opts.ViewAs != "" {
		sess.key = opts.ViewAs
		sess.viewOnly = true
	}
	if opts.Strategy == LoadView {
		sess.viewOnly = true
	}

	m.mu.Lock()
	if _, exists := m.sessions[entityID]; exists {
		m.mu.Unlock()
		panic(fmt.Sprintf("session: duplicate connect for entity %q", entityID))
	}
	m.sessions[entityID] = sess
	sess.state = StateLoading
	m.mu.Unlock()

	backend := m.loadBackend(sess)

	if opts.Reset && opts.ViewAs == "" {
		if err := backend.Wipe(ctx, sess.key); err != nil {
			m.abortLoad(sess, nil, backend)
			return fmt.Errorf("wipe record for %s: %w", entityID, err)
		}
	}

	rec, err := m.loadRecord(ctx, backend, sess)
	if err != nil {
		m.abortLoad(sess, nil, backend)
		log.Printf("session load failed entity=%s key=%s strategy=%d err=%v", entityID, sess.key, sess.strategy, err)
		return fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	m.mu.Lock()
	sess.state = StateReconciling
	m.mu.Unlock()

	Reconcile(rec.Data, m.template)

	if rec.Lock == storage.LockHeld {
		backend.OnLockRevoked(rec, func() {
			log.Printf("session lock revoked entity=%s key=%s", entityID, sess.key)
			m.release(context.Background(), entityID, ErrLockRevoked)
		})
	}

	// The load is an asynchronous boundary: the entity may have
	// disconnected while it ran. Never expose a store for a gone entity,
	// but always give the lock back.
	m.mu.Lock()
	if sess.disconnect || m.sessions[entityID] != sess {
		delete(m.sessions, entityID)
		m.mu.Unlock()
		if rec.Lock == storage.LockHeld {
			if err := backend.Release(ctx, rec); err != nil {
				log.Printf("release after aborted load entity=%s err=%v", entityID, err)
			}
		}
		m.failWaiters(entityID, ErrNoSession)
		log.Printf("session aborted before activation entity=%s", entityID)
		return nil
	}
	sess.record = rec
	m.mu.Unlock()

	store := reactive.NewStore(rec.Data)
	view := &Session{EntityID: entityID, Record: rec, Store: store, ViewOnly: sess.viewOnly}
	if err := m.hooks.OnActive(ctx, view); err != nil {
		store.Close()
		m.abortLoad(sess, rec, backend)
		return fmt.Errorf("activate session for %s: %w", entityID, err)
	}

	// A disconnect may also land while OnActive runs. Re-check under the
	// same lock that grants Active so it is never lost; the session still
	// goes through the full release path.
	m.mu.Lock()
	if sess.disconnect || m.sessions[entityID] != sess {
		delete(m.sessions, entityID)
		m.mu.Unlock()
		m.teardown(ctx, sess, rec, store, backend, nil)
		log.Printf("session aborted during activation entity=%s", entityID)
		return nil
	}
	sess.store = store
	sess.state = StateActive
	waiters := m.waiters[entityID]
	delete(m.waiters, entityID)
	m.mu.Unlock()

	if m.transport != nil {
		if err := m.transport.Push(ctx, entityID, transport.Init(store.Snapshot())); err != nil {
			log.Printf("push init snapshot entity=%s err=%v", entityID, err)
		}
	}
	for _, ch := range waiters {
		ch <- waitResult{store: store}
	}

	m.dispatchMailbox(ctx, entityID)
	return nil
}

// Disconnect releases an entity's session. During Loading it only flags the
// session; the connect path finishes teardown so the lock is never left
// held. Disconnecting an unknown entity is a no-op.
func (m *Manager) Disconnect(ctx context.Context, entityID string) {
	m.release(ctx, entityID, nil)
}

// release runs the Releasing path. cause is nil for a plain disconnect and
// ErrLockRevoked for a forced one.
func (m *Manager) release(ctx context.Context, entityID string, cause error) {
	m.mu.Lock()
	sess, ok := m.sessions[entityID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if sess.state != StateActive {
		sess.disconnect = true
		m.mu.Unlock()
		return
	}
	sess.state = StateReleasing
	delete(m.sessions, entityID)
	m.mu.Unlock()

	m.teardown(ctx, sess, sess.record, sess.store, m.loadBackend(sess), cause)
	if errors.Is(cause, ErrLockRevoked) {
		log.Printf("session released entity=%s cause=lock_revoked", entityID)
	} else {
		log.Printf("session released entity=%s cause=disconnect", entityID)
	}
}

// teardown runs the release path for a session already removed from the
// table: releasing hook, save, lock release, store close, waiter failure.
// cause is ErrLockRevoked for a stolen lock, which skips save and release.
func (m *Manager) teardown(ctx context.Context, sess *entitySession, rec *storage.Record, store *reactive.Store, backend storage.Backend, cause error) {
	view := &Session{EntityID: sess.entityID, Record: rec, Store: store, ViewOnly: sess.viewOnly}
	if err := m.hooks.OnReleasing(ctx, view); err != nil {
		log.Printf("releasing hook failed entity=%s err=%v", sess.entityID, err)
	}

	revoked := errors.Is(cause, ErrLockRevoked)
	if rec.Lock == storage.LockHeld && !revoked {
		if !sess.viewOnly {
			if err := backend.Save(ctx, rec); err != nil {
				log.Printf("save on release entity=%s err=%v", sess.entityID, err)
			}
		}
		if err := backend.Release(ctx, rec); err != nil {
			log.Printf("release lock entity=%s err=%v", sess.entityID, err)
		}
	}
	rec.Lock = storage.LockReleased
	store.Close()
	sess.state = StateReleased
	m.failWaiters(sess.entityID, ErrNoSession)
}

// abortLoad removes a session that never reached Active and releases its
// lock when one was acquired.
func (m *Manager) abortLoad(sess *entitySession, rec *storage.Record, backend storage.Backend) {
	m.mu.Lock()
	delete(m.sessions, sess.entityID)
	m.mu.Unlock()
	if rec != nil && rec.Lock == storage.LockHeld {
		if err := backend.Release(context.Background(), rec); err != nil {
			log.Printf("release after failed activation entity=%s err=%v", sess.entityID, err)
		}
	}
	m.failWaiters(sess.entityID, ErrNoSession)
}

func (m *Manager) failWaiters(entityID string, err error) {
	m.mu.Lock()
	waiters := m.waiters[entityID]
	delete(m.waiters, entityID)
	m.mu.Unlock()
	for _, ch := range waiters {
		ch <- waitResult{err: err}
	}
}

func (m *Manager) loadBackend(sess *entitySession) storage.Backend {
	if sess.strategy == LoadMock {
		return m.mock
	}
	return m.backend
}

func (m *Manager) loadRecord(ctx context.Context, backend storage.Backend, sess *entitySession) (*storage.Record, error) {
	switch sess.strategy {
	case LoadView:
		return backend.View(ctx, sess.key)
	case LoadMock, LoadLocked:
		return backend.LoadAndLock(ctx, sess.key)
	default:
		return nil, fmt.Errorf("unknown load strategy %d", sess.strategy)
	}
}

// HasSession reports whether entityID has an Active session.
func (m *Manager) HasSession(entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[entityID]
	return ok && sess.state == StateActive
}

// SessionRecord returns the persisted record behind an Active session.
func (m *Manager) SessionRecord(entityID string) (*storage.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[entityID]
	if !ok || sess.state != StateActive {
		return nil, ErrNoSession
	}
	return sess.record, nil
}

// WaitStore suspends the caller until the entity's store becomes Active.
// All concurrent waiters for the same entity are released together.
func (m *Manager) WaitStore(ctx context.Context, entityID string) (*reactive.Store, error) {
	m.mu.Lock()
	if sess, ok := m.sessions[entityID]; ok && sess.state == StateActive {
		store := sess.store
		m.mu.Unlock()
		return store, nil
	}
	ch := make(chan waitResult, 1)
	m.waiters[entityID] = append(m.waiters[entityID], ch)
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-ch:
		return result.store, result.err
	}
}

// activeStore returns the store behind an Active session.
func (m *Manager) activeStore(entityID string) (*reactive.Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[entityID]
	if !ok || sess.state != StateActive {
		return nil, ErrNoSession
	}
	return sess.store, nil
}

// serveFetch answers a mirror's resynchronization request with the
// authoritative value at the requested path.
func (m *Manager) serveFetch(ctx context.Context, entityID string, args []any) (any, error) {
	store, err := m.activeStore(entityID)
	if err != nil {
		return nil, err
	}
	var path treepath.Path
	if len(args) > 0 {
		if wire, ok := args[0].([]any); ok {
			path, err = treepath.FromWire(wire)
			if err != nil {
				return nil, err
			}
		}
	}
	value, err := store.Get(path)
	if err != nil {
		return nil, err
	}
	// Clone so in-process transports never alias the live tree.
	return reactive.CloneValue(value), nil
}
