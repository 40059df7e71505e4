// Package reactive provides a path-addressed mutable data tree that emits
// fine-grained change notifications scoped to exact paths, ancestor paths,
// and array-index events.
package reactive

import (
	"errors"
	"sync"
	"time"

	"github.com/emberline/statesync/internal/treepath"
)

// DefaultReapInterval is the period between idle-notifier sweeps.
const DefaultReapInterval = 30 * time.Second

var (
	// ErrInvalidPath indicates a traversal failure, a wrong container kind,
	// or an out-of-range index.
	ErrInvalidPath = errors.New("invalid path")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("store is closed")
)

// Change carries the new value at a subscribed path.
type Change struct {
	Value any
}

// ChildChange carries which child of a subscribed path changed, and to what.
type ChildChange struct {
	Key   treepath.Segment
	Value any
}

// ArrayChange carries the 1-based index and the inserted or removed element.
type ArrayChange struct {
	Index int
	Value any
}

// Store owns one entity's data tree plus four independent path-keyed
// notifier maps. It is safe for concurrent use; notifications fire
// synchronously on the mutating goroutine, after the tree mutation is
// visible.
type Store struct {
	mu            sync.Mutex
	tree          map[string]any
	closed        bool
	reapStop      chan struct{}
	changed       map[string]*Notifier[Change]
	childChanged  map[string]*Notifier[ChildChange]
	arrayInserted map[string]*Notifier[ArrayChange]
	arrayRemoved  map[string]*Notifier[ArrayChange]
}

// NewStore creates a store around tree and starts its idle-notifier reaper.
// The caller hands over ownership of tree; a nil tree becomes an empty one.
func NewStore(tree map[string]any) *Store {
	if tree == nil {
		tree = make(map[string]any)
	}
	s := &Store{
		tree:          tree,
		reapStop:      make(chan struct{}),
		changed:       make(map[string]*Notifier[Change]),
		childChanged:  make(map[string]*Notifier[ChildChange]),
		arrayInserted: make(map[string]*Notifier[ArrayChange]),
		arrayRemoved:  make(map[string]*Notifier[ArrayChange]),
	}
	go s.reapLoop(DefaultReapInterval)
	return s
}

// Close tears down all notifiers and stops the reaper. Close is idempotent;
// the stop channel and the notifier maps are cleared under the same lock so
// a double stop is impossible.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.reapStop)
	s.reapStop = nil
	s.changed = nil
	s.childChanged = nil
	s.arrayInserted = nil
	s.arrayRemoved = nil
	s.tree = nil
}

// Get returns the subtree at path, or the whole tree for the root path.
// A missing final map key resolves to nil; failing to traverse an
// intermediate segment is ErrInvalidPath.
func (s *Store) Get(path treepath.Path) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return valueAt(s.tree, path)
}

// Set writes value at path and fires the change cascade. Parent containers
// must already exist. Setting an equal value still fires.
func (s *Store) Set(path treepath.Path, value any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.assign(path, value); err != nil {
		s.mu.Unlock()
		return err
	}
	fire := s.cascade(path)
	s.mu.Unlock()
	fire()
	return nil
}

// Update applies fn to the current value at path, writes the result, and
// returns it. fn must be a pure value transform.
func (s *Store) Update(path treepath.Path, fn func(any) any) (any, error) {
	if fn == nil {
		return nil, errors.New("update transform is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	current, err := valueAt(s.tree, path)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next := fn(current)
	if err := s.assign(path, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	fire := s.cascade(path)
	s.mu.Unlock()
	fire()
	return next, nil
}

// ArrayInsert inserts value into the sequence at path. index is 1-based;
// zero or negative appends. Subsequent elements shift right. Returns the
// index used (the new length on append). Fires the change cascade for path,
// then the array-inserted notifier.
func (s *Store) ArrayInsert(path treepath.Path, value any, index int) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	seq, writeBack, err := s.sequenceAt(path)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	used := index
	if used <= 0 {
		used = len(seq) + 1
	}
	if used > len(seq)+1 {
		s.mu.Unlock()
		return 0, ErrInvalidPath
	}
	next := make([]any, 0, len(seq)+1)
	next = append(next, seq[:used-1]...)
	next = append(next, value)
	next = append(next, seq[used-1:]...)
	writeBack(next)
	fire := s.cascade(path)
	inserted := s.lookupArrayInserted(path)
	s.mu.Unlock()
	fire()
	if inserted != nil {
		inserted.publish(ArrayChange{Index: used, Value: value})
	}
	return used, nil
}

// ArrayRemove removes and returns the 1-based index element of the sequence
// at path. Fires the change cascade, then the array-removed notifier.
func (s *Store) ArrayRemove(path treepath.Path, index int) (any, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	seq, writeBack, err := s.sequenceAt(path)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if index < 1 || index > len(seq) {
		s.mu.Unlock()
		return nil, ErrInvalidPath
	}
	removed := seq[index-1]
	next := make([]any, 0, len(seq)-1)
	next = append(next, seq[:index-1]...)
	next = append(next, seq[index:]...)
	writeBack(next)
	fire := s.cascade(path)
	removedNotifier := s.lookupArrayRemoved(path)
	s.mu.Unlock()
	fire()
	if removedNotifier != nil {
		removedNotifier.publish(ArrayChange{Index: index, Value: removed})
	}
	return removed, nil
}

// Snapshot returns a deep copy of the whole tree.
func (s *Store) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return CloneTree(s.tree)
}

// ChangedNotifier lazily creates or returns the value-changed notifier for
// path. After Close it returns a detached notifier that never fires.
func (s *Store) ChangedNotifier(path treepath.Path) *Notifier[Change] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Notifier[Change]{}
	}
	key := path.Canonical()
	n, ok := s.changed[key]
	if !ok {
		n = &Notifier[Change]{}
		s.changed[key] = n
	}
	return n
}

// ChildChangedNotifier lazily creates or returns the child-changed notifier
// for path.
func (s *Store) ChildChangedNotifier(path treepath.Path) *Notifier[ChildChange] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Notifier[ChildChange]{}
	}
	key := path.Canonical()
	n, ok := s.childChanged[key]
	if !ok {
		n = &Notifier[ChildChange]{}
		s.childChanged[key] = n
	}
	return n
}

// ArrayInsertedNotifier lazily creates or returns the array-inserted
// notifier for path.
func (s *Store) ArrayInsertedNotifier(path treepath.Path) *Notifier[ArrayChange] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Notifier[ArrayChange]{}
	}
	key := path.Canonical()
	n, ok := s.arrayInserted[key]
	if !ok {
		n = &Notifier[ArrayChange]{}
		s.arrayInserted[key] = n
	}
	return n
}

// ArrayRemovedNotifier lazily creates or returns the array-removed notifier
// for path.
func (s *Store) ArrayRemovedNotifier(path treepath.Path) *Notifier[ArrayChange] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Notifier[ArrayChange]{}
	}
	key := path.Canonical()
	n, ok := s.arrayRemoved[key]
	if !ok {
		n = &Notifier[ArrayChange]{}
		s.arrayRemoved[key] = n
	}
	return n
}

// cascade collects the notifications for a mutation at path and returns a
// function that fires them outside the store lock. At each depth the
// value-changed notifier for the path so far fires with the new value at
// that level, then (depth >= 2) the child-changed notifier at the parent
// fires with the final segment and the same value. Root-level changes fire
// value-changed only.
func (s *Store) cascade(path treepath.Path) func() {
	type valueEvent struct {
		n *Notifier[Change]
		v any
	}
	type childEvent struct {
		n   *Notifier[ChildChange]
		seg treepath.Segment
		v   any
	}
	var fires []func()

	node := any(s.tree)
	for i, segment := range path {
		child, err := descend(node, segment)
		if err != nil {
			break
		}
		node = child
		prefix := path[:i+1]
		if n, ok := s.changed[prefix.Canonical()]; ok {
			ev := valueEvent{n: n, v: child}
			fires = append(fires, func() { ev.n.publish(Change{Value: ev.v}) })
		}
		if i >= 1 {
			if n, ok := s.childChanged[path[:i].Canonical()]; ok {
				ev := childEvent{n: n, seg: segment, v: child}
				fires = append(fires, func() { ev.n.publish(ChildChange{Key: ev.seg, Value: ev.v}) })
			}
		}
	}
	return func() {
		for _, fire := range fires {
			fire()
		}
	}
}

func (s *Store) lookupArrayInserted(path treepath.Path) *Notifier[ArrayChange] {
	return s.arrayInserted[path.Canonical()]
}

func (s *Store) lookupArrayRemoved(path treepath.Path) *Notifier[ArrayChange] {
	return s.arrayRemoved[path.Canonical()]
}

// assign writes value at path. Callers hold the lock.
func (s *Store) assign(path treepath.Path, value any) error {
	if path.IsRoot() {
		return ErrInvalidPath
	}
	parent := any(s.tree)
	for _, segment := range path.Parent() {
		child, err := descend(parent, segment)
		if err != nil {
			return err
		}
		parent = child
	}
	last := path[len(path)-1]
	switch container := parent.(type) {
	case map[string]any:
		if last.IsIndex() {
			return ErrInvalidPath
		}
		container[last.Key()] = value
	case []any:
		if !last.IsIndex() || last.Index() < 1 || last.Index() > len(container) {
			return ErrInvalidPath
		}
		container[last.Index()-1] = value
	default:
		return ErrInvalidPath
	}
	return nil
}

// sequenceAt resolves path to a sequence and returns it with a write-back
// for replacing it in its parent container. Callers hold the lock.
func (s *Store) sequenceAt(path treepath.Path) ([]any, func([]any), error) {
	if path.IsRoot() {
		return nil, nil, ErrInvalidPath
	}
	parent := any(s.tree)
	for _, segment := range path.Parent() {
		child, err := descend(parent, segment)
		if err != nil {
			return nil, nil, err
		}
		parent = child
	}
	last := path[len(path)-1]
	element, err := descend(parent, last)
	if err != nil {
		return nil, nil, err
	}
	seq, ok := element.([]any)
	if !ok {
		return nil, nil, ErrInvalidPath
	}
	switch container := parent.(type) {
	case map[string]any:
		return seq, func(next []any) { container[last.Key()] = next }, nil
	case []any:
		return seq, func(next []any) { container[last.Index()-1] = next }, nil
	default:
		return nil, nil, ErrInvalidPath
	}
}

// valueAt resolves path against tree with Get semantics.
func valueAt(tree map[string]any, path treepath.Path) (any, error) {
	node := any(tree)
	for _, segment := range path {
		child, err := descend(node, segment)
		if err != nil {
			return nil, err
		}
		node = child
	}
	return node, nil
}

// descend resolves one segment against a container. A missing map key
// resolves to nil; a non-container node or an out-of-range index is
// ErrInvalidPath.
func descend(node any, segment treepath.Segment) (any, error) {
	switch container := node.(type) {
	case map[string]any:
		if segment.IsIndex() {
			return nil, ErrInvalidPath
		}
		return container[segment.Key()], nil
	case []any:
		if !segment.IsIndex() {
			return nil, ErrInvalidPath
		}
		if segment.Index() < 1 || segment.Index() > len(container) {
			return nil, ErrInvalidPath
		}
		return container[segment.Index()-1], nil
	default:
		return nil, ErrInvalidPath
	}
}

// reapLoop periodically drops notifier entries with zero subscribers. It is
// the only background activity the store owns.
func (s *Store) reapLoop(interval time.Duration) {
	s.mu.Lock()
	stop := s.reapStop
	s.mu.Unlock()
	if stop == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.reapIdle()
		}
	}
}

// reapIdle removes idle notifiers. A notifier with a live subscriber is
// never removed.
func (s *Store) reapIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for key, n := range s.changed {
		if n.idle() {
			delete(s.changed, key)
		}
	}
	for key, n := range s.childChanged {
		if n.idle() {
			delete(s.childChanged, key)
		}
	}
	for key, n := range s.arrayInserted {
		if n.idle() {
			delete(s.arrayInserted, key)
		}
	}
	for key, n := range s.arrayRemoved {
		if n.idle() {
			delete(s.arrayRemoved, key)
		}
	}
}
