// Package transport defines the replication action vocabulary and the
// messaging boundary between the session owner and its observers.
package transport

import (
	"context"

	"github.com/emberline/statesync/internal/treepath"
)

// ActionKind enumerates the closed replication verb set.
type ActionKind int

const (
	// ActionInit seeds an observer with a full snapshot.
	ActionInit ActionKind = iota + 1
	// ActionSet writes a value at a path.
	ActionSet
	// ActionArrayInsert inserts into a sequence at a path.
	ActionArrayInsert
	// ActionArrayRemove removes from a sequence at a path.
	ActionArrayRemove
)

// String returns the wire name of the kind.
func (k ActionKind) String() string {
	switch k {
	case ActionInit:
		return "init"
	case ActionSet:
		return "set"
	case ActionArrayInsert:
		return "array_insert"
	case ActionArrayRemove:
		return "array_remove"
	default:
		return "unknown"
	}
}

// Action is one replication operation. Which fields are meaningful depends
// on Kind; consumers dispatch with an exhaustive switch.
type Action struct {
	Kind     ActionKind
	Snapshot map[string]any
	Path     treepath.Path
	Value    any
	Index    int
}

// Init builds a full-snapshot action.
func Init(snapshot map[string]any) Action {
	return Action{Kind: ActionInit, Snapshot: snapshot}
}

// Set builds a set action.
func Set(path treepath.Path, value any) Action {
	return Action{Kind: ActionSet, Path: path, Value: value}
}

// ArrayInsert builds an array-insert action. index follows the store's
// 1-based convention; zero means append.
func ArrayInsert(path treepath.Path, value any, index int) Action {
	return Action{Kind: ActionArrayInsert, Path: path, Value: value, Index: index}
}

// ArrayRemove builds an array-remove action.
func ArrayRemove(path treepath.Path, index int) Action {
	return Action{Kind: ActionArrayRemove, Path: path, Index: index}
}

// RequestHandler serves an observer-originated request on the owner side.
type RequestHandler func(ctx context.Context, entityID string, args []any) (any, error)

// OwnerTransport carries replication and rpc traffic from the session owner
// toward its observers.
type OwnerTransport interface {
	// Push fire-and-forgets one replication action to an entity's observer.
	Push(ctx context.Context, entityID string, action Action) error

	// Call performs an owner-to-observer request/response round trip.
	Call(ctx context.Context, entityID, verb string, args ...any) (any, error)

	// OnRequest registers the handler for an observer-originated verb.
	OnRequest(verb string, handler RequestHandler)
}

// ObserverTransport is the mirror-side inverse of OwnerTransport.
type ObserverTransport interface {
	// OnPush registers the handler for inbound replication actions.
	OnPush(handler func(Action))

	// Request performs an observer-to-owner request/response round trip.
	Request(ctx context.Context, verb string, args ...any) (any, error)
}
