package ws

import (
	"fmt"

	"github.com/emberline/statesync/internal/transport"
	"github.com/emberline/statesync/internal/treepath"
)

// Frame types exchanged after the upgrade. The first client frame must be
// frameAuth; everything after is action, request, or response traffic.
const (
	frameAuth     = "auth"
	frameAction   = "action"
	frameRequest  = "request"
	frameResponse = "response"
)

// frame is the single JSON envelope for all traffic on a connection.
type frame struct {
	Type   string      `json:"type"`
	Token  string      `json:"token,omitempty"`
	ID     uint64      `json:"id,omitempty"`
	Verb   string      `json:"verb,omitempty"`
	Args   []any       `json:"args,omitempty"`
	Result any         `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
	Action *wireAction `json:"action,omitempty"`
}

// wireAction is the JSON form of a replication action. Paths travel as
// mixed string/int segment lists.
type wireAction struct {
	Kind     string         `json:"kind"`
	Snapshot map[string]any `json:"snapshot,omitempty"`
	Path     []any          `json:"path,omitempty"`
	Value    any            `json:"value,omitempty"`
	Index    int            `json:"index,omitempty"`
}

func encodeAction(action transport.Action) *wireAction {
	return &wireAction{
		Kind:     action.Kind.String(),
		Snapshot: action.Snapshot,
		Path:     action.Path.Wire(),
		Value:    action.Value,
		Index:    action.Index,
	}
}

func decodeAction(wire *wireAction) (transport.Action, error) {
	if wire == nil {
		return transport.Action{}, fmt.Errorf("action frame has no action")
	}
	path, err := treepath.FromWire(wire.Path)
	if err != nil {
		return transport.Action{}, fmt.Errorf("decode action path: %w", err)
	}
	switch wire.Kind {
	case transport.ActionInit.String():
		return transport.Init(wire.Snapshot), nil
	case transport.ActionSet.String():
		return transport.Set(path, wire.Value), nil
	case transport.ActionArrayInsert.String():
		return transport.ArrayInsert(path, wire.Value, wire.Index), nil
	case transport.ActionArrayRemove.String():
		return transport.ArrayRemove(path, wire.Index), nil
	default:
		return transport.Action{}, fmt.Errorf("unknown action kind %q", wire.Kind)
	}
}
