// Package loopback is an in-process transport: owner and observers live in
// the same process and actions cross without serialization. It backs tests
// and single-process deployments where the mirror runs next to the owner.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/emberline/statesync/internal/transport"
)

// Hub is the owner-side endpoint. It routes pushes to registered observers
// and serves observer requests with owner-registered handlers.
type Hub struct {
	mu        sync.Mutex
	handlers  map[string]transport.RequestHandler
	observers map[string]*Observer
}

// NewHub creates an empty loopback hub.
func NewHub() *Hub {
	return &Hub{
		handlers:  make(map[string]transport.RequestHandler),
		observers: make(map[string]*Observer),
	}
}

// Observer returns the observer endpoint for an entity, creating it on
// first use.
func (h *Hub) Observer(entityID string) *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	obs, ok := h.observers[entityID]
	if !ok {
		obs = &Observer{hub: h, entityID: entityID}
		h.observers[entityID] = obs
	}
	return obs
}

// Push delivers one action to the entity's observer. An entity with no
// observer, or one that never registered a push handler, drops the action;
// the owner's fetch path covers the gap after the observer appears.
func (h *Hub) Push(ctx context.Context, entityID string, action transport.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	obs := h.observers[entityID]
	h.mu.Unlock()
	if obs == nil {
		return nil
	}
	obs.mu.Lock()
	push := obs.push
	obs.mu.Unlock()
	if push == nil {
		return nil
	}
	push(action)
	return nil
}

// Call invokes a verb handler registered on the entity's observer.
func (h *Hub) Call(ctx context.Context, entityID, verb string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	obs := h.observers[entityID]
	h.mu.Unlock()
	if obs == nil {
		return nil, fmt.Errorf("no observer for entity %s", entityID)
	}
	obs.mu.Lock()
	handler := obs.calls[verb]
	obs.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("observer %s has no handler for verb %s", entityID, verb)
	}
	return handler(ctx, args)
}

// OnRequest registers the owner-side handler for an observer verb.
func (h *Hub) OnRequest(verb string, handler transport.RequestHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[verb] = handler
}

// Observer is the observer-side endpoint for one entity.
type Observer struct {
	hub      *Hub
	entityID string

	mu    sync.Mutex
	push  func(transport.Action)
	calls map[string]func(ctx context.Context, args []any) (any, error)
}

// OnPush registers the handler for inbound replication actions.
func (o *Observer) OnPush(handler func(transport.Action)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.push = handler
}

// OnCall registers a handler for owner-originated calls to this observer.
func (o *Observer) OnCall(verb string, handler func(ctx context.Context, args []any) (any, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]func(ctx context.Context, args []any) (any, error))
	}
	o.calls[verb] = handler
}

// Request invokes an owner-side verb handler on behalf of this entity.
func (o *Observer) Request(ctx context.Context, verb string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.hub.mu.Lock()
	handler := o.hub.handlers[verb]
	o.hub.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("owner has no handler for verb %s", verb)
	}
	return handler(ctx, o.entityID, args)
}
