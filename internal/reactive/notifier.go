package reactive

import "sync"

// Notifier is a multicast change-notification channel scoped to one path and
// one event kind. Subscribers are invoked synchronously, in registration
// order, on the goroutine that performed the mutation.
type Notifier[T any] struct {
	mu     sync.Mutex
	nextID int
	order  []int
	subs   map[int]func(T)
}

// Subscribe registers fn and returns a cancel function. Cancel is idempotent.
func (n *Notifier[T]) Subscribe(fn func(T)) func() {
	if fn == nil {
		return func() {}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(T))
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = fn
	n.order = append(n.order, id)
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

// publish invokes every live subscriber with value.
func (n *Notifier[T]) publish(value T) {
	n.mu.Lock()
	fns := make([]func(T), 0, len(n.subs))
	for _, id := range n.order {
		if fn, ok := n.subs[id]; ok {
			fns = append(fns, fn)
		}
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(value)
	}
}

// idle reports whether the notifier has zero subscribers.
func (n *Notifier[T]) idle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs) == 0
}
