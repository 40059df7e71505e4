package statesync

import (
	"context"
	"log"
	"sync"

	"github.com/emberline/statesync/internal/session"
)

// sessionBridge starts and stops entity sessions as their observers come
// and go. Connects run asynchronously so a slow load never blocks the
// hub's read loop; the pending set keeps a fast reconnect from starting a
// second session while the first is still loading.
type sessionBridge struct {
	mgr *session.Manager

	mu      sync.Mutex
	pending map[string]bool
}

func newSessionBridge(mgr *session.Manager) *sessionBridge {
	return &sessionBridge{mgr: mgr, pending: make(map[string]bool)}
}

func (b *sessionBridge) observerConnected(ctx context.Context, entityID string) {
	b.mu.Lock()
	if b.pending[entityID] || b.mgr.HasSession(entityID) {
		// Already live or loading; a superseding reconnect resynchronizes
		// through the fetch path instead of a new session.
		b.mu.Unlock()
		return
	}
	b.pending[entityID] = true
	b.mu.Unlock()

	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.pending, entityID)
			b.mu.Unlock()
		}()
		if err := b.mgr.Connect(ctx, entityID, session.ConnectOptions{}); err != nil {
			log.Printf("start session entity=%s err=%v", entityID, err)
		}
	}()
}

func (b *sessionBridge) observerDisconnected(ctx context.Context, entityID string) {
	b.mgr.Disconnect(ctx, entityID)
}
