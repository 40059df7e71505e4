package session

import (
	"context"
	"fmt"
	"log"
)

// AddGlobalCallback registers the single handler for a mailbox message key.
// Registering a duplicate key is a programmer error and panics. Messages
// already queued for connected entities are dispatched immediately.
func (m *Manager) AddGlobalCallback(key string, handler GlobalHandler) {
	if handler == nil {
		panic("session: nil global callback")
	}
	m.globalMu.Lock()
	if _, exists := m.handlers[key]; exists {
		m.globalMu.Unlock()
		panic(fmt.Sprintf("session: duplicate global callback %q", key))
	}
	m.handlers[key] = handler
	m.globalMu.Unlock()

	// Messages held for this key may predate the registration; deliver
	// them retroactively to every connected entity.
	for _, entityID := range m.activeEntities() {
		m.dispatchMailbox(context.Background(), entityID)
	}
}

// SendGlobalMessage durably enqueues a message for an identity, connected
// or not, then attempts delivery if the target has an Active session.
func (m *Manager) SendGlobalMessage(ctx context.Context, key, identity string, payload any) error {
	if err := m.backend.SendMailboxMessage(ctx, identity, key, payload); err != nil {
		return fmt.Errorf("send global message key=%s identity=%s: %w", key, identity, err)
	}
	if m.HasSession(identity) {
		m.dispatchMailbox(ctx, identity)
	}
	return nil
}

// dispatchMailbox delivers queued messages for a connected entity. A
// message with no registered handler waits; a handler returning false
// leaves the message queued for redelivery.
func (m *Manager) dispatchMailbox(ctx context.Context, entityID string) {
	m.mu.Lock()
	sess, ok := m.sessions[entityID]
	if !ok || sess.state != StateActive {
		m.mu.Unlock()
		return
	}
	key := sess.key
	m.mu.Unlock()

	msgs, err := m.backend.MailboxMessages(ctx, key)
	if err != nil {
		log.Printf("read mailbox entity=%s err=%v", entityID, err)
		return
	}
	for _, msg := range msgs {
		m.globalMu.Lock()
		handler := m.handlers[msg.MsgKey]
		m.globalMu.Unlock()
		if handler == nil {
			continue
		}
		if !handler(entityID, msg.Payload) {
			continue
		}
		if err := m.backend.ConsumeMailboxMessage(ctx, key, msg.ID); err != nil {
			log.Printf("consume mailbox message entity=%s id=%s err=%v", entityID, msg.ID, err)
		}
	}
}

func (m *Manager) activeEntities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for entityID, sess := range m.sessions {
		if sess.state == StateActive {
			out = append(out, entityID)
		}
	}
	return out
}
