// Package memory provides an ephemeral, single-process storage backend. It
// backs the mock load strategy and package tests; records do not survive the
// process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emberline/statesync/internal/id"
	"github.com/emberline/statesync/internal/reactive"
	"github.com/emberline/statesync/internal/storage"
)

type stored struct {
	data      map[string]any
	locked    bool
	token     string
	epoch     int64
	onRevoked func()
}

// Backend is a map-backed storage.Backend.
type Backend struct {
	mu      sync.Mutex
	records map[string]*stored
	mailbox map[string][]storage.MailboxMessage
}

// NewBackend creates an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{
		records: make(map[string]*stored),
		mailbox: make(map[string][]storage.MailboxMessage),
	}
}

// LoadAndLock loads or creates the record for key and locks it.
func (b *Backend) LoadAndLock(ctx context.Context, key string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[key]
	if !ok {
		rec = &stored{data: make(map[string]any)}
		b.records[key] = rec
	}
	if rec.locked {
		return nil, storage.ErrLockHeld
	}
	token, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("new lock token: %w", err)
	}
	rec.locked = true
	rec.token = token
	rec.epoch++
	rec.onRevoked = nil
	return &storage.Record{
		Key:   key,
		Data:  reactive.CloneTree(rec.data),
		Lock:  storage.LockHeld,
		Token: token,
		Epoch: rec.epoch,
	}, nil
}

// View loads the record for key without locking.
func (b *Backend) View(ctx context.Context, key string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.Record{
		Key:  key,
		Data: reactive.CloneTree(rec.data),
		Lock: storage.LockNone,
	}, nil
}

// Wipe deletes the record for key.
func (b *Backend) Wipe(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, key)
	return nil
}

// Save persists the record's data. The caller must hold the lock.
func (b *Backend) Save(ctx context.Context, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.records[rec.Key]
	if !ok || !current.locked || current.token != rec.Token {
		return storage.ErrLockHeld
	}
	current.data = reactive.CloneTree(rec.Data)
	return nil
}

// Release releases the record's session lock.
func (b *Backend) Release(ctx context.Context, rec *storage.Record) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.records[rec.Key]
	if !ok || current.token != rec.Token {
		rec.Lock = storage.LockReleased
		return nil
	}
	current.locked = false
	current.token = ""
	current.onRevoked = nil
	rec.Lock = storage.LockReleased
	return nil
}

// OnLockRevoked registers fn to run if the record's lock is stolen.
func (b *Backend) OnLockRevoked(rec *storage.Record, fn func()) {
	if rec == nil || fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.records[rec.Key]
	if !ok || current.token != rec.Token {
		return
	}
	current.onRevoked = fn
}

// RevokeLock forcibly unlocks key and fires its revocation callback. It
// exists so tests and admin tooling can simulate a stolen lock.
func (b *Backend) RevokeLock(key string) {
	b.mu.Lock()
	rec, ok := b.records[key]
	var fn func()
	if ok && rec.locked {
		rec.locked = false
		rec.token = ""
		fn = rec.onRevoked
		rec.onRevoked = nil
	}
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SendMailboxMessage enqueues a durable message for an identity.
func (b *Backend) SendMailboxMessage(ctx context.Context, key, msgKey string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msgID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("new message id: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mailbox[key] = append(b.mailbox[key], storage.MailboxMessage{
		ID:        msgID,
		Key:       key,
		MsgKey:    msgKey,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// MailboxMessages returns the queued messages for an identity.
func (b *Backend) MailboxMessages(ctx context.Context, key string) ([]storage.MailboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	queued := b.mailbox[key]
	out := make([]storage.MailboxMessage, len(queued))
	copy(out, queued)
	return out, nil
}

// ConsumeMailboxMessage removes one message by id.
func (b *Backend) ConsumeMailboxMessage(ctx context.Context, key, msgID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	queued := b.mailbox[key]
	for i, msg := range queued {
		if msg.ID == msgID {
			b.mailbox[key] = append(queued[:i:i], queued[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}
