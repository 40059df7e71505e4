// Package storage defines the durable session-locked record backend consumed
// by the session manager, together with the per-identity mailbox used for
// cross-entity messaging.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")

	// ErrLockHeld indicates another holder owns the record's session lock.
	ErrLockHeld = errors.New("session lock held elsewhere")
)

// LockState tracks a record's session-lock lifecycle.
type LockState int

const (
	// LockNone means the record was loaded without acquiring a lock.
	LockNone LockState = iota
	// LockHeld means this process owns the record's session lock.
	LockHeld
	// LockReleased means the lock was released or revoked.
	LockReleased
)

// Record is a persisted, session-locked entity record. Data must stay
// JSON-compatible: nested map[string]any / []any / scalars only.
type Record struct {
	Key   string
	Data  map[string]any
	Lock  LockState
	Token string
	Epoch int64
}

// MailboxMessage is a durable cross-entity message addressed to an identity.
type MailboxMessage struct {
	ID        string
	Key       string
	MsgKey    string
	Payload   any
	CreatedAt time.Time
}

// Backend is the durable storage and session-lock boundary. LoadAndLock
// creates an empty record when none exists; the lock it acquires is the only
// cross-process mutual-exclusion mechanism in the system.
type Backend interface {
	// LoadAndLock loads (or creates) the record for key and acquires its
	// session lock. Returns ErrLockHeld when a live lock is owned elsewhere.
	LoadAndLock(ctx context.Context, key string) (*Record, error)

	// View loads the record for key without locking. Returns ErrNotFound
	// when absent. Viewed records must never be saved.
	View(ctx context.Context, key string) (*Record, error)

	// Wipe deletes the persisted record for key.
	Wipe(ctx context.Context, key string) error

	// Save persists the record's data. The caller must hold the lock.
	Save(ctx context.Context, rec *Record) error

	// Release saves nothing and releases the record's session lock.
	Release(ctx context.Context, rec *Record) error

	// OnLockRevoked registers fn to run once if the record's lock is stolen
	// or ends externally. fn may be invoked from a backend goroutine.
	OnLockRevoked(rec *Record, fn func())

	// SendMailboxMessage durably enqueues a message for an identity,
	// whether or not that identity is currently connected.
	SendMailboxMessage(ctx context.Context, key, msgKey string, payload any) error

	// MailboxMessages returns the queued messages for an identity in
	// enqueue order without consuming them.
	MailboxMessages(ctx context.Context, key string) ([]MailboxMessage, error)

	// ConsumeMailboxMessage removes one delivered message by id.
	ConsumeMailboxMessage(ctx context.Context, key, id string) error
}
