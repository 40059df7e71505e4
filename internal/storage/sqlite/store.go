// Package sqlite provides a SQLite-backed storage.Backend. Session locks
// are lease rows with expiry; a holder keeps its lease alive from a refresh
// goroutine, and an expired lease may be stolen by another process with an
// epoch bump. The refresh loop doubles as the revocation watcher: when a
// refresh no longer matches our token, the lock was stolen.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/emberline/statesync/internal/id"
	"github.com/emberline/statesync/internal/platform/storage/sqlitemigrate"
	"github.com/emberline/statesync/internal/storage"
	"github.com/emberline/statesync/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

const (
	defaultLeaseTTL        = 30 * time.Second
	defaultRefreshInterval = 10 * time.Second
)

// Backend is a SQLite-backed storage.Backend.
type Backend struct {
	sqlDB           *sql.DB
	owner           string
	leaseTTL        time.Duration
	refreshInterval time.Duration
	now             func() time.Time

	mu       sync.Mutex
	watchers map[string]*leaseWatcher
}

type leaseWatcher struct {
	stop chan struct{}
	done chan struct{}

	mu        sync.Mutex
	onRevoked func()
	fired     bool
}

// Open opens (or creates) the database at path and applies migrations.
func Open(path string) (*Backend, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	sqlDB, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	// The lease protocol assumes a single writer connection per process.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	owner, err := id.NewID()
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("new owner id: %w", err)
	}

	return &Backend{
		sqlDB:           sqlDB,
		owner:           owner,
		leaseTTL:        defaultLeaseTTL,
		refreshInterval: defaultRefreshInterval,
		now:             time.Now,
		watchers:        make(map[string]*leaseWatcher),
	}, nil
}

// Close stops all lease watchers and closes the database.
func (b *Backend) Close() error {
	if b == nil || b.sqlDB == nil {
		return nil
	}
	b.mu.Lock()
	watchers := b.watchers
	b.watchers = make(map[string]*leaseWatcher)
	b.mu.Unlock()
	for _, w := range watchers {
		w.stopWatching()
	}
	return b.sqlDB.Close()
}

// LoadAndLock loads (or creates) the record for key and claims its lease.
// A live lease owned elsewhere is ErrLockHeld; an expired lease is stolen
// with an epoch bump, which revokes the previous holder.
func (b *Backend) LoadAndLock(ctx context.Context, key string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("record key is required")
	}

	token, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("new lock token: %w", err)
	}
	nowMillis := b.now().UTC().UnixMilli()

	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var epoch, expiresAt int64
	err = tx.QueryRowContext(ctx,
		"SELECT epoch, expires_at FROM leases WHERE key = ?", key,
	).Scan(&epoch, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		epoch = 0
	case err != nil:
		return nil, fmt.Errorf("read lease: %w", err)
	case expiresAt > nowMillis:
		return nil, storage.ErrLockHeld
	}
	epoch++

	if _, err := tx.ExecContext(ctx, `
INSERT INTO leases (key, owner, token, epoch, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, token = excluded.token,
    epoch = excluded.epoch, expires_at = excluded.expires_at`,
		key, b.owner, token, epoch, nowMillis+b.leaseTTL.Milliseconds(),
	); err != nil {
		return nil, fmt.Errorf("claim lease: %w", err)
	}

	data := make(map[string]any)
	var dataJSON string
	err = tx.QueryRowContext(ctx,
		"SELECT data_json FROM records WHERE key = ?", key,
	).Scan(&dataJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// First session for this key; persist the empty record so a crash
		// before the first save still leaves a row behind the lease.
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO records (key, data_json, updated_at) VALUES (?, '{}', ?)",
			key, nowMillis,
		); err != nil {
			return nil, fmt.Errorf("create record: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read record: %w", err)
	default:
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	rec := &storage.Record{
		Key:   key,
		Data:  data,
		Lock:  storage.LockHeld,
		Token: token,
		Epoch: epoch,
	}
	b.startWatcher(rec)
	return rec, nil
}

// View loads the record for key without locking.
func (b *Backend) View(ctx context.Context, key string) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var dataJSON string
	err := b.sqlDB.QueryRowContext(ctx,
		"SELECT data_json FROM records WHERE key = ?", key,
	).Scan(&dataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &storage.Record{Key: key, Data: data, Lock: storage.LockNone}, nil
}

// Wipe deletes the persisted record for key. The lease, if any, is left
// alone; wiping a live session is the caller's mistake to avoid.
func (b *Backend) Wipe(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.sqlDB.ExecContext(ctx, "DELETE FROM records WHERE key = ?", key); err != nil {
		return fmt.Errorf("wipe record: %w", err)
	}
	return nil
}

// Save persists the record's data. Fails with ErrLockHeld when the lease no
// longer carries the record's token.
func (b *Backend) Save(ctx context.Context, rec *storage.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key, err)
	}

	tx, err := b.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var token string
	err = tx.QueryRowContext(ctx,
		"SELECT token FROM leases WHERE key = ?", rec.Key,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && token != rec.Token) {
		return storage.ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO records (key, data_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data_json = excluded.data_json, updated_at = excluded.updated_at`,
		rec.Key, string(payload), b.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return tx.Commit()
}

// Release drops the record's lease and stops its watcher.
func (b *Backend) Release(ctx context.Context, rec *storage.Record) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	b.stopWatcher(rec.Key)
	if _, err := b.sqlDB.ExecContext(ctx,
		"DELETE FROM leases WHERE key = ? AND token = ?", rec.Key, rec.Token,
	); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	rec.Lock = storage.LockReleased
	return nil
}

// OnLockRevoked registers fn to run once if the record's lease is stolen.
func (b *Backend) OnLockRevoked(rec *storage.Record, fn func()) {
	if rec == nil || fn == nil {
		return
	}
	b.mu.Lock()
	w := b.watchers[rec.Key]
	b.mu.Unlock()
	if w == nil {
		return
	}
	w.mu.Lock()
	w.onRevoked = fn
	w.mu.Unlock()
}

// SendMailboxMessage durably enqueues a message for an identity.
func (b *Backend) SendMailboxMessage(ctx context.Context, key, msgKey string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(msgKey) == "" {
		return fmt.Errorf("message key is required")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode mailbox payload: %w", err)
	}
	msgID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("new message id: %w", err)
	}
	if _, err := b.sqlDB.ExecContext(ctx,
		"INSERT INTO mailbox (id, key, msg_key, payload_json, created_at) VALUES (?, ?, ?, ?, ?)",
		msgID, key, msgKey, string(encoded), b.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("enqueue mailbox message: %w", err)
	}
	return nil
}

// MailboxMessages returns queued messages for an identity in enqueue order.
func (b *Backend) MailboxMessages(ctx context.Context, key string) ([]storage.MailboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := b.sqlDB.QueryContext(ctx,
		"SELECT id, msg_key, payload_json, created_at FROM mailbox WHERE key = ? ORDER BY created_at, id",
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}
	defer rows.Close()

	var out []storage.MailboxMessage
	for rows.Next() {
		var msg storage.MailboxMessage
		var payloadJSON string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.MsgKey, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan mailbox row: %w", err)
		}
		var payload any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("decode mailbox payload %s: %w", msg.ID, err)
		}
		msg.Key = key
		msg.Payload = payload
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ConsumeMailboxMessage removes one delivered message by id.
func (b *Backend) ConsumeMailboxMessage(ctx context.Context, key, msgID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := b.sqlDB.ExecContext(ctx,
		"DELETE FROM mailbox WHERE key = ? AND id = ?", key, msgID,
	)
	if err != nil {
		return fmt.Errorf("consume mailbox message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume mailbox message: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// startWatcher begins the lease refresh loop for a freshly locked record.
func (b *Backend) startWatcher(rec *storage.Record) {
	w := &leaseWatcher{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if old := b.watchers[rec.Key]; old != nil {
		old.stopWatching()
	}
	b.watchers[rec.Key] = w
	b.mu.Unlock()
	go b.refreshLoop(rec.Key, rec.Token, w)
}

func (b *Backend) stopWatcher(key string) {
	b.mu.Lock()
	w := b.watchers[key]
	delete(b.watchers, key)
	b.mu.Unlock()
	if w != nil {
		w.stopWatching()
	}
}

// refreshLoop extends the lease while it still carries our token. Losing
// the token means the lock was stolen; the revocation callback fires once
// and the loop exits.
func (b *Backend) refreshLoop(key, token string, w *leaseWatcher) {
	defer close(w.done)
	ticker := time.NewTicker(b.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.refreshInterval)
			held, err := b.refreshLease(ctx, key, token)
			cancel()
			if err != nil {
				continue
			}
			if !held {
				w.fireRevoked()
				b.mu.Lock()
				if b.watchers[key] == w {
					delete(b.watchers, key)
				}
				b.mu.Unlock()
				return
			}
		}
	}
}

func (b *Backend) refreshLease(ctx context.Context, key, token string) (bool, error) {
	result, err := b.sqlDB.ExecContext(ctx,
		"UPDATE leases SET expires_at = ? WHERE key = ? AND token = ?",
		b.now().UTC().UnixMilli()+b.leaseTTL.Milliseconds(), key, token,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (w *leaseWatcher) stopWatching() {
	w.mu.Lock()
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *leaseWatcher) fireRevoked() {
	w.mu.Lock()
	fn := w.onRevoked
	fired := w.fired
	w.fired = true
	w.mu.Unlock()
	if fn != nil && !fired {
		fn()
	}
}
