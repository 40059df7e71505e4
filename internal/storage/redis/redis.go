// Package redis provides a Redis-backed storage.Backend. Session locks are
// SET NX keys with a TTL; a refresh goroutine keeps the lock alive and fires
// the revocation callback when it finds a foreign token, which happens when
// the lock expired and was claimed elsewhere.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberline/statesync/internal/id"
	"github.com/emberline/statesync/internal/storage"
)

const (
	recordPrefix  = "statesync:record:"
	lockPrefix    = "statesync:lock:"
	mailboxPrefix = "statesync:mailbox:"

	defaultLockTTL         = 30 * time.Second
	defaultRefreshInterval = 10 * time.Second
)

// releaseScript deletes the lock only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`)

// refreshScript extends the lock TTL only while it still carries our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Backend is a Redis-backed storage.Backend.
type Backend struct {
	client          *redis.Client
	lockTTL         time.Duration
	refreshInterval time.Duration

	mu       sync.Mutex
	watchers map[string]*lockWatcher
}

type lockWatcher struct {
	stop chan struct{}
	done chan struct{}

	mu        sync.Mutex
	onRevoked func()
	fired     bool
}

// NewBackend connects to the Redis instance at url (redis:// form) and
// verifies the connection.
func NewBackend(ctx context.Context, url string) (*Backend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Backend{
		client:          client,
		lockTTL:         defaultLockTTL,
		refreshInterval: defaultRefreshInterval,
		watchers:        make(map[string]*lockWatcher),
	}, nil
}

// Close stops all lock watchers and closes the client.
func (b *Backend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	b.mu.Lock()
	watchers := b.watchers
	b.watchers = make(map[string]*lockWatcher)
	b.mu.Unlock()
	for _, w := range watchers {
		w.stopWatching()
	}
	return b.client.Close()
}

// LoadAndLock loads (or creates) the record for key and acquires its lock.
func (b *Backend) LoadAndLock(ctx context.Context, key string) (*storage.Record, error) {
	if strings.TrimSpace(key) == "" {
		return nil, fmt.Errorf("record key is required")
	}
	token, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("new lock token: %w", err)
	}

	acquired, err := b.client.SetNX(ctx, lockPrefix+key, token, b.lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return nil, storage.ErrLockHeld
	}

	data := make(map[string]any)
	raw, err := b.client.Get(ctx, recordPrefix+key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// Fresh record.
	case err != nil:
		b.releaseToken(context.Background(), key, token)
		return nil, fmt.Errorf("read record: %w", err)
	default:
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			b.releaseToken(context.Background(), key, token)
			return nil, fmt.Errorf("decode record %s: %w", key, err)
		}
	}

	rec := &storage.Record{
		Key:   key,
		Data:  data,
		Lock:  storage.LockHeld,
		Token: token,
	}
	b.startWatcher(key, token)
	return rec, nil
}

// View loads the record for key without locking.
func (b *Backend) View(ctx context.Context, key string) (*storage.Record, error) {
	raw, err := b.client.Get(ctx, recordPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &storage.Record{Key: key, Data: data, Lock: storage.LockNone}, nil
}

// Wipe deletes the persisted record for key.
func (b *Backend) Wipe(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, recordPrefix+key).Err(); err != nil {
		return fmt.Errorf("wipe record: %w", err)
	}
	return nil
}

// Save persists the record's data while the lock still carries its token.
func (b *Backend) Save(ctx context.Context, rec *storage.Record) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	current, err := b.client.Get(ctx, lockPrefix+rec.Key).Result()
	if errors.Is(err, redis.Nil) || (err == nil && current != rec.Token) {
		return storage.ErrLockHeld
	}
	if err != nil {
		return fmt.Errorf("read lock: %w", err)
	}
	payload, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key, err)
	}
	if err := b.client.Set(ctx, recordPrefix+rec.Key, payload, 0).Err(); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Release drops the lock and stops its watcher.
func (b *Backend) Release(ctx context.Context, rec *storage.Record) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	b.stopWatcher(rec.Key)
	b.releaseToken(ctx, rec.Key, rec.Token)
	rec.Lock = storage.LockReleased
	return nil
}

// OnLockRevoked registers fn to run once if the record's lock is lost.
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

// SendMailboxMessage pushes a durable message onto the identity's mailbox
// list.
func (b *Backend) SendMailboxMessage(ctx context.Context, key, msgKey string, payload any) error {
	if strings.TrimSpace(msgKey) == "" {
		return fmt.Errorf("message key is required")
	}
	msgID, err := id.NewID()
	if err != nil {
		return fmt.Errorf("new message id: %w", err)
	}
	encoded, err := json.Marshal(storage.MailboxMessage{
		ID:        msgID,
		Key:       key,
		MsgKey:    msgKey,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode mailbox message: %w", err)
	}
	if err := b.client.RPush(ctx, mailboxPrefix+key, encoded).Err(); err != nil {
		return fmt.Errorf("enqueue mailbox message: %w", err)
	}
	return nil
}

// MailboxMessages returns queued messages for an identity in enqueue order.
func (b *Backend) MailboxMessages(ctx context.Context, key string) ([]storage.MailboxMessage, error) {
	raws, err := b.client.LRange(ctx, mailboxPrefix+key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read mailbox: %w", err)
	}
	out := make([]storage.MailboxMessage, 0, len(raws))
	for _, raw := range raws {
		var msg storage.MailboxMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("decode mailbox message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

// ConsumeMailboxMessage removes one delivered message by id.
func (b *Backend) ConsumeMailboxMessage(ctx context.Context, key, msgID string) error {
	raws, err := b.client.LRange(ctx, mailboxPrefix+key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read mailbox: %w", err)
	}
	for _, raw := range raws {
		var msg storage.MailboxMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.ID == msgID {
			if err := b.client.LRem(ctx, mailboxPrefix+key, 1, raw).Err(); err != nil {
				return fmt.Errorf("consume mailbox message: %w", err)
			}
			return nil
		}
	}
	return storage.ErrNotFound
}

func (b *Backend) releaseToken(ctx context.Context, key, token string) {
	_ = releaseScript.Run(ctx, b.client, []string{lockPrefix + key}, token).Err()
}

func (b *Backend) startWatcher(key, token string) {
	w := &lockWatcher{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	if old := b.watchers[key]; old != nil {
		old.stopWatching()
	}
	b.watchers[key] = w
	b.mu.Unlock()
	go b.refreshLoop(key, token, w)
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

func (b *Backend) refreshLoop(key, token string, w *lockWatcher) {
	defer close(w.done)
	ticker := time.NewTicker(b.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.refreshInterval)
			held, err := refreshScript.Run(ctx, b.client,
				[]string{lockPrefix + key}, token, b.lockTTL.Milliseconds(),
			).Int()
			cancel()
			if err != nil {
				continue
			}
			if held == 0 {
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

func (w *lockWatcher) stopWatching() {
	w.mu.Lock()
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *lockWatcher) fireRevoked() {
	w.mu.Lock()
	fn := w.onRevoked
	fired := w.fired
	w.fired = true
	w.mu.Unlock()
	if fn != nil && !fired {
		fn()
	}
}
