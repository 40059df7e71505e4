package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/emberline/statesync/internal/storage"
)

func TestLoadAndLockCreatesRecord(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	rec, err := b.LoadAndLock(ctx, "urist")
	if err != nil {
		t.Fatalf("LoadAndLock: %v", err)
	}
	if rec.Key != "urist" || rec.Lock != storage.LockHeld {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Data == nil {
		t.Fatal("created record should have an empty data tree")
	}
}

func TestSecondLockFails(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	if _, err := b.LoadAndLock(ctx, "urist"); err != nil {
		t.Fatalf("first LoadAndLock: %v", err)
	}
	if _, err := b.LoadAndLock(ctx, "urist"); !errors.Is(err, storage.ErrLockHeld) {
		t.Fatalf("second LoadAndLock err = %v, want ErrLockHeld", err)
	}
}

func TestReleaseAllowsRelock(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	rec, err := b.LoadAndLock(ctx, "urist")
	if err != nil {
		t.Fatalf("LoadAndLock: %v", err)
	}
	if err := b.Release(ctx, rec); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rec.Lock != storage.LockReleased {
		t.Fatalf("lock state = %v, want LockReleased", rec.Lock)
	}
	if _, err := b.LoadAndLock(ctx, "urist"); err != nil {
		t.Fatalf("relock after release: %v", err)
	}
}

func TestSaveRequiresLock(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	rec, err := b.LoadAndLock(ctx, "urist")
	if err != nil {
		t.Fatalf("LoadAndLock: %v", err)
	}
	rec.Data["hp"] = 10
	if err := b.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := b.Release(ctx, rec); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := b.Save(ctx, rec); !errors.Is(err, storage.ErrLockHeld) {
		t.Fatalf("Save after release err = %v, want ErrLockHeld", err)
	}

	viewed, err := b.View(ctx, "urist")
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if viewed.Data["hp"] != 10 {
		t.Fatalf("viewed data = %v", viewed.Data)
	}
}

func TestViewMissingRecord(t *testing.T) {
	b := NewBackend()
	if _, err := b.View(context.Background(), "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("View err = %v, want ErrNotFound", err)
	}
}

func TestRevokeLockFiresCallback(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	rec, err := b.LoadAndLock(ctx, "urist")
	if err != nil {
		t.Fatalf("LoadAndLock: %v", err)
	}

	fired := 0
	b.OnLockRevoked(rec, func() { fired++ })
	b.RevokeLock("urist")
	if fired != 1 {
		t.Fatalf("revocation callback fired %d times, want 1", fired)
	}

	// The lock is free again after revocation.
	if _, err := b.LoadAndLock(ctx, "urist"); err != nil {
		t.Fatalf("relock after revoke: %v", err)
	}
}

func TestWipe(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	rec, err := b.LoadAndLock(ctx, "urist")
	if err != nil {
		t.Fatalf("LoadAndLock: %v", err)
	}
	rec.Data["hp"] = 10
	if err := b.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := b.Release(ctx, rec); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := b.Wipe(ctx, "urist"); err != nil {
		t.Fatalf("Wipe: %v", err)
	}
	if _, err := b.View(ctx, "urist"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("View after wipe err = %v, want ErrNotFound", err)
	}
}

func TestMailboxQueueAndConsume(t *testing.T) {
	b := NewBackend()
	ctx := context.Background()

	if err := b.SendMailboxMessage(ctx, "urist", "guild_invite", map[string]any{"from": "keeper"}); err != nil {
		t.Fatalf("SendMailboxMessage: %v", err)
	}
	if err := b.SendMailboxMessage(ctx, "urist", "guild_invite", map[string]any{"from": "warden"}); err != nil {
		t.Fatalf("SendMailboxMessage: %v", err)
	}

	msgs, err := b.MailboxMessages(ctx, "urist")
	if err != nil {
		t.Fatalf("MailboxMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("queued = %d, want 2", len(msgs))
	}

	if err := b.ConsumeMailboxMessage(ctx, "urist", msgs[0].ID); err != nil {
		t.Fatalf("ConsumeMailboxMessage: %v", err)
	}
	msgs, err = b.MailboxMessages(ctx, "urist")
	if err != nil {
		t.Fatalf("MailboxMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("queued after consume = %d, want 1", len(msgs))
	}
	if err := b.ConsumeMailboxMessage(ctx, "urist", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("consume missing err = %v, want ErrNotFound", err)
	}
}
