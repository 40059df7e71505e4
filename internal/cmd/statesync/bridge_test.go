package statesync

import (
	"context"
	"testing"
	"time"

	"github.com/emberline/statesync/internal/session"
	"github.com/emberline/statesync/internal/storage/memory"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBridgeStartsAndStopsSessions(t *testing.T) {
	mgr := session.NewManager(memory.NewBackend(), nil, map[string]any{"name": ""}, session.Hooks{})
	bridge := newSessionBridge(mgr)
	ctx := context.Background()

	bridge.observerConnected(ctx, "urist")
	waitFor(t, func() bool { return mgr.HasSession("urist") }, "session never started")

	// A superseding reconnect must not start a second session.
	bridge.observerConnected(ctx, "urist")
	if !mgr.HasSession("urist") {
		t.Fatal("session lost on reconnect")
	}

	bridge.observerDisconnected(ctx, "urist")
	if mgr.HasSession("urist") {
		t.Fatal("session survived observer disconnect")
	}
}

func TestBridgeDisconnectDuringLoadIsNotLost(t *testing.T) {
	backend := memory.NewBackend()
	mgr := session.NewManager(backend, nil, map[string]any{}, session.Hooks{})
	bridge := newSessionBridge(mgr)
	ctx := context.Background()

	// Connect and disconnect back to back; whichever state the load is in,
	// the entity must end up without a session and with the lock free.
	bridge.observerConnected(ctx, "urist")
	bridge.observerDisconnected(ctx, "urist")

	waitFor(t, func() bool {
		if mgr.HasSession("urist") {
			bridge.observerDisconnected(ctx, "urist")
			return false
		}
		rec, err := backend.LoadAndLock(ctx, "urist")
		if err != nil {
			return false
		}
		backend.Release(ctx, rec)
		return true
	}, "lock still held after disconnect during load")
}

func TestBridgeSeparateEntitiesAreIndependent(t *testing.T) {
	mgr := session.NewManager(memory.NewBackend(), nil, map[string]any{}, session.Hooks{})
	bridge := newSessionBridge(mgr)
	ctx := context.Background()

	bridge.observerConnected(ctx, "urist")
	bridge.observerConnected(ctx, "legend")
	waitFor(t, func() bool { return mgr.HasSession("urist") && mgr.HasSession("legend") }, "sessions never started")

	bridge.observerDisconnected(ctx, "urist")
	if mgr.HasSession("urist") {
		t.Fatal("urist session survived disconnect")
	}
	if !mgr.HasSession("legend") {
		t.Fatal("legend session was torn down with urist's")
	}
}
