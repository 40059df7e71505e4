package loopback

import (
	"context"
	"errors"
	"testing"

	"github.com/emberline/statesync/internal/mirror"
	"github.com/emberline/statesync/internal/session"
	"github.com/emberline/statesync/internal/storage/memory"
	"github.com/emberline/statesync/internal/transport"
	"github.com/emberline/statesync/internal/treepath"
)

func TestOwnerToMirrorRoundTrip(t *testing.T) {
	hub := NewHub()
	m := mirror.New(hub.Observer("urist"))
	defer m.Close()

	mgr := session.NewManager(memory.NewBackend(), hub, map[string]any{
		"name": "",
		"inv":  []any{},
	}, session.Hooks{})
	ctx := context.Background()

	if err := mgr.Connect(ctx, "urist", session.ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mgr.Disconnect(ctx, "urist")

	if !m.Ready() {
		t.Fatal("mirror not seeded by init push")
	}

	if err := mgr.Set(ctx, "urist", treepath.Keys("name"), "urist"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := mgr.ArrayInsert(ctx, "urist", treepath.Keys("inv"), "sword", 0); err != nil {
		t.Fatalf("ArrayInsert: %v", err)
	}

	if got, err := m.Get(treepath.Keys("name")); err != nil || got != "urist" {
		t.Fatalf("mirror name = %v, %v", got, err)
	}
	if got, err := m.Get(treepath.New(treepath.Key("inv"), treepath.Index(1))); err != nil || got != "sword" {
		t.Fatalf("mirror inv.1 = %v, %v", got, err)
	}
}

func TestMirrorFetchReachesOwner(t *testing.T) {
	hub := NewHub()
	m := mirror.New(hub.Observer("urist"))
	defer m.Close()

	mgr := session.NewManager(memory.NewBackend(), hub, map[string]any{"name": ""}, session.Hooks{})
	ctx := context.Background()

	if err := mgr.Connect(ctx, "urist", session.ConnectOptions{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer mgr.Disconnect(ctx, "urist")

	// Write without replication, then fetch to resynchronize.
	if err := mgr.Set(ctx, "urist", treepath.Keys("name"), "hidden", session.NoReplicate()); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got, err := m.Get(treepath.Keys("name")); err != nil || got != "" {
		t.Fatalf("mirror name before fetch = %v, %v", got, err)
	}
	got, err := m.Fetch(ctx, treepath.Keys("name"))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got != "hidden" {
		t.Fatalf("Fetch = %v, want hidden", got)
	}
}

func TestPushWithoutObserverIsDropped(t *testing.T) {
	hub := NewHub()
	if err := hub.Push(context.Background(), "ghost", transport.Set(treepath.Keys("x"), 1)); err != nil {
		t.Fatalf("Push to missing observer: %v", err)
	}
}

func TestCallDispatchesToObserverHandler(t *testing.T) {
	hub := NewHub()
	obs := hub.Observer("urist")
	obs.OnCall("ping", func(_ context.Context, args []any) (any, error) {
		return "pong", nil
	})

	got, err := hub.Call(context.Background(), "urist", "ping")
	if err != nil || got != "pong" {
		t.Fatalf("Call = %v, %v", got, err)
	}
	if _, err := hub.Call(context.Background(), "urist", "missing"); err == nil {
		t.Fatal("Call with unregistered verb succeeded")
	}
}

func TestRequestWithoutOwnerHandlerFails(t *testing.T) {
	hub := NewHub()
	if _, err := hub.Observer("urist").Request(context.Background(), "missing"); err == nil {
		t.Fatal("Request with unregistered verb succeeded")
	}
}

func TestCanceledContextShortCircuits(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := hub.Push(ctx, "urist", transport.Set(nil, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Push err = %v", err)
	}
	if _, err := hub.Observer("urist").Request(ctx, "fetch"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Request err = %v", err)
	}
}
