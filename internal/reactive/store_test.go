package reactive

import (
	"errors"
	"testing"

	"github.com/emberline/statesync/internal/treepath"
)

func newTestStore(t *testing.T, tree map[string]any) *Store {
	t.Helper()
	s := NewStore(tree)
	t.Cleanup(s.Close)
	return s
}

func TestSetGetRoundtrip(t *testing.T) {
	cases := []struct {
		name  string
		tree  map[string]any
		path  treepath.Path
		value any
	}{
		{"top level", map[string]any{}, treepath.Keys("name"), "urist"},
		{"nested", map[string]any{"stats": map[string]any{}}, treepath.Keys("stats", "hp"), 12},
		{"sequence element", map[string]any{"inv": []any{"potion"}}, treepath.New(treepath.Key("inv"), treepath.Index(1)), "sword"},
		{"equal value still writes", map[string]any{"name": "urist"}, treepath.Keys("name"), "urist"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t, tc.tree)
			if err := s.Set(tc.path, tc.value); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(tc.path)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got != tc.value {
				t.Fatalf("Get = %v, want %v", got, tc.value)
			}
		})
	}
}

func TestGetRoot(t *testing.T) {
	tree := map[string]any{"name": "urist"}
	s := newTestStore(t, tree)
	got, err := s.Get(nil)
	if err != nil {
		t.Fatalf("Get root: %v", err)
	}
	root, ok := got.(map[string]any)
	if !ok || root["name"] != "urist" {
		t.Fatalf("Get root = %v", got)
	}
}

func TestGetInvalidPath(t *testing.T) {
	s := newTestStore(t, map[string]any{"name": "urist", "inv": []any{"potion"}})
	cases := []struct {
		name string
		path treepath.Path
	}{
		{"through scalar", treepath.Keys("name", "deeper")},
		{"through missing key", treepath.Keys("missing", "deeper")},
		{"index into map", treepath.New(treepath.Index(1))},
		{"key into sequence", treepath.Keys("inv", "x")},
		{"index out of range", treepath.New(treepath.Key("inv"), treepath.Index(2))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Get(tc.path); !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("Get err = %v, want ErrInvalidPath", err)
			}
		})
	}
}

func TestGetMissingLeafIsNil(t *testing.T) {
	s := newTestStore(t, map[string]any{})
	got, err := s.Get(treepath.Keys("missing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("Get = %v, want nil", got)
	}
}

func TestUpdateAppliesTransform(t *testing.T) {
	s := newTestStore(t, map[string]any{"hp": 10})
	got, err := s.Update(treepath.Keys("hp"), func(v any) any { return v.(int) + 5 })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got != 15 {
		t.Fatalf("Update = %v, want 15", got)
	}
	stored, err := s.Get(treepath.Keys("hp"))
	if err != nil || stored != 15 {
		t.Fatalf("Get after Update = %v, %v", stored, err)
	}
}

func TestCascadeOrderAndCounts(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": map[string]any{"b": 1}})

	var events []string
	s.ChangedNotifier(treepath.Keys("a", "b")).Subscribe(func(c Change) {
		if c.Value != 5 {
			t.Errorf("value-changed payload = %v, want 5", c.Value)
		}
		events = append(events, "value:a.b")
	})
	s.ChildChangedNotifier(treepath.Keys("a")).Subscribe(func(c ChildChange) {
		if c.Key.Key() != "b" || c.Value != 5 {
			t.Errorf("child-changed payload = (%v, %v), want (b, 5)", c.Key.Key(), c.Value)
		}
		events = append(events, "child:a")
	})

	if err := s.Set(treepath.Keys("a", "b"), 5); err != nil {
		t.Fatalf("Set: %v", err)
	}

	want := []string{"value:a.b", "child:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestRootLevelChangeFiresValueOnly(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 1})

	var valueFired, childFired int
	s.ChangedNotifier(treepath.Keys("a")).Subscribe(func(Change) { valueFired++ })
	s.ChildChangedNotifier(treepath.Keys("a")).Subscribe(func(ChildChange) { childFired++ })

	if err := s.Set(treepath.Keys("a"), 2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if valueFired != 1 {
		t.Fatalf("value-changed fired %d times, want 1", valueFired)
	}
	if childFired != 0 {
		t.Fatalf("child-changed fired %d times, want 0", childFired)
	}
}

func TestAncestorNotifiersSeeDeepChanges(t *testing.T) {
	s := newTestStore(t, map[string]any{
		"a": map[string]any{"b": map[string]any{"c": 1}},
	})

	var ancestorValue any
	s.ChangedNotifier(treepath.Keys("a")).Subscribe(func(c Change) { ancestorValue = c.Value })

	var childKeys []string
	s.ChildChangedNotifier(treepath.Keys("a", "b")).Subscribe(func(c ChildChange) {
		childKeys = append(childKeys, c.Key.Key())
	})

	if err := s.Set(treepath.Keys("a", "b", "c"), 9); err != nil {
		t.Fatalf("Set: %v", err)
	}

	subtree, ok := ancestorValue.(map[string]any)
	if !ok {
		t.Fatalf("ancestor value-changed payload = %v", ancestorValue)
	}
	if inner, ok := subtree["b"].(map[string]any); !ok || inner["c"] != 9 {
		t.Fatalf("ancestor saw %v", subtree)
	}
	if len(childKeys) != 1 || childKeys[0] != "c" {
		t.Fatalf("child-changed keys = %v, want [c]", childKeys)
	}
}

func TestArrayInsertAppendAndShift(t *testing.T) {
	s := newTestStore(t, map[string]any{"inv": []any{"potion"}})

	var inserted []ArrayChange
	s.ArrayInsertedNotifier(treepath.Keys("inv")).Subscribe(func(c ArrayChange) {
		inserted = append(inserted, c)
	})

	used, err := s.ArrayInsert(treepath.Keys("inv"), "sword", 0)
	if err != nil {
		t.Fatalf("ArrayInsert append: %v", err)
	}
	if used != 2 {
		t.Fatalf("append index used = %d, want 2", used)
	}

	used, err = s.ArrayInsert(treepath.Keys("inv"), "shield", 1)
	if err != nil {
		t.Fatalf("ArrayInsert front: %v", err)
	}
	if used != 1 {
		t.Fatalf("front index used = %d, want 1", used)
	}

	got, err := s.Get(treepath.Keys("inv"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	seq := got.([]any)
	want := []any{"shield", "potion", "sword"}
	if len(seq) != len(want) {
		t.Fatalf("inv = %v, want %v", seq, want)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("inv = %v, want %v", seq, want)
		}
	}

	if len(inserted) != 2 {
		t.Fatalf("array-inserted fired %d times, want 2", len(inserted))
	}
	if inserted[0].Index != 2 || inserted[0].Value != "sword" {
		t.Fatalf("first insert event = %+v", inserted[0])
	}
	if inserted[1].Index != 1 || inserted[1].Value != "shield" {
		t.Fatalf("second insert event = %+v", inserted[1])
	}
}

func TestArrayRemove(t *testing.T) {
	s := newTestStore(t, map[string]any{"inv": []any{"potion", "sword"}})

	var removedEvents []ArrayChange
	s.ArrayRemovedNotifier(treepath.Keys("inv")).Subscribe(func(c ArrayChange) {
		removedEvents = append(removedEvents, c)
	})

	removed, err := s.ArrayRemove(treepath.Keys("inv"), 1)
	if err != nil {
		t.Fatalf("ArrayRemove: %v", err)
	}
	if removed != "potion" {
		t.Fatalf("removed = %v, want potion", removed)
	}
	if len(removedEvents) != 1 || removedEvents[0].Index != 1 || removedEvents[0].Value != "potion" {
		t.Fatalf("array-removed events = %+v", removedEvents)
	}

	got, _ := s.Get(treepath.Keys("inv"))
	seq := got.([]any)
	if len(seq) != 1 || seq[0] != "sword" {
		t.Fatalf("inv after remove = %v", seq)
	}
}

func TestArrayOpsRejectNonSequence(t *testing.T) {
	s := newTestStore(t, map[string]any{"name": "urist", "inv": []any{"potion"}})

	if _, err := s.ArrayInsert(treepath.Keys("name"), "x", 0); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("ArrayInsert on scalar err = %v", err)
	}
	if _, err := s.ArrayRemove(treepath.Keys("name"), 1); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("ArrayRemove on scalar err = %v", err)
	}
	if _, err := s.ArrayRemove(treepath.Keys("inv"), 2); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("ArrayRemove out of range err = %v", err)
	}
	if _, err := s.ArrayInsert(treepath.Keys("inv"), "x", 5); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("ArrayInsert out of range err = %v", err)
	}
}

func TestArrayInsertFiresCascadeBeforeArrayEvent(t *testing.T) {
	s := newTestStore(t, map[string]any{"inv": []any{}})

	var order []string
	s.ChangedNotifier(treepath.Keys("inv")).Subscribe(func(Change) {
		order = append(order, "changed")
	})
	s.ArrayInsertedNotifier(treepath.Keys("inv")).Subscribe(func(ArrayChange) {
		order = append(order, "inserted")
	})

	if _, err := s.ArrayInsert(treepath.Keys("inv"), "potion", 0); err != nil {
		t.Fatalf("ArrayInsert: %v", err)
	}
	if len(order) != 2 || order[0] != "changed" || order[1] != "inserted" {
		t.Fatalf("event order = %v, want [changed inserted]", order)
	}
}

func TestSameNotifierForStructurallyEqualPaths(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": map[string]any{"b": 1}})
	if s.ChangedNotifier(treepath.Parse("a.b")) != s.ChangedNotifier(treepath.Keys("a", "b")) {
		t.Fatal("structurally equal paths should share a notifier")
	}
	if s.ChangedNotifier(treepath.New(treepath.Key("a"), treepath.Index(2))) ==
		s.ChangedNotifier(treepath.Keys("a", "2")) {
		t.Fatal("index 2 and key \"2\" must not share a notifier")
	}
}

func TestReapKeepsSubscribedNotifiers(t *testing.T) {
	s := newTestStore(t, map[string]any{"a": 1})

	cancel := s.ChangedNotifier(treepath.Keys("a")).Subscribe(func(Change) {})
	s.ChangedNotifier(treepath.Keys("idle"))

	s.reapIdle()

	s.mu.Lock()
	_, keptLive := s.changed["a"]
	_, keptIdle := s.changed["idle"]
	s.mu.Unlock()
	if !keptLive {
		t.Fatal("reap removed a notifier with a live subscriber")
	}
	if keptIdle {
		t.Fatal("reap kept an idle notifier")
	}

	cancel()
	s.reapIdle()
	s.mu.Lock()
	_, kept := s.changed["a"]
	s.mu.Unlock()
	if kept {
		t.Fatal("reap kept a notifier after its last subscriber canceled")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	s := NewStore(map[string]any{"a": 1})
	s.Close()
	s.Close()
	if err := s.Set(treepath.Keys("a"), 2); !errors.Is(err, ErrClosed) {
		t.Fatalf("Set after Close err = %v, want ErrClosed", err)
	}
	if _, err := s.Get(treepath.Keys("a")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get after Close err = %v, want ErrClosed", err)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s := newTestStore(t, map[string]any{"stats": map[string]any{"hp": 10}})
	snap := s.Snapshot()
	snap["stats"].(map[string]any)["hp"] = 99
	got, _ := s.Get(treepath.Keys("stats", "hp"))
	if got != 10 {
		t.Fatalf("snapshot mutation leaked into store: hp = %v", got)
	}
}
