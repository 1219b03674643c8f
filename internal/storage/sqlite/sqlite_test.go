package sqlite

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	store, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConsumeWindow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	consumed, resetIn, first, err := store.Consume(ctx, "route:1.2.3.4", 1, time.Minute)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if consumed != 1 || !first {
		t.Errorf("first consume = (%d, first=%v), want (1, true)", consumed, first)
	}
	if resetIn <= 0 || resetIn > time.Minute {
		t.Errorf("resetIn = %v", resetIn)
	}

	consumed, _, first, err = store.Consume(ctx, "route:1.2.3.4", 2, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 3 || first {
		t.Errorf("second consume = (%d, first=%v), want (3, false)", consumed, first)
	}
}

func TestConsumeKeyIsolation(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	store.Consume(ctx, "a", 5, time.Minute)
	consumed, _, _, err := store.Consume(ctx, "b", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 1 {
		t.Errorf("consumed for b = %d, want 1", consumed)
	}
}

func TestConsumeWindowExpiry(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	store.Consume(ctx, "k", 5, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	consumed, _, first, err := store.Consume(ctx, "k", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 1 || !first {
		t.Errorf("post-expiry consume = (%d, first=%v), want (1, true)", consumed, first)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	store.Consume(ctx, "k", 5, time.Minute)
	if err := store.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	consumed, _, first, err := store.Consume(ctx, "k", 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 1 || !first {
		t.Errorf("consume after reset = (%d, first=%v), want (1, true)", consumed, first)
	}
}

func TestEvictExpired(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	store.Consume(ctx, "dead", 1, 5*time.Millisecond)
	store.Consume(ctx, "live", 1, time.Hour)
	time.Sleep(10 * time.Millisecond)

	n, err := store.EvictExpired(ctx)
	if err != nil {
		t.Fatalf("EvictExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("evicted = %d, want 1", n)
	}

	// The live window is untouched.
	consumed, _, _, err := store.Consume(ctx, "live", 1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 2 {
		t.Errorf("live consumed = %d, want 2", consumed)
	}
}

func TestWindowSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := t.TempDir() + "/test.db"
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, _, err := store.Consume(ctx, "k", 5, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	consumed, _, first, err := store.Consume(ctx, "k", 1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if consumed != 6 || first {
		t.Errorf("consume after reopen = (%d, first=%v), want (6, false)", consumed, first)
	}
}

func TestPing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
