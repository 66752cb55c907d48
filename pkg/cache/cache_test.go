package cache

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/pkg/engine"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "cache.db")
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerRequiresPath(t *testing.T) {
	if _, err := NewManager(Config{}); err == nil {
		t.Error("expected error for missing database path")
	}
}

func TestPutAndExactGet(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	payload := []byte("module cache contents")
	if err := m.Put(ctx, "go-mod-abc123", payload, "repo"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	hit, err := m.Get(ctx, "go-mod-abc123", nil, "repo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit == nil {
		t.Fatal("expected a hit for exact key")
	}
	if !hit.Exact {
		t.Error("exact lookup not flagged as exact")
	}
	if hit.Key != "go-mod-abc123" {
		t.Errorf("hit key = %q", hit.Key)
	}
	if string(hit.Payload) != string(payload) {
		t.Errorf("hit payload = %q", hit.Payload)
	}
}

func TestGetMissReturnsNilNil(t *testing.T) {
	m := newTestManager(t, Config{})

	hit, err := m.Get(context.Background(), "absent", []string{"also-absent-"}, "repo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit != nil {
		t.Errorf("expected (nil, nil) on full miss, got %+v", hit)
	}
}

func TestPutIsImmutable(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if err := m.Put(ctx, "key", []byte("first"), "repo"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// A second put for the same key is a silent no-op.
	if err := m.Put(ctx, "key", []byte("second"), "repo"); err != nil {
		t.Fatalf("repeat Put failed: %v", err)
	}

	hit, err := m.Get(ctx, "key", nil, "repo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(hit.Payload) != "first" {
		t.Errorf("payload = %q, repeat put must not overwrite", hit.Payload)
	}
}

func TestRestoreKeyPrefixNewestFirst(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if err := m.Put(ctx, "go-mod-old", []byte("old"), "repo"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := m.Put(ctx, "go-mod-new", []byte("new"), "repo"); err != nil {
		t.Fatal(err)
	}

	hit, err := m.Get(ctx, "go-mod-exact-miss", []string{"go-mod-"}, "repo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit == nil {
		t.Fatal("expected a restore-key hit")
	}
	if hit.Exact {
		t.Error("restore-key match flagged as exact")
	}
	if hit.Key != "go-mod-new" {
		t.Errorf("restore hit = %q, want the most recently created entry", hit.Key)
	}
}

func TestRestoreKeysTriedInDeclaredOrder(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if err := m.Put(ctx, "npm-cache-x", []byte("npm"), "repo"); err != nil {
		t.Fatal(err)
	}
	if err := m.Put(ctx, "go-mod-x", []byte("go"), "repo"); err != nil {
		t.Fatal(err)
	}

	hit, err := m.Get(ctx, "miss", []string{"go-mod-", "npm-cache-"}, "repo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit == nil || hit.Key != "go-mod-x" {
		t.Errorf("hit = %+v, want the first restore key to win", hit)
	}
}

func TestRestoreKeyMatchesLiteralPrefix(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if err := m.Put(ctx, "buildXcache", []byte("x"), "repo"); err != nil {
		t.Fatal(err)
	}

	// LIKE metacharacters in the restore key must not act as wildcards.
	hit, err := m.Get(ctx, "miss", []string{"build_cache"}, "repo")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit != nil {
		t.Errorf("underscore matched as a wildcard: hit %q", hit.Key)
	}
}

func TestScopeIsolation(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if err := m.Put(ctx, "shared-key", []byte("repo-level"), "repo"); err != nil {
		t.Fatal(err)
	}

	hit, err := m.Get(ctx, "shared-key", nil, "production")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if hit != nil {
		t.Error("entry leaked across scopes")
	}
}

func TestPutRejectsOversizedEntry(t *testing.T) {
	m := newTestManager(t, Config{QuotaBytes: 64})

	err := m.Put(context.Background(), "big", make([]byte, 65), "repo")
	if err == nil {
		t.Fatal("expected quota error")
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeCacheQuotaExceeded {
		t.Errorf("expected CACHE_QUOTA_EXCEEDED error, got %v", err)
	}
}

func TestQuotaEvictsLeastRecentlyUsed(t *testing.T) {
	m := newTestManager(t, Config{QuotaBytes: 100})
	ctx := context.Background()

	if err := m.Put(ctx, "a", make([]byte, 40), "repo"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := m.Put(ctx, "b", make([]byte, 40), "repo"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	// Touch a so b becomes the eviction candidate.
	if _, err := m.Get(ctx, "a", nil, "repo"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := m.Put(ctx, "c", make([]byte, 40), "repo"); err != nil {
		t.Fatal(err)
	}

	hitB, err := m.Get(ctx, "b", nil, "repo")
	if err != nil {
		t.Fatal(err)
	}
	if hitB != nil {
		t.Error("least recently used entry survived eviction")
	}
	hitA, err := m.Get(ctx, "a", nil, "repo")
	if err != nil {
		t.Fatal(err)
	}
	if hitA == nil {
		t.Error("recently used entry was evicted")
	}
}

func TestListAndDelete(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	if err := m.Put(ctx, "one", []byte("1"), "repo"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := m.Put(ctx, "two", []byte("2"), "repo"); err != nil {
		t.Fatal(err)
	}

	keys, err := m.List(ctx, "repo")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "two" || keys[1] != "one" {
		t.Errorf("keys = %v, want [two one]", keys)
	}

	if err := m.Delete(ctx, "one", "repo"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	keys, err = m.List(ctx, "repo")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "two" {
		t.Errorf("keys after delete = %v", keys)
	}
}

func TestSweepExpired(t *testing.T) {
	m := newTestManager(t, Config{Retention: 50 * time.Millisecond})
	ctx := context.Background()

	if err := m.Put(ctx, "stale", []byte("x"), "repo"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	if err := m.Put(ctx, "fresh", []byte("y"), "repo"); err != nil {
		t.Fatal(err)
	}

	deleted, err := m.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	hit, err := m.Get(ctx, "fresh", nil, "repo")
	if err != nil {
		t.Fatal(err)
	}
	if hit == nil {
		t.Error("fresh entry swept")
	}
}
