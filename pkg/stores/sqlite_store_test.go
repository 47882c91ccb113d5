package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return store
}

func newAttempt(id, pkg string, started time.Time, exit int) *Attempt {
	return &Attempt{
		ID:          id,
		PackagePath: pkg,
		Version:     3,
		ExitCode:    exit,
		ErrorCode:   -1,
		CauseCode:   -1,
		StartedAt:   started,
		FinishedAt:  started.Add(2 * time.Second),
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestStoreLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.db")
	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestMigrateBeforeInit(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: MemoryPath})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Migrate(context.Background()); err == nil {
		t.Fatal("expected error migrating an uninitialized store")
	}
	if err := store.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected health check to fail before init")
	}
}

func TestRecordAndGetAttempt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	want := newAttempt("a-1", "/data/ota/update.zip", started, 7)
	want.Retry = true
	want.ErrorCode = 25
	want.CauseCode = 202
	want.RetryRequested = true
	want.ErrorMessage = "E25: write failed\nsecond line"

	if err := store.RecordAttempt(ctx, want); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	got, err := store.GetAttempt(ctx, "a-1")
	if err != nil {
		t.Fatalf("GetAttempt failed: %v", err)
	}

	if got.PackagePath != want.PackagePath || got.Version != 3 || !got.Retry {
		t.Errorf("got %+v", got)
	}
	if got.ExitCode != 7 || got.ErrorCode != 25 || got.CauseCode != 202 || !got.RetryRequested {
		t.Errorf("codes = exit %d error %d cause %d retry %v", got.ExitCode, got.ErrorCode, got.CauseCode, got.RetryRequested)
	}
	if got.ErrorMessage != want.ErrorMessage {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("started at = %v, want %v", got.StartedAt, started)
	}
	if got.Duration() != 2*time.Second {
		t.Errorf("duration = %v, want 2s", got.Duration())
	}
	if got.Succeeded() {
		t.Error("exit 7 should not be a success")
	}
}

func TestGetAttemptNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetAttempt(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordAttemptRequiresID(t *testing.T) {
	store := setupTestStore(t)
	if err := store.RecordAttempt(context.Background(), &Attempt{}); err == nil {
		t.Fatal("expected error for attempt without ID")
	}
}

func TestListAttempts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a-1", "a-2", "a-3"} {
		if err := store.RecordAttempt(ctx, newAttempt(id, "/pkg.zip", base.Add(time.Duration(i)*time.Minute), 0)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		limit   int
		wantIDs []string
	}{
		{0, []string{"a-3", "a-2", "a-1"}},
		{2, []string{"a-3", "a-2"}},
		{10, []string{"a-3", "a-2", "a-1"}},
	}
	for _, tt := range tests {
		attempts, err := store.ListAttempts(ctx, tt.limit)
		if err != nil {
			t.Fatalf("ListAttempts(%d) failed: %v", tt.limit, err)
		}
		if len(attempts) != len(tt.wantIDs) {
			t.Fatalf("ListAttempts(%d) returned %d attempts, want %d", tt.limit, len(attempts), len(tt.wantIDs))
		}
		for i, a := range attempts {
			if a.ID != tt.wantIDs[i] {
				t.Errorf("ListAttempts(%d)[%d] = %s, want %s", tt.limit, i, a.ID, tt.wantIDs[i])
			}
		}
	}
}

func TestLastAttempt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []*Attempt{
		newAttempt("a-1", "/one.zip", base, 7),
		newAttempt("a-2", "/one.zip", base.Add(time.Minute), 0),
		newAttempt("a-3", "/two.zip", base.Add(2*time.Minute), 3),
	}
	for _, a := range records {
		if err := store.RecordAttempt(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	last, err := store.LastAttempt(ctx, "/one.zip")
	if err != nil {
		t.Fatalf("LastAttempt failed: %v", err)
	}
	if last.ID != "a-2" || !last.Succeeded() {
		t.Errorf("last attempt = %s (exit %d), want a-2", last.ID, last.ExitCode)
	}

	if _, err := store.LastAttempt(ctx, "/three.zip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
