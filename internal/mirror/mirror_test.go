package mirror

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func TestMirrorSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")

	m, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.MarkCompleted(ctx, "u1", "t1", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := m.MarkCompleted(ctx, "u1", "t1", time.Now()); err != nil {
		t.Fatalf("duplicate mark: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer m2.Close()

	ids := m2.CompletedTaskIDs(ctx, "u1")
	if _, ok := ids["t1"]; !ok {
		t.Fatal("t1 should survive reopen")
	}
	if len(ids) != 1 {
		t.Fatalf("got %d ids, want 1", len(ids))
	}
	if len(m2.CompletedTaskIDs(ctx, "u2")) != 0 {
		t.Fatal("u2 should have no completions")
	}
}

func TestMirrorReadAfterCloseIsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mirror.db")
	m, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.MarkCompleted(ctx, "u1", "t1", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	_ = m.Close()
	if got := m.CompletedTaskIDs(ctx, "u1"); len(got) != 0 {
		t.Fatalf("closed mirror should read as empty, got %d ids", len(got))
	}
}
