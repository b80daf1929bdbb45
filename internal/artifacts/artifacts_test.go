package artifacts

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestLocalStorePut(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ref, err := s.Put(context.Background(), "u1/t1/note.txt", []byte("observed the stream"), "text/plain")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(ref, "file://") {
		t.Fatalf("ref = %q", ref)
	}
	data, err := os.ReadFile(strings.TrimPrefix(ref, "file://"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "observed the stream" {
		t.Fatalf("data = %q", data)
	}
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Put(context.Background(), "../escape.txt", []byte("x"), ""); err == nil {
		t.Fatal("expected traversal key to be rejected")
	}
	if _, err := s.Put(context.Background(), "/abs.txt", []byte("x"), ""); err == nil {
		t.Fatal("expected absolute key to be rejected")
	}
}
