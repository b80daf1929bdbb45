package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/lifecycle"
	"github.com/capitabee/donezo-sub000/internal/state"
	"github.com/capitabee/donezo-sub000/internal/tiers"
)

func testFactory(t *testing.T) Factory {
	t.Helper()
	return func(ctx context.Context, userID, tier string) (*lifecycle.Engine, error) {
		store := state.NewMemoryStore()
		err := store.UpsertTaskDefinition(ctx, state.TaskDefinitionRecord{
			ID: "d1", Category: "Day", Payout: decimal.NewFromInt(65), DurationMinutes: 2, Active: true,
		})
		if err != nil {
			return nil, err
		}
		engine := lifecycle.New(lifecycle.Config{
			UserID: userID,
			Tier:   tier,
			Tiers:  tiers.Default(),
			Source: storeSource{store: store},
			Store:  store,
		})
		if err := engine.Load(ctx); err != nil {
			return nil, err
		}
		return engine, nil
	}
}

type storeSource struct {
	store state.Store
}

func (s storeSource) Fetch(ctx context.Context) ([]state.TaskDefinitionRecord, error) {
	return s.store.ListTaskDefinitions(ctx, true)
}

func TestOpenIsPerUserSingleton(t *testing.T) {
	r := NewRegistry(testFactory(t))
	defer r.CloseAll()

	s1, err := r.Open(context.Background(), "u1", "Basic")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s2, err := r.Open(context.Background(), "u1", "Basic")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s1.ID != s2.ID {
		t.Fatalf("reopen created a new session: %s vs %s", s1.ID, s2.ID)
	}
	s3, err := r.Open(context.Background(), "u2", "Expert")
	if err != nil {
		t.Fatalf("open u2: %v", err)
	}
	if s3.ID == s1.ID {
		t.Fatal("distinct users must get distinct sessions")
	}
	if r.Count() != 2 {
		t.Fatalf("count = %d, want 2", r.Count())
	}
}

func TestCloseRemovesSession(t *testing.T) {
	r := NewRegistry(testFactory(t))
	defer r.CloseAll()

	s, err := r.Open(context.Background(), "u1", "Basic")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := r.Close(s.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := r.Get(s.ID); ok {
		t.Fatal("closed session still retrievable")
	}
	if err := r.Close(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double close: %v", err)
	}

	// Closing frees the per-user slot for a fresh session.
	s2, err := r.Open(context.Background(), "u1", "Basic")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.ID == s.ID {
		t.Fatal("reopen after close should mint a new session")
	}
}

func TestFactoryErrorPropagates(t *testing.T) {
	boom := errors.New("catalog down")
	r := NewRegistry(func(context.Context, string, string) (*lifecycle.Engine, error) {
		return nil, boom
	})
	if _, err := r.Open(context.Background(), "u1", "Basic"); !errors.Is(err, boom) {
		t.Fatalf("open: %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("failed open must not register a session")
	}
}
