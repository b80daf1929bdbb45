package tasksource

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/state"
)

func TestStaticCatalogShape(t *testing.T) {
	defs, err := NewStatic().Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	day, night := 0, 0
	for _, d := range defs {
		switch d.Category {
		case "Day":
			day++
			if d.DurationMinutes != 2 {
				t.Fatalf("day task %s duration = %d", d.ID, d.DurationMinutes)
			}
		case "Night":
			night++
			if d.DurationMinutes != 30 {
				t.Fatalf("night task %s duration = %d", d.ID, d.DurationMinutes)
			}
		default:
			t.Fatalf("unexpected category %q", d.Category)
		}
		if !d.Active {
			t.Fatalf("static task %s must be active", d.ID)
		}
		if !state.ValidPlatform(d.Platform) {
			t.Fatalf("static task %s platform = %q", d.ID, d.Platform)
		}
	}
	if day != 5 || night != 5 {
		t.Fatalf("catalog = %d day + %d night, want 5 + 5", day, night)
	}
}

func TestHTTPSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/task-definitions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tasks": []state.TaskDefinitionRecord{
				{ID: "remote-1", Category: "Day", Payout: decimal.NewFromInt(10), DurationMinutes: 2, Active: true},
			},
		})
	}))
	defer srv.Close()

	defs, err := NewHTTPSource(srv.URL, "").Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "remote-1" {
		t.Fatalf("unexpected catalog %+v", defs)
	}
}

func TestFallbackSkipsFailingSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := state.NewMemoryStore()
	chain := NewFallback(NewHTTPSource(srv.URL, ""), NewStoreSource(store), NewStatic())
	defs, err := chain.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(defs) != 10 {
		t.Fatalf("expected static catalog of 10, got %d", len(defs))
	}
}

func TestFallbackPrefersStoreOverStatic(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	err := store.UpsertTaskDefinition(ctx, state.TaskDefinitionRecord{
		ID: "op-1", Category: "Day", Payout: decimal.NewFromInt(20), DurationMinutes: 2, Active: true,
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	chain := NewFallback(NewStoreSource(store), NewStatic())
	defs, err := chain.Fetch(ctx)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(defs) != 1 || defs[0].ID != "op-1" {
		t.Fatalf("expected operator catalog, got %+v", defs)
	}
}
