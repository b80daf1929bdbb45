// Package tasksource supplies the catalog of workable task
// definitions. Sources are chained so the engine still boots when the
// remote catalog or the store is down.
package tasksource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/capitabee/donezo-sub000/internal/state"
)

type Source interface {
	Fetch(ctx context.Context) ([]state.TaskDefinitionRecord, error)
}

type HTTPSource struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPSource(endpoint, token string) *HTTPSource {
	return &HTTPSource{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: 8 * time.Second},
	}
}

func (s *HTTPSource) Fetch(ctx context.Context) ([]state.TaskDefinitionRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/v1/task-definitions", nil)
	if err != nil {
		return nil, err
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("task catalog returned %d: %s", resp.StatusCode, string(snippet))
	}
	var payload struct {
		Tasks []state.TaskDefinitionRecord `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode task catalog: %w", err)
	}
	return payload.Tasks, nil
}

// StoreSource serves definitions already persisted by operators through
// the admin API.
type StoreSource struct {
	store state.Store
}

func NewStoreSource(store state.Store) *StoreSource {
	return &StoreSource{store: store}
}

func (s *StoreSource) Fetch(ctx context.Context) ([]state.TaskDefinitionRecord, error) {
	defs, err := s.store.ListTaskDefinitions(ctx, true)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("store has no active task definitions")
	}
	return defs, nil
}

// Fallback tries each source in order and returns the first non-empty
// catalog. Failures short of the last source are logged and skipped.
type Fallback struct {
	sources []Source
}

func NewFallback(sources ...Source) *Fallback {
	return &Fallback{sources: sources}
}

func (f *Fallback) Fetch(ctx context.Context) ([]state.TaskDefinitionRecord, error) {
	var lastErr error
	for i, src := range f.sources {
		defs, err := src.Fetch(ctx)
		if err != nil {
			lastErr = err
			if i < len(f.sources)-1 {
				log.Printf("tasksource: source %d failed err=%v; falling back", i, err)
			}
			continue
		}
		if len(defs) == 0 {
			continue
		}
		return defs, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("no task source produced a catalog")
}
