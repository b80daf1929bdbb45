package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type MemoryStore struct {
	mu          sync.Mutex
	users       map[string]UserRecord
	definitions map[string]TaskDefinitionRecord
	completions map[string]map[string]CompletionRecord
	ledger      []LedgerEntryRecord
	ledgerKeys  map[string]struct{}
	broadcasts  []BroadcastRecord
	apiKeys     map[string]APIKeyRecord
	audits      []AuditEventRecord
	nextID      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:       make(map[string]UserRecord),
		definitions: make(map[string]TaskDefinitionRecord),
		completions: make(map[string]map[string]CompletionRecord),
		ledger:      make([]LedgerEntryRecord, 0, 128),
		ledgerKeys:  make(map[string]struct{}),
		broadcasts:  make([]BroadcastRecord, 0, 32),
		apiKeys:     make(map[string]APIKeyRecord),
		audits:      make([]AuditEventRecord, 0, 128),
		nextID:      1,
	}
}

func (m *MemoryStore) UpsertUser(_ context.Context, user UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.users[user.ID]; ok {
		user.CreatedAt = existing.CreatedAt
	} else if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	m.users[user.ID] = user
	return nil
}

func (m *MemoryStore) GetUser(_ context.Context, userID string) (UserRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return u, ok, nil
}

func (m *MemoryStore) AdjustUserEarnings(_ context.Context, userID string, delta decimal.Decimal, completedDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	if u.ID == "" {
		u.ID = userID
		u.Tier = "Basic"
		u.CreatedAt = time.Now().UTC()
	}
	u.Earnings = u.Earnings.Add(delta)
	u.CompletedTasks += completedDelta
	u.UpdatedAt = time.Now().UTC()
	m.users[userID] = u
	return nil
}

func (m *MemoryStore) UpsertTaskDefinition(_ context.Context, def TaskDefinitionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.definitions[def.ID]; ok {
		def.CreatedAt = existing.CreatedAt
	} else if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	m.definitions[def.ID] = def
	return nil
}

func (m *MemoryStore) GetTaskDefinition(_ context.Context, defID string) (TaskDefinitionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.definitions[defID]
	return d, ok, nil
}

func (m *MemoryStore) ListTaskDefinitions(_ context.Context, activeOnly bool) ([]TaskDefinitionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TaskDefinitionRecord, 0, len(m.definitions))
	for _, d := range m.definitions {
		if activeOnly && !d.Active {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteTaskDefinition(_ context.Context, defID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.definitions[defID]; !ok {
		return false, nil
	}
	delete(m.definitions, defID)
	return true, nil
}

func (m *MemoryStore) CountActiveTaskDefinitions(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, d := range m.definitions {
		if d.Active {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) UpsertCompletion(_ context.Context, rec CompletionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTask, ok := m.completions[rec.UserID]
	if !ok {
		byTask = make(map[string]CompletionRecord)
		m.completions[rec.UserID] = byTask
	}
	byTask[rec.TaskID] = rec
	return nil
}

func (m *MemoryStore) ListCompletionsByUser(_ context.Context, userID string) ([]CompletionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTask := m.completions[userID]
	out := make([]CompletionRecord, 0, len(byTask))
	for _, rec := range byTask {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (m *MemoryStore) AppendLedgerEntry(_ context.Context, entry LedgerEntryRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entry.UserID + "|" + entry.TaskID
	if _, ok := m.ledgerKeys[key]; ok {
		return false, nil
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.ledgerKeys[key] = struct{}{}
	m.ledger = append(m.ledger, entry)
	return true, nil
}

func (m *MemoryStore) ListLedgerEntriesByUser(_ context.Context, userID string) ([]LedgerEntryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LedgerEntryRecord, 0, 16)
	for _, e := range m.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendBroadcast(_ context.Context, rec BroadcastRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.broadcasts = append(m.broadcasts, rec)
	return nil
}

func (m *MemoryStore) ListBroadcasts(_ context.Context, limit int) ([]BroadcastRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > len(m.broadcasts) {
		limit = len(m.broadcasts)
	}
	// Newest first for the console feed.
	out := make([]BroadcastRecord, 0, limit)
	for i := len(m.broadcasts) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.broadcasts[i])
	}
	return out, nil
}

func (m *MemoryStore) UpsertAPIKey(_ context.Context, rec APIKeyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.apiKeys[rec.ID] = rec
	return nil
}

func (m *MemoryStore) ListAPIKeys(_ context.Context) ([]APIKeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]APIKeyRecord, 0, len(m.apiKeys))
	for _, k := range m.apiKeys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteAPIKey(_ context.Context, keyID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apiKeys[keyID]; !ok {
		return false, nil
	}
	delete(m.apiKeys, keyID)
	return true, nil
}

func (m *MemoryStore) AppendAuditEvent(_ context.Context, event AuditEventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(m.audits) > 0 {
		event.PrevHash = m.audits[len(m.audits)-1].EventHash
	}
	event.EventHash = computeAuditHash(event)
	event.ID = m.nextID
	m.nextID++
	m.audits = append(m.audits, event)
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, query AuditQuery) ([]AuditEventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := query.Limit
	offset := query.Offset
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	filtered := make([]AuditEventRecord, 0, len(m.audits))
	for _, a := range m.audits {
		if query.Action != "" && a.Action != query.Action {
			continue
		}
		if query.Actor != "" && a.Actor != query.Actor {
			continue
		}
		if query.UserID != "" && a.UserID != query.UserID {
			continue
		}
		if query.Result != "" && a.Result != query.Result {
			continue
		}
		if !query.From.IsZero() && a.CreatedAt.Before(query.From) {
			continue
		}
		if !query.To.IsZero() && a.CreatedAt.After(query.To) {
			continue
		}
		filtered = append(filtered, a)
	}
	if offset > len(filtered) {
		offset = len(filtered)
	}
	items := filtered[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	out := make([]AuditEventRecord, 0, len(items))
	// Newest first for operator-facing endpoint.
	for i := len(items) - 1; i >= 0; i-- {
		out = append(out, items[i])
	}
	return out, nil
}

func computeAuditHash(event AuditEventRecord) string {
	payload := map[string]any{
		"action":       event.Action,
		"actor":        event.Actor,
		"user_id":      event.UserID,
		"remote_addr":  event.RemoteAddr,
		"resource":     event.Resource,
		"payload_hash": event.PayloadHash,
		"prev_hash":    event.PrevHash,
		"requested":    event.Requested,
		"result":       event.Result,
		"details":      event.Details,
		"created_at":   event.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
