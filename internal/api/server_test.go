package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/ledger"
	"github.com/capitabee/donezo-sub000/internal/lifecycle"
	"github.com/capitabee/donezo-sub000/internal/sessions"
	"github.com/capitabee/donezo-sub000/internal/shift"
	"github.com/capitabee/donezo-sub000/internal/state"
	"github.com/capitabee/donezo-sub000/internal/tiers"
	"github.com/capitabee/donezo-sub000/internal/verify"
	"github.com/capitabee/donezo-sub000/pkg/donezoapi"
)

type approveAllGateway struct{}

func (approveAllGateway) Verify(context.Context, verify.Submission) (verify.Result, error) {
	return verify.Result{Approved: true, Payout: decimal.NewFromInt(10)}, nil
}

type fixedSource struct {
	defs []state.TaskDefinitionRecord
}

func (s fixedSource) Fetch(context.Context) ([]state.TaskDefinitionRecord, error) {
	return s.defs, nil
}

type testEnv struct {
	srv   *httptest.Server
	store *state.MemoryStore
	queue *state.MemoryQueue
}

// newTestEnv wires a full server over memory backends. The resolver
// treats every hour as Day so tests do not depend on the wall clock.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("DONEZO_API_TOKENS", "worker-tok:worker|user=u1|tier=Professional,admin-tok:admin|metrics")
	t.Setenv("DONEZO_ADMIN_REQUEUE_CONFIRM_TOKEN", "")

	store := state.NewMemoryStore()
	queue := state.NewMemoryQueue()
	defs := []state.TaskDefinitionRecord{
		{ID: "d1", Platform: state.PlatformYouTube, Category: "Day", Title: "like a review video", Payout: decimal.NewFromInt(65), DurationMinutes: 2, Active: true},
		{ID: "d2", Platform: state.PlatformTikTok, Category: "Day", Title: "follow a creator", Payout: decimal.NewFromInt(65), DurationMinutes: 2, Active: true},
	}
	factory := func(ctx context.Context, userID, tier string) (*lifecycle.Engine, error) {
		engine := lifecycle.New(lifecycle.Config{
			UserID:   userID,
			Tier:     tier,
			Tiers:    tiers.Default(),
			Resolver: &shift.Resolver{DayStartHour: 0, DayEndHour: 24},
			Source:   fixedSource{defs: defs},
			Store:    store,
			Queue:    queue,
			Gateway:  approveAllGateway{},
			Ledger:   ledger.NewStoreLedger(store),
		})
		if err := engine.Load(ctx); err != nil {
			return nil, err
		}
		return engine, nil
	}
	registry := sessions.NewRegistry(factory)
	t.Cleanup(registry.CloseAll)

	server := NewServer(Config{Store: store, Queue: queue, Sessions: registry})
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, queue: queue}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestWorkerSessionFlow(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/v1/sessions", "worker-tok", donezoapi.CreateSessionRequest{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: %d %s", resp.StatusCode, raw)
	}
	created := decodeInto[donezoapi.CreateSessionResponse](t, raw)
	if created.UserID != "u1" || created.Tier != "Professional" || created.TaskCount != 2 {
		t.Fatalf("created = %+v", created)
	}

	resp, raw = env.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID+"/tasks", "worker-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", resp.StatusCode, raw)
	}
	list := decodeInto[donezoapi.TaskListResponse](t, raw)
	if len(list.Tasks) != 2 || list.Tasks[0].Status != "Pending" {
		t.Fatalf("tasks = %+v", list.Tasks)
	}

	resp, raw = env.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/tasks/d1/start", "worker-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, raw)
	}
	// A second start conflicts.
	resp, _ = env.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/tasks/d1/start", "worker-tok", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double start: %d", resp.StatusCode)
	}

	resp, raw = env.do(t, http.MethodPost, "/v1/sessions/"+created.SessionID+"/tasks/d1/submit", "worker-tok",
		donezoapi.SubmitTaskRequest{EvidenceNote: "done"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", resp.StatusCode, raw)
	}
	submitted := decodeInto[donezoapi.SubmitTaskResponse](t, raw)
	if !submitted.Success || submitted.Earnings != "10.00" {
		t.Fatalf("submit outcome = %+v", submitted)
	}

	resp, raw = env.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, "worker-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", resp.StatusCode, raw)
	}
	status := decodeInto[donezoapi.SessionStatusResponse](t, raw)
	if status.Earnings != "10.00" || status.CompletedTasks != 1 || status.Counters.TotalToday != 1 {
		t.Fatalf("status = %+v", status)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/sessions/"+created.SessionID, "worker-tok", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("close: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/sessions/"+created.SessionID, "worker-tok", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("closed session status: %d", resp.StatusCode)
	}
}

func TestAuthBoundaries(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/sessions", "", donezoapi.CreateSessionRequest{UserID: "u1"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/admin/tasks", "worker-tok", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("worker on admin endpoint: %d", resp.StatusCode)
	}
	// The worker token is bound to u1 and may not open sessions for
	// other users.
	resp, _ = env.do(t, http.MethodPost, "/v1/sessions", "worker-tok", donezoapi.CreateSessionRequest{UserID: "u2"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-user session: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/metrics", "admin-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics with admin token: %d", resp.StatusCode)
	}
}

func TestAdminTaskDefinitionCRUD(t *testing.T) {
	env := newTestEnv(t)

	payload := donezoapi.TaskDefinitionPayload{
		ID: "n9", Platform: "YouTube", Category: "Night", Title: "watch a premiere",
		Payout: "130", DurationMinutes: 30, Active: true,
	}
	resp, raw := env.do(t, http.MethodPost, "/v1/admin/tasks", "admin-tok", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert: %d %s", resp.StatusCode, raw)
	}

	resp, raw = env.do(t, http.MethodGet, "/v1/admin/tasks", "admin-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, raw)
	}
	listed := decodeInto[donezoapi.ListTaskDefinitionsResponse](t, raw)
	if len(listed.Definitions) != 1 || listed.Definitions[0].ID != "n9" {
		t.Fatalf("definitions = %+v", listed.Definitions)
	}

	bad := payload
	bad.Category = "Weekend"
	resp, _ = env.do(t, http.MethodPost, "/v1/admin/tasks", "admin-tok", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad category: %d", resp.StatusCode)
	}

	bad = payload
	bad.Platform = "Facebook"
	resp, _ = env.do(t, http.MethodPost, "/v1/admin/tasks", "admin-tok", bad)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad platform: %d", resp.StatusCode)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/admin/tasks/n9", "admin-tok", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodDelete, "/v1/admin/tasks/n9", "admin-tok", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double delete: %d", resp.StatusCode)
	}
}

func TestBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/v1/admin/broadcasts", "admin-tok",
		donezoapi.BroadcastRequest{Title: "maintenance tonight", Body: "queue paused 2-3am"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create broadcast: %d %s", resp.StatusCode, raw)
	}

	resp, raw = env.do(t, http.MethodGet, "/v1/broadcasts", "worker-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list broadcasts: %d %s", resp.StatusCode, raw)
	}
	listed := decodeInto[donezoapi.ListBroadcastsResponse](t, raw)
	if len(listed.Broadcasts) != 1 || listed.Broadcasts[0].Title != "maintenance tonight" {
		t.Fatalf("broadcasts = %+v", listed.Broadcasts)
	}
}

func TestAPIKeyMintAndUse(t *testing.T) {
	env := newTestEnv(t)

	resp, raw := env.do(t, http.MethodPost, "/v1/admin/api-keys", "admin-tok",
		donezoapi.CreateAPIKeyRequest{Label: "ops dashboard", Scopes: []string{"admin", "metrics"}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", resp.StatusCode, raw)
	}
	key := decodeInto[donezoapi.APIKeyPayload](t, raw)
	if key.Token == "" {
		t.Fatal("plaintext token must be returned on creation")
	}

	// The minted token authenticates through the store.
	resp, _ = env.do(t, http.MethodGet, "/v1/admin/tasks", key.Token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("minted token on admin endpoint: %d", resp.StatusCode)
	}

	resp, raw = env.do(t, http.MethodGet, "/v1/admin/api-keys", "admin-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", resp.StatusCode, raw)
	}
	listed := decodeInto[donezoapi.ListAPIKeysResponse](t, raw)
	if len(listed.Keys) != 1 || listed.Keys[0].Token != "" {
		t.Fatalf("listing must not expose tokens: %+v", listed.Keys)
	}

	resp, _ = env.do(t, http.MethodDelete, "/v1/admin/api-keys/"+key.ID, "admin-tok", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: %d", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodGet, "/v1/admin/tasks", key.Token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("deleted token must stop working: %d", resp.StatusCode)
	}
}

func TestDeadCreditAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ref := state.CreditRef{UserID: "u1", TaskID: "d1", Amount: "65.00"}
	if err := env.queue.Enqueue(ctx, ref); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 5; i++ {
		claims, err := env.queue.Claim(ctx, 1, "test", time.Minute)
		if err != nil || len(claims) != 1 {
			t.Fatalf("claim %d: %v %d", i, err, len(claims))
		}
		if err := env.queue.Nack(ctx, claims, "error"); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}

	resp, raw := env.do(t, http.MethodGet, "/v1/admin/credits/dead-letter", "admin-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list dead: %d %s", resp.StatusCode, raw)
	}
	dead := decodeInto[donezoapi.ListDeadCreditsResponse](t, raw)
	if len(dead.Credits) != 1 || dead.Credits[0].TaskID != "d1" {
		t.Fatalf("dead credits = %+v", dead.Credits)
	}

	reqBody := donezoapi.RequeueDeadCreditsRequest{Credits: dead.Credits, DryRun: true}
	resp, raw = env.do(t, http.MethodPost, "/v1/admin/credits/dead-letter/requeue", "admin-tok", reqBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dry-run requeue: %d %s", resp.StatusCode, raw)
	}
	dry := decodeInto[donezoapi.RequeueDeadCreditsResponse](t, raw)
	if !dry.DryRun || dry.Requested != 1 || dry.Requeued != 0 {
		t.Fatalf("dry-run = %+v", dry)
	}

	reqBody.DryRun = false
	resp, raw = env.do(t, http.MethodPost, "/v1/admin/credits/dead-letter/requeue", "admin-tok", reqBody)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("requeue: %d %s", resp.StatusCode, raw)
	}
	real := decodeInto[donezoapi.RequeueDeadCreditsResponse](t, raw)
	if real.Requeued != 1 {
		t.Fatalf("requeue = %+v", real)
	}

	claims, err := env.queue.Claim(ctx, 1, "test", time.Minute)
	if err != nil || len(claims) != 1 {
		t.Fatalf("requeued credit not claimable: %v %d", err, len(claims))
	}
	if claims[0].Ref.Amount != "65.00" {
		t.Fatalf("requeued ref = %+v", claims[0].Ref)
	}
}

func TestRequeueBatchCap(t *testing.T) {
	t.Setenv("DONEZO_ADMIN_REQUEUE_MAX_BATCH", "2")
	env := newTestEnv(t)

	credits := make([]donezoapi.CreditRefPayload, 3)
	for i := range credits {
		credits[i] = donezoapi.CreditRefPayload{UserID: "u1", TaskID: fmt.Sprintf("t%d", i), Amount: "1.00"}
	}
	resp, _ := env.do(t, http.MethodPost, "/v1/admin/credits/dead-letter/requeue", "admin-tok",
		donezoapi.RequeueDeadCreditsRequest{Credits: credits})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized batch: %d", resp.StatusCode)
	}
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)

	_, _ = env.do(t, http.MethodPost, "/v1/admin/broadcasts", "admin-tok",
		donezoapi.BroadcastRequest{Title: "hello"})

	resp, raw := env.do(t, http.MethodGet, "/v1/admin/audit", "admin-tok", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d %s", resp.StatusCode, raw)
	}
	audit := decodeInto[donezoapi.ListAuditEventsResponse](t, raw)
	if audit.Returned != 1 || audit.Events[0].Action != "broadcast.create" {
		t.Fatalf("audit = %+v", audit)
	}
	if audit.Events[0].EventHash == "" {
		t.Fatal("audit events must be hash-chained")
	}

	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/v1/admin/audit?format=csv", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer admin-tok")
	csvResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	defer csvResp.Body.Close()
	if ct := csvResp.Header.Get("Content-Type"); ct != "text/csv" {
		t.Fatalf("csv content type = %q", ct)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, raw := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d %s", resp.StatusCode, raw)
	}
}
