package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/ledger"
	"github.com/capitabee/donezo-sub000/internal/state"
	"github.com/capitabee/donezo-sub000/internal/tiers"
	"github.com/capitabee/donezo-sub000/internal/verify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sliceSource struct {
	defs []state.TaskDefinitionRecord
}

func (s sliceSource) Fetch(context.Context) ([]state.TaskDefinitionRecord, error) {
	return s.defs, nil
}

type fakeGateway struct {
	mu    sync.Mutex
	res   verify.Result
	err   error
	calls int
	gate  chan struct{}
}

func (g *fakeGateway) Verify(ctx context.Context, sub verify.Submission) (verify.Result, error) {
	g.mu.Lock()
	g.calls++
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return g.res, g.err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type fakeLedger struct {
	mu      sync.Mutex
	credits []ledger.Credit
	err     error
}

func (l *fakeLedger) Credit(_ context.Context, c ledger.Credit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.credits = append(l.credits, c)
	return nil
}

func (l *fakeLedger) all() []ledger.Credit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ledger.Credit, len(l.credits))
	copy(out, l.credits)
	return out
}

type fakeMirror struct {
	mu        sync.Mutex
	completed map[string]map[string]struct{}
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{completed: make(map[string]map[string]struct{})}
}

func (m *fakeMirror) MarkCompleted(_ context.Context, userID, taskID string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completed[userID] == nil {
		m.completed[userID] = make(map[string]struct{})
	}
	m.completed[userID][taskID] = struct{}{}
	return nil
}

func (m *fakeMirror) CompletedTaskIDs(_ context.Context, userID string) map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.completed[userID]))
	for id := range m.completed[userID] {
		out[id] = struct{}{}
	}
	return out
}

func (m *fakeMirror) Close() error { return nil }

type fakeMonitor struct {
	mu    sync.Mutex
	alive bool
}

func (m *fakeMonitor) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alive
}

func (m *fakeMonitor) Close() error {
	m.mu.Lock()
	m.alive = false
	m.mu.Unlock()
	return nil
}

type fakeOpener struct {
	mu       sync.Mutex
	monitors map[string]*fakeMonitor
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{monitors: make(map[string]*fakeMonitor)}
}

func (o *fakeOpener) Open(_ context.Context, def state.TaskDefinitionRecord) (Monitor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := &fakeMonitor{alive: true}
	o.monitors[def.ID] = m
	return m, nil
}

func (o *fakeOpener) monitor(id string) *fakeMonitor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.monitors[id]
}

func dayTask(id string) state.TaskDefinitionRecord {
	return state.TaskDefinitionRecord{
		ID: id, Platform: state.PlatformTikTok, Category: "Day", Title: "day task",
		Payout: decimal.NewFromInt(65), DurationMinutes: 2, Active: true,
	}
}

func nightTask(id string) state.TaskDefinitionRecord {
	return state.TaskDefinitionRecord{
		ID: id, Platform: state.PlatformYouTube, Category: "Night", Title: "night task",
		Payout: decimal.NewFromInt(130), DurationMinutes: 30, Active: true,
	}
}

func dayTime() time.Time {
	return time.Date(2025, 3, 10, 9, 0, 0, 0, time.Local)
}

func nightTime() time.Time {
	return time.Date(2025, 3, 10, 23, 0, 0, 0, time.Local)
}

type harness struct {
	engine  *Engine
	clock   *fakeClock
	gateway *fakeGateway
	ledger  *fakeLedger
	mirror  *fakeMirror
	opener  *fakeOpener
	store   *state.MemoryStore
	queue   *state.MemoryQueue
}

func newHarness(t *testing.T, at time.Time, defs ...state.TaskDefinitionRecord) *harness {
	t.Helper()
	h := &harness{
		clock:   newFakeClock(at),
		gateway: &fakeGateway{},
		ledger:  &fakeLedger{},
		mirror:  newFakeMirror(),
		opener:  newFakeOpener(),
		store:   state.NewMemoryStore(),
		queue:   state.NewMemoryQueue(),
	}
	h.engine = New(Config{
		UserID:  "u1",
		Tier:    "Professional",
		Tiers:   tiers.Default(),
		Source:  sliceSource{defs: defs},
		Store:   h.store,
		Queue:   h.queue,
		Gateway: h.gateway,
		Ledger:  h.ledger,
		Mirror:  h.mirror,
		Opener:  h.opener,
		Clock:   h.clock.Now,
	})
	if err := h.engine.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return h
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	task, ok := h.engine.Task(id)
	if !ok {
		t.Fatalf("task %s not found", id)
	}
	return task.Status
}

func TestLoadGatesByWindow(t *testing.T) {
	h := newHarness(t, dayTime(), dayTask("d1"), nightTask("n1"))
	if got := h.status(t, "d1"); got != StatusPending {
		t.Fatalf("day task at 09:00 = %s, want Pending", got)
	}
	if got := h.status(t, "n1"); got != StatusLocked {
		t.Fatalf("night task at 09:00 = %s, want Locked", got)
	}

	h2 := newHarness(t, nightTime(), dayTask("d1"), nightTask("n1"))
	if got := h2.status(t, "d1"); got != StatusLocked {
		t.Fatalf("day task at 23:00 = %s, want Locked", got)
	}
	if got := h2.status(t, "n1"); got != StatusPending {
		t.Fatalf("night task at 23:00 = %s, want Pending", got)
	}
}

func TestWindowSweepReGates(t *testing.T) {
	h := newHarness(t, dayTime(), dayTask("d1"), nightTask("n1"))
	// 09:00 -> 23:00
	h.clock.Advance(14 * time.Hour)
	h.engine.ApplyWindows(h.clock.Now())
	if got := h.status(t, "d1"); got != StatusLocked {
		t.Fatalf("day task after window close = %s, want Locked", got)
	}
	if got := h.status(t, "n1"); got != StatusPending {
		t.Fatalf("night task after window open = %s, want Pending", got)
	}
}

func TestDayTaskAutoCompletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, dayTime(), dayTask("d1"))
	if err := h.engine.StartTask(ctx, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(119 * time.Second)
	h.engine.SweepProgress(ctx)
	if got := h.status(t, "d1"); got != StatusInProgress {
		t.Fatalf("at 119s = %s, want InProgress", got)
	}
	h.clock.Advance(2 * time.Second)
	h.engine.SweepProgress(ctx)
	if got := h.status(t, "d1"); got != StatusCompleted {
		t.Fatalf("at 121s = %s, want Completed", got)
	}
	credits := h.ledger.all()
	if len(credits) != 1 {
		t.Fatalf("credits = %d, want 1", len(credits))
	}
	if !credits[0].Amount.Equal(decimal.NewFromInt(65)) {
		t.Fatalf("credit amount = %s, want nominal 65", credits[0].Amount)
	}
	if _, ok := h.mirror.CompletedTaskIDs(ctx, "u1")["d1"]; !ok {
		t.Fatal("completion must be mirrored")
	}
	if h.gateway.callCount() != 0 {
		t.Fatal("day auto-complete must not call the verification gateway")
	}
}

func TestNightTaskFailsOnEarlyClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(time.Minute)
	h.opener.monitor("n1").Close()
	h.engine.SweepProgress(ctx)
	if got := h.status(t, "n1"); got != StatusFailed {
		t.Fatalf("after early close = %s, want Failed", got)
	}
	if len(h.ledger.all()) != 0 {
		t.Fatal("failed task must not be credited")
	}
}

func TestNightTaskReachesAwaitingSubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	h.engine.SweepProgress(ctx)
	if got := h.status(t, "n1"); got != StatusAwaitingSubmission {
		t.Fatalf("after dwell = %s, want AwaitingSubmission", got)
	}
	if h.opener.monitor("n1").IsAlive() {
		t.Fatal("monitor should be closed once dwell elapsed")
	}
}

func TestSubmitApprovedUsesGatewayPayout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	h.gateway.res = verify.Result{Approved: true, Payout: decimal.NewFromInt(150)}
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	h.engine.SweepProgress(ctx)

	out, err := h.engine.SubmitTask(ctx, "n1", "finished the review", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("outcome = %s, want Completed", out.Status)
	}
	if !out.Earned.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("earned = %s, want gateway payout 150", out.Earned)
	}
	credits := h.ledger.all()
	if len(credits) != 1 || !credits[0].Amount.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("credits = %+v", credits)
	}
}

func TestSubmitRejectedReturnsToPendingWithFlag(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	h.gateway.res = verify.Result{Approved: false, Reason: "dwell ratio 0.50 below 0.80"}
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(15 * time.Minute)

	out, err := h.engine.SubmitTask(ctx, "n1", "", "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != StatusPending || !out.NeedsReview {
		t.Fatalf("outcome = %+v, want Pending with needs-review", out)
	}
	task, _ := h.engine.Task("n1")
	if !task.NeedsReview {
		t.Fatal("task should carry the needs-review flag")
	}
	if len(h.ledger.all()) != 0 {
		t.Fatal("rejected submission must not be credited")
	}
}

func TestSubmitFailsOpenWhenGatewayDown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	h.gateway.err = errors.New("connection refused")
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	h.engine.SweepProgress(ctx)

	out, err := h.engine.SubmitTask(ctx, "n1", "", "")
	if err != nil {
		t.Fatalf("submit must not surface gateway errors: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("outcome = %s, want Completed on fail-open", out.Status)
	}
	if !out.Earned.Equal(decimal.NewFromInt(130)) {
		t.Fatalf("earned = %s, want nominal 130", out.Earned)
	}
}

func TestDoubleSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	h.gateway.res = verify.Result{Approved: true, Payout: decimal.NewFromInt(150)}
	h.gateway.gate = make(chan struct{})
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(31 * time.Minute)
	h.engine.SweepProgress(ctx)

	done := make(chan SubmitOutcome, 1)
	go func() {
		out, err := h.engine.SubmitTask(ctx, "n1", "", "")
		if err != nil {
			t.Errorf("first submit: %v", err)
		}
		done <- out
	}()

	// Wait until the first submission holds the verifying lock.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s := h.status(t, "n1"); s == StatusVerifying {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first submit never reached Verifying")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, err := h.engine.SubmitTask(ctx, "n1", "", "")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.Status != StatusVerifying {
		t.Fatalf("second submit status = %s, want Verifying", second.Status)
	}

	close(h.gateway.gate)
	first := <-done
	if first.Status != StatusCompleted {
		t.Fatalf("first submit status = %s, want Completed", first.Status)
	}
	if h.gateway.callCount() != 1 {
		t.Fatalf("gateway calls = %d, want 1", h.gateway.callCount())
	}
	if len(h.ledger.all()) != 1 {
		t.Fatalf("credits = %d, want 1", len(h.ledger.all()))
	}
}

func TestLedgerFailureQueuesCredit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, dayTime(), dayTask("d1"))
	h.ledger.err = errors.New("ledger down")
	if err := h.engine.StartTask(ctx, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(3 * time.Minute)
	h.engine.SweepProgress(ctx)

	if got := h.status(t, "d1"); got != StatusCompleted {
		t.Fatalf("status = %s, want Completed despite ledger failure", got)
	}
	claims, err := h.queue.Claim(ctx, 10, "test", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("queued credits = %d, want 1", len(claims))
	}
	ref := claims[0].Ref
	if ref.UserID != "u1" || ref.TaskID != "d1" || ref.Amount != "65.00" {
		t.Fatalf("queued ref = %+v", ref)
	}
}

func TestTerminalStatesSurviveReGating(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, dayTime(), dayTask("d1"))
	if err := h.engine.StartTask(ctx, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(3 * time.Minute)
	h.engine.SweepProgress(ctx)
	if got := h.status(t, "d1"); got != StatusCompleted {
		t.Fatalf("status = %s", got)
	}
	h.clock.Advance(20 * time.Hour)
	h.engine.ApplyWindows(h.clock.Now())
	if got := h.status(t, "d1"); got != StatusCompleted {
		t.Fatalf("completed task re-gated to %s", got)
	}
}

func TestCompletionSurvivesReload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, dayTime(), dayTask("d1"), dayTask("d2"))
	if err := h.engine.StartTask(ctx, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(3 * time.Minute)
	h.engine.SweepProgress(ctx)

	// Fresh engine, same mirror, empty store history.
	reloaded := New(Config{
		UserID:  "u1",
		Tier:    "Professional",
		Tiers:   tiers.Default(),
		Source:  sliceSource{defs: []state.TaskDefinitionRecord{dayTask("d1"), dayTask("d2")}},
		Store:   state.NewMemoryStore(),
		Gateway: h.gateway,
		Ledger:  h.ledger,
		Mirror:  h.mirror,
		Clock:   h.clock.Now,
	})
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	task, ok := reloaded.Task("d1")
	if !ok || task.Status != StatusCompleted {
		t.Fatalf("d1 after reload = %+v", task)
	}
	other, _ := reloaded.Task("d2")
	if other.Status != StatusPending {
		t.Fatalf("d2 after reload = %s, want Pending", other.Status)
	}
}

func TestFailTaskAbandons(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.FailTask(ctx, "n1", ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if got := h.status(t, "n1"); got != StatusFailed {
		t.Fatalf("status = %s, want Failed", got)
	}
	// Failing again is a no-op.
	if err := h.engine.FailTask(ctx, "n1", ""); err != nil {
		t.Fatalf("second fail: %v", err)
	}
}

func TestStartTimeClearedOnTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, dayTime(), dayTask("d1"))
	if err := h.engine.StartTask(ctx, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(121 * time.Second)
	h.engine.SweepProgress(ctx)
	task, _ := h.engine.Task("d1")
	if task.Status != StatusCompleted {
		t.Fatalf("status = %s, want Completed", task.Status)
	}
	if !task.StartedAt.IsZero() {
		t.Fatalf("completed task keeps start time %s", task.StartedAt)
	}
	// The durable record still carries the start time.
	recs, err := h.store.ListCompletionsByUser(ctx, "u1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("completions = %d err=%v", len(recs), err)
	}
	if recs[0].StartedAt.IsZero() {
		t.Fatal("completion record lost its start time")
	}

	h2 := newHarness(t, nightTime(), nightTask("n1"))
	if err := h2.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h2.engine.FailTask(ctx, "n1", ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	task, _ = h2.engine.Task("n1")
	if task.Status != StatusFailed {
		t.Fatalf("status = %s, want Failed", task.Status)
	}
	if !task.StartedAt.IsZero() {
		t.Fatalf("failed task keeps start time %s", task.StartedAt)
	}
}

func TestFailedTaskCannotBeCompletedLate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nightTime(), nightTask("n1"))
	if err := h.engine.StartTask(ctx, "n1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.FailTask(ctx, "n1", ""); err != nil {
		t.Fatalf("fail: %v", err)
	}
	// A verification resolving after the task already failed must not
	// resurrect it.
	h.engine.complete(ctx, "n1", decimal.NewFromInt(130), false, "approved")
	if got := h.status(t, "n1"); got != StatusFailed {
		t.Fatalf("status = %s, want Failed", got)
	}
	if len(h.ledger.all()) != 0 {
		t.Fatal("failed task must not be credited")
	}
	if !h.engine.Earned().IsZero() {
		t.Fatalf("earned = %s, want 0", h.engine.Earned())
	}
}

func TestStartRequiresPending(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, dayTime(), dayTask("d1"), nightTask("n1"))
	if err := h.engine.StartTask(ctx, "n1"); !errors.Is(err, ErrNotStartable) {
		t.Fatalf("starting locked task: %v", err)
	}
	if err := h.engine.StartTask(ctx, "missing"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("starting unknown task: %v", err)
	}
	if err := h.engine.StartTask(ctx, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.engine.StartTask(ctx, "d1"); !errors.Is(err, ErrNotStartable) {
		t.Fatalf("double start: %v", err)
	}
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, dayTime(), dayTask("d1"), dayTask("d2"), dayTask("d3"), nightTask("n1"))
	if err := h.engine.StartTask(ctx, "d1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(3 * time.Minute)
	h.engine.SweepProgress(ctx)
	if err := h.engine.StartTask(ctx, "d2"); err != nil {
		t.Fatalf("start d2: %v", err)
	}
	c := h.engine.Counters()
	if c.InProgress != 1 || c.PendingAvailability != 1 || c.TotalToday != 1 {
		t.Fatalf("counters = %+v", c)
	}
	if !h.engine.Earned().Equal(decimal.NewFromInt(65)) {
		t.Fatalf("earned = %s", h.engine.Earned())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, dayTime(), dayTask("d1"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.engine.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
