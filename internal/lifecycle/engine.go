// Package lifecycle runs the task state machine for one worker
// session: window gating, dwell tracking, submission verification,
// and crediting.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/ledger"
	"github.com/capitabee/donezo-sub000/internal/mirror"
	"github.com/capitabee/donezo-sub000/internal/observability"
	"github.com/capitabee/donezo-sub000/internal/shift"
	"github.com/capitabee/donezo-sub000/internal/state"
	"github.com/capitabee/donezo-sub000/internal/tasksource"
	"github.com/capitabee/donezo-sub000/internal/tiers"
	"github.com/capitabee/donezo-sub000/internal/verify"
)

var (
	ErrUnknownTask   = errors.New("unknown task")
	ErrNotStartable  = errors.New("task is not startable")
	ErrNotSubmitable = errors.New("task has no submission pending")
)

const (
	windowSweepInterval   = 60 * time.Second
	progressSweepInterval = time.Second
	gaugeInterval         = time.Second
)

type Config struct {
	UserID   string
	Tier     string
	Tiers    tiers.Config
	Resolver *shift.Resolver
	Source   tasksource.Source
	Store    state.Store
	Queue    state.Queue
	Gateway  verify.Gateway
	Ledger   ledger.Ledger
	Mirror   mirror.Mirror
	Opener   Opener
	Clock    func() time.Time
}

type Engine struct {
	mu       sync.Mutex
	cfg      Config
	tasks    map[string]*Task
	order    []string
	monitors map[string]Monitor
	earned   decimal.Decimal
}

func New(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Opener == nil {
		cfg.Opener = NoopOpener{}
	}
	if cfg.Mirror == nil {
		cfg.Mirror = mirror.Noop{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &shift.Resolver{
			DayStartHour: cfg.Tiers.Window.DayStartHour,
			DayEndHour:   cfg.Tiers.Window.DayEndHour,
		}
	}
	return &Engine{
		cfg:      cfg,
		tasks:    make(map[string]*Task),
		monitors: make(map[string]Monitor),
		earned:   decimal.Zero,
	}
}

// Load builds the session's task table from the catalog, then overlays
// prior completions from the store and the local mirror. Terminal
// facts always win over window gating.
func (e *Engine) Load(ctx context.Context) error {
	defs, err := e.cfg.Source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch task catalog: %w", err)
	}
	completions := map[string]state.CompletionRecord{}
	if recs, err := e.cfg.Store.ListCompletionsByUser(ctx, e.cfg.UserID); err != nil {
		log.Printf("lifecycle: list completions user=%s err=%v; continuing without store history", e.cfg.UserID, err)
	} else {
		for _, rec := range recs {
			completions[rec.TaskID] = rec
		}
	}
	mirrored := e.cfg.Mirror.CompletedTaskIDs(ctx, e.cfg.UserID)

	now := e.cfg.Clock()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = make(map[string]*Task, len(defs))
	e.order = e.order[:0]
	for _, def := range defs {
		t := &Task{Def: def, Status: StatusLocked, Earned: decimal.Zero}
		if e.cfg.Resolver.ActiveFor(def.Category, now) {
			t.Status = StatusPending
		}
		if rec, ok := completions[def.ID]; ok {
			switch Status(rec.Status) {
			case StatusCompleted:
				t.Status = StatusCompleted
				t.FinishedAt = rec.CompletedAt
			case StatusFailed:
				t.Status = StatusFailed
				t.FinishedAt = rec.CompletedAt
			}
		}
		if _, ok := mirrored[def.ID]; ok {
			t.Status = StatusCompleted
		}
		e.tasks[def.ID] = t
		e.order = append(e.order, def.ID)
	}
	return nil
}

// Run drives the engine until ctx is cancelled: a slow sweep re-gates
// windows, a fast sweep advances in-flight tasks, and a gauge loop
// publishes session counters.
func (e *Engine) Run(ctx context.Context) {
	e.applyWindows(e.cfg.Clock())

	windowTicker := time.NewTicker(windowSweepInterval)
	progressTicker := time.NewTicker(progressSweepInterval)
	gaugeTicker := time.NewTicker(gaugeInterval)
	defer windowTicker.Stop()
	defer progressTicker.Stop()
	defer gaugeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.closeMonitors()
			return
		case <-windowTicker.C:
			e.applyWindows(e.cfg.Clock())
		case <-progressTicker.C:
			e.sweepProgress(ctx)
		case <-gaugeTicker.C:
			e.publishGauges()
		}
	}
}

// applyWindows flips Pending/Locked from the wall clock. Tasks that
// are in flight or terminal are never re-gated.
func (e *Engine) applyWindows(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.tasks {
		switch t.Status {
		case StatusPending:
			if !e.cfg.Resolver.ActiveFor(t.Def.Category, now) {
				t.Status = StatusLocked
			}
		case StatusLocked:
			if e.cfg.Resolver.ActiveFor(t.Def.Category, now) {
				t.Status = StatusPending
			}
		}
	}
}

// SweepProgress is exposed for the run loop and for tests that drive
// the clock by hand.
func (e *Engine) SweepProgress(ctx context.Context) {
	e.sweepProgress(ctx)
}

func (e *Engine) sweepProgress(ctx context.Context) {
	now := e.cfg.Clock()

	type dayDone struct {
		id     string
		payout decimal.Decimal
	}
	var completions []dayDone

	e.mu.Lock()
	for id, t := range e.tasks {
		if t.Status != StatusInProgress {
			continue
		}
		elapsed := now.Sub(t.StartedAt)
		duration := e.durationLocked(t)
		switch t.Def.Category {
		case shift.CategoryNight:
			mon := e.monitors[id]
			if mon != nil && !mon.IsAlive() && elapsed < duration {
				e.failLocked(ctx, t, "workspace closed before dwell time elapsed")
				continue
			}
			if elapsed >= duration {
				t.Status = StatusAwaitingSubmission
				e.closeMonitorLocked(id)
				e.persistCompletionLocked(ctx, t)
			}
		default:
			if elapsed >= duration {
				completions = append(completions, dayDone{id: id, payout: t.Def.Payout})
			}
		}
	}
	e.mu.Unlock()

	// Day tasks complete without a submission step; crediting happens
	// outside the engine lock because the ledger may do I/O.
	for _, c := range completions {
		e.complete(ctx, c.id, c.payout, false, "dwell time elapsed")
	}
}

func (e *Engine) publishGauges() {
	c := e.Counters()
	labels := map[string]string{"user": e.cfg.UserID}
	observability.Default.SetGauge("session_tasks_in_progress", labels, float64(c.InProgress))
	observability.Default.SetGauge("session_tasks_pending", labels, float64(c.PendingAvailability))
	observability.Default.SetGauge("session_tasks_completed", labels, float64(c.TotalToday))
}

// StartTask moves a Pending task to InProgress and opens its
// workspace.
func (e *Engine) StartTask(ctx context.Context, taskID string) error {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTask
	}
	if t.Status != StatusPending {
		status := t.Status
		e.mu.Unlock()
		return fmt.Errorf("%w: status is %s", ErrNotStartable, status)
	}
	// Reserve the slot before opening the workspace so a second start
	// races cleanly.
	t.Status = StatusInProgress
	t.StartedAt = e.cfg.Clock()
	t.NeedsReview = false
	e.mu.Unlock()

	mon, err := e.cfg.Opener.Open(ctx, t.Def)

	e.mu.Lock()
	if err != nil {
		t.Status = StatusPending
		t.StartedAt = time.Time{}
		e.mu.Unlock()
		return fmt.Errorf("open workspace for %s: %w", taskID, err)
	}
	e.monitors[taskID] = mon
	e.persistCompletionLocked(ctx, t)
	e.mu.Unlock()

	observability.Default.IncCounter("tasks_started_total", map[string]string{"category": t.Def.Category}, 1)
	return nil
}

// SubmitOutcome reports what happened to a submission.
type SubmitOutcome struct {
	Status      Status
	Message     string
	Earned      decimal.Decimal
	NeedsReview bool
}

// SubmitTask sends the worked task to verification. The Verifying
// status acts as a lock: a concurrent duplicate submit returns
// immediately without a second gateway call. An unreachable reviewer
// counts as approval at the task's nominal payout.
func (e *Engine) SubmitTask(ctx context.Context, taskID, evidenceNote, evidenceRef string) (SubmitOutcome, error) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok {
		e.mu.Unlock()
		return SubmitOutcome{}, ErrUnknownTask
	}
	switch t.Status {
	case StatusVerifying:
		out := SubmitOutcome{Status: StatusVerifying, Message: "verification already in progress"}
		e.mu.Unlock()
		return out, nil
	case StatusCompleted:
		out := SubmitOutcome{Status: StatusCompleted, Message: "task already completed", Earned: t.Earned}
		e.mu.Unlock()
		return out, nil
	case StatusInProgress, StatusAwaitingSubmission:
		// fall through to verification
	default:
		status := t.Status
		e.mu.Unlock()
		return SubmitOutcome{}, fmt.Errorf("%w: status is %s", ErrNotSubmitable, status)
	}
	t.Status = StatusVerifying
	e.closeMonitorLocked(taskID)
	sub := verify.Submission{
		UserID:       e.cfg.UserID,
		TaskID:       taskID,
		Category:     t.Def.Category,
		Tier:         e.cfg.Tier,
		TimeSpent:    e.cfg.Clock().Sub(t.StartedAt),
		Duration:     e.durationLocked(t),
		EvidenceNote: evidenceNote,
		EvidenceRef:  evidenceRef,
	}
	nominal := t.Def.Payout
	e.mu.Unlock()

	res, err := e.cfg.Gateway.Verify(ctx, sub)
	if err != nil {
		// Fail open: the worker did the work, an unreachable reviewer
		// must not cost them the payout.
		log.Printf("lifecycle: verification unavailable task=%s err=%v; approving at nominal payout", taskID, err)
		observability.Default.IncCounter("verifications_failed_open_total", nil, 1)
		e.complete(ctx, taskID, nominal, false, "approved (verification unavailable)")
		return SubmitOutcome{Status: StatusCompleted, Message: "approved", Earned: nominal}, nil
	}

	if !res.Approved {
		e.mu.Lock()
		t.Status = StatusPending
		t.NeedsReview = true
		t.StartedAt = time.Time{}
		if !e.cfg.Resolver.ActiveFor(t.Def.Category, e.cfg.Clock()) {
			t.Status = StatusLocked
		}
		e.mu.Unlock()
		observability.Default.IncCounter("verifications_rejected_total", nil, 1)
		return SubmitOutcome{Status: StatusPending, Message: res.Reason, NeedsReview: true}, nil
	}

	payout := res.Payout
	if payout.IsZero() {
		payout = nominal
	}
	e.complete(ctx, taskID, payout, false, "approved")
	observability.Default.IncCounter("verifications_approved_total", nil, 1)
	return SubmitOutcome{Status: StatusCompleted, Message: "approved", Earned: payout}, nil
}

// FailTask marks an in-flight task as abandoned.
func (e *Engine) FailTask(ctx context.Context, taskID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return ErrUnknownTask
	}
	switch t.Status {
	case StatusInProgress, StatusAwaitingSubmission:
		if reason == "" {
			reason = "abandoned by worker"
		}
		e.failLocked(ctx, t, reason)
		return nil
	case StatusFailed:
		return nil
	default:
		return fmt.Errorf("%w: status is %s", ErrNotSubmitable, t.Status)
	}
}

// complete finishes a task exactly once, mirrors the fact locally, and
// credits the ledger. A ledger failure queues the credit for the
// reconciler instead of blocking completion.
func (e *Engine) complete(ctx context.Context, taskID string, payout decimal.Decimal, needsReview bool, detail string) {
	e.mu.Lock()
	t, ok := e.tasks[taskID]
	if !ok || t.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	now := e.cfg.Clock()
	t.Status = StatusCompleted
	t.NeedsReview = needsReview
	t.FinishedAt = now
	t.Earned = payout
	category := t.Def.Category
	e.earned = e.earned.Add(payout)
	e.closeMonitorLocked(taskID)
	e.persistCompletionLocked(ctx, t)
	// The completion record keeps the start time; the live task only
	// carries one while the task is in flight.
	t.StartedAt = time.Time{}
	e.mu.Unlock()

	if err := e.cfg.Mirror.MarkCompleted(ctx, e.cfg.UserID, taskID, now); err != nil {
		log.Printf("lifecycle: mirror write failed user=%s task=%s err=%v", e.cfg.UserID, taskID, err)
	}
	err := e.cfg.Ledger.Credit(ctx, ledger.Credit{
		UserID: e.cfg.UserID,
		TaskID: taskID,
		Amount: payout,
		Source: detail,
	})
	if err != nil {
		log.Printf("lifecycle: ledger credit failed user=%s task=%s err=%v; queueing for reconciler", e.cfg.UserID, taskID, err)
		observability.Default.IncCounter("credits_deferred_total", nil, 1)
		if e.cfg.Queue != nil {
			if qerr := e.cfg.Queue.Enqueue(ctx, state.CreditRef{UserID: e.cfg.UserID, TaskID: taskID, Amount: payout.StringFixed(2)}); qerr != nil {
				log.Printf("lifecycle: enqueue credit failed user=%s task=%s err=%v", e.cfg.UserID, taskID, qerr)
			}
		}
	}
	observability.Default.IncCounter("tasks_completed_total", map[string]string{"category": category}, 1)
}

func (e *Engine) failLocked(ctx context.Context, t *Task, reason string) {
	t.Status = StatusFailed
	t.FailReason = reason
	t.FinishedAt = e.cfg.Clock()
	e.closeMonitorLocked(t.Def.ID)
	e.persistCompletionLocked(ctx, t)
	t.StartedAt = time.Time{}
	observability.Default.IncCounter("tasks_failed_total", map[string]string{"category": t.Def.Category}, 1)
}

func (e *Engine) persistCompletionLocked(ctx context.Context, t *Task) {
	rec := state.CompletionRecord{
		UserID:      e.cfg.UserID,
		TaskID:      t.Def.ID,
		Status:      string(t.Status),
		StartedAt:   t.StartedAt,
		CompletedAt: t.FinishedAt,
	}
	if err := e.cfg.Store.UpsertCompletion(ctx, rec); err != nil {
		log.Printf("lifecycle: persist completion user=%s task=%s status=%s err=%v", e.cfg.UserID, t.Def.ID, t.Status, err)
	}
}

func (e *Engine) durationLocked(t *Task) time.Duration {
	if t.Def.DurationMinutes > 0 {
		return t.Duration()
	}
	return e.cfg.Tiers.DurationFor(t.Def.Category)
}

func (e *Engine) closeMonitorLocked(taskID string) {
	if mon, ok := e.monitors[taskID]; ok {
		_ = mon.Close()
		delete(e.monitors, taskID)
	}
}

func (e *Engine) closeMonitors() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.monitors {
		e.closeMonitorLocked(id)
	}
}

// Counters summarizes the session for the status endpoint.
type Counters struct {
	InProgress          int
	PendingAvailability int
	TotalToday          int
}

func (e *Engine) Counters() Counters {
	e.mu.Lock()
	defer e.mu.Unlock()
	var c Counters
	for _, t := range e.tasks {
		switch t.Status {
		case StatusInProgress, StatusAwaitingSubmission, StatusVerifying:
			c.InProgress++
		case StatusPending:
			c.PendingAvailability++
		case StatusCompleted:
			c.TotalToday++
		}
	}
	return c
}

// Earned is the total credited in this session.
func (e *Engine) Earned() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.earned
}

// Snapshot returns the tasks in catalog order for the list endpoint.
func (e *Engine) Snapshot() []Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Task, 0, len(e.order))
	for _, id := range e.order {
		if t, ok := e.tasks[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// Task returns a copy of one task's runtime state.
func (e *Engine) Task(taskID string) (Task, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ApplyWindows is exposed for tests and for an immediate re-gate after
// configuration changes.
func (e *Engine) ApplyWindows(now time.Time) {
	e.applyWindows(now)
}
