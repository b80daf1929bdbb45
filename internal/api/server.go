// Package api exposes the worker-facing session endpoints and the
// operator admin surface over HTTP.
package api

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/capitabee/donezo-sub000/internal/artifacts"
	"github.com/capitabee/donezo-sub000/internal/lifecycle"
	"github.com/capitabee/donezo-sub000/internal/observability"
	"github.com/capitabee/donezo-sub000/internal/sessions"
	"github.com/capitabee/donezo-sub000/internal/state"
	"github.com/capitabee/donezo-sub000/pkg/donezoapi"
)

type Config struct {
	Store     state.Store
	Queue     state.Queue
	Sessions  *sessions.Registry
	Artifacts artifacts.Store
}

type Server struct {
	store     state.Store
	queue     state.Queue
	registry  *sessions.Registry
	artifacts artifacts.Store
	auth      *authorizer
	limiter   *submitLimiter
	safety    *adminSafety
	mux       *http.ServeMux
	started   time.Time
}

func NewServer(cfg Config) *Server {
	s := &Server{
		store:     cfg.Store,
		queue:     cfg.Queue,
		registry:  cfg.Sessions,
		artifacts: cfg.Artifacts,
		auth:      newAuthorizerFromEnv(cfg.Store),
		limiter:   newSubmitLimiterFromEnv(),
		safety:    newAdminSafetyFromEnv(),
		mux:       http.NewServeMux(),
		started:   time.Now().UTC(),
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/metrics/prometheus", s.handleMetricsPrometheus)

	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionStatus)
	s.mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleCloseSession)
	s.mux.HandleFunc("GET /v1/sessions/{id}/tasks", s.handleListTasks)
	s.mux.HandleFunc("POST /v1/sessions/{id}/tasks/{taskID}/start", s.handleStartTask)
	s.mux.HandleFunc("POST /v1/sessions/{id}/tasks/{taskID}/submit", s.handleSubmitTask)
	s.mux.HandleFunc("POST /v1/sessions/{id}/tasks/{taskID}/fail", s.handleFailTask)
	s.mux.HandleFunc("GET /v1/broadcasts", s.handleListBroadcasts)

	s.mux.HandleFunc("GET /v1/admin/tasks", s.handleAdminListTasks)
	s.mux.HandleFunc("POST /v1/admin/tasks", s.handleAdminUpsertTask)
	s.mux.HandleFunc("PUT /v1/admin/tasks/{id}", s.handleAdminUpsertTask)
	s.mux.HandleFunc("DELETE /v1/admin/tasks/{id}", s.handleAdminDeleteTask)
	s.mux.HandleFunc("POST /v1/admin/broadcasts", s.handleAdminCreateBroadcast)
	s.mux.HandleFunc("GET /v1/admin/api-keys", s.handleAdminListAPIKeys)
	s.mux.HandleFunc("POST /v1/admin/api-keys", s.handleAdminCreateAPIKey)
	s.mux.HandleFunc("DELETE /v1/admin/api-keys/{id}", s.handleAdminDeleteAPIKey)
	s.mux.HandleFunc("GET /v1/admin/credits/dead-letter", s.handleAdminListDeadCredits)
	s.mux.HandleFunc("POST /v1/admin/credits/dead-letter/requeue", s.handleAdminRequeueDeadCredits)
	s.mux.HandleFunc("GET /v1/admin/audit", s.handleAdminAudit)
	return s
}

// Handler wraps the mux with request logging and a span per request.
func (s *Server) Handler() http.Handler {
	return withLogging(withTracing(s.mux))
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Printf("api: method=%s path=%s status=%d dur=%s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	})
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response err=%v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"sessions":       s.registry.Count(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "metrics", "admin"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, observability.Default.Snapshot())
}

func (s *Server) handleMetricsPrometheus(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "metrics", "admin"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(observability.Default.RenderPrometheus()))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p, code, msg := s.auth.authorize(r, "worker", "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	var req donezoapi.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = p.userID
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if !p.canActForUser(userID) {
		writeError(w, http.StatusForbidden, "token is bound to a different user")
		return
	}

	ctx := r.Context()
	user, found, err := s.store.GetUser(ctx, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load user: "+err.Error())
		return
	}
	tier := firstNonEmpty(p.tier, req.Tier, user.Tier, "Basic")
	if !found || user.Tier != tier {
		user.ID = userID
		user.Tier = tier
		if err := s.store.UpsertUser(ctx, user); err != nil {
			writeError(w, http.StatusInternalServerError, "save user: "+err.Error())
			return
		}
	}

	session, err := s.registry.Open(ctx, userID, tier)
	if err != nil {
		writeError(w, http.StatusBadGateway, "open session: "+err.Error())
		return
	}
	user, _, _ = s.store.GetUser(ctx, userID)
	writeJSON(w, http.StatusCreated, donezoapi.CreateSessionResponse{
		SessionID:      session.ID,
		UserID:         userID,
		Tier:           tier,
		Earnings:       user.Earnings.StringFixed(2),
		CompletedTasks: user.CompletedTasks,
		TaskCount:      len(session.Engine.Snapshot()),
	})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*sessions.Session, principal, bool) {
	p, code, msg := s.auth.authorize(r, "worker", "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return nil, principal{}, false
	}
	session, ok := s.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, principal{}, false
	}
	if !p.canActForUser(session.UserID) {
		writeError(w, http.StatusForbidden, "token is bound to a different user")
		return nil, principal{}, false
	}
	return session, p, true
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r)
	if !ok {
		return
	}
	user, _, err := s.store.GetUser(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load user: "+err.Error())
		return
	}
	c := session.Engine.Counters()
	writeJSON(w, http.StatusOK, donezoapi.SessionStatusResponse{
		SessionID:      session.ID,
		UserID:         session.UserID,
		Tier:           session.Tier,
		Earnings:       user.Earnings.StringFixed(2),
		CompletedTasks: user.CompletedTasks,
		SessionSeconds: int64(time.Since(session.CreatedAt).Seconds()),
		Counters: donezoapi.SessionCounters{
			InProgress:          c.InProgress,
			PendingAvailability: c.PendingAvailability,
			TotalToday:          c.TotalToday,
		},
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	session, p, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := s.registry.Close(session.ID); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.appendAudit(r, p, "session.close", session.UserID, "session/"+session.ID, 0, "ok", "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r)
	if !ok {
		return
	}
	tasks := session.Engine.Snapshot()
	views := make([]donezoapi.TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, taskView(t))
	}
	c := session.Engine.Counters()
	writeJSON(w, http.StatusOK, donezoapi.TaskListResponse{
		SessionID: session.ID,
		Counters: donezoapi.SessionCounters{
			InProgress:          c.InProgress,
			PendingAvailability: c.PendingAvailability,
			TotalToday:          c.TotalToday,
		},
		Tasks: views,
	})
}

func taskView(t lifecycle.Task) donezoapi.TaskView {
	v := donezoapi.TaskView{
		ID:              t.Def.ID,
		Platform:        t.Def.Platform,
		Category:        t.Def.Category,
		Title:           t.Def.Title,
		URL:             t.Def.URL,
		Payout:          t.Def.Payout.StringFixed(2),
		Status:          string(t.Status),
		NeedsReview:     t.NeedsReview,
		DurationMinutes: t.Def.DurationMinutes,
	}
	if t.Status == lifecycle.StatusFailed {
		v.Message = t.FailReason
	}
	if !t.StartedAt.IsZero() {
		v.StartedAt = t.StartedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("taskID")
	err := session.Engine.StartTask(r.Context(), taskID)
	switch {
	case err == nil:
		task, _ := session.Engine.Task(taskID)
		writeJSON(w, http.StatusOK, donezoapi.StartTaskResponse{Accepted: true, Status: string(task.Status)})
	case errors.Is(err, lifecycle.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, lifecycle.ErrNotStartable):
		task, _ := session.Engine.Task(taskID)
		writeJSON(w, http.StatusConflict, donezoapi.StartTaskResponse{
			Accepted: false,
			Status:   string(task.Status),
			Message:  err.Error(),
		})
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r)
	if !ok {
		return
	}
	if !s.limiter.allow(session.UserID, time.Now()) {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}
	var req donezoapi.SubmitTaskRequest
	if r.Body != nil {
		// An empty body is a valid submission without evidence.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	taskID := r.PathValue("taskID")

	evidenceRef := ""
	if req.EvidenceNote != "" && s.artifacts != nil {
		key := fmt.Sprintf("%s/%s/%s.txt", session.UserID, taskID, uuid.NewString())
		ref, err := s.artifacts.Put(r.Context(), key, []byte(req.EvidenceNote), "text/plain")
		if err != nil {
			log.Printf("api: evidence upload failed user=%s task=%s err=%v", session.UserID, taskID, err)
		} else {
			evidenceRef = ref
		}
	}

	out, err := session.Engine.SubmitTask(r.Context(), taskID, req.EvidenceNote, evidenceRef)
	switch {
	case err == nil:
		resp := donezoapi.SubmitTaskResponse{
			Success: out.Status == lifecycle.StatusCompleted,
			Status:  string(out.Status),
			Message: out.Message,
		}
		if !out.Earned.IsZero() {
			resp.Earnings = out.Earned.StringFixed(2)
		}
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, lifecycle.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, lifecycle.ErrNotSubmitable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.session(w, r)
	if !ok {
		return
	}
	taskID := r.PathValue("taskID")
	err := session.Engine.FailTask(r.Context(), taskID, "abandoned by worker")
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, donezoapi.FailTaskResponse{Accepted: true, Status: string(lifecycle.StatusFailed)})
	case errors.Is(err, lifecycle.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "task not found")
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func (s *Server) handleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "worker", "admin"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	recs, err := s.store.ListBroadcasts(r.Context(), parseIntQuery(r, "limit", 20))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, donezoapi.ListBroadcastsResponse{Broadcasts: broadcastPayloads(recs)})
}

func (s *Server) handleAdminListTasks(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "admin"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	defs, err := s.store.ListTaskDefinitions(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]donezoapi.TaskDefinitionPayload, 0, len(defs))
	for _, d := range defs {
		out = append(out, donezoapi.TaskDefinitionPayload{
			ID:              d.ID,
			Platform:        d.Platform,
			Category:        d.Category,
			Title:           d.Title,
			URL:             d.URL,
			Payout:          d.Payout.StringFixed(2),
			DurationMinutes: d.DurationMinutes,
			Active:          d.Active,
		})
	}
	writeJSON(w, http.StatusOK, donezoapi.ListTaskDefinitionsResponse{Definitions: out})
}

func (s *Server) handleAdminUpsertTask(w http.ResponseWriter, r *http.Request) {
	p, code, msg := s.auth.authorize(r, "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	var req donezoapi.TaskDefinitionPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if id := r.PathValue("id"); id != "" {
		req.ID = id
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Category != "Day" && req.Category != "Night" {
		writeError(w, http.StatusBadRequest, "category must be Day or Night")
		return
	}
	if !state.ValidPlatform(req.Platform) {
		writeError(w, http.StatusBadRequest, "platform must be YouTube, TikTok, or Instagram")
		return
	}
	if req.DurationMinutes <= 0 {
		writeError(w, http.StatusBadRequest, "duration_minutes must be positive")
		return
	}
	payout, err := decimal.NewFromString(req.Payout)
	if err != nil || payout.IsNegative() {
		writeError(w, http.StatusBadRequest, "payout must be a non-negative decimal")
		return
	}
	rec := state.TaskDefinitionRecord{
		ID:              req.ID,
		Platform:        req.Platform,
		Category:        req.Category,
		Title:           req.Title,
		URL:             req.URL,
		Payout:          payout,
		DurationMinutes: req.DurationMinutes,
		Active:          req.Active,
	}
	if err := s.store.UpsertTaskDefinition(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.appendAudit(r, p, "task_definition.upsert", "", "task_definition/"+rec.ID, 1, "ok", req.Title)
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleAdminDeleteTask(w http.ResponseWriter, r *http.Request) {
	p, code, msg := s.auth.authorize(r, "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	id := r.PathValue("id")
	deleted, err := s.store.DeleteTaskDefinition(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "task definition not found")
		return
	}
	s.appendAudit(r, p, "task_definition.delete", "", "task_definition/"+id, 1, "ok", "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	p, code, msg := s.auth.authorize(r, "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	var req donezoapi.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	rec := state.BroadcastRecord{
		ID:       uuid.NewString(),
		Title:    req.Title,
		Body:     req.Body,
		Audience: firstNonEmpty(req.Audience, "all"),
	}
	if err := s.store.AppendBroadcast(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.appendAudit(r, p, "broadcast.create", "", "broadcast/"+rec.ID, 1, "ok", req.Title)
	writeJSON(w, http.StatusCreated, donezoapi.BroadcastPayload{
		ID:       rec.ID,
		Title:    rec.Title,
		Body:     rec.Body,
		Audience: rec.Audience,
	})
}

func (s *Server) handleAdminListAPIKeys(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "admin"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	keys, err := s.store.ListAPIKeys(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]donezoapi.APIKeyPayload, 0, len(keys))
	for _, k := range keys {
		out = append(out, donezoapi.APIKeyPayload{
			ID:        k.ID,
			Label:     k.Label,
			Scopes:    k.Scopes,
			CreatedAt: k.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, donezoapi.ListAPIKeysResponse{Keys: out})
}

func (s *Server) handleAdminCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	p, code, msg := s.auth.authorize(r, "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	var req donezoapi.CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Scopes) == 0 {
		writeError(w, http.StatusBadRequest, "scopes are required")
		return
	}
	token := uuid.NewString()
	rec := state.APIKeyRecord{
		ID:        uuid.NewString(),
		Label:     req.Label,
		TokenHash: HashToken(token),
		Scopes:    req.Scopes,
	}
	if err := s.store.UpsertAPIKey(r.Context(), rec); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.appendAudit(r, p, "api_key.create", "", "api_key/"+rec.ID, 1, "ok", req.Label)
	// The plaintext token is returned exactly once.
	writeJSON(w, http.StatusCreated, donezoapi.APIKeyPayload{
		ID:     rec.ID,
		Label:  rec.Label,
		Scopes: rec.Scopes,
		Token:  token,
	})
}

func (s *Server) handleAdminDeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	p, code, msg := s.auth.authorize(r, "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	id := r.PathValue("id")
	deleted, err := s.store.DeleteAPIKey(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}
	s.appendAudit(r, p, "api_key.delete", "", "api_key/"+id, 1, "ok", "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminListDeadCredits(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "admin"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	refs, err := s.queue.ListDeadLetters(r.Context(), parseIntQuery(r, "limit", 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]donezoapi.CreditRefPayload, 0, len(refs))
	for _, ref := range refs {
		out = append(out, donezoapi.CreditRefPayload{UserID: ref.UserID, TaskID: ref.TaskID, Amount: ref.Amount})
	}
	writeJSON(w, http.StatusOK, donezoapi.ListDeadCreditsResponse{Credits: out})
}

func (s *Server) handleAdminRequeueDeadCredits(w http.ResponseWriter, r *http.Request) {
	p, code, msg := s.auth.authorize(r, "admin")
	if code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	var req donezoapi.RequeueDeadCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Credits) == 0 {
		writeError(w, http.StatusBadRequest, "credits are required")
		return
	}
	if s.safety.maxBatch > 0 && len(req.Credits) > s.safety.maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch of %d exceeds maximum %d", len(req.Credits), s.safety.maxBatch))
		return
	}
	if s.safety.confirmToken != "" && len(req.Credits) >= s.safety.confirmThreshold && !req.DryRun {
		if r.Header.Get("X-Confirm-Token") != s.safety.confirmToken {
			writeError(w, http.StatusPreconditionFailed, "large requeue requires a valid X-Confirm-Token header")
			return
		}
	}
	if !req.DryRun && !s.safety.allowRequeue(time.Now()) {
		writeError(w, http.StatusTooManyRequests, "requeue rate limit exceeded")
		return
	}

	refs := make([]state.CreditRef, 0, len(req.Credits))
	for _, c := range req.Credits {
		refs = append(refs, state.CreditRef{UserID: c.UserID, TaskID: c.TaskID, Amount: c.Amount})
	}
	resp := donezoapi.RequeueDeadCreditsResponse{DryRun: req.DryRun, Requested: len(refs)}
	if !req.DryRun {
		requeued, err := s.queue.RequeueDeadLetters(r.Context(), refs)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Requeued = requeued
	}
	result := "ok"
	if req.DryRun {
		result = "dry_run"
	}
	s.appendAudit(r, p, "credits.requeue", "", "credits/dead-letter", len(refs), result, "")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	if _, code, msg := s.auth.authorize(r, "admin"); code != http.StatusOK {
		writeError(w, code, msg)
		return
	}
	q := state.AuditQuery{
		Limit:  parseIntQuery(r, "limit", 50),
		Offset: parseIntQuery(r, "offset", 0),
		Action: r.URL.Query().Get("action"),
		Actor:  r.URL.Query().Get("actor"),
		UserID: r.URL.Query().Get("user_id"),
		Result: r.URL.Query().Get("result"),
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.From = t
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			q.To = t
		}
	}
	events, err := s.store.ListAuditEvents(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		writeAuditCSV(w, events)
		return
	}
	out := make([]donezoapi.AuditEvent, 0, len(events))
	for _, e := range events {
		out = append(out, donezoapi.AuditEvent{
			ID:          e.ID,
			Action:      e.Action,
			Actor:       e.Actor,
			UserID:      e.UserID,
			RemoteAddr:  e.RemoteAddr,
			Resource:    e.Resource,
			PayloadHash: e.PayloadHash,
			PrevHash:    e.PrevHash,
			EventHash:   e.EventHash,
			Requested:   e.Requested,
			Result:      e.Result,
			Details:     e.Details,
			CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, donezoapi.ListAuditEventsResponse{
		Returned: len(out),
		Limit:    q.Limit,
		Offset:   q.Offset,
		Events:   out,
	})
}

func writeAuditCSV(w http.ResponseWriter, events []state.AuditEventRecord) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "action", "actor", "user_id", "remote_addr", "resource", "requested", "result", "details", "event_hash", "created_at"})
	for _, e := range events {
		_ = cw.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.Action,
			e.Actor,
			e.UserID,
			e.RemoteAddr,
			e.Resource,
			strconv.Itoa(e.Requested),
			e.Result,
			e.Details,
			e.EventHash,
			e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
}

func (s *Server) appendAudit(r *http.Request, p principal, action, userID, resource string, requested int, result, details string) {
	event := state.AuditEventRecord{
		Action:     action,
		Actor:      p.id,
		UserID:     userID,
		RemoteAddr: r.RemoteAddr,
		Resource:   resource,
		Requested:  requested,
		Result:     result,
		Details:    details,
	}
	if err := s.store.AppendAuditEvent(r.Context(), event); err != nil {
		log.Printf("api: append audit action=%s err=%v", action, err)
	}
}

func broadcastPayloads(recs []state.BroadcastRecord) []donezoapi.BroadcastPayload {
	out := make([]donezoapi.BroadcastPayload, 0, len(recs))
	for _, b := range recs {
		out = append(out, donezoapi.BroadcastPayload{
			ID:        b.ID,
			Title:     b.Title,
			Body:      b.Body,
			Audience:  b.Audience,
			CreatedAt: b.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func parseIntQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
