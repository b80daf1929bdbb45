package donezoapi

type CreateSessionRequest struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier,omitempty"`
}

type CreateSessionResponse struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Tier           string `json:"tier"`
	Earnings       string `json:"earnings"`
	CompletedTasks int    `json:"completed_tasks"`
	TaskCount      int    `json:"task_count"`
}

type SessionCounters struct {
	InProgress          int `json:"tasks_in_progress"`
	PendingAvailability int `json:"tasks_pending_availability"`
	TotalToday          int `json:"total_tasks_today"`
}

type TaskView struct {
	ID              string `json:"id"`
	Platform        string `json:"platform"`
	Category        string `json:"category"`
	Title           string `json:"title"`
	URL             string `json:"url"`
	Payout          string `json:"payout"`
	Status          string `json:"status"`
	NeedsReview     bool   `json:"needs_review,omitempty"`
	Message         string `json:"message,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	StartedAt       string `json:"started_at,omitempty"`
}

type TaskListResponse struct {
	SessionID string          `json:"session_id"`
	Counters  SessionCounters `json:"counters"`
	Tasks     []TaskView      `json:"tasks"`
}

type SessionStatusResponse struct {
	SessionID      string          `json:"session_id"`
	UserID         string          `json:"user_id"`
	Tier           string          `json:"tier"`
	Earnings       string          `json:"earnings"`
	CompletedTasks int             `json:"completed_tasks"`
	SessionSeconds int64           `json:"session_seconds"`
	Counters       SessionCounters `json:"counters"`
}

type StartTaskResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

type SubmitTaskRequest struct {
	EvidenceNote string `json:"evidence_note,omitempty"`
}

type SubmitTaskResponse struct {
	Success  bool   `json:"success"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Earnings string `json:"earnings,omitempty"`
}

type FailTaskResponse struct {
	Accepted bool   `json:"accepted"`
	Status   string `json:"status"`
}

type TaskDefinitionPayload struct {
	ID              string `json:"id"`
	Platform        string `json:"platform"`
	Category        string `json:"category"`
	Title           string `json:"title"`
	URL             string `json:"url"`
	Payout          string `json:"payout"`
	DurationMinutes int    `json:"duration_minutes"`
	Active          bool   `json:"active"`
}

type ListTaskDefinitionsResponse struct {
	Definitions []TaskDefinitionPayload `json:"definitions"`
}

type BroadcastRequest struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Audience string `json:"audience,omitempty"`
}

type BroadcastPayload struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Audience  string `json:"audience"`
	CreatedAt string `json:"created_at"`
}

type ListBroadcastsResponse struct {
	Broadcasts []BroadcastPayload `json:"broadcasts"`
}

type CreateAPIKeyRequest struct {
	Label  string   `json:"label"`
	Scopes []string `json:"scopes"`
}

type APIKeyPayload struct {
	ID        string   `json:"id"`
	Label     string   `json:"label"`
	Scopes    []string `json:"scopes"`
	Token     string   `json:"token,omitempty"`
	CreatedAt string   `json:"created_at"`
}

type ListAPIKeysResponse struct {
	Keys []APIKeyPayload `json:"keys"`
}

type CreditRefPayload struct {
	UserID string `json:"user_id"`
	TaskID string `json:"task_id"`
	Amount string `json:"amount,omitempty"`
}

type ListDeadCreditsResponse struct {
	Credits []CreditRefPayload `json:"credits"`
}

type RequeueDeadCreditsRequest struct {
	Credits []CreditRefPayload `json:"credits"`
	DryRun  bool               `json:"dry_run,omitempty"`
}

type RequeueDeadCreditsResponse struct {
	DryRun    bool `json:"dry_run,omitempty"`
	Requested int  `json:"requested"`
	Requeued  int  `json:"requeued"`
}

type AuditEvent struct {
	ID          int64  `json:"id"`
	Action      string `json:"action"`
	Actor       string `json:"actor"`
	UserID      string `json:"user_id,omitempty"`
	RemoteAddr  string `json:"remote_addr,omitempty"`
	Resource    string `json:"resource"`
	PayloadHash string `json:"payload_hash,omitempty"`
	PrevHash    string `json:"prev_hash,omitempty"`
	EventHash   string `json:"event_hash,omitempty"`
	Requested   int    `json:"requested,omitempty"`
	Result      string `json:"result"`
	Details     string `json:"details,omitempty"`
	CreatedAt   string `json:"created_at"`
}

type ListAuditEventsResponse struct {
	Returned int          `json:"returned"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
	Events   []AuditEvent `json:"events"`
}
