package state

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserRecord struct {
	ID             string
	Email          string
	Tier           string
	Earnings       decimal.Decimal
	CompletedTasks int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Platform values a task definition may carry. Cosmetic and routing
// only; the lifecycle never branches on them.
const (
	PlatformYouTube   = "YouTube"
	PlatformTikTok    = "TikTok"
	PlatformInstagram = "Instagram"
)

func ValidPlatform(p string) bool {
	switch p {
	case PlatformYouTube, PlatformTikTok, PlatformInstagram:
		return true
	}
	return false
}

type TaskDefinitionRecord struct {
	ID              string
	Platform        string
	Category        string
	Title           string
	URL             string
	Payout          decimal.Decimal
	DurationMinutes int
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type CompletionRecord struct {
	UserID      string
	TaskID      string
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
}

type LedgerEntryRecord struct {
	ID        string
	UserID    string
	TaskID    string
	Amount    decimal.Decimal
	Source    string
	CreatedAt time.Time
}

type BroadcastRecord struct {
	ID        string
	Title     string
	Body      string
	Audience  string
	CreatedAt time.Time
}

type APIKeyRecord struct {
	ID        string
	Label     string
	TokenHash string
	Scopes    []string
	CreatedAt time.Time
}

type AuditEventRecord struct {
	ID          int64
	Action      string
	Actor       string
	UserID      string
	RemoteAddr  string
	Resource    string
	PayloadHash string
	PrevHash    string
	EventHash   string
	Requested   int
	Result      string
	Details     string
	CreatedAt   time.Time
}

type AuditQuery struct {
	Limit  int
	Offset int
	Action string
	Actor  string
	UserID string
	Result string
	From   time.Time
	To     time.Time
}

// CreditRef identifies one deferred payout. Amount is a fixed-point
// string so the queue encoding stays stable.
type CreditRef struct {
	UserID string
	TaskID string
	Amount string
}

type QueueClaim struct {
	Ref       CreditRef
	Receipt   string
	ClaimedBy string
	ClaimedAt time.Time
	VisibleAt time.Time
}
