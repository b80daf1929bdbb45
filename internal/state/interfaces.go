package state

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type Store interface {
	UpsertUser(ctx context.Context, user UserRecord) error
	GetUser(ctx context.Context, userID string) (UserRecord, bool, error)
	AdjustUserEarnings(ctx context.Context, userID string, delta decimal.Decimal, completedDelta int) error

	UpsertTaskDefinition(ctx context.Context, def TaskDefinitionRecord) error
	GetTaskDefinition(ctx context.Context, defID string) (TaskDefinitionRecord, bool, error)
	ListTaskDefinitions(ctx context.Context, activeOnly bool) ([]TaskDefinitionRecord, error)
	DeleteTaskDefinition(ctx context.Context, defID string) (bool, error)
	CountActiveTaskDefinitions(ctx context.Context) (int, error)

	UpsertCompletion(ctx context.Context, rec CompletionRecord) error
	ListCompletionsByUser(ctx context.Context, userID string) ([]CompletionRecord, error)

	AppendLedgerEntry(ctx context.Context, entry LedgerEntryRecord) (bool, error)
	ListLedgerEntriesByUser(ctx context.Context, userID string) ([]LedgerEntryRecord, error)

	AppendBroadcast(ctx context.Context, rec BroadcastRecord) error
	ListBroadcasts(ctx context.Context, limit int) ([]BroadcastRecord, error)

	UpsertAPIKey(ctx context.Context, rec APIKeyRecord) error
	ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error)
	DeleteAPIKey(ctx context.Context, keyID string) (bool, error)

	AppendAuditEvent(ctx context.Context, event AuditEventRecord) error
	ListAuditEvents(ctx context.Context, query AuditQuery) ([]AuditEventRecord, error)
}

type Queue interface {
	Enqueue(ctx context.Context, ref CreditRef) error
	EnqueueMany(ctx context.Context, refs []CreditRef) error
	Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error)
	Ack(ctx context.Context, claims []QueueClaim) error
	Nack(ctx context.Context, claims []QueueClaim, reason string) error
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
	ListDeadLetters(ctx context.Context, limit int) ([]CreditRef, error)
	RequeueDeadLetters(ctx context.Context, refs []CreditRef) (int, error)
}
