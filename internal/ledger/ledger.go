// Package ledger records approved earnings. Every credit is keyed by
// (user, task) so retries and replays never pay twice.
package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/capitabee/donezo-sub000/internal/state"
)

type Credit struct {
	UserID string
	TaskID string
	Amount decimal.Decimal
	Source string
}

type Ledger interface {
	Credit(ctx context.Context, c Credit) error
}

// StoreLedger writes credits straight into the state store. The ledger
// entry is the idempotency guard: earnings and the completed counter
// move only when the entry is new.
type StoreLedger struct {
	store state.Store
}

func NewStoreLedger(store state.Store) *StoreLedger {
	return &StoreLedger{store: store}
}

func (l *StoreLedger) Credit(ctx context.Context, c Credit) error {
	inserted, err := l.store.AppendLedgerEntry(ctx, state.LedgerEntryRecord{
		ID:     uuid.NewString(),
		UserID: c.UserID,
		TaskID: c.TaskID,
		Amount: c.Amount,
		Source: c.Source,
	})
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}
	return l.store.AdjustUserEarnings(ctx, c.UserID, c.Amount, 1)
}
