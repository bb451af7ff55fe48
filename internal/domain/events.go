package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LedgerEventType string

const (
	EventTransactionCreated LedgerEventType = "transaction.created"
	EventTransactionUpdated LedgerEventType = "transaction.updated"
	EventTransactionDeleted LedgerEventType = "transaction.deleted"
)

// LedgerEvent is emitted after a balance mutation has been committed.
type LedgerEvent struct {
	ID          string          `json:"id"`
	Type        LedgerEventType `json:"type"`
	StoreID     string          `json:"store_id"`
	Transaction Transaction     `json:"transaction"`
	Balance     decimal.Decimal `json:"balance"`
	ActorID     string          `json:"actor_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
}
