package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Totals struct {
	Count      int             `json:"count"`
	Collection decimal.Decimal `json:"total_collection"`
	Withdrawal decimal.Decimal `json:"total_withdrawal"`
	Cash       decimal.Decimal `json:"cash_collection"`
	UPI        decimal.Decimal `json:"upi_collection"`
	Credit     decimal.Decimal `json:"credit_collection"`
}

type StoreSummary struct {
	StoreID        string          `json:"store_id"`
	From           *time.Time      `json:"from,omitempty"`
	To             *time.Time      `json:"to,omitempty"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	Totals         Totals          `json:"totals"`
	Net            decimal.Decimal `json:"net"`
}

type Dashboard struct {
	TotalStores  int             `json:"total_stores"`
	TotalBalance decimal.Decimal `json:"total_balance"`
	Today        Totals          `json:"today"`
	Week         Totals          `json:"week"`
	Month        Totals          `json:"month"`
	GeneratedAt  time.Time       `json:"generated_at"`
}
