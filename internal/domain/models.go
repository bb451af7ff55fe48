package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionCollection TransactionType = "collection"
	TransactionWithdrawal TransactionType = "withdrawal"
)

func (t TransactionType) Valid() bool {
	return t == TransactionCollection || t == TransactionWithdrawal
}

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentUPI    PaymentMethod = "upi"
	PaymentCredit PaymentMethod = "credit"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentUPI, PaymentCredit:
		return true
	}
	return false
}

type Store struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Address        string          `json:"address"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	CurrentBalance decimal.Decimal `json:"current_balance"`
	EntryPersonIDs []string        `json:"entry_person_ids"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasEntryPerson reports whether userID is assigned to the store.
func (s Store) HasEntryPerson(userID string) bool {
	for _, id := range s.EntryPersonIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type StoreFilter struct {
	EntryPersonID string
}

type StoreCreateRequest struct {
	Name           string          `json:"name"`
	Address        string          `json:"address"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	EntryPersonIDs []string        `json:"entry_person_ids"`
}

type StoreUpdateRequest struct {
	Name           *string   `json:"name,omitempty"`
	Address        *string   `json:"address,omitempty"`
	EntryPersonIDs *[]string `json:"entry_person_ids,omitempty"`
}

type Transaction struct {
	ID            string          `json:"id"`
	StoreID       string          `json:"store_id"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Type          TransactionType `json:"type"`
	Remarks       string          `json:"remarks"`
	CreatedBy     string          `json:"created_by"`
	CreatedByName string          `json:"created_by_name"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     *time.Time      `json:"updated_at,omitempty"`
}

// TransactionQuery selects transactions by store and an inclusive created-at range.
// An empty StoreIDs slice matches every store.
type TransactionQuery struct {
	StoreIDs []string
	From     *time.Time
	To       *time.Time
}

type TransactionCreateRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Type          TransactionType `json:"type"`
	Remarks       string          `json:"remarks"`
}

type WithdrawalRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Remarks string          `json:"remarks"`
}

type TransactionUpdateRequest struct {
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	PaymentMethod *PaymentMethod   `json:"payment_method,omitempty"`
	Type          *TransactionType `json:"type,omitempty"`
	Remarks       *string          `json:"remarks,omitempty"`
}

// TransactionFilter narrows a store's transaction list the way the list screen does.
type TransactionFilter struct {
	From          *time.Time
	To            *time.Time
	PaymentMethod PaymentMethod
	Type          TransactionType
	Search        string
}

type TransactionResponse struct {
	Transaction Transaction     `json:"transaction"`
	Balance     decimal.Decimal `json:"balance"`
}

type TransactionListResponse struct {
	StoreID      string        `json:"store_id"`
	Transactions []Transaction `json:"transactions"`
}

type ReconcileReport struct {
	StoreID         string          `json:"store_id"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
	StoredBalance   decimal.Decimal `json:"stored_balance"`
	ReplayedBalance decimal.Decimal `json:"replayed_balance"`
	Drift           decimal.Decimal `json:"drift"`
	Transactions    int             `json:"transactions"`
	Consistent      bool            `json:"consistent"`
	CheckedAt       time.Time       `json:"checked_at"`
}
