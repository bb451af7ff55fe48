// Package summary folds transactions into collection and withdrawal totals
// for store summaries and the dashboard.
package summary

import (
	"time"

	"github.com/shopspring/decimal"

	"medcash/internal/domain"
)

// Add folds one transaction into t.
func Add(t domain.Totals, tx domain.Transaction) domain.Totals {
	t.Count++
	switch tx.Type {
	case domain.TransactionCollection:
		t.Collection = t.Collection.Add(tx.Amount)
		switch tx.PaymentMethod {
		case domain.PaymentCash:
			t.Cash = t.Cash.Add(tx.Amount)
		case domain.PaymentUPI:
			t.UPI = t.UPI.Add(tx.Amount)
		case domain.PaymentCredit:
			t.Credit = t.Credit.Add(tx.Amount)
		}
	case domain.TransactionWithdrawal:
		t.Withdrawal = t.Withdrawal.Add(tx.Amount)
	}
	return t
}

// Summarize totals every transaction in txs.
func Summarize(txs []domain.Transaction) domain.Totals {
	var t domain.Totals
	for _, tx := range txs {
		t = Add(t, tx)
	}
	return t
}

// Merge adds two sets of totals field by field.
func Merge(a, b domain.Totals) domain.Totals {
	return domain.Totals{
		Count:      a.Count + b.Count,
		Collection: a.Collection.Add(b.Collection),
		Withdrawal: a.Withdrawal.Add(b.Withdrawal),
		Cash:       a.Cash.Add(b.Cash),
		UPI:        a.UPI.Add(b.UPI),
		Credit:     a.Credit.Add(b.Credit),
	}
}

// Net is collections minus withdrawals.
func Net(t domain.Totals) decimal.Decimal {
	return t.Collection.Sub(t.Withdrawal)
}

// Window is a half-open reporting period starting at Since.
type Window struct {
	Name  string
	Since time.Time
}

// DashboardWindows returns the today / week / month windows relative to now.
// All three start at local midnight; week and month reach back 7 and 30 days.
func DashboardWindows(now time.Time) (today Window, week Window, month Window) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today = Window{Name: "today", Since: midnight}
	week = Window{Name: "week", Since: midnight.AddDate(0, 0, -7)}
	month = Window{Name: "month", Since: midnight.AddDate(0, 0, -30)}
	return today, week, month
}

// Since sums the transactions created at or after since.
func Since(txs []domain.Transaction, since time.Time) domain.Totals {
	var t domain.Totals
	for _, tx := range txs {
		if tx.CreatedAt.Before(since) {
			continue
		}
		t = Add(t, tx)
	}
	return t
}
