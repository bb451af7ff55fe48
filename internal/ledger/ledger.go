// Package ledger computes store balances from signed transaction effects.
//
// Collections add their amount to a store balance and withdrawals subtract it.
// A withdrawal may never take the balance below zero; reversing a prior
// collection is allowed to. Functions here are pure: persisting the result is
// the caller's job, and it must persist it together with the transaction write.
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"medcash/internal/domain"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance for withdrawal")
	ErrInvalidAmount       = errors.New("amount must be greater than zero")
	ErrUnknownType         = errors.New("unknown transaction type")
)

// MaxAmount is the largest magnitude an amount or balance can be stored with.
// Amounts carry at most two decimal places.
var MaxAmount = decimal.RequireFromString("999999999999.99")

// ValidateAmount checks a transaction amount before it reaches the ledger.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return ValidateMagnitude(amount)
}

// ValidateMagnitude checks a signed value (an opening balance or a computed
// balance) against the storable scale and range.
func ValidateMagnitude(v decimal.Decimal) error {
	if !v.Equal(v.Truncate(2)) {
		return fmt.Errorf("%s has more than two decimal places: %w", v, ErrInvalidAmount)
	}
	if v.Abs().GreaterThan(MaxAmount) {
		return fmt.Errorf("%s exceeds %s: %w", v, MaxAmount, ErrInvalidAmount)
	}
	return nil
}

// ApplyEffect returns the balance after recording a transaction of kind typ.
func ApplyEffect(balance decimal.Decimal, typ domain.TransactionType, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return balance, ErrInvalidAmount
	}

	switch typ {
	case domain.TransactionCollection:
		return balance.Add(amount), nil
	case domain.TransactionWithdrawal:
		if amount.GreaterThan(balance) {
			return balance, ErrInsufficientBalance
		}
		return balance.Sub(amount), nil
	default:
		return balance, ErrUnknownType
	}
}

// ReverseEffect undoes a previously applied transaction.
func ReverseEffect(balance decimal.Decimal, typ domain.TransactionType, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return balance, ErrInvalidAmount
	}

	switch typ {
	case domain.TransactionCollection:
		return balance.Sub(amount), nil
	case domain.TransactionWithdrawal:
		return balance.Add(amount), nil
	default:
		return balance, ErrUnknownType
	}
}

// ReviseEffect replaces the effect of (oldType, oldAmount) with (newType, newAmount).
// The withdrawal check runs against the balance with the old effect removed, and
// only the final balance is returned.
func ReviseEffect(
	balance decimal.Decimal,
	oldType domain.TransactionType,
	oldAmount decimal.Decimal,
	newType domain.TransactionType,
	newAmount decimal.Decimal,
) (decimal.Decimal, error) {
	reversed, err := ReverseEffect(balance, oldType, oldAmount)
	if err != nil {
		return balance, err
	}
	revised, err := ApplyEffect(reversed, newType, newAmount)
	if err != nil {
		return balance, err
	}
	return revised, nil
}

// SignedAmount is the contribution of a transaction to its store balance.
func SignedAmount(tx domain.Transaction) decimal.Decimal {
	if tx.Type == domain.TransactionWithdrawal {
		return tx.Amount.Neg()
	}
	return tx.Amount
}

// Replay recomputes a balance from the opening balance and the full log, without
// the withdrawal check (the log is history, not intent).
func Replay(opening decimal.Decimal, txs []domain.Transaction) decimal.Decimal {
	balance := opening
	for _, tx := range txs {
		balance = balance.Add(SignedAmount(tx))
	}
	return balance
}
