package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"medcash/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
	ErrAdminExists  = errors.New("an admin account already exists")
)

type Repository interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
	UpdateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	// CreateFirstAdmin inserts user only while no admin exists, as one atomic
	// step. It fails with ErrAdminExists otherwise.
	CreateFirstAdmin(ctx context.Context, user domain.UserAccount) error

	CreateStore(ctx context.Context, s domain.Store) (*domain.Store, error)
	GetStore(ctx context.Context, id string) (*domain.Store, error)
	ListStores(ctx context.Context, filter domain.StoreFilter) ([]domain.Store, error)
	// UpdateStore saves name, address and entry persons. Balances are left alone.
	UpdateStore(ctx context.Context, s domain.Store) (*domain.Store, error)
	// DeleteStore fails with ErrConflict while any transaction references the store.
	DeleteStore(ctx context.Context, id string) error

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error)

	// WithinLedgerTx runs fn as one atomic unit: every write made through the
	// LedgerTx is committed if fn returns nil and discarded otherwise. Concurrent
	// units touching the same store are serialized.
	WithinLedgerTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

type LedgerTx interface {
	ReadStore(ctx context.Context, id string) (*domain.Store, error)
	WriteStoreBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error
	ReadTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	// WriteTransaction inserts the record or replaces the one with the same ID.
	WriteTransaction(ctx context.Context, tx domain.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
}
