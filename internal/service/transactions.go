package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"medcash/internal/domain"
	"medcash/internal/ledger"
	"medcash/internal/store"
	"medcash/internal/xid"
)

const maxRemarksLength = 500

func (s *Service) RecordCollection(ctx context.Context, storeID string, req domain.TransactionCreateRequest) (domain.TransactionResponse, error) {
	req.Type = domain.TransactionCollection
	return s.AddTransaction(ctx, storeID, req)
}

func (s *Service) Withdraw(ctx context.Context, storeID string, req domain.WithdrawalRequest) (domain.TransactionResponse, error) {
	return s.AddTransaction(ctx, storeID, domain.TransactionCreateRequest{
		Amount:        req.Amount,
		PaymentMethod: domain.PaymentCash,
		Type:          domain.TransactionWithdrawal,
		Remarks:       req.Remarks,
	})
}

// AddTransaction records the transaction and moves the store balance in one
// atomic unit.
func (s *Service) AddTransaction(ctx context.Context, storeID string, req domain.TransactionCreateRequest) (domain.TransactionResponse, error) {
	session, err := require(ctx, func(c domain.Capabilities) bool { return c.RecordTransactions })
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	if _, err := s.visibleStore(ctx, session, storeID); err != nil {
		return domain.TransactionResponse{}, err
	}

	method, err := normalizeMethod(req.Type, req.PaymentMethod)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	remarks, err := normalizeRemarks(req.Remarks)
	if err != nil {
		return domain.TransactionResponse{}, err
	}
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		return domain.TransactionResponse{}, err
	}

	now := s.now()
	tx := domain.Transaction{
		ID:            xid.New("tx"),
		StoreID:       strings.TrimSpace(storeID),
		Amount:        req.Amount,
		PaymentMethod: method,
		Type:          req.Type,
		Remarks:       remarks,
		CreatedBy:     session.UserID,
		CreatedByName: session.Name(),
		CreatedAt:     now,
	}

	var balance decimal.Decimal
	err = s.repo.WithinLedgerTx(ctx, func(ltx store.LedgerTx) error {
		st, err := ltx.ReadStore(ctx, tx.StoreID)
		if err != nil {
			return err
		}
		balance, err = ledger.ApplyEffect(st.CurrentBalance, tx.Type, tx.Amount)
		if err != nil {
			return err
		}
		if err := ledger.ValidateMagnitude(balance); err != nil {
			return fmt.Errorf("resulting balance: %w", err)
		}
		if err := ltx.WriteTransaction(ctx, tx); err != nil {
			return err
		}
		return ltx.WriteStoreBalance(ctx, tx.StoreID, balance, now)
	})
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.afterCommit(ctx, session, domain.EventTransactionCreated, tx, balance)
	return domain.TransactionResponse{Transaction: tx, Balance: balance}, nil
}

// UpdateTransaction patches a transaction and revises the store balance by the
// difference between its old and new effect.
func (s *Service) UpdateTransaction(ctx context.Context, id string, req domain.TransactionUpdateRequest) (domain.TransactionResponse, error) {
	session, err := require(ctx, func(c domain.Capabilities) bool { return c.EditTransactions })
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.TransactionResponse{}, store.ErrInvalidInput
	}

	now := s.now()
	var (
		updated domain.Transaction
		balance decimal.Decimal
	)
	err = s.repo.WithinLedgerTx(ctx, func(ltx store.LedgerTx) error {
		existing, err := ltx.ReadTransaction(ctx, id)
		if err != nil {
			return err
		}
		st, err := ltx.ReadStore(ctx, existing.StoreID)
		if err != nil {
			return err
		}
		if !canSee(session, st) {
			return ErrForbidden
		}

		updated, err = applyPatch(*existing, req)
		if err != nil {
			return err
		}
		updated.UpdatedAt = &now

		balance, err = ledger.ReviseEffect(st.CurrentBalance, existing.Type, existing.Amount, updated.Type, updated.Amount)
		if err != nil {
			return err
		}
		if err := ledger.ValidateMagnitude(balance); err != nil {
			return fmt.Errorf("resulting balance: %w", err)
		}
		if err := ltx.WriteTransaction(ctx, updated); err != nil {
			return err
		}
		return ltx.WriteStoreBalance(ctx, st.ID, balance, now)
	})
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.afterCommit(ctx, session, domain.EventTransactionUpdated, updated, balance)
	return domain.TransactionResponse{Transaction: updated, Balance: balance}, nil
}

// DeleteTransaction removes a transaction and reverses its effect. The
// returned response carries the removed record and the resulting balance.
func (s *Service) DeleteTransaction(ctx context.Context, id string) (domain.TransactionResponse, error) {
	session, err := require(ctx, func(c domain.Capabilities) bool { return c.EditTransactions })
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return domain.TransactionResponse{}, store.ErrInvalidInput
	}

	now := s.now()
	var (
		removed domain.Transaction
		balance decimal.Decimal
	)
	err = s.repo.WithinLedgerTx(ctx, func(ltx store.LedgerTx) error {
		existing, err := ltx.ReadTransaction(ctx, id)
		if err != nil {
			return err
		}
		st, err := ltx.ReadStore(ctx, existing.StoreID)
		if err != nil {
			return err
		}
		if !canSee(session, st) {
			return ErrForbidden
		}

		balance, err = ledger.ReverseEffect(st.CurrentBalance, existing.Type, existing.Amount)
		if err != nil {
			return err
		}
		if err := ledger.ValidateMagnitude(balance); err != nil {
			return fmt.Errorf("resulting balance: %w", err)
		}
		if err := ltx.DeleteTransaction(ctx, id); err != nil {
			return err
		}
		removed = *existing
		return ltx.WriteStoreBalance(ctx, st.ID, balance, now)
	})
	if err != nil {
		return domain.TransactionResponse{}, err
	}

	s.afterCommit(ctx, session, domain.EventTransactionDeleted, removed, balance)
	return domain.TransactionResponse{Transaction: removed, Balance: balance}, nil
}

func (s *Service) GetTransaction(ctx context.Context, id string) (domain.Transaction, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx, err := s.repo.GetTransaction(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Transaction{}, err
	}
	if _, err := s.visibleStore(ctx, session, tx.StoreID); err != nil {
		return domain.Transaction{}, err
	}
	return *tx, nil
}

// ListTransactions returns a store's transactions newest first, narrowed by filter.
func (s *Service) ListTransactions(ctx context.Context, storeID string, filter domain.TransactionFilter) (domain.TransactionListResponse, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.TransactionListResponse{}, err
	}
	st, err := s.visibleStore(ctx, session, storeID)
	if err != nil {
		return domain.TransactionListResponse{}, err
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return domain.TransactionListResponse{}, fmt.Errorf("range end before start: %w", store.ErrInvalidInput)
	}
	if filter.PaymentMethod != "" && !filter.PaymentMethod.Valid() {
		return domain.TransactionListResponse{}, fmt.Errorf("unknown payment method %q: %w", filter.PaymentMethod, store.ErrInvalidInput)
	}
	if filter.Type != "" && !filter.Type.Valid() {
		return domain.TransactionListResponse{}, ledger.ErrUnknownType
	}

	txs, err := s.repo.ListTransactions(ctx, domain.TransactionQuery{
		StoreIDs: []string{st.ID},
		From:     filter.From,
		To:       filter.To,
	})
	if err != nil {
		return domain.TransactionListResponse{}, err
	}

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	result := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if filter.PaymentMethod != "" && tx.PaymentMethod != filter.PaymentMethod {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if search != "" && !matchesSearch(tx, search) {
			continue
		}
		result = append(result, tx)
	}
	sortNewestFirst(result)

	return domain.TransactionListResponse{StoreID: st.ID, Transactions: result}, nil
}

func matchesSearch(tx domain.Transaction, needle string) bool {
	haystacks := []string{
		tx.Remarks,
		tx.CreatedByName,
		tx.Amount.String(),
		tx.Amount.StringFixed(2),
	}
	for _, h := range haystacks {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

func sortNewestFirst(txs []domain.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return txs[i].ID > txs[j].ID
	})
}

func applyPatch(tx domain.Transaction, req domain.TransactionUpdateRequest) (domain.Transaction, error) {
	if req.Amount != nil {
		if err := ledger.ValidateAmount(*req.Amount); err != nil {
			return tx, err
		}
		tx.Amount = *req.Amount
	}
	if req.Type != nil {
		tx.Type = *req.Type
	}
	method := tx.PaymentMethod
	if req.PaymentMethod != nil {
		method = *req.PaymentMethod
	}
	normalized, err := normalizeMethod(tx.Type, method)
	if err != nil {
		return tx, err
	}
	tx.PaymentMethod = normalized
	if req.Remarks != nil {
		remarks, err := normalizeRemarks(*req.Remarks)
		if err != nil {
			return tx, err
		}
		tx.Remarks = remarks
	}
	return tx, nil
}

// normalizeMethod defaults collections to cash and pins withdrawals to cash.
func normalizeMethod(typ domain.TransactionType, method domain.PaymentMethod) (domain.PaymentMethod, error) {
	switch typ {
	case domain.TransactionWithdrawal:
		return domain.PaymentCash, nil
	case domain.TransactionCollection:
		if method == "" {
			return domain.PaymentCash, nil
		}
		if !method.Valid() {
			return "", fmt.Errorf("unknown payment method %q: %w", method, store.ErrInvalidInput)
		}
		return method, nil
	default:
		return "", ledger.ErrUnknownType
	}
}

func normalizeRemarks(raw string) (string, error) {
	remarks := strings.TrimSpace(raw)
	if len(remarks) > maxRemarksLength {
		return "", fmt.Errorf("remarks longer than %d characters: %w", maxRemarksLength, store.ErrInvalidInput)
	}
	return remarks, nil
}

// afterCommit runs the side effects of a committed ledger mutation. Neither
// can undo the commit, so failures are logged only.
func (s *Service) afterCommit(ctx context.Context, session domain.Session, typ domain.LedgerEventType, tx domain.Transaction, balance decimal.Decimal) {
	s.invalidate(ctx, tx.StoreID)

	event := domain.LedgerEvent{
		ID:          xid.New("evt"),
		Type:        typ,
		StoreID:     tx.StoreID,
		Transaction: tx,
		Balance:     balance,
		ActorID:     session.UserID,
		OccurredAt:  s.now(),
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(publishCtx, event); err != nil {
		s.log(ctx).Warn().Err(err).Str("event", string(typ)).Str("transaction_id", tx.ID).Msg("failed to publish ledger event")
	}

	s.log(ctx).Info().
		Str("event", string(typ)).
		Str("store_id", tx.StoreID).
		Str("transaction_id", tx.ID).
		Str("amount", tx.Amount.String()).
		Str("balance", balance.String()).
		Msg("ledger updated")
}
