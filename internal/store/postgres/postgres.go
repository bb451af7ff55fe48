package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"medcash/internal/domain"
	"medcash/internal/store"
)

const maxLedgerAttempts = 4

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	return insertUser(ctx, s.db, user)
}

// firstAdminLockKey names the advisory lock that serializes admin bootstrap.
const firstAdminLockKey = 7_241_001

func (s *Store) CreateFirstAdmin(ctx context.Context, user domain.UserAccount) error {
	if user.Role != domain.RoleAdmin {
		return store.ErrInvalidInput
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, firstAdminLockKey); err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE role = $1)`, string(domain.RoleAdmin)).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return store.ErrAdminExists
	}
	if err := insertUser(ctx, tx, user); err != nil {
		return err
	}
	return tx.Commit()
}

func insertUser(ctx context.Context, q querier, user domain.UserAccount) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.ID == "" || user.Email == "" || user.PasswordHash == "" || !user.Role.Valid() {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, role, created_at, last_login)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, user.ID, user.Email, user.DisplayName, user.PasswordHash, string(user.Role), user.CreatedAt, nullTime(user.LastLogin))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

const userColumns = `id, email, display_name, password_hash, role, created_at, last_login`

func (s *Store) GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (s *Store) UpdateUser(ctx context.Context, user domain.UserAccount) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET display_name = $2, password_hash = $3, role = $4, last_login = $5
		WHERE id = $1
	`, user.ID, user.DisplayName, user.PasswordHash, string(user.Role), nullTime(user.LastLogin))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY email ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) CreateStore(ctx context.Context, st domain.Store) (*domain.Store, error) {
	if st.ID == "" || strings.TrimSpace(st.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	now := time.Now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = st.CreatedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO stores (id, name, address, opening_balance, current_balance, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, st.ID, st.Name, st.Address, st.OpeningBalance, st.CurrentBalance, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if err := replaceEntryPersons(ctx, tx, st.ID, st.EntryPersonIDs); err != nil {
		return nil, err
	}

	created, err := readStore(ctx, tx, st.ID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetStore(ctx context.Context, id string) (*domain.Store, error) {
	return readStore(ctx, s.db, id, false)
}

func (s *Store) ListStores(ctx context.Context, filter domain.StoreFilter) ([]domain.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores s`
	args := []any{}
	if filter.EntryPersonID != "" {
		query += ` WHERE EXISTS (
			SELECT 1 FROM store_entry_persons sep
			WHERE sep.store_id = s.id AND sep.user_id = $1
		)`
		args = append(args, filter.EntryPersonID)
	}
	query += ` ORDER BY s.name ASC, s.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	stores := make([]domain.Store, 0, 16)
	for rows.Next() {
		st, err := scanStore(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		stores = append(stores, *st)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	ids := make([]string, 0, len(stores))
	for _, st := range stores {
		ids = append(ids, st.ID)
	}
	assigned, err := loadEntryPersons(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range stores {
		if people, ok := assigned[stores[i].ID]; ok {
			stores[i].EntryPersonIDs = people
		}
	}
	return stores, nil
}

func (s *Store) UpdateStore(ctx context.Context, st domain.Store) (*domain.Store, error) {
	if st.ID == "" || strings.TrimSpace(st.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE stores
		SET name = $2, address = $3, updated_at = $4
		WHERE id = $1
	`, st.ID, st.Name, st.Address, st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}
	if err := replaceEntryPersons(ctx, tx, st.ID, st.EntryPersonIDs); err != nil {
		return nil, err
	}

	updated, err := readStore(ctx, tx, st.ID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) DeleteStore(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stores WHERE id = $1`, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return readTransaction(ctx, s.db, id, false)
}

func (s *Store) ListTransactions(ctx context.Context, q domain.TransactionQuery) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions`
	conditions := make([]string, 0, 3)
	args := make([]any, 0, len(q.StoreIDs)+2)

	if len(q.StoreIDs) > 0 {
		conditions = append(conditions, `store_id IN (`+placeholders(len(args)+1, len(q.StoreIDs))+`)`)
		for _, id := range q.StoreIDs {
			args = append(args, id)
		}
	}
	if q.From != nil {
		args = append(args, q.From.UTC())
		conditions = append(conditions, fmt.Sprintf(`created_at >= $%d`, len(args)))
	}
	if q.To != nil {
		args = append(args, q.To.UTC())
		conditions = append(conditions, fmt.Sprintf(`created_at <= $%d`, len(args)))
	}
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, ` AND `)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return txs, nil
}

// WithinLedgerTx runs fn inside a serializable transaction. Serialization
// failures and deadlocks roll back and rerun fn, so fn must not have side
// effects outside the LedgerTx.
func (s *Store) WithinLedgerTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	var err error
	for attempt := 1; attempt <= maxLedgerAttempts; attempt++ {
		err = s.runLedgerTx(ctx, fn)
		if !isRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 20 * time.Millisecond):
		}
	}
	return fmt.Errorf("ledger transaction gave up after %d attempts: %w", maxLedgerAttempts, err)
}

func (s *Store) runLedgerTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	if err := fn(&ledgerTx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit()
}

type ledgerTx struct {
	tx *sql.Tx
}

// ReadStore locks the store row until the unit ends.
func (t *ledgerTx) ReadStore(ctx context.Context, id string) (*domain.Store, error) {
	return readStore(ctx, t.tx, id, true)
}

func (t *ledgerTx) WriteStoreBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE stores
		SET current_balance = $2, updated_at = $3
		WHERE id = $1
	`, id, balance, at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *ledgerTx) ReadTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return readTransaction(ctx, t.tx, id, true)
}

func (t *ledgerTx) WriteTransaction(ctx context.Context, tx domain.Transaction) error {
	if tx.ID == "" {
		return store.ErrInvalidInput
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, store_id, amount, payment_method, type, remarks,
			created_by, created_by_name, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id)
		DO UPDATE SET
			amount = EXCLUDED.amount,
			payment_method = EXCLUDED.payment_method,
			type = EXCLUDED.type,
			remarks = EXCLUDED.remarks,
			updated_at = EXCLUDED.updated_at
	`, tx.ID, tx.StoreID, tx.Amount, string(tx.PaymentMethod), string(tx.Type), tx.Remarks,
		tx.CreatedBy, tx.CreatedByName, tx.CreatedAt.UTC(), nullTimePtr(tx.UpdatedAt))
	if err != nil {
		if isForeignKeyViolation(err) {
			return store.ErrNotFound
		}
		if isCheckViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (t *ledgerTx) DeleteTransaction(ctx context.Context, id string) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const storeColumns = `s.id, s.name, s.address, s.opening_balance, s.current_balance, s.created_at, s.updated_at`

const transactionColumns = `id, store_id, amount, payment_method, type, remarks, created_by, created_by_name, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func readStore(ctx context.Context, q querier, id string, lock bool) (*domain.Store, error) {
	query := `SELECT ` + storeColumns + ` FROM stores s WHERE s.id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	st, err := scanStore(q.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	assigned, err := loadEntryPersons(ctx, q, []string{id})
	if err != nil {
		return nil, err
	}
	if people, ok := assigned[id]; ok {
		st.EntryPersonIDs = people
	}
	return st, nil
}

func scanStore(row rowScanner) (*domain.Store, error) {
	var st domain.Store
	if err := row.Scan(&st.ID, &st.Name, &st.Address, &st.OpeningBalance, &st.CurrentBalance, &st.CreatedAt, &st.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	st.CreatedAt = st.CreatedAt.UTC()
	st.UpdatedAt = st.UpdatedAt.UTC()
	st.EntryPersonIDs = []string{}
	return &st, nil
}

func loadEntryPersons(ctx context.Context, q querier, storeIDs []string) (map[string][]string, error) {
	result := make(map[string][]string, len(storeIDs))
	if len(storeIDs) == 0 {
		return result, nil
	}

	args := make([]any, 0, len(storeIDs))
	for _, id := range storeIDs {
		args = append(args, id)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT store_id, user_id
		FROM store_entry_persons
		WHERE store_id IN (`+placeholders(1, len(storeIDs))+`)
		ORDER BY store_id, user_id
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var storeID, userID string
		if err := rows.Scan(&storeID, &userID); err != nil {
			return nil, err
		}
		result[storeID] = append(result[storeID], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func replaceEntryPersons(ctx context.Context, tx *sql.Tx, storeID string, userIDs []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM store_entry_persons WHERE store_id = $1`, storeID); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO store_entry_persons (store_id, user_id)
			VALUES ($1,$2)
		`, storeID, userID)
		if err != nil {
			if isForeignKeyViolation(err) {
				return store.ErrInvalidInput
			}
			return err
		}
	}
	return nil
}

func readTransaction(ctx context.Context, q querier, id string, lock bool) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	return scanTransaction(q.QueryRowContext(ctx, query, id))
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx        domain.Transaction
		method    string
		typ       string
		updatedAt sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.StoreID, &tx.Amount, &method, &typ, &tx.Remarks,
		&tx.CreatedBy, &tx.CreatedByName, &tx.CreatedAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	tx.PaymentMethod = domain.PaymentMethod(method)
	tx.Type = domain.TransactionType(typ)
	tx.CreatedAt = tx.CreatedAt.UTC()
	if updatedAt.Valid {
		at := updatedAt.Time.UTC()
		tx.UpdatedAt = &at
	}
	return &tx, nil
}

func scanUser(row rowScanner) (*domain.UserAccount, error) {
	var (
		user      domain.UserAccount
		role      string
		lastLogin sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Email, &user.DisplayName, &user.PasswordHash, &role, &user.CreatedAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	user.Role = domain.Role(role)
	user.CreatedAt = user.CreatedAt.UTC()
	if lastLogin.Valid {
		user.LastLogin = lastLogin.Time.UTC()
	}
	return &user, nil
}

// placeholders renders "$start, $start+1, ..." for n positional args.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == "23505"
}

func isForeignKeyViolation(err error) bool {
	return pgCode(err) == "23503"
}

func isCheckViolation(err error) bool {
	return pgCode(err) == "23514"
}

// isRetryable matches serialization_failure and deadlock_detected.
func isRetryable(err error) bool {
	switch pgCode(err) {
	case "40001", "40P01":
		return true
	}
	return false
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val.UTC()
}

func nullTimePtr(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
