package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"medcash/internal/domain"
	"medcash/internal/store"
)

const (
	SeedAdminID     = "user-admin"
	SeedEntryID     = "user-entry"
	SeedStoreID     = "store-main"
	SeedAdminEmail  = "admin@medcash.local"
	SeedEntryEmail  = "entry@medcash.local"
	seedOpeningCash = "1000"
)

type Store struct {
	mu            sync.RWMutex
	users         map[string]domain.UserAccount
	userIDByEmail map[string]string
	stores        map[string]domain.Store
	transactions  map[string]domain.Transaction
}

func New() *Store {
	return &Store{
		users:         make(map[string]domain.UserAccount),
		userIDByEmail: make(map[string]string),
		stores:        make(map[string]domain.Store),
		transactions:  make(map[string]domain.Transaction),
	}
}

// NewSeeded returns a store holding one admin, one entry person and one medical
// store assigned to that entry person, for dev/demo mode. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_ENTRY_PASSWORD, falling back to dev defaults.
func NewSeeded() *Store {
	s := New()

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	entryPwd := envOr("SEED_ENTRY_PASSWORD", "entry123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_ENTRY_PASSWORD") == "" {
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_ENTRY_PASSWORD to override")
	}

	now := time.Now().UTC()
	for _, u := range []struct {
		id       string
		email    string
		name     string
		password string
		role     domain.Role
	}{
		{SeedAdminID, SeedAdminEmail, "Store Admin", adminPwd, domain.RoleAdmin},
		{SeedEntryID, SeedEntryEmail, "Counter Staff", entryPwd, domain.RoleEntryPerson},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("user", u.email).Msg("failed to hash seed password")
		}
		s.users[u.id] = domain.UserAccount{
			ID:           u.id,
			Email:        u.email,
			DisplayName:  u.name,
			PasswordHash: string(hash),
			Role:         u.role,
			CreatedAt:    now,
		}
		s.userIDByEmail[u.email] = u.id
	}

	opening := decimal.RequireFromString(seedOpeningCash)
	s.stores[SeedStoreID] = domain.Store{
		ID:             SeedStoreID,
		Name:           "City Medical Store",
		Address:        "12 Station Road",
		OpeningBalance: opening,
		CurrentBalance: opening,
		EntryPersonIDs: []string{SeedEntryID},
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertUserLocked(user)
}

func (s *Store) CreateFirstAdmin(_ context.Context, user domain.UserAccount) error {
	if user.Role != domain.RoleAdmin {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.users {
		if existing.Role == domain.RoleAdmin {
			return store.ErrAdminExists
		}
	}
	return s.insertUserLocked(user)
}

func (s *Store) insertUserLocked(user domain.UserAccount) error {
	email := strings.ToLower(strings.TrimSpace(user.Email))
	if user.ID == "" || email == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.userIDByEmail[email]; exists {
		return store.ErrConflict
	}
	if _, exists := s.users[user.ID]; exists {
		return store.ErrConflict
	}
	user.Email = email
	s.users[user.ID] = user
	s.userIDByEmail[email] = user.ID
	return nil
}

func (s *Store) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.userIDByEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, store.ErrNotFound
	}
	user := s.users[id]
	return &user, nil
}

func (s *Store) UpdateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.users[user.ID]
	if !ok {
		return store.ErrNotFound
	}
	// Email is the sign-in key and stays fixed.
	user.Email = existing.Email
	s.users[user.ID] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Email, b.Email)
	})
	return users, nil
}

func (s *Store) CreateStore(_ context.Context, st domain.Store) (*domain.Store, error) {
	if st.ID == "" || strings.TrimSpace(st.Name) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.stores[st.ID]; exists {
		return nil, store.ErrConflict
	}
	st = cloneStore(st)
	s.stores[st.ID] = st
	created := cloneStore(st)
	return &created, nil
}

func (s *Store) GetStore(_ context.Context, id string) (*domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stores[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneStore(st)
	return &out, nil
}

func (s *Store) ListStores(_ context.Context, filter domain.StoreFilter) ([]domain.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Store, 0, len(s.stores))
	for _, st := range s.stores {
		if filter.EntryPersonID != "" && !st.HasEntryPerson(filter.EntryPersonID) {
			continue
		}
		result = append(result, cloneStore(st))
	}
	slices.SortFunc(result, func(a, b domain.Store) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) UpdateStore(_ context.Context, st domain.Store) (*domain.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.stores[st.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Name = st.Name
	existing.Address = st.Address
	existing.EntryPersonIDs = slices.Clone(st.EntryPersonIDs)
	existing.UpdatedAt = st.UpdatedAt
	s.stores[st.ID] = existing

	out := cloneStore(existing)
	return &out, nil
}

func (s *Store) DeleteStore(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stores[id]; !ok {
		return store.ErrNotFound
	}
	for _, tx := range s.transactions {
		if tx.StoreID == id {
			return store.ErrConflict
		}
	}
	delete(s.stores, id)
	return nil
}

func (s *Store) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tx, nil
}

func (s *Store) ListTransactions(_ context.Context, q domain.TransactionQuery) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var storeSet map[string]struct{}
	if len(q.StoreIDs) > 0 {
		storeSet = make(map[string]struct{}, len(q.StoreIDs))
		for _, id := range q.StoreIDs {
			storeSet[id] = struct{}{}
		}
	}

	result := make([]domain.Transaction, 0, 64)
	for _, tx := range s.transactions {
		if storeSet != nil {
			if _, ok := storeSet[tx.StoreID]; !ok {
				continue
			}
		}
		if q.From != nil && tx.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && tx.CreatedAt.After(*q.To) {
			continue
		}
		result = append(result, tx)
	}
	return result, nil
}

func (s *Store) WithinLedgerTx(ctx context.Context, fn func(tx store.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := &ledgerTx{
		parent:       s,
		stores:       make(map[string]domain.Store),
		transactions: make(map[string]*domain.Transaction),
	}
	if err := fn(staged); err != nil {
		return err
	}
	staged.commit()
	return nil
}

// ledgerTx stages writes over the parent maps. The parent write lock is held for
// the whole unit, so nothing else observes the staged state.
type ledgerTx struct {
	parent       *Store
	stores       map[string]domain.Store
	transactions map[string]*domain.Transaction
}

func (t *ledgerTx) ReadStore(_ context.Context, id string) (*domain.Store, error) {
	st, ok := t.lookupStore(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneStore(st)
	return &out, nil
}

func (t *ledgerTx) WriteStoreBalance(_ context.Context, id string, balance decimal.Decimal, at time.Time) error {
	st, ok := t.lookupStore(id)
	if !ok {
		return store.ErrNotFound
	}
	st = cloneStore(st)
	st.CurrentBalance = balance
	st.UpdatedAt = at
	t.stores[id] = st
	return nil
}

func (t *ledgerTx) ReadTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	if staged, ok := t.transactions[id]; ok {
		if staged == nil {
			return nil, store.ErrNotFound
		}
		out := *staged
		return &out, nil
	}
	tx, ok := t.parent.transactions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tx, nil
}

func (t *ledgerTx) WriteTransaction(_ context.Context, tx domain.Transaction) error {
	if tx.ID == "" {
		return store.ErrInvalidInput
	}
	if _, ok := t.lookupStore(tx.StoreID); !ok {
		return store.ErrNotFound
	}
	staged := tx
	t.transactions[tx.ID] = &staged
	return nil
}

func (t *ledgerTx) DeleteTransaction(ctx context.Context, id string) error {
	if _, err := t.ReadTransaction(ctx, id); err != nil {
		return err
	}
	t.transactions[id] = nil
	return nil
}

func (t *ledgerTx) lookupStore(id string) (domain.Store, bool) {
	if st, ok := t.stores[id]; ok {
		return st, true
	}
	st, ok := t.parent.stores[id]
	return st, ok
}

func (t *ledgerTx) commit() {
	for id, st := range t.stores {
		t.parent.stores[id] = st
	}
	for id, tx := range t.transactions {
		if tx == nil {
			delete(t.parent.transactions, id)
			continue
		}
		t.parent.transactions[id] = *tx
	}
}

func cloneStore(src domain.Store) domain.Store {
	out := src
	out.EntryPersonIDs = slices.Clone(src.EntryPersonIDs)
	if out.EntryPersonIDs == nil {
		out.EntryPersonIDs = []string{}
	}
	return out
}
