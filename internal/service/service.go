package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medcash/internal/cache"
	"medcash/internal/domain"
	"medcash/internal/events"
	"medcash/internal/ledger"
	"medcash/internal/logger"
	"medcash/internal/store"
	"medcash/internal/xid"
)

var (
	ErrAuthRequired = errors.New("authentication required")
	ErrForbidden    = errors.New("forbidden")
)

const maxNameLength = 120

type sessionContextKey struct{}

func WithSession(ctx context.Context, session domain.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, session)
}

func SessionFromContext(ctx context.Context) (domain.Session, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(domain.Session)
	return session, ok
}

type Service struct {
	repo      store.Repository
	summaries cache.SummaryCache
	publisher events.Publisher
	cacheTTL  time.Duration
	now       func() time.Time
}

func New(repo store.Repository, summaries cache.SummaryCache, publisher events.Publisher, cacheTTL time.Duration) *Service {
	if summaries == nil {
		summaries = cache.NoopSummaryCache{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Service{
		repo:      repo,
		summaries: summaries,
		publisher: publisher,
		cacheTTL:  cacheTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := logger.FromContext(ctx).With().Str("component", "service").Logger()
	return &l
}

func requireSession(ctx context.Context) (domain.Session, error) {
	session, ok := SessionFromContext(ctx)
	if !ok || session.UserID == "" {
		return domain.Session{}, ErrAuthRequired
	}
	return session, nil
}

func require(ctx context.Context, allowed func(domain.Capabilities) bool) (domain.Session, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	if !allowed(session.Capabilities) {
		return domain.Session{}, ErrForbidden
	}
	return session, nil
}

func canSee(session domain.Session, st *domain.Store) bool {
	return session.CanAccessStore(st.ID) || st.HasEntryPerson(session.UserID)
}

// visibleStore loads a store and checks the session may work with it.
func (s *Service) visibleStore(ctx context.Context, session domain.Session, storeID string) (*domain.Store, error) {
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return nil, store.ErrInvalidInput
	}
	st, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}
	if !canSee(session, st) {
		return nil, ErrForbidden
	}
	return st, nil
}

// AuthorizeStore reports whether the caller may read storeID.
func (s *Service) AuthorizeStore(ctx context.Context, storeID string) error {
	session, err := requireSession(ctx)
	if err != nil {
		return err
	}
	_, err = s.visibleStore(ctx, session, storeID)
	return err
}

func (s *Service) ListStores(ctx context.Context) ([]domain.Store, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListStores(ctx, storeFilterFor(session))
}

func storeFilterFor(session domain.Session) domain.StoreFilter {
	if session.Capabilities.ViewAllStores {
		return domain.StoreFilter{}
	}
	return domain.StoreFilter{EntryPersonID: session.UserID}
}

func (s *Service) GetStore(ctx context.Context, storeID string) (domain.Store, error) {
	session, err := requireSession(ctx)
	if err != nil {
		return domain.Store{}, err
	}
	st, err := s.visibleStore(ctx, session, storeID)
	if err != nil {
		return domain.Store{}, err
	}
	return *st, nil
}

func (s *Service) CreateStore(ctx context.Context, req domain.StoreCreateRequest) (domain.Store, error) {
	if _, err := require(ctx, func(c domain.Capabilities) bool { return c.ManageStores }); err != nil {
		return domain.Store{}, err
	}

	name, err := normalizeName(req.Name)
	if err != nil {
		return domain.Store{}, err
	}
	if err := ledger.ValidateMagnitude(req.OpeningBalance); err != nil {
		return domain.Store{}, fmt.Errorf("opening balance: %v: %w", err, store.ErrInvalidInput)
	}
	entryPersons, err := s.validateEntryPersons(ctx, req.EntryPersonIDs)
	if err != nil {
		return domain.Store{}, err
	}

	now := s.now()
	created, err := s.repo.CreateStore(ctx, domain.Store{
		ID:             xid.New("store"),
		Name:           name,
		Address:        strings.TrimSpace(req.Address),
		OpeningBalance: req.OpeningBalance,
		CurrentBalance: req.OpeningBalance,
		EntryPersonIDs: entryPersons,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return domain.Store{}, err
	}

	s.invalidate(ctx, created.ID)
	s.log(ctx).Info().Str("store_id", created.ID).Str("opening_balance", created.OpeningBalance.String()).Msg("store created")
	return *created, nil
}

func (s *Service) UpdateStore(ctx context.Context, storeID string, req domain.StoreUpdateRequest) (domain.Store, error) {
	if _, err := require(ctx, func(c domain.Capabilities) bool { return c.ManageStores }); err != nil {
		return domain.Store{}, err
	}

	existing, err := s.repo.GetStore(ctx, strings.TrimSpace(storeID))
	if err != nil {
		return domain.Store{}, err
	}

	updated := *existing
	if req.Name != nil {
		name, err := normalizeName(*req.Name)
		if err != nil {
			return domain.Store{}, err
		}
		updated.Name = name
	}
	if req.Address != nil {
		updated.Address = strings.TrimSpace(*req.Address)
	}
	if req.EntryPersonIDs != nil {
		entryPersons, err := s.validateEntryPersons(ctx, *req.EntryPersonIDs)
		if err != nil {
			return domain.Store{}, err
		}
		updated.EntryPersonIDs = entryPersons
	}
	updated.UpdatedAt = s.now()

	saved, err := s.repo.UpdateStore(ctx, updated)
	if err != nil {
		return domain.Store{}, err
	}
	s.invalidate(ctx, saved.ID)
	return *saved, nil
}

func (s *Service) DeleteStore(ctx context.Context, storeID string) error {
	if _, err := require(ctx, func(c domain.Capabilities) bool { return c.ManageStores }); err != nil {
		return err
	}

	storeID = strings.TrimSpace(storeID)
	if err := s.repo.DeleteStore(ctx, storeID); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("store %s still has transactions: %w", storeID, err)
		}
		return err
	}
	s.invalidate(ctx, storeID)
	s.log(ctx).Info().Str("store_id", storeID).Msg("store deleted")
	return nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	if _, err := require(ctx, func(c domain.Capabilities) bool { return c.ManageUsers }); err != nil {
		return nil, err
	}
	return s.repo.ListUsers(ctx)
}

// validateEntryPersons dedupes ids and checks each names an entry person.
func (s *Service) validateEntryPersons(ctx context.Context, ids []string) ([]string, error) {
	result := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		user, err := s.repo.GetUserByID(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("entry person %s does not exist: %w", id, store.ErrInvalidInput)
			}
			return nil, err
		}
		if user.Role != domain.RoleEntryPerson {
			return nil, fmt.Errorf("user %s is not an entry person: %w", id, store.ErrInvalidInput)
		}
		result = append(result, id)
	}
	return result, nil
}

func normalizeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || len(name) > maxNameLength {
		return "", fmt.Errorf("store name must be 1-%d characters: %w", maxNameLength, store.ErrInvalidInput)
	}
	return name, nil
}

// invalidate drops cached reports for storeID and for cross-store views.
// Failures only cost freshness until the cache TTL expires.
func (s *Service) invalidate(ctx context.Context, storeID string) {
	for _, scope := range []string{storeID, cache.AllStores} {
		if err := s.summaries.Invalidate(ctx, scope); err != nil {
			s.log(ctx).Warn().Err(err).Str("scope", scope).Msg("failed to invalidate summary cache")
		}
	}
}
