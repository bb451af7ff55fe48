package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"medcash/internal/domain"
	"medcash/internal/service"
	"medcash/internal/store"
	"medcash/internal/store/memory"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	stores  []domain.Store
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(user)
}

func (s *userStoreStub) CreateFirstAdmin(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Role == domain.RoleAdmin {
			return store.ErrAdminExists
		}
	}
	return s.insertLocked(user)
}

func (s *userStoreStub) insertLocked(user domain.UserAccount) error {
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	for _, existing := range s.users {
		if existing.Email == user.Email {
			return store.ErrConflict
		}
	}
	s.users[user.ID] = user
	return nil
}

func (s *userStoreStub) GetUserByID(_ context.Context, id string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *userStoreStub) GetUserByEmail(_ context.Context, email string) (*domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			u := user
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *userStoreStub) UpdateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; !ok {
		return store.ErrNotFound
	}
	s.users[user.ID] = user
	s.updates++
	return nil
}

func (s *userStoreStub) ListStores(_ context.Context, filter domain.StoreFilter) ([]domain.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Store, 0, len(s.stores))
	for _, st := range s.stores {
		if filter.EntryPersonID != "" && !st.HasEntryPerson(filter.EntryPersonID) {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

func TestSignUpStoresPasswordHashAndSignsIn(t *testing.T) {
	users := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, users)

	resp, err := manager.SignUp(context.Background(), domain.SignUpRequest{
		Email:       "  Nurse@Example.com ",
		Password:    "pass1234",
		DisplayName: "Nurse Joy",
	}, nil)
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("expected access token after sign up")
	}
	if resp.Session.Role != domain.RoleEntryPerson {
		t.Fatalf("expected default role entry_person, got %s", resp.Session.Role)
	}
	if resp.Session.Email != "nurse@example.com" {
		t.Fatalf("expected normalized email, got %s", resp.Session.Email)
	}

	saved, err := users.GetUserByEmail(context.Background(), "nurse@example.com")
	if err != nil {
		t.Fatalf("expected user to be saved: %v", err)
	}
	if saved.PasswordHash == "pass1234" || !strings.HasPrefix(saved.PasswordHash, "$2") {
		t.Fatalf("expected bcrypt hash, got %s", saved.PasswordHash)
	}

	signedIn, err := manager.SignIn(context.Background(), domain.SignInRequest{Email: "nurse@example.com", Password: "pass1234"})
	if err != nil {
		t.Fatalf("sign in with new account failed: %v", err)
	}
	if signedIn.Session.UserID != saved.ID {
		t.Fatalf("expected session for %s, got %s", saved.ID, signedIn.Session.UserID)
	}
	if users.updates != 1 {
		t.Fatalf("expected last login to be recorded once, got %d updates", users.updates)
	}
}

func TestSignUpRejectsWeakInput(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})

	cases := []domain.SignUpRequest{
		{Email: "not-an-email", Password: "pass1234", DisplayName: "A"},
		{Email: "a@example.com", Password: "123", DisplayName: "A"},
		{Email: "a@example.com", Password: "pass1234", DisplayName: "   "},
		{Email: "a@example.com", Password: "pass1234", DisplayName: "A", Role: "owner"},
	}
	for i, req := range cases {
		if _, err := manager.SignUp(context.Background(), req, nil); !errors.Is(err, store.ErrInvalidInput) {
			t.Fatalf("case %d: expected ErrInvalidInput, got %v", i, err)
		}
	}
}

func TestSignUpDuplicateEmailConflicts(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})
	req := domain.SignUpRequest{Email: "dup@example.com", Password: "pass1234", DisplayName: "Dup"}

	if _, err := manager.SignUp(context.Background(), req, nil); err != nil {
		t.Fatalf("first sign up failed: %v", err)
	}
	if _, err := manager.SignUp(context.Background(), req, nil); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestAdminSignUpPolicy(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})
	ctx := context.Background()

	first, err := manager.SignUp(ctx, domain.SignUpRequest{
		Email: "owner@example.com", Password: "pass1234", DisplayName: "Owner", Role: domain.RoleAdmin,
	}, nil)
	if err != nil {
		t.Fatalf("first admin sign up should be open: %v", err)
	}

	_, err = manager.SignUp(ctx, domain.SignUpRequest{
		Email: "intruder@example.com", Password: "pass1234", DisplayName: "Intruder", Role: domain.RoleAdmin,
	}, nil)
	if !errors.Is(err, service.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for second anonymous admin, got %v", err)
	}

	caller := first.Session
	if _, err := manager.SignUp(ctx, domain.SignUpRequest{
		Email: "partner@example.com", Password: "pass1234", DisplayName: "Partner", Role: domain.RoleAdmin,
	}, &caller); err != nil {
		t.Fatalf("admin should be able to create another admin: %v", err)
	}
}

func TestConcurrentAdminSignUpsBootstrapOnlyOneAdmin(t *testing.T) {
	users := memory.New()
	manager := NewAuthManager("test-secret", time.Hour, users)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admins    int
		forbidden int
	)
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.SignUp(context.Background(), domain.SignUpRequest{
				Email:       fmt.Sprintf("owner%d@example.com", i),
				Password:    "pass1234",
				DisplayName: "Owner",
				Role:        domain.RoleAdmin,
			}, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admins++
			case errors.Is(err, service.ErrForbidden):
				forbidden++
			default:
				t.Errorf("unexpected sign up error: %v", err)
			}
		}()
	}
	wg.Wait()

	if admins != 1 || forbidden != attempts-1 {
		t.Fatalf("expected exactly one bootstrapped admin, got %d admins and %d forbidden", admins, forbidden)
	}
}

func TestSignInRejectsWrongPassword(t *testing.T) {
	users := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, users)
	if _, err := manager.SignUp(context.Background(), domain.SignUpRequest{
		Email: "a@example.com", Password: "pass1234", DisplayName: "A",
	}, nil); err != nil {
		t.Fatalf("sign up failed: %v", err)
	}

	if _, err := manager.SignIn(context.Background(), domain.SignInRequest{Email: "a@example.com", Password: "nope-nope"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := manager.SignIn(context.Background(), domain.SignInRequest{Email: "ghost@example.com", Password: "pass1234"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestParseTokenResolvesAssignedStores(t *testing.T) {
	users := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, users)
	resp, err := manager.SignUp(context.Background(), domain.SignUpRequest{
		Email: "clerk@example.com", Password: "pass1234", DisplayName: "Clerk",
	}, nil)
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if len(resp.Session.StoreIDs) != 0 {
		t.Fatalf("expected no stores before assignment, got %v", resp.Session.StoreIDs)
	}

	users.stores = []domain.Store{
		{ID: "store-a", EntryPersonIDs: []string{resp.Session.UserID}},
		{ID: "store-b"},
	}

	session, err := manager.ParseToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if len(session.StoreIDs) != 1 || session.StoreIDs[0] != "store-a" {
		t.Fatalf("expected assignment to apply on next request, got %v", session.StoreIDs)
	}
	if session.Capabilities.EditTransactions {
		t.Fatalf("entry person must not edit transactions")
	}
}

func TestSignOutRevokesToken(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, &userStoreStub{})
	resp, err := manager.SignUp(context.Background(), domain.SignUpRequest{
		Email: "a@example.com", Password: "pass1234", DisplayName: "A",
	}, nil)
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}

	session, err := manager.ParseToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	manager.SignOut(session)

	if _, err := manager.ParseToken(context.Background(), resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected revoked token to be rejected, got %v", err)
	}
}

func TestParseTokenRejectsForeignAndUnsignedTokens(t *testing.T) {
	users := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, users)
	resp, err := manager.SignUp(context.Background(), domain.SignUpRequest{
		Email: "a@example.com", Password: "pass1234", DisplayName: "A",
	}, nil)
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}

	other := NewAuthManager("another-secret", time.Hour, users)
	if _, err := other.ParseToken(context.Background(), resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token from another secret to be rejected, got %v", err)
	}

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        "forged",
			Subject:   resp.Session.UserID,
			Issuer:    "medcash",
			ExpiresAt: jwtlib.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: string(domain.RoleAdmin),
	})
	forged, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("build unsigned token: %v", err)
	}
	if _, err := manager.ParseToken(context.Background(), forged); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unsigned token to be rejected, got %v", err)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Minute, &userStoreStub{})
	manager.now = func() time.Time { return time.Now().UTC().Add(-2 * time.Hour) }

	resp, err := manager.SignUp(context.Background(), domain.SignUpRequest{
		Email: "a@example.com", Password: "pass1234", DisplayName: "A",
	}, nil)
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}
	if _, err := manager.ParseToken(context.Background(), resp.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestUpdateProfileChangesDisplayName(t *testing.T) {
	users := &userStoreStub{}
	manager := NewAuthManager("test-secret", time.Hour, users)
	resp, err := manager.SignUp(context.Background(), domain.SignUpRequest{
		Email: "a@example.com", Password: "pass1234", DisplayName: "Old",
	}, nil)
	if err != nil {
		t.Fatalf("sign up failed: %v", err)
	}

	name := "  New Name "
	updated, err := manager.UpdateProfile(context.Background(), resp.Session, domain.ProfileUpdateRequest{DisplayName: &name})
	if err != nil {
		t.Fatalf("update profile failed: %v", err)
	}
	if updated.DisplayName != "New Name" {
		t.Fatalf("expected trimmed display name, got %q", updated.DisplayName)
	}
	if updated.TokenID != resp.Session.TokenID {
		t.Fatalf("expected token id to carry over")
	}

	empty := ""
	if _, err := manager.UpdateProfile(context.Background(), resp.Session, domain.ProfileUpdateRequest{DisplayName: &empty}); !errors.Is(err, store.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty name, got %v", err)
	}
}
