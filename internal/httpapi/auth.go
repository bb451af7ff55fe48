package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"medcash/internal/domain"
	"medcash/internal/service"
	"medcash/internal/store"
	"medcash/internal/xid"
)

const (
	minPasswordLength    = 6
	maxDisplayNameLength = 80
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the slice of the repository authentication needs.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByID(ctx context.Context, id string) (*domain.UserAccount, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.UserAccount, error)
	UpdateUser(ctx context.Context, user domain.UserAccount) error
	CreateFirstAdmin(ctx context.Context, user domain.UserAccount) error
	ListStores(ctx context.Context, filter domain.StoreFilter) ([]domain.Store, error)
}

type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	now      func() time.Time

	mu      sync.Mutex
	revoked map[string]time.Time
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	return &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		now:      func() time.Time { return time.Now().UTC() },
		revoked:  make(map[string]time.Time),
	}
}

func (a *AuthManager) SignIn(ctx context.Context, req domain.SignInRequest) (domain.SignInResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || req.Password == "" {
		return domain.SignInResponse{}, ErrInvalidCredentials
	}

	user, err := a.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SignInResponse{}, ErrInvalidCredentials
		}
		return domain.SignInResponse{}, err
	}
	if !verifyPassword(user.PasswordHash, req.Password) {
		return domain.SignInResponse{}, ErrInvalidCredentials
	}

	user.LastLogin = a.now()
	if err := a.users.UpdateUser(ctx, *user); err != nil {
		return domain.SignInResponse{}, fmt.Errorf("record last login: %w", err)
	}
	return a.issue(ctx, *user)
}

// SignUp creates an account and signs it in. Entry person accounts are open;
// an admin account needs either no existing admin or an admin caller.
func (a *AuthManager) SignUp(ctx context.Context, req domain.SignUpRequest, caller *domain.Session) (domain.SignInResponse, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return domain.SignInResponse{}, fmt.Errorf("a valid email is required: %w", store.ErrInvalidInput)
	}
	if len(req.Password) < minPasswordLength {
		return domain.SignInResponse{}, fmt.Errorf("password must be at least %d characters: %w", minPasswordLength, store.ErrInvalidInput)
	}
	displayName, err := normalizeDisplayName(req.DisplayName)
	if err != nil {
		return domain.SignInResponse{}, err
	}

	role := req.Role
	if role == "" {
		role = domain.RoleEntryPerson
	}
	if !role.Valid() {
		return domain.SignInResponse{}, fmt.Errorf("unknown role %q: %w", role, store.ErrInvalidInput)
	}
	// Without an admin caller, an admin account may only bootstrap an empty
	// installation.
	bootstrap := role == domain.RoleAdmin && (caller == nil || caller.Role != domain.RoleAdmin)

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.SignInResponse{}, fmt.Errorf("failed to hash password")
	}
	now := a.now()
	user := domain.UserAccount{
		ID:           xid.New("user"),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    now,
		LastLogin:    now,
	}
	create := a.users.CreateUser
	if bootstrap {
		create = a.users.CreateFirstAdmin
	}
	if err := create(ctx, user); err != nil {
		if errors.Is(err, store.ErrAdminExists) {
			return domain.SignInResponse{}, fmt.Errorf("only an admin can create another admin: %w", service.ErrForbidden)
		}
		if errors.Is(err, store.ErrConflict) {
			return domain.SignInResponse{}, fmt.Errorf("email already registered: %w", err)
		}
		return domain.SignInResponse{}, err
	}
	return a.issue(ctx, user)
}

// SignOut revokes the session's token until it would have expired anyway.
func (a *AuthManager) SignOut(session domain.Session) {
	if session.TokenID == "" {
		return
	}
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	for id, exp := range a.revoked {
		if !exp.After(now) {
			delete(a.revoked, id)
		}
	}
	a.revoked[session.TokenID] = session.ExpiresAt
}

func (a *AuthManager) isRevoked(tokenID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.revoked[tokenID]
	return ok
}

// ParseToken validates an access token and rebuilds the session from the
// current state of the account, so role and store changes apply immediately.
func (a *AuthManager) ParseToken(ctx context.Context, tokenStr string) (domain.Session, error) {
	claims := &sessionClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer("medcash"))
	if err != nil || !token.Valid {
		return domain.Session{}, ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" || claims.ID == "" || claims.ExpiresAt == nil {
		return domain.Session{}, ErrInvalidToken
	}
	if a.isRevoked(claims.ID) {
		return domain.Session{}, ErrInvalidToken
	}

	user, err := a.users.GetUserByID(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Session{}, ErrInvalidToken
		}
		return domain.Session{}, err
	}
	session, err := a.BuildSession(ctx, *user)
	if err != nil {
		return domain.Session{}, err
	}
	session.TokenID = claims.ID
	session.ExpiresAt = claims.ExpiresAt.Time
	return session, nil
}

// BuildSession resolves a user's role into capabilities and assigned stores.
func (a *AuthManager) BuildSession(ctx context.Context, user domain.UserAccount) (domain.Session, error) {
	session := domain.Session{
		UserID:       user.ID,
		Email:        user.Email,
		DisplayName:  user.DisplayName,
		Role:         user.Role,
		Capabilities: domain.CapabilitiesFor(user.Role),
	}
	if session.Capabilities.ViewAllStores {
		return session, nil
	}

	stores, err := a.users.ListStores(ctx, domain.StoreFilter{EntryPersonID: user.ID})
	if err != nil {
		return domain.Session{}, err
	}
	session.StoreIDs = make([]string, 0, len(stores))
	for _, st := range stores {
		session.StoreIDs = append(session.StoreIDs, st.ID)
	}
	return session, nil
}

func (a *AuthManager) UpdateProfile(ctx context.Context, session domain.Session, req domain.ProfileUpdateRequest) (domain.Session, error) {
	user, err := a.users.GetUserByID(ctx, session.UserID)
	if err != nil {
		return domain.Session{}, err
	}
	if req.DisplayName != nil {
		name, err := normalizeDisplayName(*req.DisplayName)
		if err != nil {
			return domain.Session{}, err
		}
		user.DisplayName = name
	}
	if err := a.users.UpdateUser(ctx, *user); err != nil {
		return domain.Session{}, err
	}

	updated, err := a.BuildSession(ctx, *user)
	if err != nil {
		return domain.Session{}, err
	}
	updated.TokenID = session.TokenID
	updated.ExpiresAt = session.ExpiresAt
	return updated, nil
}

func (a *AuthManager) issue(ctx context.Context, user domain.UserAccount) (domain.SignInResponse, error) {
	session, err := a.BuildSession(ctx, user)
	if err != nil {
		return domain.SignInResponse{}, err
	}

	now := a.now()
	expiresAt := now.Add(a.tokenTTL)
	session.TokenID = uuid.NewString()
	session.ExpiresAt = expiresAt

	token, err := a.sign(session, now)
	if err != nil {
		return domain.SignInResponse{}, err
	}
	return domain.SignInResponse{
		AccessToken: token,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		Session:     session,
	}, nil
}

func (a *AuthManager) sign(session domain.Session, issuedAt time.Time) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        session.TokenID,
			Subject:   session.UserID,
			IssuedAt:  jwtlib.NewNumericDate(issuedAt),
			ExpiresAt: jwtlib.NewNumericDate(session.ExpiresAt),
			Issuer:    "medcash",
		},
		Role: string(session.Role),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func normalizeDisplayName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" || len(name) > maxDisplayNameLength {
		return "", fmt.Errorf("display name must be 1-%d characters: %w", maxDisplayNameLength, store.ErrInvalidInput)
	}
	return name, nil
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || input == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
