package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/imagecredits/backend/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("not authenticated")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = errors.New("password must be at least 6 characters")
)

const minPasswordLen = 6

// Store persists users and revoked session ids.
type Store interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	IsTokenRevoked(ctx context.Context, jti string) (bool, error)
	PruneRevokedTokens(ctx context.Context, before time.Time) (int64, error)
}

// AccountOpener creates the credit account for a new user.
type AccountOpener interface {
	OpenAccount(ctx context.Context, userID uuid.UUID) (*models.Account, error)
}

// Session is an issued bearer token.
type Session struct {
	UserID    uuid.UUID
	Token     string
	ExpiresAt time.Time
}

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.User, error)
	Login(ctx context.Context, email, password string) (*Session, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	CurrentUser(ctx context.Context, token string) (*models.User, error)
	SignOut(ctx context.Context, token string) error
}

type Config struct {
	Secret   string
	TokenTTL time.Duration
}

type service struct {
	store    Store
	accounts AccountOpener
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

func NewService(store Store, accounts AccountOpener, cfg Config) *service {
	if cfg.Secret == "" {
		cfg.Secret = "supersecretmvp"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return &service{store: store, accounts: accounts, secret: []byte(cfg.Secret), ttl: cfg.TokenTTL, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	email = normalizeEmail(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, ErrInvalidEmail
	}
	if len(password) < minPasswordLen {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if _, err := s.accounts.OpenAccount(ctx, u.ID); err != nil {
		// Login opens the account again, so the user is not stranded.
		return nil, fmt.Errorf("open credit account: %w", err)
	}
	return u, nil
}

func (s *service) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.store.GetUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	if _, err := s.accounts.OpenAccount(ctx, u.ID); err != nil {
		return nil, fmt.Errorf("open credit account: %w", err)
	}
	return s.issueToken(u)
}

func (s *service) issueToken(u *models.User) (*Session, error) {
	now := s.now()
	expires := now.Add(s.ttl)
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   u.ID.String(),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Email: u.Email,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return nil, err
	}
	return &Session{UserID: u.ID, Token: signed, ExpiresAt: expires}, nil
}

func (s *service) parse(ctx context.Context, token string) (*claims, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrUnauthenticated
	}
	if c.ID != "" {
		revoked, err := s.store.IsTokenRevoked(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("check session revocation: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: session signed out", ErrUnauthenticated)
		}
	}
	return c, nil
}

// ValidateToken returns the user id of a live session.
func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, error) {
	c, err := s.parse(ctx, token)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrUnauthenticated)
	}
	return id, nil
}

func (s *service) CurrentUser(ctx context.Context, token string) (*models.User, error) {
	id, err := s.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUserByID(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		return nil, ErrUnauthenticated
	}
	return u, err
}

// SignOut revokes the session so later requests with the same token fail.
func (s *service) SignOut(ctx context.Context, token string) error {
	c, err := s.parse(ctx, token)
	if err != nil {
		return err
	}
	expires := s.now().Add(s.ttl)
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Time
	}
	return s.store.RevokeToken(ctx, c.ID, expires)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
