// Package auth authenticates supervisor accounts and issues the bearer
// tokens that guard the supervisor API.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"invigil/internal/platform/middleware"
	"invigil/internal/supervisor/models"
	"invigil/internal/supervisor/ports"
	id "invigil/pkg/domain"
	dErrors "invigil/pkg/domain-errors"
)

// DefaultTokenTTL bounds a supervisor's login to one shift.
const DefaultTokenTTL = 12 * time.Hour

// Claims are the JWT claims carried in supervisor access tokens.
type Claims struct {
	SupervisorID string `json:"supervisor_id"`
	Email        string `json:"email"`
	jwt.RegisteredClaims
}

// Service verifies supervisor credentials and issues signed tokens.
type Service struct {
	store      ports.SupervisorStore
	signingKey []byte
	issuer     string
	tokenTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) { s.tokenTTL = ttl }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService builds an auth service over the supervisor store.
func NewService(store ports.SupervisorStore, signingKey string, opts ...Option) *Service {
	s := &Service{
		store:      store,
		signingKey: []byte(signingKey),
		issuer:     "invigil",
		tokenTTL:   DefaultTokenTTL,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login verifies the credentials and returns a signed access token. Unknown
// addresses and wrong passwords return the same unauthorized error.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.Supervisor, error) {
	supervisor, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "looking up supervisor")
	}
	if supervisor == nil {
		return "", nil, dErrors.New(dErrors.CodeUnauthorized, "invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(supervisor.PasswordHash), []byte(password)); err != nil {
		s.logger.WarnContext(ctx, "failed supervisor login", "email", email)
		return "", nil, dErrors.New(dErrors.CodeUnauthorized, "invalid email or password")
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		SupervisorID: supervisor.ID.String(),
		Email:        supervisor.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", nil, dErrors.Wrap(err, dErrors.CodeInternal, "signing token")
	}
	return signed, supervisor, nil
}

// Register creates a supervisor account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, fullName, password string) (*models.Supervisor, error) {
	existing, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "looking up supervisor")
	}
	if existing != nil {
		return nil, dErrors.New(dErrors.CodeConflict, "email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hashing password")
	}

	supervisor := &models.Supervisor{
		ID:           id.NewSupervisorID(),
		Email:        email,
		FullName:     fullName,
		PasswordHash: string(hash),
		CreatedAt:    s.now(),
	}
	if err := s.store.Create(ctx, supervisor); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "creating supervisor")
	}
	return supervisor, nil
}

// ValidateToken parses and verifies a supervisor access token.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token claims")
	}
	return claims, nil
}

// MiddlewareAdapter exposes the service as the middleware's token validator.
type MiddlewareAdapter struct {
	service *Service
}

// NewMiddlewareAdapter wraps an auth service for route guarding.
func NewMiddlewareAdapter(service *Service) *MiddlewareAdapter {
	return &MiddlewareAdapter{service: service}
}

func (a *MiddlewareAdapter) ValidateToken(tokenString string) (*middleware.TokenClaims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &middleware.TokenClaims{
		SupervisorID: claims.SupervisorID,
		Email:        claims.Email,
	}, nil
}
