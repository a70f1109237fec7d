package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/tripsplit/internal/trip/domain"
)

// ErrInvalidCredentials is returned for an unknown email or wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

const minPasswordLen = 6

// Service registers accounts and issues tokens for them.
type Service struct {
	users  domain.UserStore
	secret string
	ttl    time.Duration
	cost   int
	clock  domain.Clock
	logger *zap.Logger
}

// NewService builds the account service. A non-positive cost selects
// bcrypt.DefaultCost.
func NewService(users domain.UserStore, secret string, ttl time.Duration, cost int, logger *zap.Logger) (*Service, error) {
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{users: users, secret: secret, ttl: ttl, cost: cost, clock: domain.SystemClock{}, logger: logger.Named("auth")}, nil
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is a user together with a freshly issued token.
type Session struct {
	User  domain.User `json:"user"`
	Token string      `json:"token"`
}

// Register creates an account and signs the caller in.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (Session, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.TrimSpace(req.Email)
	if name == "" || email == "" || req.Password == "" || req.Role == "" {
		return Session{}, domain.Invalidf("missing fields")
	}
	role, err := domain.ParseRole(req.Role)
	if err != nil {
		return Session{}, domain.Invalidf("invalid role")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return Session{}, domain.Invalidf("invalid email")
	}
	if len(req.Password) < minPasswordLen {
		return Session{}, domain.Invalidf("password must be at least %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	user, err := s.users.CreateUser(ctx, domain.User{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    s.clock.Now(),
	})
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("user registered", zap.Stringer("user_id", user.ID), zap.String("role", string(user.Role)))
	return s.session(user)
}

// Login verifies the password and issues a token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (Session, error) {
	user, err := s.users.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, domain.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.session(user)
}

func (s *Service) session(user domain.User) (Session, error) {
	token, err := IssueToken(s.secret, user, s.clock.Now(), s.ttl)
	if err != nil {
		return Session{}, fmt.Errorf("sign token: %w", err)
	}
	user.PasswordHash = ""
	return Session{User: user, Token: token}, nil
}
