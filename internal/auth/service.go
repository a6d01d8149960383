// Package auth issues and verifies access tokens, authenticates users and
// checks roles.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Skotchmaster/shop_assistant/internal/events"
	"github.com/Skotchmaster/shop_assistant/internal/hash"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/repo"
)

const minPasswordLen = 8

type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, id uint) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	RecordLoginSuccess(ctx context.Context, id uint, at time.Time) error
	RecordLoginFailure(ctx context.Context, id uint) error
}

type RevocationStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
}

type Limiter interface {
	Consume(ctx context.Context, key string) error
}

type Config struct {
	Secret   []byte
	TokenTTL time.Duration
}

type Service struct {
	Users       UserStore
	Revocations RevocationStore
	Limiter     Limiter
	Events      events.Publisher
	Config      Config
	Now         func() time.Time
}

type LoginResult struct {
	Token     string       `json:"access_token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *models.User `json:"user"`
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) publish(ctx context.Context, userID uint, event map[string]any) {
	if s.Events == nil {
		return
	}
	if err := s.Events.PublishEvent(ctx, events.TopicUserEvents, strconv.FormatUint(uint64(userID), 10), event); err != nil {
		logging.FromContext(ctx).With("svc", "auth").Error("event_publish_failed",
			"type", event["type"],
			"error", err,
		)
	}
}

func (s *Service) Register(ctx context.Context, email, password string) (*models.User, error) {
	email = normalizeEmail(email)
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return nil, fmt.Errorf("%w: invalid email", ErrValidation)
	}
	if utf8.RuneCountInString(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLen)
	}

	hashed, err := hash.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hashed,
		Role:         models.RoleUser,
		Status:       models.StatusActive,
	}
	if err := s.Users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.publish(ctx, user.ID, map[string]any{
		"type":    "user_registered",
		"user_id": user.ID,
		"email":   user.Email,
	})
	return user, nil
}

// Login spends one attempt from the per-email limiter before looking at the
// credentials, so a blocked email is refused even with the right password.
// A disabled account is only reported once the password matched.
func (s *Service) Login(ctx context.Context, email, password, ip string) (*LoginResult, error) {
	l := logging.FromContext(ctx).With("svc", "auth")

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrValidation)
	}

	if s.Limiter != nil {
		if err := s.Limiter.Consume(ctx, "login:"+email); err != nil {
			l.Warn("login_rate_limited", "email", email, "ip", ip)
			return nil, err
		}
	}

	user, err := s.Users.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.Info("login_failed", "reason", "unknown_email", "ip", ip)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("find user: %w", err)
	}

	if !hash.CheckPassword(user.PasswordHash, password) {
		s.recordFailure(ctx, user.ID)
		l.Info("login_failed", "reason", "bad_password", "user_id", user.ID, "ip", ip)
		return nil, ErrInvalidCredentials
	}

	if user.Status == models.StatusDisabled {
		s.recordFailure(ctx, user.ID)
		l.Info("login_failed", "reason", "disabled", "user_id", user.ID, "ip", ip)
		return nil, ErrAccountDisabled
	}

	token, exp, err := s.IssueToken(user)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := s.Users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		l.Error("login_bookkeeping_failed", "user_id", user.ID, "error", err)
	}
	user.LoginAttempts = 0
	user.LastLoginAt = &now

	s.publish(ctx, user.ID, map[string]any{
		"type":    "user_logged_in",
		"user_id": user.ID,
		"email":   user.Email,
		"ip":      ip,
	})

	l.Info("login_succeeded", "user_id", user.ID, "ip", ip)
	return &LoginResult{Token: token, ExpiresAt: exp, User: user}, nil
}

func (s *Service) recordFailure(ctx context.Context, id uint) {
	if err := s.Users.RecordLoginFailure(ctx, id); err != nil {
		logging.FromContext(ctx).With("svc", "auth").Error("login_bookkeeping_failed", "user_id", id, "error", err)
	}
}

// RequireRole fails with ErrForbidden unless claims carry one of roles.
func RequireRole(claims *Claims, roles ...string) error {
	if claims == nil {
		return ErrInvalidToken
	}
	for _, r := range roles {
		if claims.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q", ErrForbidden, claims.Role)
}
