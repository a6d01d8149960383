package auth

import (
	"errors"

	"github.com/Skotchmaster/shop_assistant/internal/ratelimit"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrValidation         = errors.New("validation error")
	ErrConflict           = errors.New("user already exists")

	// ErrRateLimited matches every *RateLimitError through errors.Is.
	ErrRateLimited = ratelimit.ErrLimited
)

// RateLimitError is returned by Login while the email is blocked.
type RateLimitError = ratelimit.LimitedError
