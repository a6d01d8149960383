package models

import (
	"time"
)

const (
	RoleUser    = "user"
	RoleAdmin   = "admin"
	RoleSupport = "support"

	StatusActive   = "active"
	StatusDisabled = "disabled"
)

type User struct {
	ID            uint       `gorm:"primaryKey;autoIncrement"  json:"id"`
	Email         string     `gorm:"uniqueIndex;not null"      json:"email"`
	PasswordHash  string     `gorm:"not null"                  json:"-"`
	Role          string     `gorm:"not null;default:user"     json:"role"`
	Status        string     `gorm:"not null;default:active"   json:"status"`
	LoginAttempts int        `gorm:"not null;default:0"        json:"login_attempts"`
	LastLoginAt   *time.Time `                                 json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `                                 json:"created_at"`
}

type Session struct {
	ID        string    `gorm:"primaryKey;size:36"        json:"id"`
	UserID    uint      `gorm:"index;not null"            json:"user_id"`
	IP        string    `gorm:"size:64"                   json:"ip"`
	UserAgent string    `gorm:"size:512"                  json:"user_agent"`
	ExpiresAt time.Time `gorm:"index;not null"            json:"expires_at"`
	CreatedAt time.Time `                                 json:"created_at"`
}

// Message rows are append-only; corrections are new rows.
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"  json:"id"`
	SessionID string    `gorm:"index;size:36;not null"    json:"session_id"`
	UserID    uint      `gorm:"index;not null"            json:"user_id"`
	Content   string    `gorm:"type:text;not null"        json:"content"`
	IsBot     bool      `gorm:"not null;default:false"    json:"is_bot"`
	Intent    *string   `gorm:"size:64;index"             json:"intent,omitempty"`
	LatencyMs int64     `gorm:"not null;default:0"        json:"-"`
	CreatedAt time.Time `gorm:"index"                     json:"created_at"`
}

type Feedback struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"  json:"id"`
	SessionID string    `gorm:"index;size:36;not null"    json:"session_id"`
	UserID    uint      `gorm:"index;not null"            json:"user_id"`
	Rating    int       `gorm:"not null;check:rating >= 1 AND rating <= 5" json:"rating"`
	Comment   string    `gorm:"type:text"                 json:"comment,omitempty"`
	CreatedAt time.Time `                                 json:"created_at"`
}
