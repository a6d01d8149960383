package pipeline

import (
	"time"

	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/pubsub"
)

const (
	InboundText = "text"
	InboundFile = "file"
)

// Inbound is one frame read from a client. File content is base64.
type Inbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type MessageFrame struct {
	ID        uint      `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    uint      `json:"user_id"`
	Content   string    `json:"content"`
	IsBot     bool      `json:"is_bot"`
	Intent    *string   `json:"intent,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	CacheHit  bool      `json:"cache_hit,omitempty"`
}

func NewMessageFrame(m models.Message, cacheHit bool) MessageFrame {
	return MessageFrame{
		ID:        m.ID,
		SessionID: m.SessionID,
		UserID:    m.UserID,
		Content:   m.Content,
		IsBot:     m.IsBot,
		Intent:    m.Intent,
		CreatedAt: m.CreatedAt,
		CacheHit:  cacheHit,
	}
}

const (
	ErrTypeInvalidMessage = "invalid_message"
	ErrTypeGeneration     = "generation_error"
	ErrTypeStore          = "store_error"
	ErrTypeRateLimited    = "rate_limited"
)

type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type ErrorFrame struct {
	Error ErrorBody `json:"error"`
}

func NewErrorFrame(typ, msg string) ErrorFrame {
	return ErrorFrame{Error: ErrorBody{Type: typ, Message: msg}}
}

type SystemFrame struct {
	System pubsub.Event `json:"system"`
}

// Sink is the originating connection. Send must not block for long and must
// be a no-op once the connection is gone.
type Sink interface {
	Send(frame any)
}
