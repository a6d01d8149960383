// Package gateway owns websocket connections: handshake authentication,
// session bookkeeping and the per-connection read loop.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/Skotchmaster/shop_assistant/internal/auth"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
	authmw "github.com/Skotchmaster/shop_assistant/internal/middleware/auth"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/pipeline"
	"github.com/Skotchmaster/shop_assistant/internal/pubsub"
)

// Base64 inflates by 4/3; the rest is JSON framing.
const maxFrameBytes = pipeline.DefaultMaxFileSize*4/3 + 4096

type Verifier interface {
	VerifyToken(ctx context.Context, raw string) (*auth.Claims, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	EndSession(ctx context.Context, id string, now time.Time) error
}

type Processor interface {
	Process(ctx context.Context, origin pipeline.Origin, in pipeline.Inbound, sink pipeline.Sink) (*pipeline.Result, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev pubsub.Event) error
}

type Config struct {
	SessionTTL   time.Duration
	MessageRate  float64
	MessageBurst int
}

type Gateway struct {
	Auth     Verifier
	Sessions SessionStore
	Pipeline Processor
	Events   EventPublisher
	Hub      *Hub
	Config   Config
	Upgrader websocket.Upgrader
	Now      func() time.Time

	conns sync.WaitGroup
}

func (g *Gateway) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

// ServeWS authenticates before upgrading: a bad token gets a plain 401 and
// leaves no session or hub entry behind.
func (g *Gateway) ServeWS(c echo.Context) error {
	r := c.Request()
	ctx := r.Context()
	l := logging.FromContext(ctx).With("handler", "ws")

	raw := authmw.TokenFromRequest(r)
	if raw == "" {
		l.Info("handshake_rejected", "status", 401, "reason", "missing_token")
		return echo.NewHTTPError(http.StatusUnauthorized, "missing access token")
	}
	claims, err := g.Auth.VerifyToken(ctx, raw)
	if err != nil {
		l.Info("handshake_rejected", "status", 401, "reason", err.Error())
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid access token")
	}

	now := g.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    claims.UserID(),
		IP:        c.RealIP(),
		UserAgent: r.UserAgent(),
		ExpiresAt: now.Add(g.Config.SessionTTL),
	}
	if err := g.Sessions.CreateSession(ctx, session); err != nil {
		l.Error("session_create_failed", "status", 503, "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "chat is unavailable")
	}

	conn, err := g.Upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		l.Warn("upgrade_failed", "error", err)
		g.endSession(ctx, session.ID)
		return nil
	}

	g.conns.Add(1)
	defer g.conns.Done()

	l = l.With("session_id", session.ID, "user_id", session.UserID)
	client := newClient(conn, session.ID, session.UserID, l)
	g.Hub.Register(client)
	go client.writePump()

	l.Info("connection_opened")
	g.publish(ctx, pubsub.TypeUserJoined, fmt.Sprintf("user %d joined", session.UserID))

	g.readLoop(logging.IntoContext(ctx, l), client, pipeline.Origin{
		SessionID: session.ID,
		UserID:    session.UserID,
		IP:        session.IP,
		Role:      claims.Role,
	})

	client.Close()
	g.Hub.Unregister(client)
	g.endSession(ctx, session.ID)
	g.publish(ctx, pubsub.TypeUserLeft, fmt.Sprintf("user %d left", session.UserID))
	l.Info("connection_closed")
	return nil
}

// readLoop handles frames strictly one after another. Pipeline calls run on
// a context that outlives the connection, so a disconnect does not abort
// work already in flight; its frames are dropped by the closed client.
func (g *Gateway) readLoop(ctx context.Context, client *Client, origin pipeline.Origin) {
	l := logging.FromContext(ctx)
	conn := client.conn
	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	burst := g.Config.MessageBurst
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(g.Config.MessageRate), burst)
	work := context.WithoutCancel(ctx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Info("read_failed", "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var in pipeline.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			client.Send(pipeline.NewErrorFrame(pipeline.ErrTypeInvalidMessage, "malformed frame"))
			continue
		}

		if g.Config.MessageRate > 0 && !limiter.Allow() {
			client.Send(pipeline.NewErrorFrame(pipeline.ErrTypeRateLimited, "too many messages, slow down"))
			continue
		}

		if _, err := g.Pipeline.Process(work, origin, in, client); err != nil && !isClientError(err) {
			l.Warn("message_failed", "error", err)
		}
	}
}

func isClientError(err error) bool {
	return errors.Is(err, pipeline.ErrInvalidMessage)
}

func (g *Gateway) endSession(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := g.Sessions.EndSession(ctx, id, g.now()); err != nil {
		logging.FromContext(ctx).Error("session_end_failed", "session_id", id, "error", err)
	}
}

func (g *Gateway) publish(ctx context.Context, typ, content string) {
	if g.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := g.Events.Publish(ctx, pubsub.NewEvent(typ, content)); err != nil {
		logging.FromContext(ctx).Warn("system_event_failed", "type", typ, "error", err)
	}
}

// Shutdown disconnects every local client and waits until their sessions are
// closed out, or ctx is done.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.Hub.CloseAll()

	done := make(chan struct{})
	go func() {
		g.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
