package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/Skotchmaster/shop_assistant/internal/auth"
	"github.com/Skotchmaster/shop_assistant/internal/cache"
	"github.com/Skotchmaster/shop_assistant/internal/events"
	"github.com/Skotchmaster/shop_assistant/internal/flags"
	authmw "github.com/Skotchmaster/shop_assistant/internal/middleware/auth"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/pubsub"
	"github.com/Skotchmaster/shop_assistant/internal/ratelimit"
	"github.com/Skotchmaster/shop_assistant/internal/repo"
	"github.com/Skotchmaster/shop_assistant/internal/testutil"
)

type fixture struct {
	db    *gorm.DB
	repo  *repo.GormRepo
	cache *cache.Service
	mr    *miniredis.Miniredis
	auth  *auth.Service
	flags *flags.Engine
	e     *echo.Echo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	c, mr := testutil.NewCache(t)
	r := repo.New(db)

	return &fixture{
		db:    db,
		repo:  r,
		cache: c,
		mr:    mr,
		auth: &auth.Service{
			Users:       r,
			Revocations: c,
			Limiter:     ratelimit.New(c, "login", 5, 15*time.Minute, 30*time.Minute),
			Events:      events.Discard,
			Config:      auth.Config{Secret: []byte("handler-secret"), TokenTTL: time.Hour},
		},
		flags: flags.NewEngine(c, time.Minute),
		e:     echo.New(),
	}
}

// user registers email and promotes it to role, returning verified claims.
func (f *fixture) user(t *testing.T, email, role string) *auth.Claims {
	t.Helper()

	ctx := context.Background()
	u, err := f.auth.Register(ctx, email, "password123")
	require.NoError(t, err)
	if role != models.RoleUser {
		require.NoError(t, f.db.Model(&models.User{}).Where("id = ?", u.ID).Update("role", role).Error)
		u.Role = role
	}

	token, _, err := f.auth.IssueToken(u)
	require.NoError(t, err)
	claims, err := f.auth.VerifyToken(ctx, token)
	require.NoError(t, err)
	return claims
}

func (f *fixture) session(t *testing.T, userID uint) *models.Session {
	t.Helper()

	s := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, f.repo.CreateSession(context.Background(), s))
	return s
}

func (f *fixture) newContext(method, target string, body any, claims *auth.Claims) (echo.Context, *httptest.ResponseRecorder) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := f.e.NewContext(req, rec)
	if claims != nil {
		c.Set(authmw.ClaimsKey, claims)
	}
	return c, rec
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()

	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	return he.Code
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type pingFunc func(ctx context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

type recordingBus struct {
	mu     sync.Mutex
	events []pubsub.Event
}

func (b *recordingBus) Publish(_ context.Context, ev pubsub.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) all() []pubsub.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]pubsub.Event(nil), b.events...)
}
