package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/Skotchmaster/shop_assistant/internal/ai"
	"github.com/Skotchmaster/shop_assistant/internal/auth"
	"github.com/Skotchmaster/shop_assistant/internal/cache"
	"github.com/Skotchmaster/shop_assistant/internal/config"
	"github.com/Skotchmaster/shop_assistant/internal/events"
	"github.com/Skotchmaster/shop_assistant/internal/flags"
	"github.com/Skotchmaster/shop_assistant/internal/gateway"
	"github.com/Skotchmaster/shop_assistant/internal/handlers"
	"github.com/Skotchmaster/shop_assistant/internal/logging"
	"github.com/Skotchmaster/shop_assistant/internal/middleware/csrf"
	loggingmw "github.com/Skotchmaster/shop_assistant/internal/middleware/logging"
	"github.com/Skotchmaster/shop_assistant/internal/models"
	"github.com/Skotchmaster/shop_assistant/internal/pipeline"
	"github.com/Skotchmaster/shop_assistant/internal/pubsub"
	"github.com/Skotchmaster/shop_assistant/internal/ratelimit"
	"github.com/Skotchmaster/shop_assistant/internal/repo"
	"github.com/Skotchmaster/shop_assistant/internal/search"
	httpserver "github.com/Skotchmaster/shop_assistant/internal/transport/http"
)

func main() {
	started := time.Now().UTC()

	cfg := config.Load()
	config.MustNonEmptyBytes(cfg.JWTSecret, "JWT_SECRET")
	config.MustNonEmpty(cfg.DatabaseURL, "DATABASE_URL")

	logger := logging.New(cfg.LogLevel).With("service", cfg.ServiceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cache.Connect(ctx, cache.Options{
		Addr:            cfg.RedisAddr,
		Password:        cfg.RedisPassword,
		DB:              cfg.RedisDB,
		ConnectAttempts: cfg.CacheConnectAttempts,
	})
	if err != nil {
		log.Fatalf("cache init error: %v", err)
	}
	defer store.Close()

	db, err := config.InitDB(ctx, cfg)
	if err != nil {
		log.Fatalf("db init error: %v", err)
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				logger.Error("db_close_failed", "error", err)
			}
		}
	}()
	gormRepo := repo.New(db)

	publisher := events.Discard
	if len(cfg.KafkaBrokers) > 0 {
		prod, err := events.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Fatalf("kafka init error: %v", err)
		}
		defer func() {
			if err := prod.Close(); err != nil {
				logger.Error("kafka_close_failed", "error", err)
			}
		}()
		publisher = prod
	} else {
		logger.Warn("kafka_disabled", "reason", "KAFKA_BROKERS is empty")
	}

	var index *search.Index
	if cfg.ESURL != "" {
		index, err = search.Connect(ctx, search.Options{
			URL:      cfg.ESURL,
			Username: cfg.ESUser,
			Password: cfg.ESPassword,
			Index:    cfg.ESIndex,
		})
		if err != nil {
			logger.Warn("search_disabled", "error", err)
			index = nil
		}
	}

	generator := ai.NewClient(ai.Options{
		BaseURL:           cfg.AIBaseURL,
		APIKey:            cfg.AIAPIKey,
		Model:             cfg.AIModel,
		ExperimentalModel: cfg.AIExperimentalModel,
		Timeout:           cfg.AITimeout,
	})

	authSvc := &auth.Service{
		Users:       gormRepo,
		Revocations: store,
		Limiter:     ratelimit.New(store, "login", cfg.LoginMaxAttempts, cfg.LoginWindow, cfg.LoginBlock),
		Events:      publisher,
		Config:      auth.Config{Secret: cfg.JWTSecret, TokenTTL: cfg.TokenTTL},
	}

	engine := flags.NewEngine(store, cfg.FlagRefreshInterval)
	engine.RegisterPredicate("staff", func(_ context.Context, ec flags.EvalContext) bool {
		return ec.Role == models.RoleAdmin || ec.Role == models.RoleSupport
	})
	if err := engine.Refresh(ctx); err != nil {
		logger.Warn("flags_initial_refresh_failed", "error", err)
	}

	hub := gateway.NewHub()
	fanout := pubsub.New(store, hub)
	fanout.OnFlagChanged = func(ctx context.Context) {
		if err := engine.Refresh(ctx); err != nil {
			logging.FromContext(ctx).Warn("flags_refresh_failed", "error", err)
		}
	}

	chat := pipeline.Pipeline{
		Cache:     store,
		Flags:     engine,
		Generator: generator,
		Store:     gormRepo,
		Events:    publisher,
		Config:    pipeline.Config{ResponseTTL: cfg.ResponseCacheTTL},
	}
	if index != nil {
		chat.Index = index
	}
	proc := pipeline.New(chat)

	ws := &gateway.Gateway{
		Auth:     authSvc,
		Sessions: gormRepo,
		Pipeline: proc,
		Events:   fanout,
		Hub:      hub,
		Config: gateway.Config{
			SessionTTL:   cfg.SessionTTL,
			MessageRate:  cfg.WSMessageRate,
			MessageBurst: cfg.WSMessageBurst,
		},
		Upgrader: websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}

	admin := &handlers.AdminHandler{
		Store:       gormRepo,
		Flags:       engine,
		Cache:       store,
		AI:          generator,
		Events:      fanout,
		Connections: hub,
		Started:     started,
	}
	if index != nil {
		admin.Search = index
	}

	clientIP, err := httpserver.ClientIP(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover(), middleware.Secure(), loggingmw.RequestLogger(logger))

	httpserver.Register(e, &httpserver.Deps{
		IPExtractor: clientIP,
		Verifier:    authSvc,
		Limiter:     ratelimit.New(store, "security", cfg.SecurityMaxRequests, cfg.SecurityWindow, cfg.SecurityBlock),
		CSRF: csrf.Config{
			Secure:            cfg.SecureCookies,
			EnforceSameOrigin: true,
			SkipPaths:         []string{"/api/v1/auth/login", "/api/v1/auth/register"},
		},
		AuthHandler:  &handlers.AuthHandler{Auth: authSvc, Users: gormRepo, SecureCookie: cfg.SecureCookies},
		ChatHandler:  &handlers.ChatHandler{Store: gormRepo},
		AdminHandler: admin,
		HealthHandler: &handlers.HealthHandler{
			Started: started,
			Ready:   map[string]handlers.Pinger{"database": gormRepo, "cache": store},
		},
		Gateway: ws,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return fanout.Run(gctx) })
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting_down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ws.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_stopped", "error", err)
	}

	proc.Wait()
	logger.Info("shutdown_complete")
}
