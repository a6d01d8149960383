package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/Skotchmaster/shop_assistant/internal/models"
)

func configurePool(sqlDB *sql.DB) {
	const (
		maxOpenConns    = 20
		maxIdleConns    = 10
		connMaxLifetime = 30 * time.Minute
		connMaxIdleTime = 5 * time.Minute
	)

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
}

// InitDB opens the store, retrying with exponential backoff until
// cfg.DBConnectAttempts is exhausted, and migrates the chat tables.
func InitDB(ctx context.Context, cfg *Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	var db *gorm.DB
	open := func() error {
		conn, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
			PrepareStmt: true,
			NowFunc:     func() time.Time { return time.Now().UTC() },
		})
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return fmt.Errorf("get sql.DB: %w", err)
		}
		configurePool(sqlDB)

		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := sqlDB.PingContext(pingCtx); err != nil {
			_ = sqlDB.Close()
			return fmt.Errorf("ping db: %w", err)
		}
		db = conn
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	attempts := cfg.DBConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	notify := func(err error, next time.Duration) {
		slog.Warn("db_connect_retry", "error", err, "next_in", next.String())
	}
	if err := backoff.RetryNotify(open, policy, notify); err != nil {
		return nil, fmt.Errorf("db unavailable after %d attempts: %w", attempts, err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.User{}, &models.Session{}, &models.Message{}, &models.Feedback{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
