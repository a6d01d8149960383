package repo

import (
	"context"
	"time"

	"github.com/Skotchmaster/shop_assistant/internal/models"
)

func (r *GormRepo) CreateSession(ctx context.Context, s *models.Session) error {
	return r.DB.WithContext(ctx).Create(s).Error
}

// EndSession forces the expiry of an active session to now. Sessions that
// already ended are left untouched.
func (r *GormRepo) EndSession(ctx context.Context, id string, now time.Time) error {
	return r.DB.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND expires_at > ?", id, now).
		Update("expires_at", now).Error
}
