package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/Skotchmaster/shop_assistant/internal/models"
)

// SaveExchange stores the user message and the bot reply atomically: either
// both rows exist afterwards or neither does.
func (r *GormRepo) SaveExchange(ctx context.Context, userMsg, botMsg *models.Message) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(userMsg).Error; err != nil {
			return err
		}
		if err := tx.Create(botMsg).Error; err != nil {
			return err
		}
		return nil
	})
}

func (r *GormRepo) ListSessionMessages(ctx context.Context, sessionID string, offset, limit int) ([]models.Message, error) {
	var msgs []models.Message
	if err := r.DB.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

func (r *GormRepo) FindSession(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	if err := r.DB.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

func (r *GormRepo) CreateFeedback(ctx context.Context, f *models.Feedback) error {
	return r.DB.WithContext(ctx).Create(f).Error
}
