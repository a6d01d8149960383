package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/Skotchmaster/shop_assistant/internal/models"
)

type IntentCount struct {
	Intent string `json:"intent"`
	Count  int64  `json:"count"`
}

type Analytics struct {
	ActiveSessions      int64         `json:"active_sessions"`
	AvgBotResponseMs    float64       `json:"avg_bot_response_ms"`
	MessagesLastHour    int64         `json:"messages_last_hour"`
	TopIntents          []IntentCount `json:"top_intents"`
	SatisfactionAverage float64       `json:"satisfaction_average"`
}

func (r *GormRepo) ChatAnalytics(ctx context.Context, now time.Time, topN int) (*Analytics, error) {
	db := r.DB.WithContext(ctx)
	var a Analytics

	if err := db.Model(&models.Session{}).Where("expires_at > ?", now).Count(&a.ActiveSessions).Error; err != nil {
		return nil, err
	}

	var avgLatency sql.NullFloat64
	if err := db.Model(&models.Message{}).
		Select("AVG(latency_ms)").
		Where("is_bot = ?", true).
		Row().Scan(&avgLatency); err != nil {
		return nil, err
	}
	a.AvgBotResponseMs = avgLatency.Float64

	if err := db.Model(&models.Message{}).Where("created_at > ?", now.Add(-time.Hour)).Count(&a.MessagesLastHour).Error; err != nil {
		return nil, err
	}

	a.TopIntents = []IntentCount{}
	if err := db.Model(&models.Message{}).
		Select("intent, COUNT(*) AS count").
		Where("intent IS NOT NULL").
		Group("intent").
		Order("count DESC").
		Limit(topN).
		Scan(&a.TopIntents).Error; err != nil {
		return nil, err
	}

	var avgRating sql.NullFloat64
	if err := db.Model(&models.Feedback{}).Select("AVG(rating)").Row().Scan(&avgRating); err != nil {
		return nil, err
	}
	a.SatisfactionAverage = avgRating.Float64

	return &a, nil
}
