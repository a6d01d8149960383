package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Skotchmaster/shop_assistant/internal/models"
)

func (r *GormRepo) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).Where("email = ?", email).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *GormRepo) FindUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.DB.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *GormRepo) CreateUser(ctx context.Context, u *models.User) error {
	tx := r.DB.WithContext(ctx).Where("email = ?", u.Email).FirstOrCreate(u)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

func (r *GormRepo) RecordLoginSuccess(ctx context.Context, id uint, at time.Time) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Updates(map[string]any{"login_attempts": 0, "last_login_at": at}).Error
}

func (r *GormRepo) RecordLoginFailure(ctx context.Context, id uint) error {
	return r.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", id).
		Update("login_attempts", gorm.Expr("login_attempts + ?", 1)).Error
}

type UserFilter struct {
	Role   string
	Search string
	Sort   string
	Desc   bool
	Offset int
	Limit  int
}

var userSortColumns = map[string]string{
	"id":            "id",
	"email":         "email",
	"created_at":    "created_at",
	"last_login_at": "last_login_at",
	"role":          "role",
}

func (r *GormRepo) ListUsers(ctx context.Context, f UserFilter) (int64, []models.User, error) {
	q := r.DB.WithContext(ctx).Model(&models.User{})
	if f.Role != "" {
		q = q.Where("role = ?", f.Role)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		q = q.Where("LOWER(email) LIKE ?", "%"+strings.ToLower(s)+"%")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return 0, nil, err
	}

	col, ok := userSortColumns[f.Sort]
	if !ok {
		col = "id"
	}
	if f.Desc {
		col += " DESC"
	} else {
		col += " ASC"
	}

	var users []models.User
	if err := q.Order(col).Offset(f.Offset).Limit(f.Limit).Find(&users).Error; err != nil {
		return 0, nil, err
	}
	return total, users, nil
}
