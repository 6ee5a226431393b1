package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/pkg/responses"
)

type activityRepository struct {
	db *gorm.DB
}

// NewActivityRepository 基于 gorm 的活动记录存储
func NewActivityRepository(db *gorm.DB) ActivityRepository {
	return &activityRepository{db: db}
}

func (r *activityRepository) findByKey(ctx context.Context, userID, typ, remoteID string) (*model.Activity, error) {
	var a model.Activity
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND remote_id = ?", userID, typ, remoteID).
		First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, responses.ErrRecordNotFound
		}
		return nil, responses.Wrap(responses.CodeDatabaseError, "查询活动失败", err)
	}
	return &a, nil
}

// Upsert 先查后写；唯一索引兜底并发插入
func (r *activityRepository) Upsert(ctx context.Context, a *model.Activity) (bool, error) {
	existing, err := r.findByKey(ctx, a.UserID, a.Type, a.RemoteID)
	if err != nil && !errors.Is(err, responses.ErrRecordNotFound) {
		return false, err
	}

	if existing != nil {
		a.ID = existing.ID
		if err := r.db.WithContext(ctx).Save(a).Error; err != nil {
			return false, responses.Wrap(responses.CodeDatabaseError, "更新活动失败", err)
		}
		return false, nil
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// 并发写入同一键，退化为更新
			return r.Upsert(ctx, a)
		}
		return false, responses.Wrap(responses.CodeDatabaseError, "创建活动失败", err)
	}
	return true, nil
}

func (r *activityRepository) scope(ctx context.Context, q ActivityQuery) *gorm.DB {
	db := r.db.WithContext(ctx).Model(&model.Activity{}).Where("user_id = ?", q.UserID)
	if q.Type != "" {
		db = db.Where("type = ?", q.Type)
	}
	if q.Since != nil {
		db = db.Where("created_at >= ?", *q.Since)
	}
	return db
}

func (r *activityRepository) List(ctx context.Context, q ActivityQuery) ([]*model.Activity, error) {
	var list []*model.Activity
	db := r.scope(ctx, q).Order("created_at DESC")
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}
	if err := db.Find(&list).Error; err != nil {
		return nil, responses.Wrap(responses.CodeDatabaseError, "查询活动列表失败", err)
	}
	return list, nil
}

func (r *activityRepository) Count(ctx context.Context, q ActivityQuery) (int64, error) {
	var total int64
	if err := r.scope(ctx, q).Count(&total).Error; err != nil {
		return 0, responses.Wrap(responses.CodeDatabaseError, "统计活动失败", err)
	}
	return total, nil
}

func (r *activityRepository) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	result := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.Activity{})
	if result.Error != nil {
		return 0, responses.Wrap(responses.CodeDatabaseError, "删除活动失败", result.Error)
	}
	return result.RowsAffected, nil
}
