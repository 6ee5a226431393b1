package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/pkg/responses"
)

type integrationRepository struct {
	db *gorm.DB
}

// NewIntegrationRepository 基于 gorm 的集成记录存储
func NewIntegrationRepository(db *gorm.DB) IntegrationRepository {
	return &integrationRepository{db: db}
}

func (r *integrationRepository) FindByUserID(ctx context.Context, userID string) (*model.Integration, error) {
	var in model.Integration
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&in).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, responses.ErrRecordNotFound
		}
		return nil, responses.Wrap(responses.CodeDatabaseError, "查询集成失败", err)
	}
	return &in, nil
}

func (r *integrationRepository) Save(ctx context.Context, in *model.Integration) error {
	existing, err := r.FindByUserID(ctx, in.UserID)
	if err != nil && !errors.Is(err, responses.ErrRecordNotFound) {
		return err
	}

	if in.TrackedRepositories == nil {
		in.TrackedRepositories = datatypes.JSONSlice[model.TrackedRepository]{}
	}
	if in.ErrorLog == nil {
		in.ErrorLog = datatypes.JSONSlice[model.ErrorLogEntry]{}
	}

	if existing != nil {
		in.ID = existing.ID
		in.CreatedAt = existing.CreatedAt
		err = r.db.WithContext(ctx).Save(in).Error
	} else {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		err = r.db.WithContext(ctx).Create(in).Error
	}

	if err != nil {
		return responses.Wrap(responses.CodeDatabaseError, "保存集成失败", err)
	}
	return nil
}

func (r *integrationRepository) UpdateTokens(ctx context.Context, userID string, update TokenUpdate) error {
	return r.updates(ctx, userID, map[string]interface{}{
		"access_token_enc":  update.AccessTokenEnc,
		"refresh_token_enc": update.RefreshTokenEnc,
		"token_expires_at":  update.ExpiresAt,
	}, "更新令牌失败")
}

func (r *integrationRepository) UpdateSyncState(ctx context.Context, userID string, update SyncStateUpdate) error {
	fields := map[string]interface{}{
		"last_sync_at":         update.LastSyncAt,
		"tracked_repositories": trackedColumn(update.TrackedRepositories),
	}
	if update.LastSuccessfulSyncAt != nil {
		fields["last_successful_sync_at"] = update.LastSuccessfulSyncAt
	}
	return r.updates(ctx, userID, fields, "更新同步状态失败")
}

func (r *integrationRepository) UpdateTrackedRepositories(ctx context.Context, userID string, repos []model.TrackedRepository) error {
	return r.updates(ctx, userID, map[string]interface{}{
		"tracked_repositories": trackedColumn(repos),
	}, "更新跟踪仓库失败")
}

func (r *integrationRepository) AppendError(ctx context.Context, userID string, entry model.ErrorLogEntry) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var in model.Integration
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).First(&in).Error; err != nil {
			return err
		}
		in.AppendError(entry.Message, entry.Timestamp)
		return tx.Model(&model.Integration{}).
			Where("id = ?", in.ID).
			Update("error_log", in.ErrorLog).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return responses.ErrRecordNotFound
	}
	if err != nil {
		return responses.Wrap(responses.CodeDatabaseError, "记录集成错误失败", err)
	}
	return nil
}

func (r *integrationRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.Integration{}).Error; err != nil {
		return responses.Wrap(responses.CodeDatabaseError, "删除集成失败", err)
	}
	return nil
}

func (r *integrationRepository) ListActive(ctx context.Context) ([]*model.Integration, error) {
	var list []*model.Integration
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("created_at ASC").Find(&list).Error; err != nil {
		return nil, responses.Wrap(responses.CodeDatabaseError, "查询集成列表失败", err)
	}
	return list, nil
}

// trackedColumn JSON 列不写入 null
func trackedColumn(repos []model.TrackedRepository) datatypes.JSONSlice[model.TrackedRepository] {
	if repos == nil {
		repos = []model.TrackedRepository{}
	}
	return datatypes.NewJSONSlice(repos)
}

func (r *integrationRepository) updates(ctx context.Context, userID string, fields map[string]interface{}, msg string) error {
	result := r.db.WithContext(ctx).Model(&model.Integration{}).Where("user_id = ?", userID).Updates(fields)
	if result.Error != nil {
		return responses.Wrap(responses.CodeDatabaseError, msg, result.Error)
	}
	if result.RowsAffected == 0 {
		return responses.ErrRecordNotFound
	}
	return nil
}
