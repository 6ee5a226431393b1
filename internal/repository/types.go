package repository

import (
	"context"
	"time"

	"gitlab-tracker/internal/model"
)

// IntegrationRepository 集成记录存储
type IntegrationRepository interface {
	FindByUserID(ctx context.Context, userID string) (*model.Integration, error)
	// Save 按 user_id 插入或整体覆盖
	Save(ctx context.Context, integration *model.Integration) error
	UpdateTokens(ctx context.Context, userID string, update TokenUpdate) error
	UpdateSyncState(ctx context.Context, userID string, update SyncStateUpdate) error
	UpdateTrackedRepositories(ctx context.Context, userID string, repos []model.TrackedRepository) error
	AppendError(ctx context.Context, userID string, entry model.ErrorLogEntry) error
	DeleteByUserID(ctx context.Context, userID string) error
	ListActive(ctx context.Context) ([]*model.Integration, error)
}

// ActivityRepository 活动记录存储
type ActivityRepository interface {
	// Upsert 按 (user_id, type, remote_id) 插入或更新，返回是否为新建
	Upsert(ctx context.Context, activity *model.Activity) (bool, error)
	List(ctx context.Context, query ActivityQuery) ([]*model.Activity, error)
	Count(ctx context.Context, query ActivityQuery) (int64, error)
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}

// TokenUpdate 令牌轮换
type TokenUpdate struct {
	AccessTokenEnc  string
	RefreshTokenEnc string
	ExpiresAt       *time.Time
}

// SyncStateUpdate 同步结束后的簿记字段
type SyncStateUpdate struct {
	LastSyncAt           time.Time
	LastSuccessfulSyncAt *time.Time // nil 表示不修改
	TrackedRepositories  []model.TrackedRepository
}

// ActivityQuery 活动查询条件，结果按 created_at 倒序
type ActivityQuery struct {
	UserID string
	Type   string     // 为空不过滤
	Since  *time.Time // created_at >= Since
	Limit  int        // <=0 不限制
}

// Matches 内存实现使用的过滤
func (q ActivityQuery) Matches(a *model.Activity) bool {
	if a.UserID != q.UserID {
		return false
	}
	if q.Type != "" && a.Type != q.Type {
		return false
	}
	if q.Since != nil && a.CreatedAt.Before(*q.Since) {
		return false
	}
	return true
}
