// Package memory 提供进程内的存储实现，用于本地开发与测试
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/pkg/responses"
)

// IntegrationRepository 内存集成存储
type IntegrationRepository struct {
	mu    sync.RWMutex
	items map[string]*model.Integration // user_id -> record
}

// NewIntegrationRepository 创建内存集成存储
func NewIntegrationRepository() *IntegrationRepository {
	return &IntegrationRepository{items: make(map[string]*model.Integration)}
}

var _ repository.IntegrationRepository = (*IntegrationRepository)(nil)

func cloneIntegration(in *model.Integration) *model.Integration {
	out := *in
	out.TrackedRepositories = append(out.TrackedRepositories[:0:0], in.TrackedRepositories...)
	out.ErrorLog = append(out.ErrorLog[:0:0], in.ErrorLog...)
	return &out
}

func (r *IntegrationRepository) FindByUserID(_ context.Context, userID string) (*model.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.items[userID]
	if !ok {
		return nil, responses.ErrRecordNotFound
	}
	return cloneIntegration(in), nil
}

func (r *IntegrationRepository) Save(_ context.Context, in *model.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.items[in.UserID]; ok {
		in.ID = existing.ID
		in.CreatedAt = existing.CreatedAt
	} else if in.ID == "" {
		in.ID = uuid.NewString()
	}
	r.items[in.UserID] = cloneIntegration(in)
	return nil
}

func (r *IntegrationRepository) mutate(userID string, fn func(*model.Integration)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.items[userID]
	if !ok {
		return responses.ErrRecordNotFound
	}
	fn(in)
	return nil
}

func (r *IntegrationRepository) UpdateTokens(_ context.Context, userID string, u repository.TokenUpdate) error {
	return r.mutate(userID, func(in *model.Integration) {
		in.AccessTokenEnc = u.AccessTokenEnc
		in.RefreshTokenEnc = u.RefreshTokenEnc
		in.TokenExpiresAt = u.ExpiresAt
	})
}

func (r *IntegrationRepository) UpdateSyncState(_ context.Context, userID string, u repository.SyncStateUpdate) error {
	return r.mutate(userID, func(in *model.Integration) {
		at := u.LastSyncAt
		in.LastSyncAt = &at
		if u.LastSuccessfulSyncAt != nil {
			ok := *u.LastSuccessfulSyncAt
			in.LastSuccessfulSyncAt = &ok
		}
		in.TrackedRepositories = append(in.TrackedRepositories[:0:0], u.TrackedRepositories...)
	})
}

func (r *IntegrationRepository) UpdateTrackedRepositories(_ context.Context, userID string, repos []model.TrackedRepository) error {
	return r.mutate(userID, func(in *model.Integration) {
		in.TrackedRepositories = append(in.TrackedRepositories[:0:0], repos...)
	})
}

func (r *IntegrationRepository) AppendError(_ context.Context, userID string, entry model.ErrorLogEntry) error {
	return r.mutate(userID, func(in *model.Integration) {
		in.AppendError(entry.Message, entry.Timestamp)
	})
}

func (r *IntegrationRepository) DeleteByUserID(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, userID)
	return nil
}

func (r *IntegrationRepository) ListActive(_ context.Context) ([]*model.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*model.Integration, 0, len(r.items))
	for _, in := range r.items {
		if in.IsActive {
			list = append(list, cloneIntegration(in))
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

type activityKey struct {
	userID, typ, remoteID string
}

// ActivityRepository 内存活动存储
type ActivityRepository struct {
	mu    sync.RWMutex
	items map[activityKey]*model.Activity
}

// NewActivityRepository 创建内存活动存储
func NewActivityRepository() *ActivityRepository {
	return &ActivityRepository{items: make(map[activityKey]*model.Activity)}
}

var _ repository.ActivityRepository = (*ActivityRepository)(nil)

func cloneActivity(a *model.Activity) *model.Activity {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (r *ActivityRepository) Upsert(_ context.Context, a *model.Activity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := activityKey{a.UserID, a.Type, a.RemoteID}
	if existing, ok := r.items[key]; ok {
		a.ID = existing.ID
		r.items[key] = cloneActivity(a)
		return false, nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	r.items[key] = cloneActivity(a)
	return true, nil
}

func (r *ActivityRepository) matching(q repository.ActivityQuery) []*model.Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := lo.Filter(lo.Values(r.items), func(a *model.Activity, _ int) bool {
		return q.Matches(a)
	})
	return lo.Map(list, func(a *model.Activity, _ int) *model.Activity { return cloneActivity(a) })
}

func (r *ActivityRepository) List(_ context.Context, q repository.ActivityQuery) ([]*model.Activity, error) {
	list := r.matching(q)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].RemoteID < list[j].RemoteID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	if q.Limit > 0 && len(list) > q.Limit {
		list = list[:q.Limit]
	}
	return list, nil
}

func (r *ActivityRepository) Count(_ context.Context, q repository.ActivityQuery) (int64, error) {
	return int64(len(r.matching(q))), nil
}

func (r *ActivityRepository) DeleteByUserID(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for k := range r.items {
		if k.userID == userID {
			delete(r.items, k)
			n++
		}
	}
	return n, nil
}
