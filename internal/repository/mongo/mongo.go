// Package mongo 提供基于 MongoDB 的存储实现
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/pkg/responses"
)

const (
	integrationCollection = "gitlab_integrations"
	activityCollection    = "gitlab_activities"
)

// EnsureIndexes 创建唯一索引与查询索引
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	if _, err := db.Collection(integrationCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "is_active", Value: 1}}},
	}); err != nil {
		return responses.Wrap(responses.CodeDatabaseError, "创建集成索引失败", err)
	}

	if _, err := db.Collection(activityCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "type", Value: 1}, {Key: "remote_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}); err != nil {
		return responses.Wrap(responses.CodeDatabaseError, "创建活动索引失败", err)
	}
	return nil
}

type integrationRepository struct {
	coll *mongo.Collection
}

// NewIntegrationRepository 基于 MongoDB 的集成记录存储
func NewIntegrationRepository(db *mongo.Database) repository.IntegrationRepository {
	return &integrationRepository{coll: db.Collection(integrationCollection)}
}

func (r *integrationRepository) FindByUserID(ctx context.Context, userID string) (*model.Integration, error) {
	var in model.Integration
	err := r.coll.FindOne(ctx, bson.M{"user_id": userID}).Decode(&in)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
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

	now := time.Now().UTC()
	if existing != nil {
		in.ID = existing.ID
		in.CreatedAt = existing.CreatedAt
	} else {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		in.CreatedAt = now
	}
	in.UpdatedAt = now

	_, err = r.coll.ReplaceOne(ctx, bson.M{"user_id": in.UserID}, in, options.Replace().SetUpsert(true))
	if err != nil {
		return responses.Wrap(responses.CodeDatabaseError, "保存集成失败", err)
	}
	return nil
}

func (r *integrationRepository) update(ctx context.Context, userID string, update bson.M, msg string) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"user_id": userID}, update)
	if err != nil {
		return responses.Wrap(responses.CodeDatabaseError, msg, err)
	}
	if res.MatchedCount == 0 {
		return responses.ErrRecordNotFound
	}
	return nil
}

func (r *integrationRepository) UpdateTokens(ctx context.Context, userID string, u repository.TokenUpdate) error {
	return r.update(ctx, userID, bson.M{"$set": bson.M{
		"access_token_enc":  u.AccessTokenEnc,
		"refresh_token_enc": u.RefreshTokenEnc,
		"token_expires_at":  u.ExpiresAt,
		"updated_at":        time.Now().UTC(),
	}}, "更新令牌失败")
}

func (r *integrationRepository) UpdateSyncState(ctx context.Context, userID string, u repository.SyncStateUpdate) error {
	set := bson.M{
		"last_sync_at":         u.LastSyncAt,
		"tracked_repositories": u.TrackedRepositories,
		"updated_at":           time.Now().UTC(),
	}
	if u.LastSuccessfulSyncAt != nil {
		set["last_successful_sync_at"] = *u.LastSuccessfulSyncAt
	}
	return r.update(ctx, userID, bson.M{"$set": set}, "更新同步状态失败")
}

func (r *integrationRepository) UpdateTrackedRepositories(ctx context.Context, userID string, repos []model.TrackedRepository) error {
	return r.update(ctx, userID, bson.M{"$set": bson.M{
		"tracked_repositories": repos,
		"updated_at":           time.Now().UTC(),
	}}, "更新跟踪仓库失败")
}

func (r *integrationRepository) AppendError(ctx context.Context, userID string, entry model.ErrorLogEntry) error {
	return r.update(ctx, userID, bson.M{"$push": bson.M{
		"error_log": bson.M{
			"$each":  bson.A{entry},
			"$slice": -model.MaxErrorLogEntries,
		},
	}}, "记录集成错误失败")
}

func (r *integrationRepository) DeleteByUserID(ctx context.Context, userID string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"user_id": userID}); err != nil {
		return responses.Wrap(responses.CodeDatabaseError, "删除集成失败", err)
	}
	return nil
}

func (r *integrationRepository) ListActive(ctx context.Context) ([]*model.Integration, error) {
	cur, err := r.coll.Find(ctx, bson.M{"is_active": true}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, responses.Wrap(responses.CodeDatabaseError, "查询集成列表失败", err)
	}
	var list []*model.Integration
	if err := cur.All(ctx, &list); err != nil {
		return nil, responses.Wrap(responses.CodeDatabaseError, "读取集成列表失败", err)
	}
	return list, nil
}

type activityRepository struct {
	coll *mongo.Collection
}

// NewActivityRepository 基于 MongoDB 的活动记录存储
func NewActivityRepository(db *mongo.Database) repository.ActivityRepository {
	return &activityRepository{coll: db.Collection(activityCollection)}
}

// Upsert 依赖唯一索引，单次往返完成插入或更新
func (r *activityRepository) Upsert(ctx context.Context, a *model.Activity) (bool, error) {
	filter := bson.M{"user_id": a.UserID, "type": a.Type, "remote_id": a.RemoteID}
	newID := uuid.NewString()
	update := bson.M{
		"$set": bson.M{
			"project_id":   a.ProjectID,
			"project_name": a.ProjectName,
			"project_path": a.ProjectPath,
			"project_url":  a.ProjectURL,
			"title":        a.Title,
			"message":      a.Message,
			"web_url":      a.WebURL,
			"created_at":   a.CreatedAt,
			"metadata":     a.Metadata,
			"synced_at":    a.SyncedAt,
		},
		"$setOnInsert": bson.M{"_id": newID},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.Before).
		SetProjection(bson.M{"_id": 1})

	var before struct {
		ID string `bson:"_id"`
	}
	err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&before)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		a.ID = newID
		return true, nil
	case err != nil:
		return false, responses.Wrap(responses.CodeDatabaseError, "写入活动失败", err)
	}
	a.ID = before.ID
	return false, nil
}

func filterOf(q repository.ActivityQuery) bson.M {
	f := bson.M{"user_id": q.UserID}
	if q.Type != "" {
		f["type"] = q.Type
	}
	if q.Since != nil {
		f["created_at"] = bson.M{"$gte": *q.Since}
	}
	return f
}

func (r *activityRepository) List(ctx context.Context, q repository.ActivityQuery) ([]*model.Activity, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := r.coll.Find(ctx, filterOf(q), opts)
	if err != nil {
		return nil, responses.Wrap(responses.CodeDatabaseError, "查询活动列表失败", err)
	}
	var list []*model.Activity
	if err := cur.All(ctx, &list); err != nil {
		return nil, responses.Wrap(responses.CodeDatabaseError, "读取活动列表失败", err)
	}
	return list, nil
}

func (r *activityRepository) Count(ctx context.Context, q repository.ActivityQuery) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, filterOf(q))
	if err != nil {
		return 0, responses.Wrap(responses.CodeDatabaseError, "统计活动失败", err)
	}
	return n, nil
}

func (r *activityRepository) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"user_id": userID})
	if err != nil {
		return 0, responses.Wrap(responses.CodeDatabaseError, "删除活动失败", err)
	}
	return res.DeletedCount, nil
}
