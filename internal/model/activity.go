package model

import (
	"time"

	"gorm.io/datatypes"
)

const ActivityTableName = "gitlab_activities"

// Activity 一条 GitLab 活动（提交/议题/合并请求），按 (user_id, type, remote_id) 唯一
type Activity struct {
	ID       string `gorm:"primaryKey;size:36" json:"id" bson:"_id"`
	UserID   string `gorm:"column:user_id;size:64;not null;uniqueIndex:idx_user_type_remote,priority:1;index:idx_user_created,priority:1" json:"user_id" bson:"user_id"`
	Type     string `gorm:"column:type;size:20;not null;uniqueIndex:idx_user_type_remote,priority:2" json:"type" bson:"type"`
	RemoteID string `gorm:"column:remote_id;size:64;not null;uniqueIndex:idx_user_type_remote,priority:3" json:"remote_id" bson:"remote_id"`

	ProjectID   int64  `gorm:"column:project_id;index" json:"project_id" bson:"project_id"`
	ProjectName string `gorm:"column:project_name;size:255" json:"project_name" bson:"project_name"`
	ProjectPath string `gorm:"column:project_path;size:255" json:"project_path" bson:"project_path"`
	ProjectURL  string `gorm:"column:project_url;size:500" json:"project_url" bson:"project_url"`

	Title   string `gorm:"size:500" json:"title" bson:"title"`
	Message string `gorm:"type:text" json:"message" bson:"message"`
	WebURL  string `gorm:"column:web_url;size:500" json:"web_url" bson:"web_url"`

	// 远端创建时间，而非入库时间
	CreatedAt time.Time `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_user_created,priority:2" json:"created_at" bson:"created_at"`

	Metadata datatypes.JSONMap `gorm:"column:metadata" json:"metadata" bson:"metadata"`

	SyncedAt time.Time `gorm:"column:synced_at;not null" json:"synced_at" bson:"synced_at"`
}

func (Activity) TableName() string {
	return ActivityTableName
}

// 元数据键
const (
	MetaAuthorName  = "author_name"
	MetaAuthorEmail = "author_email"
	MetaAdditions   = "additions"
	MetaDeletions   = "deletions"
	MetaTotal       = "total"
	MetaParentIDs   = "parent_ids"
	MetaState       = "state"
	MetaLabels      = "labels"
	MetaAssignees   = "assignees"
	MetaMilestone   = "milestone"
)

// MetaInt 读取整型元数据，兼容 JSON 反序列化后的 float64
func (a *Activity) MetaInt(key string) int {
	switch v := a.Metadata[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
