package model

import (
	"time"

	"gorm.io/datatypes"
)

const (
	IntegrationTableName = "gitlab_integrations"

	// 错误日志保留条数
	MaxErrorLogEntries = 50
)

// TrackedRepository 集成下跟踪的仓库
type TrackedRepository struct {
	ID           int64      `json:"id" bson:"id"`
	Name         string     `json:"name" bson:"name"`
	FullPath     string     `json:"full_path" bson:"full_path"`
	WebURL       string     `json:"web_url" bson:"web_url"`
	Visibility   string     `json:"visibility" bson:"visibility"`
	IsTracked    bool       `json:"is_tracked" bson:"is_tracked"`
	LastActivity *time.Time `json:"last_activity,omitempty" bson:"last_activity,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty" bson:"last_sync_at,omitempty"`
}

// ErrorLogEntry 集成错误日志
type ErrorLogEntry struct {
	Message   string    `json:"message" bson:"message"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// Integration 用户的 GitLab 集成记录，每个用户一条
type Integration struct {
	ID     string `gorm:"primaryKey;size:36" json:"id" bson:"_id"`
	UserID string `gorm:"column:user_id;size:64;not null;uniqueIndex" json:"user_id" bson:"user_id"`

	GitLabUserID   int64  `gorm:"column:gitlab_user_id" json:"gitlab_user_id" bson:"gitlab_user_id"`
	GitLabUsername string `gorm:"column:gitlab_username;size:100" json:"gitlab_username" bson:"gitlab_username"`
	GitLabEmail    string `gorm:"column:gitlab_email;size:200" json:"gitlab_email" bson:"gitlab_email"`
	GitLabName     string `gorm:"column:gitlab_name;size:200" json:"gitlab_name" bson:"gitlab_name"`

	// 令牌仅以密文形式落库
	AccessTokenEnc  string     `gorm:"column:access_token_enc;type:text;not null" json:"-" bson:"access_token_enc"`
	RefreshTokenEnc string     `gorm:"column:refresh_token_enc;type:text" json:"-" bson:"refresh_token_enc,omitempty"`
	TokenType       string     `gorm:"column:token_type;size:32;not null" json:"token_type" bson:"token_type"`
	TokenExpiresAt  *time.Time `gorm:"column:token_expires_at" json:"token_expires_at,omitempty" bson:"token_expires_at,omitempty"`

	InstanceURL string    `gorm:"column:instance_url;size:255" json:"instance_url" bson:"instance_url"`
	APIBaseURL  string    `gorm:"column:api_base_url;size:255" json:"api_base_url" bson:"api_base_url"`
	ConnectedAt time.Time `gorm:"column:connected_at;not null" json:"connected_at" bson:"connected_at"`
	IsActive    bool      `gorm:"column:is_active;not null;default:true;index" json:"is_active" bson:"is_active"`

	TrackedRepositories datatypes.JSONSlice[TrackedRepository] `gorm:"column:tracked_repositories" json:"tracked_repositories" bson:"tracked_repositories"`

	LastSyncAt           *time.Time                         `gorm:"column:last_sync_at" json:"last_sync_at,omitempty" bson:"last_sync_at,omitempty"`
	LastSuccessfulSyncAt *time.Time                         `gorm:"column:last_successful_sync_at" json:"last_successful_sync_at,omitempty" bson:"last_successful_sync_at,omitempty"`
	ErrorLog             datatypes.JSONSlice[ErrorLogEntry] `gorm:"column:error_log" json:"error_log" bson:"error_log"`

	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at" bson:"updated_at"`
}

func (Integration) TableName() string {
	return IntegrationTableName
}

// AppendError 追加错误日志，超出上限时丢弃最旧的记录
func (i *Integration) AppendError(message string, at time.Time) {
	i.ErrorLog = append(i.ErrorLog, ErrorLogEntry{Message: message, Timestamp: at})
	if n := len(i.ErrorLog); n > MaxErrorLogEntries {
		i.ErrorLog = i.ErrorLog[n-MaxErrorLogEntries:]
	}
}

// TrackedCount 已跟踪仓库数量
func (i *Integration) TrackedCount() int {
	n := 0
	for _, r := range i.TrackedRepositories {
		if r.IsTracked {
			n++
		}
	}
	return n
}
