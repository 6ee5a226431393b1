package dto

import (
	"time"

	"gitlab-tracker/internal/analytics"
	"gitlab-tracker/internal/model"
)

// ConnectTokenRequest 使用个人访问令牌连接
type ConnectTokenRequest struct {
	PersonalAccessToken string   `json:"personalAccessToken" binding:"required,min=8"`
	GitLabUsername      string   `json:"gitlabUsername" binding:"omitempty,max=100"`
	Repositories        []string `json:"repositories" binding:"omitempty,dive,max=255"` // 项目 ID 或完整路径
}

// ConnectOAuthRequest 使用身份提供方下发的 OAuth 令牌连接
type ConnectOAuthRequest struct {
	AccessToken  string     `json:"accessToken" binding:"required"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresIn    int64      `json:"expiresIn" binding:"omitempty,gte=0"` // 秒
	ExpiresAt    *time.Time `json:"expiresAt"`
}

// SyncQuery 同步参数
type SyncQuery struct {
	Days     int  `form:"days" binding:"omitempty,gte=1,lte=3650"`
	FullSync bool `form:"fullSync"`
}

// AnalyticsQuery 统计参数
type AnalyticsQuery struct {
	Days         int   `form:"days" binding:"omitempty,gte=1,lte=3650"`
	IncludeStats *bool `form:"includeStats"`
}

// ActivityListQuery 活动列表参数
type ActivityListQuery struct {
	Type  string `form:"type" binding:"omitempty,oneof=commit issue merge_request"`
	Days  int    `form:"days" binding:"omitempty,gte=1,lte=3650"`
	Limit int    `form:"limit" binding:"omitempty,gte=1,lte=500"`
}

// OAuthCallbackQuery OAuth 回调参数
type OAuthCallbackQuery struct {
	Code  string `form:"code" binding:"required"`
	State string `form:"state" binding:"required"`
}

// TrackRepositoryRequest 切换仓库跟踪状态
type TrackRepositoryRequest struct {
	Tracked *bool `json:"tracked" binding:"required"`
}

// IntegrationStatusResponse 连接状态
type IntegrationStatusResponse struct {
	Connected            bool                  `json:"connected"`
	TokenType            string                `json:"token_type,omitempty"`
	GitLabUserID         int64                 `json:"gitlab_user_id,omitempty"`
	GitLabUsername       string                `json:"gitlab_username,omitempty"`
	GitLabEmail          string                `json:"gitlab_email,omitempty"`
	InstanceURL          string                `json:"instance_url,omitempty"`
	ConnectedAt          *time.Time            `json:"connected_at,omitempty"`
	TokenExpiresAt       *time.Time            `json:"token_expires_at,omitempty"`
	RepositoryCount      int                   `json:"repository_count"`
	TrackedCount         int                   `json:"tracked_count"`
	ActivityCount        int64                 `json:"activity_count"`
	LastSyncAt           *time.Time            `json:"last_sync_at,omitempty"`
	LastSuccessfulSyncAt *time.Time            `json:"last_successful_sync_at,omitempty"`
	RecentErrors         []model.ErrorLogEntry `json:"recent_errors,omitempty"`
}

// ConnectionTestResponse 连接测试结果
type ConnectionTestResponse struct {
	OK        bool   `json:"ok"`
	TokenType string `json:"token_type"`
	UserID    int64  `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

// OAuthAuthorizeResponse 授权跳转地址
type OAuthAuthorizeResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// DisconnectResponse 断开连接结果
type DisconnectResponse struct {
	DeletedActivities int64 `json:"deleted_activities"`
}

// ActivityResponse 活动记录
type ActivityResponse struct {
	ID          string                 `json:"id"`
	Type        string                 `json:"type"`
	RemoteID    string                 `json:"remote_id"`
	ProjectID   int64                  `json:"project_id"`
	ProjectName string                 `json:"project_name"`
	ProjectPath string                 `json:"project_path"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message,omitempty"`
	WebURL      string                 `json:"web_url"`
	CreatedAt   time.Time              `json:"created_at"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToActivityResponse 模型转换
func ToActivityResponse(a *model.Activity) ActivityResponse {
	return ActivityResponse{
		ID:          a.ID,
		Type:        a.Type,
		RemoteID:    a.RemoteID,
		ProjectID:   a.ProjectID,
		ProjectName: a.ProjectName,
		ProjectPath: a.ProjectPath,
		Title:       a.Title,
		Message:     a.Message,
		WebURL:      a.WebURL,
		CreatedAt:   a.CreatedAt,
		Metadata:    a.Metadata,
	}
}

// AnalyticsResponse 统计结果；IncludeStats 为 false 时省略明细
type AnalyticsResponse struct {
	Days               int                     `json:"days"`
	TotalCommits       int                     `json:"total_commits"`
	TotalMergeRequests int                     `json:"total_merge_requests"`
	TotalIssues        int                     `json:"total_issues"`
	ActiveDays         int                     `json:"active_days"`
	CurrentStreak      int                     `json:"current_streak"`
	LongestStreak      int                     `json:"longest_streak"`
	ProductivityScore  int                     `json:"productivity_score"`
	QualityScore       int                     `json:"quality_score"`
	LinesAdded         int                     `json:"lines_added"`
	LinesDeleted       int                     `json:"lines_deleted"`
	AvgCommitSize      float64                 `json:"avg_commit_size"`
	AvgCommitsPerDay   float64                 `json:"avg_commits_per_day"`
	MostActiveWeekday  string                  `json:"most_active_weekday,omitempty"`
	MostActiveHour     int                     `json:"most_active_hour"`
	Heatmap            []analytics.HeatmapCell `json:"heatmap,omitempty"`
	Weekly             []analytics.Bucket      `json:"weekly,omitempty"`
	Monthly            []analytics.Bucket      `json:"monthly,omitempty"`
	Projects           []analytics.ProjectStat `json:"projects,omitempty"`
	RecentCommits      []ActivityResponse      `json:"recent_commits"`
	LastSyncAt         *time.Time              `json:"last_sync_at,omitempty"`
}
