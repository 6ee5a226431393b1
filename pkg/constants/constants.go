package constants

import "time"

// 集成令牌类型
const (
	TokenTypeOAuth = "oauth"
	TokenTypePAT   = "personal_access_token"
)

// 活动记录类型
const (
	ActivityTypeCommit       = "commit"
	ActivityTypeIssue        = "issue"
	ActivityTypeMergeRequest = "merge_request"
)

// 同步模式
const (
	SyncModeIncremental = "incremental"
	SyncModeFull        = "full"
	SyncModeCustom      = "custom"
)

// 同步默认值
const (
	DefaultIncrementalDays = 30
	DefaultFullDays        = 365
	TokenRefreshHorizon    = 5 * time.Minute
	DefaultRequestTimeout  = 30 * time.Second
	DefaultRunTimeout      = 2 * time.Minute
)

// gin Context 键
const (
	ContextKeyUserID = "uid"
	ContextKeyEmail  = "email"
	ContextKeyName   = "name"
)

// HTTP Header
const (
	HeaderAuthorization = "Authorization"
	HeaderBearerPrefix  = "Bearer "
)
