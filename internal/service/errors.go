package service

import "gitlab-tracker/pkg/responses"

// GitLab 集成相关的业务错误
var (
	ErrUnauthorized          = responses.New(responses.CodeUnauthorized, "未登录或会话已失效")
	ErrIntegrationNotFound   = responses.New(responses.CodeUnauthorized, "未连接 GitLab")
	ErrIntegrationInactive   = responses.New(responses.CodeUnauthorized, "GitLab 集成已停用")
	ErrTokenDecryptionFailed = responses.New(responses.CodeReconnect, "GitLab 凭据无法解密，请重新连接")
	ErrTokenRefreshFailed    = responses.New(responses.CodeReconnect, "GitLab 令牌刷新失败，请重新连接")
	ErrInvalidRefreshToken   = responses.New(responses.CodeReconnect, "刷新令牌无效，请重新连接")
	ErrGitLabUnauthorized    = responses.New(responses.CodeReconnect, "GitLab 令牌无效或权限不足")
	ErrSyncInProgress        = responses.New(responses.CodeConflict, "同步正在进行中")
	ErrUsernameMismatch      = responses.New(responses.CodeBadRequest, "GitLab 用户名与令牌所属用户不一致")
	ErrOAuthNotConfigured    = responses.New(responses.CodeBadRequest, "未配置 GitLab OAuth 应用")
	ErrInvalidOAuthState     = responses.New(responses.CodeBadRequest, "OAuth state 无效或已过期")
	ErrRepositoryNotFound    = responses.New(responses.CodeNotFound, "仓库不存在")
	ErrGitLabUnavailable     = responses.New(responses.CodeUpstreamError, "GitLab 请求失败")
)
