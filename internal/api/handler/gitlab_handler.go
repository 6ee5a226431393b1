package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"gitlab-tracker/internal/api/middleware"
	"gitlab-tracker/internal/dto"
	"gitlab-tracker/internal/service"
	"gitlab-tracker/pkg/constants"
	"gitlab-tracker/pkg/responses"
	"gitlab-tracker/pkg/utils"
)

// GitLabHandler GitLab 集成接口
type GitLabHandler struct {
	integrationService *service.IntegrationService
	syncService        *service.SyncService
	analyticsService   *service.AnalyticsService
}

func NewGitLabHandler(integrationService *service.IntegrationService, syncService *service.SyncService, analyticsService *service.AnalyticsService) *GitLabHandler {
	return &GitLabHandler{
		integrationService: integrationService,
		syncService:        syncService,
		analyticsService:   analyticsService,
	}
}

// ConnectToken 使用个人访问令牌连接
// @Summary 使用个人访问令牌连接
// @Tags GitLab
// @Accept json
// @Produce json
// @Param body body dto.ConnectTokenRequest true "连接请求"
// @Success 200 {object} responses.Response{data=dto.IntegrationStatusResponse}
// @Router /api/v1/gitlab/connect/token [post]
func (h *GitLabHandler) ConnectToken(c *gin.Context) {
	var req dto.ConnectTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	resp, err := h.integrationService.ConnectWithToken(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.SuccessWithMessage(c, "GitLab 连接成功", resp)
}

// ConnectOAuth 使用会话中的 OAuth 令牌连接
// @Summary 使用 OAuth 令牌连接
// @Tags GitLab
// @Accept json
// @Produce json
// @Param body body dto.ConnectOAuthRequest true "OAuth 令牌"
// @Success 200 {object} responses.Response{data=dto.IntegrationStatusResponse}
// @Router /api/v1/gitlab/connect/oauth [post]
func (h *GitLabHandler) ConnectOAuth(c *gin.Context) {
	var req dto.ConnectOAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	resp, err := h.integrationService.ConnectWithOAuth(c.Request.Context(), middleware.UserID(c), &req)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.SuccessWithMessage(c, "GitLab 连接成功", resp)
}

// OAuthAuthorize 返回 GitLab 授权地址
// @Summary 获取 GitLab 授权地址
// @Tags GitLab
// @Produce json
// @Success 200 {object} responses.Response{data=dto.OAuthAuthorizeResponse}
// @Router /api/v1/gitlab/oauth/authorize [get]
func (h *GitLabHandler) OAuthAuthorize(c *gin.Context) {
	resp, err := h.integrationService.OAuthAuthorizeURL(middleware.UserID(c))
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, resp)
}

// OAuthCallback GitLab 授权回调，用户由 state 确定
// @Summary GitLab 授权回调
// @Tags GitLab
// @Produce json
// @Param code query string true "授权码"
// @Param state query string true "授权 state"
// @Success 200 {object} responses.Response{data=dto.IntegrationStatusResponse}
// @Router /api/v1/gitlab/oauth/callback [get]
func (h *GitLabHandler) OAuthCallback(c *gin.Context) {
	var query dto.OAuthCallbackQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	userID, resp, err := h.integrationService.OAuthCallback(c.Request.Context(), query.Code, query.State)
	if userID != "" {
		c.Set(constants.ContextKeyUserID, userID)
	}
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.SuccessWithMessage(c, "GitLab 授权成功", resp)
}

// Sync 手动同步；fullSync 优先于 days
// @Summary 手动同步 GitLab 活动
// @Tags GitLab
// @Produce json
// @Param fullSync query bool false "全量同步"
// @Param days query int false "回溯天数"
// @Success 200 {object} responses.Response{data=service.SyncResult}
// @Router /api/v1/gitlab/sync [post]
func (h *GitLabHandler) Sync(c *gin.Context) {
	var query dto.SyncQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	opts := service.SyncOptions{Mode: constants.SyncModeIncremental}
	switch {
	case query.FullSync:
		opts.Mode = constants.SyncModeFull
	case query.Days > 0:
		opts = service.SyncOptions{Mode: constants.SyncModeCustom, Days: query.Days}
	}

	result, err := h.syncService.Sync(c.Request.Context(), middleware.UserID(c), opts)
	if err != nil {
		responses.Error(c, err)
		return
	}

	if result.State == service.StatePartiallyFailed {
		responses.PartialSuccess(c, "同步完成，部分项目失败", result)
		return
	}
	responses.SuccessWithMessage(c, "同步完成", result)
}

// Status 连接状态
// @Summary 获取连接状态
// @Tags GitLab
// @Produce json
// @Success 200 {object} responses.Response{data=dto.IntegrationStatusResponse}
// @Router /api/v1/gitlab/status [get]
func (h *GitLabHandler) Status(c *gin.Context) {
	resp, err := h.integrationService.Status(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, resp)
}

// Analytics 活动统计，includeStats 默认 true
// @Summary 获取活动统计
// @Tags GitLab
// @Produce json
// @Param days query int false "统计天数"
// @Param includeStats query bool false "包含热力图与分布"
// @Success 200 {object} responses.Response{data=dto.AnalyticsResponse}
// @Router /api/v1/gitlab/analytics [get]
func (h *GitLabHandler) Analytics(c *gin.Context) {
	var query dto.AnalyticsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}
	includeStats := query.IncludeStats == nil || *query.IncludeStats

	resp, err := h.analyticsService.Get(c.Request.Context(), middleware.UserID(c), query.Days, includeStats)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, resp)
}

// Disconnect 断开连接并删除活动记录
// @Summary 断开 GitLab 连接
// @Tags GitLab
// @Produce json
// @Success 200 {object} responses.Response{data=dto.DisconnectResponse}
// @Router /api/v1/gitlab/disconnect [post]
func (h *GitLabHandler) Disconnect(c *gin.Context) {
	resp, err := h.integrationService.Disconnect(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.SuccessWithMessage(c, "GitLab 已断开连接", resp)
}

// TestConnection 测试已保存的令牌
// @Summary 测试 GitLab 连接
// @Tags GitLab
// @Produce json
// @Success 200 {object} responses.Response{data=dto.ConnectionTestResponse}
// @Router /api/v1/gitlab/test [post]
func (h *GitLabHandler) TestConnection(c *gin.Context) {
	resp, err := h.integrationService.TestConnection(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.SuccessWithMessage(c, "连接测试成功", resp)
}

// Repositories 跟踪仓库列表
// @Summary 获取跟踪仓库列表
// @Tags GitLab
// @Produce json
// @Success 200 {object} responses.Response{data=[]model.TrackedRepository}
// @Router /api/v1/gitlab/repositories [get]
func (h *GitLabHandler) Repositories(c *gin.Context) {
	repos, err := h.integrationService.Repositories(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, repos)
}

// TrackRepository 切换仓库跟踪状态
// @Summary 切换仓库跟踪状态
// @Tags GitLab
// @Accept json
// @Produce json
// @Param id path int true "GitLab 项目ID"
// @Param body body dto.TrackRepositoryRequest true "跟踪状态"
// @Success 200 {object} responses.Response{data=model.TrackedRepository}
// @Router /api/v1/gitlab/repositories/{id}/track [put]
func (h *GitLabHandler) TrackRepository(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		responses.ErrorWithCode(c, responses.CodeBadRequest, "ID 参数错误")
		return
	}

	var req dto.TrackRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	repo, err := h.integrationService.SetTracked(c.Request.Context(), middleware.UserID(c), id, *req.Tracked)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, repo)
}

// Activities 已同步的活动列表
// @Summary 获取活动列表
// @Tags GitLab
// @Produce json
// @Param type query string false "活动类型"
// @Param days query int false "回溯天数"
// @Param limit query int false "条数"
// @Success 200 {object} responses.Response{data=[]dto.ActivityResponse}
// @Router /api/v1/gitlab/activities [get]
func (h *GitLabHandler) Activities(c *gin.Context) {
	var query dto.ActivityListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		responses.ErrorWithDetail(c, responses.CodeBadRequest, "请求参数错误", utils.FormatValidationError(err))
		return
	}

	list, err := h.integrationService.Activities(c.Request.Context(), middleware.UserID(c), &query)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, list)
}
