package router

import (
	"github.com/gin-gonic/gin"

	"gitlab-tracker/internal/api/handler"
	"gitlab-tracker/internal/api/middleware"
	"gitlab-tracker/internal/pkg/config"
	"gitlab-tracker/internal/pkg/jwt"
	"gitlab-tracker/internal/service"
)

// Services 路由依赖的服务
type Services struct {
	Integration *service.IntegrationService
	Sync        *service.SyncService
	Analytics   *service.AnalyticsService
}

// Setup 设置路由
func Setup(cfg *config.Config, svc *Services) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware())

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	gitlabHandler := handler.NewGitLabHandler(svc.Integration, svc.Sync, svc.Analytics)
	validator := jwt.NewValidator(&cfg.Auth.JWT)

	v1 := r.Group("/api/v1")
	{
		// OAuth 回调由 GitLab 跳转，无会话，用户由 state 确定
		v1.GET("/gitlab/oauth/callback", gitlabHandler.OAuthCallback)

		authed := v1.Group("")
		authed.Use(middleware.AuthMiddleware(validator))
		{
			groupGitLab := authed.Group("/gitlab")
			{
				groupGitLab.POST("/connect/token", gitlabHandler.ConnectToken)            // 个人访问令牌连接
				groupGitLab.POST("/connect/oauth", gitlabHandler.ConnectOAuth)            // 会话 OAuth 令牌连接
				groupGitLab.GET("/oauth/authorize", gitlabHandler.OAuthAuthorize)         // 获取授权地址
				groupGitLab.POST("/sync", gitlabHandler.Sync)                             // 手动同步（query: days, fullSync）
				groupGitLab.GET("/status", gitlabHandler.Status)                          // 连接状态
				groupGitLab.GET("/analytics", gitlabHandler.Analytics)                    // 活动统计（query: days, includeStats）
				groupGitLab.POST("/disconnect", gitlabHandler.Disconnect)                 // 断开连接
				groupGitLab.POST("/test", gitlabHandler.TestConnection)                   // 测试连接
				groupGitLab.GET("/repositories", gitlabHandler.Repositories)              // 跟踪仓库列表
				groupGitLab.PUT("/repositories/:id/track", gitlabHandler.TrackRepository) // 切换跟踪状态
				groupGitLab.GET("/activities", gitlabHandler.Activities)                  // 活动列表（query: type, days, limit）
			}
		}
	}

	return r
}
