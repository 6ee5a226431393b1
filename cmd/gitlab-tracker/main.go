package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab-tracker/internal/api/router"
	"gitlab-tracker/internal/pkg/config"
	"gitlab-tracker/internal/pkg/crypto"
	"gitlab-tracker/internal/pkg/database"
	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/internal/pkg/lock"
	"gitlab-tracker/internal/pkg/logger"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/internal/repository/memory"
	mongorepo "gitlab-tracker/internal/repository/mongo"
	"gitlab-tracker/internal/scheduler"
	"gitlab-tracker/internal/service"
	"gitlab-tracker/pkg/constants"
)

var (
	configFile = flag.String("config", "", "配置文件路径 (例如: -config=configs/config.yaml)")
	version    = flag.Bool("version", false, "显示版本信息")
)

const (
	appVersion = "1.0.0"
	appName    = "gitlab-tracker"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", appName, appVersion)
		os.Exit(0)
	}

	// init config logger
	var cfg *config.Config
	{
		// 优先级: 命令行参数 > 环境变量 > 默认路径
		configPath := getConfigPath()

		c, err := config.Load(configPath)
		if err != nil {
			fmt.Printf("加载配置失败: %v\n", err)
			fmt.Println("\n使用方式:")
			fmt.Println("  1. 命令行参数指定:")
			fmt.Println("     ./gitlab-tracker -config=configs/config.yaml")
			fmt.Println("  2. 环境变量指定:")
			fmt.Println("     export CONFIG_FILE=configs/config.yaml")
			fmt.Println("     ./gitlab-tracker")
			os.Exit(1)
		}
		cfg = c

		if err := logger.Init(&cfg.Log); err != nil {
			fmt.Printf("初始化日志失败: %v\n", err)
			os.Exit(1)
		}
		logger.Info(fmt.Sprintf("Load config file: %s of %s", configPath, getConfigSource()))

		defer func() {
			_ = logger.Close()
		}()
	}

	logger.Info(fmt.Sprintf("服务 %s 启动中...", appName), zap.String("version", appVersion))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// 初始化存储
	conns, err := database.Open(startCtx, &cfg.Database)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conns.Close(closeCtx); err != nil {
			logger.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()

	integrations, activities, err := openRepositories(startCtx, conns)
	if err != nil {
		logger.Fatal("初始化存储失败", zap.Error(err))
	}
	logger.Info("存储初始化完成", zap.String("driver", conns.Driver))

	vault, err := crypto.NewVault(cfg.Crypto.AESKey)
	if err != nil {
		logger.Fatal("初始化令牌加密失败", zap.Error(err))
	}

	requestTimeout := config.Duration(cfg.GitLab.RequestTimeout, constants.DefaultRequestTimeout)
	gl, err := gitlab.NewClient(cfg.GitLab.APIBase, gitlab.WithTimeout(requestTimeout))
	if err != nil {
		logger.Fatal("初始化 GitLab 客户端失败", zap.Error(err))
	}

	// 未配置 OAuth 应用时只支持个人访问令牌，OAuth 令牌到期后需要重新连接
	var oauth service.OAuthProvider
	if cfg.GitLab.ClientID != "" {
		oc, err := gitlab.NewOAuthClient(gitlab.OAuthConfig{
			InstanceURL:  cfg.GitLab.InstanceURL,
			ClientID:     cfg.GitLab.ClientID,
			ClientSecret: cfg.GitLab.ClientSecret,
			RedirectURL:  cfg.GitLab.RedirectURL,
			Scopes:       cfg.GitLab.Scopes,
			Timeout:      requestTimeout,
		})
		if err != nil {
			logger.Fatal("初始化 GitLab OAuth 客户端失败", zap.Error(err))
		}
		oauth = oc
	} else {
		logger.Warn("未配置 gitlab.client_id，OAuth 授权与令牌刷新不可用")
	}

	locker, closeLocker := newLocker(startCtx, &cfg.Redis)
	defer closeLocker()

	tokenService := service.NewTokenService(integrations, vault, oauth, gl, locker, logger.Log)
	syncService := service.NewSyncService(integrations, activities, tokenService, gl, locker, syncSettings(&cfg.Sync), logger.Log)
	integrationService := service.NewIntegrationService(integrations, activities, tokenService, gl, oauth, vault, locker,
		service.InstanceInfo{InstanceURL: cfg.GitLab.InstanceURL, APIBaseURL: gl.BaseURL()}, logger.Log)
	analyticsService := service.NewAnalyticsService(integrations, activities, logger.Log)

	// 初始化并启动定时任务调度器
	taskScheduler := scheduler.NewScheduler(integrations, syncService, &cfg.Sync, logger.Log)
	if err := taskScheduler.Start(); err != nil {
		logger.Warn("定时任务调度器启动失败", zap.Error(err))
	}

	r := router.Setup(cfg, &router.Services{
		Integration: integrationService,
		Sync:        syncService,
		Analytics:   analyticsService,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		logger.Info(fmt.Sprintf("%s 服务启动成功", cfg.Server.Name),
			zap.String("address", addr),
			zap.String("mode", cfg.Server.Mode),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("服务器启动失败", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务正在关闭...")

	taskScheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	logger.Info("服务已关闭")
}

// openRepositories 按驱动创建存储，并完成建表或索引
func openRepositories(ctx context.Context, conns *database.Connections) (repository.IntegrationRepository, repository.ActivityRepository, error) {
	switch conns.Driver {
	case database.DriverMySQL:
		if err := conns.AutoMigrate(); err != nil {
			return nil, nil, fmt.Errorf("数据库迁移失败: %w", err)
		}
		return repository.NewIntegrationRepository(conns.SQL), repository.NewActivityRepository(conns.SQL), nil
	case database.DriverMongo:
		if err := mongorepo.EnsureIndexes(ctx, conns.Mongo); err != nil {
			return nil, nil, fmt.Errorf("创建索引失败: %w", err)
		}
		return mongorepo.NewIntegrationRepository(conns.Mongo), mongorepo.NewActivityRepository(conns.Mongo), nil
	default:
		logger.Warn("使用内存存储，进程退出后数据丢失")
		return memory.NewIntegrationRepository(), memory.NewActivityRepository(), nil
	}
}

// newLocker 启用 Redis 时使用跨实例锁，否则使用进程内锁
func newLocker(ctx context.Context, cfg *config.RedisConfig) (lock.Locker, func()) {
	if !cfg.Enabled {
		return lock.NewLocalLocker(), func() {}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("连接 Redis 失败", zap.String("addr", cfg.Addr), zap.Error(err))
	}
	logger.Info("Redis 连接成功", zap.String("addr", cfg.Addr))

	return lock.NewRedisLocker(rdb, config.Duration(cfg.LockTTL, 5*time.Minute)), func() { _ = rdb.Close() }
}

func syncSettings(cfg *config.SyncConfig) service.SyncSettings {
	return service.SyncSettings{
		MaxProjects:    cfg.MaxProjects,
		PerPage:        cfg.PerPage,
		MaxCommitPages: cfg.MaxCommitPages,
		Concurrency:    cfg.Concurrency,
		RetryCount:     cfg.RetryCount,
		RetryBackoff:   config.Duration(cfg.RetryBackoff, time.Second),
		DefaultDays:    cfg.DefaultDays,
		FullDays:       cfg.FullDays,
	}
}

// getConfigPath 获取配置文件路径
// 优先级: 命令行参数 > 环境变量 > 默认路径
func getConfigPath() string {
	if *configFile != "" {
		return *configFile
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		return envConfig
	}

	return "configs/config.yaml"
}

// getConfigSource 获取配置来源说明
func getConfigSource() string {
	if *configFile != "" {
		return "命令行参数"
	}
	if os.Getenv("CONFIG_FILE") != "" {
		return "环境变量"
	}
	return "默认配置"
}
