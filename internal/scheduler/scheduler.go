package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"gitlab-tracker/internal/pkg/config"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/internal/service"
	"gitlab-tracker/pkg/constants"
)

const defaultCron = "0 0 */6 * * *" // 每 6 小时

// Syncer 单个用户的同步入口
type Syncer interface {
	Sync(ctx context.Context, userID string, opts service.SyncOptions) (*service.SyncResult, error)
}

// Report 一轮定时同步的结果
type Report struct {
	Users   int
	Synced  int
	Skipped int // 已有同步在运行
	Failed  int
}

// Scheduler 定时增量同步
type Scheduler struct {
	cron          *cron.Cron
	logger        *zap.Logger
	integrations  repository.IntegrationRepository
	syncer        Syncer
	cfg           *config.SyncConfig
	runTimeout    time.Duration
	cronSchedules map[string]cron.EntryID
}

// NewScheduler 创建调度器
func NewScheduler(integrations repository.IntegrationRepository, syncer Syncer, cfg *config.SyncConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		// 秒级 cron 表达式；上一轮未结束时跳过本轮
		cron:          cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:        logger,
		integrations:  integrations,
		syncer:        syncer,
		cfg:           cfg,
		runTimeout:    config.Duration(cfg.RunTimeout, constants.DefaultRunTimeout),
		cronSchedules: make(map[string]cron.EntryID),
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	log := s.logger.Sugar()

	if !s.cfg.Enabled {
		log.Info("定时同步未启用")
		return nil
	}

	// cron 表达式格式: 秒 分 时 日 月 周
	cronExpr := s.cfg.Cron
	if cronExpr == "" {
		cronExpr = defaultCron
		log.Warnw("未配置sync.cron，使用默认值", "cron", cronExpr)
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		log.Info("执行定时任务: GitLab 活动同步")
		s.SyncAll(context.Background())
	})
	if err != nil {
		log.Errorf("注册 GitLab 同步任务失败: %v %v", cronExpr, err)
		return err
	}

	s.cronSchedules["gitlab_sync"] = entryID
	log.Infof("GitLab 同步任务已注册: %s entry_id=%d", cronExpr, entryID)

	s.cron.Start()
	log.Info("定时任务调度器启动成功")
	return nil
}

// Stop 停止调度器，等待正在执行的任务完成
func (s *Scheduler) Stop() {
	s.logger.Info("正在停止定时任务调度器...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("定时任务调度器已停止")
}

// SyncAll 依次对所有有效集成做增量同步，单个用户受 runTimeout 限制
func (s *Scheduler) SyncAll(ctx context.Context) Report {
	var report Report

	list, err := s.integrations.ListActive(ctx)
	if err != nil {
		s.logger.Error("查询有效集成失败", zap.Error(err))
		return report
	}
	report.Users = len(list)

	for _, in := range list {
		if ctx.Err() != nil {
			break
		}
		runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
		result, err := s.syncer.Sync(runCtx, in.UserID, service.SyncOptions{Mode: constants.SyncModeIncremental})
		cancel()

		switch {
		case errors.Is(err, service.ErrSyncInProgress):
			report.Skipped++
			s.logger.Info("用户同步进行中，跳过", zap.String("user_id", in.UserID))
		case err != nil:
			report.Failed++
			s.logger.Warn("定时同步失败", zap.String("user_id", in.UserID), zap.Error(err))
		default:
			report.Synced++
			s.logger.Info("定时同步完成",
				zap.String("user_id", in.UserID),
				zap.String("state", result.State),
				zap.Int("new_records", result.NewRecords),
				zap.Int("errors", len(result.Errors)))
		}
	}

	s.logger.Info("定时同步结束",
		zap.Int("users", report.Users),
		zap.Int("synced", report.Synced),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report
}
