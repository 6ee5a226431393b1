package service

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"gitlab-tracker/internal/analytics"
	"gitlab-tracker/internal/dto"
	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/pkg/constants"
	"gitlab-tracker/pkg/responses"
)

const (
	defaultAnalyticsDays = 30
	recentCommitsLimit   = 10
)

// AnalyticsService 基于已同步活动计算统计
type AnalyticsService struct {
	integrations repository.IntegrationRepository
	activities   repository.ActivityRepository
	logger       *zap.Logger
	now          func() time.Time
}

// NewAnalyticsService 创建统计服务
func NewAnalyticsService(integrations repository.IntegrationRepository, activities repository.ActivityRepository, logger *zap.Logger) *AnalyticsService {
	return &AnalyticsService{
		integrations: integrations,
		activities:   activities,
		logger:       logger,
		now:          time.Now,
	}
}

// Get 统计最近 days 天的活动；includeStats 为 false 时只返回汇总数值
func (s *AnalyticsService) Get(ctx context.Context, userID string, days int, includeStats bool) (*dto.AnalyticsResponse, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}
	in, err := s.integrations.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, responses.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}
	if days <= 0 {
		days = defaultAnalyticsDays
	}

	now := s.now().UTC()
	// 热力图固定窗口可能长于统计窗口，取两者较大者一次查询
	window := max(days, analytics.DefaultHeatmapDays)
	since := now.AddDate(0, 0, -window)

	commits, err := s.activities.List(ctx, repository.ActivityQuery{
		UserID: userID,
		Type:   constants.ActivityTypeCommit,
		Since:  &since,
	})
	if err != nil {
		return nil, err
	}

	periodStart := now.AddDate(0, 0, -days)
	inPeriod := lo.Filter(commits, func(a *model.Activity, _ int) bool { return !a.CreatedAt.Before(periodStart) })

	mrs, err := s.activities.Count(ctx, repository.ActivityQuery{UserID: userID, Type: constants.ActivityTypeMergeRequest, Since: &periodStart})
	if err != nil {
		return nil, err
	}
	issues, err := s.activities.Count(ctx, repository.ActivityQuery{UserID: userID, Type: constants.ActivityTypeIssue, Since: &periodStart})
	if err != nil {
		return nil, err
	}

	summary := analytics.Summarize(analytics.Input{
		Commits:       lo.Map(inPeriod, toAnalyticsCommit),
		MergeRequests: int(mrs),
		Issues:        int(issues),
		Days:          days,
		Now:           now,
	})
	// 热力图与连续天数使用完整窗口
	all := lo.Map(commits, toAnalyticsCommit)
	byDay := analytics.CommitsByDay(all)
	summary.Heatmap = analytics.Heatmap(byDay, now, analytics.DefaultHeatmapDays)
	summary.CurrentStreak = analytics.CurrentStreak(byDay, now)
	summary.LongestStreak = analytics.LongestStreak(byDay)

	resp := &dto.AnalyticsResponse{
		Days:               days,
		TotalCommits:       summary.TotalCommits,
		TotalMergeRequests: summary.TotalMergeRequests,
		TotalIssues:        summary.TotalIssues,
		ActiveDays:         summary.ActiveDays,
		CurrentStreak:      summary.CurrentStreak,
		LongestStreak:      summary.LongestStreak,
		ProductivityScore:  summary.ProductivityScore,
		QualityScore:       summary.QualityScore,
		LinesAdded:         summary.LinesAdded,
		LinesDeleted:       summary.LinesDeleted,
		AvgCommitSize:      summary.AvgCommitSize,
		AvgCommitsPerDay:   summary.AvgCommitsPerDay,
		MostActiveWeekday:  summary.MostActiveWeekday,
		MostActiveHour:     summary.MostActiveHour,
		RecentCommits: lo.Map(lo.Subset(inPeriod, 0, recentCommitsLimit), func(a *model.Activity, _ int) dto.ActivityResponse {
			return dto.ToActivityResponse(a)
		}),
		LastSyncAt: in.LastSyncAt,
	}
	if includeStats {
		resp.Heatmap = summary.Heatmap
		resp.Weekly = summary.Weekly
		resp.Monthly = summary.Monthly
		resp.Projects = summary.Projects
	}
	return resp, nil
}

func toAnalyticsCommit(a *model.Activity, _ int) analytics.Commit {
	return analytics.Commit{
		Timestamp:   a.CreatedAt,
		ProjectID:   a.ProjectID,
		ProjectName: a.ProjectName,
		Message:     a.Message,
		Additions:   a.MetaInt(model.MetaAdditions),
		Deletions:   a.MetaInt(model.MetaDeletions),
	}
}
