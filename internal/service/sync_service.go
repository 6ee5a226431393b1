package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/internal/pkg/lock"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/pkg/constants"
	"gitlab-tracker/pkg/responses"
)

// 同步状态
const (
	StateIdle            = "idle"
	StateAuthenticating  = "authenticating"
	StateEnumerating     = "enumerating_projects"
	StateFetching        = "per_project_fetch"
	StatePersisting      = "persisting"
	StateCompleted       = "completed"
	StatePartiallyFailed = "partially_failed"
	StateFailed          = "failed"
)

const (
	// 落库使用独立超时，请求取消后仍写完已拉取的数据
	persistTimeout = 30 * time.Second
	maxRetryWait   = 30 * time.Second
)

// SyncSettings 同步参数
type SyncSettings struct {
	MaxProjects    int
	PerPage        int
	MaxCommitPages int
	Concurrency    int
	RetryCount     int
	RetryBackoff   time.Duration
	DefaultDays    int
	FullDays       int
}

// DefaultSyncSettings 默认同步参数
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		MaxProjects:    50,
		PerPage:        100,
		MaxCommitPages: 10,
		Concurrency:    5,
		RetryCount:     3,
		RetryBackoff:   time.Second,
		DefaultDays:    constants.DefaultIncrementalDays,
		FullDays:       constants.DefaultFullDays,
	}
}

func (c SyncSettings) normalized() SyncSettings {
	d := DefaultSyncSettings()
	if c.MaxProjects <= 0 {
		c.MaxProjects = d.MaxProjects
	}
	if c.PerPage <= 0 {
		c.PerPage = d.PerPage
	}
	if c.MaxCommitPages <= 0 {
		c.MaxCommitPages = d.MaxCommitPages
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.DefaultDays <= 0 {
		c.DefaultDays = d.DefaultDays
	}
	if c.FullDays <= 0 {
		c.FullDays = d.FullDays
	}
	return c
}

// SyncOptions 单次同步参数
type SyncOptions struct {
	Mode string // incremental, full, custom
	Days int    // custom 模式的回溯天数
}

// SyncError 单个项目或单次调用的非致命错误
type SyncError struct {
	ProjectID int64  `json:"project_id,omitempty"`
	Project   string `json:"project"`
	Message   string `json:"message"`
}

// SyncResult 同步结果
type SyncResult struct {
	RunID                  string      `json:"run_id"`
	Mode                   string      `json:"mode"`
	Since                  time.Time   `json:"since"`
	State                  string      `json:"state"`
	ProjectsScanned        int         `json:"projects_scanned"`
	CommitsProcessed       int         `json:"commits_processed"` // API 返回的提交数（过滤前）
	CommitsMatched         int         `json:"commits_matched"`
	IssuesProcessed        int         `json:"issues_processed"`
	MergeRequestsProcessed int         `json:"merge_requests_processed"`
	NewRecords             int         `json:"new_records"`
	UpdatedRecords         int         `json:"updated_records"`
	Errors                 []SyncError `json:"errors"`
	DurationMs             int64       `json:"duration_ms"`
}

// SyncService 活动同步
type SyncService struct {
	integrations repository.IntegrationRepository
	activities   repository.ActivityRepository
	tokens       *TokenService
	gitlab       GitLabAPI
	locker       lock.Locker
	settings     SyncSettings
	retry        retryPolicy
	logger       *zap.Logger
	now          func() time.Time
}

// NewSyncService 创建同步服务
func NewSyncService(
	integrations repository.IntegrationRepository,
	activities repository.ActivityRepository,
	tokens *TokenService,
	gl GitLabAPI,
	locker lock.Locker,
	settings SyncSettings,
	logger *zap.Logger,
) *SyncService {
	settings = settings.normalized()
	return &SyncService{
		integrations: integrations,
		activities:   activities,
		tokens:       tokens,
		gitlab:       gl,
		locker:       locker,
		settings:     settings,
		retry: retryPolicy{
			rateLimitAttempts: settings.RetryCount,
			backoff:           settings.RetryBackoff,
			maxWait:           maxRetryWait,
		},
		logger: logger,
		now:    time.Now,
	}
}

// SyncLockKey 同一用户的同步、断开连接与重新连接共用该锁
func SyncLockKey(userID string) string {
	return "sync:" + userID
}

// TokenLockKey 令牌刷新与凭据替换按用户串行；刷新令牌只能使用一次
func TokenLockKey(userID string) string {
	return "token:" + userID
}

type syncRun struct {
	id     string
	state  string
	logger *zap.Logger
}

func (r *syncRun) transition(state string, fields ...zap.Field) {
	r.logger.Info("同步状态变更", append([]zap.Field{zap.String("from", r.state), zap.String("state", state)}, fields...)...)
	r.state = state
}

type projectFetch struct {
	project gitlab.Project
	commits []gitlab.Commit
	own     []gitlab.Commit
	err     *SyncError
}

// Sync 同步一个用户的 GitLab 活动；同一用户已有同步在运行时返回 ErrSyncInProgress
func (s *SyncService) Sync(ctx context.Context, userID string, opts SyncOptions) (*SyncResult, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}

	unlock, err := s.locker.TryLock(ctx, SyncLockKey(userID))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, ErrSyncInProgress
		}
		return nil, responses.Wrap(responses.CodeInternalError, "获取同步锁失败", err)
	}
	defer unlock()

	started := s.now()
	run := &syncRun{id: uuid.NewString(), state: StateIdle}
	run.logger = s.logger.With(zap.String("user_id", userID), zap.String("run_id", run.id))

	run.transition(StateAuthenticating)
	in, token, err := s.tokens.Resolve(ctx, userID)
	if err != nil {
		return nil, s.fail(ctx, run, in, err)
	}

	mode, since := s.watermark(in, opts)
	result := &SyncResult{RunID: run.id, Mode: mode, Since: since, Errors: []SyncError{}}

	run.transition(StateEnumerating, zap.String("mode", mode), zap.Time("since", since))
	projects, enumErrs, err := s.enumerateProjects(ctx, run, token)
	if err != nil {
		return nil, s.fail(ctx, run, in, err)
	}
	result.ProjectsScanned = len(projects)
	result.Errors = append(result.Errors, enumErrs...)

	run.transition(StateFetching, zap.Int("projects", len(projects)))
	fetches := s.fetchProjects(ctx, run, token, projects, since, IdentityOf(in))
	issues, mrs, userErrs := s.fetchUserActivity(ctx, run, token, since)
	result.Errors = append(result.Errors, userErrs...)

	run.transition(StatePersisting)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	matched := s.persist(writeCtx, in.UserID, projects, fetches, issues, mrs, result)

	finishedAt := s.now().UTC()
	update := repository.SyncStateUpdate{
		LastSyncAt:          finishedAt,
		TrackedRepositories: mergeTrackedRepositories(in.TrackedRepositories, projects, matched, finishedAt),
	}
	if result.NewRecords+result.UpdatedRecords > 0 {
		update.LastSuccessfulSyncAt = &finishedAt
	}
	if err := s.integrations.UpdateSyncState(writeCtx, in.UserID, update); err != nil {
		run.logger.Error("更新同步状态失败", zap.Error(err))
		result.Errors = append(result.Errors, SyncError{Project: "integration", Message: err.Error()})
	}

	result.State = lo.Ternary(len(result.Errors) == 0, StateCompleted, StatePartiallyFailed)
	result.DurationMs = s.now().Sub(started).Milliseconds()
	run.transition(result.State,
		zap.Int("projects_scanned", result.ProjectsScanned),
		zap.Int("commits_processed", result.CommitsProcessed),
		zap.Int("new_records", result.NewRecords),
		zap.Int("updated_records", result.UpdatedRecords),
		zap.Int("errors", len(result.Errors)),
		zap.Int64("duration_ms", result.DurationMs))

	return result, nil
}

// watermark 增量同步从上次成功同步开始，首次回溯 DefaultDays 天
func (s *SyncService) watermark(in *model.Integration, opts SyncOptions) (string, time.Time) {
	now := s.now().UTC()
	switch {
	case opts.Mode == constants.SyncModeFull:
		return constants.SyncModeFull, now.AddDate(0, 0, -s.settings.FullDays)
	case opts.Mode == constants.SyncModeCustom && opts.Days > 0:
		return constants.SyncModeCustom, now.AddDate(0, 0, -opts.Days)
	case in.LastSuccessfulSyncAt != nil:
		return constants.SyncModeIncremental, in.LastSuccessfulSyncAt.UTC()
	default:
		return constants.SyncModeIncremental, now.AddDate(0, 0, -s.settings.DefaultDays)
	}
}

// fail 记录致命错误；集成不存在时无处记录
func (s *SyncService) fail(ctx context.Context, run *syncRun, in *model.Integration, err error) error {
	run.logger.Error("同步中止", zap.String("at", run.state), zap.Error(err))
	run.transition(StateFailed)
	if in == nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	now := s.now().UTC()
	// 刷新失败已由令牌服务记录
	if !errors.Is(err, ErrTokenRefreshFailed) {
		entry := model.ErrorLogEntry{Message: fmt.Sprintf("同步失败: %v", err), Timestamp: now}
		if logErr := s.integrations.AppendError(writeCtx, in.UserID, entry); logErr != nil {
			run.logger.Warn("记录集成错误失败", zap.Error(logErr))
		}
	}
	if stateErr := s.integrations.UpdateSyncState(writeCtx, in.UserID, repository.SyncStateUpdate{
		LastSyncAt:          now,
		TrackedRepositories: in.TrackedRepositories,
	}); stateErr != nil {
		run.logger.Warn("更新同步状态失败", zap.Error(stateErr))
	}
	return err
}

// enumerateProjects 分页获取项目，第一页失败视为致命错误
func (s *SyncService) enumerateProjects(ctx context.Context, run *syncRun, token string) ([]gitlab.Project, []SyncError, error) {
	perPage := min(s.settings.PerPage, s.settings.MaxProjects)
	var projects []gitlab.Project
	var errs []SyncError

	for page := 1; len(projects) < s.settings.MaxProjects; page++ {
		batch, err := withRetry(ctx, s.retry, func(ctx context.Context) ([]gitlab.Project, error) {
			return s.gitlab.GetUserProjects(ctx, token, gitlab.ProjectListOptions{PerPage: perPage, Page: page})
		})
		if err != nil {
			if gitlab.IsMalformed(err) {
				run.logger.Warn("项目列表响应无法解析，按空结果处理", zap.Int("page", page), zap.Error(err))
				break
			}
			if page == 1 {
				return nil, nil, translateGitLabError(err)
			}
			errs = append(errs, SyncError{Project: "projects", Message: fmt.Sprintf("获取项目列表第 %d 页失败: %v", page, err)})
			break
		}
		projects = append(projects, batch...)
		if len(batch) < perPage {
			break
		}
	}

	projects = lo.UniqBy(projects, func(p gitlab.Project) int64 { return p.ID })
	if len(projects) > s.settings.MaxProjects {
		projects = projects[:s.settings.MaxProjects]
	}
	return projects, errs, nil
}

// fetchProjects 有限并发拉取各项目提交，单个项目失败不影响其他项目
func (s *SyncService) fetchProjects(ctx context.Context, run *syncRun, token string, projects []gitlab.Project, since time.Time, id Identity) []projectFetch {
	results := make([]projectFetch, len(projects))

	var g errgroup.Group
	g.SetLimit(s.settings.Concurrency)
	for i := range projects {
		g.Go(func() error {
			results[i] = s.fetchProject(ctx, run, token, projects[i], since, id)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (s *SyncService) fetchProject(ctx context.Context, run *syncRun, token string, p gitlab.Project, since time.Time, id Identity) projectFetch {
	pf := projectFetch{project: p}
	if ctx.Err() != nil {
		pf.err = &SyncError{ProjectID: p.ID, Project: p.PathWithNamespace, Message: "同步超时，项目未处理"}
		return pf
	}

	perPage := s.settings.PerPage
	for page := 1; page <= s.settings.MaxCommitPages; page++ {
		batch, err := withRetry(ctx, s.retry, func(ctx context.Context) ([]gitlab.Commit, error) {
			return s.gitlab.GetProjectCommits(ctx, p.ID, token, gitlab.CommitListOptions{
				Since:   &since,
				PerPage: perPage,
				Page:    page,
			})
		})
		if err != nil {
			switch {
			case gitlab.IsMalformed(err):
				run.logger.Warn("提交列表响应无法解析，按空结果处理",
					zap.Int64("project_id", p.ID), zap.Int("page", page), zap.Error(err))
			case gitlab.IsNotFound(err):
				pf.err = &SyncError{ProjectID: p.ID, Project: p.PathWithNamespace, Message: "项目不存在或没有代码仓库 (404)"}
			default:
				pf.err = &SyncError{ProjectID: p.ID, Project: p.PathWithNamespace, Message: err.Error()}
			}
			break
		}
		pf.commits = append(pf.commits, batch...)
		if len(batch) < perPage {
			break
		}
	}

	pf.commits = lo.UniqBy(pf.commits, func(c gitlab.Commit) string { return c.ID })
	pf.own = lo.Filter(pf.commits, func(c gitlab.Commit, _ int) bool { return IsOwnCommit(&c, id) })

	if pf.err != nil {
		run.logger.Warn("项目同步失败", zap.Int64("project_id", p.ID), zap.String("project", p.PathWithNamespace), zap.String("error", pf.err.Message))
	} else {
		run.logger.Debug("项目拉取完成",
			zap.Int64("project_id", p.ID),
			zap.Int("commits", len(pf.commits)),
			zap.Int("matched", len(pf.own)))
	}
	return pf
}

// fetchUserActivity 用户维度拉取议题与合并请求，再按 project_id 归属到项目
func (s *SyncService) fetchUserActivity(ctx context.Context, run *syncRun, token string, since time.Time) ([]gitlab.Issue, []gitlab.MergeRequest, []SyncError) {
	var errs []SyncError
	opts := gitlab.ListOptions{State: "all", Scope: "created_by_me", UpdatedAfter: &since, PerPage: s.settings.PerPage}

	issues, err := fetchPages(ctx, s, opts, func(ctx context.Context, o gitlab.ListOptions) ([]gitlab.Issue, error) {
		return s.gitlab.GetUserIssues(ctx, token, o)
	})
	if err != nil {
		if gitlab.IsMalformed(err) {
			run.logger.Warn("议题列表响应无法解析，按空结果处理", zap.Error(err))
		} else {
			errs = append(errs, SyncError{Project: "issues", Message: err.Error()})
		}
	}

	mrs, err := fetchPages(ctx, s, opts, func(ctx context.Context, o gitlab.ListOptions) ([]gitlab.MergeRequest, error) {
		return s.gitlab.GetUserMergeRequests(ctx, token, o)
	})
	if err != nil {
		if gitlab.IsMalformed(err) {
			run.logger.Warn("合并请求列表响应无法解析，按空结果处理", zap.Error(err))
		} else {
			errs = append(errs, SyncError{Project: "merge_requests", Message: err.Error()})
		}
	}

	return issues, mrs, errs
}

// fetchPages 逐页拉取直到短页或达到页数上限，出错时返回已拉取部分
func fetchPages[T any](ctx context.Context, s *SyncService, opts gitlab.ListOptions, fn func(context.Context, gitlab.ListOptions) ([]T, error)) ([]T, error) {
	var all []T
	for page := 1; page <= s.settings.MaxCommitPages; page++ {
		if ctx.Err() != nil {
			return all, ctx.Err()
		}
		o := opts
		o.Page = page
		batch, err := withRetry(ctx, s.retry, func(ctx context.Context) ([]T, error) { return fn(ctx, o) })
		if err != nil {
			return all, err
		}
		all = append(all, batch...)
		if len(batch) < opts.PerPage {
			break
		}
	}
	return all, nil
}

// persist 顺序写入，返回每个项目匹配到的活动数
func (s *SyncService) persist(
	ctx context.Context,
	userID string,
	projects []gitlab.Project,
	fetches []projectFetch,
	issues []gitlab.Issue,
	mrs []gitlab.MergeRequest,
	result *SyncResult,
) map[int64]int {
	syncedAt := s.now().UTC()
	matched := make(map[int64]int)
	failed := make(map[int64]bool)

	save := func(p *gitlab.Project, a *model.Activity) {
		created, err := s.activities.Upsert(ctx, a)
		if err != nil {
			if !failed[p.ID] {
				failed[p.ID] = true
				result.Errors = append(result.Errors, SyncError{ProjectID: p.ID, Project: p.PathWithNamespace, Message: fmt.Sprintf("保存活动失败: %v", err)})
			}
			return
		}
		if created {
			result.NewRecords++
		} else {
			result.UpdatedRecords++
		}
		matched[p.ID]++
	}

	for i := range fetches {
		pf := &fetches[i]
		result.CommitsProcessed += len(pf.commits)
		result.CommitsMatched += len(pf.own)
		if pf.err != nil {
			result.Errors = append(result.Errors, *pf.err)
		}
		for j := range pf.own {
			save(&pf.project, commitActivity(userID, &pf.project, &pf.own[j], syncedAt))
		}
	}

	byID := lo.KeyBy(projects, func(p gitlab.Project) int64 { return p.ID })
	for i := range issues {
		p, ok := byID[issues[i].ProjectID]
		if !ok {
			continue
		}
		result.IssuesProcessed++
		save(&p, issueActivity(userID, &p, &issues[i], syncedAt))
	}
	for i := range mrs {
		p, ok := byID[mrs[i].ProjectID]
		if !ok {
			continue
		}
		result.MergeRequestsProcessed++
		save(&p, mergeRequestActivity(userID, &p, &mrs[i], syncedAt))
	}

	return matched
}

// mergeTrackedRepositories 合并本次扫描到的项目；已有记录按 ID 匹配，ID 未知时按完整路径匹配
func mergeTrackedRepositories(existing []model.TrackedRepository, projects []gitlab.Project, matched map[int64]int, now time.Time) []model.TrackedRepository {
	out := append([]model.TrackedRepository(nil), existing...)
	for _, p := range projects {
		idx := -1
		for i := range out {
			if (out[i].ID != 0 && out[i].ID == p.ID) || (out[i].ID == 0 && out[i].FullPath == p.PathWithNamespace) {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = append(out, model.TrackedRepository{})
			idx = len(out) - 1
		}

		r := &out[idx]
		r.ID = p.ID
		r.Name = p.Name
		r.FullPath = p.PathWithNamespace
		r.WebURL = p.WebURL
		r.Visibility = p.Visibility
		if p.LastActivityAt != nil {
			at := p.LastActivityAt.UTC()
			r.LastActivity = &at
		}
		syncedAt := now
		r.LastSyncAt = &syncedAt
		if matched[p.ID] > 0 {
			r.IsTracked = true
		}
	}
	return out
}
