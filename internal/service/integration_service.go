package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"gitlab-tracker/internal/dto"
	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/cache"
	"gitlab-tracker/internal/pkg/crypto"
	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/internal/pkg/lock"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/pkg/constants"
	"gitlab-tracker/pkg/responses"
)

const (
	oauthStateTTL     = 10 * time.Minute
	recentErrorsLimit = 5
	defaultListLimit  = 50
)

// InstanceInfo 集成记录中保存的实例地址
type InstanceInfo struct {
	InstanceURL string
	APIBaseURL  string
}

// IntegrationService 连接、断开、状态与仓库管理
type IntegrationService struct {
	integrations repository.IntegrationRepository
	activities   repository.ActivityRepository
	tokens       *TokenService
	gitlab       GitLabAPI
	oauth        OAuthProvider
	vault        *crypto.Vault
	locker       lock.Locker
	states       *cache.TTLCache[string, string]
	instance     InstanceInfo
	logger       *zap.Logger
	now          func() time.Time
}

// NewIntegrationService 创建集成服务
func NewIntegrationService(
	integrations repository.IntegrationRepository,
	activities repository.ActivityRepository,
	tokens *TokenService,
	gl GitLabAPI,
	oauth OAuthProvider,
	vault *crypto.Vault,
	locker lock.Locker,
	instance InstanceInfo,
	logger *zap.Logger,
) *IntegrationService {
	return &IntegrationService{
		integrations: integrations,
		activities:   activities,
		tokens:       tokens,
		gitlab:       gl,
		oauth:        oauth,
		vault:        vault,
		locker:       locker,
		states:       cache.New[string, string](),
		instance:     instance,
		logger:       logger,
		now:          time.Now,
	}
}

type credentials struct {
	tokenType    string
	accessToken  string
	refreshToken string
	expiresAt    *time.Time
}

// ConnectWithToken 校验个人访问令牌并保存集成
func (s *IntegrationService) ConnectWithToken(ctx context.Context, userID string, req *dto.ConnectTokenRequest) (*dto.IntegrationStatusResponse, error) {
	token := strings.TrimSpace(req.PersonalAccessToken)
	user, err := s.gitlab.GetCurrentUser(ctx, token)
	if err != nil {
		return nil, translateGitLabError(err)
	}
	if req.GitLabUsername != "" && !strings.EqualFold(user.Username, strings.TrimSpace(req.GitLabUsername)) {
		return nil, ErrUsernameMismatch
	}

	in, err := s.save(ctx, userID, user, credentials{
		tokenType:   constants.TokenTypePAT,
		accessToken: token,
	}, req.Repositories)
	if err != nil {
		return nil, err
	}
	return s.statusOf(ctx, in)
}

// ConnectWithOAuth 使用身份提供方已换取的 OAuth 令牌保存集成
func (s *IntegrationService) ConnectWithOAuth(ctx context.Context, userID string, req *dto.ConnectOAuthRequest) (*dto.IntegrationStatusResponse, error) {
	tok := &oauth2.Token{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken, ExpiresIn: req.ExpiresIn}
	if req.ExpiresAt != nil {
		tok.Expiry = *req.ExpiresAt
	}
	return s.connectOAuthToken(ctx, userID, tok)
}

func (s *IntegrationService) connectOAuthToken(ctx context.Context, userID string, tok *oauth2.Token) (*dto.IntegrationStatusResponse, error) {
	user, err := s.gitlab.GetCurrentUser(ctx, tok.AccessToken)
	if err != nil {
		return nil, translateGitLabError(err)
	}

	in, err := s.save(ctx, userID, user, credentials{
		tokenType:    constants.TokenTypeOAuth,
		accessToken:  tok.AccessToken,
		refreshToken: tok.RefreshToken,
		expiresAt:    s.tokens.expiryOf(tok.Expiry, tok.ExpiresIn),
	}, nil)
	if err != nil {
		return nil, err
	}
	return s.statusOf(ctx, in)
}

// OAuthAuthorizeURL 生成授权地址，state 绑定当前用户
func (s *IntegrationService) OAuthAuthorizeURL(userID string) (*dto.OAuthAuthorizeResponse, error) {
	if s.oauth == nil {
		return nil, ErrOAuthNotConfigured
	}
	state := uuid.NewString()
	s.states.Set(state, userID, oauthStateTTL)
	return &dto.OAuthAuthorizeResponse{URL: s.oauth.AuthCodeURL(state), State: state}, nil
}

// OAuthCallback 校验 state、换取令牌并保存集成；返回 state 绑定的用户
func (s *IntegrationService) OAuthCallback(ctx context.Context, code, state string) (string, *dto.IntegrationStatusResponse, error) {
	if s.oauth == nil {
		return "", nil, ErrOAuthNotConfigured
	}
	userID, ok := s.states.Take(state)
	if !ok {
		return "", nil, ErrInvalidOAuthState
	}

	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("OAuth 授权码换取失败", zap.String("user_id", userID), zap.Error(err))
		return userID, nil, responses.WithCause(ErrGitLabUnauthorized, err)
	}

	status, err := s.connectOAuthToken(ctx, userID, tok)
	return userID, status, err
}

// save 每个用户只保留一条集成，重新连接时原地替换凭据。
// 同步运行中拒绝替换，否则同步结束时会写回旧的仓库列表与水位。
func (s *IntegrationService) save(ctx context.Context, userID string, user *gitlab.User, cred credentials, repositories []string) (*model.Integration, error) {
	if userID == "" {
		return nil, ErrUnauthorized
	}

	unlockSync, err := s.locker.TryLock(ctx, SyncLockKey(userID))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, ErrSyncInProgress
		}
		return nil, responses.Wrap(responses.CodeInternalError, "获取同步锁失败", err)
	}
	defer unlockSync()

	unlockToken, err := lock.Acquire(ctx, s.locker, TokenLockKey(userID), tokenLockPoll)
	if err != nil {
		return nil, responses.Wrap(responses.CodeInternalError, "获取令牌锁失败", err)
	}
	defer unlockToken()

	accessEnc, err := s.vault.Encrypt(cred.accessToken)
	if err != nil {
		return nil, responses.Wrap(responses.CodeInternalError, "加密访问令牌失败", err)
	}
	var refreshEnc string
	if cred.refreshToken != "" {
		if refreshEnc, err = s.vault.Encrypt(cred.refreshToken); err != nil {
			return nil, responses.Wrap(responses.CodeInternalError, "加密刷新令牌失败", err)
		}
	}

	existing, err := s.integrations.FindByUserID(ctx, userID)
	if err != nil && !errors.Is(err, responses.ErrRecordNotFound) {
		return nil, err
	}

	now := s.now().UTC()
	in := &model.Integration{
		UserID:          userID,
		GitLabUserID:    user.ID,
		GitLabUsername:  user.Username,
		GitLabEmail:     user.Email,
		GitLabName:      user.Name,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenType:       cred.tokenType,
		TokenExpiresAt:  cred.expiresAt,
		InstanceURL:     s.instance.InstanceURL,
		APIBaseURL:      s.instance.APIBaseURL,
		ConnectedAt:     now,
		IsActive:        true,
	}

	// 同一 GitLab 账号重连保留同步进度，换账号则重新开始
	if existing != nil && existing.GitLabUserID == user.ID {
		in.TrackedRepositories = existing.TrackedRepositories
		in.LastSyncAt = existing.LastSyncAt
		in.LastSuccessfulSyncAt = existing.LastSuccessfulSyncAt
		in.ErrorLog = existing.ErrorLog
	}
	in.TrackedRepositories = append(in.TrackedRepositories, requestedRepositories(in.TrackedRepositories, repositories)...)

	if err := s.integrations.Save(ctx, in); err != nil {
		return nil, err
	}

	s.logger.Info("GitLab 集成已连接",
		zap.String("user_id", userID),
		zap.String("token_type", cred.tokenType),
		zap.String("gitlab_username", user.Username),
		zap.Bool("reconnect", existing != nil))
	return in, nil
}

// requestedRepositories 连接时指定的仓库（项目 ID 或完整路径），去掉已存在的
func requestedRepositories(existing []model.TrackedRepository, refs []string) []model.TrackedRepository {
	var out []model.TrackedRepository
	for _, ref := range lo.Uniq(lo.Map(refs, func(r string, _ int) string { return strings.TrimSpace(r) })) {
		if ref == "" {
			continue
		}
		repo := model.TrackedRepository{IsTracked: true}
		if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
			repo.ID = id
		} else {
			repo.FullPath = strings.Trim(ref, "/")
			repo.Name = repo.FullPath[strings.LastIndex(repo.FullPath, "/")+1:]
		}

		same := func(r model.TrackedRepository) bool {
			return (repo.ID != 0 && r.ID == repo.ID) || (repo.FullPath != "" && r.FullPath == repo.FullPath)
		}
		if !lo.ContainsBy(existing, same) && !lo.ContainsBy(out, same) {
			out = append(out, repo)
		}
	}
	return out
}

// Status 连接状态；未连接时返回 Connected=false
func (s *IntegrationService) Status(ctx context.Context, userID string) (*dto.IntegrationStatusResponse, error) {
	in, err := s.integrations.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, responses.ErrRecordNotFound) {
			return &dto.IntegrationStatusResponse{Connected: false}, nil
		}
		return nil, err
	}
	return s.statusOf(ctx, in)
}

func (s *IntegrationService) statusOf(ctx context.Context, in *model.Integration) (*dto.IntegrationStatusResponse, error) {
	count, err := s.activities.Count(ctx, repository.ActivityQuery{UserID: in.UserID})
	if err != nil {
		return nil, err
	}

	connectedAt := in.ConnectedAt
	errs := []model.ErrorLogEntry(in.ErrorLog)
	if len(errs) > recentErrorsLimit {
		errs = errs[len(errs)-recentErrorsLimit:]
	}
	return &dto.IntegrationStatusResponse{
		Connected:            in.IsActive,
		TokenType:            in.TokenType,
		GitLabUserID:         in.GitLabUserID,
		GitLabUsername:       in.GitLabUsername,
		GitLabEmail:          in.GitLabEmail,
		InstanceURL:          in.InstanceURL,
		ConnectedAt:          &connectedAt,
		TokenExpiresAt:       in.TokenExpiresAt,
		RepositoryCount:      len(in.TrackedRepositories),
		TrackedCount:         in.TrackedCount(),
		ActivityCount:        count,
		LastSyncAt:           in.LastSyncAt,
		LastSuccessfulSyncAt: in.LastSuccessfulSyncAt,
		RecentErrors:         errs,
	}, nil
}

// TestConnection 使用已保存的令牌调用 /user
func (s *IntegrationService) TestConnection(ctx context.Context, userID string) (*dto.ConnectionTestResponse, error) {
	user, in, err := s.tokens.TestConnection(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &dto.ConnectionTestResponse{
		OK:        true,
		TokenType: in.TokenType,
		UserID:    user.ID,
		Username:  user.Username,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
	}, nil
}

// Disconnect 删除集成并级联删除该用户的活动记录
func (s *IntegrationService) Disconnect(ctx context.Context, userID string) (*dto.DisconnectResponse, error) {
	unlock, err := s.locker.TryLock(ctx, SyncLockKey(userID))
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, ErrSyncInProgress
		}
		return nil, responses.Wrap(responses.CodeInternalError, "获取同步锁失败", err)
	}
	defer unlock()

	if _, err := s.integrations.FindByUserID(ctx, userID); err != nil {
		if errors.Is(err, responses.ErrRecordNotFound) {
			return nil, ErrIntegrationNotFound
		}
		return nil, err
	}

	deleted, err := s.activities.DeleteByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.integrations.DeleteByUserID(ctx, userID); err != nil {
		return nil, err
	}

	s.logger.Info("GitLab 集成已断开", zap.String("user_id", userID), zap.Int64("deleted_activities", deleted))
	return &dto.DisconnectResponse{DeletedActivities: deleted}, nil
}

// Repositories 跟踪仓库列表
func (s *IntegrationService) Repositories(ctx context.Context, userID string) ([]model.TrackedRepository, error) {
	in, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}
	return lo.Ternary(in.TrackedRepositories == nil, []model.TrackedRepository{}, []model.TrackedRepository(in.TrackedRepositories)), nil
}

// SetTracked 切换仓库跟踪状态
func (s *IntegrationService) SetTracked(ctx context.Context, userID string, projectID int64, tracked bool) (*model.TrackedRepository, error) {
	in, err := s.find(ctx, userID)
	if err != nil {
		return nil, err
	}

	repos := append([]model.TrackedRepository(nil), in.TrackedRepositories...)
	_, idx, ok := lo.FindIndexOf(repos, func(r model.TrackedRepository) bool { return r.ID == projectID })
	if !ok {
		return nil, ErrRepositoryNotFound
	}
	repos[idx].IsTracked = tracked

	if err := s.integrations.UpdateTrackedRepositories(ctx, userID, repos); err != nil {
		return nil, err
	}
	return &repos[idx], nil
}

// Activities 已同步的活动，按时间倒序
func (s *IntegrationService) Activities(ctx context.Context, userID string, q *dto.ActivityListQuery) ([]dto.ActivityResponse, error) {
	if _, err := s.find(ctx, userID); err != nil {
		return nil, err
	}

	query := repository.ActivityQuery{UserID: userID, Type: q.Type, Limit: q.Limit}
	if query.Limit <= 0 {
		query.Limit = defaultListLimit
	}
	if q.Days > 0 {
		since := s.now().UTC().AddDate(0, 0, -q.Days)
		query.Since = &since
	}

	list, err := s.activities.List(ctx, query)
	if err != nil {
		return nil, err
	}
	return lo.Map(list, func(a *model.Activity, _ int) dto.ActivityResponse { return dto.ToActivityResponse(a) }), nil
}

func (s *IntegrationService) find(ctx context.Context, userID string) (*model.Integration, error) {
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
	return in, nil
}
