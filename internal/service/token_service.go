package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/crypto"
	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/internal/pkg/lock"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/pkg/constants"
	"gitlab-tracker/pkg/responses"
)

// TokenService 令牌生命周期：解密、按需刷新、轮换落库
type TokenService struct {
	integrations repository.IntegrationRepository
	vault        *crypto.Vault
	oauth        OAuthProvider // 未配置 OAuth 应用时为 nil
	gitlab       GitLabAPI
	locker       lock.Locker
	lockWait     time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

const tokenLockPoll = 50 * time.Millisecond

// NewTokenService 创建令牌服务
func NewTokenService(
	integrations repository.IntegrationRepository,
	vault *crypto.Vault,
	oauth OAuthProvider,
	gl GitLabAPI,
	locker lock.Locker,
	logger *zap.Logger,
) *TokenService {
	return &TokenService{
		integrations: integrations,
		vault:        vault,
		oauth:        oauth,
		gitlab:       gl,
		locker:       locker,
		lockWait:     tokenLockPoll,
		logger:       logger,
		now:          time.Now,
	}
}

// GetValidAccessToken 返回可用的访问令牌，OAuth 令牌临近过期时先刷新
func (s *TokenService) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	_, token, err := s.Resolve(ctx, userID)
	return token, err
}

// Resolve 加载集成并返回可用的访问令牌
func (s *TokenService) Resolve(ctx context.Context, userID string) (*model.Integration, string, error) {
	if userID == "" {
		return nil, "", ErrUnauthorized
	}

	in, err := s.integrations.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, responses.ErrRecordNotFound) {
			return nil, "", ErrIntegrationNotFound
		}
		return nil, "", err
	}
	if !in.IsActive {
		return in, "", ErrIntegrationInactive
	}

	token, ok := s.vault.Decrypt(in.AccessTokenEnc)
	if !ok {
		s.logger.Warn("访问令牌解密失败", zap.String("user_id", userID))
		return in, "", ErrTokenDecryptionFailed
	}

	if s.needsRefresh(in) {
		token, err = s.RefreshToken(ctx, in)
		if err != nil {
			return in, "", err
		}
	}
	return in, token, nil
}

// needsRefresh 仅 OAuth 令牌会过期；个人访问令牌从不刷新
func (s *TokenService) needsRefresh(in *model.Integration) bool {
	if in.TokenType != constants.TokenTypeOAuth || in.TokenExpiresAt == nil {
		return false
	}
	return in.TokenExpiresAt.Before(s.now().Add(constants.TokenRefreshHorizon))
}

// RefreshToken 在用户令牌锁内刷新并落库，成功后 in 同步为新值。
// 等锁期间若其他调用方已完成刷新，直接使用已落库的新令牌。
func (s *TokenService) RefreshToken(ctx context.Context, in *model.Integration) (string, error) {
	unlock, err := lock.Acquire(ctx, s.locker, TokenLockKey(in.UserID), s.lockWait)
	if err != nil {
		return "", responses.Wrap(responses.CodeInternalError, "获取令牌锁失败", err)
	}
	defer unlock()

	current, err := s.integrations.FindByUserID(ctx, in.UserID)
	if err != nil {
		if errors.Is(err, responses.ErrRecordNotFound) {
			return "", ErrIntegrationNotFound
		}
		return "", err
	}
	if current.AccessTokenEnc != in.AccessTokenEnc && !s.needsRefresh(current) {
		if token, ok := s.vault.Decrypt(current.AccessTokenEnc); ok {
			in.AccessTokenEnc = current.AccessTokenEnc
			in.RefreshTokenEnc = current.RefreshTokenEnc
			in.TokenExpiresAt = current.TokenExpiresAt
			in.TokenType = current.TokenType
			return token, nil
		}
	}
	in.RefreshTokenEnc = current.RefreshTokenEnc
	return s.refreshLocked(ctx, in)
}

func (s *TokenService) refreshLocked(ctx context.Context, in *model.Integration) (string, error) {
	log := s.logger.With(zap.String("user_id", in.UserID))

	if in.RefreshTokenEnc == "" {
		return "", ErrInvalidRefreshToken
	}
	refreshToken, ok := s.vault.Decrypt(in.RefreshTokenEnc)
	if !ok || refreshToken == "" {
		log.Warn("刷新令牌解密失败")
		return "", ErrInvalidRefreshToken
	}
	if s.oauth == nil {
		return "", responses.WithCause(ErrTokenRefreshFailed, ErrOAuthNotConfigured)
	}

	tok, err := s.oauth.Refresh(ctx, refreshToken)
	if err != nil {
		log.Warn("令牌刷新失败", zap.Error(err))
		s.recordError(ctx, in.UserID, fmt.Sprintf("令牌刷新失败: %v", err))
		return "", responses.WithCause(ErrTokenRefreshFailed, err)
	}

	accessEnc, err := s.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", responses.Wrap(responses.CodeInternalError, "加密访问令牌失败", err)
	}
	refreshEnc := in.RefreshTokenEnc
	if tok.RefreshToken != "" {
		if refreshEnc, err = s.vault.Encrypt(tok.RefreshToken); err != nil {
			return "", responses.Wrap(responses.CodeInternalError, "加密刷新令牌失败", err)
		}
	}
	expiresAt := s.expiryOf(tok.Expiry, tok.ExpiresIn)

	if err := s.integrations.UpdateTokens(ctx, in.UserID, repository.TokenUpdate{
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		ExpiresAt:       expiresAt,
	}); err != nil {
		return "", err
	}

	in.AccessTokenEnc = accessEnc
	in.RefreshTokenEnc = refreshEnc
	in.TokenExpiresAt = expiresAt

	log.Info("令牌已刷新", zap.Timep("expires_at", expiresAt))
	return tok.AccessToken, nil
}

// expiryOf 优先使用 expires_in 按当前时钟计算
func (s *TokenService) expiryOf(expiry time.Time, expiresIn int64) *time.Time {
	var at time.Time
	switch {
	case expiresIn > 0:
		at = s.now().Add(time.Duration(expiresIn) * time.Second)
	case !expiry.IsZero():
		at = expiry
	default:
		return nil
	}
	at = at.UTC()
	return &at
}

// TestConnection 使用当前令牌调用 /user
func (s *TokenService) TestConnection(ctx context.Context, userID string) (*gitlab.User, *model.Integration, error) {
	in, token, err := s.Resolve(ctx, userID)
	if err != nil {
		return nil, in, err
	}
	user, err := s.gitlab.GetCurrentUser(ctx, token)
	if err != nil {
		return nil, in, translateGitLabError(err)
	}
	return user, in, nil
}

func (s *TokenService) recordError(ctx context.Context, userID, message string) {
	entry := model.ErrorLogEntry{Message: message, Timestamp: s.now().UTC()}
	if err := s.integrations.AppendError(ctx, userID, entry); err != nil {
		s.logger.Warn("记录集成错误失败", zap.String("user_id", userID), zap.Error(err))
	}
}
