package service

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/pkg/responses"
)

// GitLabAPI GitLab REST 客户端
type GitLabAPI interface {
	GetCurrentUser(ctx context.Context, token string) (*gitlab.User, error)
	GetUserProjects(ctx context.Context, token string, opts gitlab.ProjectListOptions) ([]gitlab.Project, error)
	GetProjectCommits(ctx context.Context, projectID int64, token string, opts gitlab.CommitListOptions) ([]gitlab.Commit, error)
	GetUserIssues(ctx context.Context, token string, opts gitlab.ListOptions) ([]gitlab.Issue, error)
	GetUserMergeRequests(ctx context.Context, token string, opts gitlab.ListOptions) ([]gitlab.MergeRequest, error)
}

// OAuthProvider GitLab OAuth 令牌端点
type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

var (
	_ GitLabAPI     = (*gitlab.Client)(nil)
	_ OAuthProvider = (*gitlab.OAuthClient)(nil)
)

// translateGitLabError 把传输层错误映射为业务错误
func translateGitLabError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *responses.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if gitlab.IsUnauthorized(err) {
		return responses.WithCause(ErrGitLabUnauthorized, err)
	}
	return responses.WithCause(ErrGitLabUnavailable, err)
}
