package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/crypto"
	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/internal/pkg/lock"
	"gitlab-tracker/internal/repository/memory"
	"gitlab-tracker/pkg/constants"
)

var testNow = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

// fakeGitLab 按项目返回预置数据
type fakeGitLab struct {
	mu sync.Mutex

	user        *gitlab.User
	userErr     error
	projects    []gitlab.Project
	projectsErr error
	commits     map[int64][]gitlab.Commit
	commitErrs  map[int64][]error // 按调用顺序依次返回，用完后返回正常数据
	issues      []gitlab.Issue
	mrs         []gitlab.MergeRequest

	commitCalls map[int64]int
	tokens      []string
}

func newFakeGitLab() *fakeGitLab {
	return &fakeGitLab{
		user:        &gitlab.User{ID: 7, Username: "alice", Name: "Alice Liddell", Email: "alice@example.com"},
		commits:     map[int64][]gitlab.Commit{},
		commitErrs:  map[int64][]error{},
		commitCalls: map[int64]int{},
	}
}

func (f *fakeGitLab) GetCurrentUser(_ context.Context, token string) (*gitlab.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.userErr != nil {
		return nil, f.userErr
	}
	u := *f.user
	return &u, nil
}

func (f *fakeGitLab) GetUserProjects(_ context.Context, token string, opts gitlab.ProjectListOptions) ([]gitlab.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
	if f.projectsErr != nil {
		return nil, f.projectsErr
	}
	return page(f.projects, opts.Page, opts.PerPage), nil
}

func (f *fakeGitLab) GetProjectCommits(_ context.Context, projectID int64, _ string, opts gitlab.CommitListOptions) ([]gitlab.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitCalls[projectID]++
	if errs := f.commitErrs[projectID]; len(errs) > 0 {
		f.commitErrs[projectID] = errs[1:]
		if errs[0] != nil {
			return nil, errs[0]
		}
	}
	return page(f.commits[projectID], opts.Page, opts.PerPage), nil
}

func (f *fakeGitLab) GetUserIssues(_ context.Context, _ string, opts gitlab.ListOptions) ([]gitlab.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.issues, opts.Page, opts.PerPage), nil
}

func (f *fakeGitLab) GetUserMergeRequests(_ context.Context, _ string, opts gitlab.ListOptions) ([]gitlab.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return page(f.mrs, opts.Page, opts.PerPage), nil
}

func page[T any](items []T, p, perPage int) []T {
	start := (p - 1) * perPage
	if start >= len(items) {
		return []T{}
	}
	end := min(start+perPage, len(items))
	return append([]T(nil), items[start:end]...)
}

// fakeOAuth 记录刷新调用
type fakeOAuth struct {
	mu           sync.Mutex
	refreshCalls int
	lastRefresh  string
	refreshErr   error
	token        *oauth2.Token
	exchangeErr  error
}

func (f *fakeOAuth) AuthCodeURL(state string) string {
	return "https://gitlab.example.com/oauth/authorize?state=" + state
}

func (f *fakeOAuth) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &oauth2.Token{AccessToken: "exchanged-" + code, RefreshToken: "refresh-" + code, ExpiresIn: 7200}, nil
}

func (f *fakeOAuth) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	f.lastRefresh = refreshToken
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	if f.token != nil {
		return f.token, nil
	}
	return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", ExpiresIn: 7200}, nil
}

// rotatingOAuth 每个刷新令牌只能使用一次，换发后旧令牌返回 invalid_grant
type rotatingOAuth struct {
	fakeOAuth
	current string
	issued  int
}

func (r *rotatingOAuth) Refresh(_ context.Context, refreshToken string) (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshCalls++
	if refreshToken != r.current {
		return nil, errors.New("invalid_grant")
	}
	// 放大并发窗口
	time.Sleep(10 * time.Millisecond)
	r.issued++
	r.current = fmt.Sprintf("refresh-%d", r.issued)
	return &oauth2.Token{AccessToken: fmt.Sprintf("access-%d", r.issued), RefreshToken: r.current, ExpiresIn: 7200}, nil
}

// blockingProjects 项目枚举停在 release 关闭之前
type blockingProjects struct {
	*fakeGitLab
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newBlockingProjects(f *fakeGitLab) *blockingProjects {
	return &blockingProjects{fakeGitLab: f, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingProjects) GetUserProjects(ctx context.Context, token string, opts gitlab.ProjectListOptions) ([]gitlab.Project, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.fakeGitLab.GetUserProjects(ctx, token, opts)
}

type testEnv struct {
	integrations *memory.IntegrationRepository
	activities   *memory.ActivityRepository
	vault        *crypto.Vault
	gitlab       *fakeGitLab
	oauth        *fakeOAuth
	locker       *lock.LocalLocker
	tokens       *TokenService
	sync         *SyncService
	integration  *IntegrationService
	analytics    *AnalyticsService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	vault, err := crypto.NewVault("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	env := &testEnv{
		integrations: memory.NewIntegrationRepository(),
		activities:   memory.NewActivityRepository(),
		vault:        vault,
		gitlab:       newFakeGitLab(),
		oauth:        &fakeOAuth{},
		locker:       lock.NewLocalLocker(),
	}
	logger := zap.NewNop()

	env.tokens = NewTokenService(env.integrations, vault, env.oauth, env.gitlab, env.locker, logger)
	env.tokens.now = fixedClock

	settings := DefaultSyncSettings()
	settings.RetryBackoff = time.Millisecond
	env.sync = NewSyncService(env.integrations, env.activities, env.tokens, env.gitlab, env.locker, settings, logger)
	env.sync.now = fixedClock

	env.integration = NewIntegrationService(env.integrations, env.activities, env.tokens, env.gitlab, env.oauth, vault, env.locker,
		InstanceInfo{InstanceURL: "https://gitlab.example.com", APIBaseURL: "https://gitlab.example.com/api/v4"}, logger)
	env.integration.now = fixedClock

	env.analytics = NewAnalyticsService(env.integrations, env.activities, logger)
	env.analytics.now = fixedClock
	return env
}

// seedIntegration 直接写入一条集成记录
func (e *testEnv) seedIntegration(t *testing.T, userID, tokenType string, expiresAt *time.Time) *model.Integration {
	t.Helper()
	accessEnc, err := e.vault.Encrypt("access-" + userID)
	require.NoError(t, err)
	in := &model.Integration{
		UserID:         userID,
		GitLabUserID:   7,
		GitLabUsername: "alice",
		GitLabEmail:    "alice@example.com",
		AccessTokenEnc: accessEnc,
		TokenType:      tokenType,
		TokenExpiresAt: expiresAt,
		ConnectedAt:    testNow.Add(-24 * time.Hour),
		IsActive:       true,
	}
	if tokenType == constants.TokenTypeOAuth {
		in.RefreshTokenEnc, err = e.vault.Encrypt("refresh-" + userID)
		require.NoError(t, err)
	}
	require.NoError(t, e.integrations.Save(context.Background(), in))
	return in
}

func ptrTime(t time.Time) *time.Time { return &t }

func commitAt(id, authorName, authorEmail string, at time.Time, additions int) gitlab.Commit {
	return gitlab.Commit{
		ID:           id,
		Title:        "Change " + id,
		Message:      "Change " + id + " with details",
		AuthorName:   authorName,
		AuthorEmail:  authorEmail,
		AuthoredDate: ptrTime(at),
		Stats:        &gitlab.CommitStats{Additions: additions, Total: additions},
	}
}
