package service

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/internal/repository"
	"gitlab-tracker/pkg/constants"
)

func twoProjectFixture(env *testEnv) {
	env.gitlab.projects = []gitlab.Project{
		{ID: 1, Name: "api", PathWithNamespace: "team/api", WebURL: "https://gitlab.example.com/team/api", LastActivityAt: ptrTime(testNow.Add(-time.Hour))},
		{ID: 2, Name: "web", PathWithNamespace: "team/web"},
	}
	env.gitlab.commits[1] = []gitlab.Commit{
		commitAt("c1", "alice", "alice@example.com", testNow.Add(-1*time.Hour), 10),
		commitAt("c2", "Alice Liddell", "alice@home.net", testNow.Add(-25*time.Hour), 20),
		commitAt("c3", "bob", "bob@example.com", testNow.Add(-26*time.Hour), 5),
		commitAt("c4", "alice", "alice@example.com", testNow.Add(-49*time.Hour), 30),
		commitAt("c5", "carol", "carol@example.com", testNow.Add(-50*time.Hour), 5),
	}
}

func TestSync_EndToEnd(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
	twoProjectFixture(env)

	result, err := env.sync.Sync(ctx, "u1", SyncOptions{Mode: constants.SyncModeIncremental})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 2, result.ProjectsScanned)
	assert.Equal(t, 5, result.CommitsProcessed)
	assert.Equal(t, 3, result.CommitsMatched)
	assert.Equal(t, 3, result.NewRecords)
	assert.Zero(t, result.UpdatedRecords)
	assert.Empty(t, result.Errors)
	assert.Equal(t, testNow.AddDate(0, 0, -30), result.Since)

	in, err := env.integrations.FindByUserID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, in.LastSyncAt)
	require.NotNil(t, in.LastSuccessfulSyncAt)
	assert.Equal(t, testNow, *in.LastSuccessfulSyncAt)
	require.Len(t, in.TrackedRepositories, 2)
	assert.True(t, in.TrackedRepositories[0].IsTracked)
	assert.False(t, in.TrackedRepositories[1].IsTracked)
	assert.NotNil(t, in.TrackedRepositories[0].LastActivity)

	stats, err := env.analytics.Get(ctx, "u1", 30, true)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalCommits)
	assert.Equal(t, 3, stats.CurrentStreak)
	assert.Equal(t, 60, stats.LinesAdded)
	require.Len(t, stats.RecentCommits, 3)
	assert.Equal(t, "c1", stats.RecentCommits[0].RemoteID)
	require.Len(t, stats.Projects, 1)
	assert.Equal(t, int64(1), stats.Projects[0].ProjectID)
}

func TestSync_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
	twoProjectFixture(env)
	opts := SyncOptions{Mode: constants.SyncModeCustom, Days: 30}

	first, err := env.sync.Sync(ctx, "u1", opts)
	require.NoError(t, err)
	assert.Equal(t, 3, first.NewRecords)

	second, err := env.sync.Sync(ctx, "u1", opts)
	require.NoError(t, err)
	assert.Zero(t, second.NewRecords)
	assert.Equal(t, 3, second.UpdatedRecords)

	total, err := env.activities.Count(ctx, repository.ActivityQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
}

func TestSync_PartialFailureIsolation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)

	env.gitlab.projects = []gitlab.Project{
		{ID: 1, Name: "a", PathWithNamespace: "team/a"},
		{ID: 2, Name: "b", PathWithNamespace: "team/b"},
		{ID: 3, Name: "c", PathWithNamespace: "team/c"},
	}
	env.gitlab.commits[1] = []gitlab.Commit{commitAt("a1", "alice", "alice@example.com", testNow.Add(-time.Hour), 1)}
	env.gitlab.commits[2] = []gitlab.Commit{commitAt("b1", "alice", "alice@example.com", testNow.Add(-time.Hour), 1)}
	env.gitlab.commits[3] = []gitlab.Commit{commitAt("c1", "alice", "alice@example.com", testNow.Add(-time.Hour), 1)}
	env.gitlab.commitErrs[2] = []error{&gitlab.APIError{StatusCode: http.StatusNotFound, Message: "404 Project Not Found"}}

	result, err := env.sync.Sync(ctx, "u1", SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatePartiallyFailed, result.State)
	assert.Equal(t, 2, result.NewRecords)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, int64(2), result.Errors[0].ProjectID)
	assert.Equal(t, "team/b", result.Errors[0].Project)
	// 404 不重试
	assert.Equal(t, 1, env.gitlab.commitCalls[2])

	list, err := env.activities.List(ctx, repository.ActivityQuery{UserID: "u1"})
	require.NoError(t, err)
	for _, a := range list {
		assert.NotEqual(t, int64(2), a.ProjectID)
	}

	// 有记录写入，仍算成功同步
	in, _ := env.integrations.FindByUserID(ctx, "u1")
	assert.NotNil(t, in.LastSuccessfulSyncAt)
}

func TestSync_RetriesRateLimitAndServerErrors(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)

	env.gitlab.projects = []gitlab.Project{
		{ID: 1, PathWithNamespace: "team/limited"},
		{ID: 2, PathWithNamespace: "team/flaky"},
		{ID: 3, PathWithNamespace: "team/down"},
	}
	for id := int64(1); id <= 3; id++ {
		env.gitlab.commits[id] = []gitlab.Commit{commitAt(fmt.Sprintf("x%d", id), "alice", "alice@example.com", testNow.Add(-time.Hour), 1)}
	}
	limited := &gitlab.APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Millisecond}
	unavailable := &gitlab.APIError{StatusCode: http.StatusServiceUnavailable}
	env.gitlab.commitErrs[1] = []error{limited, limited, limited}
	env.gitlab.commitErrs[2] = []error{unavailable}
	env.gitlab.commitErrs[3] = []error{unavailable, unavailable}

	result, err := env.sync.Sync(ctx, "u1", SyncOptions{})
	require.NoError(t, err)

	assert.Equal(t, 4, env.gitlab.commitCalls[1])
	assert.Equal(t, 2, env.gitlab.commitCalls[2])
	assert.Equal(t, 2, env.gitlab.commitCalls[3])
	assert.Equal(t, 2, result.NewRecords)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "team/down", result.Errors[0].Project)
}

func TestSync_RateLimitExhausted(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
	env.gitlab.projects = []gitlab.Project{{ID: 1, PathWithNamespace: "team/api"}}
	limited := &gitlab.APIError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Millisecond}
	env.gitlab.commitErrs[1] = []error{limited, limited, limited, limited}

	result, err := env.sync.Sync(context.Background(), "u1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, env.gitlab.commitCalls[1])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, StatePartiallyFailed, result.State)
}

func TestSync_MalformedResponseIsEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
	env.gitlab.projects = []gitlab.Project{{ID: 1, PathWithNamespace: "team/api"}}
	env.gitlab.commitErrs[1] = []error{fmt.Errorf("%w: bad json", gitlab.ErrMalformedResponse)}
	env.gitlab.commits[1] = []gitlab.Commit{commitAt("c1", "alice", "alice@example.com", testNow, 1)}

	result, err := env.sync.Sync(context.Background(), "u1", SyncOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Errors)
	assert.Zero(t, result.NewRecords)
	assert.Equal(t, StateCompleted, result.State)

	// 没有写入任何记录，不推进成功水位
	in, _ := env.integrations.FindByUserID(context.Background(), "u1")
	assert.NotNil(t, in.LastSyncAt)
	assert.Nil(t, in.LastSuccessfulSyncAt)
}

func TestSync_FatalErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("integration missing", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.sync.Sync(ctx, "u1", SyncOptions{})
		assert.ErrorIs(t, err, ErrIntegrationNotFound)
	})

	t.Run("project enumeration unauthorized", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
		env.gitlab.projectsErr = &gitlab.APIError{StatusCode: http.StatusUnauthorized, Message: "401 Unauthorized"}

		_, err := env.sync.Sync(ctx, "u1", SyncOptions{})
		assert.ErrorIs(t, err, ErrGitLabUnauthorized)

		in, err := env.integrations.FindByUserID(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, in.ErrorLog, 1)
		assert.Contains(t, in.ErrorLog[0].Message, "同步失败")
		assert.NotNil(t, in.LastSyncAt)
		assert.Nil(t, in.LastSuccessfulSyncAt)
	})

	t.Run("token refresh failed logged once", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedIntegration(t, "u1", constants.TokenTypeOAuth, ptrTime(testNow))
		env.oauth.refreshErr = fmt.Errorf("invalid_grant")

		_, err := env.sync.Sync(ctx, "u1", SyncOptions{})
		assert.ErrorIs(t, err, ErrTokenRefreshFailed)

		in, _ := env.integrations.FindByUserID(ctx, "u1")
		assert.Len(t, in.ErrorLog, 1)
	})
}

func TestSync_RejectsConcurrentRunForSameUser(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
	env.seedIntegration(t, "u2", constants.TokenTypePAT, nil)

	unlock, err := env.locker.TryLock(ctx, SyncLockKey("u1"))
	require.NoError(t, err)

	_, err = env.sync.Sync(ctx, "u1", SyncOptions{})
	assert.ErrorIs(t, err, ErrSyncInProgress)

	_, err = env.sync.Sync(ctx, "u2", SyncOptions{})
	assert.NoError(t, err)

	unlock()
	_, err = env.sync.Sync(ctx, "u1", SyncOptions{})
	assert.NoError(t, err)
}

func TestSync_CancelledContextReportsUnstartedProjects(t *testing.T) {
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
	env.gitlab.projects = []gitlab.Project{{ID: 1, PathWithNamespace: "team/api"}}

	ctx, cancel := context.WithCancel(context.Background())
	// 项目列表返回后取消
	wrapped := &cancelAfterProjects{fakeGitLab: env.gitlab, cancel: cancel}
	env.sync.gitlab = wrapped

	result, err := env.sync.Sync(ctx, "u1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, StatePartiallyFailed, result.State)
	assert.True(t, lo.ContainsBy(result.Errors, func(e SyncError) bool {
		return e.ProjectID == 1 && e.Message == "同步超时，项目未处理"
	}))
	assert.Zero(t, env.gitlab.commitCalls[1])

	// 状态仍然落库
	in, _ := env.integrations.FindByUserID(context.Background(), "u1")
	assert.NotNil(t, in.LastSyncAt)
}

type cancelAfterProjects struct {
	*fakeGitLab
	cancel context.CancelFunc
}

func (c *cancelAfterProjects) GetUserProjects(ctx context.Context, token string, opts gitlab.ProjectListOptions) ([]gitlab.Project, error) {
	projects, err := c.fakeGitLab.GetUserProjects(ctx, token, opts)
	c.cancel()
	return projects, err
}

func TestSync_Watermark(t *testing.T) {
	env := newTestEnv(t)
	in := env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)

	mode, since := env.sync.watermark(in, SyncOptions{Mode: constants.SyncModeFull})
	assert.Equal(t, constants.SyncModeFull, mode)
	assert.Equal(t, testNow.AddDate(0, 0, -365), since)

	mode, since = env.sync.watermark(in, SyncOptions{Mode: constants.SyncModeCustom, Days: 7})
	assert.Equal(t, constants.SyncModeCustom, mode)
	assert.Equal(t, testNow.AddDate(0, 0, -7), since)

	last := testNow.Add(-3 * time.Hour)
	in.LastSuccessfulSyncAt = &last
	mode, since = env.sync.watermark(in, SyncOptions{})
	assert.Equal(t, constants.SyncModeIncremental, mode)
	assert.Equal(t, last, since)
}

func TestSync_IssuesAndMergeRequestsAttributedToScannedProjects(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedIntegration(t, "u1", constants.TokenTypePAT, nil)
	env.gitlab.projects = []gitlab.Project{{ID: 1, Name: "api", PathWithNamespace: "team/api"}}
	env.gitlab.issues = []gitlab.Issue{
		{ID: 100, IID: 1, ProjectID: 1, Title: "bug", State: "opened", CreatedAt: testNow.Add(-time.Hour)},
		{ID: 101, IID: 2, ProjectID: 99, Title: "elsewhere", CreatedAt: testNow.Add(-time.Hour)},
	}
	env.gitlab.mrs = []gitlab.MergeRequest{
		{ID: 200, IID: 5, ProjectID: 1, Title: "feature", State: "merged", CreatedAt: testNow.Add(-2 * time.Hour)},
	}

	result, err := env.sync.Sync(ctx, "u1", SyncOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.IssuesProcessed)
	assert.Equal(t, 1, result.MergeRequestsProcessed)
	assert.Equal(t, 2, result.NewRecords)

	mrs, err := env.activities.List(ctx, repository.ActivityQuery{UserID: "u1", Type: constants.ActivityTypeMergeRequest})
	require.NoError(t, err)
	require.Len(t, mrs, 1)
	assert.Equal(t, "200", mrs[0].RemoteID)
	assert.Equal(t, "merged", mrs[0].Metadata["state"])
	assert.Equal(t, "team/api", mrs[0].ProjectPath)

	in, _ := env.integrations.FindByUserID(ctx, "u1")
	require.Len(t, in.TrackedRepositories, 1)
	assert.True(t, in.TrackedRepositories[0].IsTracked)
}
