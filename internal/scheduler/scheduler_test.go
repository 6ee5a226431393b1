package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/config"
	"gitlab-tracker/internal/repository/memory"
	"gitlab-tracker/internal/service"
	"gitlab-tracker/pkg/constants"
)

type stubSyncer struct {
	mu      sync.Mutex
	calls   []string
	modes   []string
	results map[string]error
}

func (s *stubSyncer) Sync(ctx context.Context, userID string, opts service.SyncOptions) (*service.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, userID)
	s.modes = append(s.modes, opts.Mode)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("missing deadline")
	}
	if err := s.results[userID]; err != nil {
		return nil, err
	}
	return &service.SyncResult{State: service.StateCompleted}, nil
}

func seed(t *testing.T, repo *memory.IntegrationRepository, userID string, active bool, at time.Time) {
	t.Helper()
	require.NoError(t, repo.Save(context.Background(), &model.Integration{
		UserID:    userID,
		TokenType: constants.TokenTypePAT,
		IsActive:  active,
		CreatedAt: at,
	}))
}

func TestSyncAll(t *testing.T) {
	repo := memory.NewIntegrationRepository()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seed(t, repo, "u1", true, base)
	seed(t, repo, "u2", true, base.Add(time.Minute))
	seed(t, repo, "u3", true, base.Add(2*time.Minute))
	seed(t, repo, "inactive", false, base.Add(3*time.Minute))

	syncer := &stubSyncer{results: map[string]error{
		"u2": service.ErrSyncInProgress,
		"u3": service.ErrGitLabUnauthorized,
	}}
	s := NewScheduler(repo, syncer, &config.SyncConfig{RunTimeout: "1m"}, zap.NewNop())

	report := s.SyncAll(context.Background())
	assert.Equal(t, Report{Users: 3, Synced: 1, Skipped: 1, Failed: 1}, report)
	assert.Equal(t, []string{"u1", "u2", "u3"}, syncer.calls)
	for _, mode := range syncer.modes {
		assert.Equal(t, constants.SyncModeIncremental, mode)
	}
}

func TestSyncAll_StopsWhenCancelled(t *testing.T) {
	repo := memory.NewIntegrationRepository()
	seed(t, repo, "u1", true, time.Now())
	syncer := &stubSyncer{}
	s := NewScheduler(repo, syncer, &config.SyncConfig{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := s.SyncAll(ctx)
	assert.Equal(t, 1, report.Users)
	assert.Empty(t, syncer.calls)
}

func TestStart(t *testing.T) {
	repo := memory.NewIntegrationRepository()

	disabled := NewScheduler(repo, &stubSyncer{}, &config.SyncConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, disabled.Start())
	assert.Empty(t, disabled.cronSchedules)

	invalid := NewScheduler(repo, &stubSyncer{}, &config.SyncConfig{Enabled: true, Cron: "not a cron"}, zap.NewNop())
	assert.Error(t, invalid.Start())

	s := NewScheduler(repo, &stubSyncer{}, &config.SyncConfig{Enabled: true, Cron: "0 */5 * * * *"}, zap.NewNop())
	require.NoError(t, s.Start())
	assert.Contains(t, s.cronSchedules, "gitlab_sync")
	s.Stop()
}
