package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab-tracker/internal/pkg/config"
	"gitlab-tracker/internal/pkg/crypto"
	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/internal/pkg/jwt"
	"gitlab-tracker/internal/pkg/lock"
	"gitlab-tracker/internal/repository/memory"
	"gitlab-tracker/internal/service"
	"gitlab-tracker/pkg/constants"
	"gitlab-tracker/pkg/responses"
)

const validPAT = "glpat-valid-token"

// fakeGitLabServer 一个项目，两条 alice 的提交和一条 bob 的提交
func fakeGitLabServer(t *testing.T) *httptest.Server {
	t.Helper()
	recent := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)

	mux := http.NewServeMux()
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":7,"username":"alice","name":"Alice","email":"alice@example.com"}`)
	})
	mux.HandleFunc("/projects", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":1,"name":"api","path_with_namespace":"team/api","web_url":"https://gitlab.example.com/team/api"}]`)
	})
	mux.HandleFunc("/projects/1/repository/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"id":"c1","title":"Add handler","message":"Add handler for sync","author_name":"alice","author_email":"alice@example.com","authored_date":%q,"stats":{"additions":10,"deletions":1,"total":11}},
			{"id":"c2","title":"Fix tests","message":"Fix flaky tests","author_name":"Alice","author_email":"alice@example.com","authored_date":%q,"stats":{"additions":3,"deletions":2,"total":5}},
			{"id":"c3","title":"Other","message":"Other change","author_name":"bob","author_email":"bob@example.com","authored_date":%q}
		]`, recent, recent, recent)
	})
	mux.HandleFunc("/issues", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `[]`) })
	mux.HandleFunc("/merge_requests", func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `[]`) })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+validPAT {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"message":"401 Unauthorized"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type testServer struct {
	engine *gin.Engine
	token  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Auth.JWT = config.JWTConfig{Secret: "test-secret"}

	vault, err := crypto.NewVault("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	gl, err := gitlab.NewClient(fakeGitLabServer(t).URL)
	require.NoError(t, err)

	integrations := memory.NewIntegrationRepository()
	activities := memory.NewActivityRepository()
	locker := lock.NewLocalLocker()
	logger := zap.NewNop()

	tokens := service.NewTokenService(integrations, vault, nil, gl, locker, logger)
	svc := &Services{
		Integration: service.NewIntegrationService(integrations, activities, tokens, gl, nil, vault, locker, service.InstanceInfo{InstanceURL: "https://gitlab.example.com"}, logger),
		Sync:        service.NewSyncService(integrations, activities, tokens, gl, locker, service.DefaultSyncSettings(), logger),
		Analytics:   service.NewAnalyticsService(integrations, activities, logger),
	}

	token, err := jwt.NewValidator(&cfg.Auth.JWT).Sign("u1", "alice@example.com", "Alice", time.Hour)
	require.NoError(t, err)
	return &testServer{engine: Setup(cfg, svc), token: token}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (s *testServer) do(t *testing.T, method, path, body string, authed bool) envelope {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestRequiresSession(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, http.MethodGet, "/api/v1/gitlab/status", "", false)
	assert.Equal(t, responses.CodeUnauthorized, resp.Code)

	s.token = "not-a-jwt"
	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/status", "", true)
	assert.Equal(t, responses.CodeUnauthorized, resp.Code)
}

func TestGitLabFlow(t *testing.T) {
	s := newTestServer(t)

	status := s.do(t, http.MethodGet, "/api/v1/gitlab/status", "", true)
	require.Equal(t, responses.CodeSuccess, status.Code)
	assert.False(t, decode[map[string]any](t, status.Data)["connected"].(bool))

	// 未连接时同步返回错误而不是空结果
	resp := s.do(t, http.MethodPost, "/api/v1/gitlab/sync", "", true)
	assert.Equal(t, responses.CodeUnauthorized, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/gitlab/connect/token", `{"personalAccessToken":"short"}`, true)
	assert.Equal(t, responses.CodeBadRequest, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/gitlab/connect/token", `{"personalAccessToken":"glpat-wrong-token"}`, true)
	assert.Equal(t, responses.CodeReconnect, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/gitlab/connect/token", `{"personalAccessToken":"`+validPAT+`","gitlabUsername":"alice"}`, true)
	require.Equal(t, responses.CodeSuccess, resp.Code, resp.Message)
	connected := decode[map[string]any](t, resp.Data)
	assert.Equal(t, true, connected["connected"])
	assert.Equal(t, constants.TokenTypePAT, connected["token_type"])

	resp = s.do(t, http.MethodPost, "/api/v1/gitlab/sync?days=7", "", true)
	require.Equal(t, responses.CodeSuccess, resp.Code, resp.Message)
	result := decode[service.SyncResult](t, resp.Data)
	assert.Equal(t, "custom", result.Mode)
	assert.Equal(t, 1, result.ProjectsScanned)
	assert.Equal(t, 3, result.CommitsProcessed)
	assert.Equal(t, 2, result.NewRecords)

	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/analytics?days=7", "", true)
	require.Equal(t, responses.CodeSuccess, resp.Code)
	stats := decode[map[string]any](t, resp.Data)
	assert.EqualValues(t, 2, stats["total_commits"])
	assert.EqualValues(t, 13, stats["lines_added"])
	assert.Len(t, stats["heatmap"], 90)

	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/analytics?includeStats=false", "", true)
	require.Equal(t, responses.CodeSuccess, resp.Code)
	assert.NotContains(t, decode[map[string]any](t, resp.Data), "heatmap")

	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/activities?type=commit&limit=1", "", true)
	require.Equal(t, responses.CodeSuccess, resp.Code)
	assert.Len(t, decode[[]map[string]any](t, resp.Data), 1)

	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/activities?type=wiki", "", true)
	assert.Equal(t, responses.CodeBadRequest, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/repositories", "", true)
	require.Equal(t, responses.CodeSuccess, resp.Code)
	repos := decode[[]map[string]any](t, resp.Data)
	require.Len(t, repos, 1)
	assert.Equal(t, "team/api", repos[0]["full_path"])
	assert.Equal(t, true, repos[0]["is_tracked"])

	resp = s.do(t, http.MethodPut, "/api/v1/gitlab/repositories/1/track", `{"tracked":false}`, true)
	require.Equal(t, responses.CodeSuccess, resp.Code)
	assert.Equal(t, false, decode[map[string]any](t, resp.Data)["is_tracked"])

	resp = s.do(t, http.MethodPut, "/api/v1/gitlab/repositories/abc/track", `{"tracked":true}`, true)
	assert.Equal(t, responses.CodeBadRequest, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/gitlab/test", "", true)
	require.Equal(t, responses.CodeSuccess, resp.Code)
	assert.Equal(t, "alice", decode[map[string]any](t, resp.Data)["username"])

	// 未配置 OAuth 应用
	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/oauth/authorize", "", true)
	assert.Equal(t, responses.CodeBadRequest, resp.Code)

	resp = s.do(t, http.MethodPost, "/api/v1/gitlab/disconnect", "", true)
	require.Equal(t, responses.CodeSuccess, resp.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, resp.Data)["deleted_activities"])

	status = s.do(t, http.MethodGet, "/api/v1/gitlab/status", "", true)
	assert.False(t, decode[map[string]any](t, status.Data)["connected"].(bool))
}

func TestOAuthCallbackWithoutSession(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, http.MethodGet, "/api/v1/gitlab/oauth/callback", "", false)
	assert.Equal(t, responses.CodeBadRequest, resp.Code)

	resp = s.do(t, http.MethodGet, "/api/v1/gitlab/oauth/callback?code=x&state=y", "", false)
	assert.Equal(t, responses.CodeBadRequest, resp.Code)
}
