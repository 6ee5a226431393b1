package gitlab

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOAuthClient_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oauth/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":7200}`))
	}))
	defer srv.Close()

	oc, err := NewOAuthClient(OAuthConfig{InstanceURL: srv.URL, ClientID: "cid", ClientSecret: "secret"})
	require.NoError(t, err)

	tok, err := oc.Refresh(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "new-refresh", tok.RefreshToken)
	assert.False(t, tok.Expiry.IsZero())
}

func TestOAuthClient_RefreshRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	oc, err := NewOAuthClient(OAuthConfig{InstanceURL: srv.URL, ClientID: "cid"})
	require.NoError(t, err)

	_, err = oc.Refresh(context.Background(), "revoked")
	assert.Error(t, err)
}

func TestOAuthClient_AuthCodeURL(t *testing.T) {
	oc, err := NewOAuthClient(OAuthConfig{
		InstanceURL: "https://gitlab.example.com/",
		ClientID:    "cid",
		RedirectURL: "https://app.example.com/cb",
		Scopes:      []string{"read_api", "read_user"},
	})
	require.NoError(t, err)

	u, err := url.Parse(oc.AuthCodeURL("state-1"))
	require.NoError(t, err)
	assert.Equal(t, "gitlab.example.com", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Equal(t, "read_api read_user", u.Query().Get("scope"))
	assert.Equal(t, "code", u.Query().Get("response_type"))
}
