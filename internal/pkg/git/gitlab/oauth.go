package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuthConfig GitLab OAuth 应用配置
type OAuthConfig struct {
	InstanceURL  string // 如 https://gitlab.com
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Timeout      time.Duration
}

// OAuthClient 授权码交换与刷新
type OAuthClient struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewOAuthClient 创建 OAuth 客户端
func NewOAuthClient(cfg OAuthConfig) (*OAuthClient, error) {
	if cfg.InstanceURL == "" {
		return nil, fmt.Errorf("InstanceURL不能为空")
	}
	instance := strings.TrimSuffix(cfg.InstanceURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &OAuthClient{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   instance + "/oauth/authorize",
				TokenURL:  instance + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// AuthCodeURL 生成授权跳转地址
func (o *OAuthClient) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange 授权码换取令牌
func (o *OAuthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return o.config.Exchange(o.withHTTPClient(ctx), code)
}

// Refresh 使用 refresh_token 获取新令牌
func (o *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := o.config.TokenSource(o.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

func (o *OAuthClient) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
}
