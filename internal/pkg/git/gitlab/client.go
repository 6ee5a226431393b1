package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	defaultPerPage = 100
	maxErrorBody   = 4096
)

// Client GitLab REST v4 客户端，令牌按调用传入
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 指定底层 http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout 单次请求超时
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient 创建客户端，baseURL 形如 https://gitlab.com/api/v4
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("BaseURL不能为空")
	}
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL API 根地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetCurrentUser 获取令牌对应的用户
func (c *Client) GetCurrentUser(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.get(ctx, token, "/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUserProjects 获取用户参与的项目，按最近活动倒序
func (c *Client) GetUserProjects(ctx context.Context, token string, opts ProjectListOptions) ([]Project, error) {
	q := url.Values{}
	q.Set("membership", "true")
	q.Set("order_by", "last_activity_at")
	q.Set("sort", "desc")
	q.Set("simple", "true")
	setPaging(q, opts.PerPage, opts.Page)
	if opts.Since != nil {
		q.Set("last_activity_after", opts.Since.UTC().Format(time.RFC3339))
	}

	var projects []Project
	if err := c.get(ctx, token, "/projects", q, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProjectCommits 获取项目提交，附带行数统计
func (c *Client) GetProjectCommits(ctx context.Context, projectID int64, token string, opts CommitListOptions) ([]Commit, error) {
	q := url.Values{}
	q.Set("with_stats", "true")
	setPaging(q, opts.PerPage, opts.Page)
	if opts.Since != nil {
		q.Set("since", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.Until != nil {
		q.Set("until", opts.Until.UTC().Format(time.RFC3339))
	}
	if opts.Author != "" {
		q.Set("author", opts.Author)
	}

	var commits []Commit
	path := fmt.Sprintf("/projects/%d/repository/commits", projectID)
	if err := c.get(ctx, token, path, q, &commits); err != nil {
		return nil, err
	}
	return commits, nil
}

// GetUserIssues 获取用户相关的议题
func (c *Client) GetUserIssues(ctx context.Context, token string, opts ListOptions) ([]Issue, error) {
	var issues []Issue
	if err := c.get(ctx, token, "/issues", listQuery(opts), &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// GetUserMergeRequests 获取用户相关的合并请求
func (c *Client) GetUserMergeRequests(ctx context.Context, token string, opts ListOptions) ([]MergeRequest, error) {
	var mrs []MergeRequest
	if err := c.get(ctx, token, "/merge_requests", listQuery(opts), &mrs); err != nil {
		return nil, err
	}
	return mrs, nil
}

func listQuery(opts ListOptions) url.Values {
	q := url.Values{}
	scope := opts.Scope
	if scope == "" {
		scope = "created_by_me"
	}
	q.Set("scope", scope)
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.UpdatedAfter != nil {
		q.Set("updated_after", opts.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	setPaging(q, opts.PerPage, opts.Page)
	return q
}

func setPaging(q url.Values, perPage, page int) {
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if page <= 0 {
		page = 1
	}
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
}

func (c *Client) get(ctx context.Context, token, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, path, err)
	}
	return nil
}

func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}

	var payload struct {
		Message          any    `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &payload) == nil {
		switch {
		case payload.ErrorDescription != "":
			apiErr.Message = payload.ErrorDescription
		case payload.Error != "":
			apiErr.Message = payload.Error
		case payload.Message != nil:
			apiErr.Message = fmt.Sprint(payload.Message)
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(ra); err == nil {
			apiErr.RetryAfter = time.Until(at)
		}
	}
	return apiErr
}
