package gitlab

import "time"

// User GitLab 用户
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	State     string `json:"state"`
	AvatarURL string `json:"avatar_url"`
	WebURL    string `json:"web_url"`
}

// Namespace 项目所属命名空间（用户或组）
type Namespace struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Kind     string `json:"kind"` // user, group
	FullPath string `json:"full_path"`
}

// Project GitLab 项目
type Project struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	NameWithNamespace string     `json:"name_with_namespace"`
	Path              string     `json:"path"`
	PathWithNamespace string     `json:"path_with_namespace"`
	Description       string     `json:"description"`
	DefaultBranch     string     `json:"default_branch"`
	Visibility        string     `json:"visibility"` // private, internal, public
	Archived          bool       `json:"archived"`
	WebURL            string     `json:"web_url"`
	Namespace         Namespace  `json:"namespace"`
	CreatedAt         time.Time  `json:"created_at"`
	LastActivityAt    *time.Time `json:"last_activity_at"`
}

// CommitStats 提交行数统计（with_stats=true 时返回）
type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// Commit GitLab 提交
type Commit struct {
	ID             string       `json:"id"`
	ShortID        string       `json:"short_id"`
	Title          string       `json:"title"`
	Message        string       `json:"message"`
	AuthorName     string       `json:"author_name"`
	AuthorEmail    string       `json:"author_email"`
	CommitterName  string       `json:"committer_name"`
	CommitterEmail string       `json:"committer_email"`
	AuthoredDate   *time.Time   `json:"authored_date"`
	CommittedDate  *time.Time   `json:"committed_date"`
	CreatedAt      *time.Time   `json:"created_at"`
	WebURL         string       `json:"web_url"`
	ParentIDs      []string     `json:"parent_ids"`
	Stats          *CommitStats `json:"stats,omitempty"`
}

// Timestamp 提交在远端的时间，优先 authored_date
func (c *Commit) Timestamp() time.Time {
	switch {
	case c.AuthoredDate != nil:
		return *c.AuthoredDate
	case c.CommittedDate != nil:
		return *c.CommittedDate
	case c.CreatedAt != nil:
		return *c.CreatedAt
	}
	return time.Time{}
}

// UserRef 议题/合并请求中引用的用户
type UserRef struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// Milestone 里程碑
type Milestone struct {
	ID    int64  `json:"id"`
	IID   int64  `json:"iid"`
	Title string `json:"title"`
	State string `json:"state"`
}

// Issue GitLab 议题
type Issue struct {
	ID          int64      `json:"id"`
	IID         int64      `json:"iid"`
	ProjectID   int64      `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	State       string     `json:"state"` // opened, closed
	Labels      []string   `json:"labels"`
	Author      UserRef    `json:"author"`
	Assignees   []UserRef  `json:"assignees"`
	Milestone   *Milestone `json:"milestone"`
	WebURL      string     `json:"web_url"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at"`
}

// MergeRequest GitLab 合并请求
type MergeRequest struct {
	ID           int64      `json:"id"`
	IID          int64      `json:"iid"`
	ProjectID    int64      `json:"project_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	State        string     `json:"state"` // opened, closed, merged, locked
	SourceBranch string     `json:"source_branch"`
	TargetBranch string     `json:"target_branch"`
	Labels       []string   `json:"labels"`
	Author       UserRef    `json:"author"`
	Assignees    []UserRef  `json:"assignees"`
	Milestone    *Milestone `json:"milestone"`
	Draft        bool       `json:"draft"`
	WebURL       string     `json:"web_url"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	MergedAt     *time.Time `json:"merged_at"`
}

// ProjectListOptions 项目列表参数
type ProjectListOptions struct {
	PerPage int
	Page    int
	Since   *time.Time // last_activity_after
}

// CommitListOptions 提交列表参数
type CommitListOptions struct {
	Since   *time.Time
	Until   *time.Time
	Author  string
	PerPage int
	Page    int
}

// ListOptions 议题/合并请求列表参数
type ListOptions struct {
	State        string // opened, closed, merged, all
	Scope        string // created_by_me, assigned_to_me, all
	UpdatedAfter *time.Time
	PerPage      int
	Page         int
}
