package service

import (
	"strings"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/git/gitlab"
)

// Identity 用于判断提交归属的 GitLab 身份
type Identity struct {
	Username string
	Email    string
	Name     string
}

// IdentityOf 从集成记录提取身份
func IdentityOf(in *model.Integration) Identity {
	return Identity{Username: in.GitLabUsername, Email: in.GitLabEmail, Name: in.GitLabName}
}

// IsOwnCommit 判断提交是否由该身份提交。
// 依次尝试邮箱精确匹配、用户名/姓名精确匹配，最后退化为用户名的大小写不敏感子串匹配；
// 子串匹配可能误判相似用户名。
func IsOwnCommit(c *gitlab.Commit, id Identity) bool {
	if id.Email != "" && strings.EqualFold(c.AuthorEmail, id.Email) {
		return true
	}
	if id.Username != "" && strings.EqualFold(c.AuthorName, id.Username) {
		return true
	}
	if id.Name != "" && strings.EqualFold(c.AuthorName, id.Name) {
		return true
	}

	username := strings.ToLower(id.Username)
	if username == "" {
		return false
	}
	return strings.Contains(strings.ToLower(c.AuthorName), username) ||
		strings.Contains(strings.ToLower(c.AuthorEmail), username)
}
