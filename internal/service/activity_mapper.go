package service

import (
	"strconv"
	"time"

	"github.com/samber/lo"
	"gorm.io/datatypes"

	"gitlab-tracker/internal/model"
	"gitlab-tracker/internal/pkg/git/gitlab"
	"gitlab-tracker/pkg/constants"
)

func projectContext(a *model.Activity, p *gitlab.Project) {
	a.ProjectID = p.ID
	a.ProjectName = p.Name
	a.ProjectPath = p.PathWithNamespace
	a.ProjectURL = p.WebURL
}

func commitActivity(userID string, p *gitlab.Project, c *gitlab.Commit, syncedAt time.Time) *model.Activity {
	meta := datatypes.JSONMap{
		model.MetaAuthorName:  c.AuthorName,
		model.MetaAuthorEmail: c.AuthorEmail,
		model.MetaParentIDs:   lo.Ternary(c.ParentIDs == nil, []string{}, c.ParentIDs),
		"short_id":            c.ShortID,
	}
	if c.Stats != nil {
		meta[model.MetaAdditions] = c.Stats.Additions
		meta[model.MetaDeletions] = c.Stats.Deletions
		meta[model.MetaTotal] = c.Stats.Total
	}

	a := &model.Activity{
		UserID:    userID,
		Type:      constants.ActivityTypeCommit,
		RemoteID:  c.ID,
		Title:     c.Title,
		Message:   c.Message,
		WebURL:    c.WebURL,
		CreatedAt: c.Timestamp().UTC(),
		Metadata:  meta,
		SyncedAt:  syncedAt,
	}
	projectContext(a, p)
	return a
}

func usernames(refs []gitlab.UserRef) []string {
	return lo.Map(refs, func(u gitlab.UserRef, _ int) string { return u.Username })
}

func milestoneTitle(m *gitlab.Milestone) string {
	if m == nil {
		return ""
	}
	return m.Title
}

func issueActivity(userID string, p *gitlab.Project, is *gitlab.Issue, syncedAt time.Time) *model.Activity {
	a := &model.Activity{
		UserID:    userID,
		Type:      constants.ActivityTypeIssue,
		RemoteID:  strconv.FormatInt(is.ID, 10),
		Title:     is.Title,
		Message:   is.Description,
		WebURL:    is.WebURL,
		CreatedAt: is.CreatedAt.UTC(),
		Metadata: datatypes.JSONMap{
			"iid":                is.IID,
			model.MetaState:      is.State,
			model.MetaLabels:     lo.Ternary(is.Labels == nil, []string{}, is.Labels),
			model.MetaAssignees:  usernames(is.Assignees),
			model.MetaMilestone:  milestoneTitle(is.Milestone),
			model.MetaAuthorName: is.Author.Username,
			"updated_at":         is.UpdatedAt.UTC(),
		},
		SyncedAt: syncedAt,
	}
	projectContext(a, p)
	return a
}

func mergeRequestActivity(userID string, p *gitlab.Project, mr *gitlab.MergeRequest, syncedAt time.Time) *model.Activity {
	meta := datatypes.JSONMap{
		"iid":                mr.IID,
		model.MetaState:      mr.State,
		model.MetaLabels:     lo.Ternary(mr.Labels == nil, []string{}, mr.Labels),
		model.MetaAssignees:  usernames(mr.Assignees),
		model.MetaMilestone:  milestoneTitle(mr.Milestone),
		model.MetaAuthorName: mr.Author.Username,
		"source_branch":      mr.SourceBranch,
		"target_branch":      mr.TargetBranch,
		"draft":              mr.Draft,
		"updated_at":         mr.UpdatedAt.UTC(),
	}
	if mr.MergedAt != nil {
		meta["merged_at"] = mr.MergedAt.UTC()
	}

	a := &model.Activity{
		UserID:    userID,
		Type:      constants.ActivityTypeMergeRequest,
		RemoteID:  strconv.FormatInt(mr.ID, 10),
		Title:     mr.Title,
		Message:   mr.Description,
		WebURL:    mr.WebURL,
		CreatedAt: mr.CreatedAt.UTC(),
		Metadata:  meta,
		SyncedAt:  syncedAt,
	}
	projectContext(a, p)
	return a
}
