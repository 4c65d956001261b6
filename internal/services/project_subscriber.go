package services

import (
	"context"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// ProjectScopedSubscriber wraps an EventBus and a ProjectIssueCache to
// give the SSE boundary a "subscribe to this project's events only" view,
// filtering every issue-keyed event by resolving its project id through
// the cache and dropping it if it doesn't match. It also wires itself to
// OnIssueUpdated so a deleted issue's cache entry is invalidated
// immediately rather than waiting out the TTL.
type ProjectScopedSubscriber struct {
	bus   ports.EventBus
	cache *ProjectIssueCache
}

func NewProjectScopedSubscriber(bus ports.EventBus, cache *ProjectIssueCache) *ProjectScopedSubscriber {
	s := &ProjectScopedSubscriber{bus: bus, cache: cache}
	bus.OnIssueUpdated(func(data ports.IssueUpdated) {
		if data.Deleted {
			cache.Invalidate(data.IssueID)
		}
	})
	return s
}

// OnLog subscribes fn to log events for issues belonging to projectID.
func (s *ProjectScopedSubscriber) OnLog(ctx context.Context, projectID string, fn func(issueID, executionID string, entry domain.IssueLogEntry)) ports.Unsubscribe {
	return s.bus.OnLog(func(issueID, executionID string, entry domain.IssueLogEntry) {
		if s.belongsToProject(ctx, issueID, projectID) {
			fn(issueID, executionID, entry)
		}
	})
}

func (s *ProjectScopedSubscriber) OnState(ctx context.Context, projectID string, fn func(issueID, executionID string, state domain.SessionStatus)) ports.Unsubscribe {
	return s.bus.OnState(func(issueID, executionID string, state domain.SessionStatus) {
		if s.belongsToProject(ctx, issueID, projectID) {
			fn(issueID, executionID, state)
		}
	})
}

func (s *ProjectScopedSubscriber) OnSettled(ctx context.Context, projectID string, fn func(issueID, executionID string, finalStatus domain.SessionStatus)) ports.Unsubscribe {
	return s.bus.OnSettled(func(issueID, executionID string, finalStatus domain.SessionStatus) {
		if s.belongsToProject(ctx, issueID, projectID) {
			fn(issueID, executionID, finalStatus)
		}
	})
}

func (s *ProjectScopedSubscriber) OnIssueUpdated(projectID string, fn func(data ports.IssueUpdated)) ports.Unsubscribe {
	return s.bus.OnIssueUpdated(func(data ports.IssueUpdated) {
		if data.ProjectID == projectID {
			fn(data)
		}
	})
}

func (s *ProjectScopedSubscriber) OnChangesSummary(ctx context.Context, projectID string, fn func(summary ports.ChangesSummary)) ports.Unsubscribe {
	return s.bus.OnChangesSummary(func(summary ports.ChangesSummary) {
		if s.belongsToProject(ctx, summary.IssueID, projectID) {
			fn(summary)
		}
	})
}

func (s *ProjectScopedSubscriber) belongsToProject(ctx context.Context, issueID, projectID string) bool {
	resolved, err := s.cache.Resolve(ctx, issueID)
	if err != nil {
		return false
	}
	return resolved == projectID
}
