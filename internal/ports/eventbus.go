package ports

import "github.com/WuChenDi/bitk/internal/domain"

// ChangesSummary is the opaque git-diff summary payload the (external)
// diff summarizer hands the engine to broadcast.
type ChangesSummary struct {
	IssueID string `json:"issueId"`
	Summary string `json:"summary"`
}

// IssueUpdated is broadcast whenever an issue's persisted row changes,
// including deletion (Deleted=true) which invalidates the project cache.
type IssueUpdated struct {
	IssueID   string `json:"issueId"`
	ProjectID string `json:"projectId"`
	Deleted   bool   `json:"deleted"`
}

// Unsubscribe removes a previously-registered subscriber.
type Unsubscribe func()

// EventBus is the in-process publisher with named channels. Subscribers
// must not block on the publisher's goroutine; heavy work must be
// dispatched elsewhere.
type EventBus interface {
	PublishLog(issueID, executionID string, entry domain.IssueLogEntry)
	PublishState(issueID, executionID string, state domain.SessionStatus)
	PublishSettled(issueID, executionID string, finalStatus domain.SessionStatus)
	PublishIssueUpdated(data IssueUpdated)
	PublishChangesSummary(summary ChangesSummary)

	OnLog(fn func(issueID, executionID string, entry domain.IssueLogEntry)) Unsubscribe
	OnState(fn func(issueID, executionID string, state domain.SessionStatus)) Unsubscribe
	OnSettled(fn func(issueID, executionID string, finalStatus domain.SessionStatus)) Unsubscribe
	OnIssueUpdated(fn func(data IssueUpdated)) Unsubscribe
	OnChangesSummary(fn func(summary ChangesSummary)) Unsubscribe
}
