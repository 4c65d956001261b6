package ports

import (
	"context"

	"github.com/WuChenDi/bitk/internal/domain"
)

// IssueReader reads issue data.
type IssueReader interface {
	Get(ctx context.Context, id string) (*domain.Issue, error)
	List(ctx context.Context, projectID string, includeDeleted bool) ([]domain.Issue, error)
}

// IssueWriter creates, updates and soft-deletes issues.
type IssueWriter interface {
	Add(ctx context.Context, issue *domain.Issue) error
	Update(ctx context.Context, issue *domain.Issue) error
	SoftDelete(ctx context.Context, id string) error
}

// IssueNumbering allocates the monotonic, never-reused per-project issue
// number and the per-column sort order.
type IssueNumbering interface {
	// NextIssueNumber returns max(all issue numbers in project, including
	// soft-deleted) + 1.
	NextIssueNumber(ctx context.Context, projectID string) (int, error)
	// NextSortOrder returns max(sort order within status column,
	// excluding soft-deleted) + 1.
	NextSortOrder(ctx context.Context, projectID string, status domain.Status) (int, error)
}

// IssueSessionUpdater updates the session fields that the issue engine
// mutates as an execution progresses.
type IssueSessionUpdater interface {
	UpdateSessionStatus(ctx context.Context, issueID string, status domain.SessionStatus) error
	UpdateExternalSessionID(ctx context.Context, issueID string, externalSessionID string) error
	ClearExternalSessionID(ctx context.Context, issueID string) error
	UpdateStatus(ctx context.Context, issueID string, status domain.Status) error
	UpdateTitle(ctx context.Context, issueID string, title string) error
}

// IssueRepository is the composite interface the issue engine depends on.
type IssueRepository interface {
	IssueReader
	IssueWriter
	IssueNumbering
	IssueSessionUpdater
}
