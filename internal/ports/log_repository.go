package ports

import (
	"context"

	"github.com/WuChenDi/bitk/internal/domain"
)

// LogPage is one page of a getLogs fetch.
type LogPage struct {
	Entries    []domain.IssueLogEntry `json:"entries"`
	NextCursor string                 `json:"nextCursor,omitempty"`
	HasMore    bool                   `json:"hasMore"`
}

// LogQuery is the cursor-based pagination contract for getLogs.
type LogQuery struct {
	Cursor string // forward: strictly-after
	Before string // strictly-before
	Limit  int
}

// LogRepository persists and reads issue log entries. Append must be
// transactional with the read of the issue's current max (turnIndex,
// entryIndex) so the total order invariant holds under concurrent
// writers for the same issue.
type LogRepository interface {
	// Append inserts entry, assigning EntryIndex = max(entryIndex for
	// (issueID, turnIndex)) + 1 inside the same transaction, and returns
	// the persisted entry (with ID and EntryIndex populated).
	Append(ctx context.Context, entry domain.IssueLogEntry) (domain.IssueLogEntry, error)

	// GetPage implements the two-directional getLogs contract: no cursor
	// returns the newest Limit entries ascending with NextCursor =
	// oldest.ID; Cursor fetches forward; Before fetches backward.
	GetPage(ctx context.Context, issueID string, q LogQuery) (LogPage, error)

	// PendingVisible returns all durable pending messages
	// (entryType=user-message, metadata.type=pending, visible=1) for an
	// issue, oldest first.
	PendingVisible(ctx context.Context, issueID string) ([]domain.IssueLogEntry, error)

	// MarkDispatched flips Visible to false for the given entry ids.
	// Monotonic: never re-sets Visible back to true.
	MarkDispatched(ctx context.Context, ids []string) error
}
