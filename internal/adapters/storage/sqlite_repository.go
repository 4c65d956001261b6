package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// SQLiteRepository implements ports.IssueRepository and
// ports.LogRepository over a shared GORM handle (see OpenDB).
type SQLiteRepository struct {
	db *gorm.DB
}

var (
	_ ports.IssueRepository = (*SQLiteRepository)(nil)
	_ ports.LogRepository   = (*SQLiteRepository)(nil)
)

// NewSQLiteRepository wraps an already-opened, already-migrated db.
func NewSQLiteRepository(db *gorm.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// --- IssueReader ---

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*domain.Issue, error) {
	var m IssueModel
	err := withRetry(func() error {
		return r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: issue %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	issue := issueModelToDomain(m)
	return &issue, nil
}

func (r *SQLiteRepository) List(ctx context.Context, projectID string, includeDeleted bool) ([]domain.Issue, error) {
	var models []IssueModel
	err := withRetry(func() error {
		q := r.db.WithContext(ctx).Where("project_id = ?", projectID)
		if !includeDeleted {
			q = q.Where("is_deleted = ?", false)
		}
		return q.Order("status ASC, sort_order ASC").Find(&models).Error
	}, 3)
	if err != nil {
		return nil, err
	}

	result := make([]domain.Issue, len(models))
	for i, m := range models {
		result[i] = issueModelToDomain(m)
	}
	return result, nil
}

// --- IssueWriter ---

func (r *SQLiteRepository) Add(ctx context.Context, issue *domain.Issue) error {
	if issue.ParentIssueID != nil {
		var parent IssueModel
		err := withRetry(func() error {
			return r.db.WithContext(ctx).Select("parent_issue_id").Where("id = ?", *issue.ParentIssueID).First(&parent).Error
		}, 3)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: parent issue %s not found", domain.ErrNotFound, *issue.ParentIssueID)
			}
			return err
		}
		if parent.ParentIssueID != nil {
			return fmt.Errorf("%w: issue %s is already a sub-issue, max nesting depth is 1", domain.ErrValidation, *issue.ParentIssueID)
		}
	}

	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	model := domainToIssueModel(*issue)
	return withRetry(func() error {
		return r.db.WithContext(ctx).Create(&model).Error
	}, 3)
}

func (r *SQLiteRepository) Update(ctx context.Context, issue *domain.Issue) error {
	model := domainToIssueModel(*issue)
	return withRetry(func() error {
		result := r.db.WithContext(ctx).Model(&IssueModel{}).Where("id = ?", issue.ID).Updates(&model)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: issue %s", domain.ErrNotFound, issue.ID)
		}
		return nil
	}, 3)
}

func (r *SQLiteRepository) SoftDelete(ctx context.Context, id string) error {
	return withRetry(func() error {
		result := r.db.WithContext(ctx).Model(&IssueModel{}).Where("id = ?", id).Update("is_deleted", true)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: issue %s", domain.ErrNotFound, id)
		}
		return nil
	}, 3)
}

// --- IssueNumbering ---

func (r *SQLiteRepository) NextIssueNumber(ctx context.Context, projectID string) (int, error) {
	var max int
	err := withRetry(func() error {
		return r.db.WithContext(ctx).Model(&IssueModel{}).
			Where("project_id = ?", projectID).
			Select("COALESCE(MAX(issue_number), 0)").Scan(&max).Error
	}, 3)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *SQLiteRepository) NextSortOrder(ctx context.Context, projectID string, status domain.Status) (int, error) {
	var max int
	err := withRetry(func() error {
		return r.db.WithContext(ctx).Model(&IssueModel{}).
			Where("project_id = ? AND status = ? AND is_deleted = ?", projectID, string(status), false).
			Select("COALESCE(MAX(sort_order), 0)").Scan(&max).Error
	}, 3)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// --- IssueSessionUpdater ---

func (r *SQLiteRepository) UpdateSessionStatus(ctx context.Context, issueID string, status domain.SessionStatus) error {
	return r.updateIssueColumn(ctx, issueID, "session_status", string(status))
}

func (r *SQLiteRepository) UpdateExternalSessionID(ctx context.Context, issueID string, externalSessionID string) error {
	return r.updateIssueColumn(ctx, issueID, "external_session_id", externalSessionID)
}

func (r *SQLiteRepository) ClearExternalSessionID(ctx context.Context, issueID string) error {
	return r.updateIssueColumn(ctx, issueID, "external_session_id", "")
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, issueID string, status domain.Status) error {
	return r.updateIssueColumn(ctx, issueID, "status", string(status))
}

func (r *SQLiteRepository) UpdateTitle(ctx context.Context, issueID string, title string) error {
	return r.updateIssueColumn(ctx, issueID, "title", title)
}

func (r *SQLiteRepository) updateIssueColumn(ctx context.Context, issueID, column string, value any) error {
	return withRetry(func() error {
		result := r.db.WithContext(ctx).Model(&IssueModel{}).Where("id = ?", issueID).Update(column, value)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: issue %s", domain.ErrNotFound, issueID)
		}
		return nil
	}, 3)
}

// --- LogRepository ---

func (r *SQLiteRepository) Append(ctx context.Context, entry domain.IssueLogEntry) (domain.IssueLogEntry, error) {
	var persisted domain.IssueLogEntry
	err := withRetry(func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var maxIndex int
			if err := tx.Model(&IssueLogModel{}).
				Where("issue_id = ? AND turn_index = ?", entry.IssueID, entry.TurnIndex).
				Select("COALESCE(MAX(entry_index), -1)").Scan(&maxIndex).Error; err != nil {
				return err
			}
			entry.EntryIndex = maxIndex + 1
			if entry.ID == "" {
				entry.ID = uuid.NewString()
			}

			model, err := domainToLogModel(entry)
			if err != nil {
				return err
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
			persisted = logModelToDomain(model)
			return nil
		})
	}, 3)
	return persisted, err
}

func (r *SQLiteRepository) GetPage(ctx context.Context, issueID string, q ports.LogQuery) (ports.LogPage, error) {
	var models []IssueLogModel
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	err := withRetry(func() error {
		query := r.db.WithContext(ctx).Model(&IssueLogModel{}).Where("issue_id = ?", issueID)

		switch {
		case q.Cursor != "":
			var cursorEntry IssueLogModel
			if err := r.db.Where("id = ?", q.Cursor).First(&cursorEntry).Error; err != nil {
				return err
			}
			query = query.Where("(turn_index, entry_index) > (?, ?)", cursorEntry.TurnIndex, cursorEntry.EntryIndex).
				Order("turn_index ASC, entry_index ASC")
		case q.Before != "":
			var beforeEntry IssueLogModel
			if err := r.db.Where("id = ?", q.Before).First(&beforeEntry).Error; err != nil {
				return err
			}
			query = query.Where("(turn_index, entry_index) < (?, ?)", beforeEntry.TurnIndex, beforeEntry.EntryIndex).
				Order("turn_index DESC, entry_index DESC")
		default:
			query = query.Order("turn_index DESC, entry_index DESC")
		}

		return query.Limit(limit + 1).Find(&models).Error
	}, 3)
	if err != nil {
		return ports.LogPage{}, err
	}

	hasMore := len(models) > limit
	if hasMore {
		models = models[:limit]
	}

	// DESC fetches (no cursor, and Before) come back newest-first; flip to
	// ascending insertion order before returning, matching Cursor's shape.
	if q.Cursor == "" {
		for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
			models[i], models[j] = models[j], models[i]
		}
	}

	entries := make([]domain.IssueLogEntry, len(models))
	for i, m := range models {
		entries[i] = logModelToDomain(m)
	}

	page := ports.LogPage{Entries: entries, HasMore: hasMore}
	if len(entries) > 0 {
		if q.Cursor != "" {
			page.NextCursor = entries[len(entries)-1].ID
		} else {
			page.NextCursor = entries[0].ID
		}
	}
	return page, nil
}

func (r *SQLiteRepository) PendingVisible(ctx context.Context, issueID string) ([]domain.IssueLogEntry, error) {
	var models []IssueLogModel
	err := withRetry(func() error {
		return r.db.WithContext(ctx).
			Where("issue_id = ? AND entry_type = ? AND visible = ? AND metadata LIKE ?",
				issueID, string(domain.EntryUserMessage), true, `%"type":"pending"%`).
			Order("turn_index ASC, entry_index ASC").Find(&models).Error
	}, 3)
	if err != nil {
		return nil, err
	}

	result := make([]domain.IssueLogEntry, len(models))
	for i, m := range models {
		result[i] = logModelToDomain(m)
	}
	return result, nil
}

func (r *SQLiteRepository) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return withRetry(func() error {
		return r.db.WithContext(ctx).Model(&IssueLogModel{}).Where("id IN ?", ids).Update("visible", false).Error
	}, 3)
}
