package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// SQLiteProjectStore implements ports.ProjectStore over the same GORM
// handle as SQLiteRepository. Kept as a separate type because
// ports.ProjectStore.Get and ports.IssueReader.Get would otherwise
// collide on one receiver, and similarly ports.SettingsStore.Get lives on
// SQLiteSettingsStore instead.
type SQLiteProjectStore struct {
	db *gorm.DB
}

var _ ports.ProjectStore = (*SQLiteProjectStore)(nil)

func NewSQLiteProjectStore(db *gorm.DB) *SQLiteProjectStore {
	return &SQLiteProjectStore{db: db}
}

func (s *SQLiteProjectStore) Get(ctx context.Context, id string) (*domain.Project, error) {
	var m ProjectModel
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("id = ? AND is_deleted = ?", id, false).First(&m).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: project %s", domain.ErrNotFound, id)
		}
		return nil, err
	}
	project := projectModelToDomain(m)
	return &project, nil
}

func (s *SQLiteProjectStore) ResolveAlias(ctx context.Context, idOrAlias string) (string, error) {
	var m ProjectModel
	err := withRetry(func() error {
		return s.db.WithContext(ctx).
			Where("(id = ? OR alias = ?) AND is_deleted = ?", idOrAlias, idOrAlias, false).
			First(&m).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: project %s", domain.ErrNotFound, idOrAlias)
		}
		return "", err
	}
	return m.ID, nil
}

func (s *SQLiteProjectStore) ProjectIDForIssue(ctx context.Context, issueID string) (string, error) {
	var m IssueModel
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Select("project_id").Where("id = ?", issueID).First(&m).Error
	}, 3)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: issue %s", domain.ErrNotFound, issueID)
		}
		return "", err
	}
	return m.ProjectID, nil
}

// Add persists a new project. Not part of ports.ProjectStore (which is a
// read-oriented boundary for the engine), but the CLI's project-setup
// path needs somewhere to create rows, and this is that somewhere.
func (s *SQLiteProjectStore) Add(ctx context.Context, project *domain.Project) error {
	model := ProjectModel{
		ID:            project.ID,
		Name:          project.Name,
		Alias:         project.Alias,
		Description:   project.Description,
		Directory:     project.Directory,
		RepositoryURL: project.RepositoryURL,
	}
	return withRetry(func() error {
		return s.db.WithContext(ctx).Create(&model).Error
	}, 3)
}

func (s *SQLiteProjectStore) List(ctx context.Context) ([]domain.Project, error) {
	var models []ProjectModel
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Where("is_deleted = ?", false).Order("name ASC").Find(&models).Error
	}, 3)
	if err != nil {
		return nil, err
	}
	result := make([]domain.Project, len(models))
	for i, m := range models {
		result[i] = projectModelToDomain(m)
	}
	return result, nil
}
