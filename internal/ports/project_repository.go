package ports

import (
	"context"

	"github.com/WuChenDi/bitk/internal/domain"
)

// ProjectStore is the external boundary the engine uses to resolve a
// project id/alias and, for the project-scoped cache, to look up the
// project id that owns a given issue.
type ProjectStore interface {
	Get(ctx context.Context, id string) (*domain.Project, error)
	ResolveAlias(ctx context.Context, idOrAlias string) (string, error)
	ProjectIDForIssue(ctx context.Context, issueID string) (string, error)
}

// SettingsStore reads/writes the app_settings key/value table.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}
