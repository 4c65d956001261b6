package domain

import "time"

// Project is the external boundary entity issues belong to. The HTTP
// routing, auth, and schema layers that own projects sit outside the
// engine's core; the engine only reads/writes through ports.ProjectStore.
type Project struct {
	ID             string
	Name           string
	Alias          string
	Description    string
	Directory      string
	RepositoryURL  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IsDeleted      bool
}

// AppSetting is a single persisted key/value row, e.g.
// "workspace:defaultPath" or "engine:slashCommands".
type AppSetting struct {
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
