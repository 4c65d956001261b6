package storage

import "time"

// IssueModel is the GORM model for the issues table.
type IssueModel struct {
	ID                string    `gorm:"primaryKey"`
	ProjectID         string    `gorm:"not null;index:idx_issue_project"`
	Status            string    `gorm:"not null;default:'todo';check:status IN ('todo','working','review','done')"`
	IssueNumber       int       `gorm:"not null;index:idx_issue_number"`
	Title             string    `gorm:"not null;default:''"`
	Priority          string    `gorm:"not null;default:'medium'"`
	SortOrder         int       `gorm:"not null;default:0;index:idx_issue_sort"`
	ParentIssueID     *string   `gorm:"index:idx_issue_parent;default:null"`
	UseWorktree       bool      `gorm:"not null;default:false"`
	EngineType        string    `gorm:"not null;default:''"`
	SessionStatus     string    `gorm:"not null;default:'pending'"`
	Prompt            string    `gorm:"default:''"`
	ExternalSessionID string    `gorm:"default:''"`
	Model             string    `gorm:"default:''"`
	BaseCommitHash    string    `gorm:"default:''"`
	IsDeleted         bool      `gorm:"not null;default:false;index:idx_issue_deleted"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (IssueModel) TableName() string { return "issues" }

// IssueLogModel is the GORM model for the issue_logs table. Ordering
// invariant: (IssueID, TurnIndex, EntryIndex) must be unique and
// insertion-ordered; enforced by SQLiteRepository.Append reading the
// current max entry index in the same transaction as the insert.
type IssueLogModel struct {
	ID               string `gorm:"primaryKey"`
	IssueID          string `gorm:"not null;index:idx_log_issue"`
	TurnIndex        int    `gorm:"not null"`
	EntryIndex       int    `gorm:"not null"`
	EntryType        string `gorm:"not null"`
	Content          string `gorm:"default:''"`
	Metadata         string `gorm:"default:'{}'"` // JSON-encoded domain.Metadata
	ToolAction       string `gorm:"default:''"`   // JSON-encoded domain.ToolAction, empty if nil
	ReplyToMessageID *string `gorm:"default:null"`
	Timestamp        *time.Time
	Visible          bool `gorm:"not null;default:true;index:idx_log_visible"`
	CreatedAt        time.Time
}

func (IssueLogModel) TableName() string { return "issue_logs" }

// ProjectModel is the GORM model for the projects table.
type ProjectModel struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"not null"`
	Alias         string `gorm:"uniqueIndex:idx_project_alias"`
	Description   string `gorm:"default:''"`
	Directory     string `gorm:"not null"`
	RepositoryURL string `gorm:"default:''"`
	IsDeleted     bool   `gorm:"not null;default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (ProjectModel) TableName() string { return "projects" }

// AppSettingModel is the GORM model for a flat key/value settings table.
type AppSettingModel struct {
	Key       string `gorm:"primaryKey"`
	Value     string `gorm:"default:''"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (AppSettingModel) TableName() string { return "app_settings" }
