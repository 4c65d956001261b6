package main

import (
	"gorm.io/gorm"

	"github.com/WuChenDi/bitk/internal/adapters/engine"
	"github.com/WuChenDi/bitk/internal/adapters/storage"
	"github.com/WuChenDi/bitk/internal/config"
	"github.com/WuChenDi/bitk/internal/ports"
	"github.com/WuChenDi/bitk/internal/services"
)

// Container holds every wired dependency the CLI's sub-commands share:
// adapters and services are constructed once, in AfterApply, and handed
// to whichever sub-command runs.
type Container struct {
	DB       *gorm.DB
	Issues   *storage.SQLiteRepository
	Projects *storage.SQLiteProjectStore
	Settings *storage.SQLiteSettingsStore

	Events     *services.InProcessEventBus
	Registry   *engine.Registry
	Cache      *services.ProjectIssueCache
	Subscriber *services.ProjectScopedSubscriber
	Engine     *services.IssueEngine
}

// NewContainer opens dbPath and wires every adapter/service the CLI's
// sub-commands depend on.
func NewContainer(cfg config.Config) (*Container, error) {
	db, err := storage.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	issues := storage.NewSQLiteRepository(db)
	projects := storage.NewSQLiteProjectStore(db)
	settings := storage.NewSQLiteSettingsStore(db)

	events := services.NewInProcessEventBus()
	registry := engine.NewRegistry()
	cache := services.NewProjectIssueCache(projects, ports.SystemClock{})
	subscriber := services.NewProjectScopedSubscriber(events, cache)
	issueEngine := services.NewIssueEngine(issues, issues, events, registry, ports.SystemClock{}, cfg.ConcurrencyCap, cfg.WorkspaceRoot)

	return &Container{
		DB:         db,
		Issues:     issues,
		Projects:   projects,
		Settings:   settings,
		Events:     events,
		Registry:   registry,
		Cache:      cache,
		Subscriber: subscriber,
		Engine:     issueEngine,
	}, nil
}

// Close releases the underlying database connection.
func (c *Container) Close() error {
	if c.DB == nil {
		return nil
	}
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
