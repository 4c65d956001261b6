package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/WuChenDi/bitk/internal/logging"
)

// slowQueryThreshold is how long a statement can run before it is logged
// as a warning instead of at debug level.
const slowQueryThreshold = 200 * time.Millisecond

// gormLogger forwards GORM's statement tracing into logging.Logger so
// every SQL statement ends up on the same handler and level as the rest
// of the process, instead of GORM's own stdout writer.
type gormLogger struct {
	level logger.LogLevel
}

// newGormLogger builds a gormLogger at Info level when verbose is set
// (BITK_DEBUG=1), Silent otherwise.
func newGormLogger(verbose bool) logger.Interface {
	l := &gormLogger{}
	if verbose {
		return l.LogMode(logger.Info)
	}
	return l.LogMode(logger.Silent)
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level < logger.Info {
		return
	}
	logging.Logger.Info(fmt.Sprintf(msg, args...))
}

func (l *gormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level < logger.Warn {
		return
	}
	logging.Logger.Warn(fmt.Sprintf(msg, args...))
}

func (l *gormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level < logger.Error {
		return
	}
	logging.Logger.Error(fmt.Sprintf(msg, args...))
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level < logger.Info {
		return
	}
	sql, rows := fc()
	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		logging.Logger.Error("sqlite statement failed", "err", err, "elapsed", elapsed, "sql", sql, "rows", rows)
	case elapsed > slowQueryThreshold:
		logging.Logger.Warn("sqlite statement slow", "elapsed", elapsed, "sql", sql, "rows", rows)
	default:
		logging.Logger.Debug("sqlite statement", "elapsed", elapsed, "sql", sql, "rows", rows)
	}
}

// OpenDB opens dbPath (expanding a leading ~), enables WAL mode, and
// migrates the full schema. Both SQLiteRepository and SQLiteProjectStore
// wrap the *gorm.DB this returns.
func OpenDB(dbPath string) (*gorm.DB, error) {
	if len(dbPath) > 0 && dbPath[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, dbPath[1:])
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		PrepareStmt: false,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      newGormLogger(os.Getenv("BITK_DEBUG") == "1"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")
	db.Exec("PRAGMA foreign_keys=ON")

	if err := db.AutoMigrate(&ProjectModel{}, &IssueModel{}); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}

	migrator := db.Migrator()

	if !migrator.HasTable(&IssueLogModel{}) {
		if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS issue_logs (
				id TEXT PRIMARY KEY,
				issue_id TEXT NOT NULL,
				turn_index INTEGER NOT NULL,
				entry_index INTEGER NOT NULL,
				entry_type TEXT NOT NULL,
				content TEXT DEFAULT '',
				metadata TEXT DEFAULT '{}',
				tool_action TEXT DEFAULT '',
				reply_to_message_id TEXT,
				timestamp DATETIME,
				visible INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME,
				FOREIGN KEY (issue_id) REFERENCES issues(id) ON UPDATE CASCADE ON DELETE CASCADE
			)
		`).Error; err != nil {
			return nil, fmt.Errorf("failed to create issue_logs table: %w", err)
		}
		db.Exec(`CREATE INDEX IF NOT EXISTS idx_issue_logs_order ON issue_logs(issue_id, turn_index, entry_index)`)
		db.Exec(`CREATE INDEX IF NOT EXISTS idx_issue_logs_visible ON issue_logs(issue_id, visible)`)
	}

	if !migrator.HasTable(&AppSettingModel{}) {
		if err := db.Exec(`
			CREATE TABLE IF NOT EXISTS app_settings (
				key TEXT PRIMARY KEY,
				value TEXT DEFAULT '',
				created_at DATETIME,
				updated_at DATETIME
			)
		`).Error; err != nil {
			return nil, fmt.Errorf("failed to create app_settings table: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(0)

	return db, nil
}

// withRetry retries a GORM operation on SQLITE_BUSY/SQLITE_LOCKED with
// linear backoff.
func withRetry(fn func() error, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries", maxRetries)
}
