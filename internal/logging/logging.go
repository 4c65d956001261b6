package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Logger is the public logger instance accessible from all packages.
var Logger *slog.Logger

func init() {
	// Safe default until Initialize runs: discard, so packages that log
	// during early init (e.g. GORM's logger) never hit a nil pointer.
	Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// Initialize sets up the logger based on the configured level and, when
// debugFile is non-empty, a rotated-by-count JSON log file. Mirrors the
// reference's debug-file-with-rotation scheme, generalized to a level
// instead of a single debug bool.
func Initialize(level string, debugFile string, maxLogFiles int) error {
	if debugFile == "" {
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
		Logger = slog.New(handler)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(debugFile), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logDir := filepath.Dir(debugFile)
	if maxLogFiles > 0 {
		if err := rotateLogs(logDir, maxLogFiles); err != nil {
			fmt.Fprintf(os.Stderr, "warning: log rotation failed: %v\n", err)
		}
	}

	logFile, err := os.OpenFile(debugFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	handler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: parseLevel(level)})
	Logger = slog.New(handler)
	Logger.Info("logging initialized", "log_file", debugFile, "level", level)
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewDebugFileName returns a UUID-named log file path inside dir, one
// debug file per process run.
func NewDebugFileName(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.log", uuid.New().String()))
}

// rotateLogs removes the oldest log files until at most maxLogFiles-1
// remain, making room for a new one.
func rotateLogs(logDir string, maxLogFiles int) error {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	type logFileInfo struct {
		path    string
		modTime time.Time
	}
	var logFiles []logFileInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logFiles = append(logFiles, logFileInfo{filepath.Join(logDir, entry.Name()), info.ModTime()})
	}

	if len(logFiles) < maxLogFiles {
		return nil
	}

	sort.Slice(logFiles, func(i, j int) bool { return logFiles[i].modTime.Before(logFiles[j].modTime) })

	numToDelete := len(logFiles) - maxLogFiles + 1
	for i := 0; i < numToDelete && i < len(logFiles); i++ {
		if err := os.Remove(logFiles[i].path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to delete old log file %s: %v\n", logFiles[i].path, err)
		}
	}
	return nil
}

// DefaultLogDir returns the OS-specific log directory for bitk.
func DefaultLogDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Logs", "bitk"), nil
	case "linux":
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "bitk"), nil
	default:
		return filepath.Join(homeDir, ".bitk", "logs"), nil
	}
}
