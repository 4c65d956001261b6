package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// Config is the process-wide configuration loaded from environment
// variables.
type Config struct {
	DBPath                string
	LogLevel              string
	ServiceName           string
	EnableRuntimeEndpoint bool
	ConcurrencyCap        int
	WorkspaceRoot         string
}

// Load reads Config from the environment, applying the documented
// defaults.
func Load() Config {
	return Config{
		DBPath:                getEnv("DB_PATH", "data/bitk.db"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		ServiceName:           getEnv("SERVICE_NAME", "bitk"),
		EnableRuntimeEndpoint: getBoolEnv("ENABLE_RUNTIME_ENDPOINT", false),
		ConcurrencyCap:        getIntEnv("BITK_CONCURRENCY_CAP", 4),
		WorkspaceRoot:         getEnv("BITK_WORKSPACE_ROOT", "/"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) == 1 {
		return homeDir
	}
	return filepath.Join(homeDir, path[1:])
}

// DBResetReport is the JSON report the `bitk db reset` subcommand emits.
type DBResetReport struct {
	Deleted   []string `json:"deleted"`
	Missing   []string `json:"missing"`
	Timestamp string   `json:"timestamp"`
}
