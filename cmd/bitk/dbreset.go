package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/WuChenDi/bitk/internal/config"
)

// DBCmd groups database-maintenance sub-commands under "bitk db ...".
type DBCmd struct {
	Reset DBResetCmd `cmd:"" help:"Delete the database and its WAL/SHM/journal siblings"`
}

// DBResetCmd deletes DB_PATH and its -wal/-shm/-journal siblings, then
// emits a JSON report of what was deleted/missing.
type DBResetCmd struct{}

func (d *DBResetCmd) Run(cli *CLI) error {
	dbPath := expandPath(cli.cfg.DBPath)
	siblings := []string{dbPath, dbPath + "-wal", dbPath + "-shm", dbPath + "-journal"}

	report := config.DBResetReport{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	for _, path := range siblings {
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				report.Missing = append(report.Missing, path)
				continue
			}
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
		report.Deleted = append(report.Deleted, path)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
