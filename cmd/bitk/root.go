package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"

	"github.com/WuChenDi/bitk/internal/config"
	"github.com/WuChenDi/bitk/internal/logging"
)

// CLI is the kong command tree: bitk serve runs the production HTTP/SSE
// server, bitk db reset wipes the database, and bitk issue ... gives a
// local smoke-testing entry point into the same IssueEngine the server
// uses.
type CLI struct {
	Version kong.VersionFlag `help:"Show version information"`
	Debug   bool             `help:"Enable debug logging to stderr" short:"d"`

	Serve ServeCmd `cmd:"" help:"Run the HTTP/SSE server and the issue engine's background sweep"`
	DB    DBCmd    `cmd:"" help:"Manage the local database"`
	Issue IssueCmd `cmd:"" help:"Drive the issue engine directly, without standing up HTTP"`

	cfg       config.Config
	Container *Container `kong:"-"`
}

// AfterApply loads the environment-derived Config, initializes logging,
// and wires the dependency Container, in that order, so GORM's logger
// never fires before logging.Logger is a real handler.
func (c *CLI) AfterApply() error {
	c.cfg = config.Load()
	if c.Debug {
		c.cfg.LogLevel = "debug"
	}

	if err := logging.Initialize(c.cfg.LogLevel, "", 0); err != nil {
		return err
	}

	container, err := NewContainer(c.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize container: %w", err)
	}
	c.Container = container
	return nil
}

func (c *CLI) Close() error {
	if c.Container != nil {
		return c.Container.Close()
	}
	return nil
}

func expandPath(path string) string {
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
