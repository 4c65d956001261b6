package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WuChenDi/bitk/internal/logging"
	"github.com/WuChenDi/bitk/server"
)

// reconciliationInterval is the periodic stale-session sweep period.
const reconciliationInterval = 30 * time.Second

// ServeCmd is the production entry point: binds the HTTP/SSE server and
// starts the issue engine's background reconciliation sweep.
type ServeCmd struct {
	Addr      string `help:"Address to bind the HTTP server to" default:":8080"`
	ProjectID string `help:"Project id whose issues the reconciliation sweep covers" env:"BITK_PROJECT_ID"`
}

func (s *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if s.ProjectID != "" {
		cli.Container.Engine.StartPeriodicReconciliation(ctx, s.ProjectID, reconciliationInterval)
	}

	srv := server.New(cli.Container.Engine, cli.Container.Projects, cli.Container.Subscriber, cli.cfg.ServiceName, cli.cfg.ConcurrencyCap)

	logging.Logger.Info("bitk serve starting", "addr", s.Addr, "db_path", cli.cfg.DBPath)
	if err := srv.ListenAndServe(ctx, s.Addr); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}
	logging.Logger.Info("bitk serve stopped")
	return nil
}
