package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/logging"
	"github.com/WuChenDi/bitk/internal/ports"
	"github.com/WuChenDi/bitk/internal/services"
)

// Server is the HTTP/SSE boundary: a plain net/http.ServeMux using Go
// 1.22's method-prefixed route patterns, with no router dependency.
type Server struct {
	engine         *services.IssueEngine
	projects       ports.ProjectStore
	subscriber     *services.ProjectScopedSubscriber
	serviceName    string
	concurrencyCap int

	httpServer *http.Server
}

func New(engine *services.IssueEngine, projects ports.ProjectStore, subscriber *services.ProjectScopedSubscriber, serviceName string, concurrencyCap int) *Server {
	s := &Server{
		engine:         engine,
		projects:       projects,
		subscriber:     subscriber,
		serviceName:    serviceName,
		concurrencyCap: concurrencyCap,
	}
	s.httpServer = &http.Server{Handler: s.routes()}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /service-info", s.handleServiceInfo)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /issues/{id}/execute", s.handleExecuteIssue)
	mux.HandleFunc("POST /issues/{id}/follow-up", s.handleFollowUpIssue)
	mux.HandleFunc("POST /issues/{id}/cancel", s.handleCancelIssue)
	mux.HandleFunc("POST /issues/{id}/restart", s.handleRestartIssue)
	mux.HandleFunc("POST /issues/{id}/auto-title", s.handleAutoTitle)
	mux.HandleFunc("GET /issues/{id}/logs", s.handleGetLogs)
	return mux
}

// ListenAndServe binds addr and blocks until ctx is cancelled, then
// shuts the HTTP server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	errCh := make(chan error, 1)
	go func() {
		logging.Logger.Info("http server listening", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down http server: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// handleEvents serves the project-scoped SSE stream at
// /events?projectId=<id-or-alias>, forwarding the five event kinds as
// named SSE events plus a 15s heartbeat, and an explicit done event when
// settled is observed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	idOrAlias := r.URL.Query().Get("projectId")
	if idOrAlias == "" {
		writeErr(w, r, fmt.Errorf("%w: projectId is required", domain.ErrValidation))
		return
	}

	ctx := r.Context()
	projectID, err := s.projects.ResolveAlias(ctx, idOrAlias)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeErr(w, r, fmt.Errorf("%w: %v", domain.ErrInternal, err))
		return
	}

	unsubLog := s.subscriber.OnLog(ctx, projectID, func(issueID, executionID string, entry domain.IssueLogEntry) {
		sse.send("log", map[string]any{"issueId": issueID, "executionId": executionID, "entry": entry})
	})
	defer unsubLog()

	unsubState := s.subscriber.OnState(ctx, projectID, func(issueID, executionID string, state domain.SessionStatus) {
		sse.send("state", map[string]any{"issueId": issueID, "executionId": executionID, "state": state})
	})
	defer unsubState()

	unsubSettled := s.subscriber.OnSettled(ctx, projectID, func(issueID, executionID string, finalStatus domain.SessionStatus) {
		sse.send("done", map[string]any{"issueId": issueID, "executionId": executionID, "finalStatus": finalStatus})
	})
	defer unsubSettled()

	unsubIssue := s.subscriber.OnIssueUpdated(projectID, func(data ports.IssueUpdated) {
		sse.send("issue-updated", data)
	})
	defer unsubIssue()

	unsubChanges := s.subscriber.OnChangesSummary(ctx, projectID, func(summary ports.ChangesSummary) {
		sse.send("changes-summary", summary)
	})
	defer unsubChanges()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.send("heartbeat", map[string]string{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			if !sse.ok() {
				return
			}
		}
	}
}
