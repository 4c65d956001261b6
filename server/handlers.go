package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
	"github.com/WuChenDi/bitk/internal/services"
)

type executeRequest struct {
	EngineType     string                `json:"engineType"`
	Prompt         string                `json:"prompt"`
	DisplayPrompt  string                `json:"displayPrompt"`
	WorkingDir     string                `json:"workingDir"`
	Model          string                `json:"model"`
	PermissionMode domain.PermissionMode `json:"permissionMode"`
}

type followUpRequest struct {
	Prompt         string                `json:"prompt"`
	DisplayPrompt  string                `json:"displayPrompt"`
	WorkingDir     string                `json:"workingDir"`
	Model          string                `json:"model"`
	PermissionMode domain.PermissionMode `json:"permissionMode"`
	BusyAction     services.BusyAction   `json:"busyAction"`
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("%w: request body required", domain.ErrValidation)
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

func (s *Server) handleExecuteIssue(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	err := s.engine.ExecuteIssue(r.Context(), issueID, services.ExecuteParams{
		EngineType:     req.EngineType,
		Prompt:         req.Prompt,
		DisplayPrompt:  req.DisplayPrompt,
		WorkingDir:     req.WorkingDir,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"issueId": issueID})
}

func (s *Server) handleFollowUpIssue(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")
	var req followUpRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.BusyAction == "" {
		req.BusyAction = services.BusyActionQueue
	}
	err := s.engine.FollowUpIssue(r.Context(), issueID, services.FollowUpParams{
		Prompt:         req.Prompt,
		DisplayPrompt:  req.DisplayPrompt,
		WorkingDir:     req.WorkingDir,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
		BusyAction:     req.BusyAction,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"issueId": issueID})
}

func (s *Server) handleCancelIssue(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")
	if err := s.engine.CancelIssue(r.Context(), issueID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"issueId": issueID})
}

func (s *Server) handleRestartIssue(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	err := s.engine.RestartIssue(r.Context(), issueID, services.ExecuteParams{
		EngineType:     req.EngineType,
		Prompt:         req.Prompt,
		DisplayPrompt:  req.DisplayPrompt,
		WorkingDir:     req.WorkingDir,
		Model:          req.Model,
		PermissionMode: req.PermissionMode,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"issueId": issueID})
}

func (s *Server) handleAutoTitle(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")
	if err := s.engine.RequestAutoTitle(r.Context(), issueID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"issueId": issueID})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	issueID := r.PathValue("id")
	q := r.URL.Query()
	devMode := q.Get("devMode") == "true"

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil {
			writeErr(w, r, fmt.Errorf("%w: invalid limit", domain.ErrValidation))
			return
		}
	}

	page, err := s.engine.GetLogs(r.Context(), issueID, devMode, ports.LogQuery{
		Cursor: q.Get("cursor"),
		Before: q.Get("before"),
		Limit:  limit,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeData(w, http.StatusOK, page)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleServiceInfo(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{
		"name":           s.serviceName,
		"runningCount":   s.engine.RunningCount(),
		"concurrencyCap": s.concurrencyCap,
	})
}
