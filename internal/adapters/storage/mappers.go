package storage

import (
	"encoding/json"

	"github.com/WuChenDi/bitk/internal/domain"
)

func issueModelToDomain(m IssueModel) domain.Issue {
	return domain.Issue{
		ID:                m.ID,
		ProjectID:         m.ProjectID,
		Status:            domain.Status(m.Status),
		IssueNumber:       m.IssueNumber,
		Title:             m.Title,
		Priority:          domain.Priority(m.Priority),
		SortOrder:         m.SortOrder,
		ParentIssueID:     m.ParentIssueID,
		UseWorktree:       m.UseWorktree,
		EngineType:        m.EngineType,
		SessionStatus:     domain.SessionStatus(m.SessionStatus),
		Prompt:            m.Prompt,
		ExternalSessionID: m.ExternalSessionID,
		Model:             m.Model,
		BaseCommitHash:    m.BaseCommitHash,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
		IsDeleted:         m.IsDeleted,
	}
}

func domainToIssueModel(i domain.Issue) IssueModel {
	return IssueModel{
		ID:                i.ID,
		ProjectID:         i.ProjectID,
		Status:            string(i.Status),
		IssueNumber:       i.IssueNumber,
		Title:             i.Title,
		Priority:          string(i.Priority),
		SortOrder:         i.SortOrder,
		ParentIssueID:     i.ParentIssueID,
		UseWorktree:       i.UseWorktree,
		EngineType:        i.EngineType,
		SessionStatus:     string(i.SessionStatus),
		Prompt:            i.Prompt,
		ExternalSessionID: i.ExternalSessionID,
		Model:             i.Model,
		BaseCommitHash:    i.BaseCommitHash,
		IsDeleted:         i.IsDeleted,
	}
}

func logModelToDomain(m IssueLogModel) domain.IssueLogEntry {
	meta := domain.Metadata{}
	if m.Metadata != "" {
		_ = json.Unmarshal([]byte(m.Metadata), &meta)
	}

	var toolAction *domain.ToolAction
	if m.ToolAction != "" {
		var ta domain.ToolAction
		if err := json.Unmarshal([]byte(m.ToolAction), &ta); err == nil {
			toolAction = &ta
		}
	}

	return domain.IssueLogEntry{
		ID:               m.ID,
		IssueID:          m.IssueID,
		TurnIndex:        m.TurnIndex,
		EntryIndex:       m.EntryIndex,
		EntryType:        domain.EntryType(m.EntryType),
		Content:          m.Content,
		Metadata:         meta,
		ToolAction:       toolAction,
		ReplyToMessageID: m.ReplyToMessageID,
		Timestamp:        m.Timestamp,
		Visible:          m.Visible,
		CreatedAt:        m.CreatedAt,
	}
}

func domainToLogModel(e domain.IssueLogEntry) (IssueLogModel, error) {
	metaJSON := "{}"
	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return IssueLogModel{}, err
		}
		metaJSON = string(raw)
	}

	toolActionJSON := ""
	if e.ToolAction != nil {
		raw, err := json.Marshal(e.ToolAction)
		if err != nil {
			return IssueLogModel{}, err
		}
		toolActionJSON = string(raw)
	}

	return IssueLogModel{
		ID:               e.ID,
		IssueID:          e.IssueID,
		TurnIndex:        e.TurnIndex,
		EntryIndex:       e.EntryIndex,
		EntryType:        string(e.EntryType),
		Content:          e.Content,
		Metadata:         metaJSON,
		ToolAction:       toolActionJSON,
		ReplyToMessageID: e.ReplyToMessageID,
		Timestamp:        e.Timestamp,
		Visible:          e.Visible,
	}, nil
}

func projectModelToDomain(m ProjectModel) domain.Project {
	return domain.Project{
		ID:            m.ID,
		Name:          m.Name,
		Alias:         m.Alias,
		Description:   m.Description,
		Directory:     m.Directory,
		RepositoryURL: m.RepositoryURL,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		IsDeleted:     m.IsDeleted,
	}
}
