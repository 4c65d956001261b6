package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// ClaudeAdapter drives the "claude" CLI in --print --output-format
// stream-json mode, parsing live stdout lines rather than post-hoc
// transcript files.
type ClaudeAdapter struct {
	binary string
	probe  *availabilityCache
}

func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{binary: "claude", probe: newAvailabilityCache()}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) Availability(ctx context.Context) ports.Availability {
	return a.probe.get(ctx, a.binary, []string{"--version"})
}

func (a *ClaudeAdapter) Models(ctx context.Context) []ports.Model {
	return []ports.Model{
		{ID: "claude-sonnet", Name: "Claude Sonnet", IsDefault: true},
		{ID: "claude-opus", Name: "Claude Opus"},
	}
}

func (a *ClaudeAdapter) Spawn(ctx context.Context, opts ports.SpawnOptions, env map[string]string) (*ports.SpawnedProcess, error) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, "--permission-mode", string(permissionModeFlag(opts.PermissionMode)))
	args = append(args, opts.Prompt)

	sp, _, err := spawnCommand(ctx, a.binary, opts.WorkingDir, args, env)
	return sp, err
}

func (a *ClaudeAdapter) SpawnFollowUp(ctx context.Context, opts ports.SpawnOptions, env map[string]string) (*ports.SpawnedProcess, error) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if opts.ExternalSessionID != "" {
		args = append(args, "--resume", opts.ExternalSessionID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	args = append(args, "--permission-mode", string(permissionModeFlag(opts.PermissionMode)))
	args = append(args, opts.Prompt)

	sp, _, err := spawnCommand(ctx, a.binary, opts.WorkingDir, args, env)
	return sp, err
}

func (a *ClaudeAdapter) Cancel(ctx context.Context, sp *ports.SpawnedProcess) error {
	return gracefulThenHardKill(ctx, sp)
}

// claudeStreamLine is the discriminated shape of one stream-json line.
type claudeStreamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Role    string `json:"role"`
		Content []struct {
			Type  string          `json:"type"`
			Text  string          `json:"text"`
			Name  string          `json:"name,omitempty"`
			Input json.RawMessage `json:"input,omitempty"`
		} `json:"content"`
		Usage *struct {
			CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int `json:"cache_read_input_tokens"`
			InputTokens              int `json:"input_tokens"`
			OutputTokens             int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	SessionID  string  `json:"session_id"`
	DurationMS float64 `json:"duration_ms"`
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result"`
}

func (a *ClaudeAdapter) NormalizeLogLine(raw string) *domain.NormalizedEntry {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var line claudeStreamLine
	if err := json.Unmarshal([]byte(trimmed), &line); err != nil {
		return &domain.NormalizedEntry{EntryType: domain.EntrySystemMessage, Content: trimmed}
	}

	meta := domain.Metadata{}
	if line.SessionID != "" {
		meta["externalSessionId"] = line.SessionID
	}

	switch line.Type {
	case "assistant":
		if line.Message == nil {
			return nil
		}
		var text strings.Builder
		var toolAction *domain.ToolAction
		for _, c := range line.Message.Content {
			switch c.Type {
			case "text":
				text.WriteString(c.Text)
			case "tool_use":
				toolAction = &domain.ToolAction{Kind: domain.ToolActionTool, ToolName: c.Name}
			}
		}
		var usage *domain.TokenUsage
		if line.Message.Usage != nil {
			usage = &domain.TokenUsage{
				InputTokens:              line.Message.Usage.InputTokens,
				OutputTokens:             line.Message.Usage.OutputTokens,
				CacheCreationInputTokens: line.Message.Usage.CacheCreationInputTokens,
				CacheReadInputTokens:     line.Message.Usage.CacheReadInputTokens,
			}
		}
		entryType := domain.EntryAssistantMessage
		if toolAction != nil {
			entryType = domain.EntryToolUse
		}
		return &domain.NormalizedEntry{EntryType: entryType, Content: text.String(), Metadata: meta, ToolAction: toolAction, Usage: usage}

	case "user":
		if line.Message == nil {
			return nil
		}
		var text strings.Builder
		for _, c := range line.Message.Content {
			if c.Type == "text" {
				text.WriteString(c.Text)
			}
		}
		return &domain.NormalizedEntry{EntryType: domain.EntryUserMessage, Content: text.String(), Metadata: meta}

	case "result":
		meta["turnCompleted"] = true
		meta["resultSubtype"] = line.Subtype
		meta["duration"] = line.DurationMS
		content := line.Result
		entryType := domain.EntrySystemMessage
		if line.IsError {
			entryType = domain.EntryErrorMessage
		}
		return &domain.NormalizedEntry{EntryType: entryType, Content: content, Metadata: meta}

	case "system":
		return &domain.NormalizedEntry{EntryType: domain.EntrySystemMessage, Content: trimmed, Metadata: meta}

	default:
		return &domain.NormalizedEntry{EntryType: domain.EntrySystemMessage, Content: trimmed}
	}
}

func permissionModeFlag(mode domain.PermissionMode) domain.PermissionMode {
	if mode == "" {
		return domain.PermissionSupervised
	}
	return mode
}

// gracefulThenHardKill requests a soft cancel, then hard-kills after
// CancelGraceDeadline if the process is still alive.
func gracefulThenHardKill(ctx context.Context, sp *ports.SpawnedProcess) error {
	if sp.Cancel != nil {
		_ = sp.Cancel()
	}

	select {
	case <-sp.Exited:
		return nil
	case <-time.After(ports.CancelGraceDeadline):
		if sp.Kill != nil {
			return sp.Kill(9)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
