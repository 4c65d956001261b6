package engine

import (
	"context"
	"strings"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// EchoAdapter is a deterministic stand-in for a real AI CLI: it spawns a
// shell that echoes the prompt back once and exits 0. Used in place of a
// real engine so the happy-path execute/settle scenario in the test suite
// doesn't depend on an installed AI CLI or network access.
type EchoAdapter struct{}

func NewEchoAdapter() *EchoAdapter { return &EchoAdapter{} }

func (a *EchoAdapter) Name() string { return "echo" }

func (a *EchoAdapter) Availability(ctx context.Context) ports.Availability {
	return ports.Availability{Installed: true, Executable: true, Version: "echo-1", AuthStatus: ports.AuthAuthenticated}
}

func (a *EchoAdapter) Models(ctx context.Context) []ports.Model {
	return []ports.Model{{ID: "echo-default", Name: "Echo", IsDefault: true}}
}

func (a *EchoAdapter) Spawn(ctx context.Context, opts ports.SpawnOptions, env map[string]string) (*ports.SpawnedProcess, error) {
	script := echoScript(opts.Prompt)
	sp, _, err := spawnCommand(ctx, "/bin/sh", opts.WorkingDir, []string{"-c", script}, env)
	return sp, err
}

func (a *EchoAdapter) SpawnFollowUp(ctx context.Context, opts ports.SpawnOptions, env map[string]string) (*ports.SpawnedProcess, error) {
	return a.Spawn(ctx, opts, env)
}

func (a *EchoAdapter) Cancel(ctx context.Context, sp *ports.SpawnedProcess) error {
	return gracefulThenHardKill(ctx, sp)
}

// NormalizeLogLine treats every line as a single assistant message, except
// the sentinel "__DONE__" line which signals turn completion so the engine
// can settle without waiting on process exit races.
func (a *EchoAdapter) NormalizeLogLine(raw string) *domain.NormalizedEntry {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if trimmed == "__DONE__" {
		return &domain.NormalizedEntry{
			EntryType: domain.EntrySystemMessage,
			Content:   "",
			Metadata:  domain.Metadata{"turnCompleted": true, "resultSubtype": "success"},
		}
	}
	return &domain.NormalizedEntry{EntryType: domain.EntryAssistantMessage, Content: trimmed}
}

func echoScript(prompt string) string {
	quoted := strings.ReplaceAll(prompt, "'", "'\\''")
	return "printf '%s\\n' '" + quoted + "'; printf '__DONE__\\n'"
}
