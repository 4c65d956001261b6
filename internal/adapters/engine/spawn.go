package engine

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/WuChenDi/bitk/internal/config"
	"github.com/WuChenDi/bitk/internal/ports"
)

// spawnCommand starts name(args...) in dir with an allow-listed
// environment, wiring stdout/stderr pipes and an exited channel the way
// every adapter's Spawn/SpawnFollowUp needs. Common to all process-backed
// adapters so each one only has to build the argv.
func spawnCommand(ctx context.Context, name, dir string, args []string, envOverrides map[string]string) (*ports.SpawnedProcess, *exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = config.SafeEnv(envOverrides)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, wrapSpawnFailed(err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	sp := &ports.SpawnedProcess{
		Stdout: stdout,
		Stderr: stderr,
		Exited: exited,
		Cancel: func() error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Signal(interruptSignal())
		},
		Kill: func(_ int) error {
			if cmd.Process == nil {
				return nil
			}
			return cmd.Process.Kill()
		},
	}
	return sp, cmd, nil
}
