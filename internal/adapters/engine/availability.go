package engine

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/WuChenDi/bitk/internal/ports"
)

// availabilityCache memoizes Availability for AvailabilityCacheTTL so the
// issue board doesn't shell out on every render.
type availabilityCache struct {
	mu      sync.Mutex
	value   ports.Availability
	checked time.Time
}

func newAvailabilityCache() *availabilityCache {
	return &availabilityCache{}
}

func (c *availabilityCache) get(ctx context.Context, binary string, probeArgs []string) ports.Availability {
	c.mu.Lock()
	if !c.checked.IsZero() && time.Since(c.checked) < ports.AvailabilityCacheTTL {
		v := c.value
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	v := probeBinary(ctx, binary, probeArgs, ports.AvailabilityProbeTimeout)

	c.mu.Lock()
	c.value = v
	c.checked = time.Now()
	c.mu.Unlock()
	return v
}

func probeBinary(ctx context.Context, binary string, probeArgs []string, timeout time.Duration) ports.Availability {
	path, err := exec.LookPath(binary)
	if err != nil {
		return ports.Availability{Installed: false, Executable: false, AuthStatus: ports.AuthUnknown, Error: "not found on PATH"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, path, probeArgs...)
	out, err := cmd.Output()
	if err != nil {
		errMsg := err.Error()
		if probeCtx.Err() == context.DeadlineExceeded {
			errMsg = "timeout"
		}
		return ports.Availability{Installed: true, Executable: false, AuthStatus: ports.AuthUnknown, Error: errMsg}
	}

	return ports.Availability{
		Installed:  true,
		Executable: true,
		Version:    strings.TrimSpace(string(out)),
		AuthStatus: ports.AuthUnknown,
	}
}
