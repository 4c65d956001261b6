package ports

import (
	"context"
	"io"
	"time"

	"github.com/WuChenDi/bitk/internal/domain"
)

// AuthStatus is the credential state an availability probe reports.
type AuthStatus string

const (
	AuthAuthenticated   AuthStatus = "authenticated"
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthUnknown         AuthStatus = "unknown"
)

// Availability is the result of probing whether an AI CLI is installed,
// executable, and authenticated. Probes must complete within a hard 30s
// bound; longer than that, the adapter must itself return
// {installed:true, executable:false, error:"timeout"}.
type Availability struct {
	Installed  bool
	Executable bool
	Version    string
	AuthStatus AuthStatus
	Error      string
}

// Model is one selectable model for an engine.
type Model struct {
	ID        string
	Name      string
	IsDefault bool
}

// SpawnOptions carries everything needed to start or resume a subprocess.
type SpawnOptions struct {
	Prompt             string
	WorkingDir         string
	Model              string
	PermissionMode     domain.PermissionMode
	ExternalSessionID  string // set on spawnFollowUp when resuming
}

// SpawnedProcess is the live handle an adapter hands back to the engine.
// After return, the engine owns this handle; the adapter must not read
// from or write to it again.
type SpawnedProcess struct {
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
	Exited  <-chan error // resolves exactly once, nil on clean exit
	Cancel  func() error // graceful (soft) cancel
	Kill    func(signal int) error // hard kill
}

// EngineAdapter is the uniform capability surface every per-AI-tool
// adapter exposes.
type EngineAdapter interface {
	Name() string
	Availability(ctx context.Context) Availability
	Models(ctx context.Context) []Model
	Spawn(ctx context.Context, opts SpawnOptions, env map[string]string) (*SpawnedProcess, error)
	SpawnFollowUp(ctx context.Context, opts SpawnOptions, env map[string]string) (*SpawnedProcess, error)
	Cancel(ctx context.Context, sp *SpawnedProcess) error
	// NormalizeLogLine is a pure mapping from a raw textual line to at
	// most one normalized entry. Unrecognized but non-empty lines map to
	// entryType=system-message carrying the raw text.
	NormalizeLogLine(raw string) *domain.NormalizedEntry
}

// CancelGraceDeadline is the hard-kill deadline after a graceful cancel
// request.
const CancelGraceDeadline = 5 * time.Second

// AvailabilityProbeTimeout is the hard outer bound on an availability
// probe.
const AvailabilityProbeTimeout = 30 * time.Second

// AvailabilityCacheTTL is how long a probe result is cached.
const AvailabilityCacheTTL = 10 * time.Minute
