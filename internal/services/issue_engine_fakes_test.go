package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// Hand-written fakes for the issue engine's dependencies, following the
// same rationale recorded in project_cache_test.go: mockery's codegen is
// never invoked by this build, so ports are faked by hand.

type fakeIssueRepo struct {
	mu     sync.Mutex
	issues map[string]*domain.Issue
}

func newFakeIssueRepo() *fakeIssueRepo {
	return &fakeIssueRepo{issues: map[string]*domain.Issue{}}
}

func (r *fakeIssueRepo) Get(ctx context.Context, id string) (*domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	issue, ok := r.issues[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *issue
	return &cp, nil
}

func (r *fakeIssueRepo) List(ctx context.Context, projectID string, includeDeleted bool) ([]domain.Issue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Issue
	for _, i := range r.issues {
		if i.ProjectID != projectID {
			continue
		}
		if i.IsDeleted && !includeDeleted {
			continue
		}
		out = append(out, *i)
	}
	return out, nil
}

func (r *fakeIssueRepo) Add(ctx context.Context, issue *domain.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *issue
	r.issues[issue.ID] = &cp
	return nil
}

func (r *fakeIssueRepo) Update(ctx context.Context, issue *domain.Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *issue
	r.issues[issue.ID] = &cp
	return nil
}

func (r *fakeIssueRepo) SoftDelete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.issues[id]; ok {
		i.IsDeleted = true
	}
	return nil
}

func (r *fakeIssueRepo) NextIssueNumber(ctx context.Context, projectID string) (int, error) {
	return 1, nil
}

func (r *fakeIssueRepo) NextSortOrder(ctx context.Context, projectID string, status domain.Status) (int, error) {
	return 1, nil
}

func (r *fakeIssueRepo) UpdateSessionStatus(ctx context.Context, issueID string, status domain.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.issues[issueID]; ok {
		i.SessionStatus = status
	}
	return nil
}

func (r *fakeIssueRepo) UpdateExternalSessionID(ctx context.Context, issueID, externalSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.issues[issueID]; ok {
		i.ExternalSessionID = externalSessionID
	}
	return nil
}

func (r *fakeIssueRepo) ClearExternalSessionID(ctx context.Context, issueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.issues[issueID]; ok {
		i.ExternalSessionID = ""
	}
	return nil
}

func (r *fakeIssueRepo) UpdateStatus(ctx context.Context, issueID string, status domain.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.issues[issueID]; ok {
		i.Status = status
	}
	return nil
}

func (r *fakeIssueRepo) UpdateTitle(ctx context.Context, issueID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.issues[issueID]; ok {
		i.Title = title
	}
	return nil
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []domain.IssueLogEntry
	seq     int
}

func newFakeLogRepo() *fakeLogRepo { return &fakeLogRepo{} }

func (r *fakeLogRepo) Append(ctx context.Context, entry domain.IssueLogEntry) (domain.IssueLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	maxIdx := -1
	for _, e := range r.entries {
		if e.IssueID == entry.IssueID && e.TurnIndex == entry.TurnIndex && e.EntryIndex > maxIdx {
			maxIdx = e.EntryIndex
		}
	}
	entry.EntryIndex = maxIdx + 1
	r.seq++
	entry.ID = fmt.Sprintf("log-%d", r.seq)
	r.entries = append(r.entries, entry)
	return entry, nil
}

func (r *fakeLogRepo) GetPage(ctx context.Context, issueID string, q ports.LogQuery) (ports.LogPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []domain.IssueLogEntry
	for _, e := range r.entries {
		if e.IssueID == issueID {
			all = append(all, e)
		}
	}
	return ports.LogPage{Entries: all}, nil
}

func (r *fakeLogRepo) PendingVisible(ctx context.Context, issueID string) ([]domain.IssueLogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.IssueLogEntry
	for _, e := range r.entries {
		if e.IssueID == issueID && e.Visible && e.IsPendingUserMessage() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeLogRepo) MarkDispatched(ctx context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	for i := range r.entries {
		if idSet[r.entries[i].ID] {
			r.entries[i].Visible = false
		}
	}
	return nil
}

type fakeRegistry struct {
	adapters map[string]ports.EngineAdapter
}

func (r *fakeRegistry) Get(engineType string) (ports.EngineAdapter, error) {
	a, ok := r.adapters[engineType]
	if !ok {
		return nil, domain.ErrValidation
	}
	return a, nil
}

// spawnHandle is one fakeAdapter.Spawn/SpawnFollowUp invocation, letting
// a test drive a subprocess's stdout and exit by hand.
type spawnHandle struct {
	opts   ports.SpawnOptions
	stdin  io.WriteCloser
	exited chan error
}

// fakeAdapter is a hand-written ports.EngineAdapter: "DONE" lines signal
// turn completion, anything prefixed "ERRORLINE:" becomes an
// error-message entry, "USAGE" carries a fixed token reading alongside
// its assistant text, everything else becomes an assistant-message.
type fakeAdapter struct {
	mu     sync.Mutex
	spawns []*spawnHandle
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{} }

func (f *fakeAdapter) Name() string { return "echo" }

func (f *fakeAdapter) Availability(ctx context.Context) ports.Availability {
	return ports.Availability{Installed: true, Executable: true, AuthStatus: ports.AuthAuthenticated}
}

func (f *fakeAdapter) Models(ctx context.Context) []ports.Model { return nil }

func (f *fakeAdapter) Spawn(ctx context.Context, opts ports.SpawnOptions, env map[string]string) (*ports.SpawnedProcess, error) {
	return f.spawn(opts), nil
}

func (f *fakeAdapter) SpawnFollowUp(ctx context.Context, opts ports.SpawnOptions, env map[string]string) (*ports.SpawnedProcess, error) {
	return f.spawn(opts), nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, sp *ports.SpawnedProcess) error {
	return sp.Cancel()
}

func (f *fakeAdapter) NormalizeLogLine(raw string) *domain.NormalizedEntry {
	switch {
	case raw == "DONE":
		return &domain.NormalizedEntry{EntryType: domain.EntrySystemMessage, Content: "done", Metadata: domain.Metadata{"turnCompleted": true}}
	case strings.HasPrefix(raw, "ERRORLINE:"):
		return &domain.NormalizedEntry{EntryType: domain.EntryErrorMessage, Content: strings.TrimPrefix(raw, "ERRORLINE:")}
	case raw == "USAGE":
		return &domain.NormalizedEntry{
			EntryType: domain.EntryAssistantMessage,
			Content:   "usage-bearing reply",
			Usage:     &domain.TokenUsage{InputTokens: 10, OutputTokens: 20},
		}
	default:
		return &domain.NormalizedEntry{EntryType: domain.EntryAssistantMessage, Content: raw}
	}
}

func (f *fakeAdapter) spawn(opts ports.SpawnOptions) *ports.SpawnedProcess {
	pr, pw := io.Pipe()
	exited := make(chan error, 1)
	h := &spawnHandle{opts: opts, stdin: pw, exited: exited}

	sp := &ports.SpawnedProcess{
		Stdout: pr,
		Stderr: io.NopCloser(strings.NewReader("")),
		Exited: exited,
		Cancel: func() error {
			select {
			case exited <- nil:
			default:
			}
			return nil
		},
		Kill: func(int) error { return nil },
	}

	f.mu.Lock()
	f.spawns = append(f.spawns, h)
	f.mu.Unlock()
	return sp
}

func (f *fakeAdapter) last() *spawnHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns[len(f.spawns)-1]
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawns)
}
