package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/WuChenDi/bitk/internal/adapters/stream"
	"github.com/WuChenDi/bitk/internal/config"
	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// BusyAction controls how FollowUpIssue behaves when a process is
// already running for the issue.
type BusyAction string

const (
	BusyActionQueue  BusyAction = "queue"
	BusyActionCancel BusyAction = "cancel"
)

// defaultConcurrencyCap is the default cap on simultaneously-running
// processes across all issues.
const defaultConcurrencyCap = 4

const defaultLogPageLimit = 50

// cancellationNoise is the fixed list of substrings suppressed from
// emitted events after a user cancellation.
var cancellationNoise = []string{
	"request was aborted",
	"request interrupted by user",
	"rust analyzer lsp crashed",
	"rust-analyzer-lsp",
}

const autoTitlePrompt = "[SYSTEM TASK] Generate a short title for this conversation.\n" +
	"Reply with nothing but the title, wrapped exactly like this: <bitk><title>Your Title Here</title></bitk>"

// EngineRegistry is the subset of engine.Registry the issue engine
// depends on. Declared locally so tests can fake engine lookups without
// constructing real adapters.
type EngineRegistry interface {
	Get(engineType string) (ports.EngineAdapter, error)
}

// ExecuteParams carries executeIssue's per-call inputs.
type ExecuteParams struct {
	EngineType     string
	Prompt         string
	DisplayPrompt  string
	WorkingDir     string
	Model          string
	PermissionMode domain.PermissionMode
}

// FollowUpParams carries followUpIssue's per-call inputs.
type FollowUpParams struct {
	Prompt         string
	DisplayPrompt  string
	WorkingDir     string
	Model          string
	PermissionMode domain.PermissionMode
	BusyAction     BusyAction
}

// IssueEngine is the per-issue lifecycle controller. It is the sole
// owner of every managedProcess, keyed by issue id, and the
// only component that mutates the process table. All operations on a
// given issue serialize through that issue's lock so a client observing
// state transitions never sees them reordered.
type IssueEngine struct {
	issues   ports.IssueRepository
	logs     ports.LogRepository
	events   ports.EventBus
	registry EngineRegistry
	clock    ports.Clock

	concurrencyCap int
	workspaceRoot  string

	mu         sync.Mutex
	processes  map[string]*managedProcess
	issueLocks map[string]*sync.Mutex
	running    int
}

// NewIssueEngine wires the engine against its durable stores and the
// engine registry. workspaceRoot is the containment boundary enforced
// against every spawn's working directory; a root of "/" disables the
// check.
func NewIssueEngine(issues ports.IssueRepository, logs ports.LogRepository, events ports.EventBus, registry EngineRegistry, clock ports.Clock, concurrencyCap int, workspaceRoot string) *IssueEngine {
	if concurrencyCap <= 0 {
		concurrencyCap = defaultConcurrencyCap
	}
	return &IssueEngine{
		issues:         issues,
		logs:           logs,
		events:         events,
		registry:       registry,
		clock:          clock,
		concurrencyCap: concurrencyCap,
		workspaceRoot:  workspaceRoot,
		processes:      make(map[string]*managedProcess),
		issueLocks:     make(map[string]*sync.Mutex),
	}
}

func (e *IssueEngine) issueLock(issueID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.issueLocks[issueID]
	if !ok {
		l = &sync.Mutex{}
		e.issueLocks[issueID] = l
	}
	return l
}

// RunningCount reports the current number of processes occupying the
// concurrency cap. Exposed for tests and admin introspection.
func (e *IssueEngine) RunningCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ExecuteIssue starts a fresh execution for issueID.
func (e *IssueEngine) ExecuteIssue(ctx context.Context, issueID string, params ExecuteParams) error {
	lock := e.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	issue, err := e.issues.Get(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.IsDeleted {
		return fmt.Errorf("%w: issue %s is deleted", domain.ErrNotFound, issueID)
	}
	if !issue.CanExecuteFresh() {
		return fmt.Errorf("%w: issue %s in status %s cannot be executed directly", domain.ErrValidation, issueID, issue.Status)
	}

	e.mu.Lock()
	if _, busy := e.processes[issueID]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: issue %s already has an active execution", domain.ErrBusy, issueID)
	}
	if e.running >= e.concurrencyCap {
		e.mu.Unlock()
		return fmt.Errorf("%w: concurrency cap reached", domain.ErrBusy)
	}
	// Hold a slot until spawn has counted the new process itself, so
	// concurrent executions on other issues cannot all pass the cap check.
	e.running++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	adapter, err := e.registry.Get(params.EngineType)
	if err != nil {
		return err
	}

	if issue.Status == domain.StatusReview {
		if err := e.issues.UpdateStatus(ctx, issueID, domain.StatusWorking); err != nil {
			return err
		}
	}

	if params.EngineType == "" {
		params.EngineType = issue.EngineType
	}

	_, err = e.spawn(ctx, issue, adapter, params, false, 0)
	return err
}

// FollowUpIssue sends prompt to issueID's conversation, either spawning a
// fresh continuity-preserving execution (no active process) or queueing /
// cancelling against the active one.
func (e *IssueEngine) FollowUpIssue(ctx context.Context, issueID string, params FollowUpParams) error {
	lock := e.issueLock(issueID)
	lock.Lock()

	e.mu.Lock()
	proc, active := e.processes[issueID]
	e.mu.Unlock()

	if !active {
		defer lock.Unlock()
		return e.spawnFollowUpFresh(ctx, issueID, params)
	}

	if params.BusyAction == BusyActionCancel {
		lock.Unlock()
		if err := e.CancelIssue(ctx, issueID); err != nil {
			return err
		}
		e.awaitExit(proc)
		retry := params
		retry.BusyAction = BusyActionQueue
		return e.FollowUpIssue(ctx, issueID, retry)
	}

	defer lock.Unlock()
	return e.queuePending(ctx, proc, params)
}

func (e *IssueEngine) spawnFollowUpFresh(ctx context.Context, issueID string, params FollowUpParams) error {
	issue, err := e.issues.Get(ctx, issueID)
	if err != nil {
		return err
	}
	if issue.IsDeleted {
		return fmt.Errorf("%w: issue %s is deleted", domain.ErrNotFound, issueID)
	}

	adapter, err := e.registry.Get(issue.EngineType)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.running >= e.concurrencyCap {
		e.mu.Unlock()
		return fmt.Errorf("%w: concurrency cap reached", domain.ErrBusy)
	}
	e.mu.Unlock()

	model := params.Model
	if model == "" {
		model = issue.Model
	}
	permissionMode := params.PermissionMode
	if permissionMode == "" {
		permissionMode = domain.PermissionSupervised
	}
	displayPrompt := params.DisplayPrompt
	if displayPrompt == "" {
		displayPrompt = params.Prompt
	}

	if issue.Status == domain.StatusReview {
		if err := e.issues.UpdateStatus(ctx, issueID, domain.StatusWorking); err != nil {
			return err
		}
	}

	_, err = e.spawn(ctx, issue, adapter, ExecuteParams{
		EngineType:     issue.EngineType,
		Prompt:         params.Prompt,
		DisplayPrompt:  displayPrompt,
		WorkingDir:     params.WorkingDir,
		Model:          model,
		PermissionMode: permissionMode,
	}, true, 0)
	return err
}

// queuePending appends a durable pending user-message (visible, type
// pending) and mirrors it into proc's in-memory queue. Must be called
// with the issue lock held.
func (e *IssueEngine) queuePending(ctx context.Context, proc *managedProcess, params FollowUpParams) error {
	displayPrompt := params.DisplayPrompt
	if displayPrompt == "" {
		displayPrompt = params.Prompt
	}

	meta := domain.Metadata{"type": "pending"}
	meta = meta.SetPending(true)

	entry := domain.IssueLogEntry{
		IssueID:   proc.issueID,
		TurnIndex: proc.turnIndex,
		EntryType: domain.EntryUserMessage,
		Content:   displayPrompt,
		Metadata:  meta,
		Visible:   true,
	}
	saved, err := e.logs.Append(ctx, entry)
	if err != nil {
		return err
	}
	e.events.PublishLog(proc.issueID, proc.executionID, saved)

	proc.enqueuePending(domain.PendingInput{
		EntryID:       saved.ID,
		Prompt:        params.Prompt,
		DisplayPrompt: displayPrompt,
		Model:         params.Model,
	})
	return nil
}

// RestartIssue drops any queued pending without sending it, then spawns a
// fresh execution. Used to recover from session-id errors.
func (e *IssueEngine) RestartIssue(ctx context.Context, issueID string, params ExecuteParams) error {
	lock := e.issueLock(issueID)
	e.mu.Lock()
	proc, active := e.processes[issueID]
	e.mu.Unlock()

	if active {
		lock.Lock()
		ids := make([]string, 0, len(proc.pendingInputs))
		for _, in := range proc.pendingInputs {
			if in.EntryID != "" {
				ids = append(ids, in.EntryID)
			}
		}
		proc.pendingInputs = nil
		lock.Unlock()
		if len(ids) > 0 {
			_ = e.logs.MarkDispatched(ctx, ids)
		}
		if err := e.CancelIssue(ctx, issueID); err != nil {
			return err
		}
		e.awaitExit(proc)
	} else {
		if pending, err := e.logs.PendingVisible(ctx, issueID); err == nil && len(pending) > 0 {
			ids := make([]string, 0, len(pending))
			for _, p := range pending {
				ids = append(ids, p.ID)
			}
			_ = e.logs.MarkDispatched(ctx, ids)
		}
	}

	return e.ExecuteIssue(ctx, issueID, params)
}

// CancelIssue requests a graceful cancel of issueID's active process; the
// adapter itself arms the hard-kill deadline.
func (e *IssueEngine) CancelIssue(ctx context.Context, issueID string) error {
	lock := e.issueLock(issueID)
	lock.Lock()

	e.mu.Lock()
	proc, active := e.processes[issueID]
	e.mu.Unlock()
	if !active {
		lock.Unlock()
		return fmt.Errorf("%w: issue %s has no active execution", domain.ErrNotFound, issueID)
	}
	proc.cancelledByUser = true
	proc.state = domain.ProcessTerminating
	adapter := proc.adapter
	sp := proc.sp
	lock.Unlock()

	return adapter.Cancel(ctx, sp)
}

// awaitExit busy-polls (via the injected clock, so tests stay
// deterministic) until proc is no longer the active process for its
// issue. Used after CancelIssue so a subsequent respawn doesn't race the
// old process's exit.
func (e *IssueEngine) awaitExit(proc *managedProcess) {
	for {
		e.mu.Lock()
		current, stillActive := e.processes[proc.issueID]
		e.mu.Unlock()
		if !stillActive || current != proc {
			return
		}
		<-e.clock.After(20 * time.Millisecond)
	}
}

// GetLogs is the paginated log reader. devMode=false hides meta-turn
// entries (metadata.type=system); since that filtering happens
// after the page is fetched, it overfetches by 2x and trims back down to
// the requested limit to avoid short pages.
func (e *IssueEngine) GetLogs(ctx context.Context, issueID string, devMode bool, q ports.LogQuery) (ports.LogPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLogPageLimit
	}

	fetchLimit := limit
	if !devMode {
		fetchLimit = limit * 2
	}

	page, err := e.logs.GetPage(ctx, issueID, ports.LogQuery{Cursor: q.Cursor, Before: q.Before, Limit: fetchLimit})
	if err != nil {
		return ports.LogPage{}, err
	}
	if devMode {
		return page, nil
	}

	filtered := make([]domain.IssueLogEntry, 0, len(page.Entries))
	for _, entry := range page.Entries {
		if entry.Metadata.IsSystemType() {
			continue
		}
		filtered = append(filtered, entry)
	}

	trimmed := filtered
	surplus := false
	if len(filtered) > limit {
		surplus = true
		if q.Cursor != "" {
			trimmed = filtered[:limit]
		} else {
			trimmed = filtered[len(filtered)-limit:]
		}
	}

	nextCursor := page.NextCursor
	if len(trimmed) > 0 {
		if q.Cursor != "" {
			nextCursor = trimmed[len(trimmed)-1].ID
		} else {
			nextCursor = trimmed[0].ID
		}
	}

	return ports.LogPage{
		Entries:    trimmed,
		HasMore:    surplus || page.HasMore,
		NextCursor: nextCursor,
	}, nil
}

// RequestAutoTitle spawns a meta-turn asking the engine for a short title
// and, once the turn settles, extracts and applies it. Fails with busy
// if a turn is already active.
func (e *IssueEngine) RequestAutoTitle(ctx context.Context, issueID string) error {
	lock := e.issueLock(issueID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	_, active := e.processes[issueID]
	e.mu.Unlock()
	if active {
		return fmt.Errorf("%w: issue %s is busy", domain.ErrBusy, issueID)
	}

	issue, err := e.issues.Get(ctx, issueID)
	if err != nil {
		return err
	}
	adapter, err := e.registry.Get(issue.EngineType)
	if err != nil {
		return err
	}

	proc, err := e.spawn(ctx, issue, adapter, ExecuteParams{
		EngineType:     issue.EngineType,
		Prompt:         autoTitlePrompt,
		DisplayPrompt:  autoTitlePrompt,
		Model:          issue.Model,
		PermissionMode: domain.PermissionSupervised,
	}, true, 0)
	if err != nil {
		return err
	}
	proc.metaTurn = true
	return nil
}

// spawn starts a subprocess via the adapter (follow-up continuity when
// followUp=true), registers the resulting managedProcess as the active
// one for the issue, persists and publishes the triggering user-message,
// and kicks off its stream consumers. Must be called with the issue lock
// held.
func (e *IssueEngine) spawn(ctx context.Context, issue *domain.Issue, adapter ports.EngineAdapter, params ExecuteParams, followUp bool, startTurnIndex int) (*managedProcess, error) {
	if params.WorkingDir != "" {
		if err := config.WithinWorkspaceRoot(e.workspaceRoot, params.WorkingDir); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrForbidden, err)
		}
	}

	opts := ports.SpawnOptions{
		Prompt:         params.Prompt,
		WorkingDir:     params.WorkingDir,
		Model:          params.Model,
		PermissionMode: params.PermissionMode,
	}
	if followUp {
		opts.ExternalSessionID = issue.ExternalSessionID
	}

	env := map[string]string{}

	var sp *ports.SpawnedProcess
	var err error
	if followUp {
		sp, err = adapter.SpawnFollowUp(ctx, opts, env)
	} else {
		sp, err = adapter.Spawn(ctx, opts, env)
	}
	if err != nil {
		_ = e.issues.UpdateSessionStatus(ctx, issue.ID, domain.SessionFailed)
		e.events.PublishState(issue.ID, "", domain.SessionFailed)
		return nil, fmt.Errorf("%w: %v", domain.ErrSpawnFailed, err)
	}

	executionID := uuid.NewString()
	proc := newManagedProcess(executionID, issue.ID, sp)
	proc.state = domain.ProcessRunning
	proc.turnInFlight = true
	proc.turnIndex = startTurnIndex
	proc.adapter = adapter
	proc.engineType = params.EngineType
	if proc.engineType == "" {
		proc.engineType = issue.EngineType
	}
	proc.workingDir = params.WorkingDir
	proc.model = params.Model
	proc.permissionMode = params.PermissionMode

	e.mu.Lock()
	e.processes[issue.ID] = proc
	e.running++
	e.mu.Unlock()

	displayPrompt := params.DisplayPrompt
	if displayPrompt == "" {
		displayPrompt = params.Prompt
	}
	entry := domain.IssueLogEntry{
		IssueID:   issue.ID,
		TurnIndex: proc.turnIndex,
		EntryType: domain.EntryUserMessage,
		Content:   displayPrompt,
		Visible:   true,
	}
	if saved, err := e.logs.Append(ctx, entry); err == nil {
		e.events.PublishLog(issue.ID, executionID, saved)
	}

	_ = e.issues.UpdateSessionStatus(ctx, issue.ID, domain.SessionRunning)
	e.events.PublishState(issue.ID, executionID, domain.SessionRunning)

	e.startConsumers(adapter, proc)
	return proc, nil
}

func (e *IssueEngine) startConsumers(adapter ports.EngineAdapter, proc *managedProcess) {
	ctx := context.Background()

	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		defer proc.sp.Stdout.Close()
		_ = stream.Normalize(proc.sp.Stdout, adapter.NormalizeLogLine, func(entry domain.NormalizedEntry) {
			e.handleNormalizedEntry(ctx, proc, entry)
		})
	}()

	go func() {
		defer proc.sp.Stderr.Close()
		_ = stream.StderrToErrorEntries(proc.sp.Stderr, func(entry domain.NormalizedEntry) {
			e.handleNormalizedEntry(ctx, proc, entry)
		})
	}()

	go func() {
		exitErr := <-proc.sp.Exited
		// Give the stdout consumer a short grace period to finish the lines
		// the process wrote before exiting, so a turn-completion signal
		// already in the pipe is handled before exit handling runs.
		const exitDrainGrace = time.Second
		select {
		case <-stdoutDone:
		case <-time.After(exitDrainGrace):
		}
		e.handleExit(ctx, proc, exitErr)
	}()
}

func (e *IssueEngine) handleNormalizedEntry(ctx context.Context, proc *managedProcess, entry domain.NormalizedEntry) {
	lock := e.issueLock(proc.issueID)
	lock.Lock()
	defer lock.Unlock()

	if proc.cancelledByUser && isCancellationNoise(entry) {
		if isTurnCompletionSignal(entry) {
			e.completeTurn(ctx, proc)
		}
		return
	}

	meta := entry.Metadata
	if proc.metaTurn {
		if meta == nil {
			meta = domain.Metadata{}
		}
		meta = meta.SetSystemType()
	}

	switch entry.EntryType {
	case domain.EntryAssistantMessage:
		proc.hasAssistantOutput = true
		proc.lastAssistantContent = entry.Content
	case domain.EntryErrorMessage:
		proc.logicalFailure = true
		proc.failureReason = entry.Content
	}

	persisted := domain.IssueLogEntry{
		IssueID:    proc.issueID,
		TurnIndex:  proc.turnIndex,
		EntryType:  entry.EntryType,
		Content:    entry.Content,
		Metadata:   meta,
		ToolAction: entry.ToolAction,
		Timestamp:  entry.Timestamp,
		Visible:    true,
	}
	saved, err := e.logs.Append(ctx, persisted)
	if err != nil {
		return
	}
	proc.pushLog(saved)
	e.events.PublishLog(proc.issueID, proc.executionID, saved)

	if entry.Usage != nil {
		e.recordTokenUsage(ctx, proc, entry.Usage)
	}

	if isTurnCompletionSignal(entry) {
		e.completeTurn(ctx, proc)
	}
}

// recordTokenUsage persists entry.Usage as its own entryType=token-usage
// log entry, alongside (not instead of) the content entry it rode in on.
func (e *IssueEngine) recordTokenUsage(ctx context.Context, proc *managedProcess, usage *domain.TokenUsage) {
	meta := domain.Metadata{
		"inputTokens":  usage.InputTokens,
		"outputTokens": usage.OutputTokens,
	}
	if usage.CacheCreationInputTokens > 0 {
		meta["cacheCreationInputTokens"] = usage.CacheCreationInputTokens
	}
	if usage.CacheReadInputTokens > 0 {
		meta["cacheReadInputTokens"] = usage.CacheReadInputTokens
	}

	persisted := domain.IssueLogEntry{
		IssueID:   proc.issueID,
		TurnIndex: proc.turnIndex,
		EntryType: domain.EntryTokenUsage,
		Metadata:  meta,
		Visible:   true,
	}
	saved, err := e.logs.Append(ctx, persisted)
	if err != nil {
		return
	}
	proc.pushLog(saved)
	e.events.PublishLog(proc.issueID, proc.executionID, saved)
}

// completeTurn runs on a recognized turn-completion signal. If there are
// pending inputs queued in memory, they're merged and sent as the next
// turn through a newly spawned follow-up process with its own execution
// id; nothing is written to the running process. Otherwise the turn (and
// likely the execution) settles.
func (e *IssueEngine) completeTurn(ctx context.Context, proc *managedProcess) {
	proc.turnInFlight = false

	if prompt, model, entryIDs, ok := proc.drainPending(); ok {
		if model != "" {
			proc.model = model
		}
		e.dispatchFollowUpTurn(ctx, proc, prompt, proc.turnIndex+1)
		if len(entryIDs) > 0 {
			_ = e.logs.MarkDispatched(ctx, entryIDs)
		}
		return
	}

	e.settle(ctx, proc)
}

// dispatchFollowUpTurn spawns a follow-up process (under a new execution
// id) for the next turn, reusing the adapter, engine type, working dir and
// model recorded on proc and the issue's stored externalSessionId. If the
// respawn itself fails, the execution settles as failed.
func (e *IssueEngine) dispatchFollowUpTurn(ctx context.Context, proc *managedProcess, prompt string, nextTurnIndex int) {
	issue, err := e.issues.Get(ctx, proc.issueID)
	if err != nil {
		return
	}
	_, err = e.spawn(ctx, issue, proc.adapter, ExecuteParams{
		EngineType:     proc.engineType,
		Prompt:         prompt,
		DisplayPrompt:  prompt,
		WorkingDir:     proc.workingDir,
		Model:          proc.model,
		PermissionMode: proc.permissionMode,
	}, true, nextTurnIndex)
	if err != nil {
		proc.logicalFailure = true
		proc.failureReason = err.Error()
		e.settle(ctx, proc)
	}
}

// settle runs the post-turn sequence: compute the final status, emit it,
// flush durable pending messages as a follow-up,
// re-check whether a follow-up already reactivated the issue, auto-move
// working issues to review, then emit issue-settled. Guarded by
// proc.settled so it only ever runs once per execution.
func (e *IssueEngine) settle(ctx context.Context, proc *managedProcess) {
	if proc.settled {
		return
	}
	proc.settled = true

	finalStatus := domain.SessionCompleted
	if proc.logicalFailure {
		finalStatus = domain.SessionFailed
	}

	_ = e.issues.UpdateSessionStatus(ctx, proc.issueID, finalStatus)
	e.events.PublishState(proc.issueID, proc.executionID, finalStatus)

	if proc.metaTurn {
		if title := extractTitle(proc.lastAssistantContent); title != "" {
			_ = e.issues.UpdateTitle(ctx, proc.issueID, title)
		}
	}

	if finalStatus == domain.SessionFailed && !proc.hasAssistantOutput && sessionErrorReason(proc.failureReason) {
		_ = e.issues.ClearExternalSessionID(ctx, proc.issueID)
	}

	if pending, err := e.logs.PendingVisible(ctx, proc.issueID); err == nil && len(pending) > 0 {
		e.dispatchDurablePending(ctx, proc, pending)
	}

	issue, err := e.issues.Get(ctx, proc.issueID)
	if err != nil {
		return
	}
	if issue.SessionStatus != finalStatus {
		// A follow-up (queued or the pending flush above) reactivated the
		// session before settlement landed here; don't emit settled.
		return
	}

	if issue.Status == domain.StatusWorking {
		_ = e.issues.UpdateStatus(ctx, proc.issueID, domain.StatusReview)
	}

	e.events.PublishSettled(proc.issueID, proc.executionID, finalStatus)
}

// dispatchDurablePending merges durable pending messages that survived
// independently of proc's in-memory queue (e.g. left over from before a
// restart) into one follow-up prompt and spawns it; on success the
// entries are marked dispatched.
func (e *IssueEngine) dispatchDurablePending(ctx context.Context, proc *managedProcess, pending []domain.IssueLogEntry) {
	prompts := make([]string, 0, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		prompts = append(prompts, p.Content)
		ids = append(ids, p.ID)
	}
	merged := strings.Join(prompts, "\n\n")

	issue, err := e.issues.Get(ctx, proc.issueID)
	if err != nil {
		return
	}
	if _, err := e.spawn(ctx, issue, proc.adapter, ExecuteParams{
		EngineType:     proc.engineType,
		Prompt:         merged,
		DisplayPrompt:  merged,
		WorkingDir:     proc.workingDir,
		Model:          proc.model,
		PermissionMode: proc.permissionMode,
	}, true, 0); err != nil {
		return
	}
	_ = e.logs.MarkDispatched(ctx, ids)
}

func (e *IssueEngine) handleExit(ctx context.Context, proc *managedProcess, exitErr error) {
	lock := e.issueLock(proc.issueID)
	lock.Lock()
	defer lock.Unlock()

	proc.state = domain.ProcessExited

	e.mu.Lock()
	e.running--
	isCurrent := e.processes[proc.issueID] == proc
	if isCurrent {
		delete(e.processes, proc.issueID)
	}
	e.mu.Unlock()

	if !isCurrent {
		// A pending-triggered respawn already replaced this execution;
		// its own lifecycle (and eventual settle) governs the issue now.
		return
	}

	if proc.turnInFlight {
		// The process died without ever emitting a recognized
		// turn-completion signal.
		proc.logicalFailure = true
		if proc.failureReason == "" && exitErr != nil {
			proc.failureReason = exitErr.Error()
		}
	}
	e.settle(ctx, proc)
}

// ReconcileStaleSessions moves any issue in projectID that is stuck at
// status=working with a live-looking sessionStatus but no in-memory
// process to review with sessionStatus=failed.
func (e *IssueEngine) ReconcileStaleSessions(ctx context.Context, projectID string) error {
	issues, err := e.issues.List(ctx, projectID, false)
	if err != nil {
		return err
	}

	// Each issue's reconciliation is independent of the others, so the
	// sweep fans out with errgroup; a failure on one issue is swallowed
	// and never aborts the rest of the sweep.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrencyCap)
	for _, issue := range issues {
		issue := issue
		if issue.Status != domain.StatusWorking {
			continue
		}
		if issue.SessionStatus != domain.SessionPending && issue.SessionStatus != domain.SessionRunning {
			continue
		}
		g.Go(func() error {
			e.mu.Lock()
			_, active := e.processes[issue.ID]
			e.mu.Unlock()
			if active {
				return nil
			}
			if err := e.issues.UpdateStatus(gctx, issue.ID, domain.StatusReview); err != nil {
				return nil
			}
			_ = e.issues.UpdateSessionStatus(gctx, issue.ID, domain.SessionFailed)
			return nil
		})
	}
	return g.Wait()
}

// StartPeriodicReconciliation runs ReconcileStaleSessions for projectID
// every interval until ctx is cancelled.
func (e *IssueEngine) StartPeriodicReconciliation(ctx context.Context, projectID string, interval time.Duration) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.clock.After(interval):
				_ = e.ReconcileStaleSessions(ctx, projectID)
			}
		}
	}()
}

func isTurnCompletionSignal(entry domain.NormalizedEntry) bool {
	if entry.Metadata == nil {
		return false
	}
	if entry.Metadata.TurnCompleted() {
		return true
	}
	if entry.Metadata.HasResultSubtype() {
		return true
	}
	if entry.EntryType == domain.EntrySystemMessage {
		if _, ok := entry.Metadata.Duration(); ok {
			return true
		}
	}
	return false
}

func isCancellationNoise(entry domain.NormalizedEntry) bool {
	if entry.Metadata == nil {
		return false
	}
	subtype, ok := entry.Metadata.ResultSubtype()
	if !ok || subtype != "error_during_execution" {
		return false
	}
	lower := strings.ToLower(entry.Content)
	for _, needle := range cancellationNoise {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

func sessionErrorReason(reason string) bool {
	lower := strings.ToLower(reason)
	return strings.Contains(lower, "no conversation found") || strings.Contains(lower, "session")
}
