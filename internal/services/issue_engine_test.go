package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

func newTestEngine(adapter *fakeAdapter) (*IssueEngine, *fakeIssueRepo, *fakeLogRepo, *InProcessEventBus) {
	issues := newFakeIssueRepo()
	logs := newFakeLogRepo()
	bus := NewInProcessEventBus()
	registry := &fakeRegistry{adapters: map[string]ports.EngineAdapter{"echo": adapter}}
	clock := &fakeClock{now: time.Unix(0, 0)}
	engine := NewIssueEngine(issues, logs, bus, registry, clock, 4, "/")
	return engine, issues, logs, bus
}

// Scenario 1: happy execute.
func TestIssueEngine_HappyExecute_SettlesAndMovesToReview(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, _, bus := newTestEngine(adapter)

	issues.issues["issue-1"] = &domain.Issue{
		ID: "issue-1", ProjectID: "proj-1", Status: domain.StatusWorking,
		EngineType: "echo", SessionStatus: domain.SessionPending,
	}

	settled := make(chan domain.SessionStatus, 1)
	bus.OnSettled(func(issueID, executionID string, finalStatus domain.SessionStatus) {
		settled <- finalStatus
	})

	require.NoError(t, engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "hello"}))

	handle := adapter.last()
	_, err := handle.stdin.Write([]byte("assistant reply\nDONE\n"))
	require.NoError(t, err)
	require.NoError(t, handle.stdin.Close())
	handle.exited <- nil

	select {
	case status := <-settled:
		require.Equal(t, domain.SessionCompleted, status)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for issue-settled")
	}

	issue, err := issues.Get(context.Background(), "issue-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusReview, issue.Status)
	require.Equal(t, domain.SessionCompleted, issue.SessionStatus)
}

// A usage-bearing stream line persists as both its own content entry and
// a companion entryType=token-usage entry, not folded into the content
// entry's metadata.
func TestIssueEngine_UsageBearingLinePersistsCompanionTokenUsageEntry(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, logs, bus := newTestEngine(adapter)

	issues.issues["issue-1"] = &domain.Issue{
		ID: "issue-1", ProjectID: "proj-1", Status: domain.StatusWorking,
		EngineType: "echo", SessionStatus: domain.SessionPending,
	}

	settled := make(chan domain.SessionStatus, 1)
	bus.OnSettled(func(issueID, executionID string, finalStatus domain.SessionStatus) {
		settled <- finalStatus
	})

	require.NoError(t, engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "hello"}))

	handle := adapter.last()
	_, err := handle.stdin.Write([]byte("USAGE\nDONE\n"))
	require.NoError(t, err)
	require.NoError(t, handle.stdin.Close())
	handle.exited <- nil

	select {
	case <-settled:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for issue-settled")
	}

	page, err := logs.GetPage(context.Background(), "issue-1", ports.LogQuery{Limit: 10})
	require.NoError(t, err)

	var sawUsage bool
	for _, e := range page.Entries {
		if e.EntryType != domain.EntryTokenUsage {
			continue
		}
		sawUsage = true
		require.Equal(t, 10, e.Metadata["inputTokens"])
		require.Equal(t, 20, e.Metadata["outputTokens"])
	}
	require.True(t, sawUsage, "expected a distinct token-usage entry alongside the assistant-message entry")
}

// Scenario 2: queue-while-busy.
func TestIssueEngine_FollowUpQueuesWhileBusyThenResendsOnTurnCompletion(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, logs, _ := newTestEngine(adapter)

	issues.issues["issue-1"] = &domain.Issue{ID: "issue-1", ProjectID: "proj-1", Status: domain.StatusWorking, EngineType: "echo"}

	require.NoError(t, engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "hello"}))
	require.Equal(t, 1, adapter.count())

	require.NoError(t, engine.FollowUpIssue(context.Background(), "issue-1", FollowUpParams{Prompt: "more", BusyAction: BusyActionQueue}))

	pending, err := logs.PendingVisible(context.Background(), "issue-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Metadata.IsPendingType())
	require.Equal(t, 1, adapter.count(), "queueing must not spawn a second process")

	first := adapter.last()
	_, err = first.stdin.Write([]byte("DONE\n"))
	require.NoError(t, err)
	require.NoError(t, first.stdin.Close())
	first.exited <- nil

	require.Eventually(t, func() bool {
		return adapter.count() == 2
	}, 2*time.Second, 10*time.Millisecond, "turn completion must resend the merged pending prompt")

	second := adapter.last()
	require.Equal(t, "more", second.opts.Prompt)

	require.Eventually(t, func() bool {
		p, _ := logs.PendingVisible(context.Background(), "issue-1")
		return len(p) == 0
	}, 2*time.Second, 10*time.Millisecond, "pending entry must become invisible once dispatched")
}

// Scenario 3: cancel-and-retry.
func TestIssueEngine_FollowUpCancelThenRetrySpawnsFreshExecution(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, _, _ := newTestEngine(adapter)

	issues.issues["issue-1"] = &domain.Issue{ID: "issue-1", ProjectID: "proj-1", Status: domain.StatusWorking, EngineType: "echo"}

	require.NoError(t, engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "hello"}))
	require.Equal(t, 1, adapter.count())

	require.NoError(t, engine.FollowUpIssue(context.Background(), "issue-1", FollowUpParams{Prompt: "more", BusyAction: BusyActionCancel}))

	require.Eventually(t, func() bool {
		return adapter.count() == 2
	}, 2*time.Second, 10*time.Millisecond, "cancel must be followed by a fresh execution of the follow-up prompt")

	second := adapter.last()
	require.Equal(t, "more", second.opts.Prompt)
}

// Scenario 4: session-id recovery.
func TestIssueEngine_SettleClearsExternalSessionIDOnSessionError(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, _, _ := newTestEngine(adapter)

	issues.issues["issue-1"] = &domain.Issue{
		ID: "issue-1", ProjectID: "proj-1", Status: domain.StatusWorking,
		EngineType: "echo", ExternalSessionID: "sess-123",
	}

	require.NoError(t, engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "hi"}))

	handle := adapter.last()
	_, err := handle.stdin.Write([]byte("ERRORLINE:No conversation found for session\nDONE\n"))
	require.NoError(t, err)
	require.NoError(t, handle.stdin.Close())
	handle.exited <- nil

	require.Eventually(t, func() bool {
		issue, _ := issues.Get(context.Background(), "issue-1")
		return issue.SessionStatus == domain.SessionFailed
	}, 2*time.Second, 10*time.Millisecond)

	issue, err := issues.Get(context.Background(), "issue-1")
	require.NoError(t, err)
	require.Empty(t, issue.ExternalSessionID)
}

// Scenario 5: reconciliation on restart.
func TestIssueEngine_ReconcileStaleSessionsMovesOrphanedWorkingIssueToReview(t *testing.T) {
	engine, issues, _, _ := newTestEngine(newFakeAdapter())

	issues.issues["issue-1"] = &domain.Issue{
		ID: "issue-1", ProjectID: "proj-1", Status: domain.StatusWorking, SessionStatus: domain.SessionRunning,
	}

	require.NoError(t, engine.ReconcileStaleSessions(context.Background(), "proj-1"))

	issue, err := issues.Get(context.Background(), "issue-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusReview, issue.Status)
	require.Equal(t, domain.SessionFailed, issue.SessionStatus)
}

func TestIssueEngine_ExecuteIssueRejectsWhenAlreadyBusy(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, _, _ := newTestEngine(adapter)
	issues.issues["issue-1"] = &domain.Issue{ID: "issue-1", ProjectID: "p1", Status: domain.StatusWorking, EngineType: "echo"}

	require.NoError(t, engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "a"}))
	err := engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "b"})
	require.ErrorIs(t, err, domain.ErrBusy)
}

// Boundary: a process that exits right as its output stream delivers the
// turn-completion signal must still settle exactly once.
func TestIssueEngine_ExitRacingTurnCompletionSettlesExactlyOnce(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, _, bus := newTestEngine(adapter)
	issues.issues["issue-1"] = &domain.Issue{
		ID: "issue-1", ProjectID: "p1", Status: domain.StatusWorking,
		EngineType: "echo", SessionStatus: domain.SessionPending,
	}

	var settledCount int32
	bus.OnSettled(func(issueID, executionID string, finalStatus domain.SessionStatus) {
		atomic.AddInt32(&settledCount, 1)
	})

	require.NoError(t, engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "hello"}))
	handle := adapter.last()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = handle.stdin.Write([]byte("DONE\n"))
		_ = handle.stdin.Close()
	}()
	go func() {
		defer wg.Done()
		handle.exited <- nil
	}()
	wg.Wait()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&settledCount) >= 1
	}, 2*time.Second, 10*time.Millisecond, "settle must fire at least once")

	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&settledCount), "settle must fire exactly once even when exit races turn completion")
	require.Equal(t, 0, engine.RunningCount())
}

// At-most-one-running-process: concurrent ExecuteIssue attempts against
// distinct issues must never push RunningCount past the configured cap.
func TestIssueEngine_ConcurrentExecutesNeverExceedConcurrencyCap(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, _, _ := newTestEngine(adapter)
	const concurrencyCap = 4
	const attempts = 12
	for i := 0; i < attempts; i++ {
		id := fmt.Sprintf("issue-%d", i)
		issues.issues[id] = &domain.Issue{ID: id, ProjectID: "p1", Status: domain.StatusWorking, EngineType: "echo"}
	}

	var wg sync.WaitGroup
	var accepted int32
	for i := 0; i < attempts; i++ {
		id := fmt.Sprintf("issue-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.ExecuteIssue(context.Background(), id, ExecuteParams{EngineType: "echo", Prompt: "hi"}); err == nil {
				atomic.AddInt32(&accepted, 1)
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, engine.RunningCount(), concurrencyCap)
	require.LessOrEqual(t, int(accepted), concurrencyCap)
}

func TestIssueEngine_ExecuteIssueRejectsTodoAndDone(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, _, _ := newTestEngine(adapter)
	issues.issues["issue-1"] = &domain.Issue{ID: "issue-1", ProjectID: "p1", Status: domain.StatusTodo, EngineType: "echo"}

	err := engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "a"})
	require.ErrorIs(t, err, domain.ErrValidation)

	issues.issues["issue-2"] = &domain.Issue{ID: "issue-2", ProjectID: "p1", Status: domain.StatusDone, EngineType: "echo"}
	err = engine.ExecuteIssue(context.Background(), "issue-2", ExecuteParams{EngineType: "echo", Prompt: "a"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestIssueEngine_ExecuteIssueRejectsWorkingDirOutsideWorkspaceRoot(t *testing.T) {
	adapter := newFakeAdapter()
	issues := newFakeIssueRepo()
	logs := newFakeLogRepo()
	bus := NewInProcessEventBus()
	registry := &fakeRegistry{adapters: map[string]ports.EngineAdapter{"echo": adapter}}
	clock := &fakeClock{now: time.Unix(0, 0)}
	engine := NewIssueEngine(issues, logs, bus, registry, clock, 4, "/workspace")
	issues.issues["issue-1"] = &domain.Issue{ID: "issue-1", ProjectID: "p1", Status: domain.StatusWorking, EngineType: "echo"}

	err := engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "a", WorkingDir: "/etc"})
	require.ErrorIs(t, err, domain.ErrForbidden)
	require.Equal(t, 0, engine.RunningCount())

	err = engine.ExecuteIssue(context.Background(), "issue-1", ExecuteParams{EngineType: "echo", Prompt: "a", WorkingDir: "/workspace/project-a"})
	require.NoError(t, err)
}

func TestIssueEngine_GetLogsHidesMetaTurnEntriesUnlessDevMode(t *testing.T) {
	adapter := newFakeAdapter()
	engine, issues, logs, _ := newTestEngine(adapter)
	issues.issues["issue-1"] = &domain.Issue{ID: "issue-1", ProjectID: "p1", Status: domain.StatusWorking, EngineType: "echo"}

	_, err := logs.Append(context.Background(), domain.IssueLogEntry{IssueID: "issue-1", EntryType: domain.EntryAssistantMessage, Content: "visible", Visible: true})
	require.NoError(t, err)
	_, err = logs.Append(context.Background(), domain.IssueLogEntry{IssueID: "issue-1", EntryType: domain.EntrySystemMessage, Content: "meta", Metadata: domain.Metadata{"type": "system"}, Visible: true})
	require.NoError(t, err)

	page, err := engine.GetLogs(context.Background(), "issue-1", false, ports.LogQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	require.Equal(t, "visible", page.Entries[0].Content)

	devPage, err := engine.GetLogs(context.Background(), "issue-1", true, ports.LogQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, devPage.Entries, 2)
}

func TestIsTurnCompletionSignal(t *testing.T) {
	require.True(t, isTurnCompletionSignal(domain.NormalizedEntry{Metadata: domain.Metadata{"turnCompleted": true}}))
	require.True(t, isTurnCompletionSignal(domain.NormalizedEntry{Metadata: domain.Metadata{"resultSubtype": "success"}}))
	require.True(t, isTurnCompletionSignal(domain.NormalizedEntry{
		EntryType: domain.EntrySystemMessage,
		Metadata:  domain.Metadata{"duration": 1.5},
	}))
	require.False(t, isTurnCompletionSignal(domain.NormalizedEntry{Content: "plain"}))
}

func TestIsCancellationNoise(t *testing.T) {
	require.True(t, isCancellationNoise(domain.NormalizedEntry{
		Content:  "the request was aborted",
		Metadata: domain.Metadata{"resultSubtype": "error_during_execution"},
	}))
	require.False(t, isCancellationNoise(domain.NormalizedEntry{
		Content:  "some other failure",
		Metadata: domain.Metadata{"resultSubtype": "error_during_execution"},
	}))
	require.False(t, isCancellationNoise(domain.NormalizedEntry{
		Content:  "request was aborted",
		Metadata: domain.Metadata{"resultSubtype": "success"},
	}))
}
