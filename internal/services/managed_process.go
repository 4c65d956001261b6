package services

import (
	"strings"

	"github.com/WuChenDi/bitk/internal/domain"
	"github.com/WuChenDi/bitk/internal/ports"
)

// managedProcess is the per-execution in-memory bookkeeping. It is a
// passive data object: every field is mutated by the issue engine under
// the issue's own serialization lock, never by the
// process itself. It owns no goroutines; the engine's stream consumers
// hold a reference to it and push into it.
type managedProcess struct {
	executionID string
	issueID     string

	sp      *ports.SpawnedProcess
	adapter ports.EngineAdapter

	engineType     string
	workingDir     string
	model          string
	permissionMode domain.PermissionMode

	state domain.ProcessState

	turnIndex    int
	turnInFlight bool

	pendingInputs []domain.PendingInput

	// logs is the bounded in-memory ring; the durable store is the
	// source of truth, this only serves fast "what just happened" reads.
	logs []domain.IssueLogEntry

	cancelledByUser bool

	logicalFailure bool
	failureReason  string

	// metaTurn hides this turn's entries from the UI; auto-title
	// generation is the only case that sets it.
	metaTurn bool

	hasAssistantOutput  bool
	lastAssistantContent string

	slashCommands []string

	// settled guards settle() so it runs exactly once per execution even
	// though both a recognized turn-completion signal and an unexpected
	// process exit can each try to trigger it.
	settled bool
}

func newManagedProcess(executionID, issueID string, sp *ports.SpawnedProcess) *managedProcess {
	return &managedProcess{
		executionID: executionID,
		issueID:     issueID,
		sp:          sp,
		state:       domain.ProcessStarting,
	}
}

// pushLog appends entry to the in-memory ring, dropping the oldest entry
// once domain.MaxLogEntries is reached. Overflow is silently dropped from
// memory only; the durable log store remains authoritative and uncapped.
func (p *managedProcess) pushLog(entry domain.IssueLogEntry) {
	p.logs = append(p.logs, entry)
	if len(p.logs) > domain.MaxLogEntries {
		p.logs = p.logs[len(p.logs)-domain.MaxLogEntries:]
	}
}

func (p *managedProcess) enqueuePending(in domain.PendingInput) {
	p.pendingInputs = append(p.pendingInputs, in)
}

// drainPending merges every queued pending input into one prompt (joined
// by a blank line), in FIFO order, and clears the queue. The returned
// model is the last-wins override among the drained inputs, applied on
// the turn-completion resend.
func (p *managedProcess) drainPending() (prompt, model string, entryIDs []string, ok bool) {
	if len(p.pendingInputs) == 0 {
		return "", "", nil, false
	}

	prompts := make([]string, 0, len(p.pendingInputs))
	for _, in := range p.pendingInputs {
		prompts = append(prompts, in.Prompt)
		if in.EntryID != "" {
			entryIDs = append(entryIDs, in.EntryID)
		}
		if in.Model != "" {
			model = in.Model
		}
	}
	prompt = strings.Join(prompts, "\n\n")
	p.pendingInputs = nil
	return prompt, model, entryIDs, true
}
