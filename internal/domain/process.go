package domain

// ProcessState is the lifecycle of a single managed process, per the
// issue engine's state machine.
type ProcessState string

const (
	ProcessStarting    ProcessState = "starting"
	ProcessRunning     ProcessState = "running"
	ProcessTerminating ProcessState = "terminating"
	ProcessExited      ProcessState = "exited"
)

// PendingInput is one queued follow-up prompt waiting for the current
// turn to finish. EntryID is the durable log entry's id, kept so the
// engine can mark it dispatched once it merges and resends it.
type PendingInput struct {
	EntryID        string
	Prompt         string
	DisplayPrompt  string
	Model          string
	Metadata       Metadata
}

// MaxLogEntries bounds the in-memory log ring kept per managed process;
// the durable store remains authoritative and uncapped.
const MaxLogEntries = 500
