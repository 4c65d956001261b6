package domain

import "time"

// EntryType enumerates the kinds of normalized log entries a stream can
// produce.
type EntryType string

const (
	EntryUserMessage      EntryType = "user-message"
	EntryAssistantMessage EntryType = "assistant-message"
	EntryToolUse          EntryType = "tool-use"
	EntrySystemMessage    EntryType = "system-message"
	EntryErrorMessage     EntryType = "error-message"
	EntryThinking         EntryType = "thinking"
	EntryLoading          EntryType = "loading"
	EntryTokenUsage       EntryType = "token-usage"
)

// ToolActionKind enumerates the shapes a tool invocation can take.
type ToolActionKind string

const (
	ToolActionFileRead   ToolActionKind = "file-read"
	ToolActionFileEdit   ToolActionKind = "file-edit"
	ToolActionCommandRun ToolActionKind = "command-run"
	ToolActionSearch     ToolActionKind = "search"
	ToolActionWebFetch   ToolActionKind = "web-fetch"
	ToolActionTool       ToolActionKind = "tool"
	ToolActionOther      ToolActionKind = "other"
)

// ToolAction is a tagged shape describing what a tool-use entry did.
type ToolAction struct {
	Kind        ToolActionKind `json:"kind"`
	Path        string         `json:"path,omitempty"`
	Command     string         `json:"command,omitempty"`
	Query       string         `json:"query,omitempty"`
	URL         string         `json:"url,omitempty"`
	ToolName    string         `json:"toolName,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Metadata is an opaque, JSON-serializable key/value bag. Contracts the
// engine relies on (turnCompleted, resultSubtype, duration, pending,
// type=system) are exposed through typed accessors below rather than by
// reaching into the map ad hoc.
type Metadata map[string]any

func (m Metadata) TurnCompleted() bool {
	v, _ := m["turnCompleted"].(bool)
	return v
}

func (m Metadata) ResultSubtype() (string, bool) {
	v, ok := m["resultSubtype"].(string)
	return v, ok
}

func (m Metadata) HasResultSubtype() bool {
	_, ok := m["resultSubtype"]
	return ok
}

func (m Metadata) Duration() (float64, bool) {
	v, ok := m["duration"].(float64)
	return v, ok
}

func (m Metadata) IsPending() bool {
	v, _ := m["pending"].(bool)
	return v
}

func (m Metadata) SetPending(v bool) Metadata {
	if m == nil {
		m = Metadata{}
	}
	m["pending"] = v
	return m
}

func (m Metadata) IsSystemType() bool {
	v, _ := m["type"].(string)
	return v == "system"
}

func (m Metadata) SetSystemType() Metadata {
	if m == nil {
		m = Metadata{}
	}
	m["type"] = "system"
	return m
}

func (m Metadata) IsPendingType() bool {
	v, _ := m["type"].(string)
	return v == "pending"
}

// IssueLogEntry is the durable, ordered record of everything that happens
// on an issue's conversation. Invariant: (IssueID, TurnIndex, EntryIndex)
// is a total order matching insertion order.
type IssueLogEntry struct {
	ID               string      `json:"messageId"`
	IssueID          string      `json:"issueId"`
	TurnIndex        int         `json:"turnIndex"`
	EntryIndex       int         `json:"entryIndex"`
	EntryType        EntryType   `json:"entryType"`
	Content          string      `json:"content"`
	Metadata         Metadata    `json:"metadata,omitempty"`
	ToolAction       *ToolAction `json:"toolAction,omitempty"`
	ReplyToMessageID *string     `json:"replyToMessageId,omitempty"`
	Timestamp        *time.Time  `json:"timestamp,omitempty"`
	Visible          bool        `json:"visible"`

	CreatedAt time.Time `json:"createdAt"`
}

// NormalizedEntry is the pure-function output of an adapter's
// normalizeLogLine: a textual line maps to at most one of these, plus an
// optional companion token usage reading riding alongside it.
type NormalizedEntry struct {
	EntryType  EntryType
	Content    string
	Timestamp  *time.Time
	Metadata   Metadata
	ToolAction *ToolAction
	Usage      *TokenUsage
}

// TokenUsage carries one model call's token accounting, parsed from
// whatever native usage payload the adapter's CLI reports. Consumers
// persist it as its own entryType=token-usage log entry rather than
// burying it in the carrying entry's metadata.
type TokenUsage struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens,omitempty"`
}

// IsPendingUserMessage reports whether this entry is the pending-message
// shape: entryType=user-message and metadata.type=pending. It does not
// look at Visible, so a dispatched entry still reports true; callers that
// want only undispatched entries check Visible themselves. Pending entries
// are never deleted, only flipped to Visible=false (mark-dispatched) once
// the engine consumes them.
func (e IssueLogEntry) IsPendingUserMessage() bool {
	return e.EntryType == EntryUserMessage && e.Metadata.IsPendingType()
}
