package eventlog

import (
	"encoding/json"
	"slices"
	"strings"

	"timeline/internal/storage"
)

// EventType is the enumerated tag of an event. Names are past tense.
type EventType string

// Session lifecycle
const (
	SessionCreated  EventType = "SESSION_CREATED"
	SessionSwitched EventType = "SESSION_SWITCHED"
	SessionRenamed  EventType = "SESSION_RENAMED"
	SessionClosed   EventType = "SESSION_CLOSED"
	SessionRestored EventType = "SESSION_RESTORED"
)

// LLM interactions
const (
	LLMMessageUser      EventType = "LLM_MESSAGE_USER"
	LLMMessageAssistant EventType = "LLM_MESSAGE_ASSISTANT"
	LLMMessageSystem    EventType = "LLM_MESSAGE_SYSTEM"
	LLMStreamingStart   EventType = "LLM_STREAMING_START"
	LLMStreamingChunk   EventType = "LLM_STREAMING_CHUNK"
	LLMStreamingEnd     EventType = "LLM_STREAMING_END"
	LLMError            EventType = "LLM_ERROR"
)

// Tool executions
const (
	ToolCallStarted         EventType = "TOOL_CALL_STARTED"
	ToolCallSuccess         EventType = "TOOL_CALL_SUCCESS"
	ToolCallFailed          EventType = "TOOL_CALL_FAILED"
	ToolPermissionRequested EventType = "TOOL_PERMISSION_REQUESTED"
	ToolPermissionGranted   EventType = "TOOL_PERMISSION_GRANTED"
	ToolPermissionDenied    EventType = "TOOL_PERMISSION_DENIED"
)

// File and directory operations
const (
	FileRead              EventType = "FILE_READ"
	FileCreated           EventType = "FILE_CREATED"
	FileModified          EventType = "FILE_MODIFIED"
	FileDeleted           EventType = "FILE_DELETED"
	FileRenamed           EventType = "FILE_RENAMED"
	FilePermissionChanged EventType = "FILE_PERMISSION_CHANGED"
	FileMoved             EventType = "FILE_MOVED"

	DirectoryCreated EventType = "DIRECTORY_CREATED"
	DirectoryDeleted EventType = "DIRECTORY_DELETED"
	DirectoryRenamed EventType = "DIRECTORY_RENAMED"
	DirectoryMoved   EventType = "DIRECTORY_MOVED"
)

// Git operations
const (
	GitInit           EventType = "GIT_INIT"
	GitAdd            EventType = "GIT_ADD"
	GitCommit         EventType = "GIT_COMMIT"
	GitPush           EventType = "GIT_PUSH"
	GitPull           EventType = "GIT_PULL"
	GitFetch          EventType = "GIT_FETCH"
	GitMerge          EventType = "GIT_MERGE"
	GitRebase         EventType = "GIT_REBASE"
	GitBranchCreated  EventType = "GIT_BRANCH_CREATED"
	GitBranchSwitched EventType = "GIT_BRANCH_SWITCHED"
	GitBranchDeleted  EventType = "GIT_BRANCH_DELETED"
	GitTagCreated     EventType = "GIT_TAG_CREATED"
	GitTagDeleted     EventType = "GIT_TAG_DELETED"
	GitStashPush      EventType = "GIT_STASH_PUSH"
	GitStashPop       EventType = "GIT_STASH_POP"
	GitConflict       EventType = "GIT_CONFLICT"
)

// CLI system events
const (
	CLIStarted         EventType = "CLI_STARTED"
	CLIStopped         EventType = "CLI_STOPPED"
	CLICommandExecuted EventType = "CLI_COMMAND_EXECUTED"
	ModelChanged       EventType = "MODEL_CHANGED"
	ProviderChanged    EventType = "PROVIDER_CHANGED"
	SettingsUpdated    EventType = "SETTINGS_UPDATED"
	APIKeyAdded        EventType = "API_KEY_ADDED"
	APIKeyRemoved      EventType = "API_KEY_REMOVED"
)

// Rewind operations
const (
	RewindStarted           EventType = "REWIND_STARTED"
	RewindSnapshotLoaded    EventType = "REWIND_SNAPSHOT_LOADED"
	RewindEventsReplayed    EventType = "REWIND_EVENTS_REPLAYED"
	RewindStateMaterialized EventType = "REWIND_STATE_MATERIALIZED"
	RewindCompleted         EventType = "REWIND_COMPLETED"
	RewindFailed            EventType = "REWIND_FAILED"
)

// Snapshots and errors
const (
	SnapshotCreated EventType = "SNAPSHOT_CREATED"
	SnapshotLoaded  EventType = "SNAPSHOT_LOADED"
	SnapshotDeleted EventType = "SNAPSHOT_DELETED"

	ErrorOccurred   EventType = "ERROR_OCCURRED"
	ExceptionThrown EventType = "EXCEPTION_THROWN"
)

var descriptions = map[EventType]string{
	SessionCreated:  "Session created",
	SessionSwitched: "Switched to different session",
	SessionRenamed:  "Session renamed",
	SessionClosed:   "Session closed",
	SessionRestored: "Session restored from rewind",

	LLMMessageUser:      "User message sent to LLM",
	LLMMessageAssistant: "LLM response received",
	LLMMessageSystem:    "System message added",
	LLMStreamingStart:   "LLM streaming started",
	LLMStreamingChunk:   "LLM streaming chunk received",
	LLMStreamingEnd:     "LLM streaming completed",
	LLMError:            "LLM error occurred",

	ToolCallStarted:         "Tool execution started",
	ToolCallSuccess:         "Tool executed successfully",
	ToolCallFailed:          "Tool execution failed",
	ToolPermissionRequested: "Tool permission requested",
	ToolPermissionGranted:   "Tool permission granted",
	ToolPermissionDenied:    "Tool permission denied",

	FileRead:              "File read",
	FileCreated:           "File created",
	FileModified:          "File modified",
	FileDeleted:           "File deleted",
	FileRenamed:           "File renamed",
	FilePermissionChanged: "File permissions changed",
	FileMoved:             "File moved",

	DirectoryCreated: "Directory created",
	DirectoryDeleted: "Directory deleted",
	DirectoryRenamed: "Directory renamed",
	DirectoryMoved:   "Directory moved",

	GitInit:           "Git repository initialized",
	GitAdd:            "Files staged for commit",
	GitCommit:         "Git commit created",
	GitPush:           "Changes pushed to remote",
	GitPull:           "Changes pulled from remote",
	GitFetch:          "Remote changes fetched",
	GitMerge:          "Branches merged",
	GitRebase:         "Branch rebased",
	GitBranchCreated:  "Git branch created",
	GitBranchSwitched: "Switched to different branch",
	GitBranchDeleted:  "Git branch deleted",
	GitTagCreated:     "Git tag created",
	GitTagDeleted:     "Git tag deleted",
	GitStashPush:      "Changes stashed",
	GitStashPop:       "Stashed changes applied",
	GitConflict:       "Git conflict occurred",

	CLIStarted:         "CLI started",
	CLIStopped:         "CLI stopped",
	CLICommandExecuted: "Command executed",
	ModelChanged:       "AI model changed",
	ProviderChanged:    "AI provider changed",
	SettingsUpdated:    "Settings updated",
	APIKeyAdded:        "API key added",
	APIKeyRemoved:      "API key removed",

	RewindStarted:           "Rewind operation started",
	RewindSnapshotLoaded:    "Snapshot loaded for rewind",
	RewindEventsReplayed:    "Events replayed",
	RewindStateMaterialized: "State materialized to filesystem",
	RewindCompleted:         "Rewind completed successfully",
	RewindFailed:            "Rewind failed",

	SnapshotCreated: "Snapshot created",
	SnapshotLoaded:  "Snapshot loaded",
	SnapshotDeleted: "Snapshot deleted",

	ErrorOccurred:   "Error occurred",
	ExceptionThrown: "Exception thrown",
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	_, ok := descriptions[t]
	return ok
}

// Description returns a human readable description, "Unknown event" for unknown types.
func (t EventType) Description() string {
	if d, ok := descriptions[t]; ok {
		return d
	}
	return "Unknown event"
}

// Category is a coarse grouping of event types derived from the type prefix.
type Category string

const (
	CategorySession  Category = "SESSION"
	CategoryLLM      Category = "LLM"
	CategoryTool     Category = "TOOL"
	CategoryFile     Category = "FILE"
	CategoryGit      Category = "GIT"
	CategoryCLI      Category = "CLI"
	CategoryRewind   Category = "REWIND"
	CategorySnapshot Category = "SNAPSHOT"
	CategoryError    Category = "ERROR"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategorySession, CategoryLLM, CategoryTool, CategoryFile, CategoryGit,
	CategoryCLI, CategoryRewind, CategorySnapshot, CategoryError,
}

// ParseCategory matches a category name case-insensitively.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

// CategoryOf derives the category of t. Unknown types have no category.
func CategoryOf(t EventType) Category {
	if !t.Valid() {
		return ""
	}
	s := string(t)
	switch {
	case strings.HasPrefix(s, "DIRECTORY_"):
		return CategoryFile
	case strings.HasPrefix(s, "MODEL_"), strings.HasPrefix(s, "PROVIDER_"),
		strings.HasPrefix(s, "SETTINGS_"), strings.HasPrefix(s, "API_KEY_"):
		return CategoryCLI
	case strings.HasPrefix(s, "EXCEPTION_"):
		return CategoryError
	}
	prefix, _, _ := strings.Cut(s, "_")
	return Category(prefix)
}

// TypesIn returns every known type in category c, sorted.
func TypesIn(c Category) []EventType {
	var types []EventType
	for t := range descriptions {
		if CategoryOf(t) == c {
			types = append(types, t)
		}
	}
	slices.Sort(types)
	return types
}

// FileMutationTypes are the events folded by rewind into file state.
var FileMutationTypes = []EventType{
	FileCreated, FileModified, FileDeleted, FileRenamed, FileMoved, DirectoryDeleted,
}

// Aggregate types used by the built-in producers.
const (
	AggregateFile      = "file"
	AggregateWorkspace = "workspace"
	AggregateSession   = "session"
)

// Event is one immutable, checksummed record of the log.
type Event struct {
	ID             string          `json:"id"`
	Timestamp      int64           `json:"timestamp"`
	SequenceNumber int64           `json:"sequence_number"`
	Actor          string          `json:"actor"`
	EventType      EventType       `json:"event_type"`
	AggregateID    string          `json:"aggregate_id,omitempty"`
	AggregateType  string          `json:"aggregate_type,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	Checksum       string          `json:"checksum"`
}

// Category returns the category of the event's type.
func (e *Event) Category() Category {
	return CategoryOf(e.EventType)
}

// DecodePayload unmarshals the payload into out.
func (e *Event) DecodePayload(out any) error {
	return json.Unmarshal(e.Payload, out)
}

// Draft is an event before emission: everything except id, timestamp,
// sequence number and checksum. Payload and Metadata are marshaled to JSON
// unless they already are json.RawMessage or []byte.
type Draft struct {
	Actor         string    `json:"actor"`
	EventType     EventType `json:"event_type"`
	AggregateID   string    `json:"aggregate_id,omitempty"`
	AggregateType string    `json:"aggregate_type,omitempty"`
	Payload       any       `json:"payload"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Metadata      any       `json:"metadata,omitempty"`
}

// EmitResult is the structured outcome of Emit. Failures are reported here,
// never by panicking. Err carries the wrapped error for errors.Is.
type EmitResult struct {
	EventID        string `json:"event_id,omitempty"`
	SequenceNumber int64  `json:"sequence_number,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	Err            error  `json:"-"`
}

func failed(err error) EmitResult {
	return EmitResult{Success: false, Error: err.Error(), Err: err}
}

// FromModel converts a stored row into an Event.
func FromModel(m *storage.EventModel) *Event {
	e := &Event{
		ID:             m.ID,
		Timestamp:      m.Timestamp,
		SequenceNumber: m.SequenceNumber,
		Actor:          m.Actor,
		EventType:      EventType(m.EventType),
		AggregateID:    m.AggregateID,
		AggregateType:  m.AggregateType,
		Payload:        json.RawMessage(m.Payload),
		CorrelationID:  m.CorrelationID,
		CausationID:    m.CausationID,
		Checksum:       m.Checksum,
	}
	if m.Metadata != "" {
		e.Metadata = json.RawMessage(m.Metadata)
	}
	return e
}

// FromModels converts a slice of rows.
func FromModels(ms []storage.EventModel) []*Event {
	events := make([]*Event, len(ms))
	for i := range ms {
		events[i] = FromModel(&ms[i])
	}
	return events
}
