package rewind

import (
	"encoding/json"
	"fmt"
	"slices"

	"timeline/internal/blobstore"
	"timeline/internal/common"
	"timeline/internal/eventlog"
)

// FileState is the reconstructed state of one tracked path.
type FileState struct {
	Path         string `json:"path"`
	ContentHash  string `json:"contentHash"`
	Exists       bool   `json:"exists"`
	LastModified int64  `json:"lastModified"`
}

// Message is one conversation entry.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// SessionState is the reconstructed session.
type SessionState struct {
	SessionID     string    `json:"session_id,omitempty"`
	SessionName   string    `json:"session_name,omitempty"`
	WorkingDir    string    `json:"working_dir,omitempty"`
	Model         string    `json:"model,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	Conversations []Message `json:"conversations"`
}

// GitState is the reconstructed repository position.
type GitState struct {
	CommitHash string `json:"commit_hash,omitempty"`
	Branch     string `json:"branch,omitempty"`
}

// State is the full workspace state at one point in the log. It is the
// payload of workspace snapshots and rewind cache entries.
type State struct {
	Files   map[string]FileState `json:"files"`
	Session SessionState         `json:"session"`
	Git     GitState             `json:"git"`
}

// NewState returns the empty state.
func NewState() *State {
	return &State{
		Files:   make(map[string]FileState),
		Session: SessionState{Conversations: []Message{}},
	}
}

func (s *State) normalize() {
	if s.Files == nil {
		s.Files = make(map[string]FileState)
	}
	if s.Session.Conversations == nil {
		s.Session.Conversations = []Message{}
	}
}

// ReplayTypes are the event types Apply folds.
var ReplayTypes = append(slices.Clone(eventlog.FileMutationTypes),
	eventlog.SessionCreated,
	eventlog.SessionSwitched,
	eventlog.SessionRenamed,
	eventlog.LLMMessageUser,
	eventlog.LLMMessageAssistant,
	eventlog.LLMMessageSystem,
	eventlog.ModelChanged,
	eventlog.ProviderChanged,
	eventlog.GitCommit,
	eventlog.GitBranchSwitched,
)

type filePayload struct {
	Path        string `json:"path"`
	NewHash     string `json:"new_hash"`
	ContentHash string `json:"content_hash"`
	OldPath     string `json:"old_path"`
	NewPath     string `json:"new_path"`
}

type sessionPayload struct {
	SessionID   any    `json:"session_id"`
	SessionName string `json:"session_name"`
	NewName     string `json:"new_name"`
	WorkingDir  string `json:"working_dir"`
	Content     any    `json:"content"`
	NewModel    string `json:"new_model"`
	NewProvider string `json:"new_provider"`
	Hash        string `json:"hash"`
	Branch      string `json:"branch"`
}

// Apply folds one event into s. Events of other types are ignored.
// A payload that cannot be decoded wraps common.ErrInvalidPayload.
func (s *State) Apply(ev *eventlog.Event) error {
	switch ev.EventType {
	case eventlog.FileCreated, eventlog.FileModified, eventlog.FileDeleted,
		eventlog.FileRenamed, eventlog.FileMoved, eventlog.DirectoryDeleted:
		var p filePayload
		if err := ev.DecodePayload(&p); err != nil {
			return fmt.Errorf("event #%d: %w: %v", ev.SequenceNumber, common.ErrInvalidPayload, err)
		}
		return s.applyFile(ev, &p)
	}

	var p sessionPayload
	if err := ev.DecodePayload(&p); err != nil {
		return fmt.Errorf("event #%d: %w: %v", ev.SequenceNumber, common.ErrInvalidPayload, err)
	}
	switch ev.EventType {
	case eventlog.SessionCreated:
		s.Session.SessionID = idString(p.SessionID)
		s.Session.SessionName = p.SessionName
		s.Session.WorkingDir = p.WorkingDir
	case eventlog.SessionSwitched:
		s.Session.SessionID = idString(p.SessionID)
		s.Session.WorkingDir = p.WorkingDir
	case eventlog.SessionRenamed:
		s.Session.SessionName = p.NewName
	case eventlog.LLMMessageUser:
		s.appendMessage("user", contentString(p.Content), ev.Timestamp)
	case eventlog.LLMMessageAssistant:
		s.appendMessage("assistant", contentString(p.Content), ev.Timestamp)
	case eventlog.LLMMessageSystem:
		s.appendMessage("system", contentString(p.Content), ev.Timestamp)
	case eventlog.ModelChanged:
		s.Session.Model = p.NewModel
	case eventlog.ProviderChanged:
		s.Session.Provider = p.NewProvider
	case eventlog.GitCommit:
		s.Git.CommitHash = p.Hash
	case eventlog.GitBranchSwitched:
		s.Git.Branch = p.Branch
	}
	return nil
}

func (s *State) applyFile(ev *eventlog.Event, p *filePayload) error {
	switch ev.EventType {
	case eventlog.FileCreated, eventlog.FileModified:
		path := common.NormalizePath(p.Path)
		if path == "" {
			return fmt.Errorf("event #%d: %w: missing path", ev.SequenceNumber, common.ErrInvalidPayload)
		}
		hash := p.NewHash
		if hash == "" {
			hash = p.ContentHash
		}
		s.Files[path] = FileState{Path: path, ContentHash: hash, Exists: true, LastModified: ev.Timestamp}

	case eventlog.FileDeleted:
		delete(s.Files, common.NormalizePath(p.Path))

	case eventlog.FileRenamed, eventlog.FileMoved:
		from := common.NormalizePath(p.OldPath)
		to := common.NormalizePath(p.NewPath)
		if from == "" || to == "" {
			return fmt.Errorf("event #%d: %w: missing old_path or new_path", ev.SequenceNumber, common.ErrInvalidPayload)
		}
		if f, ok := s.Files[from]; ok {
			delete(s.Files, from)
			f.Path = to
			f.LastModified = ev.Timestamp
			s.Files[to] = f
			return nil
		}
		// Directory rename: re-key every path under it. Keys are collected
		// first since to may itself lie under from.
		var moved []string
		for path := range s.Files {
			if common.IsUnder(path, from) {
				moved = append(moved, path)
			}
		}
		slices.Sort(moved)
		entries := make([]FileState, len(moved))
		for i, path := range moved {
			entries[i] = s.Files[path]
			delete(s.Files, path)
		}
		for i, path := range moved {
			f := entries[i]
			f.Path = to + path[len(from):]
			f.LastModified = ev.Timestamp
			s.Files[f.Path] = f
		}

	case eventlog.DirectoryDeleted:
		dir := common.NormalizePath(p.Path)
		if dir == "" {
			return fmt.Errorf("event #%d: %w: missing path", ev.SequenceNumber, common.ErrInvalidPayload)
		}
		for path := range s.Files {
			if common.IsUnder(path, dir) {
				delete(s.Files, path)
			}
		}
	}
	return nil
}

func (s *State) appendMessage(role, content string, ts int64) {
	s.Session.Conversations = append(s.Session.Conversations, Message{Role: role, Content: content, Timestamp: ts})
}

func idString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return fmt.Sprintf("%.0f", id)
	default:
		return fmt.Sprint(id)
	}
}

// contentString flattens structured message content to its JSON text.
func contentString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	default:
		b, _ := json.Marshal(c)
		return string(b)
	}
}

// Paths returns the tracked paths in order.
func (s *State) Paths() []string {
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Hashes returns the distinct content hashes the state references.
func (s *State) Hashes() []string {
	seen := make(map[string]struct{}, len(s.Files))
	var out []string
	for _, f := range s.Files {
		if f.ContentHash == "" {
			continue
		}
		if _, ok := seen[f.ContentHash]; !ok {
			seen[f.ContentHash] = struct{}{}
			out = append(out, f.ContentHash)
		}
	}
	slices.Sort(out)
	return out
}

// TreeEntries converts the file map to blob store tree entries.
func (s *State) TreeEntries() map[string]blobstore.TreeEntry {
	entries := make(map[string]blobstore.TreeEntry, len(s.Files))
	for p, f := range s.Files {
		entries[p] = blobstore.TreeEntry{Hash: f.ContentHash, Exists: f.Exists}
	}
	return entries
}
