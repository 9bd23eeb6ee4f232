package eventlog

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"timeline/internal/storage"
)

func toModelForTest(e *Event) storage.EventModel {
	return storage.EventModel{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		SequenceNumber: e.SequenceNumber,
		Actor:          e.Actor,
		EventType:      string(e.EventType),
		AggregateID:    e.AggregateID,
		AggregateType:  e.AggregateType,
		Payload:        string(e.Payload),
		CorrelationID:  e.CorrelationID,
		CausationID:    e.CausationID,
		Metadata:       string(e.Metadata),
		Checksum:       e.Checksum,
	}
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		eventType EventType
		want      Category
	}{
		{SessionCreated, CategorySession},
		{LLMStreamingChunk, CategoryLLM},
		{ToolPermissionDenied, CategoryTool},
		{FileModified, CategoryFile},
		{DirectoryDeleted, CategoryFile},
		{GitStashPop, CategoryGit},
		{CLIStarted, CategoryCLI},
		{ModelChanged, CategoryCLI},
		{APIKeyRemoved, CategoryCLI},
		{RewindCompleted, CategoryRewind},
		{SnapshotCreated, CategorySnapshot},
		{ErrorOccurred, CategoryError},
		{ExceptionThrown, CategoryError},
		{"BOGUS_THING", ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.eventType))
		})
	}
}

func TestTypesIn(t *testing.T) {
	file := TypesIn(CategoryFile)
	assert.Contains(t, file, DirectoryMoved)
	assert.Contains(t, file, FileCreated)
	assert.NotContains(t, file, GitAdd)
	assert.Len(t, file, 11)

	for _, c := range Categories {
		assert.NotEmpty(t, TypesIn(c), "category %s has no types", c)
	}
}

func TestParseCategory(t *testing.T) {
	c, ok := ParseCategory(" file ")
	assert.True(t, ok)
	assert.Equal(t, CategoryFile, c)

	_, ok = ParseCategory("nope")
	assert.False(t, ok)
}

func TestDescription(t *testing.T) {
	assert.Equal(t, "File created", FileCreated.Description())
	assert.Equal(t, "Unknown event", EventType("X").Description())
}
