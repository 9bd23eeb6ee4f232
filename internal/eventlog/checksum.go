package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"timeline/internal/storage"
)

// checksumFields fixes the canonical field order. Payload and metadata are
// hashed as their stored JSON text.
type checksumFields struct {
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	SequenceNumber int64  `json:"sequence_number"`
	Actor          string `json:"actor"`
	EventType      string `json:"event_type"`
	AggregateID    string `json:"aggregate_id"`
	AggregateType  string `json:"aggregate_type"`
	Payload        string `json:"payload"`
	CorrelationID  string `json:"correlation_id"`
	CausationID    string `json:"causation_id"`
	Metadata       string `json:"metadata"`
}

// Checksum returns the hex sha256 over the canonical encoding of every
// field of m except the checksum itself.
func Checksum(m *storage.EventModel) string {
	// Marshaling a struct of strings and ints cannot fail.
	data, _ := json.Marshal(checksumFields{
		ID:             m.ID,
		Timestamp:      m.Timestamp,
		SequenceNumber: m.SequenceNumber,
		Actor:          m.Actor,
		EventType:      m.EventType,
		AggregateID:    m.AggregateID,
		AggregateType:  m.AggregateType,
		Payload:        m.Payload,
		CorrelationID:  m.CorrelationID,
		CausationID:    m.CausationID,
		Metadata:       m.Metadata,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether the stored checksum matches the row.
func VerifyChecksum(m *storage.EventModel) bool {
	return Checksum(m) == m.Checksum
}
