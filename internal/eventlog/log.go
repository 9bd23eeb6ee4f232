// Package eventlog is the append-only, checksummed event log. Emit is the
// only write path into the events table.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"timeline/internal/common"
	"timeline/internal/metrics"
	"timeline/internal/storage"
	"timeline/internal/util"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// Options configures a Log.
type Options struct {
	// Clock defaults to time.Now.
	Clock Clock
	// Validator defaults to the embedded payload schemas.
	Validator *PayloadValidator
	// Disabled starts the log with emission turned off.
	Disabled bool
}

// Log is the event log bound to one database handle.
type Log struct {
	db        *storage.DB
	clock     Clock
	validator *PayloadValidator
	enabled   atomic.Bool

	// mu serializes sequence assignment across goroutines of this process.
	mu sync.Mutex

	subMu     sync.RWMutex
	subs      []*Subscription
	nextSubID uint64
}

// Head is the position of the most recent event.
type Head struct {
	Sequence  int64
	Timestamp int64
}

// New creates a Log over db. It reconciles metadata.last_sequence with the
// events table so a crash between commit and bookkeeping cannot linger.
func New(ctx context.Context, db *storage.DB, opts Options) (*Log, error) {
	l := &Log{
		db:        db,
		clock:     opts.Clock,
		validator: opts.Validator,
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.validator == nil {
		v, err := NewPayloadValidator()
		if err != nil {
			return nil, err
		}
		l.validator = v
	}
	l.enabled.Store(!opts.Disabled)

	head, err := l.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read log head: %w", err)
	}
	recorded, err := db.GetMetadataInt(ctx, storage.MetaLastSequence)
	if err != nil {
		return nil, err
	}
	if recorded != head.Sequence {
		log.Warnf("[EventLog] metadata last_sequence=%d but events end at %d; repairing", recorded, head.Sequence)
		if err := db.SetMetadata(ctx, storage.MetaLastSequence, fmt.Sprint(head.Sequence)); err != nil {
			return nil, err
		}
	}
	log.Debugf("[EventLog] opened at sequence %d", head.Sequence)
	return l, nil
}

// SetEnabled turns emission on or off. A disabled log rejects every Emit.
func (l *Log) SetEnabled(enabled bool) {
	l.enabled.Store(enabled)
}

// Enabled reports whether emission is on.
func (l *Log) Enabled() bool {
	return l.enabled.Load()
}

// Emit appends one event. Sequence assignment, timestamping, checksumming
// and the insert happen in one transaction under the writer mutex; on any
// failure nothing is written and the sequence number is not consumed.
func (l *Log) Emit(ctx context.Context, d Draft) EmitResult {
	return l.EmitBatch(ctx, []Draft{d})[0]
}

// EmitBatch appends drafts atomically with consecutive sequence numbers.
// Either every draft is written or none is; a failure is reported on
// every result.
func (l *Log) EmitBatch(ctx context.Context, drafts []Draft) []EmitResult {
	results := make([]EmitResult, len(drafts))
	fail := func(err error) []EmitResult {
		for i := range results {
			results[i] = failed(err)
		}
		metrics.IncEventsEmitted(metrics.StatusFailed)
		return results
	}

	if len(drafts) == 0 {
		return results
	}
	if !l.Enabled() {
		return fail(common.ErrDisabled)
	}

	models := make([]storage.EventModel, len(drafts))
	for i, d := range drafts {
		m, err := l.prepare(d)
		if err != nil {
			log.Debugf("[EventLog] rejected draft %s: %v", d.EventType, err)
			return fail(err)
		}
		models[i] = *m
	}

	l.mu.Lock()
	err := util.Retry(ctx, func() error {
		return l.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
			return l.insertLocked(ctx, tx, models)
		})
	}, util.DatabaseRetryOptions(ctx)...)
	l.mu.Unlock()
	if err != nil {
		log.Debugf("[EventLog] emit failed: %v", err)
		return fail(fmt.Errorf("failed to persist event: %w", err))
	}

	committed := make([]*Event, len(models))
	for i := range models {
		committed[i] = FromModel(&models[i])
		results[i] = EmitResult{
			EventID:        models[i].ID,
			SequenceNumber: models[i].SequenceNumber,
			Timestamp:      models[i].Timestamp,
			Success:        true,
		}
		metrics.IncEventsEmitted(metrics.StatusOK)
	}
	log.Tracef("[EventLog] emitted %d event(s) ending at sequence %d", len(models), models[len(models)-1].SequenceNumber)
	l.publish(committed)
	return results
}

// insertLocked assigns sequence numbers and timestamps inside tx.
// Timestamps never go below the previous event's, so they stay
// non-decreasing in sequence order even if the wall clock steps back.
func (l *Log) insertLocked(ctx context.Context, tx bun.Tx, models []storage.EventModel) error {
	var lastSeq, lastTs int64
	if err := tx.NewRaw(
		"SELECT COALESCE(MAX(sequence_number), 0), COALESCE(MAX(timestamp), 0) FROM events",
	).Scan(ctx, &lastSeq, &lastTs); err != nil {
		return fmt.Errorf("failed to read last sequence: %w", err)
	}

	now := l.clock().UnixMicro()
	if now < lastTs {
		now = lastTs
	}
	if now <= 0 {
		now = 1
	}
	for i := range models {
		models[i].SequenceNumber = lastSeq + int64(i) + 1
		models[i].Timestamp = now
		models[i].Checksum = Checksum(&models[i])
	}

	if _, err := tx.NewInsert().Model(&models).Exec(ctx); err != nil {
		return err
	}
	return storage.AdvanceMetadataInt(ctx, tx, storage.MetaLastSequence, models[len(models)-1].SequenceNumber)
}

// prepare validates d and builds its row minus sequence, timestamp and checksum.
func (l *Log) prepare(d Draft) (*storage.EventModel, error) {
	if d.Actor == "" {
		return nil, fmt.Errorf("%w: actor is required", common.ErrInvalidEvent)
	}
	if !d.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event type %q", common.ErrInvalidEvent, d.EventType)
	}

	payload, err := marshalJSON(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", common.ErrInvalidPayload, err)
	}
	if payload == "" {
		payload = "{}"
	}
	if err := l.validator.Validate(d.EventType, []byte(payload)); err != nil {
		return nil, err
	}

	metadata, err := marshalJSON(d.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", common.ErrInvalidPayload, err)
	}

	return &storage.EventModel{
		ID:            uuid.NewString(),
		Actor:         d.Actor,
		EventType:     string(d.EventType),
		AggregateID:   d.AggregateID,
		AggregateType: d.AggregateType,
		Payload:       payload,
		CorrelationID: d.CorrelationID,
		CausationID:   d.CausationID,
		Metadata:      metadata,
	}, nil
}

// marshalJSON encodes v; nil encodes to "". Raw JSON is validated and kept verbatim.
func marshalJSON(v any) (string, error) {
	switch raw := v.(type) {
	case nil:
		return "", nil
	case json.RawMessage:
		if len(raw) == 0 {
			return "", nil
		}
		if !json.Valid(raw) {
			return "", errors.New("invalid JSON")
		}
		return string(raw), nil
	case []byte:
		if len(raw) == 0 {
			return "", nil
		}
		if !json.Valid(raw) {
			return "", errors.New("invalid JSON")
		}
		return string(raw), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- Reads ---

// Head returns the last sequence number and its timestamp (zero when empty).
func (l *Log) Head(ctx context.Context) (Head, error) {
	var h Head
	err := l.db.Bun().NewRaw(
		"SELECT COALESCE(MAX(sequence_number), 0), COALESCE(MAX(timestamp), 0) FROM events",
	).Scan(ctx, &h.Sequence, &h.Timestamp)
	return h, err
}

// LastSequence returns the highest assigned sequence number, 0 when empty.
func (l *Log) LastSequence(ctx context.Context) (int64, error) {
	h, err := l.Head(ctx)
	return h.Sequence, err
}

// Get returns the event with id, or common.ErrNotFound.
func (l *Log) Get(ctx context.Context, id string) (*Event, error) {
	var m storage.EventModel
	err := l.db.Bun().NewSelect().Model(&m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return FromModel(&m), nil
}

// GetBySequence returns the event at seq, or common.ErrNotFound.
func (l *Log) GetBySequence(ctx context.Context, seq int64) (*Event, error) {
	var m storage.EventModel
	err := l.db.Bun().NewSelect().Model(&m).Where("sequence_number = ?", seq).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("event #%d: %w", seq, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return FromModel(&m), nil
}

// RangeFilter bounds a Range read. Zero values leave a bound open.
type RangeFilter struct {
	AfterSequence int64 // exclusive
	UpToSequence  int64 // inclusive
	UpToTimestamp int64 // inclusive
	Types         []EventType
	Limit         int
}

// Range returns events in ascending sequence order.
func (l *Log) Range(ctx context.Context, f RangeFilter) ([]*Event, error) {
	var ms []storage.EventModel
	q := l.db.Bun().NewSelect().Model(&ms).Order("sequence_number ASC")
	if f.AfterSequence > 0 {
		q = q.Where("sequence_number > ?", f.AfterSequence)
	}
	if f.UpToSequence > 0 {
		q = q.Where("sequence_number <= ?", f.UpToSequence)
	}
	if f.UpToTimestamp > 0 {
		q = q.Where("timestamp <= ?", f.UpToTimestamp)
	}
	if len(f.Types) > 0 {
		q = q.Where("event_type IN (?)", bun.In(typeStrings(f.Types)))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return FromModels(ms), nil
}

func typeStrings(types []EventType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
