// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package snapshot stores compacted aggregate state tagged with the event
// sequence it summarizes, so replays can start from it instead of genesis.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"timeline/internal/blobstore"
	"timeline/internal/common"
	"timeline/internal/eventlog"
	"timeline/internal/metrics"
	"timeline/internal/storage"
)

// Snapshot is snapshot metadata; the state itself is read with Load.
type Snapshot struct {
	AggregateID    string `json:"aggregate_id"`
	AggregateType  string `json:"aggregate_type"`
	SequenceNumber int64  `json:"sequence_number"`
	Timestamp      int64  `json:"timestamp"`
	Checksum       string `json:"checksum"`
	CompressedSize int64  `json:"compressed_size"`
}

// Options configures a Store.
type Options struct {
	// RecordEvents emits SNAPSHOT_CREATED / SNAPSHOT_DELETED events.
	RecordEvents bool
}

// Store is the snapshot store bound to one database handle.
type Store struct {
	db     *storage.DB
	events *eventlog.Log
	opts   Options
}

// New creates a Store. events resolves sequence numbers to timestamps.
func New(db *storage.DB, events *eventlog.Log, opts Options) *Store {
	return &Store{db: db, events: events, opts: opts}
}

// snapshotRow reads the snapshots table without the state column.
type snapshotRow struct {
	bun.BaseModel `bun:"table:snapshots"`

	AggregateID    string `bun:"aggregate_id,pk"`
	AggregateType  string `bun:"aggregate_type"`
	SequenceNumber int64  `bun:"sequence_number"`
	Timestamp      int64  `bun:"timestamp"`
	Checksum       string `bun:"checksum"`
	StateSize      int64  `bun:"state_size,scanonly"`
}

func selectRows(idb bun.IDB, rows *[]snapshotRow) *bun.SelectQuery {
	return idb.NewSelect().Model(rows).
		Column("aggregate_id", "aggregate_type", "sequence_number", "timestamp", "checksum").
		ColumnExpr("length(state_compressed) AS state_size")
}

func fromRow(r *snapshotRow) *Snapshot {
	return &Snapshot{
		AggregateID:    r.AggregateID,
		AggregateType:  r.AggregateType,
		SequenceNumber: r.SequenceNumber,
		Timestamp:      r.Timestamp,
		Checksum:       r.Checksum,
		CompressedSize: r.StateSize,
	}
}

// CaptureSnapshot stores state for aggregateID as of atSequence, replacing
// the aggregate's previous snapshot. atSequence must name an existing
// event; the snapshot takes that event's timestamp.
func (s *Store) CaptureSnapshot(ctx context.Context, aggregateID, aggregateType string, state any, atSequence int64) (*Snapshot, error) {
	if aggregateID == "" {
		return nil, fmt.Errorf("%w: aggregate id is required", common.ErrInvalidEvent)
	}
	ev, err := s.events.GetBySequence(ctx, atSequence)
	if err != nil {
		return nil, fmt.Errorf("snapshot at #%d: %w", atSequence, err)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot state: %w", err)
	}
	compressed, err := blobstore.Compress(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compress snapshot state: %w", err)
	}

	model := &storage.SnapshotModel{
		AggregateID:     aggregateID,
		AggregateType:   aggregateType,
		SequenceNumber:  atSequence,
		Timestamp:       ev.Timestamp,
		StateCompressed: compressed,
		Checksum:        blobstore.HashContent(raw),
	}

	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(model).
			On("CONFLICT (aggregate_id) DO UPDATE").
			Set("aggregate_type = EXCLUDED.aggregate_type").
			Set("sequence_number = EXCLUDED.sequence_number").
			Set("timestamp = EXCLUDED.timestamp").
			Set("state_compressed = EXCLUDED.state_compressed").
			Set("checksum = EXCLUDED.checksum").
			Exec(ctx); err != nil {
			return err
		}
		return storage.AdvanceMetadataInt(ctx, tx, storage.MetaLastSnapshotSequence, atSequence)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store snapshot: %w", err)
	}

	snap := &Snapshot{
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		SequenceNumber: atSequence,
		Timestamp:      ev.Timestamp,
		Checksum:       model.Checksum,
		CompressedSize: int64(len(compressed)),
	}
	metrics.IncSnapshotsCaptured()
	log.Debugf("[Snapshot] captured %s at #%d (%d -> %d bytes)", aggregateID, atSequence, len(raw), len(compressed))

	if s.opts.RecordEvents {
		s.record(ctx, eventlog.SnapshotCreated, snap, map[string]any{
			"sequence_number":         atSequence,
			"compressed_size_bytes":   len(compressed),
			"uncompressed_size_bytes": len(raw),
		})
	}
	return snap, nil
}

func (s *Store) record(ctx context.Context, t eventlog.EventType, snap *Snapshot, payload map[string]any) {
	res := s.events.Emit(ctx, eventlog.Draft{
		Actor:         "system",
		EventType:     t,
		AggregateID:   snap.AggregateID,
		AggregateType: snap.AggregateType,
		Payload:       payload,
	})
	if !res.Success {
		log.Warnf("[Snapshot] failed to record %s: %s", t, res.Error)
	}
}

// Get returns snapshot metadata for aggregateID, or common.ErrNotFound.
func (s *Store) Get(ctx context.Context, aggregateID string) (*Snapshot, error) {
	var rows []snapshotRow
	if err := selectRows(s.db.Bun(), &rows).Where("aggregate_id = ?", aggregateID).Scan(ctx); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("snapshot %s: %w", aggregateID, common.ErrNotFound)
	}
	return fromRow(&rows[0]), nil
}

// LatestSnapshotAtOrBefore returns the aggregate's snapshot if it summarizes
// a sequence at or before sequence, otherwise common.ErrNotFound.
func (s *Store) LatestSnapshotAtOrBefore(ctx context.Context, aggregateID string, sequence int64) (*Snapshot, error) {
	snap, err := s.Get(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if snap.SequenceNumber > sequence {
		return nil, fmt.Errorf("snapshot %s is at #%d, after #%d: %w", aggregateID, snap.SequenceNumber, sequence, common.ErrNotFound)
	}
	return snap, nil
}

// LatestAtOrBeforeTimestamp returns the aggregate's snapshot if its
// timestamp is at or before ts, otherwise common.ErrNotFound.
func (s *Store) LatestAtOrBeforeTimestamp(ctx context.Context, aggregateID string, ts int64) (*Snapshot, error) {
	snap, err := s.Get(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if snap.Timestamp > ts {
		return nil, fmt.Errorf("snapshot %s is at %d, after %d: %w", aggregateID, snap.Timestamp, ts, common.ErrNotFound)
	}
	return snap, nil
}

// LatestOfType returns the snapshot of aggregateType with the greatest
// sequence such that sequence <= maxSequence and timestamp <= maxTimestamp.
// Zero bounds are open.
func (s *Store) LatestOfType(ctx context.Context, aggregateType string, maxSequence, maxTimestamp int64) (*Snapshot, error) {
	var rows []snapshotRow
	q := selectRows(s.db.Bun(), &rows).
		Where("aggregate_type = ?", aggregateType).
		Order("sequence_number DESC").
		Limit(1)
	if maxSequence > 0 {
		q = q.Where("sequence_number <= ?", maxSequence)
	}
	if maxTimestamp > 0 {
		q = q.Where("timestamp <= ?", maxTimestamp)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s snapshot at or before #%d/%d: %w", aggregateType, maxSequence, maxTimestamp, common.ErrNotFound)
	}
	return fromRow(&rows[0]), nil
}

// Load decompresses the snapshot state into out after checking its
// checksum. A mismatch wraps common.ErrIntegrity.
func (s *Store) Load(ctx context.Context, snap *Snapshot, out any) error {
	var compressed []byte
	err := s.db.SQL().QueryRowContext(ctx,
		"SELECT state_compressed FROM snapshots WHERE aggregate_id = ?", snap.AggregateID,
	).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("snapshot %s: %w", snap.AggregateID, common.ErrNotFound)
	}
	if err != nil {
		return err
	}

	raw, err := blobstore.Decompress(compressed)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w: %v", snap.AggregateID, common.ErrIntegrity, err)
	}
	if got := blobstore.HashContent(raw); got != snap.Checksum {
		return fmt.Errorf("snapshot %s: %w: checksum mismatch", snap.AggregateID, common.ErrIntegrity)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("snapshot %s: %w: %v", snap.AggregateID, common.ErrIntegrity, err)
	}
	return nil
}

// List returns snapshots newest first, filtered by aggregateType when set.
func (s *Store) List(ctx context.Context, aggregateType string) ([]*Snapshot, error) {
	var rows []snapshotRow
	q := selectRows(s.db.Bun(), &rows).Order("sequence_number DESC")
	if aggregateType != "" {
		q = q.Where("aggregate_type = ?", aggregateType)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	snaps := make([]*Snapshot, len(rows))
	for i := range rows {
		snaps[i] = fromRow(&rows[i])
	}
	return snaps, nil
}

// Delete removes the snapshot of aggregateID.
func (s *Store) Delete(ctx context.Context, aggregateID string) error {
	snap, err := s.Get(ctx, aggregateID)
	if err != nil {
		return err
	}
	if _, err := s.db.Bun().NewDelete().
		Model((*storage.SnapshotModel)(nil)).
		Where("aggregate_id = ?", aggregateID).
		Exec(ctx); err != nil {
		return err
	}
	log.Debugf("[Snapshot] deleted %s", aggregateID)
	if s.opts.RecordEvents {
		s.record(ctx, eventlog.SnapshotDeleted, snap, map[string]any{"sequence_number": snap.SequenceNumber})
	}
	return nil
}

// Prune keeps the newest keep snapshots of aggregateType and deletes the
// rest. keep <= 0 disables pruning.
func (s *Store) Prune(ctx context.Context, aggregateType string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Bun().NewRaw(`
		DELETE FROM snapshots
		WHERE aggregate_type = ? AND aggregate_id NOT IN (
			SELECT aggregate_id FROM snapshots
			WHERE aggregate_type = ?
			ORDER BY sequence_number DESC
			LIMIT ?
		)
	`, aggregateType, aggregateType, keep).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debugf("[Snapshot] pruned %d %s snapshot(s)", n, aggregateType)
	}
	return int(n), nil
}

// LastSnapshotSequence returns metadata.last_snapshot_sequence.
func (s *Store) LastSnapshotSequence(ctx context.Context) (int64, error) {
	return s.db.GetMetadataInt(ctx, storage.MetaLastSnapshotSequence)
}
