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

package storage

import (
	"github.com/uptrace/bun"
)

// Bun ORM models for timeline tables. Columns mirror timelineSchema;
// nullable TEXT columns use nullzero so the empty string round-trips as NULL.
// All timestamps are Unix microseconds.

// EventModel represents the events table
type EventModel struct {
	bun.BaseModel `bun:"table:events"`

	ID             string `bun:"id,pk"`
	Timestamp      int64  `bun:"timestamp,notnull"`
	SequenceNumber int64  `bun:"sequence_number,notnull"`
	Actor          string `bun:"actor,notnull"`
	EventType      string `bun:"event_type,notnull"`
	AggregateID    string `bun:"aggregate_id,nullzero"`
	AggregateType  string `bun:"aggregate_type,nullzero"`
	Payload        string `bun:"payload,notnull"` // JSON
	CorrelationID  string `bun:"correlation_id,nullzero"`
	CausationID    string `bun:"causation_id,nullzero"`
	Metadata       string `bun:"metadata,nullzero"` // JSON
	Checksum       string `bun:"checksum,notnull"`
}

// BlobModel represents the file_blobs table
type BlobModel struct {
	bun.BaseModel `bun:"table:file_blobs"`

	Hash           string `bun:"hash,pk"`
	Content        []byte `bun:"content,notnull"` // gzip
	IsDelta        bool   `bun:"is_delta,notnull"`
	BaseHash       string `bun:"base_hash,nullzero"`
	Size           int64  `bun:"size,notnull"`
	CompressedSize int64  `bun:"compressed_size,notnull"`
	CreatedAt      int64  `bun:"created_at,notnull"`
}

// BlobInfoModel selects file_blobs metadata without the content column.
type BlobInfoModel struct {
	bun.BaseModel `bun:"table:file_blobs"`

	Hash           string `bun:"hash,pk"`
	IsDelta        bool   `bun:"is_delta,notnull"`
	BaseHash       string `bun:"base_hash,nullzero"`
	Size           int64  `bun:"size,notnull"`
	CompressedSize int64  `bun:"compressed_size,notnull"`
	CreatedAt      int64  `bun:"created_at,notnull"`
}

// FileTreeModel represents the file_trees table
type FileTreeModel struct {
	bun.BaseModel `bun:"table:file_trees"`

	Hash       string `bun:"hash,pk"`
	TreeJSON   string `bun:"tree_json,notnull"`
	ParentHash string `bun:"parent_hash,nullzero"`
	Timestamp  int64  `bun:"timestamp,notnull"`
	TotalFiles int64  `bun:"total_files,notnull"`
}

// SnapshotModel represents the snapshots table (one live row per aggregate)
type SnapshotModel struct {
	bun.BaseModel `bun:"table:snapshots"`

	AggregateID     string `bun:"aggregate_id,pk"`
	AggregateType   string `bun:"aggregate_type,notnull"`
	SequenceNumber  int64  `bun:"sequence_number,notnull"`
	Timestamp       int64  `bun:"timestamp,notnull"`
	StateCompressed []byte `bun:"state_compressed,notnull"`
	Checksum        string `bun:"checksum,notnull"`
}

// RewindCacheModel represents the rewind_cache table
type RewindCacheModel struct {
	bun.BaseModel `bun:"table:rewind_cache"`

	TargetTimestamp  int64  `bun:"target_timestamp,pk"`
	SnapshotSequence int64  `bun:"snapshot_sequence,notnull"`
	TreeHash         string `bun:"tree_hash,notnull"`
	StateJSON        string `bun:"state_json,notnull"`
	CreatedAt        int64  `bun:"created_at,notnull"`
	HitCount         int64  `bun:"hit_count,notnull"`
}

// MetadataModel represents the metadata key/value table
type MetadataModel struct {
	bun.BaseModel `bun:"table:metadata"`

	Key       string `bun:"key,pk"`
	Value     string `bun:"value,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}
