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

// Package blobstore is the content-addressable blob store and the file tree
// DAG built on top of it. A blob's hash is the sha256 of its uncompressed
// bytes; contents are gzip-compressed at rest.
package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"timeline/internal/common"
	"timeline/internal/metrics"
	"timeline/internal/storage"
	"timeline/internal/util"
)

// BlobInfo is blob metadata without content.
type BlobInfo struct {
	Hash           string `json:"hash"`
	Size           int64  `json:"size"`
	CompressedSize int64  `json:"compressed_size"`
	IsDelta        bool   `json:"is_delta"`
	BaseHash       string `json:"base_hash,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// Stats aggregates blob store usage.
type Stats struct {
	TotalBlobs          int64   `json:"total_blobs"`
	TotalSize           int64   `json:"total_size"`
	TotalCompressedSize int64   `json:"total_compressed_size"`
	CompressionRatio    float64 `json:"compression_ratio"` // compressed/size, 0 when empty
	DeltaBlobs          int64   `json:"delta_blobs"`
	TotalTrees          int64   `json:"total_trees"`
}

// Store is the blob store bound to one database handle.
type Store struct {
	db *storage.DB
}

// New creates a Store over db.
func New(db *storage.DB) *Store {
	return &Store{db: db}
}

func infoFromModel(m *storage.BlobInfoModel) *BlobInfo {
	return &BlobInfo{
		Hash:           m.Hash,
		Size:           m.Size,
		CompressedSize: m.CompressedSize,
		IsDelta:        m.IsDelta,
		BaseHash:       m.BaseHash,
		CreatedAt:      m.CreatedAt,
	}
}

// StoreBlob stores data as a full blob. If the hash already exists the
// existing record is returned unchanged and nothing is written.
func (s *Store) StoreBlob(ctx context.Context, data []byte) (*BlobInfo, error) {
	return s.store(ctx, data, "")
}

// StoreDelta stores data as a delta against baseHash. The base must exist;
// the delta bytes are not interpreted.
func (s *Store) StoreDelta(ctx context.Context, data []byte, baseHash string) (*BlobInfo, error) {
	if baseHash == "" {
		return nil, fmt.Errorf("%w: delta requires a base hash", common.ErrInvalidPayload)
	}
	ok, err := s.HasBlob(ctx, baseHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("delta base %s: %w", baseHash, common.ErrNotFound)
	}
	return s.store(ctx, data, baseHash)
}

func (s *Store) store(ctx context.Context, data []byte, baseHash string) (*BlobInfo, error) {
	hash := HashContent(data)

	if existing, err := s.GetBlobInfo(ctx, hash); err == nil {
		metrics.IncBlobsStored(metrics.BlobDedup)
		log.Tracef("[BlobStore] dedup %s", shortHash(hash))
		return existing, nil
	} else if !errors.Is(err, common.ErrNotFound) {
		return nil, err
	}

	compressed, err := Compress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to compress blob: %w", err)
	}
	model := &storage.BlobModel{
		Hash:           hash,
		Content:        compressed,
		IsDelta:        baseHash != "",
		BaseHash:       baseHash,
		Size:           int64(len(data)),
		CompressedSize: int64(len(compressed)),
		CreatedAt:      storage.NowMicros(),
	}

	inserted, err := util.RetryWithResult(ctx, func() (bool, error) {
		res, err := s.db.Bun().NewInsert().Model(model).Ignore().Exec(ctx)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}, util.DatabaseRetryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("failed to store blob %s: %w", hash, err)
	}

	if !inserted {
		// A concurrent writer stored the same content first.
		metrics.IncBlobsStored(metrics.BlobDedup)
		return s.GetBlobInfo(ctx, hash)
	}
	metrics.IncBlobsStored(metrics.BlobStored)
	log.Debugf("[BlobStore] stored %s (%d -> %d bytes, delta=%v)", shortHash(hash), model.Size, model.CompressedSize, model.IsDelta)
	return &BlobInfo{
		Hash:           hash,
		Size:           model.Size,
		CompressedSize: model.CompressedSize,
		IsDelta:        model.IsDelta,
		BaseHash:       baseHash,
		CreatedAt:      model.CreatedAt,
	}, nil
}

// RetrieveBlob returns the decompressed bytes stored under hash.
// Returns common.ErrNotFound when absent and common.ErrIntegrity when the
// stored bytes no longer hash to hash.
func (s *Store) RetrieveBlob(ctx context.Context, hash string) ([]byte, error) {
	var m storage.BlobModel
	err := s.db.Bun().NewSelect().Model(&m).Where("hash = ?", hash).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", hash, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	data, err := Decompress(m.Content)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w: %v", hash, common.ErrIntegrity, err)
	}
	if got := HashContent(data); got != hash {
		return nil, fmt.Errorf("blob %s: %w: content hashes to %s", hash, common.ErrIntegrity, got)
	}
	return data, nil
}

// GetBlobInfo returns metadata for hash without reading the content column.
func (s *Store) GetBlobInfo(ctx context.Context, hash string) (*BlobInfo, error) {
	var m storage.BlobInfoModel
	err := s.db.Bun().NewSelect().Model(&m).Where("hash = ?", hash).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", hash, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return infoFromModel(&m), nil
}

// HasBlob reports whether hash is stored.
func (s *Store) HasBlob(ctx context.Context, hash string) (bool, error) {
	return s.db.Bun().NewSelect().
		Model((*storage.BlobInfoModel)(nil)).
		Where("hash = ?", hash).
		Exists(ctx)
}

// DeleteBlob removes a single blob. Deleting the base of a remaining
// delta is refused with common.ErrIntegrity.
func (s *Store) DeleteBlob(ctx context.Context, hash string) error {
	var dependents int
	if err := s.db.Bun().NewRaw(
		"SELECT COUNT(*) FROM file_blobs WHERE base_hash = ?", hash,
	).Scan(ctx, &dependents); err != nil {
		return err
	}
	if dependents > 0 {
		return fmt.Errorf("blob %s: %w: base of %d delta blob(s)", hash, common.ErrIntegrity, dependents)
	}

	res, err := s.db.Bun().NewDelete().
		Model((*storage.BlobInfoModel)(nil)).
		Where("hash = ?", hash).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("blob %s: %w", hash, common.ErrNotFound)
	}
	log.Debugf("[BlobStore] deleted %s", shortHash(hash))
	return nil
}

// GetStats aggregates counts and sizes. Used for capacity display only.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	err := s.db.Bun().NewRaw(`
		SELECT
			COUNT(*),
			COALESCE(SUM(size), 0),
			COALESCE(SUM(compressed_size), 0),
			COALESCE(SUM(CASE WHEN is_delta = 1 THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM file_trees)
		FROM file_blobs
	`).Scan(ctx, &st.TotalBlobs, &st.TotalSize, &st.TotalCompressedSize, &st.DeltaBlobs, &st.TotalTrees)
	if err != nil {
		return nil, err
	}
	if st.TotalSize > 0 {
		st.CompressionRatio = float64(st.TotalCompressedSize) / float64(st.TotalSize)
	}
	return st, nil
}
