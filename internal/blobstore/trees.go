package blobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"timeline/internal/common"
	"timeline/internal/storage"
)

// TreeEntry is one path of a file tree.
type TreeEntry struct {
	Hash   string `json:"hash"`
	Exists bool   `json:"exists"`
}

// FileTree is a node of the tree DAG: the state of every tracked path at
// one instant, linked to the previous tree by ParentHash.
type FileTree struct {
	Hash       string               `json:"hash"`
	Entries    map[string]TreeEntry `json:"entries"`
	ParentHash string               `json:"parent_hash,omitempty"`
	Timestamp  int64                `json:"timestamp"`
	TotalFiles int64                `json:"total_files"`
}

// EncodeTree returns the canonical JSON of entries and its hash.
// encoding/json sorts map keys, so equal trees encode identically.
func EncodeTree(entries map[string]TreeEntry) (string, string, error) {
	if entries == nil {
		entries = map[string]TreeEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return "", "", err
	}
	return string(data), HashContent(data), nil
}

// PutTree records a tree node. Recording an identical tree again returns
// the existing node. parentHash, when set, must name a stored tree.
func (s *Store) PutTree(ctx context.Context, entries map[string]TreeEntry, parentHash string, timestamp int64) (*FileTree, error) {
	treeJSON, hash, err := EncodeTree(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree: %w", err)
	}
	if parentHash == hash {
		parentHash = ""
	}
	if timestamp <= 0 {
		timestamp = storage.NowMicros()
	}

	var total int64
	for _, e := range entries {
		if e.Exists {
			total++
		}
	}

	model := &storage.FileTreeModel{
		Hash:       hash,
		TreeJSON:   treeJSON,
		ParentHash: parentHash,
		Timestamp:  timestamp,
		TotalFiles: total,
	}
	if _, err := s.db.Bun().NewInsert().Model(model).Ignore().Exec(ctx); err != nil {
		if parentHash != "" {
			if ok, _ := s.hasTree(ctx, parentHash); !ok {
				return nil, fmt.Errorf("parent tree %s: %w", parentHash, common.ErrNotFound)
			}
		}
		return nil, fmt.Errorf("failed to store tree: %w", err)
	}
	log.Debugf("[BlobStore] tree %s (%d files, parent=%s)", hash[:12], total, shortHash(parentHash))
	return s.GetTree(ctx, hash)
}

func (s *Store) hasTree(ctx context.Context, hash string) (bool, error) {
	return s.db.Bun().NewSelect().
		Model((*storage.FileTreeModel)(nil)).
		Where("hash = ?", hash).
		Exists(ctx)
}

// GetTree loads a tree node by hash.
func (s *Store) GetTree(ctx context.Context, hash string) (*FileTree, error) {
	var m storage.FileTreeModel
	err := s.db.Bun().NewSelect().Model(&m).Where("hash = ?", hash).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tree %s: %w", hash, common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return treeFromModel(&m)
}

// LatestTree returns the most recent tree node, or common.ErrNotFound.
func (s *Store) LatestTree(ctx context.Context) (*FileTree, error) {
	var m storage.FileTreeModel
	err := s.db.Bun().NewSelect().Model(&m).
		OrderExpr("timestamp DESC, rowid DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest tree: %w", common.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return treeFromModel(&m)
}

// ListTrees returns tree nodes newest first, without entries.
func (s *Store) ListTrees(ctx context.Context, limit int) ([]*FileTree, error) {
	var ms []storage.FileTreeModel
	q := s.db.Bun().NewSelect().Model(&ms).
		Column("hash", "parent_hash", "timestamp", "total_files").
		OrderExpr("timestamp DESC, rowid DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	trees := make([]*FileTree, len(ms))
	for i, m := range ms {
		trees[i] = &FileTree{Hash: m.Hash, ParentHash: m.ParentHash, Timestamp: m.Timestamp, TotalFiles: m.TotalFiles}
	}
	return trees, nil
}

func treeFromModel(m *storage.FileTreeModel) (*FileTree, error) {
	entries := map[string]TreeEntry{}
	if err := json.Unmarshal([]byte(m.TreeJSON), &entries); err != nil {
		return nil, fmt.Errorf("tree %s: %w: %v", m.Hash, common.ErrIntegrity, err)
	}
	return &FileTree{
		Hash:       m.Hash,
		Entries:    entries,
		ParentHash: m.ParentHash,
		Timestamp:  m.Timestamp,
		TotalFiles: m.TotalFiles,
	}, nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "-"
	}
	return h
}
