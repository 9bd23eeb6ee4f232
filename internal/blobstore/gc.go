package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"timeline/internal/metrics"
	"timeline/internal/storage"
)

// RootSource contributes blob hashes that must survive garbage collection.
type RootSource interface {
	BlobRoots(ctx context.Context) ([]string, error)
}

// RootFunc adapts a function to RootSource.
type RootFunc func(ctx context.Context) ([]string, error)

func (f RootFunc) BlobRoots(ctx context.Context) ([]string, error) { return f(ctx) }

// GCOptions configures GarbageCollect.
type GCOptions struct {
	// DryRun reports what would be deleted without deleting.
	DryRun bool
	// MinAge keeps blobs younger than this. Blobs created after the mark
	// phase started are always kept.
	MinAge time.Duration
	// Roots are extra root sources besides file trees and file events.
	Roots []RootSource
}

// GCResult reports a collection run.
type GCResult struct {
	Scanned    int64 `json:"scanned"`
	Marked     int64 `json:"marked"`
	Deleted    int64 `json:"deleted"`
	FreedBytes int64 `json:"freed_bytes"`
	DryRun     bool  `json:"dry_run"`
}

// gcMark is a row of the temporary mark table.
type gcMark struct {
	bun.BaseModel `bun:"table:gc_marked"`

	Hash string `bun:"hash,pk"`
}

const gcInsertBatch = 500

// fileEventRoots selects every content hash named by a file event payload.
const fileEventRoots = `
SELECT h FROM (
    SELECT json_extract(payload, '$.new_hash') AS h FROM events WHERE substr(event_type, 1, 5) = 'FILE_'
    UNION
    SELECT json_extract(payload, '$.content_hash') FROM events WHERE substr(event_type, 1, 5) = 'FILE_'
    UNION
    SELECT json_extract(payload, '$.old_hash') FROM events WHERE substr(event_type, 1, 5) = 'FILE_'
) WHERE h IS NOT NULL AND h != ''
`

// GarbageCollect removes blobs no longer reachable from any root.
//
// Mark: every hash in any file tree, every hash named by a FILE_* event
// payload and every hash from opts.Roots, then transitively each marked
// delta's base_hash chain. Blobs younger than opts.MinAge count as roots.
// Sweep: unmarked blobs created before the mark started are deleted in one
// transaction.
func (s *Store) GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error) {
	start := storage.NowMicros()
	cutoff := start - opts.MinAge.Microseconds()
	result := &GCResult{DryRun: opts.DryRun}

	marked, err := s.mark(ctx, opts.Roots, cutoff)
	if err != nil {
		return nil, fmt.Errorf("gc mark: %w", err)
	}
	result.Marked = int64(len(marked))

	err = s.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, "CREATE TEMP TABLE IF NOT EXISTS gc_marked (hash TEXT PRIMARY KEY)"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM gc_marked"); err != nil {
			return err
		}
		defer tx.ExecContext(ctx, "DROP TABLE IF EXISTS gc_marked")

		batch := make([]gcMark, 0, gcInsertBatch)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			_, err := tx.NewInsert().Model(&batch).Ignore().Exec(ctx)
			batch = batch[:0]
			return err
		}
		for h := range marked {
			batch = append(batch, gcMark{Hash: h})
			if len(batch) == gcInsertBatch {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}

		if err := tx.NewRaw("SELECT COUNT(*) FROM file_blobs").Scan(ctx, &result.Scanned); err != nil {
			return err
		}

		const sweepWhere = "hash NOT IN (SELECT hash FROM temp.gc_marked) AND created_at <= ?"
		if err := tx.NewRaw(
			"SELECT COUNT(*), COALESCE(SUM(compressed_size), 0) FROM file_blobs WHERE "+sweepWhere, cutoff,
		).Scan(ctx, &result.Deleted, &result.FreedBytes); err != nil {
			return err
		}
		if opts.DryRun || result.Deleted == 0 {
			return nil
		}

		// One statement: a delta and its unmarked base go together, so the
		// base_hash foreign key is satisfied at statement end.
		res, err := tx.ExecContext(ctx, "DELETE FROM file_blobs WHERE "+sweepWhere, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		result.Deleted = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gc sweep: %w", err)
	}

	if !opts.DryRun {
		metrics.AddGCDeletedBlobs(int(result.Deleted))
	}
	log.Debugf("[BlobStore] gc scanned=%d marked=%d deleted=%d freed=%dB dry_run=%v",
		result.Scanned, result.Marked, result.Deleted, result.FreedBytes, opts.DryRun)
	return result, nil
}

// mark collects the reachable set, following delta base chains. Blobs
// created after cutoff are roots too, so their bases survive.
func (s *Store) mark(ctx context.Context, extra []RootSource, cutoff int64) (map[string]struct{}, error) {
	marked := make(map[string]struct{})
	add := func(h string) {
		if h != "" {
			marked[h] = struct{}{}
		}
	}

	// File trees
	var trees []storage.FileTreeModel
	if err := s.db.Bun().NewSelect().Model(&trees).Column("hash", "tree_json").Scan(ctx); err != nil {
		return nil, err
	}
	for _, t := range trees {
		entries := map[string]TreeEntry{}
		if err := json.Unmarshal([]byte(t.TreeJSON), &entries); err != nil {
			// An unreadable tree would make GC unsafe.
			return nil, fmt.Errorf("tree %s: %w", t.Hash, err)
		}
		for _, e := range entries {
			add(e.Hash)
		}
	}

	// File event payloads
	var eventHashes []string
	if err := s.db.Bun().NewRaw(fileEventRoots).Scan(ctx, &eventHashes); err != nil {
		return nil, err
	}
	for _, h := range eventHashes {
		add(h)
	}

	for _, src := range extra {
		hashes, err := src.BlobRoots(ctx)
		if err != nil {
			return nil, err
		}
		for _, h := range hashes {
			add(h)
		}
	}

	var young []string
	if err := s.db.Bun().NewRaw("SELECT hash FROM file_blobs WHERE created_at > ?", cutoff).Scan(ctx, &young); err != nil {
		return nil, err
	}
	for _, h := range young {
		add(h)
	}

	// Delta chains
	var deltas []storage.BlobInfoModel
	if err := s.db.Bun().NewSelect().Model(&deltas).
		Column("hash", "base_hash").
		Where("is_delta = 1").
		Scan(ctx); err != nil {
		return nil, err
	}
	baseOf := make(map[string]string, len(deltas))
	for _, d := range deltas {
		baseOf[d.Hash] = d.BaseHash
	}
	roots := make([]string, 0, len(marked))
	for h := range marked {
		roots = append(roots, h)
	}
	for _, h := range roots {
		for base, ok := baseOf[h]; ok && base != ""; base, ok = baseOf[base] {
			if _, seen := marked[base]; seen {
				break
			}
			marked[base] = struct{}{}
		}
	}
	return marked, nil
}
