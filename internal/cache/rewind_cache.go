package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"timeline/internal/storage"
)

// Entry is one cached reconstruction.
type Entry struct {
	TargetTimestamp  int64           `json:"target_timestamp"`
	SnapshotSequence int64           `json:"snapshot_sequence"`
	TreeHash         string          `json:"tree_hash"`
	State            json.RawMessage `json:"state"`
	CreatedAt        int64           `json:"created_at"`
	HitCount         int64           `json:"hit_count"`
}

// Stats summarizes the cache.
type Stats struct {
	Entries      int64 `json:"entries"`
	TotalHits    int64 `json:"total_hits"`
	OldestTarget int64 `json:"oldest_target,omitempty"`
	NewestTarget int64 `json:"newest_target,omitempty"`
}

// RewindCache maps target timestamps to reconstructed state, persisted in
// the rewind_cache table.
//
// Thread-safe: every operation is a single statement or transaction.
type RewindCache struct {
	db         *storage.DB
	maxEntries int
	disabled   bool
	now        func() time.Time
}

// Config configures a RewindCache.
type Config struct {
	// MaxEntries bounds the table after each Put (0 for unlimited).
	MaxEntries int
	// Disabled turns every lookup into a miss and every store into a
	// no-op. Stats, Clear and Prune still operate on the table.
	Disabled bool
}

// NewRewindCache creates a cache over db.
func NewRewindCache(db *storage.DB, cfg Config) *RewindCache {
	return &RewindCache{db: db, maxEntries: cfg.MaxEntries, disabled: cfg.Disabled, now: time.Now}
}

// Disabled reports whether lookups and stores are turned off.
func (c *RewindCache) Disabled() bool {
	return c.disabled
}

// Get returns the entry for target and bumps its hit count in the same
// transaction. Returns nil on a miss or when caching is disabled.
func (c *RewindCache) Get(ctx context.Context, target int64) (*Entry, error) {
	if c.disabled {
		return nil, nil
	}

	var entry *Entry
	err := c.db.RunInTx(ctx, func(ctx context.Context, tx bun.Tx) error {
		m := new(storage.RewindCacheModel)
		err := tx.NewSelect().Model(m).Where("target_timestamp = ?", target).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.NewUpdate().Model((*storage.RewindCacheModel)(nil)).
			Set("hit_count = hit_count + 1").
			Where("target_timestamp = ?", target).
			Exec(ctx); err != nil {
			return err
		}
		entry = &Entry{
			TargetTimestamp:  m.TargetTimestamp,
			SnapshotSequence: m.SnapshotSequence,
			TreeHash:         m.TreeHash,
			State:            json.RawMessage(m.StateJSON),
			CreatedAt:        m.CreatedAt,
			HitCount:         m.HitCount + 1,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rewind cache get %d: %w", target, err)
	}
	if entry != nil {
		log.Debugf("[Cache] hit for %d (hits=%d)", target, entry.HitCount)
	}
	return entry, nil
}

// Put stores state for target, replacing any previous entry. The tree
// must already exist in file_trees.
func (c *RewindCache) Put(ctx context.Context, target, snapshotSequence int64, treeHash string, state any) error {
	if c.disabled {
		return nil
	}
	if target <= 0 {
		return fmt.Errorf("rewind cache put: invalid target %d", target)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("rewind cache put: %w", err)
	}
	m := &storage.RewindCacheModel{
		TargetTimestamp:  target,
		SnapshotSequence: snapshotSequence,
		TreeHash:         treeHash,
		StateJSON:        string(raw),
		CreatedAt:        c.now().UnixMicro(),
	}
	if _, err := c.db.Bun().NewInsert().Model(m).
		On("CONFLICT (target_timestamp) DO UPDATE").
		Set("snapshot_sequence = EXCLUDED.snapshot_sequence").
		Set("tree_hash = EXCLUDED.tree_hash").
		Set("state_json = EXCLUDED.state_json").
		Set("created_at = EXCLUDED.created_at").
		Exec(ctx); err != nil {
		return fmt.Errorf("rewind cache put %d: %w", target, err)
	}
	log.Debugf("[Cache] stored %d (tree %s)", target, treeHash)

	if c.maxEntries > 0 {
		if _, err := c.Prune(ctx, c.maxEntries); err != nil {
			log.Warnf("[Cache] prune failed: %v", err)
		}
	}
	return nil
}

// Clear removes every entry and returns how many were removed.
func (c *RewindCache) Clear(ctx context.Context) (int, error) {
	res, err := c.db.Bun().NewDelete().Model((*storage.RewindCacheModel)(nil)).
		Where("1 = 1").
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	log.Debugf("[Cache] cleared %d entries", n)
	return int(n), nil
}

// Prune keeps the max most recently created entries.
func (c *RewindCache) Prune(ctx context.Context, max int) (int, error) {
	if max < 0 {
		max = 0
	}
	res, err := c.db.Bun().NewRaw(`
		DELETE FROM rewind_cache
		WHERE target_timestamp NOT IN (
			SELECT target_timestamp FROM rewind_cache
			ORDER BY created_at DESC, target_timestamp DESC
			LIMIT ?
		)
	`, max).Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Stats returns entry and hit totals.
func (c *RewindCache) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	var oldest, newest sql.NullInt64
	if err := c.db.Bun().NewRaw(`
		SELECT COUNT(*), COALESCE(SUM(hit_count), 0), MIN(target_timestamp), MAX(target_timestamp)
		FROM rewind_cache
	`).Scan(ctx, &st.Entries, &st.TotalHits, &oldest, &newest); err != nil {
		return nil, err
	}
	st.OldestTarget = oldest.Int64
	st.NewestTarget = newest.Int64
	return &st, nil
}
