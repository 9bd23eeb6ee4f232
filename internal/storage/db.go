package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"timeline/internal/common"
)

// DB is the handle to a timeline database file. It is created by the process
// entry point and passed to every component; there is no package-level instance.
type DB struct {
	path  string
	sqlDB *sql.DB
	bun   *bun.DB
}

// NowMicros returns the current wall clock in Unix microseconds.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	return rows.Close()
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, ctx DBContext) error {
	// Busy timeout first so journal_mode=WAL waits for the exclusive lock.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout(ctx))); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// 64MB page cache
	if err := execPragma(db, "PRAGMA cache_size = -64000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	_ = execPragma(db, "PRAGMA temp_store = MEMORY")
	return nil
}

// Open opens (creating if needed) a timeline database with the default context.
func Open(path string) (*DB, error) {
	return OpenWithContext(path, DBContextDefault)
}

// OpenWithContext opens (creating if needed) a timeline database, applies the
// schema and seeds metadata. An existing file written by a different schema
// version is refused.
func OpenWithContext(path string, ctx DBContext) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("libsql", BuildDSN(path, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// PRAGMAs are per connection; a single pooled connection keeps
	// foreign_keys and busy_timeout in force for every statement.
	sqlDB.SetMaxOpenConns(1)

	if err := applyPragmas(sqlDB, ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if err := execStatements(sqlDB, timelineSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	now := NowMicros()
	nowStr := strconv.FormatInt(now, 10)
	if err := execStatements(sqlDB, initMetadata,
		SchemaVersion, now,
		nowStr, now,
		now,
		now,
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	db := &DB{
		path:  path,
		sqlDB: sqlDB,
		bun:   bun.NewDB(sqlDB, sqlitedialect.New()),
	}

	version, err := db.GetMetadata(context.Background(), MetaSchemaVersion)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	}
	if version != SchemaVersion {
		sqlDB.Close()
		return nil, fmt.Errorf("%w: file has %s, expected %s", common.ErrSchemaMismatch, version, SchemaVersion)
	}

	log.Debugf("[Storage] opened %s (busy_timeout=%dms)", path, GetBusyTimeout(ctx))
	return db, nil
}

// Close checkpoints the WAL into the main database and closes the handle.
// The -wal and -shm files stay in place for other processes that may still
// be reading; TRUNCATE leaves the WAL empty.
func (db *DB) Close() error {
	if db.sqlDB == nil {
		return nil
	}
	if err := execPragma(db.sqlDB, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[Storage] WAL checkpoint failed: %v", err)
	}
	err := db.sqlDB.Close()
	db.sqlDB = nil
	return err
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// SQL returns the underlying *sql.DB.
func (db *DB) SQL() *sql.DB {
	return db.sqlDB
}

// Bun returns the Bun query builder bound to this database.
func (db *DB) Bun() *bun.DB {
	return db.bun
}

// RunInTx wraps fn in a single SQLite transaction.
// fn must use tx for every statement: the pool holds one connection.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) error) error {
	return db.bun.RunInTx(ctx, nil, fn)
}

// --- Metadata ---

// GetMetadata returns a metadata value, or common.ErrNotFound.
func (db *DB) GetMetadata(ctx context.Context, key string) (string, error) {
	return GetMetadataWith(ctx, db.bun, key)
}

// GetMetadataWith reads a metadata value through idb (a tx or the db).
func GetMetadataWith(ctx context.Context, idb bun.IDB, key string) (string, error) {
	var m MetadataModel
	err := idb.NewSelect().Model(&m).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("metadata %q: %w", key, common.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return m.Value, nil
}

// GetMetadataInt returns an integer metadata value; missing keys read as 0.
func (db *DB) GetMetadataInt(ctx context.Context, key string) (int64, error) {
	v, err := db.GetMetadata(ctx, key)
	if errors.Is(err, common.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("metadata %q is not an integer: %w", key, err)
	}
	return n, nil
}

// SetMetadata upserts a metadata value.
func (db *DB) SetMetadata(ctx context.Context, key, value string) error {
	return SetMetadataWith(ctx, db.bun, key, value)
}

// SetMetadataWith upserts a metadata value through idb.
func SetMetadataWith(ctx context.Context, idb bun.IDB, key, value string) error {
	_, err := idb.NewInsert().
		Model(&MetadataModel{Key: key, Value: value, UpdatedAt: NowMicros()}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// AdvanceMetadataInt raises an integer metadata value to v; lower values are ignored.
func AdvanceMetadataInt(ctx context.Context, idb bun.IDB, key string, v int64) error {
	_, err := idb.NewRaw(`
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
		WHERE CAST(metadata.value AS INTEGER) < CAST(EXCLUDED.value AS INTEGER)
	`, key, strconv.FormatInt(v, 10), NowMicros()).Exec(ctx)
	return err
}

// --- Maintenance ---

// Stats holds row counts and file size for the whole database.
type Stats struct {
	TotalEvents     int64  `json:"total_events"`
	TotalSnapshots  int64  `json:"total_snapshots"`
	TotalBlobs      int64  `json:"total_blobs"`
	TotalTrees      int64  `json:"total_trees"`
	CacheEntries    int64  `json:"cache_entries"`
	LastEventTime   int64  `json:"last_event_time"` // Unix micros, 0 when empty
	LastSequence    int64  `json:"last_sequence"`
	SizeBytes       int64  `json:"size_bytes"`
	SchemaVersion   string `json:"schema_version"`
	LastSnapshotSeq int64  `json:"last_snapshot_sequence"`
}

// Stats collects database-wide statistics.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	err := db.bun.NewRaw(`
		SELECT
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM snapshots),
			(SELECT COUNT(*) FROM file_blobs),
			(SELECT COUNT(*) FROM file_trees),
			(SELECT COUNT(*) FROM rewind_cache),
			(SELECT COALESCE(MAX(timestamp), 0) FROM events)
	`).Scan(ctx, &s.TotalEvents, &s.TotalSnapshots, &s.TotalBlobs, &s.TotalTrees, &s.CacheEntries, &s.LastEventTime)
	if err != nil {
		return nil, err
	}
	if s.LastSequence, err = db.GetMetadataInt(ctx, MetaLastSequence); err != nil {
		return nil, err
	}
	if s.LastSnapshotSeq, err = db.GetMetadataInt(ctx, MetaLastSnapshotSequence); err != nil {
		return nil, err
	}
	if s.SchemaVersion, err = db.GetMetadata(ctx, MetaSchemaVersion); err != nil {
		return nil, err
	}
	if info, statErr := os.Stat(db.path); statErr == nil {
		s.SizeBytes = info.Size()
	}
	return s, nil
}

// Vacuum rebuilds the database file to reclaim space freed by GC.
func (db *DB) Vacuum(ctx context.Context) error {
	log.Debugf("[Storage] VACUUM %s", db.path)
	_, err := db.sqlDB.ExecContext(ctx, "VACUUM")
	return err
}
