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
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const SchemaVersion = "1.0.0"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// Environment variable names for busy_timeout configuration
const (
	// EnvBusyTimeout is the general busy_timeout override for all contexts
	EnvBusyTimeout = "TIMELINE_BUSY_TIMEOUT"
	// EnvDaemonBusyTimeout is the busy_timeout for the serve process
	EnvDaemonBusyTimeout = "TIMELINE_DAEMON_BUSY_TIMEOUT"
	// EnvCLIBusyTimeout is the busy_timeout for one-shot CLI commands
	EnvCLIBusyTimeout = "TIMELINE_CLI_BUSY_TIMEOUT"
)

// Metadata keys
const (
	MetaSchemaVersion        = "schema_version"
	MetaCreatedAt            = "created_at"
	MetaLastSequence         = "last_sequence"
	MetaLastSnapshotSequence = "last_snapshot_sequence"
	MetaTrackerTree          = "tracker_tree"
)

// DBContext indicates the context in which the database is being accessed
type DBContext int

const (
	// DBContextDefault uses the general busy_timeout
	DBContextDefault DBContext = iota
	// DBContextDaemon uses the serve-process busy_timeout
	DBContextDaemon
	// DBContextCLI uses the CLI-specific busy_timeout
	DBContextCLI
)

// Package-level config values (set via SetConfigBusyTimeouts)
var (
	configBusyTimeout       int
	configDaemonBusyTimeout int
	configCLIBusyTimeout    int
)

// SetConfigBusyTimeouts sets the settings-file busy_timeout values.
// Values of 0 are ignored (use env var or default).
func SetConfigBusyTimeouts(general, daemonTimeout, cliTimeout int) {
	configBusyTimeout = general
	configDaemonBusyTimeout = daemonTimeout
	configCLIBusyTimeout = cliTimeout
}

// GetBusyTimeout returns the busy_timeout value for the given context.
// Priority: specific env (daemon/cli) > general env > settings file > default
func GetBusyTimeout(ctx DBContext) int {
	var specificEnv string
	configTimeout := configBusyTimeout
	switch ctx {
	case DBContextDaemon:
		specificEnv = EnvDaemonBusyTimeout
		if configDaemonBusyTimeout > 0 {
			configTimeout = configDaemonBusyTimeout
		}
	case DBContextCLI:
		specificEnv = EnvCLIBusyTimeout
		if configCLIBusyTimeout > 0 {
			configTimeout = configCLIBusyTimeout
		}
	}

	if specificEnv != "" {
		if timeout, ok := positiveEnvInt(specificEnv); ok {
			return timeout
		}
	}
	if timeout, ok := positiveEnvInt(EnvBusyTimeout); ok {
		return timeout
	}
	if configTimeout > 0 {
		return configTimeout
	}
	return DefaultBusyTimeout
}

func positiveEnvInt(name string) (int, bool) {
	val := os.Getenv(name)
	if val == "" {
		return 0, false
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// BuildDSN builds the SQLite DSN with the appropriate busy_timeout for the context.
// libsql ignores most DSN pragmas; applyPragmas sets them again explicitly.
func BuildDSN(path string, ctx DBContext) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, GetBusyTimeout(ctx))
}

// timelineSchema is applied on every open; every statement is idempotent.
//
// file_blobs.base_hash carries no ON DELETE action: a base blob cannot be
// removed while a delta still points at it. The check runs at statement end,
// so a single DELETE may drop a delta together with its base.
const timelineSchema = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    sequence_number INTEGER NOT NULL UNIQUE,
    actor TEXT NOT NULL,
    event_type TEXT NOT NULL,
    aggregate_id TEXT,
    aggregate_type TEXT,
    payload TEXT NOT NULL,
    correlation_id TEXT,
    causation_id TEXT,
    metadata TEXT,
    checksum TEXT NOT NULL,
    CHECK (length(checksum) = 64),
    CHECK (timestamp > 0),
    CHECK (sequence_number > 0)
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events (timestamp);
CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_id, aggregate_type);
CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id);
CREATE INDEX IF NOT EXISTS idx_events_causation ON events (causation_id);
CREATE INDEX IF NOT EXISTS idx_events_actor ON events (actor);

CREATE TABLE IF NOT EXISTS file_blobs (
    hash TEXT PRIMARY KEY,
    content BLOB NOT NULL,
    is_delta INTEGER NOT NULL DEFAULT 0,
    base_hash TEXT,
    size INTEGER NOT NULL,
    compressed_size INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    CHECK (length(hash) = 64),
    CHECK (size >= 0),
    CHECK (compressed_size >= 0),
    CHECK (is_delta IN (0, 1)),
    CHECK (is_delta = 0 OR base_hash IS NOT NULL),
    FOREIGN KEY (base_hash) REFERENCES file_blobs(hash)
);

CREATE INDEX IF NOT EXISTS idx_file_blobs_created ON file_blobs (created_at DESC);
CREATE INDEX IF NOT EXISTS idx_file_blobs_base ON file_blobs (base_hash);

CREATE TABLE IF NOT EXISTS file_trees (
    hash TEXT PRIMARY KEY,
    tree_json TEXT NOT NULL,
    parent_hash TEXT,
    timestamp INTEGER NOT NULL,
    total_files INTEGER NOT NULL DEFAULT 0,
    CHECK (length(hash) = 64),
    CHECK (timestamp > 0),
    CHECK (total_files >= 0),
    FOREIGN KEY (parent_hash) REFERENCES file_trees(hash) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_file_trees_timestamp ON file_trees (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_file_trees_parent ON file_trees (parent_hash);

CREATE TABLE IF NOT EXISTS snapshots (
    aggregate_id TEXT PRIMARY KEY,
    aggregate_type TEXT NOT NULL,
    sequence_number INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    state_compressed BLOB NOT NULL,
    checksum TEXT NOT NULL,
    CHECK (length(checksum) = 64),
    CHECK (timestamp > 0),
    CHECK (sequence_number > 0)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_sequence ON snapshots (sequence_number DESC);
CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots (timestamp DESC);

CREATE TABLE IF NOT EXISTS rewind_cache (
    target_timestamp INTEGER PRIMARY KEY,
    snapshot_sequence INTEGER NOT NULL,
    tree_hash TEXT NOT NULL,
    state_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    hit_count INTEGER NOT NULL DEFAULT 0,
    CHECK (target_timestamp > 0),
    CHECK (created_at > 0),
    CHECK (hit_count >= 0),
    FOREIGN KEY (tree_hash) REFERENCES file_trees(hash) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_rewind_cache_created ON rewind_cache (created_at DESC);

CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE VIEW IF NOT EXISTS v_event_stats AS
SELECT
    event_type,
    COUNT(*) AS count,
    MIN(timestamp) AS first_seen,
    MAX(timestamp) AS last_seen
FROM events
GROUP BY event_type
ORDER BY count DESC;
`

// initMetadata seeds bookkeeping rows without clobbering existing values.
const initMetadata = `
INSERT OR IGNORE INTO metadata (key, value, updated_at) VALUES ('schema_version', ?, ?);
INSERT OR IGNORE INTO metadata (key, value, updated_at) VALUES ('created_at', ?, ?);
INSERT OR IGNORE INTO metadata (key, value, updated_at) VALUES ('last_sequence', '0', ?);
INSERT OR IGNORE INTO metadata (key, value, updated_at) VALUES ('last_snapshot_sequence', '0', ?);
`

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		placeholders := strings.Count(stmt, "?")
		if argIdx+placeholders > len(args) {
			return fmt.Errorf("statement needs %d args, %d left: %s", placeholders, len(args)-argIdx, firstLine(stmt))
		}
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i >= 0 {
		return stmt[:i]
	}
	return stmt
}
