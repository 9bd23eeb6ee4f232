// Package timeline wires the storage handle, event log, blob store,
// snapshots, query engine, rewind cache and rewind engine into one handle
// whose lifetime is owned by the caller.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"timeline/internal/blobstore"
	"timeline/internal/cache"
	"timeline/internal/eventlog"
	"timeline/internal/query"
	"timeline/internal/rewind"
	"timeline/internal/snapshot"
	"timeline/internal/storage"
	"timeline/internal/tracker"
)

// Options configures Open.
type Options struct {
	DBPath    string
	DBContext storage.DBContext

	// Lock takes the single-writer lock for the lifetime of the handle.
	Lock bool
	// Clock defaults to time.Now.
	Clock eventlog.Clock
	// EventsDisabled opens the log with emission turned off.
	EventsDisabled bool
	// RecordSnapshotEvents emits SNAPSHOT_CREATED / SNAPSHOT_DELETED.
	RecordSnapshotEvents bool
	Cache                cache.Config
	Rewind               rewind.Config
}

// Timeline is an open timeline database.
type Timeline struct {
	DB        *storage.DB
	Events    *eventlog.Log
	Blobs     *blobstore.Store
	Snapshots *snapshot.Store
	Query     *query.Engine
	Cache     *cache.RewindCache
	Rewind    *rewind.Engine

	lock *storage.WriterLock
}

// Open opens (creating if needed) the database at opts.DBPath and wires
// every component over it.
func Open(ctx context.Context, opts Options) (*Timeline, error) {
	if opts.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	var lock *storage.WriterLock
	if opts.Lock {
		if err := os.MkdirAll(filepath.Dir(opts.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		var err error
		if lock, err = storage.AcquireWriterLock(opts.DBPath); err != nil {
			return nil, err
		}
	}

	db, err := storage.OpenWithContext(opts.DBPath, opts.DBContext)
	if err != nil {
		lock.Release()
		return nil, err
	}

	events, err := eventlog.New(ctx, db, eventlog.Options{Clock: opts.Clock, Disabled: opts.EventsDisabled})
	if err != nil {
		db.Close()
		lock.Release()
		return nil, err
	}

	t := &Timeline{
		DB:     db,
		Events: events,
		Blobs:  blobstore.New(db),
		Query:  query.New(db),
		Cache:  cache.NewRewindCache(db, opts.Cache),
		lock:   lock,
	}
	t.Snapshots = snapshot.New(db, events, snapshot.Options{RecordEvents: opts.RecordSnapshotEvents})
	t.Rewind = rewind.New(events, t.Blobs, t.Snapshots, t.Cache, opts.Rewind)
	log.Debugf("[Timeline] opened %s", opts.DBPath)
	return t, nil
}

// Close checkpoints and closes the database and releases the writer lock.
func (t *Timeline) Close() error {
	err := t.DB.Close()
	if lockErr := t.lock.Release(); err == nil {
		err = lockErr
	}
	return err
}

// GarbageCollect runs blob GC with workspace snapshots as extra roots.
func (t *Timeline) GarbageCollect(ctx context.Context, opts blobstore.GCOptions) (*blobstore.GCResult, error) {
	opts.Roots = append(opts.Roots, t.Rewind)
	return t.Blobs.GarbageCollect(ctx, opts)
}

// SnapshotWorker returns a worker that captures workspace snapshots. The
// worker is woken by every committed event until ctx is done.
func (t *Timeline) SnapshotWorker(ctx context.Context, cfg snapshot.WorkerConfig) (*snapshot.Worker, error) {
	last, err := t.Snapshots.LastSnapshotSequence(ctx)
	if err != nil {
		return nil, err
	}
	w := snapshot.NewWorker(t.Events.LastSequence, t.Rewind.CaptureSnapshot, last, cfg)
	sub := t.Events.Subscribe(func(*eventlog.Event) { w.Notify() })
	context.AfterFunc(ctx, func() { t.Events.Unsubscribe(sub) })
	return w, nil
}

// Tracker returns a workspace tracker writing into this timeline.
func (t *Timeline) Tracker(cfg tracker.Config) (*tracker.Tracker, error) {
	return tracker.New(t.DB, t.Events, t.Blobs, cfg)
}

// Stats is the combined status of a timeline.
type Stats struct {
	Storage *storage.Stats   `json:"storage"`
	Blobs   *blobstore.Stats `json:"blobs"`
	Cache   *cache.Stats     `json:"cache"`
}

// Stats collects storage, blob and cache statistics.
func (t *Timeline) Stats(ctx context.Context) (*Stats, error) {
	st, err := t.DB.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage stats: %w", err)
	}
	bs, err := t.Blobs.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("blob stats: %w", err)
	}
	cs, err := t.Cache.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache stats: %w", err)
	}
	return &Stats{Storage: st, Blobs: bs, Cache: cs}, nil
}

// ParseTime parses a rewind target: RFC3339, unix microseconds, or a
// negative duration relative to now such as "-5m".
func ParseTime(s string, now time.Time) (int64, error) {
	if s == "" {
		return 0, errors.New("empty time")
	}
	if s[0] == '-' {
		d, err := time.ParseDuration(s[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid relative time %q: %w", s, err)
		}
		return now.Add(-d).UnixMicro(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UnixMicro(), nil
	}
	if us, err := strconv.ParseInt(s, 10, 64); err == nil && us > 0 {
		return us, nil
	}
	return 0, fmt.Errorf("invalid time %q: want RFC3339, unix microseconds or -<duration>", s)
}
