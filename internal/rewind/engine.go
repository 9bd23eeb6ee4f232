// Package rewind reconstructs the workspace as of a past timestamp by
// loading the nearest workspace snapshot and replaying the events after it,
// then materializes the result to an output directory.
package rewind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"timeline/internal/blobstore"
	"timeline/internal/cache"
	"timeline/internal/common"
	"timeline/internal/eventlog"
	"timeline/internal/metrics"
	"timeline/internal/snapshot"
)

// WorkspaceAggregate is the aggregate type of workspace snapshots.
const WorkspaceAggregate = eventlog.AggregateWorkspace

// Output files written next to files/.
const (
	SessionStateFile = "session_state.json"
	GitStateFile     = "git_state.json"
)

// Config configures an Engine.
type Config struct {
	// OutputRoot is where default output directories are created.
	OutputRoot string
	// UseCache consults and fills the rewind cache.
	UseCache bool
	// RecordEvents emits REWIND_* events.
	RecordEvents bool
	// MaxSnapshots bounds workspace snapshots kept by CaptureSnapshot
	// (0 keeps all).
	MaxSnapshots int
	// GitSource is the repository copied in GitFull mode when Options
	// names none. Defaults to the working directory.
	GitSource string
}

// Options configures one RewindTo call.
type Options struct {
	// OutputDir defaults to <OutputRoot>/.rewind_<iso-timestamp>.
	OutputDir string
	// CompareWith, when set, adds a Comparison against that directory.
	CompareWith string
	// OnProgress receives every milestone synchronously.
	OnProgress func(Progress)
	// Progress receives every milestone; sends block until received or
	// the context is done.
	Progress chan<- Progress
	// NoCache skips the rewind cache for this call.
	NoCache bool
	// SkipFiles leaves files/ unwritten; the manifest still lists every
	// tracked path.
	SkipFiles bool
	// SkipConversations leaves session_state.json unwritten.
	SkipConversations bool
	// GitMode defaults to GitMetadata.
	GitMode GitMode
	// GitSource overrides Config.GitSource.
	GitSource string
}

// Result reports a rewind. On failure Success is false and Error is set;
// files that could not be restored do not fail the rewind.
type Result struct {
	Success          bool          `json:"success"`
	TargetTimestamp  int64         `json:"target_timestamp"`
	SnapshotSequence int64         `json:"snapshot_sequence"`
	Boundary         int64         `json:"boundary"`
	EventsReplayed   int           `json:"events_replayed"`
	FilesRestored    int           `json:"files_restored"`
	MissingFiles     []MissingFile `json:"missing_files,omitempty"`
	TreeHash         string        `json:"tree_hash,omitempty"`
	OutputDirectory  string        `json:"output_directory"`
	CacheHit         bool          `json:"cache_hit"`
	Duration         time.Duration `json:"duration"`
	Error            string        `json:"error,omitempty"`
	Comparison       *Comparison   `json:"comparison,omitempty"`
	Git              *GitCheckout  `json:"git,omitempty"`
}

// Reconstruction is the state at a target timestamp, before it is
// written anywhere.
type Reconstruction struct {
	State            *State
	TargetTimestamp  int64
	SnapshotSequence int64
	Boundary         int64
	EventsReplayed   int
	TreeHash         string
	CacheHit         bool
}

// Engine performs rewinds over one timeline.
type Engine struct {
	events *eventlog.Log
	blobs  *blobstore.Store
	snaps  *snapshot.Store
	cache  *cache.RewindCache
	cfg    Config
	now    func() time.Time
}

// New creates an Engine. rc may be nil to run without a cache.
func New(events *eventlog.Log, blobs *blobstore.Store, snaps *snapshot.Store, rc *cache.RewindCache, cfg Config) *Engine {
	return &Engine{
		events: events,
		blobs:  blobs,
		snaps:  snaps,
		cache:  rc,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Reconstruct returns the workspace state as of target without
// materializing it.
func (e *Engine) Reconstruct(ctx context.Context, target int64) (*Reconstruction, error) {
	return e.reconstruct(ctx, target, true, nil)
}

func (e *Engine) reconstruct(ctx context.Context, target int64, useCache bool, r *reporter) (*Reconstruction, error) {
	if target <= 0 {
		return nil, fmt.Errorf("invalid target timestamp %d", target)
	}

	// The boundary is fixed before anything else so events emitted during
	// the rewind, including its own REWIND_* events, are never replayed.
	head, err := e.events.Head(ctx)
	if err != nil {
		return nil, err
	}
	rec := &Reconstruction{TargetTimestamp: target, Boundary: head.Sequence}

	// Only targets strictly before the newest event are stable: a later
	// emit can never be stamped at or before them.
	cacheable := useCache && e.cfg.UseCache && e.cache != nil && target < head.Timestamp
	if cacheable {
		if hit, err := e.fromCache(ctx, rec); err != nil {
			log.Warnf("[Rewind] cache lookup failed: %v", err)
		} else if hit {
			r.report(ctx, StageReplay, "Loaded state from rewind cache", 80)
			return rec, nil
		}
	}

	r.report(ctx, StageSnapshot, "Finding nearest snapshot", 10)
	state := NewState()
	snap, err := e.snaps.LatestOfType(ctx, WorkspaceAggregate, head.Sequence, target)
	switch {
	case errors.Is(err, common.ErrNotFound):
		r.report(ctx, StageSnapshot, "No snapshot found, replaying from the beginning", 20)
	case err != nil:
		return nil, err
	default:
		if err := e.snaps.Load(ctx, snap, state); err != nil {
			return nil, err
		}
		state.normalize()
		rec.SnapshotSequence = snap.SequenceNumber
		r.report(ctx, StageSnapshot, fmt.Sprintf("Loaded snapshot %s", snap.AggregateID), 20)
	}

	r.report(ctx, StageQuery, "Querying events to replay", 30)
	var events []*eventlog.Event
	if head.Sequence > rec.SnapshotSequence {
		events, err = e.events.Range(ctx, eventlog.RangeFilter{
			AfterSequence: rec.SnapshotSequence,
			UpToSequence:  head.Sequence,
			UpToTimestamp: target,
			Types:         ReplayTypes,
		})
		if err != nil {
			return nil, err
		}
	}

	r.report(ctx, StageReplay, fmt.Sprintf("Replaying %d events", len(events)), 40)
	for i, ev := range events {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.report(ctx, StageReplay, fmt.Sprintf("Replaying event %d/%d", i, len(events)), span(40, 80, i, len(events)))
		}
		if err := state.Apply(ev); err != nil {
			return nil, err
		}
	}
	rec.State = state
	rec.EventsReplayed = len(events)

	tree, err := e.blobs.PutTree(ctx, state.TreeEntries(), "", target)
	if err != nil {
		return nil, fmt.Errorf("failed to record tree: %w", err)
	}
	rec.TreeHash = tree.Hash

	if cacheable {
		if err := e.cache.Put(ctx, target, rec.SnapshotSequence, rec.TreeHash, state); err != nil {
			log.Warnf("[Rewind] cache store failed: %v", err)
		}
	}
	return rec, nil
}

func (e *Engine) fromCache(ctx context.Context, rec *Reconstruction) (bool, error) {
	entry, err := e.cache.Get(ctx, rec.TargetTimestamp)
	if err != nil || entry == nil {
		return false, err
	}
	state := NewState()
	if err := json.Unmarshal(entry.State, state); err != nil {
		return false, fmt.Errorf("cached state for %d: %w", rec.TargetTimestamp, err)
	}
	state.normalize()
	rec.State = state
	rec.SnapshotSequence = entry.SnapshotSequence
	rec.TreeHash = entry.TreeHash
	rec.CacheHit = true
	return true, nil
}

// RewindTo reconstructs the workspace as of target and writes it to
// opts.OutputDir: files/ holds the tree, file_manifest.json lists every
// tracked path. A failure is returned both as an error and in the
// result.
func (e *Engine) RewindTo(ctx context.Context, target int64, opts Options) (*Result, error) {
	start := e.now()
	r := &reporter{fn: opts.OnProgress, ch: opts.Progress}
	res := &Result{TargetTimestamp: target, OutputDirectory: opts.OutputDir}

	fail := func(err error) (*Result, error) {
		res.Success = false
		res.Error = err.Error()
		res.Duration = e.now().Sub(start)
		metrics.ObserveRewindDuration(res.Duration)
		log.Warnf("[Rewind] rewind to %d failed: %v", target, err)
		// Record the failure even when ctx was cancelled.
		e.record(context.WithoutCancel(ctx), eventlog.RewindFailed, target, map[string]any{
			"error":       res.Error,
			"duration_ms": res.Duration.Milliseconds(),
		})
		return res, err
	}

	gitMode, err := ParseGitMode(string(opts.GitMode))
	if err != nil {
		return fail(err)
	}

	r.report(ctx, StageStart, "Starting rewind operation", 0)
	rec, err := e.reconstruct(ctx, target, !opts.NoCache, r)
	if err != nil {
		return fail(err)
	}
	res.Boundary = rec.Boundary
	res.SnapshotSequence = rec.SnapshotSequence
	res.EventsReplayed = rec.EventsReplayed
	res.TreeHash = rec.TreeHash
	res.CacheHit = rec.CacheHit

	if res.OutputDirectory == "" {
		res.OutputDirectory = e.DefaultOutputDir(target)
	}
	e.record(ctx, eventlog.RewindStarted, target, map[string]any{
		"target_timestamp":       target,
		"target_timestamp_human": time.UnixMicro(target).UTC().Format(time.RFC3339Nano),
		"output_dir":             res.OutputDirectory,
		"boundary":               rec.Boundary,
	})
	if rec.SnapshotSequence > 0 && !rec.CacheHit {
		e.record(ctx, eventlog.RewindSnapshotLoaded, target, map[string]any{"snapshot_sequence": rec.SnapshotSequence})
	}
	e.record(ctx, eventlog.RewindEventsReplayed, target, map[string]any{
		"events_replayed": rec.EventsReplayed,
		"cache_hit":       rec.CacheHit,
	})

	r.report(ctx, StageMaterialize, "Materializing state to filesystem", 80)
	if err := os.MkdirAll(res.OutputDirectory, 0755); err != nil {
		return fail(fmt.Errorf("%w: %v", common.ErrIO, err))
	}
	state := rec.State
	if !opts.SkipFiles {
		restored, missing, err := e.materialize(ctx, state, res.OutputDirectory, r)
		res.FilesRestored = restored
		res.MissingFiles = missing
		if err != nil {
			return fail(err)
		}
		metrics.AddRewindMissingFiles(len(missing))
	}

	if gitMode == GitFull {
		r.report(ctx, StageGit, "Materializing git repository", 95)
		source := opts.GitSource
		if source == "" {
			source = e.cfg.GitSource
		}
		if source == "" {
			source = "."
		}
		co, err := materializeGit(ctx, source, res.OutputDirectory, state.Git)
		switch {
		case errors.Is(err, errNoRepository):
			log.Warnf("[Rewind] %v, skipping git materialization", err)
		case err != nil:
			return fail(fmt.Errorf("git materialization failed: %w", err))
		default:
			res.Git = co
		}
	}

	r.report(ctx, StageManifest, "Writing manifest", 95)
	if err := WriteManifest(res.OutputDirectory, BuildManifest(state)); err != nil {
		return fail(fmt.Errorf("%w: %v", common.ErrIO, err))
	}
	if !opts.SkipConversations {
		if err := writeJSON(filepath.Join(res.OutputDirectory, SessionStateFile), state.Session); err != nil {
			return fail(fmt.Errorf("%w: %v", common.ErrIO, err))
		}
	}
	if gitMode != GitNone {
		if err := writeJSON(filepath.Join(res.OutputDirectory, GitStateFile), state.Git); err != nil {
			return fail(fmt.Errorf("%w: %v", common.ErrIO, err))
		}
	}
	e.record(ctx, eventlog.RewindStateMaterialized, target, map[string]any{
		"output_directory": res.OutputDirectory,
		"files_restored":   res.FilesRestored,
		"files_missing":    len(res.MissingFiles),
		"git_mode":         string(gitMode),
	})

	if opts.CompareWith != "" {
		r.report(ctx, StageCompare, "Comparing with "+opts.CompareWith, 97)
		cmp, err := CompareDirs(res.OutputDirectory, opts.CompareWith)
		if err != nil {
			log.Warnf("[Rewind] comparison with %s failed: %v", opts.CompareWith, err)
		} else {
			res.Comparison = cmp
		}
	}

	res.Success = true
	res.Duration = e.now().Sub(start)
	metrics.ObserveRewindDuration(res.Duration)
	e.record(ctx, eventlog.RewindCompleted, target, map[string]any{
		"duration_ms":          res.Duration.Milliseconds(),
		"success":              true,
		"events_replayed":      res.EventsReplayed,
		"files_restored":       res.FilesRestored,
		"cache_hit":            res.CacheHit,
		"comparison_performed": res.Comparison != nil,
	})
	r.report(ctx, StageDone, "Rewind completed", 100)
	log.Infof("[Rewind] rewound to %d: %d files restored, %d missing, %d events replayed",
		target, res.FilesRestored, len(res.MissingFiles), res.EventsReplayed)
	return res, nil
}

// DefaultOutputDir is <OutputRoot>/.rewind_<iso-timestamp> with ':' and
// '.' replaced so the name is portable.
func (e *Engine) DefaultOutputDir(target int64) string {
	stamp := time.UnixMicro(target).UTC().Format("2006-01-02T15:04:05.000000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	root := e.cfg.OutputRoot
	if root == "" {
		root = "."
	}
	return filepath.Join(root, ".rewind_"+stamp)
}

// CaptureSnapshot folds the whole log into a workspace snapshot at the
// current head and prunes old workspace snapshots.
func (e *Engine) CaptureSnapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	head, err := e.events.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head.Sequence == 0 {
		return nil, fmt.Errorf("nothing to snapshot: %w", common.ErrNotFound)
	}
	rec, err := e.reconstruct(ctx, head.Timestamp, false, nil)
	if err != nil {
		return nil, err
	}
	// Events stamped after head.Timestamp cannot exist below the boundary,
	// so rec covers exactly sequences 1..head.Sequence.
	id := WorkspaceAggregate + "@" + strconv.FormatInt(head.Sequence, 10)
	snap, err := e.snaps.CaptureSnapshot(ctx, id, WorkspaceAggregate, rec.State, head.Sequence)
	if err != nil {
		return nil, err
	}
	if e.cfg.MaxSnapshots > 0 {
		if _, err := e.snaps.Prune(ctx, WorkspaceAggregate, e.cfg.MaxSnapshots); err != nil {
			log.Warnf("[Rewind] snapshot prune failed: %v", err)
		}
	}
	return snap, nil
}

func (e *Engine) record(ctx context.Context, t eventlog.EventType, target int64, payload map[string]any) {
	if !e.cfg.RecordEvents {
		return
	}
	res := e.events.Emit(ctx, eventlog.Draft{
		Actor:         "system",
		EventType:     t,
		AggregateID:   strconv.FormatInt(target, 10),
		AggregateType: "rewind",
		Payload:       payload,
	})
	if !res.Success && !errors.Is(res.Err, common.ErrDisabled) {
		log.Warnf("[Rewind] failed to record %s: %s", t, res.Error)
	}
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'))
}
