// Package tracker turns changes in a workspace directory into FILE_*
// events backed by blob store contents.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"timeline/internal/blobstore"
	"timeline/internal/common"
	"timeline/internal/eventlog"
	"timeline/internal/storage"
)

// DefaultMaxFileSize skips files larger than 10 MiB.
const DefaultMaxFileSize = 10 << 20

// Actor is the actor of tracker events.
const Actor = "tracker"

// Config configures a Tracker.
type Config struct {
	Root        string
	Gitignore   bool
	Includes    []string
	Excludes    []string
	MaxFileSize int64
}

// ScanResult reports one scan.
type ScanResult struct {
	Created       int    `json:"created"`
	Modified      int    `json:"modified"`
	Deleted       int    `json:"deleted"`
	Unchanged     int    `json:"unchanged"`
	Skipped       int    `json:"skipped"`
	TreeHash      string `json:"tree_hash,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Changed reports whether the scan emitted any event.
func (r *ScanResult) Changed() bool {
	return r.Created+r.Modified+r.Deleted > 0
}

// Tracker compares the workspace with the last tree it recorded.
type Tracker struct {
	db     *storage.DB
	events *eventlog.Log
	blobs  *blobstore.Store
	cfg    Config
	filter Filter
	now    func() time.Time
	// readFile loads contents only for paths whose hash changed.
	readFile func(string) ([]byte, error)

	// mu serializes scans so baselines never interleave.
	mu sync.Mutex
}

// New creates a Tracker for cfg.Root.
func New(db *storage.DB, events *eventlog.Log, blobs *blobstore.Store, cfg Config) (*Tracker, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", common.ErrInvalidPath, root)
	}
	cfg.Root = root
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return &Tracker{
		db:     db,
		events: events,
		blobs:  blobs,
		cfg:    cfg,
		filter: BuildFilter(root, cfg.Gitignore, cfg.Includes, cfg.Excludes),
		now:    time.Now,

		readFile: os.ReadFile,
	}, nil
}

// Root returns the absolute workspace root.
func (t *Tracker) Root() string { return t.cfg.Root }

// Scan compares the whole workspace with the last recorded tree.
func (t *Tracker) Scan(ctx context.Context) (*ScanResult, error) {
	return t.ScanPaths(ctx, []string{""})
}

// ScanPaths rescans only the given workspace-relative paths (files or
// directories, existing or not). "" scans everything.
func (t *Tracker) ScanPaths(ctx context.Context, paths []string) (*ScanResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	baseline, err := t.baseline(ctx)
	if err != nil {
		return nil, err
	}
	var baseEntries map[string]blobstore.TreeEntry
	parentHash := ""
	if baseline != nil {
		baseEntries = baseline.Entries
		parentHash = baseline.Hash
	}

	scopes := make([]string, 0, len(paths))
	for _, p := range paths {
		scopes = append(scopes, common.NormalizePath(p))
	}

	res := &ScanResult{CorrelationID: uuid.NewString()}
	observed := map[string]string{}
	for _, scope := range scopes {
		if err := t.observe(ctx, scope, observed, res); err != nil {
			return nil, err
		}
	}

	next := make(map[string]blobstore.TreeEntry, len(baseEntries))
	for p, e := range baseEntries {
		next[p] = e
	}

	var drafts []eventlog.Draft
	for _, p := range sortedKeys(observed) {
		hash := observed[p]
		prev, existed := baseEntries[p]
		if existed && prev.Hash == hash {
			res.Unchanged++
			continue
		}
		data, err := t.readFile(filepath.Join(t.cfg.Root, filepath.FromSlash(p)))
		if err != nil {
			log.Debugf("[Tracker] skipping %s: %v", p, err)
			res.Skipped++
			continue
		}
		// The file may have been rewritten since it was hashed.
		if hash = blobstore.HashContent(data); existed && prev.Hash == hash {
			res.Unchanged++
			continue
		}
		if _, err := t.blobs.StoreBlob(ctx, data); err != nil {
			return nil, fmt.Errorf("failed to store %s: %w", p, err)
		}
		next[p] = blobstore.TreeEntry{Hash: hash, Exists: true}
		if existed {
			res.Modified++
			drafts = append(drafts, t.draft(eventlog.FileModified, p, res.CorrelationID, map[string]any{
				"path": p, "new_hash": hash, "old_hash": prev.Hash, "size_bytes": len(data),
			}))
		} else {
			res.Created++
			drafts = append(drafts, t.draft(eventlog.FileCreated, p, res.CorrelationID, map[string]any{
				"path": p, "new_hash": hash, "size_bytes": len(data),
			}))
		}
	}

	for _, p := range sortedKeys(baseEntries) {
		if _, ok := observed[p]; ok || !inScopes(p, scopes) {
			continue
		}
		// Filtered-out or oversized paths that still exist are not deletions.
		if _, err := os.Lstat(filepath.Join(t.cfg.Root, filepath.FromSlash(p))); err == nil {
			continue
		}
		delete(next, p)
		res.Deleted++
		drafts = append(drafts, t.draft(eventlog.FileDeleted, p, res.CorrelationID, map[string]any{
			"path": p, "old_hash": baseEntries[p].Hash,
		}))
	}

	if len(drafts) == 0 && baseline != nil {
		res.TreeHash = baseline.Hash
		return res, nil
	}
	for _, r := range t.events.EmitBatch(ctx, drafts) {
		if !r.Success {
			return nil, fmt.Errorf("failed to record changes: %w", r.Err)
		}
	}

	tree, err := t.blobs.PutTree(ctx, next, parentHash, t.now().UnixMicro())
	if err != nil {
		return nil, err
	}
	if err := t.db.SetMetadata(ctx, storage.MetaTrackerTree, tree.Hash); err != nil {
		return nil, err
	}
	res.TreeHash = tree.Hash
	log.Debugf("[Tracker] scan: %d created, %d modified, %d deleted, %d unchanged",
		res.Created, res.Modified, res.Deleted, res.Unchanged)
	return res, nil
}

// baseline returns the last tree recorded by the tracker, or nil.
func (t *Tracker) baseline(ctx context.Context) (*blobstore.FileTree, error) {
	hash, err := t.db.GetMetadata(ctx, storage.MetaTrackerTree)
	if errors.Is(err, common.ErrNotFound) || hash == "" {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t.blobs.GetTree(ctx, hash)
}

// observe records the content hash of every trackable file under scope.
// Contents are streamed through the hash and not kept.
func (t *Tracker) observe(ctx context.Context, scope string, out map[string]string, res *ScanResult) error {
	start := filepath.Join(t.cfg.Root, filepath.FromSlash(scope))
	info, err := os.Lstat(start)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if scope != "" && !t.filter(scope, info.IsDir()) {
		return nil
	}

	return filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Debugf("[Tracker] skipping %s: %v", path, err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(t.cfg.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if !t.filter(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !t.filter(rel, false) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		if fi.Size() > t.cfg.MaxFileSize {
			res.Skipped++
			return nil
		}
		hash, err := hashFile(path)
		if err != nil {
			log.Debugf("[Tracker] skipping %s: %v", rel, err)
			res.Skipped++
			return nil
		}
		out[rel] = hash
		return nil
	})
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hash, _, err := blobstore.HashReader(f)
	return hash, err
}

func (t *Tracker) draft(typ eventlog.EventType, path, correlationID string, payload map[string]any) eventlog.Draft {
	return eventlog.Draft{
		Actor:         Actor,
		EventType:     typ,
		AggregateID:   path,
		AggregateType: eventlog.AggregateFile,
		Payload:       payload,
		CorrelationID: correlationID,
	}
}

func inScopes(p string, scopes []string) bool {
	for _, s := range scopes {
		if common.IsUnder(p, s) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
