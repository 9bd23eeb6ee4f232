package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/blobstore"
	"timeline/internal/eventlog"
	"timeline/internal/storage"
)

type env struct {
	root    string
	events  *eventlog.Log
	blobs   *blobstore.Store
	tracker *Tracker
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(filepath.Join(t.TempDir(), "timeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{root: t.TempDir(), blobs: blobstore.New(db)}
	e.events, err = eventlog.New(ctx, db, eventlog.Options{})
	require.NoError(t, err)
	cfg.Root = e.root
	e.tracker, err = New(db, e.events, e.blobs, cfg)
	require.NoError(t, err)
	return e
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func (e *env) fileEvents(t *testing.T) []*eventlog.Event {
	t.Helper()
	evs, err := e.events.Range(context.Background(), eventlog.RangeFilter{Types: eventlog.FileMutationTypes})
	require.NoError(t, err)
	return evs
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})

	e.write(t, "a.txt", "one")
	e.write(t, "dir/b.txt", "two")

	res, err := e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)
	assert.NotEmpty(t, res.TreeHash)

	evs := e.fileEvents(t)
	require.Len(t, evs, 2)
	assert.Equal(t, eventlog.FileCreated, evs[0].EventType)
	assert.Equal(t, "a.txt", evs[0].AggregateID)
	assert.Equal(t, evs[0].CorrelationID, evs[1].CorrelationID)
	assert.Equal(t, res.CorrelationID, evs[0].CorrelationID)

	data, err := e.blobs.RetrieveBlob(ctx, blobstore.HashContent([]byte("two")))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// Nothing changed
	again, err := e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, again.Changed())
	assert.Equal(t, 2, again.Unchanged)
	assert.Equal(t, res.TreeHash, again.TreeHash)

	e.write(t, "a.txt", "one v2")
	require.NoError(t, os.Remove(filepath.Join(e.root, "dir", "b.txt")))
	res2, err := e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res2.Modified)
	assert.Equal(t, 1, res2.Deleted)

	evs = e.fileEvents(t)
	require.Len(t, evs, 4)
	assert.Equal(t, eventlog.FileModified, evs[2].EventType)
	var p map[string]any
	require.NoError(t, evs[2].DecodePayload(&p))
	assert.Equal(t, blobstore.HashContent([]byte("one")), p["old_hash"])
	assert.Equal(t, eventlog.FileDeleted, evs[3].EventType)

	tree, err := e.blobs.GetTree(ctx, res2.TreeHash)
	require.NoError(t, err)
	assert.Equal(t, res.TreeHash, tree.ParentHash)
	assert.Equal(t, []string{"a.txt"}, sortedKeys(tree.Entries))
}

func TestScanReadsOnlyChangedFiles(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		e.write(t, name, "initial "+name)
	}
	_, err := e.tracker.Scan(ctx)
	require.NoError(t, err)

	var reads []string
	e.tracker.readFile = func(path string) ([]byte, error) {
		rel, err := filepath.Rel(e.root, path)
		require.NoError(t, err)
		reads = append(reads, filepath.ToSlash(rel))
		return os.ReadFile(path)
	}

	res, err := e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Unchanged)
	assert.Empty(t, reads)

	e.write(t, "b.txt", "edited")
	e.write(t, "d.txt", "new")
	res, err = e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, []string{"b.txt", "d.txt"}, reads)

	data, err := e.blobs.RetrieveBlob(ctx, blobstore.HashContent([]byte("edited")))
	require.NoError(t, err)
	assert.Equal(t, "edited", string(data))
}

func TestScanRehashesRewrittenFile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	e.write(t, "a.txt", "hashed")

	// Contents change between the walk and the read.
	e.tracker.readFile = func(string) ([]byte, error) { return []byte("rewritten"), nil }
	res, err := e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	evs := e.fileEvents(t)
	require.Len(t, evs, 1)
	var p map[string]any
	require.NoError(t, evs[0].DecodePayload(&p))
	assert.Equal(t, blobstore.HashContent([]byte("rewritten")), p["new_hash"])
	ok, err := e.blobs.HasBlob(ctx, blobstore.HashContent([]byte("rewritten")))
	require.NoError(t, err)
	assert.True(t, ok)

	// A file that vanishes before it is read is skipped, not recorded.
	e.write(t, "a.txt", "rewritten")
	e.write(t, "b.txt", "gone")
	e.tracker.readFile = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	res, err = e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.False(t, res.Changed())
}

func TestScanPaths(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{})
	e.write(t, "a.txt", "a")
	e.write(t, "src/x.go", "x")
	_, err := e.tracker.Scan(ctx)
	require.NoError(t, err)

	e.write(t, "a.txt", "a2")
	e.write(t, "src/y.go", "y")
	require.NoError(t, os.RemoveAll(filepath.Join(e.root, "src", "x.go")))

	res, err := e.tracker.ScanPaths(ctx, []string{"src"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, res.Modified, "a.txt is outside the scanned scope")

	res, err = e.tracker.ScanPaths(ctx, []string{"a.txt"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Modified)
}

func TestScanRespectsFilterAndSize(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Config{Gitignore: true, Excludes: []string{"node_modules"}, MaxFileSize: 8})
	e.write(t, ".gitignore", "*.log\n")
	e.write(t, "app.log", "noise")
	e.write(t, "node_modules/m.js", "m")
	e.write(t, ".timeline/state", "s")
	e.write(t, "big.bin", "0123456789")
	e.write(t, "ok.txt", "ok")

	res, err := e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created, ".gitignore and ok.txt")
	assert.Equal(t, 1, res.Skipped)

	// An excluded file is never reported as deleted while it exists.
	res, err = e.tracker.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

func TestNewRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err := New(nil, nil, nil, Config{Root: file})
	assert.Error(t, err)
}
