package tracker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/eventlog"
)

func TestWatcher(t *testing.T) {
	e := newEnv(t, Config{})
	e.write(t, "a.txt", "a")

	var mu sync.Mutex
	var results []*ScanResult
	w := NewWatcher(e.tracker, 20*time.Millisecond)
	w.OnScan = func(r *ScanResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	scans := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(results)
	}
	require.Eventually(t, func() bool { return scans() >= 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, os.MkdirAll(filepath.Join(e.root, "new"), 0755))
	e.write(t, "new/b.txt", "b")

	require.Eventually(t, func() bool {
		for _, ev := range e.fileEvents(t) {
			if ev.EventType == eventlog.FileCreated && ev.AggregateID == "new/b.txt" {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
