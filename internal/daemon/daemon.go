// Package daemon runs the long-lived serve process: it owns the writer
// lock, captures workspace snapshots in the background, optionally tracks
// a workspace and serves HTTP diagnostics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	logrus "github.com/sirupsen/logrus"

	"timeline/internal/common"
	"timeline/internal/server"
	"timeline/internal/storage"
	"timeline/internal/timeline"
	"timeline/internal/tracker"
	"timeline/internal/util"
)

// maxLogSize is the size above which the log file is truncated on start.
const maxLogSize = 50 * 1024 * 1024

func init() {
	// Default logging to discard until explicitly enabled
	logrus.SetOutput(io.Discard)
}

// Daemon is the serve process.
type Daemon struct {
	Settings *Settings

	// LogLevel overrides Settings.LogLevel when set.
	LogLevel string
	// Track runs the workspace watcher rooted at WorkDir.
	Track   bool
	WorkDir string
	// Addr overrides Settings.Server.Addr when set.
	Addr string
	// DBPath overrides the settings database path when set.
	DBPath string

	Version   string
	Commit    string
	BuildDate string

	// Ready, when set, is closed once the timeline is open and every
	// component has been started.
	Ready chan struct{}

	logFile  *os.File
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a daemon for settings.
func New(settings *Settings) *Daemon {
	if settings == nil {
		settings = &Settings{}
		settings.ApplyDefaults()
	}
	return &Daemon{
		Settings: settings,
		stopCh:   make(chan struct{}),
	}
}

// Stop asks a running daemon to shut down.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Run starts every component and blocks until a signal, Stop, or ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	d.Settings.ApplyBusyTimeouts()

	if err := d.setupLogging(); err != nil {
		return err
	}
	defer d.closeLog()

	dbPath := d.DBPath
	if dbPath == "" {
		dbPath = d.Settings.ResolveDBPath()
	}
	rc := d.Settings.RewindConfig()
	if rc.GitSource == "" {
		rc.GitSource = d.WorkDir
	}
	tl, err := timeline.Open(ctx, timeline.Options{
		DBPath:               dbPath,
		DBContext:            storage.DBContextDaemon,
		Lock:                 true,
		RecordSnapshotEvents: true,
		Cache:                d.Settings.RewindCacheConfig(),
		Rewind:               rc,
	})
	if err != nil {
		if errors.Is(err, common.ErrLocked) {
			return fmt.Errorf("another writer holds %s: %w", dbPath, err)
		}
		return err
	}
	defer tl.Close()

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer d.removePidFile()

	logrus.Infof("[Daemon] started (PID %d) db=%s", os.Getpid(), dbPath)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.Settings.SnapshotsEnabled() {
		worker, err := tl.SnapshotWorker(runCtx, d.Settings.SnapshotWorkerConfig())
		if err != nil {
			return fmt.Errorf("snapshot worker: %w", err)
		}
		d.goRun("snapshot worker", func() error { worker.Run(runCtx); return nil })
	}

	if d.Track {
		base := d.WorkDir
		if base == "" {
			if base, err = os.Getwd(); err != nil {
				return err
			}
		}
		tr, err := tl.Tracker(d.Settings.TrackerConfig(base))
		if err != nil {
			return fmt.Errorf("tracker: %w", err)
		}
		watcher := tracker.NewWatcher(tr, d.Settings.Debounce())
		watcher.OnScan = func(res *tracker.ScanResult) {
			logrus.Infof("[Daemon] scan: %d created, %d modified, %d deleted",
				res.Created, res.Modified, res.Deleted)
		}
		d.goRun("tracker", func() error { return watcher.Run(runCtx) })
	}

	addr := d.Addr
	if addr == "" {
		addr = d.Settings.Server.Addr
	}
	srv := server.New(tl, server.Options{
		Addr:      addr,
		Version:   d.Version,
		Commit:    d.Commit,
		BuildDate: d.BuildDate,
	})
	srvErr := make(chan error, 1)
	d.goRun("server", func() error {
		err := srv.ListenAndServe(runCtx)
		srvErr <- err
		return err
	})

	if d.Ready != nil {
		close(d.Ready)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		logrus.Infof("[Daemon] received signal %v, shutting down", sig)
	case <-d.stopCh:
		logrus.Infof("[Daemon] stop requested, shutting down")
	case <-ctx.Done():
		logrus.Infof("[Daemon] context done, shutting down")
	case runErr = <-srvErr:
		logrus.Errorf("[Daemon] server exited: %v", runErr)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logrus.Warnf("[Daemon] timeout waiting for components")
	}

	logrus.Infof("[Daemon] stopped")
	return runErr
}

func (d *Daemon) goRun(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			logrus.Errorf("[Daemon] %s: %v", name, err)
		}
	}()
}

// setupLogging sends logrus output to the log file at the configured
// level, or discards it when logging is off.
func (d *Daemon) setupLogging() error {
	level := strings.ToLower(d.LogLevel)
	if level == "" {
		level = d.Settings.LogLevelName()
	}
	if level == "" || level == "none" || level == "off" {
		logrus.SetOutput(io.Discard)
		return nil
	}

	if err := truncateLogFile(LogPath(), maxLogSize); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to truncate log file: %v\n", err)
	}
	logFile, err := os.OpenFile(LogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	d.logFile = logFile
	logrus.SetOutput(logFile)
	logrus.SetLevel(ParseLogLevel(level))
	return nil
}

func (d *Daemon) closeLog() {
	if d.logFile != nil {
		logrus.SetOutput(io.Discard)
		d.logFile.Close()
		d.logFile = nil
	}
}

// ParseLogLevel maps trace|debug|info|warn|error to a logrus level.
// Anything else is debug.
func ParseLogLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.DebugLevel
	}
}

func (d *Daemon) writePidFile() error {
	return os.WriteFile(PidPath(), []byte(strconv.Itoa(os.Getpid())), 0600)
}

func (d *Daemon) removePidFile() {
	os.Remove(PidPath())
}

// GetPID reads the daemon PID from file
func GetPID() (int, error) {
	data, err := os.ReadFile(PidPath())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// IsRunning reports whether the PID file names a live process.
func IsRunning() bool {
	pid, err := GetPID()
	return err == nil && util.IsProcessRunning(pid)
}

// truncateLogFile keeps roughly the last half of path once it grows past
// maxSize, cutting at a line boundary.
func truncateLogFile(path string, maxSize int64) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	start := len(data) - len(data)/2
	for i := start; i < len(data); i++ {
		if data[i] == '\n' {
			start = i + 1
			break
		}
	}
	kept := data[start:]
	header := fmt.Sprintf("--- Log truncated at %s (kept last %d bytes) ---\n",
		time.Now().Format(time.RFC3339), len(kept))
	return os.WriteFile(path, append([]byte(header), kept...), 0600)
}
