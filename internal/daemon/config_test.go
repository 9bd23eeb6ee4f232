package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"timeline/internal/storage"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("TIMELINE_HOME", "")

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".timeline"), "should end with .timeline")
	})

	t.Run("override with TIMELINE_HOME", func(t *testing.T) {
		t.Setenv("TIMELINE_HOME", "/tmp/test-timeline-home")
		assert.Equal(t, "/tmp/test-timeline-home", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	t.Setenv("TIMELINE_HOME", t.TempDir())
	t.Setenv("TIMELINE_DAEMON_LOG", "")

	tests := []struct {
		name   string
		fn     func() string
		suffix string
	}{
		{"PidPath", PidPath, "daemon.pid"},
		{"LogPath", LogPath, "daemon.log"},
		{"SettingsPath", SettingsPath, "settings.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.fn()
			assert.True(t, strings.HasSuffix(path, tt.suffix),
				"%s() = %q should end with %q", tt.name, path, tt.suffix)
			assert.True(t, strings.HasPrefix(path, ConfigDir()),
				"%s() = %q should be in config dir %q", tt.name, path, ConfigDir())
		})
	}

	t.Run("log override", func(t *testing.T) {
		t.Setenv("TIMELINE_DAEMON_LOG", "/tmp/custom.log")
		assert.Equal(t, "/tmp/custom.log", LogPath())
	})
}

func TestInitConfigDir(t *testing.T) {
	t.Setenv("TIMELINE_HOME", filepath.Join(t.TempDir(), "home"))

	require.NoError(t, InitConfigDir())

	info, err := os.Stat(ConfigDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = os.Stat(SettingsPath())
	assert.NoError(t, err, "settings file should be created")

	// An existing file is left alone.
	require.NoError(t, os.WriteFile(SettingsPath(), []byte("log_level: debug\n"), 0600))
	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(SettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "log_level: debug\n", string(data))
}

func TestSettings(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		t.Setenv("TIMELINE_HOME", t.TempDir())

		settings, err := LoadSettings()
		require.NoError(t, err)

		assert.Empty(t, settings.LogLevelName())
		assert.Equal(t, "timeline.db", settings.DBPath)
		assert.True(t, settings.SnapshotsEnabled())
		assert.Equal(t, int64(100), settings.Snapshot.EventsInterval)
		assert.Equal(t, 300, settings.Snapshot.TimeIntervalSeconds)
		assert.Equal(t, []string{".git", "node_modules"}, settings.Tracker.Excludes)
		assert.Equal(t, "127.0.0.1:7420", settings.Server.Addr)

		rc := settings.RewindConfig()
		assert.True(t, rc.UseCache)
		assert.True(t, rc.RecordEvents)
		assert.Equal(t, 50, rc.MaxSnapshots)
		assert.Empty(t, rc.GitSource)
	})

	t.Run("rewind cache switch", func(t *testing.T) {
		t.Setenv("TIMELINE_HOME", t.TempDir())
		settings, err := LoadSettings()
		require.NoError(t, err)

		t.Setenv("TIMELINE_REWIND_CACHE", "")
		cc := settings.RewindCacheConfig()
		assert.False(t, cc.Disabled)
		assert.Equal(t, settings.Rewind.CacheMaxEntries, cc.MaxEntries)

		t.Setenv("TIMELINE_REWIND_CACHE", "0")
		assert.True(t, settings.RewindCacheConfig().Disabled)
	})

	t.Run("save and load", func(t *testing.T) {
		t.Setenv("TIMELINE_HOME", t.TempDir())

		off := false
		settings := &Settings{
			LogLevel:          "Debug",
			DBPath:            "/var/lib/timeline.db",
			DaemonBusyTimeout: 5000,
			Snapshot:          SnapshotSettings{Enabled: &off, EventsInterval: 10},
			Tracker:           TrackerSettings{Gitignore: &off, Excludes: []string{"build"}},
		}
		require.NoError(t, SaveSettings(settings))

		loaded, err := LoadSettings()
		require.NoError(t, err)

		assert.Equal(t, "debug", loaded.LogLevelName())
		assert.Equal(t, "/var/lib/timeline.db", loaded.ResolveDBPath())
		assert.Equal(t, 5000, loaded.DaemonBusyTimeout)
		assert.False(t, loaded.SnapshotsEnabled())
		assert.Equal(t, int64(10), loaded.SnapshotWorkerConfig().EventsInterval)
		assert.Equal(t, 5*time.Minute, loaded.SnapshotWorkerConfig().TimeInterval)

		tc := loaded.TrackerConfig("/work")
		assert.False(t, tc.Gitignore)
		assert.Equal(t, "/work", tc.Root)
		assert.Equal(t, []string{"build"}, tc.Excludes)
		assert.Equal(t, 300*time.Millisecond, loaded.Debounce())
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "settings.yaml")
		require.NoError(t, os.WriteFile(path, []byte("snapshot: [oops"), 0600))
		_, err := LoadSettingsFromPath(path)
		assert.Error(t, err)
	})
}

func TestResolveDBPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TIMELINE_HOME", home)
	t.Setenv("TIMELINE_DB", "")

	s := &Settings{}
	s.ApplyDefaults()
	assert.Equal(t, filepath.Join(home, "timeline.db"), s.ResolveDBPath())

	s.DBPath = "sub/other.db"
	assert.Equal(t, filepath.Join(home, "sub", "other.db"), s.ResolveDBPath())

	t.Setenv("TIMELINE_DB", "/abs/env.db")
	assert.Equal(t, "/abs/env.db", s.ResolveDBPath())
}

func TestApplyBusyTimeouts(t *testing.T) {
	t.Setenv("TIMELINE_BUSY_TIMEOUT", "")
	t.Setenv("TIMELINE_CLI_BUSY_TIMEOUT", "")
	t.Setenv("TIMELINE_DAEMON_BUSY_TIMEOUT", "")
	defer storage.SetConfigBusyTimeouts(0, 0, 0)

	s := &Settings{CLIBusyTimeout: 1234}
	s.ApplyBusyTimeouts()
	assert.Equal(t, 1234, storage.GetBusyTimeout(storage.DBContextCLI))
}
