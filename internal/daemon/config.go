package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"timeline/internal/artifacts"
	"timeline/internal/cache"
	"timeline/internal/rewind"
	"timeline/internal/snapshot"
	"timeline/internal/storage"
	"timeline/internal/tracker"
)

// getConfigDir returns the config directory path.
// Uses TIMELINE_HOME if set, otherwise ~/.timeline.
// Computed on every call so tests can isolate via the env var.
func getConfigDir() string {
	if dir := os.Getenv("TIMELINE_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".timeline")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// PidPath returns the PID file path of the serve daemon
func PidPath() string {
	return filepath.Join(getConfigDir(), "daemon.pid")
}

// LogPath returns the daemon log file path.
// TIMELINE_DAEMON_LOG overrides the default config_dir/daemon.log.
func LogPath() string {
	if envPath := os.Getenv("TIMELINE_DAEMON_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "daemon.log")
}

// SettingsPath returns the settings file path
func SettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and seeds settings.yaml from
// the embedded template.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settingsPath := SettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// SnapshotSettings controls the background snapshot worker.
type SnapshotSettings struct {
	Enabled             *bool `yaml:"enabled"`
	EventsInterval      int64 `yaml:"events_interval"`
	TimeIntervalSeconds int   `yaml:"time_interval_seconds"`
	MaxSnapshots        int   `yaml:"max_snapshots"`
}

// RewindSettings controls rewind output and caching.
type RewindSettings struct {
	OutputRoot      string `yaml:"output_root"`
	UseCache        *bool  `yaml:"use_cache"`
	RecordEvents    *bool  `yaml:"record_events"`
	CacheMaxEntries int    `yaml:"cache_max_entries"`
	// GitSource is the repository copied by full git rewinds
	// (default: the working directory).
	GitSource string `yaml:"git_source,omitempty"`
}

// TrackerSettings controls workspace tracking.
type TrackerSettings struct {
	Root        string   `yaml:"root"`
	Gitignore   *bool    `yaml:"gitignore"` // default: true (pointer to detect missing)
	Includes    []string `yaml:"includes"`
	Excludes    []string `yaml:"excludes"`
	MaxFileSize int64    `yaml:"max_file_size"`
	DebounceMS  int      `yaml:"debounce_ms"`
}

// ServerSettings controls the HTTP diagnostics server.
type ServerSettings struct {
	Addr string `yaml:"addr"`
}

// Settings represents $TIMELINE_HOME/settings.yaml.
type Settings struct {
	LogLevel          string `yaml:"log_level"` // trace, debug, info, warn, off (default: off)
	DBPath            string `yaml:"db_path"`
	BusyTimeout       int    `yaml:"busy_timeout"`        // ms, 0 = use default
	CLIBusyTimeout    int    `yaml:"cli_busy_timeout"`    // ms, 0 = use default
	DaemonBusyTimeout int    `yaml:"daemon_busy_timeout"` // ms, 0 = use default

	Snapshot SnapshotSettings `yaml:"snapshot"`
	Rewind   RewindSettings   `yaml:"rewind"`
	Tracker  TrackerSettings  `yaml:"tracker"`
	Server   ServerSettings   `yaml:"server"`
}

const (
	DefaultDBPath     = "timeline.db"
	DefaultServerAddr = "127.0.0.1:7420"
	DefaultDebounceMS = 300
	DefaultCacheSize  = 200
	DefaultKeepSnaps  = 50
)

func boolPtr(b bool) *bool { return &b }

func enabled(p *bool) bool { return p == nil || *p }

// ApplyDefaults fills zero-value fields with their defaults.
func (s *Settings) ApplyDefaults() {
	if s.DBPath == "" {
		s.DBPath = DefaultDBPath
	}
	if s.Snapshot.Enabled == nil {
		s.Snapshot.Enabled = boolPtr(true)
	}
	if s.Snapshot.EventsInterval <= 0 {
		s.Snapshot.EventsInterval = snapshot.DefaultEventsInterval
	}
	if s.Snapshot.TimeIntervalSeconds <= 0 {
		s.Snapshot.TimeIntervalSeconds = int(snapshot.DefaultTimeInterval / time.Second)
	}
	if s.Snapshot.MaxSnapshots <= 0 {
		s.Snapshot.MaxSnapshots = DefaultKeepSnaps
	}
	if s.Rewind.OutputRoot == "" {
		s.Rewind.OutputRoot = "."
	}
	if s.Rewind.UseCache == nil {
		s.Rewind.UseCache = boolPtr(true)
	}
	if s.Rewind.RecordEvents == nil {
		s.Rewind.RecordEvents = boolPtr(true)
	}
	if s.Rewind.CacheMaxEntries <= 0 {
		s.Rewind.CacheMaxEntries = DefaultCacheSize
	}
	if s.Tracker.Root == "" {
		s.Tracker.Root = "."
	}
	if s.Tracker.Gitignore == nil {
		s.Tracker.Gitignore = boolPtr(true)
	}
	if s.Tracker.MaxFileSize <= 0 {
		s.Tracker.MaxFileSize = tracker.DefaultMaxFileSize
	}
	if s.Tracker.DebounceMS <= 0 {
		s.Tracker.DebounceMS = DefaultDebounceMS
	}
	if s.Server.Addr == "" {
		s.Server.Addr = DefaultServerAddr
	}
}

// LogLevelName returns the normalized logging level, "" when logging is off.
func (s *Settings) LogLevelName() string {
	level := strings.ToLower(strings.TrimSpace(s.LogLevel))
	if level == "none" || level == "off" {
		return ""
	}
	return level
}

// ResolveDBPath returns the database path; relative paths resolve against
// the config directory. TIMELINE_DB overrides the setting.
func (s *Settings) ResolveDBPath() string {
	p := s.DBPath
	if env := os.Getenv("TIMELINE_DB"); env != "" {
		p = env
	}
	if p == "" {
		p = DefaultDBPath
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(getConfigDir(), p)
	}
	return p
}

// ApplyBusyTimeouts hands the configured busy timeouts to the storage layer.
func (s *Settings) ApplyBusyTimeouts() {
	storage.SetConfigBusyTimeouts(s.BusyTimeout, s.DaemonBusyTimeout, s.CLIBusyTimeout)
}

// SnapshotWorkerConfig converts snapshot settings for the worker.
func (s *Settings) SnapshotWorkerConfig() snapshot.WorkerConfig {
	return snapshot.WorkerConfig{
		EventsInterval: s.Snapshot.EventsInterval,
		TimeInterval:   time.Duration(s.Snapshot.TimeIntervalSeconds) * time.Second,
	}
}

// SnapshotsEnabled reports whether the snapshot worker should run.
func (s *Settings) SnapshotsEnabled() bool {
	return enabled(s.Snapshot.Enabled)
}

// RewindConfig converts rewind settings for the engine.
func (s *Settings) RewindConfig() rewind.Config {
	return rewind.Config{
		OutputRoot:   s.Rewind.OutputRoot,
		UseCache:     enabled(s.Rewind.UseCache),
		RecordEvents: enabled(s.Rewind.RecordEvents),
		MaxSnapshots: s.Snapshot.MaxSnapshots,
		GitSource:    s.Rewind.GitSource,
	}
}

// RewindCacheConfig converts cache settings. TIMELINE_REWIND_CACHE=0
// disables lookups and stores.
func (s *Settings) RewindCacheConfig() cache.Config {
	return cache.Config{
		MaxEntries: s.Rewind.CacheMaxEntries,
		Disabled:   os.Getenv("TIMELINE_REWIND_CACHE") == "0",
	}
}

// TrackerConfig converts tracker settings, resolving root against base
// when relative.
func (s *Settings) TrackerConfig(base string) tracker.Config {
	root := s.Tracker.Root
	if !filepath.IsAbs(root) {
		root = filepath.Join(base, root)
	}
	return tracker.Config{
		Root:        root,
		Gitignore:   enabled(s.Tracker.Gitignore),
		Includes:    s.Tracker.Includes,
		Excludes:    s.Tracker.Excludes,
		MaxFileSize: s.Tracker.MaxFileSize,
	}
}

// Debounce returns the watcher debounce interval.
func (s *Settings) Debounce() time.Duration {
	return time.Duration(s.Tracker.DebounceMS) * time.Millisecond
}

// loadDefaultSettings parses default settings from the embedded artifact.
func loadDefaultSettings() Settings {
	var settings Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &settings); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return settings
}

// LoadSettings loads $TIMELINE_HOME/settings.yaml, falling back to the
// embedded defaults when the file doesn't exist. Defaults are applied.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFromPath(SettingsPath())
}

// LoadSettingsFromPath loads settings from a specific file.
func LoadSettingsFromPath(path string) (*Settings, error) {
	var settings Settings
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		settings = loadDefaultSettings()
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	settings.ApplyDefaults()
	return &settings, nil
}

// SaveSettings writes settings to $TIMELINE_HOME/settings.yaml
func SaveSettings(settings *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	header := []byte("# timeline settings\n# See: timeline --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0600)
}
