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

package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"timeline/internal/common"
	"timeline/internal/daemon"
	"timeline/internal/storage"
	"timeline/internal/timeline"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	dbFlag       string
	logLevelFlag string
)

// settings is loaded once per invocation in PersistentPreRunE.
var settings *daemon.Settings

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "timeline",
	Short: "Event-sourced timeline of an agent workspace",
	Long: `Records every session, message, tool call and file mutation as an append-only,
checksummed event log, stores file contents in a content-addressed blob store,
and reconstructs the workspace as it was at any past instant.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		s, err := daemon.LoadSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = s
		settings.ApplyBusyTimeouts()

		setupCLILogging(cmd.ErrOrStderr())
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("timeline version {{.Version}}\n")
	rootCmd.Version = getVersionString()
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "Database path (default from settings, $TIMELINE_DB)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: trace, debug, info, warn, off")
}

// setupCLILogging sends logrus to w at the level from --log-level,
// $TIMELINE_LOG_LEVEL or settings; logging stays discarded otherwise.
func setupCLILogging(w io.Writer) {
	level := logLevelFlag
	if level == "" {
		level = os.Getenv("TIMELINE_LOG_LEVEL")
	}
	if level == "" && settings != nil {
		level = settings.LogLevelName()
	}
	level = strings.ToLower(level)
	if level == "" || level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return
	}
	log.SetOutput(w)
	log.SetLevel(daemon.ParseLogLevel(level))
}

// dbPath resolves --db over settings.
func dbPath() string {
	if dbFlag != "" {
		return dbFlag
	}
	return settings.ResolveDBPath()
}

// openTimeline opens the database for one command. Writers take the
// single-writer lock for the duration of the command.
func openTimeline(cmd *cobra.Command, write bool) (*timeline.Timeline, error) {
	path := dbPath()
	tl, err := timeline.Open(cmd.Context(), timeline.Options{
		DBPath:               path,
		DBContext:            storage.DBContextCLI,
		Lock:                 write,
		RecordSnapshotEvents: true,
		Cache:                settings.RewindCacheConfig(),
		Rewind:               settings.RewindConfig(),
	})
	if errors.Is(err, common.ErrLocked) {
		if pid, perr := daemon.GetPID(); perr == nil && daemon.IsRunning() {
			return nil, fmt.Errorf("%w (timeline serve is running as PID %d; stop it or use its HTTP API)", err, pid)
		}
		return nil, err
	}
	return tl, err
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatMicros renders a microsecond timestamp in local time.
func formatMicros(us int64) string {
	if us == 0 {
		return "-"
	}
	return time.UnixMicro(us).Local().Format("2006-01-02 15:04:05.000000")
}

// Execute runs the root command. SIGINT/SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
