package commands

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"timeline/internal/daemon"
	"timeline/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the timeline service in the foreground",
	Long: `Run the long-lived writer: the HTTP API, the snapshot worker and,
with --track, the workspace watcher. Holds the single-writer lock until it exits.

Use 'serve start' to run it in the background.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service in the background",
	Args:  cobra.NoArgs,
	RunE:  runServeStart,
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background service",
	Args:  cobra.NoArgs,
	RunE:  runServeStop,
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Args:  cobra.NoArgs,
	RunE:  runServeStatus,
}

var serveConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change service settings",
	Long: `Show or change persistent service settings.

Settings are stored in $TIMELINE_HOME/settings.yaml (default ~/.timeline) and
take effect the next time the service starts.

Examples:
  timeline serve config --logging debug
  timeline serve config --addr 127.0.0.1:9000
  timeline serve config`,
	Args: cobra.NoArgs,
	RunE: runServeConfig,
}

var (
	serveAddr    string
	serveTrack   bool
	serveWorkDir string
	serveRestart bool

	configLogLevel string
	configAddr     string
)

func init() {
	for _, c := range []*cobra.Command{serveCmd, serveStartCmd} {
		c.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from settings)")
		c.Flags().BoolVar(&serveTrack, "track", false, "Watch the workspace and record FILE_* events")
		c.Flags().StringVar(&serveWorkDir, "workdir", "", "Workspace directory for --track (default: current directory)")
	}
	serveStartCmd.Flags().BoolVar(&serveRestart, "restart", false, "Restart the service if it is already running")
	serveConfigCmd.Flags().StringVar(&configLogLevel, "logging", "", "Log level: trace, debug, info, warn, none")
	serveConfigCmd.Flags().StringVar(&configAddr, "addr", "", "Listen address")

	serveCmd.AddCommand(serveStartCmd, serveStopCmd, serveStatusCmd, serveConfigCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	d := daemon.New(settings)
	d.LogLevel = logLevelFlag
	d.Addr = serveAddr
	d.Track = serveTrack
	d.WorkDir = serveWorkDir
	d.DBPath = dbFlag
	d.Version, d.Commit, d.BuildDate = version, commit, date
	return d.Run(cmd.Context())
}

func runServeStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if daemon.IsRunning() {
		pid, _ := daemon.GetPID()
		if !serveRestart {
			fmt.Fprintf(out, "Service already running (PID %d)\n", pid)
			fmt.Fprintln(out, "Use --restart to restart the service")
			return nil
		}
		fmt.Fprintf(out, "Service already running (PID %d), restarting...\n", pid)
		if err := util.StopProcess(cmd.Context(), pid, util.StopConfig{}); err != nil {
			return fmt.Errorf("failed to stop service for restart: %w", err)
		}
	}

	bgArgs := []string{"serve"}
	if dbFlag != "" {
		abs, err := filepath.Abs(dbFlag)
		if err != nil {
			return err
		}
		bgArgs = append(bgArgs, "--db", abs)
	}
	if logLevelFlag != "" {
		bgArgs = append(bgArgs, "--log-level", logLevelFlag)
	}
	if serveAddr != "" {
		bgArgs = append(bgArgs, "--addr", serveAddr)
	}
	if serveTrack {
		dir := serveWorkDir
		if dir == "" {
			dir = "."
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return err
		}
		bgArgs = append(bgArgs, "--track", "--workdir", abs)
	}

	_, err := util.StartInBackground(cmd.Context(), util.BackgroundStart{
		Args:   bgArgs,
		Status: cmd.ErrOrStderr(),
		Poll:   util.FastPollConfig(),
	}, daemon.IsRunning)
	if err != nil {
		return fmt.Errorf("service did not start (see %s): %w", daemon.LogPath(), err)
	}
	pid, _ := daemon.GetPID()
	fmt.Fprintf(out, "Service started (PID %d)\n", pid)
	return nil
}

func runServeStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !daemon.IsRunning() {
		fmt.Fprintln(out, "Service not running")
		return nil
	}
	pid, err := daemon.GetPID()
	if err != nil {
		return err
	}
	if err := util.StopProcess(cmd.Context(), pid, util.StopConfig{}); err != nil {
		return err
	}
	// A killed process cannot clean up after itself.
	_ = os.Remove(daemon.PidPath())
	fmt.Fprintln(out, "Service stopped")
	return nil
}

func runServeStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	addr := settings.Server.Addr
	if daemon.IsRunning() {
		pid, _ := daemon.GetPID()
		fmt.Fprintf(out, "Service: running (PID %d)\n", pid)
		fmt.Fprintf(out, "HTTP: %s (%s)\n", addr, probeHealth(addr))
	} else {
		fmt.Fprintln(out, "Service: not running")
	}
	fmt.Fprintf(out, "Database: %s\n", dbPath())
	fmt.Fprintf(out, "Log level: %s\n", displayLogLevel(settings.LogLevelName()))
	fmt.Fprintf(out, "Log file: %s\n", daemon.LogPath())
	return nil
}

// probeHealth reports whether addr answers /healthz.
func probeHealth(addr string) string {
	client := http.Client{Timeout: time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return "unreachable"
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.Status
	}
	return "ok"
}

func runServeConfig(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if configLogLevel == "" && configAddr == "" {
		fmt.Fprintln(out, "Current service configuration:")
		fmt.Fprintf(out, "  Log level: %s\n", displayLogLevel(settings.LogLevelName()))
		fmt.Fprintf(out, "  Listen address: %s\n", settings.Server.Addr)
		fmt.Fprintf(out, "  Database: %s\n", settings.ResolveDBPath())
		fmt.Fprintf(out, "  Snapshots: %v (every %d events)\n", settings.SnapshotsEnabled(), settings.Snapshot.EventsInterval)
		fmt.Fprintln(out)
		fmt.Fprintln(out, "To change settings:")
		fmt.Fprintln(out, "  timeline serve config --logging <level>")
		fmt.Fprintln(out, "  timeline serve config --addr <host:port>")
		return nil
	}

	if configLogLevel != "" {
		level := strings.ToLower(configLogLevel)
		if level == "off" {
			level = "none"
		}
		switch level {
		case "trace", "debug", "info", "warn", "none":
		default:
			return fmt.Errorf("invalid log level %q: must be one of trace, debug, info, warn, none", configLogLevel)
		}
		settings.LogLevel = level
	}
	if configAddr != "" {
		settings.Server.Addr = configAddr
	}

	if err := daemon.SaveSettings(settings); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	fmt.Fprintf(out, "Log level: %s\n", displayLogLevel(settings.LogLevelName()))
	fmt.Fprintf(out, "Listen address: %s\n", settings.Server.Addr)
	if daemon.IsRunning() {
		fmt.Fprintln(out, "Restart the service for the change to take effect:")
		fmt.Fprintln(out, "  timeline serve start --restart")
	}
	return nil
}

func displayLogLevel(level string) string {
	if level == "" {
		return "none"
	}
	return level
}
