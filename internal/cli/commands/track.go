package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"timeline/internal/tracker"
)

var trackCmd = &cobra.Command{
	Use:   "track [directory]",
	Short: "Record workspace file changes as FILE_* events",
	Long: `Compare the workspace with the last recorded tree, store changed contents in
the blob store and emit FILE_CREATED / FILE_MODIFIED / FILE_DELETED events.
Honors .gitignore and the tracker include/exclude settings.

With --watch, keep running and rescan paths as they change.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runTrack,
}

var (
	trackWatch bool
	trackJSON  bool
)

func init() {
	trackCmd.Flags().BoolVarP(&trackWatch, "watch", "w", false, "Watch for changes until interrupted")
	trackCmd.Flags().BoolVar(&trackJSON, "json", false, "Print scan results as JSON")
	rootCmd.AddCommand(trackCmd)
}

func runTrack(cmd *cobra.Command, args []string) error {
	base, err := os.Getwd()
	if err != nil {
		return err
	}
	cfg := settings.TrackerConfig(base)
	if len(args) > 0 {
		cfg.Root = args[0]
	}

	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	tr, err := tl.Tracker(cfg)
	if err != nil {
		return err
	}

	if !trackWatch {
		res, err := tr.Scan(cmd.Context())
		if err != nil {
			return err
		}
		return printScan(cmd, res)
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Watching %s (Ctrl-C to stop)\n", tr.Root())
	w := tracker.NewWatcher(tr, settings.Debounce())
	w.OnScan = func(res *tracker.ScanResult) {
		if res.Changed() || trackJSON {
			_ = printScan(cmd, res)
		}
	}
	err = w.Run(cmd.Context())
	if cmd.Context().Err() != nil {
		return nil
	}
	return err
}

func printScan(cmd *cobra.Command, res *tracker.ScanResult) error {
	if trackJSON {
		return printJSON(cmd, res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d created, %d modified, %d deleted, %d unchanged, %d skipped\n",
		res.Created, res.Modified, res.Deleted, res.Unchanged, res.Skipped)
	return nil
}
