package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"timeline/internal/rewind"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Workspace snapshot commands",
}

var snapshotCaptureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Capture a workspace snapshot at the current log head",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotCapture,
}

var snapshotListCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List snapshots, newest first",
	Args:    cobra.NoArgs,
	RunE:    runSnapshotList,
}

var snapshotRemoveCmd = &cobra.Command{
	Use:   "rm <aggregate-id>",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRemove,
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Keep only the newest snapshots of a type",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotPrune,
}

var (
	snapshotType string
	snapshotKeep int
	snapshotJSON bool
)

func init() {
	snapshotListCmd.Flags().StringVar(&snapshotType, "type", "", "Only this aggregate type")
	snapshotListCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Print as JSON")
	snapshotCaptureCmd.Flags().BoolVar(&snapshotJSON, "json", false, "Print as JSON")
	snapshotPruneCmd.Flags().StringVar(&snapshotType, "type", rewind.WorkspaceAggregate, "Aggregate type to prune")
	snapshotPruneCmd.Flags().IntVar(&snapshotKeep, "keep", 0, "Number of snapshots to keep (required)")
	snapshotCmd.AddCommand(snapshotCaptureCmd, snapshotListCmd, snapshotRemoveCmd, snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotCapture(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	snap, err := tl.Rewind.CaptureSnapshot(cmd.Context())
	if err != nil {
		return err
	}
	if snapshotJSON {
		return printJSON(cmd, snap)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Captured %s at #%d (%s)\n",
		snap.AggregateID, snap.SequenceNumber, formatBytes(snap.CompressedSize))
	return nil
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()

	snaps, err := tl.Snapshots.List(cmd.Context(), snapshotType)
	if err != nil {
		return err
	}
	if snapshotJSON {
		return printJSON(cmd, snaps)
	}
	out := cmd.OutOrStdout()
	if len(snaps) == 0 {
		fmt.Fprintln(out, "No snapshots")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGGREGATE\tTYPE\tSEQ\tTIME\tSIZE")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.AggregateID, s.AggregateType, s.SequenceNumber, formatMicros(s.Timestamp), formatBytes(s.CompressedSize))
	}
	return w.Flush()
}

func runSnapshotRemove(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	if err := tl.Snapshots.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s\n", args[0])
	return nil
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	if snapshotKeep <= 0 {
		return fmt.Errorf("--keep must be positive")
	}
	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	n, err := tl.Snapshots.Prune(cmd.Context(), snapshotType, snapshotKeep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d %s snapshot(s)\n", n, snapshotType)
	return nil
}
