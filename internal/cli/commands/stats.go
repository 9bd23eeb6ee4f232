package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database, blob store and cache statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()

	st, err := tl.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if statsJSON {
		return printJSON(cmd, st)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Database: %s (%s, schema %s)\n", dbPath(), formatBytes(st.Storage.SizeBytes), st.Storage.SchemaVersion)
	fmt.Fprintf(out, "Events: %d (last #%d at %s)\n", st.Storage.TotalEvents, st.Storage.LastSequence, formatMicros(st.Storage.LastEventTime))
	fmt.Fprintf(out, "Snapshots: %d (last at #%d)\n", st.Storage.TotalSnapshots, st.Storage.LastSnapshotSeq)
	fmt.Fprintf(out, "Blobs: %d (%d delta), %s raw, %s stored\n",
		st.Blobs.TotalBlobs, st.Blobs.DeltaBlobs, formatBytes(st.Blobs.TotalSize), formatBytes(st.Blobs.TotalCompressedSize))
	fmt.Fprintf(out, "Trees: %d\n", st.Blobs.TotalTrees)
	fmt.Fprintf(out, "Rewind cache: %d entries, %d hits\n", st.Cache.Entries, st.Cache.TotalHits)
	return nil
}
