package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"timeline/internal/blobstore"
)

var blobCmd = &cobra.Command{
	Use:   "blob",
	Short: "Content-addressed blob store commands",
}

var blobPutCmd = &cobra.Command{
	Use:   "put <file|->",
	Short: "Store a file's content and print its hash",
	Long: `Store content from a file or stdin ("-"). Identical content is stored once.
With --base the content is recorded as a delta of an existing blob.`,
	Args: cobra.ExactArgs(1),
	RunE: runBlobPut,
}

var blobGetCmd = &cobra.Command{
	Use:   "get <hash>",
	Short: "Write a blob's content to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlobGet,
}

var blobInfoCmd = &cobra.Command{
	Use:   "info <hash>",
	Short: "Show blob metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlobInfo,
}

var blobStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show blob store usage",
	Args:  cobra.NoArgs,
	RunE:  runBlobStats,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete blobs no longer reachable from the log, trees or snapshots",
	Long: `Mark every blob referenced by a file tree, a FILE_* event payload or a
workspace snapshot (and the bases of marked deltas), then delete the rest.

Examples:
  timeline gc --dry-run
  timeline gc --min-age 24h --vacuum`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

var (
	blobBase   string
	blobOutput string
	blobJSON   bool

	gcDryRun bool
	gcMinAge time.Duration
	gcVacuum bool
	gcJSON   bool
)

func init() {
	blobPutCmd.Flags().StringVar(&blobBase, "base", "", "Store as a delta of this base blob")
	blobGetCmd.Flags().StringVarP(&blobOutput, "output", "o", "", "Write to this file instead of stdout")
	blobInfoCmd.Flags().BoolVar(&blobJSON, "json", false, "Print as JSON")
	blobStatsCmd.Flags().BoolVar(&blobJSON, "json", false, "Print as JSON")
	blobCmd.AddCommand(blobPutCmd, blobGetCmd, blobInfoCmd, blobStatsCmd)
	rootCmd.AddCommand(blobCmd)

	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report what would be deleted")
	gcCmd.Flags().DurationVar(&gcMinAge, "min-age", 0, "Keep blobs younger than this")
	gcCmd.Flags().BoolVar(&gcVacuum, "vacuum", false, "Run SQLite VACUUM afterwards")
	gcCmd.Flags().BoolVar(&gcJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(gcCmd)
}

func runBlobPut(cmd *cobra.Command, args []string) error {
	var data []byte
	var err error
	if args[0] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	var info *blobstore.BlobInfo
	if blobBase != "" {
		info, err = tl.Blobs.StoreDelta(cmd.Context(), data, blobBase)
	} else {
		info, err = tl.Blobs.StoreBlob(cmd.Context(), data)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), info.Hash)
	return nil
}

func runBlobGet(cmd *cobra.Command, args []string) error {
	if !blobstore.IsHash(args[0]) {
		return fmt.Errorf("invalid blob hash %q", args[0])
	}
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()

	data, err := tl.Blobs.RetrieveBlob(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if blobOutput != "" {
		return os.WriteFile(blobOutput, data, 0o644)
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runBlobInfo(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()

	info, err := tl.Blobs.GetBlobInfo(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if blobJSON {
		return printJSON(cmd, info)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Hash:       %s\n", info.Hash)
	fmt.Fprintf(out, "Size:       %s\n", formatBytes(info.Size))
	fmt.Fprintf(out, "Compressed: %s\n", formatBytes(info.CompressedSize))
	if info.IsDelta {
		fmt.Fprintf(out, "Delta of:   %s\n", info.BaseHash)
	}
	fmt.Fprintf(out, "Created:    %s\n", formatMicros(info.CreatedAt))
	return nil
}

func runBlobStats(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()

	st, err := tl.Blobs.GetStats(cmd.Context())
	if err != nil {
		return err
	}
	if blobJSON {
		return printJSON(cmd, st)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Blobs: %d (%d delta)\n", st.TotalBlobs, st.DeltaBlobs)
	fmt.Fprintf(out, "Size: %s raw, %s stored (ratio %.2f)\n",
		formatBytes(st.TotalSize), formatBytes(st.TotalCompressedSize), st.CompressionRatio)
	fmt.Fprintf(out, "Trees: %d\n", st.TotalTrees)
	return nil
}

func runGC(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	res, err := tl.GarbageCollect(cmd.Context(), blobstore.GCOptions{DryRun: gcDryRun, MinAge: gcMinAge})
	if err != nil {
		return err
	}
	if gcVacuum && !gcDryRun {
		if err := tl.DB.Vacuum(cmd.Context()); err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
	}
	if gcJSON {
		return printJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned %d blob(s), %d reachable\n", res.Scanned, res.Marked)
	verb := "Deleted"
	if res.DryRun {
		verb = "Would delete"
	}
	fmt.Fprintf(out, "%s %d blob(s), %s\n", verb, res.Deleted, formatBytes(res.FreedBytes))
	if gcVacuum && !gcDryRun {
		fmt.Fprintln(out, "VACUUM completed.")
	}
	return nil
}

// formatBytes formats bytes in human-readable form
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
