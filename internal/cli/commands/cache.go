package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Rewind cache commands",
	Long: `The rewind cache maps rewind targets to reconstructed state so repeated
rewinds skip the replay. Set TIMELINE_REWIND_CACHE=0 to bypass it.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entries and hits",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Keep only the most recent entries",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

var (
	cacheJSON bool
	cacheKeep int
)

func init() {
	cacheStatsCmd.Flags().BoolVar(&cacheJSON, "json", false, "Print as JSON")
	cachePruneCmd.Flags().IntVar(&cacheKeep, "keep", 0, "Entries to keep (default from settings)")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd, cachePruneCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()

	st, err := tl.Cache.Stats(cmd.Context())
	if err != nil {
		return err
	}
	if cacheJSON {
		return printJSON(cmd, st)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Entries: %d\n", st.Entries)
	fmt.Fprintf(out, "Hits: %d\n", st.TotalHits)
	if st.Entries > 0 {
		fmt.Fprintf(out, "Targets: %s .. %s\n", formatMicros(st.OldestTarget), formatMicros(st.NewestTarget))
	}
	if tl.Cache.Disabled() {
		fmt.Fprintln(out, "Cache is disabled (TIMELINE_REWIND_CACHE=0)")
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	n, err := tl.Cache.Clear(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache entr%s\n", n, plural(n, "y", "ies"))
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	keep := cacheKeep
	if keep <= 0 {
		keep = settings.Rewind.CacheMaxEntries
	}
	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	n, err := tl.Cache.Prune(cmd.Context(), keep)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d cache entr%s, kept at most %d\n", n, plural(n, "y", "ies"), keep)
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
