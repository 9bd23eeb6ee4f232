package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"timeline/internal/rewind"
	"timeline/internal/timeline"
)

var rewindCmd = &cobra.Command{
	Use:   "rewind <time>",
	Short: "Reconstruct the workspace as of a past time",
	Long: `Rebuild the workspace, session state and git state as they were at <time>
and write them to an output directory:

  <out>/files/...            restored file contents
  <out>/session_state.json
  <out>/git_state.json
  <out>/file_manifest.json
  <out>/repo/                with --git-mode full

--no-files and --no-conversations skip the restored files and the session
state. --git-mode none skips git_state.json; full also copies the
repository at --git-source (default: rewind.git_source or the current
directory) and checks out the recorded commit or branch.

<time> accepts RFC3339, unix microseconds or a relative duration such as -15m.

Examples:
  timeline rewind -10m
  timeline rewind 2026-01-02T15:04:05Z -o /tmp/before --compare .
  timeline rewind -1h --no-conversations --git-mode full`,
	Args: cobra.ExactArgs(1),
	RunE: runRewind,
}

var (
	rewindOutput  string
	rewindCompare string
	rewindNoCache bool
	rewindQuiet   bool
	rewindJSON    bool

	rewindNoFiles         bool
	rewindNoConversations bool
	rewindGitMode         string
	rewindGitSource       string
)

func init() {
	rewindCmd.Flags().StringVarP(&rewindOutput, "output", "o", "", "Output directory (default <output_root>/.rewind_<time>)")
	rewindCmd.Flags().StringVar(&rewindCompare, "compare", "", "Compare the result with this directory")
	rewindCmd.Flags().BoolVar(&rewindNoCache, "no-cache", false, "Bypass the rewind cache")
	rewindCmd.Flags().BoolVarP(&rewindQuiet, "quiet", "q", false, "Do not print progress")
	rewindCmd.Flags().BoolVar(&rewindJSON, "json", false, "Print the result as JSON")
	rewindCmd.Flags().BoolVar(&rewindNoFiles, "no-files", false, "Do not restore file contents")
	rewindCmd.Flags().BoolVar(&rewindNoConversations, "no-conversations", false, "Do not write session_state.json")
	rewindCmd.Flags().StringVar(&rewindGitMode, "git-mode", string(rewind.GitMetadata), "Git output: none, metadata or full")
	rewindCmd.Flags().StringVar(&rewindGitSource, "git-source", "", "Repository to copy with --git-mode full")
	rootCmd.AddCommand(rewindCmd)
}

func runRewind(cmd *cobra.Command, args []string) error {
	target, err := timeline.ParseTime(args[0], time.Now())
	if err != nil {
		return err
	}
	gitMode, err := rewind.ParseGitMode(rewindGitMode)
	if err != nil {
		return err
	}

	// Rewinds record REWIND_* events and fill the cache.
	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	opts := rewind.Options{
		OutputDir:   rewindOutput,
		CompareWith: rewindCompare,
		NoCache:     rewindNoCache,

		SkipFiles:         rewindNoFiles,
		SkipConversations: rewindNoConversations,
		GitMode:           gitMode,
		GitSource:         rewindGitSource,
	}
	if !rewindQuiet && !rewindJSON {
		stderr := cmd.ErrOrStderr()
		opts.OnProgress = func(p rewind.Progress) {
			fmt.Fprintf(stderr, "[%3d%%] %s\n", p.Percent, p.Message)
		}
	}

	res, err := tl.Rewind.RewindTo(cmd.Context(), target, opts)
	if rewindJSON && res != nil {
		if perr := printJSON(cmd, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if rewindJSON {
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Rewound to %s\n", formatMicros(res.TargetTimestamp))
	fmt.Fprintf(out, "  Output:    %s\n", res.OutputDirectory)
	fmt.Fprintf(out, "  Files:     %d restored\n", res.FilesRestored)
	fmt.Fprintf(out, "  Events:    %d replayed", res.EventsReplayed)
	if res.SnapshotSequence > 0 {
		fmt.Fprintf(out, " after snapshot #%d", res.SnapshotSequence)
	}
	if res.CacheHit {
		fmt.Fprint(out, " (cached)")
	}
	fmt.Fprintln(out)
	if g := res.Git; g != nil {
		ref := g.Branch
		if g.Detached {
			ref = "detached"
		}
		fmt.Fprintf(out, "  Git:       %s at %s (%s)\n", g.Directory, g.Commit, ref)
	}
	if len(res.MissingFiles) > 0 {
		fmt.Fprintf(out, "  Missing:   %d file(s)\n", len(res.MissingFiles))
		for _, m := range res.MissingFiles {
			fmt.Fprintf(out, "    %s (%s)\n", m.Path, m.Reason)
		}
	}
	if c := res.Comparison; c != nil {
		fmt.Fprintf(out, "Compared with %s: %d added, %d deleted, %d modified, %d unchanged\n",
			c.CompareDirectory, c.Added, c.Deleted, c.Modified, c.Unchanged)
		for _, f := range c.Files {
			if f.Status != rewind.StatusUnchanged {
				fmt.Fprintf(out, "  %-9s %s\n", f.Status, f.Path)
			}
		}
	}
	return nil
}
