package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"timeline/internal/eventlog"
	"timeline/internal/query"
	"timeline/internal/timeline"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "List events",
	Long: `List events matching a filter, oldest first. Times accept RFC3339, unix
microseconds or a relative duration such as -15m.

Examples:
  timeline log --category file --since -1h
  timeline log --type LLM_MESSAGE_USER,LLM_MESSAGE_ASSISTANT --session s1
  timeline log --file src/main.go
  timeline log --search "panic" --desc --limit 20`,
	Args: cobra.NoArgs,
	RunE: runLog,
}

var (
	logCategories  string
	logTypes       string
	logActor       string
	logSession     string
	logAggregate   string
	logCorrelation string
	logFile        string
	logSince       string
	logUntil       string
	logSearch      string
	logLimit       int
	logCursor      string
	logDesc        bool
	logStats       bool
	logJSON        bool
)

func init() {
	f := logCmd.Flags()
	f.StringVar(&logCategories, "category", "", "Comma-separated categories (session, llm, tool, file, git, cli, rewind, snapshot, error)")
	f.StringVar(&logTypes, "type", "", "Comma-separated event types")
	f.StringVar(&logActor, "actor", "", "Actor")
	f.StringVar(&logSession, "session", "", "Session id")
	f.StringVar(&logAggregate, "aggregate", "", "Aggregate id")
	f.StringVar(&logCorrelation, "correlation", "", "Correlation id")
	f.StringVar(&logFile, "file", "", "Only events touching this file path")
	f.StringVar(&logSince, "since", "", "Start time (inclusive)")
	f.StringVar(&logUntil, "until", "", "End time (inclusive)")
	f.StringVar(&logSearch, "search", "", "Case-insensitive payload substring")
	f.IntVarP(&logLimit, "limit", "n", query.DefaultLimit, "Page size")
	f.StringVar(&logCursor, "cursor", "", "Continue from a previous page")
	f.BoolVar(&logDesc, "desc", false, "Newest first")
	f.BoolVar(&logStats, "stats", false, "Print counts by category, type and actor instead of events")
	f.BoolVar(&logJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(logCmd)
}

func buildLogFilter() (query.Filter, error) {
	now := time.Now()
	f := query.Filter{
		Actor:         logActor,
		SessionID:     logSession,
		AggregateID:   logAggregate,
		CorrelationID: logCorrelation,
		Search:        logSearch,
		Limit:         logLimit,
		Cursor:        logCursor,
	}
	if logDesc {
		f.Order = query.Desc
	}
	for _, c := range splitList(logCategories) {
		cat, ok := eventlog.ParseCategory(c)
		if !ok {
			return f, fmt.Errorf("unknown category %q", c)
		}
		f.Categories = append(f.Categories, cat)
	}
	for _, t := range splitList(logTypes) {
		et := eventlog.EventType(strings.ToUpper(t))
		if !et.Valid() {
			return f, fmt.Errorf("unknown event type %q", t)
		}
		f.EventTypes = append(f.EventTypes, et)
	}
	var err error
	if logSince != "" {
		if f.StartTime, err = timeline.ParseTime(logSince, now); err != nil {
			return f, err
		}
	}
	if logUntil != "" {
		if f.EndTime, err = timeline.ParseTime(logUntil, now); err != nil {
			return f, err
		}
	}
	return f, nil
}

func runLog(cmd *cobra.Command, args []string) error {
	f, err := buildLogFilter()
	if err != nil {
		return err
	}

	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()
	ctx := cmd.Context()

	if logStats {
		st, err := tl.Query.Stats(ctx, f)
		if err != nil {
			return err
		}
		if logJSON {
			return printJSON(cmd, st)
		}
		printQueryStats(cmd, st)
		return nil
	}

	var res *query.Result
	if logFile != "" {
		res, err = tl.Query.FileEvents(ctx, logFile, f)
	} else {
		res, err = tl.Query.Query(ctx, f)
	}
	if err != nil {
		return err
	}
	if logJSON {
		return printJSON(cmd, res)
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, ev := range res.Events {
		fmt.Fprintf(w, "#%d\t%s\t%s\t%s\t%s\n",
			ev.SequenceNumber, formatMicros(ev.Timestamp), ev.Actor, ev.EventType, summarize(ev))
	}
	w.Flush()
	fmt.Fprintf(out, "%d of %d event(s)\n", len(res.Events), res.Total)
	if res.HasMore {
		fmt.Fprintf(out, "more: --cursor %s\n", res.NextCursor)
	}
	return nil
}

func printQueryStats(cmd *cobra.Command, st *query.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Events: %d\n", st.TotalEvents)
	if st.TotalEvents > 0 {
		fmt.Fprintf(out, "Range: %s .. %s\n", formatMicros(st.TimeRange.Earliest), formatMicros(st.TimeRange.Latest))
	}
	section := func(title string, m map[string]int64) {
		if len(m) == 0 {
			return
		}
		fmt.Fprintf(out, "%s:\n", title)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s\t%d\n", k, m[k])
		}
		w.Flush()
	}
	section("By category", st.EventsByCategory)
	section("By type", st.EventsByType)
	section("By actor", st.EventsByActor)
}

// summarize picks a short, human-readable detail from the payload.
func summarize(ev *eventlog.Event) string {
	var p map[string]any
	if err := ev.DecodePayload(&p); err != nil || p == nil {
		return ""
	}
	for _, k := range []string{"path", "old_path", "command", "content", "title", "tool_name", "message", "session_id"} {
		if v, ok := p[k]; ok {
			s := strings.ReplaceAll(fmt.Sprint(v), "\n", " ")
			if len(s) > 60 {
				s = s[:57] + "..."
			}
			return s
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
