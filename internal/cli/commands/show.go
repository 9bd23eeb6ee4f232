package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"timeline/internal/query"
)

var showCmd = &cobra.Command{
	Use:   "show <event-id>",
	Short: "Show one event",
	Long: `Show an event with its payload. --chain prints every event it caused,
--correlated every event sharing its correlation id.`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify event checksums and sequence continuity",
	Long: `Scan the whole log and report checksum mismatches, sequence gaps or
duplicates and timestamp regressions. Exits non-zero when any issue is found.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

var (
	showChain      bool
	showCorrelated bool
	showJSON       bool
	verifyJSON     bool
)

func init() {
	showCmd.Flags().BoolVar(&showChain, "chain", false, "Print the causation chain rooted at this event")
	showCmd.Flags().BoolVar(&showCorrelated, "correlated", false, "Print events sharing this event's correlation id")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print as JSON")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the report as JSON")
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(verifyCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if showChain {
		chain, err := tl.Query.CausationChain(ctx, args[0])
		if err != nil {
			return err
		}
		if showJSON {
			return printJSON(cmd, chain)
		}
		chain.Walk(func(c *query.ChainEntry) {
			fmt.Fprintf(out, "%s#%d %s %s\n",
				strings.Repeat("  ", c.Depth), c.Event.SequenceNumber, c.Event.EventType, c.Event.ID)
		})
		return nil
	}

	ev, err := tl.Query.Get(ctx, args[0])
	if err != nil {
		return err
	}

	if showCorrelated {
		if ev.CorrelationID == "" {
			return fmt.Errorf("event %s has no correlation id", ev.ID)
		}
		events, err := tl.Query.CorrelationChain(ctx, ev.CorrelationID)
		if err != nil {
			return err
		}
		if showJSON {
			return printJSON(cmd, events)
		}
		for _, e := range events {
			fmt.Fprintf(out, "#%d %s %s %s\n", e.SequenceNumber, formatMicros(e.Timestamp), e.EventType, e.ID)
		}
		return nil
	}

	if showJSON {
		return printJSON(cmd, ev)
	}
	fmt.Fprintf(out, "event %s\n", ev.ID)
	fmt.Fprintf(out, "Sequence:  %d\n", ev.SequenceNumber)
	fmt.Fprintf(out, "Time:      %s\n", formatMicros(ev.Timestamp))
	fmt.Fprintf(out, "Type:      %s\n", ev.EventType)
	fmt.Fprintf(out, "Actor:     %s\n", ev.Actor)
	if ev.AggregateID != "" {
		fmt.Fprintf(out, "Aggregate: %s (%s)\n", ev.AggregateID, ev.AggregateType)
	}
	if ev.CorrelationID != "" {
		fmt.Fprintf(out, "Correlation: %s\n", ev.CorrelationID)
	}
	if ev.CausationID != "" {
		fmt.Fprintf(out, "Caused by: %s\n", ev.CausationID)
	}
	fmt.Fprintf(out, "Checksum:  %s\n", ev.Checksum)

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, ev.Payload, "    ", "  "); err == nil {
		fmt.Fprintf(out, "\n    %s\n", pretty.String())
	}
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	tl, err := openTimeline(cmd, false)
	if err != nil {
		return err
	}
	defer tl.Close()

	report, err := tl.Events.Verify(cmd.Context())
	if err != nil {
		return err
	}
	if verifyJSON {
		if err := printJSON(cmd, report); err != nil {
			return err
		}
		return report.Err()
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checked %d event(s), last sequence %d\n", report.Checked, report.LastSequence)
	if report.OK() {
		fmt.Fprintln(out, "OK")
		return nil
	}
	for _, issue := range report.Issues {
		fmt.Fprintf(out, "  %s at #%d: %s\n", issue.Kind, issue.Sequence, issue.Detail)
	}
	return report.Err()
}
