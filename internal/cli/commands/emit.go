package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"timeline/internal/eventlog"
)

var emitCmd = &cobra.Command{
	Use:   "emit <event-type>",
	Short: "Append an event to the log",
	Long: `Append one event. The payload is a JSON object given inline or read from stdin with "-".

Examples:
  timeline emit SESSION_CREATED --payload '{"session_id":"s1","title":"demo"}'
  timeline emit FILE_CREATED --actor tool --payload '{"path":"a.txt","new_hash":"..."}'
  echo '{"content":"hi"}' | timeline emit LLM_MESSAGE_USER --payload -`,
	Args: cobra.ExactArgs(1),
	RunE: runEmit,
}

var (
	emitActor         string
	emitPayload       string
	emitAggregateID   string
	emitAggregateType string
	emitCorrelationID string
	emitCausationID   string
	emitJSON          bool
)

func init() {
	emitCmd.Flags().StringVar(&emitActor, "actor", "user", "Actor that caused the event")
	emitCmd.Flags().StringVarP(&emitPayload, "payload", "p", "", `JSON payload, or "-" to read stdin`)
	emitCmd.Flags().StringVar(&emitAggregateID, "aggregate-id", "", "Aggregate id")
	emitCmd.Flags().StringVar(&emitAggregateType, "aggregate-type", "", "Aggregate type")
	emitCmd.Flags().StringVar(&emitCorrelationID, "correlation-id", "", "Correlation id")
	emitCmd.Flags().StringVar(&emitCausationID, "causation-id", "", "Id of the event that caused this one")
	emitCmd.Flags().BoolVar(&emitJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(emitCmd)
}

func runEmit(cmd *cobra.Command, args []string) error {
	var payload json.RawMessage
	raw := emitPayload
	if raw == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		raw = string(data)
	}
	if raw = strings.TrimSpace(raw); raw != "" {
		if !json.Valid([]byte(raw)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		payload = json.RawMessage(raw)
	}

	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	res := tl.Events.Emit(cmd.Context(), eventlog.Draft{
		Actor:         emitActor,
		EventType:     eventlog.EventType(strings.ToUpper(args[0])),
		AggregateID:   emitAggregateID,
		AggregateType: emitAggregateType,
		Payload:       payload,
		CorrelationID: emitCorrelationID,
		CausationID:   emitCausationID,
	})
	if emitJSON {
		if err := printJSON(cmd, res); err != nil {
			return err
		}
	}
	if !res.Success {
		return res.Err
	}
	if !emitJSON {
		fmt.Fprintf(cmd.OutOrStdout(), "%s #%d %s\n", res.EventID, res.SequenceNumber, formatMicros(res.Timestamp))
	}
	return nil
}
