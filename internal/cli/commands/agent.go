// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"timeline/internal/eventlog"
	"timeline/internal/query"
	"timeline/internal/timeline"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Agent integration commands",
	Long:  `Commands for coding-agent integration (e.g. hooks that run on every prompt and tool call).`,
}

var agentNotifyCmd = &cobra.Command{
	Use:   "notify <hook>",
	Short: "Record an agent hook as timeline events",
	Long: `Read a hook payload (JSON) from stdin and record it as an event:

  SESSION_START       SESSION_CREATED
  USER_PROMPT_SUBMIT  LLM_MESSAGE_USER
  PRE_TOOL_USE        TOOL_CALL_STARTED
  POST_TOOL_USE       TOOL_CALL_SUCCESS or TOOL_CALL_FAILED
  STOP                LLM_STREAMING_END
  SESSION_END         SESSION_CLOSED

Events share the session id as correlation id; a tool result is caused by
its TOOL_CALL_STARTED. With --track, POST_TOOL_USE also scans the project
directory ($CLAUDE_PROJECT_DIR or --project-dir) for file changes.`,
	Args: cobra.ExactArgs(1),
	RunE: runAgentNotify,
}

var (
	agentProjectDir string
	agentTrack      bool
)

func init() {
	agentNotifyCmd.Flags().StringVar(&agentProjectDir, "project-dir", "", "Project directory (default $CLAUDE_PROJECT_DIR)")
	agentNotifyCmd.Flags().BoolVar(&agentTrack, "track", false, "Scan the project directory after tool use")
	agentCmd.AddCommand(agentNotifyCmd)
	rootCmd.AddCommand(agentCmd)
}

// hookPayload is the JSON an agent hook receives on stdin.
type hookPayload struct {
	SessionID    string          `json:"session_id"`
	Cwd          string          `json:"cwd"`
	Source       string          `json:"source"`
	Reason       string          `json:"reason"`
	Prompt       string          `json:"prompt"`
	ToolName     string          `json:"tool_name"`
	ToolUseID    string          `json:"tool_use_id"`
	ToolInput    json.RawMessage `json:"tool_input"`
	ToolResponse json.RawMessage `json:"tool_response"`
}

func runAgentNotify(cmd *cobra.Command, args []string) error {
	hook := strings.ToUpper(strings.ReplaceAll(args[0], "-", "_"))

	var hp hookPayload
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &hp); err != nil {
			return fmt.Errorf("invalid hook payload: %w", err)
		}
	}

	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	draft, err := hookDraft(cmd, tl, hook, &hp)
	if err != nil {
		return err
	}
	res := tl.Events.Emit(cmd.Context(), draft)
	if !res.Success {
		return res.Err
	}
	log.Debugf("[Agent] %s recorded as %s #%d", hook, draft.EventType, res.SequenceNumber)

	if agentTrack && hook == "POST_TOOL_USE" {
		dir := agentProjectDir
		if dir == "" {
			dir = os.Getenv("CLAUDE_PROJECT_DIR")
		}
		if dir == "" {
			dir = hp.Cwd
		}
		if dir != "" {
			autosave(cmd, tl, dir)
		}
	}
	return nil
}

func hookDraft(cmd *cobra.Command, tl *timeline.Timeline, hook string, hp *hookPayload) (eventlog.Draft, error) {
	d := eventlog.Draft{
		Actor:         "agent",
		AggregateID:   hp.SessionID,
		AggregateType: "session",
		CorrelationID: hp.SessionID,
	}
	payload := map[string]any{"session_id": hp.SessionID}

	switch hook {
	case "SESSION_START":
		d.EventType = eventlog.SessionCreated
		d.Actor = "system"
		payload["working_dir"] = hp.Cwd
		if hp.Source != "" {
			payload["source"] = hp.Source
		}
	case "USER_PROMPT_SUBMIT":
		d.EventType = eventlog.LLMMessageUser
		d.Actor = "user"
		payload["content"] = hp.Prompt
	case "PRE_TOOL_USE":
		d.EventType = eventlog.ToolCallStarted
		payload["tool_call_id"] = hp.ToolUseID
		payload["tool_name"] = hp.ToolName
		payload["tool_input"] = rawOrNil(hp.ToolInput)
	case "POST_TOOL_USE":
		d.EventType = eventlog.ToolCallSuccess
		if toolFailed(hp.ToolResponse) {
			d.EventType = eventlog.ToolCallFailed
		}
		payload["tool_call_id"] = hp.ToolUseID
		payload["tool_name"] = hp.ToolName
		payload["tool_response"] = rawOrNil(hp.ToolResponse)
		d.CausationID = startedToolCall(cmd, tl, hp)
	case "STOP":
		d.EventType = eventlog.LLMStreamingEnd
	case "SESSION_END":
		d.EventType = eventlog.SessionClosed
		d.Actor = "system"
		if hp.Reason != "" {
			payload["reason"] = hp.Reason
		}
	default:
		return d, fmt.Errorf("unknown hook %q", hook)
	}
	d.Payload = payload
	return d, nil
}

// startedToolCall finds the TOOL_CALL_STARTED event of the same tool use.
func startedToolCall(cmd *cobra.Command, tl *timeline.Timeline, hp *hookPayload) string {
	if hp.ToolUseID == "" || hp.SessionID == "" {
		return ""
	}
	res, err := tl.Query.Query(cmd.Context(), query.Filter{
		EventTypes:    []eventlog.EventType{eventlog.ToolCallStarted},
		CorrelationID: hp.SessionID,
		Search:        hp.ToolUseID,
		Order:         query.Desc,
		Limit:         1,
	})
	if err != nil || len(res.Events) == 0 {
		return ""
	}
	return res.Events[0].ID
}

func toolFailed(resp json.RawMessage) bool {
	var r struct {
		IsError bool   `json:"is_error"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(resp, &r) != nil {
		return false
	}
	return r.IsError || r.Error != ""
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// autosave records file changes made by the tool. Failures are logged and
// never fail the hook.
func autosave(cmd *cobra.Command, tl *timeline.Timeline, dir string) {
	cfg := settings.TrackerConfig(dir)
	cfg.Root = dir
	tr, err := tl.Tracker(cfg)
	if err != nil {
		log.Warnf("[Agent] autosave: %v", err)
		return
	}
	res, err := tr.Scan(cmd.Context())
	if err != nil {
		log.Warnf("[Agent] autosave scan failed: %v", err)
		return
	}
	if res.Changed() {
		log.Infof("[Agent] autosave: %d created, %d modified, %d deleted", res.Created, res.Modified, res.Deleted)
	}
}
