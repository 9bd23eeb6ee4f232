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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"timeline/internal/daemon"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory and database",
	Long: `Create $TIMELINE_HOME (default ~/.timeline) with default settings.yaml and
create the timeline database with its schema. Safe to run again.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config directory: %s\n", daemon.ConfigDir())
	fmt.Fprintf(out, "  settings: %s\n", daemon.SettingsPath())

	path := dbPath()
	_, statErr := os.Stat(path)

	tl, err := openTimeline(cmd, true)
	if err != nil {
		return err
	}
	defer tl.Close()

	if statErr == nil {
		fmt.Fprintf(out, "Reinitialized existing timeline database in %s\n", path)
	} else {
		fmt.Fprintf(out, "Initialized empty timeline database in %s\n", path)
	}
	return nil
}
