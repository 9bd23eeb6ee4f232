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

package util

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrStartTimeout is returned when a background process never reports ready.
var ErrStartTimeout = errors.New("process did not become ready in time")

// BackgroundStart configures StartInBackground.
type BackgroundStart struct {
	// Args are passed to the current executable.
	Args []string
	// Env defaults to the current environment.
	Env []string
	// Status, when set, receives "Starting...", then "done" or the failure.
	Status io.Writer
	Poll   PollConfig
}

// StartInBackground re-executes the current binary detached with cfg.Args
// unless ready already holds, then waits until ready reports true.
// Returns the started PID, or 0 if nothing had to be started.
func StartInBackground(ctx context.Context, cfg BackgroundStart, ready func() bool) (int, error) {
	if ready() {
		return 0, nil
	}
	status := cfg.Status
	if status == nil {
		status = io.Discard
	}
	fmt.Fprint(status, "Starting...")

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintln(status, " failed")
		return 0, err
	}
	proc, err := StartBackgroundProcess(exe, cfg.Args, cfg.Env)
	if err != nil {
		fmt.Fprintln(status, " failed")
		return 0, err
	}

	if err := PollUntil(ctx, cfg.Poll, ready); err != nil {
		fmt.Fprintln(status, " timeout")
		if ctx.Err() != nil {
			return proc.Pid, ctx.Err()
		}
		return proc.Pid, ErrStartTimeout
	}
	fmt.Fprintln(status, " done")
	return proc.Pid, nil
}
