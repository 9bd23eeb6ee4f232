package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// StopConfig configures StopProcess.
type StopConfig struct {
	// Grace is how long the process gets to exit after SIGTERM (default 10s).
	Grace time.Duration
	// Interval is how often liveness is polled (default 100ms).
	Interval time.Duration
}

// StartBackgroundProcess starts executable detached in its own session so
// it outlives the caller. A nil env inherits the current environment.
func StartBackgroundProcess(executable string, args []string, env []string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", executable, err)
	}
	// Reap the child if we are still around when it exits.
	go cmd.Wait() //nolint:errcheck
	return cmd.Process, nil
}

// StopProcess sends SIGTERM to pid and waits for it to exit, escalating to
// SIGKILL once the grace period is over. Returns an error if the process
// survives both.
func StopProcess(ctx context.Context, pid int, cfg StopConfig) error {
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	alive := func() bool { return IsProcessRunning(pid) }
	if !alive() {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && alive() {
		return fmt.Errorf("signal PID %d: %w", pid, err)
	}
	if PollUntil(ctx, PollConfig{Timeout: cfg.Grace, Interval: cfg.Interval}, func() bool { return !alive() }) == nil {
		return nil
	}

	_ = proc.Signal(syscall.SIGKILL)
	if !WaitFixed(20, 25*time.Millisecond, func() bool { return !alive() }) {
		return fmt.Errorf("failed to stop process (PID %d)", pid)
	}
	return nil
}

// IsProcessRunning reports whether pid exists, using signal 0.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
