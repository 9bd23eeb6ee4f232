package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// cliResult holds the outcome of one in-process command run.
type cliResult struct {
	Err      error
	Stdout   string
	Stderr   string
	Combined string
}

// testEnv isolates TIMELINE_HOME and provides a workspace directory.
type testEnv struct {
	t         *testing.T
	g         *WithT
	configDir string
	workDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		t:         t,
		g:         NewWithT(t),
		configDir: filepath.Join(root, "home"),
		workDir:   filepath.Join(root, "work"),
	}
	env.g.Expect(os.MkdirAll(env.workDir, 0o755)).To(Succeed())
	t.Setenv("TIMELINE_HOME", env.configDir)
	t.Setenv("TIMELINE_DB", "")
	t.Setenv("TIMELINE_LOG_LEVEL", "")
	t.Setenv("TIMELINE_REWIND_CACHE", "")
	return env
}

// RunCLI runs the root command with args.
func (e *testEnv) RunCLI(args ...string) cliResult {
	return e.RunCLIWithStdin("", args...)
}

func (e *testEnv) RunCLIWithStdin(stdin string, args ...string) cliResult {
	e.t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr, combined bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(io.MultiWriter(&stdout, &combined))
	rootCmd.SetErr(io.MultiWriter(&stderr, &combined))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return cliResult{Err: err, Stdout: stdout.String(), Stderr: stderr.String(), Combined: combined.String()}
}

// MustRun runs args and fails the test on error.
func (e *testEnv) MustRun(args ...string) cliResult {
	e.t.Helper()
	res := e.RunCLI(args...)
	e.g.Expect(res.Err).NotTo(HaveOccurred(), "timeline %s: %s", strings.Join(args, " "), res.Combined)
	return res
}

// RunJSON runs args with --json and decodes stdout into out.
func (e *testEnv) RunJSON(out any, args ...string) {
	e.t.Helper()
	res := e.MustRun(append(args, "--json")...)
	e.g.Expect(json.Unmarshal([]byte(res.Stdout), out)).To(Succeed(), res.Stdout)
}

func (e *testEnv) WriteFile(rel, content string) {
	e.t.Helper()
	p := filepath.Join(e.workDir, rel)
	e.g.Expect(os.MkdirAll(filepath.Dir(p), 0o755)).To(Succeed())
	e.g.Expect(os.WriteFile(p, []byte(content), 0o644)).To(Succeed())
}

// resetFlags restores every flag of cmd and its children to its default,
// since cobra keeps parsed values in package variables between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
