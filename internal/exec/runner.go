package exec

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

const (
	// DefaultMaxOutput caps what a single command may hand back to an
	// agent turn or a log line.
	DefaultMaxOutput = 256 << 10
	// waitDelay bounds how long a cancelled command's children may hold
	// the output pipes open.
	waitDelay = 5 * time.Second
)

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct {
	// Env is appended to the process environment when non-empty.
	Env []string
	// MaxOutput caps returned output in bytes. Zero means DefaultMaxOutput.
	MaxOutput int
}

var _ CommandRunner = (*ExecRunner)(nil)

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns its combined stdout/stderr,
// truncated to MaxOutput.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	killGroupOnCancel(cmd)
	cmd.WaitDelay = waitDelay
	if workDir != "" {
		cmd.Dir = workDir
	}
	if len(r.Env) > 0 {
		cmd.Env = append(cmd.Environ(), r.Env...)
	}
	out, err := cmd.CombinedOutput()
	return capOutput(out, r.limit()), err
}

// RunShell executes a shell command through "sh -c".
func (r *ExecRunner) RunShell(ctx context.Context, workDir string, command string) ([]byte, error) {
	return r.Run(ctx, workDir, "sh", "-c", command)
}

func (r *ExecRunner) limit() int {
	if r.MaxOutput > 0 {
		return r.MaxOutput
	}
	return DefaultMaxOutput
}

// capOutput keeps the head of out and notes how much was dropped.
func capOutput(out []byte, n int) []byte {
	if len(out) <= n {
		return out
	}
	dropped := len(out) - n
	return append(out[:n:n], fmt.Sprintf("\n[%d bytes truncated]", dropped)...)
}
