package exec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCapOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"under limit", "ok", 10, "ok"},
		{"at limit", "0123456789", 10, "0123456789"},
		{"over limit", "0123456789abc", 10, "0123456789\n[3 bytes truncated]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(capOutput([]byte(tt.in), tt.n)); got != tt.want {
				t.Errorf("capOutput() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecRunner_Run(t *testing.T) {
	r := &ExecRunner{Env: []string{"BRAIN_TEST_VALUE=on-call"}, MaxOutput: 64}
	ctx := context.Background()

	out, err := r.RunShell(ctx, t.TempDir(), `echo "$BRAIN_TEST_VALUE"; pwd`)
	if err != nil {
		t.Fatalf("RunShell() error = %v", err)
	}
	if !strings.HasPrefix(string(out), "on-call\n") {
		t.Errorf("output = %q, want env value first", out)
	}

	out, _ = r.RunShell(ctx, "", "head -c 200 /dev/zero | tr '\\0' x")
	if !strings.HasSuffix(string(out), "[136 bytes truncated]") {
		t.Errorf("output not truncated: %q", out)
	}

	if _, err := r.Run(ctx, "", "false"); err == nil {
		t.Error("Run(false) error = nil, want exit error")
	}
}

func TestExecRunner_Cancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	// The shell forks sleep rather than exec'ing it, so the child has to be
	// killed with the group.
	if _, err := NewRunner().RunShell(ctx, "", "sleep 10; echo done"); err == nil {
		t.Error("RunShell() error = nil after cancel")
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("cancel took %v", d)
	}
}
