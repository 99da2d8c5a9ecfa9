//go:build linux

package sandbox

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/aristath/debai/internal/model"
)

func TestRunLimitsReachForkedChildren(t *testing.T) {
	sb := newTestSandbox(t, nil)
	run := func(command string, limits model.ResourceLimits) string {
		t.Helper()
		out := sb.Run(context.Background(), Spec{Command: command, Limits: limits})
		if out.Kind != model.OutcomeSuccess {
			t.Fatalf("expected success, got %s: %v %s", out.Kind, out.Err, out.Output)
		}
		return strings.TrimSpace(out.Output)
	}

	// The nested shell is forked by the command, not by the sandbox.
	got := run("true; sh -c 'ulimit -v'", model.ResourceLimits{MaxMemoryMB: 64})
	if got != "65536" {
		t.Errorf("expected a 65536 KiB ceiling in the forked child, got %q", got)
	}

	base, err := strconv.Atoi(run("nice", model.ResourceLimits{}))
	if err != nil {
		t.Fatal(err)
	}
	want := min(base+niceness(50), 19)
	if got := run("true; sh -c nice", model.ResourceLimits{MaxCPUPercent: 50}); got != strconv.Itoa(want) {
		t.Errorf("expected niceness %d in the forked child, got %q", want, got)
	}
}

func TestWithLimits(t *testing.T) {
	name, args := withLimits("/bin/sh", model.ResourceLimits{}, "/usr/bin/python3", []string{"x.py"})
	if name != "/usr/bin/python3" || len(args) != 1 {
		t.Errorf("expected no wrapping without limits, got %s %v", name, args)
	}

	name, args = withLimits("/bin/sh", model.ResourceLimits{MaxMemoryMB: 1, MaxCPUPercent: 50}, "/usr/bin/python3", []string{"x.py"})
	wantArgs := []string{"-c", `ulimit -v 1024 && exec nice -n 10 "$0" "$@"`, "/usr/bin/python3", "x.py"}
	if name != "/bin/sh" || strings.Join(args, "|") != strings.Join(wantArgs, "|") {
		t.Errorf("unexpected wrapping %s %q", name, args)
	}
}
