package runner

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRun_StreamsAndExitCode(t *testing.T) {
	requireShell(t)

	var sink CollectingSink
	result, err := Run(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", "echo out-line; echo err-line >&2"},
	}, sink.Sink())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if result.CorrelationID == "" {
		t.Error("correlation id should be generated")
	}

	if got := sink.Text(StreamStdout); got != "out-line" {
		t.Errorf("stdout = %q", got)
	}
	if got := sink.Text(StreamStderr); got != "err-line" {
		t.Errorf("stderr = %q", got)
	}
	// Every line carries the invocation's correlation id
	for _, line := range sink.Lines() {
		if line.CorrelationID != result.CorrelationID {
			t.Errorf("line correlation = %q, want %q", line.CorrelationID, result.CorrelationID)
		}
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	requireShell(t)

	result, err := Run(context.Background(), Invocation{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want the tool's own code 3", result.ExitCode)
	}
}

func TestRun_CancellationMapsToExitOne(t *testing.T) {
	requireShell(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result, err := Run(ctx, Invocation{
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
	}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !result.Cancelled || result.ExitCode != 1 {
		t.Errorf("result = %+v, want cancelled with exit 1", result)
	}
}

func TestParseLintOutput(t *testing.T) {
	output := `
main.go:12:5: undefined: frobnicate
pkg/util.go:3: missing return
some unrelated noise
`
	diags := ParseLintOutput(output)
	if len(diags) != 2 {
		t.Fatalf("diagnostics = %+v, want 2", diags)
	}
	if diags[0].File != "main.go" || diags[0].Line != 12 || diags[0].Column != 5 {
		t.Errorf("first diagnostic = %+v", diags[0])
	}
	if diags[0].Message != "undefined: frobnicate" {
		t.Errorf("message = %q", diags[0].Message)
	}
	if diags[1].Column != 0 {
		t.Errorf("column without col part = %d, want 0", diags[1].Column)
	}
}

func TestParseTestOutput(t *testing.T) {
	output := `
=== RUN   TestAlpha
--- PASS: TestAlpha (0.01s)
=== RUN   TestBeta
--- FAIL: TestBeta (0.02s)
    beta_test.go:10: boom
--- SKIP: TestGamma (0.00s)
FAIL
FAIL	example.com/pkg	0.034s
`
	summary := ParseTestOutput(output)
	if summary.Passed != 1 || summary.Failed != 1 || summary.Skipped != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if summary.Ok {
		t.Error("failed run should not be ok")
	}
	if len(summary.FailedTests) != 1 || summary.FailedTests[0] != "TestBeta" {
		t.Errorf("failedTests = %v", summary.FailedTests)
	}

	passing := ParseTestOutput("--- PASS: TestOnly (0.00s)\nok  \texample.com/pkg\t0.01s\n")
	if !passing.Ok || passing.Passed != 1 {
		t.Errorf("passing summary = %+v", passing)
	}
}
