package runner

import (
	"context"
	"strings"
	"testing"

	"github.com/conveyorci/conveyor/pkg/engine"
)

func TestRunStepCapturesOutput(t *testing.T) {
	sh := NewShell(t.TempDir())

	result, err := sh.RunStep(context.Background(), engine.StepRequest{
		Command: "echo hello world",
	})
	if err != nil {
		t.Fatalf("failed to run step: %v", err)
	}

	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello world" {
		t.Errorf("expected stdout 'hello world', got %q", result.Stdout)
	}
}

func TestRunStepNonZeroExit(t *testing.T) {
	sh := NewShell(t.TempDir())

	result, err := sh.RunStep(context.Background(), engine.StepRequest{
		Command: "echo oops >&2; exit 3",
	})
	if err != nil {
		t.Fatalf("expected exit status in result, not error: %v", err)
	}

	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("expected stderr 'oops', got %q", result.Stderr)
	}
}

func TestRunStepEnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	sh := NewShell(dir)

	result, err := sh.RunStep(context.Background(), engine.StepRequest{
		Command: "echo $GREETING; pwd",
		Env:     map[string]string{"GREETING": "hi"},
	})
	if err != nil {
		t.Fatalf("failed to run step: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 output lines, got %q", result.Stdout)
	}
	if lines[0] != "hi" {
		t.Errorf("expected env var in output, got %q", lines[0])
	}
	if !strings.Contains(lines[1], dir) {
		t.Errorf("expected working directory %s, got %q", dir, lines[1])
	}
}

func TestRunStepDeclaredOutputs(t *testing.T) {
	sh := NewShell(t.TempDir())

	result, err := sh.RunStep(context.Background(), engine.StepRequest{
		Command: `echo "version=1.2.3" >> "$CONVEYOR_OUTPUT"; echo "digest = abc" >> "$CONVEYOR_OUTPUT"`,
	})
	if err != nil {
		t.Fatalf("failed to run step: %v", err)
	}

	if result.Outputs["version"] != "1.2.3" {
		t.Errorf("expected output version=1.2.3, got %v", result.Outputs)
	}
	if result.Outputs["digest"] != "abc" {
		t.Errorf("expected whitespace-trimmed output digest=abc, got %v", result.Outputs)
	}
}

func TestRunStepMissingCommand(t *testing.T) {
	sh := NewShell(t.TempDir())

	if _, err := sh.RunStep(context.Background(), engine.StepRequest{}); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestRunStepRespectsContext(t *testing.T) {
	sh := NewShell(t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := sh.RunStep(ctx, engine.StepRequest{
		Command: "sleep 10",
	})
	if err == nil && result.ExitCode == 0 {
		t.Error("expected cancelled step to fail")
	}
}
