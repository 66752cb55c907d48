// Package runner provides the local shell runner, the default execution
// sandbox for resolved steps. Each step runs as a shell command in the run
// workspace; declared outputs come back through the CONVEYOR_OUTPUT file.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/conveyorci/conveyor/pkg/engine"
)

// OutputFileEnv is the environment variable naming the file a step writes
// key=value lines to in order to declare outputs.
const OutputFileEnv = "CONVEYOR_OUTPUT"

// Shell executes steps with the local shell. It implements engine.Runner.
type Shell struct {
	// WorkDir is the working directory steps run in.
	WorkDir string

	// ShellPath is the shell binary. Defaults to /bin/sh.
	ShellPath string

	// InheritEnv appends the process environment to the step environment,
	// so commands can find their tools on PATH.
	InheritEnv bool
}

// NewShell creates a local shell runner rooted at workDir.
func NewShell(workDir string) *Shell {
	return &Shell{
		WorkDir:    workDir,
		ShellPath:  "/bin/sh",
		InheritEnv: true,
	}
}

// RunStep executes a single resolved step to completion.
func (s *Shell) RunStep(ctx context.Context, req engine.StepRequest) (*engine.StepResult, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("step command is required")
	}

	shell := s.ShellPath
	if shell == "" {
		shell = "/bin/sh"
	}

	outputFile, err := os.CreateTemp("", "conveyor-output-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	outputPath := outputFile.Name()
	_ = outputFile.Close()
	defer os.Remove(outputPath)

	cmd := exec.CommandContext(ctx, shell, "-c", req.Command)
	cmd.Dir = s.WorkDir

	var env []string
	if s.InheritEnv {
		env = os.Environ()
	}
	for k, v := range req.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	env = append(env, fmt.Sprintf("%s=%s", OutputFileEnv, outputPath))
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &engine.StepResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runErr != nil {
		exitErr, ok := runErr.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute step: %w", runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	outputs, err := parseOutputFile(outputPath)
	if err != nil {
		return nil, err
	}
	result.Outputs = outputs

	return result, nil
}

// parseOutputFile reads key=value lines a step wrote to its output file.
func parseOutputFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read step output file: %w", err)
	}
	return parseOutputData(data), nil
}

// parseOutputData parses key=value lines from an output file. Blank lines
// and lines without a separator are ignored.
func parseOutputData(data []byte) map[string]string {
	if len(data) == 0 {
		return nil
	}

	outputs := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			continue
		}
		outputs[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if len(outputs) == 0 {
		return nil
	}
	return outputs
}

// EnsureWorkDir creates the runner's working directory.
func (s *Shell) EnsureWorkDir() error {
	if s.WorkDir == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Clean(s.WorkDir), 0o755); err != nil {
		return fmt.Errorf("failed to create workspace directory: %w", err)
	}
	return nil
}
