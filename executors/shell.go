package executors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/deepnoodle-ai/workgraph"
)

// ShellInput defines the parameters of a shell unit
type ShellInput struct {
	Command     string            `json:"command"`
	Args        []string          `json:"args"`
	WorkingDir  string            `json:"working_dir"`
	Environment map[string]string `json:"environment"`
	// AllowFailure returns a non-zero exit status as output instead of
	// failing the unit.
	AllowFailure bool `json:"allow_failure"`
}

// ShellOutput is the output of a shell unit
type ShellOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	Success  bool   `json:"success"`
}

// ShellExecutor runs a command. Cancellation and unit timeouts kill the
// process.
type ShellExecutor struct{}

func NewShellExecutor() workgraph.Executor {
	return workgraph.NewTypedExecutor(&ShellExecutor{})
}

func (e *ShellExecutor) Kind() string {
	return "shell"
}

func (e *ShellExecutor) Execute(ctx context.Context, params ShellInput) (ShellOutput, error) {
	if params.Command == "" {
		return ShellOutput{}, workgraph.NewFatalError(errors.New("command cannot be empty"))
	}
	cmd := exec.CommandContext(ctx, params.Command, params.Args...)
	if params.WorkingDir != "" {
		cmd.Dir = params.WorkingDir
	}
	if len(params.Environment) > 0 {
		cmd.Env = os.Environ()
		for key, value := range params.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
		}
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, err := cmd.Output()
	output := ShellOutput{
		Stdout: strings.TrimSpace(string(stdout)),
		Stderr: strings.TrimSpace(stderr.String()),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return ShellOutput{}, fmt.Errorf("failed to execute command: %w", err)
		}
		output.ExitCode = exitErr.ExitCode()
		if !params.AllowFailure {
			return output, fmt.Errorf("command %s exited with status %d: %s", params.Command, output.ExitCode, output.Stderr)
		}
		return output, nil
	}
	output.Success = true
	return output, nil
}
