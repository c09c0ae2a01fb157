package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/stagerunner/internal/engine"
	"github.com/aristath/stagerunner/internal/scheduler"
)

// ShellExecutor runs a work unit's "command" parameter through the shell.
// A non-zero exit is an ordinary (retryable) failure; a unit without a
// command is a permanent plan error.
type ShellExecutor struct {
	pm    *ProcessManager
	shell string
}

// NewShellExecutor creates a ShellExecutor. The ProcessManager may be nil
// when shutdown tracking is not needed.
func NewShellExecutor(pm *ProcessManager) *ShellExecutor {
	return &ShellExecutor{pm: pm, shell: "/bin/sh"}
}

// Execute implements engine.Executor.
func (s *ShellExecutor) Execute(ctx context.Context, unit scheduler.WorkUnit) (engine.Result, error) {
	script := strings.TrimSpace(unit.Params["command"])
	if script == "" {
		return engine.Result{}, engine.Permanent(fmt.Errorf("unit %q has no command parameter", unit.ID))
	}

	cmd := newCommand(ctx, s.shell, "-c", script)
	if dir := unit.Params["dir"]; dir != "" {
		cmd.Dir = dir
	}

	stdout, _, err := run(ctx, cmd, s.pm)
	if err != nil {
		return engine.Result{Output: string(stdout)}, err
	}
	return engine.Result{Output: string(stdout)}, nil
}
