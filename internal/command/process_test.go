package command

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/aristath/stagerunner/internal/engine"
	"github.com/aristath/stagerunner/internal/scheduler"
)

func TestRunCapturesStdoutAndStderr(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo error >&2; echo ok")

	stdout, stderr, err := run(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(string(stdout), "ok") {
		t.Errorf("stdout = %q, want it to contain ok", stdout)
	}
	if !strings.Contains(string(stderr), "error") {
		t.Errorf("stderr = %q, want it to contain error", stderr)
	}
}

func TestRunLargeOutputDoesNotDeadlock(t *testing.T) {
	// 256KB of output, well above the 64KB pipe buffer.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "i=0; while [ $i -lt 20000 ]; do echo line-$i; i=$((i+1)); done")

	start := time.Now()
	stdout, _, err := run(ctx, cmd, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if duration := time.Since(start); duration > 5*time.Second {
		t.Errorf("command took %v, possible pipe deadlock", duration)
	}

	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	if len(lines) != 20000 {
		t.Errorf("got %d lines, want 20000", len(lines))
	}
}

func TestRunNonZeroExitWrapsExitError(t *testing.T) {
	ctx := context.Background()
	cmd := newCommand(ctx, "sh", "-c", "echo partial; exit 3")

	stdout, _, err := run(ctx, cmd, nil)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(string(stdout), "partial") {
		t.Errorf("stdout not captured on failure: %q", stdout)
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("error %v does not wrap *exec.ExitError", err)
	}
	if exitErr.ExitCode() != 3 {
		t.Errorf("exit code = %d, want 3", exitErr.ExitCode())
	}
}

func TestRunContextCancellationTerminatesSubprocess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cmd := newCommand(ctx, "sh", "-c", "sleep 30")

	_, _, err := run(ctx, cmd, nil)
	if err == nil {
		t.Fatal("expected error from cancelled subprocess")
	}

	msg := err.Error()
	if !strings.Contains(msg, "killed") && !strings.Contains(msg, "signal") &&
		!strings.Contains(msg, "context deadline exceeded") {
		t.Errorf("error = %v, want a cancellation or signal error", err)
	}
}

func TestProcessManagerTrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()

	cmd := newCommand(context.Background(), "sh", "-c", "sleep 300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Fatalf("Count = %d, want 1", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Error("expected killed process to report an error")
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("process exited with status %v, want signal", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Count = %d after Untrack, want 0", pm.Count())
	}
}

func TestShellExecutorRunsCommandParameter(t *testing.T) {
	ex := NewShellExecutor(nil)

	res, err := ex.Execute(context.Background(), scheduler.WorkUnit{
		ID:     "greet",
		Kind:   "shell",
		Params: map[string]string{"command": "echo hello"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("output = %q, want it to contain hello", res.Output)
	}
}

func TestShellExecutorMissingCommandIsPermanent(t *testing.T) {
	ex := NewShellExecutor(nil)

	_, err := ex.Execute(context.Background(), scheduler.WorkUnit{ID: "empty", Kind: "shell"})
	if err == nil {
		t.Fatal("expected error for unit without command")
	}
	if !engine.IsPermanent(err) {
		t.Errorf("error %v should be permanent", err)
	}
}

func TestShellExecutorNonZeroExitIsRetryable(t *testing.T) {
	ex := NewShellExecutor(nil)

	_, err := ex.Execute(context.Background(), scheduler.WorkUnit{
		ID:     "fails",
		Kind:   "shell",
		Params: map[string]string{"command": "exit 1"},
	})
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if engine.IsPermanent(err) {
		t.Errorf("exit errors must stay retryable, got permanent: %v", err)
	}
}
