package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerunner/internal/config"
	"github.com/aristath/stagerunner/internal/engine"
	"github.com/aristath/stagerunner/internal/session"
	"github.com/aristath/stagerunner/internal/store"
	"github.com/aristath/stagerunner/internal/tui"
)

func TestOpenStoreSelection(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Path = filepath.Join(t.TempDir(), "state.db")

	tests := []struct {
		name      string
		storeFlag string
		wantMem   bool
	}{
		{"config default sqlite", "", false},
		{"memory override", "memory", true},
		{"path override", filepath.Join(t.TempDir(), "other.db"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := openStore(context.Background(), cfg, tt.storeFlag)
			if err != nil {
				t.Fatalf("openStore: %v", err)
			}
			defer st.Close()

			_, isMem := st.(*store.MemoryStore)
			if isMem != tt.wantMem {
				t.Errorf("backend = %T, want memory: %v", st, tt.wantMem)
			}
		})
	}
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "etcd"

	if _, err := openStore(context.Background(), cfg, ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestPrintReport(t *testing.T) {
	report := &engine.RunReport{
		SessionID: "abc-123",
		Status:    session.RunFailed,
		Units: []engine.UnitReport{
			{ID: "build", Status: session.UnitSucceeded, Attempts: 1, Duration: 120 * time.Millisecond},
			{ID: "test", Status: session.UnitFailed, Attempts: 3, Error: "exit status 1"},
			{ID: "deploy", Status: session.UnitSkipped, Error: `dependency "test" failed`},
		},
		Stats:    session.Statistics{Total: 3, Succeeded: 1, Failed: 1, Skipped: 1},
		Duration: time.Second,
	}

	var b strings.Builder
	printReport(&b, report)
	out := b.String()

	for _, want := range []string{"abc-123", "build", "test", "deploy", "(3 attempts)", "exit status 1", "1 succeeded, 1 failed, 1 skipped of 3"} {
		if !strings.Contains(out, want) {
			t.Errorf("report output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusStyles(t *testing.T) {
	unitCases := []struct {
		status session.UnitStatus
		want   lipgloss.Style
	}{
		{session.UnitSucceeded, tui.StyleStatusSucceeded},
		{session.UnitFailed, tui.StyleStatusFailed},
		{session.UnitSkipped, tui.StyleStatusSkipped},
		{session.UnitRunning, tui.StyleStatusRunning},
		{session.UnitPending, tui.StyleStatusPending},
		{session.UnitBlocked, tui.StyleStatusPending},
	}
	for _, tt := range unitCases {
		got := unitStatusStyle(tt.status)
		if got.GetForeground() != tt.want.GetForeground() {
			t.Errorf("unitStatusStyle(%s) foreground = %v, want %v",
				tt.status, got.GetForeground(), tt.want.GetForeground())
		}
	}

	runCases := []struct {
		status session.RunStatus
		want   lipgloss.Style
	}{
		{session.RunCompleted, tui.StyleStatusSucceeded},
		{session.RunPartial, tui.StyleStatusSkipped},
		{session.RunFailed, tui.StyleStatusFailed},
		{session.RunAborted, tui.StyleStatusFailed},
	}
	for _, tt := range runCases {
		got := runStatusStyle(tt.status)
		if got.GetForeground() != tt.want.GetForeground() {
			t.Errorf("runStatusStyle(%s) foreground = %v, want %v",
				tt.status, got.GetForeground(), tt.want.GetForeground())
		}
	}
}

// TestSignalContextCancellation verifies that signal.NotifyContext produces
// a context that cancels when a signal arrives.
func TestSignalContextCancellation(t *testing.T) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGUSR1)
	defer stop()

	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("sending SIGUSR1: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not cancel after SIGUSR1")
	}

	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("ctx.Err() = %v, want context.Canceled", err)
	}
}
