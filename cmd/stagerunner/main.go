package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/stagerunner/internal/command"
	"github.com/aristath/stagerunner/internal/config"
	"github.com/aristath/stagerunner/internal/engine"
	"github.com/aristath/stagerunner/internal/events"
	"github.com/aristath/stagerunner/internal/plan"
	"github.com/aristath/stagerunner/internal/scheduler"
	"github.com/aristath/stagerunner/internal/session"
	"github.com/aristath/stagerunner/internal/store"
	"github.com/aristath/stagerunner/internal/tui"
)

func main() {
	planPath := flag.String("plan", "", "path to the JSON plan file (required)")
	sessionID := flag.String("session", "", "session ID to create or resume (default: generated)")
	watch := flag.Bool("watch", false, "show the live dashboard while running")
	storeFlag := flag.String("store", "", `state backend: "memory" or a SQLite file path (default: from config)`)
	concurrency := flag.Int("concurrency", 0, "override the global concurrency cap")
	flag.Parse()

	if *planPath == "" {
		fmt.Fprintln(os.Stderr, "usage: stagerunner -plan <plan.json> [-session <id>] [-watch]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(*planPath, *sessionID, *storeFlag, *concurrency, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(planPath, sessionID, storeFlag string, concurrency int, watch bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	units, err := plan.Load(planPath)
	if err != nil {
		return err
	}
	graph, err := scheduler.Build(units)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, storeFlag)
	if err != nil {
		return err
	}
	defer st.Close()

	mgr := session.NewManager(st, cfg.Store.LockTTL(), cfg.Store.LockWait())

	opts := cfg.Engine.Options()
	if concurrency > 0 {
		opts.GlobalConcurrency = concurrency
	}

	bus := events.NewBus()
	defer bus.Close()

	pm := command.NewProcessManager()
	go func() {
		<-ctx.Done()
		pm.KillAll()
	}()

	eng := engine.New(graph, opts, mgr, bus)
	shell := command.NewShellExecutor(pm)
	eng.RegisterExecutor("shell", shell)
	eng.SetDefaultExecutor(shell)

	if watch {
		return runWithDashboard(ctx, eng, bus, graph, sessionID)
	}

	report, err := eng.Run(ctx, sessionID)
	if err != nil {
		return err
	}
	printReport(os.Stdout, report)

	if report.Status != session.RunCompleted && report.Status != session.RunPartial {
		if report.Failure != nil {
			return report.Failure
		}
		return fmt.Errorf("run %s", report.Status)
	}
	return nil
}

// openStore selects the durable state backend. The -store flag overrides
// the configured backend: "memory" for an in-process store, anything else
// is a SQLite path.
func openStore(ctx context.Context, cfg *config.Config, storeFlag string) (store.Store, error) {
	backend := cfg.Store.Backend
	path := cfg.Store.Path
	switch storeFlag {
	case "":
	case "memory":
		backend = "memory"
	default:
		backend = "sqlite"
		path = storeFlag
	}

	switch backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// runWithDashboard runs the engine while the TUI consumes the event
// stream. The engine keeps running if the user closes the dashboard early.
func runWithDashboard(ctx context.Context, eng *engine.Engine, bus *events.Bus, graph *scheduler.Graph, sessionID string) error {
	p := tea.NewProgram(tui.New(bus, graph.Order()), tea.WithAltScreen())

	type outcome struct {
		report *engine.RunReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := eng.Run(ctx, sessionID)
		done <- outcome{report: report, err: err}
		// Ends the dashboard's event stream once the final events are out.
		bus.Close()
	}()

	if _, err := p.Run(); err != nil {
		log.Printf("WARNING: dashboard error: %v", err)
	}

	var out outcome
	select {
	case out = <-done:
	case <-time.After(100 * time.Millisecond):
		// Dashboard closed early; wait for the run to finish.
		fmt.Println("Dashboard closed, run continues...")
		out = <-done
	}

	if out.err != nil {
		return out.err
	}
	printReport(os.Stdout, out.report)

	if out.report.Status != session.RunCompleted && out.report.Status != session.RunPartial {
		if out.report.Failure != nil {
			return out.report.Failure
		}
		return fmt.Errorf("run %s", out.report.Status)
	}
	return nil
}

// unitStatusStyle maps a unit status onto the dashboard's status palette.
func unitStatusStyle(status session.UnitStatus) lipgloss.Style {
	switch status {
	case session.UnitSucceeded:
		return tui.StyleStatusSucceeded
	case session.UnitFailed:
		return tui.StyleStatusFailed
	case session.UnitSkipped:
		return tui.StyleStatusSkipped
	case session.UnitRunning:
		return tui.StyleStatusRunning
	default:
		return tui.StyleStatusPending
	}
}

func runStatusStyle(status session.RunStatus) lipgloss.Style {
	switch status {
	case session.RunCompleted:
		return tui.StyleStatusSucceeded
	case session.RunPartial:
		return tui.StyleStatusSkipped
	default:
		return tui.StyleStatusFailed
	}
}

// printReport writes the per-unit outcomes and run summary.
func printReport(w io.Writer, report *engine.RunReport) {
	fmt.Fprintf(w, "\nSession %s\n\n", report.SessionID)

	for _, u := range report.Units {
		status := unitStatusStyle(u.Status).Render(fmt.Sprintf("%-10s", string(u.Status)))
		line := fmt.Sprintf("  %s %s", status, u.ID)
		if u.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", u.Attempts)
		}
		if u.Duration > 0 {
			line += fmt.Sprintf(" [%s]", u.Duration.Round(time.Millisecond))
		}
		fmt.Fprintln(w, line)
		if u.Error != "" && u.Status == session.UnitFailed {
			fmt.Fprintf(w, "             %s\n", u.Error)
		}
	}

	fmt.Fprintf(w, "\n%s: %d succeeded, %d failed, %d skipped of %d in %s\n",
		runStatusStyle(report.Status).Render(string(report.Status)),
		report.Stats.Succeeded, report.Stats.Failed, report.Stats.Skipped, report.Stats.Total,
		report.Duration.Round(time.Millisecond))

	if report.Failure != nil {
		fmt.Fprintf(w, "Failure: %v\n", report.Failure)
	}
}
