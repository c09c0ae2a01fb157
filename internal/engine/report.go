package engine

import (
	"time"

	"github.com/aristath/stagerunner/internal/session"
)

// UnitReport is the per-unit slice of a run report.
type UnitReport struct {
	ID       string
	Status   session.UnitStatus
	Attempts int
	Duration time.Duration
	Error    string
}

// RunReport is the structured outcome of a run. Callers receive one even
// for failed runs; Failure carries the fatal cause when the run as a whole
// was aborted or fell below the partial-result threshold.
type RunReport struct {
	SessionID string
	Status    session.RunStatus
	Units     []UnitReport // In topological order
	Stats     session.Statistics
	Duration  time.Duration
	Failure   error
}

// buildReport projects the final session onto a report, ordering units
// topologically.
func buildReport(s *session.Session, order []string, duration time.Duration, failure error) *RunReport {
	report := &RunReport{
		SessionID: s.ID,
		Status:    s.Status,
		Stats:     s.Stats,
		Duration:  duration,
		Failure:   failure,
	}

	for _, id := range order {
		state, ok := s.Units[id]
		if !ok {
			continue
		}
		report.Units = append(report.Units, UnitReport{
			ID:       id,
			Status:   state.Status,
			Attempts: state.Attempts,
			Duration: state.Duration(),
			Error:    state.LastError,
		})
	}

	return report
}
