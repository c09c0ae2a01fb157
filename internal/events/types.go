package events

import (
	"time"

	"github.com/aristath/stagerunner/internal/session"
)

// Event is the base interface for all progress events.
type Event interface {
	EventType() string
	UnitID() string
}

// Topic constants
const (
	TopicUnit = "unit"
	TopicRun  = "run"
)

// Event type constants
const (
	EventTypeUnitStarted  = "unit.started"
	EventTypeUnitRetrying = "unit.retrying"
	EventTypeUnitFinished = "unit.finished"
	EventTypeRunStarted   = "run.started"
	EventTypeRunProgress  = "run.progress"
	EventTypeRunFinished  = "run.finished"
)

// UnitStartedEvent is published when a unit begins an attempt.
type UnitStartedEvent struct {
	ID        string
	Kind      string
	Wave      int
	Attempt   int
	Timestamp time.Time
}

func (e UnitStartedEvent) EventType() string { return EventTypeUnitStarted }
func (e UnitStartedEvent) UnitID() string    { return e.ID }

// UnitRetryingEvent is published when a failed attempt will be retried
// after a backoff delay.
type UnitRetryingEvent struct {
	ID        string
	Attempt   int
	Delay     time.Duration
	Err       string
	Timestamp time.Time
}

func (e UnitRetryingEvent) EventType() string { return EventTypeUnitRetrying }
func (e UnitRetryingEvent) UnitID() string    { return e.ID }

// UnitFinishedEvent is published when a unit reaches a terminal status.
type UnitFinishedEvent struct {
	ID        string
	Status    session.UnitStatus
	Attempts  int
	Duration  time.Duration
	Err       string
	Timestamp time.Time
}

func (e UnitFinishedEvent) EventType() string { return EventTypeUnitFinished }
func (e UnitFinishedEvent) UnitID() string    { return e.ID }

// RunStartedEvent is published once when the engine begins (or resumes) a run.
type RunStartedEvent struct {
	SessionID string
	Total     int
	Waves     int
	Timestamp time.Time
}

func (e RunStartedEvent) EventType() string { return EventTypeRunStarted }
func (e RunStartedEvent) UnitID() string    { return "" }

// RunProgressEvent is a snapshot of run-wide counts, published after every
// unit state transition.
type RunProgressEvent struct {
	SessionID string
	Wave      int
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Running   int
	Timestamp time.Time
}

func (e RunProgressEvent) EventType() string { return EventTypeRunProgress }
func (e RunProgressEvent) UnitID() string    { return "" }

// RunFinishedEvent is published once with the final classification.
type RunFinishedEvent struct {
	SessionID string
	Status    session.RunStatus
	Duration  time.Duration
	Timestamp time.Time
}

func (e RunFinishedEvent) EventType() string { return EventTypeRunFinished }
func (e RunFinishedEvent) UnitID() string    { return "" }
