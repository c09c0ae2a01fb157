package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/aristath/stagerunner/internal/scheduler"
)

// UnitStatus is the per-unit execution state.
type UnitStatus string

const (
	UnitPending   UnitStatus = "pending"
	UnitReady     UnitStatus = "ready"
	UnitRunning   UnitStatus = "running"
	UnitSucceeded UnitStatus = "succeeded"
	UnitFailed    UnitStatus = "failed"
	UnitSkipped   UnitStatus = "skipped"
	UnitBlocked   UnitStatus = "blocked"
)

// Terminal reports whether the status is final for a run.
func (s UnitStatus) Terminal() bool {
	return s == UnitSucceeded || s == UnitFailed || s == UnitSkipped
}

// RunStatus is the overall session state.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartial || s == RunFailed || s == RunAborted
}

// UnitState is the mutable execution record for one work unit. A running
// unit carries a lease expiry stamped by the engine that claimed it; a
// resuming engine treats a running unit with a live lease as owned by a
// concurrent process and a unit with an expired lease as crashed.
type UnitState struct {
	Status         UnitStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// LeaseLive reports whether the unit holds an unexpired run lease.
func (u *UnitState) LeaseLive(now time.Time) bool {
	return u.LeaseExpiresAt != nil && u.LeaseExpiresAt.After(now)
}

// Duration returns the wall time between start and finish, zero if either
// is unset.
func (u *UnitState) Duration() time.Duration {
	if u.StartedAt == nil || u.FinishedAt == nil {
		return 0
	}
	return u.FinishedAt.Sub(*u.StartedAt)
}

// Statistics summarizes a session's unit outcomes.
type Statistics struct {
	Total           int   `json:"total"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	Skipped         int   `json:"skipped"`
	TotalDurationMs int64 `json:"total_duration_ms"`
}

// Session is the durable, resumable record of a run's progress. It is owned
// exclusively by the execution engine and mutated only through
// Manager.Update, which serializes writers behind the session lock.
type Session struct {
	ID        string                `json:"id"`
	PlanHash  string                `json:"plan_hash"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
	Status    RunStatus             `json:"status"`
	Units     map[string]*UnitState `json:"units"`
	Stats     Statistics            `json:"stats"`
}

// New creates a pending session covering the given unit IDs. An empty id
// gets a generated UUID.
func New(id string, unitIDs []string, planHash string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	units := make(map[string]*UnitState, len(unitIDs))
	for _, uid := range unitIDs {
		units[uid] = &UnitState{Status: UnitPending}
	}

	return &Session{
		ID:        id,
		PlanHash:  planHash,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    RunPending,
		Units:     units,
		Stats:     Statistics{Total: len(unitIDs)},
	}
}

// Recount recomputes Stats from the unit states.
func (s *Session) Recount() {
	stats := Statistics{Total: len(s.Units)}
	for _, state := range s.Units {
		switch state.Status {
		case UnitSucceeded:
			stats.Succeeded++
		case UnitFailed:
			stats.Failed++
		case UnitSkipped:
			stats.Skipped++
		}
		stats.TotalDurationMs += state.Duration().Milliseconds()
	}
	s.Stats = stats
}

// SuccessRatio returns succeeded/total, zero for an empty session.
func (s *Session) SuccessRatio() float64 {
	if s.Stats.Total == 0 {
		return 0
	}
	return float64(s.Stats.Succeeded) / float64(s.Stats.Total)
}

// AllSucceeded reports whether every unit finished successfully.
func (s *Session) AllSucceeded() bool {
	for _, state := range s.Units {
		if state.Status != UnitSucceeded {
			return false
		}
	}
	return true
}

// PlanHash fingerprints a work-unit set. A resumed session is only valid
// for the exact plan it was created from; the hash makes a mismatch
// detectable instead of silently mixing unit states across plans.
func PlanHash(units []scheduler.WorkUnit) (string, error) {
	hash, err := hashstructure.Hash(units, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", hash), nil
}
