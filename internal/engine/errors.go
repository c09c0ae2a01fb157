package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// UnitExecutionError is a unit's terminal failure record: which unit, what
// kind of work, how many attempts, and the final cause.
type UnitExecutionError struct {
	UnitID   string
	Kind     string
	Attempts int
	Cause    error
}

func (e *UnitExecutionError) Error() string {
	return fmt.Sprintf("unit %q (kind %s) failed after %d attempt(s): %v", e.UnitID, e.Kind, e.Attempts, e.Cause)
}

func (e *UnitExecutionError) Unwrap() error { return e.Cause }

// UnitTimeoutError marks an attempt that exceeded its per-unit deadline.
// Timeouts are retryable.
type UnitTimeoutError struct {
	UnitID  string
	Timeout time.Duration
}

func (e *UnitTimeoutError) Error() string {
	return fmt.Sprintf("unit %q timed out after %s", e.UnitID, e.Timeout)
}

// RunTimeoutError marks a run that exceeded its whole-run deadline. Fatal:
// in-flight units are cancelled and the listed pending units skipped.
type RunTimeoutError struct {
	Timeout time.Duration
	Pending []string
}

func (e *RunTimeoutError) Error() string {
	return fmt.Sprintf("run timed out after %s with %d unit(s) unfinished: %s",
		e.Timeout, len(e.Pending), strings.Join(e.Pending, ", "))
}

// RequiredUnitError marks the terminal failure of a unit listed in
// RequiredUnitIDs. Fatal: remaining waves are aborted.
type RequiredUnitError struct {
	UnitID string
	Cause  error
}

func (e *RequiredUnitError) Error() string {
	return fmt.Sprintf("required unit %q failed: %v", e.UnitID, e.Cause)
}

func (e *RequiredUnitError) Unwrap() error { return e.Cause }

// PartialThresholdError marks a run whose success ratio fell below the
// configured minimum while partial results were allowed.
type PartialThresholdError struct {
	Succeeded int
	Total     int
	MinRatio  float64
}

func (e *PartialThresholdError) Error() string {
	return fmt.Sprintf("only %d/%d units succeeded, below the required ratio %.2f", e.Succeeded, e.Total, e.MinRatio)
}

// IsCircuitOpen reports whether err is a circuit-breaker rejection. Open
// rejections count as a failed attempt but are never retried.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// permanentError marks a failure that must never be retried, such as
// invalid executor input.
type permanentError struct {
	cause error
}

func (e *permanentError) Error() string { return e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

// Permanent wraps err so the retry policy gives up immediately. Executors
// use it for validation and programmer errors where re-running cannot help.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// retryable classifies an attempt failure. Timeouts and ordinary execution
// errors are retryable; circuit-open rejections, cancellation, and
// permanent errors are not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCircuitOpen(err) || IsPermanent(err) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
