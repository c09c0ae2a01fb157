package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/stagerunner/internal/events"
	"github.com/aristath/stagerunner/internal/scheduler"
	"github.com/aristath/stagerunner/internal/session"
)

// Engine drives a dependency graph to completion: wave by wave, bounded by
// the global concurrency cap, with per-unit timeout/retry/breaker policy,
// persisting the session after every state transition. It is the sole
// arbiter of how many units run simultaneously; the only state shared with
// other processes is the persisted session, and all mutation of it goes
// through the session lock.
type Engine struct {
	graph    *scheduler.Graph
	opts     Options
	sessions *session.Manager
	bus      *events.Bus // optional; nil disables progress events
	registry *registry
	breakers *breakerRegistry
	retry    RetryPolicy
	leaseTTL time.Duration

	mu        sync.Mutex
	states    map[string]*session.UnitState // local working copy of unit states
	sessionID string
	wave      int
}

// New creates an engine for the given graph. The bus may be nil.
func New(graph *scheduler.Graph, opts Options, sessions *session.Manager, bus *events.Bus) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		graph:    graph,
		opts:     opts,
		sessions: sessions,
		bus:      bus,
		registry: newRegistry(),
		breakers: newBreakerRegistry(opts.Breaker),
		retry:    NewRetryPolicy(opts.Retry),
		leaseTTL: defaultLeaseTTL,
		states:   make(map[string]*session.UnitState),
	}
}

// defaultLeaseTTL bounds how long a crashed engine's running claim blocks a
// resume. A live engine renews well before expiry.
const defaultLeaseTTL = 30 * time.Second

// RegisterExecutor maps a unit kind to an executor.
func (e *Engine) RegisterExecutor(kind string, ex Executor) {
	e.registry.register(kind, ex)
}

// SetDefaultExecutor sets the executor used for kinds without a dedicated
// registration.
func (e *Engine) SetDefaultExecutor(ex Executor) {
	e.registry.setFallback(ex)
}

// Run executes (or resumes) the graph under the given session ID and
// returns a structured report. An empty sessionID starts a fresh session
// with a generated ID. The returned error is non-nil only for failures
// that prevent the run from starting at all (lock timeout, plan mismatch,
// store errors); execution outcomes, including fatal aborts, surface
// through the report.
func (e *Engine) Run(ctx context.Context, sessionID string) (*RunReport, error) {
	start := time.Now()

	// State transitions are persisted even while the run context is
	// expiring, otherwise a timed-out run would lose its final states.
	persistCtx := context.WithoutCancel(ctx)

	sess, err := e.prepareSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.sessionID = sess.ID
	e.initStates(sess)

	stopHeartbeat := e.startHeartbeat(persistCtx)
	defer stopHeartbeat()

	runCtx := ctx
	cancel := func() {}
	if e.opts.WholeRunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, e.opts.WholeRunTimeout)
	}
	defer cancel()

	waves := e.graph.Waves()
	e.publish(events.TopicRun, events.RunStartedEvent{
		SessionID: sess.ID,
		Total:     e.graph.Len(),
		Waves:     len(waves),
		Timestamp: time.Now(),
	})
	e.setRunStatus(persistCtx, session.RunRunning)

	var fatal error

	for waveIdx, wave := range waves {
		e.mu.Lock()
		e.wave = waveIdx
		e.mu.Unlock()

		e.adoptPersisted(persistCtx)
		candidates := e.partitionWave(persistCtx, wave)

		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(e.opts.GlobalConcurrency)
		for _, id := range candidates {
			id := id
			g.Go(func() error {
				e.runUnit(gctx, persistCtx, waveIdx, id)
				return nil // Unit outcomes live in states, never abort the group
			})
		}
		_ = g.Wait()

		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			fatal = &RunTimeoutError{Timeout: e.opts.WholeRunTimeout, Pending: e.unfinished()}
			break
		}
		if ctx.Err() != nil {
			fatal = ctx.Err()
			break
		}
		if reqErr := e.requiredFailure(); reqErr != nil {
			fatal = reqErr
			break
		}
	}

	return e.finalize(persistCtx, start, fatal)
}

// prepareSession loads the session for a resume or creates a fresh one.
// A resumed session must carry the fingerprint of the same plan; anything
// not yet succeeded is reset to pending for re-execution.
func (e *Engine) prepareSession(ctx context.Context, id string) (*session.Session, error) {
	units := e.graph.Units()
	set := make([]scheduler.WorkUnit, len(units))
	for i, u := range units {
		set[i] = *u
	}
	hash, err := session.PlanHash(set)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting plan: %w", err)
	}

	if id != "" {
		existing, err := e.sessions.Load(ctx, id)
		switch {
		case err == nil:
			if existing.PlanHash != hash {
				return nil, fmt.Errorf("session %q was created from a different plan", id)
			}
			return e.sessions.Update(ctx, id, func(s *session.Session) error {
				now := time.Now().UTC()
				for _, st := range s.Units {
					if st.Status == session.UnitSucceeded {
						continue
					}
					// A running unit with a live lease belongs to a
					// concurrent engine; resetting it would let both
					// processes execute it.
					if st.Status == session.UnitRunning && st.LeaseLive(now) {
						continue
					}
					*st = session.UnitState{Status: session.UnitPending}
				}
				s.Status = session.RunPending
				s.Recount()
				return nil
			})
		case errors.Is(err, session.ErrNotFound):
			// Fresh run under a caller-chosen ID.
		default:
			return nil, err
		}
	}

	s := session.New(id, e.graph.Order(), hash)
	if err := e.sessions.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// initStates copies the session's unit states into the local working set.
func (e *Engine) initStates(s *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.states = make(map[string]*session.UnitState, e.graph.Len())
	for _, id := range e.graph.Order() {
		if st, ok := s.Units[id]; ok {
			cp := *st
			e.states[id] = &cp
		} else {
			e.states[id] = &session.UnitState{Status: session.UnitPending}
		}
	}
}

// startHeartbeat renews the lease on locally running units until the
// returned stop function is called. The renewals are what let a resuming
// engine tell a live claim from a crashed one.
func (e *Engine) startHeartbeat(persistCtx context.Context) func() {
	interval := e.leaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.extendLeases(persistCtx)
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

// extendLeases pushes the lease expiry forward for every unit this engine
// currently has running.
func (e *Engine) extendLeases(persistCtx context.Context) {
	e.mu.Lock()
	var running []string
	for id, st := range e.states {
		if st.Status == session.UnitRunning {
			running = append(running, id)
		}
	}
	e.mu.Unlock()

	if len(running) == 0 {
		return
	}

	expiry := time.Now().UTC().Add(e.leaseTTL)
	if _, err := e.sessions.Update(persistCtx, e.sessionID, func(s *session.Session) error {
		for _, id := range running {
			if st, ok := s.Units[id]; ok && st.Status == session.UnitRunning {
				st.LeaseExpiresAt = &expiry
			}
		}
		return nil
	}); err != nil {
		log.Printf("WARNING: failed to extend unit leases: %v", err)
		return
	}

	e.mu.Lock()
	for _, id := range running {
		if st, ok := e.states[id]; ok && st.Status == session.UnitRunning {
			st.LeaseExpiresAt = &expiry
		}
	}
	e.mu.Unlock()
}

// adoptPersisted folds terminal unit states written by a concurrent engine
// into the local view, so dependency evaluation sees their outcomes.
func (e *Engine) adoptPersisted(ctx context.Context) {
	s, err := e.sessions.Load(ctx, e.sessionID)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, persisted := range s.Units {
		local, ok := e.states[id]
		if !ok || local.Status.Terminal() {
			continue
		}
		if persisted.Status.Terminal() {
			cp := *persisted
			e.states[id] = &cp
		}
	}
}

// partitionWave splits a wave into dispatch candidates and units to skip.
// A unit runs only if every dependency succeeded; otherwise it inherits a
// skip, which cascadeSkip usually applied already when the dependency
// failed.
func (e *Engine) partitionWave(persistCtx context.Context, wave []string) []string {
	var candidates []string
	for _, id := range wave {
		e.mu.Lock()
		terminal := e.states[id].Status.Terminal()
		e.mu.Unlock()
		if terminal {
			continue
		}

		if blockedBy := e.failedDependency(id); blockedBy != "" {
			e.markSkipped(persistCtx, id, fmt.Sprintf("dependency %q did not succeed", blockedBy))
			continue
		}
		candidates = append(candidates, id)
	}
	return candidates
}

// failedDependency returns the first dependency of id that did not
// succeed, or "" if all succeeded.
func (e *Engine) failedDependency(id string) string {
	unit, ok := e.graph.Unit(id)
	if !ok {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, depID := range unit.DependsOn {
		if st, ok := e.states[depID]; !ok || st.Status != session.UnitSucceeded {
			return depID
		}
	}
	return ""
}

// runUnit drives one unit to a terminal state: claim, breaker gate,
// timeout race, retry loop.
func (e *Engine) runUnit(ctx, persistCtx context.Context, wave int, id string) {
	unit, ok := e.graph.Unit(id)
	if !ok {
		return
	}

	// Claim through the persisted session so two engines on the same
	// session never double-run a unit.
	if !e.claimUnit(persistCtx, id) {
		return
	}

	ex, ok := e.registry.resolve(unit.Kind)
	if !ok {
		e.finishUnit(persistCtx, unit, 1, Permanent(fmt.Errorf("no executor registered for kind %q", unit.Kind)))
		return
	}

	e.publish(events.TopicUnit, events.UnitStartedEvent{
		ID:        id,
		Kind:      unit.Kind,
		Wave:      wave,
		Attempt:   1,
		Timestamp: time.Now(),
	})

	for attempt := 1; ; attempt++ {
		e.setAttempts(persistCtx, id, attempt)

		_, err := e.executeOnce(ctx, unit, ex)
		if err == nil {
			e.finishUnit(persistCtx, unit, attempt, nil)
			return
		}

		// Circuit-open rejections count as a failed attempt but are
		// never retried; neither is run-level cancellation.
		if IsCircuitOpen(err) || ctx.Err() != nil || !e.retry.ShouldRetry(attempt, err) {
			e.finishUnit(persistCtx, unit, attempt, err)
			return
		}

		delay := e.retry.Delay(attempt)
		e.publish(events.TopicUnit, events.UnitRetryingEvent{
			ID:        id,
			Attempt:   attempt,
			Delay:     delay,
			Err:       err.Error(),
			Timestamp: time.Now(),
		})

		select {
		case <-ctx.Done():
			e.finishUnit(persistCtx, unit, attempt, ctx.Err())
			return
		case <-time.After(delay):
		}
	}
}

// executeOnce runs a single attempt through the unit kind's circuit
// breaker and the per-unit timeout race.
func (e *Engine) executeOnce(ctx context.Context, unit *scheduler.WorkUnit, ex Executor) (Result, error) {
	cb := e.breakers.get(unit.Kind)

	out, err := cb.Execute(func() (interface{}, error) {
		return e.invokeWithTimeout(ctx, unit, ex)
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

// invokeWithTimeout races the executor against the unit's deadline. On
// expiry the attempt is marked timed out and the operation abandoned; a
// cooperative executor observes the cancelled context and returns.
func (e *Engine) invokeWithTimeout(ctx context.Context, unit *scheduler.WorkUnit, ex Executor) (Result, error) {
	timeout := unit.Timeout
	if timeout <= 0 {
		timeout = e.opts.PerUnitTimeout
	}

	uctx := ctx
	cancel := func() {}
	if timeout > 0 {
		uctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := ex.Execute(uctx, *unit)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && uctx.Err() != nil && ctx.Err() == nil {
			return Result{}, &UnitTimeoutError{UnitID: unit.ID, Timeout: timeout}
		}
		return out.res, out.err
	case <-uctx.Done():
		if ctx.Err() != nil {
			// Run-level cancellation, not this unit's deadline.
			return Result{}, ctx.Err()
		}
		return Result{}, &UnitTimeoutError{UnitID: unit.ID, Timeout: timeout}
	}
}

// claimUnit atomically transitions a unit from pending to running in the
// persisted session. Returns false when another process already claimed or
// finished it.
func (e *Engine) claimUnit(persistCtx context.Context, id string) bool {
	claimed := false
	now := time.Now().UTC()

	updated, err := e.sessions.Update(persistCtx, e.sessionID, func(s *session.Session) error {
		st, ok := s.Units[id]
		if !ok {
			st = &session.UnitState{Status: session.UnitPending}
			s.Units[id] = st
		}
		if st.Status != session.UnitPending && st.Status != session.UnitReady {
			return nil
		}
		expiry := now.Add(e.leaseTTL)
		st.Status = session.UnitRunning
		st.StartedAt = &now
		st.Attempts = 0
		st.LastError = ""
		st.FinishedAt = nil
		st.LeaseExpiresAt = &expiry
		claimed = true
		return nil
	})
	if err != nil {
		log.Printf("ERROR: failed to claim unit %q: %v", id, err)
		return false
	}

	e.mu.Lock()
	cp := *updated.Units[id]
	e.states[id] = &cp
	e.mu.Unlock()

	return claimed
}

// setAttempts records the attempt count before an attempt starts.
func (e *Engine) setAttempts(persistCtx context.Context, id string, attempts int) {
	e.updateUnit(persistCtx, id, func(st *session.UnitState) {
		st.Attempts = attempts
	})
}

// finishUnit records a unit's terminal state and, on failure, cascades a
// skip to every transitive dependent.
func (e *Engine) finishUnit(persistCtx context.Context, unit *scheduler.WorkUnit, attempts int, cause error) {
	now := time.Now().UTC()
	status := session.UnitSucceeded
	errStr := ""
	if cause != nil {
		status = session.UnitFailed
		execErr := &UnitExecutionError{UnitID: unit.ID, Kind: unit.Kind, Attempts: attempts, Cause: cause}
		errStr = execErr.Error()
	}

	var duration time.Duration
	e.updateUnit(persistCtx, unit.ID, func(st *session.UnitState) {
		st.Status = status
		st.Attempts = attempts
		st.LastError = errStr
		st.FinishedAt = &now
		st.LeaseExpiresAt = nil
		duration = st.Duration()
	})

	e.publish(events.TopicUnit, events.UnitFinishedEvent{
		ID:        unit.ID,
		Status:    status,
		Attempts:  attempts,
		Duration:  duration,
		Err:       errStr,
		Timestamp: time.Now(),
	})

	if status == session.UnitFailed {
		e.cascadeSkip(persistCtx, unit.ID)
	}
}

// cascadeSkip marks every not-yet-started transitive dependent of a failed
// unit as skipped.
func (e *Engine) cascadeSkip(persistCtx context.Context, failedID string) {
	for _, depID := range e.graph.AffectedBy(failedID) {
		e.markSkipped(persistCtx, depID, fmt.Sprintf("dependency %q failed", failedID))
	}
}

// markSkipped transitions a unit to skipped unless it already started or
// finished. Idempotent.
func (e *Engine) markSkipped(persistCtx context.Context, id, reason string) {
	now := time.Now().UTC()
	changed := false

	e.updateUnit(persistCtx, id, func(st *session.UnitState) {
		if st.Status.Terminal() || st.Status == session.UnitRunning {
			return
		}
		st.Status = session.UnitSkipped
		st.LastError = reason
		st.FinishedAt = &now
		st.LeaseExpiresAt = nil
		changed = true
	})

	if changed {
		e.publish(events.TopicUnit, events.UnitFinishedEvent{
			ID:        id,
			Status:    session.UnitSkipped,
			Err:       reason,
			Timestamp: time.Now(),
		})
	}
}

// updateUnit applies a mutation to the local state and persists it under
// the session lock, then publishes a progress snapshot.
func (e *Engine) updateUnit(persistCtx context.Context, id string, apply func(*session.UnitState)) {
	e.mu.Lock()
	st, ok := e.states[id]
	if !ok {
		st = &session.UnitState{Status: session.UnitPending}
		e.states[id] = st
	}
	apply(st)
	cp := *st
	progress := e.progressLocked()
	e.mu.Unlock()

	if _, err := e.sessions.Update(persistCtx, e.sessionID, func(s *session.Session) error {
		state := cp
		s.Units[id] = &state
		s.Recount()
		return nil
	}); err != nil {
		log.Printf("ERROR: failed to persist state of unit %q: %v", id, err)
	}

	e.publish(events.TopicRun, progress)
}

// progressLocked builds a progress snapshot. Caller holds e.mu.
func (e *Engine) progressLocked() events.RunProgressEvent {
	ev := events.RunProgressEvent{
		SessionID: e.sessionID,
		Wave:      e.wave,
		Total:     len(e.states),
		Timestamp: time.Now(),
	}
	for _, st := range e.states {
		switch st.Status {
		case session.UnitSucceeded:
			ev.Succeeded++
		case session.UnitFailed:
			ev.Failed++
		case session.UnitSkipped:
			ev.Skipped++
		case session.UnitRunning:
			ev.Running++
		}
	}
	return ev
}

// setRunStatus persists the overall session status.
func (e *Engine) setRunStatus(persistCtx context.Context, status session.RunStatus) {
	if _, err := e.sessions.Update(persistCtx, e.sessionID, func(s *session.Session) error {
		s.Status = status
		return nil
	}); err != nil {
		log.Printf("ERROR: failed to persist session status: %v", err)
	}
}

// requiredFailure returns the abort error when a required unit failed
// terminally. Required failures abort regardless of the FailFast flag.
func (e *Engine) requiredFailure() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range e.opts.RequiredUnitIDs {
		if st, ok := e.states[id]; ok && st.Status == session.UnitFailed {
			return &RequiredUnitError{UnitID: id, Cause: errors.New(st.LastError)}
		}
	}
	return nil
}

// unfinished returns the IDs of units not yet in a terminal state, sorted.
func (e *Engine) unfinished() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []string
	for id, st := range e.states {
		if !st.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// finalize skips whatever never ran, classifies the run, persists the
// final session, and builds the report.
func (e *Engine) finalize(persistCtx context.Context, start time.Time, fatal error) (*RunReport, error) {
	reason := "not executed"
	switch fatal.(type) {
	case *RunTimeoutError:
		reason = "run timed out"
	case *RequiredUnitError:
		reason = "aborted after required unit failure"
	default:
		if fatal != nil {
			reason = "run aborted"
		}
	}

	for _, id := range e.unfinished() {
		e.markSkipped(persistCtx, id, reason)
	}

	status := e.classify(fatal)
	failure := fatal
	if failure == nil && status == session.RunFailed {
		e.mu.Lock()
		succeeded := 0
		for _, st := range e.states {
			if st.Status == session.UnitSucceeded {
				succeeded++
			}
		}
		total := len(e.states)
		e.mu.Unlock()
		failure = &PartialThresholdError{Succeeded: succeeded, Total: total, MinRatio: e.opts.MinSuccessRatio}
	}

	e.mu.Lock()
	snapshot := make(map[string]session.UnitState, len(e.states))
	for id, st := range e.states {
		snapshot[id] = *st
	}
	e.mu.Unlock()

	final, err := e.sessions.Update(persistCtx, e.sessionID, func(s *session.Session) error {
		for id, st := range snapshot {
			// A unit still running here is a concurrent engine's live
			// claim, never ours; leave its persisted state alone.
			if st.Status == session.UnitRunning {
				continue
			}
			state := st
			s.Units[id] = &state
		}
		s.Recount()
		s.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}

	duration := time.Since(start)
	e.publish(events.TopicRun, events.RunFinishedEvent{
		SessionID: e.sessionID,
		Status:    status,
		Duration:  duration,
		Timestamp: time.Now(),
	})

	return buildReport(final, e.graph.Order(), duration, failure), nil
}

// classify maps the run outcome onto the overall status.
func (e *Engine) classify(fatal error) session.RunStatus {
	if fatal != nil {
		if errors.Is(fatal, context.Canceled) {
			return session.RunAborted
		}
		return session.RunFailed
	}

	e.mu.Lock()
	succeeded := 0
	total := len(e.states)
	for _, st := range e.states {
		if st.Status == session.UnitSucceeded {
			succeeded++
		}
	}
	e.mu.Unlock()

	if succeeded == total {
		return session.RunCompleted
	}
	if e.opts.AllowPartialResults && total > 0 &&
		float64(succeeded)/float64(total) >= e.opts.MinSuccessRatio {
		return session.RunPartial
	}
	return session.RunFailed
}

// publish sends an event when a bus is attached.
func (e *Engine) publish(topic string, ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}
