// Package tracker owns the execution state machine:
//
//	pending → running → success
//	running → failed → retrying → pending   (while retry budget remains)
//	running → failed                        (terminal, budget exhausted)
//	pending|running|retrying → cancelled
//
// Every transition is a guarded storage update, so concurrent callers
// (worker callbacks, the watchdog, operator cancels) resolve to a single
// winner without lost updates.
package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"medflow/internal/domain"
	"medflow/internal/retry"
	"medflow/internal/store"
)

type EventType string

const (
	EventStarted        EventType = "started"
	EventSucceeded      EventType = "succeeded"
	EventFailed         EventType = "failed"
	EventRetryScheduled EventType = "retry_scheduled"
	EventCancelled      EventType = "cancelled"
)

// Event is published on every observable transition. Observers must not
// block; they run on the transition's goroutine.
type Event struct {
	Type      EventType
	Execution domain.Execution
	At        time.Time
}

type Observer func(Event)

// Alerter is the slice of the alert manager the tracker needs.
type Alerter interface {
	Raise(ctx context.Context, a domain.Alert) (string, bool, error)
}

// CancelSignaler tells the worker pool to stop remote work. Best-effort:
// the local transition has already committed when this is called.
type CancelSignaler interface {
	Cancel(executionID string)
}

type Tracker struct {
	store  store.Store
	policy retry.Policy
	alerts Alerter
	signal CancelSignaler
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	observers []Observer
}

func New(st store.Store, policy retry.Policy, alerts Alerter, log zerolog.Logger) *Tracker {
	return &Tracker{
		store:  st,
		policy: policy,
		alerts: alerts,
		log:    log.With().Str("component", "tracker").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetCancelSignaler wires the worker pool after construction; pool and
// tracker reference each other.
func (t *Tracker) SetCancelSignaler(s CancelSignaler) { t.signal = s }

func (t *Tracker) Subscribe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

func (t *Tracker) publish(ev Event) {
	t.mu.Lock()
	obs := make([]Observer, len(t.observers))
	copy(obs, t.observers)
	t.mu.Unlock()
	for _, o := range obs {
		o(ev)
	}
}

// MarkRunning transitions pending → running and records the worker.
func (t *Tracker) MarkRunning(ctx context.Context, id, workerID string) error {
	now := t.now()
	won, err := t.store.MarkExecutionRunning(ctx, id, workerID, now)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("execution %s is not pending: %w", id, domain.ErrInvalidTransition)
	}
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	t.log.Debug().Str("execution_id", id).Str("worker_id", workerID).Msg("execution running")
	t.publish(Event{Type: EventStarted, Execution: e, At: now})
	return nil
}

// MarkSuccess transitions running → success, records the duration, and
// bumps the owning schedule's counters.
func (t *Tracker) MarkSuccess(ctx context.Context, id string, result json.RawMessage) error {
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	now := t.now()
	var durMS int64
	if e.StartedAt != nil {
		durMS = now.Sub(*e.StartedAt).Milliseconds()
	}
	won, err := t.store.FinishExecution(ctx, id, domain.ExecSuccess, now, durMS, result, "")
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("execution %s is not running: %w", id, domain.ErrInvalidTransition)
	}
	if e.ScheduleID != "" {
		if err := t.store.BumpScheduleCounters(ctx, e.ScheduleID, true); err != nil {
			t.log.Error().Err(err).Str("schedule_id", e.ScheduleID).Msg("bump counters")
		}
	}
	e.Status = domain.ExecSuccess
	e.CompletedAt = &now
	e.DurationMS = durMS
	t.log.Info().Str("execution_id", id).Int64("duration_ms", durMS).Msg("execution succeeded")
	t.publish(Event{Type: EventSucceeded, Execution: e, At: now})
	return nil
}

// MarkFailed transitions running → failed, then consults the retry policy.
// With budget remaining and a retriable cause the execution becomes
// retrying with a deferred re-enqueue instant; otherwise it stays failed
// and a failure alert is raised.
func (t *Tracker) MarkFailed(ctx context.Context, id, cause string, retriable bool) error {
	return t.fail(ctx, id, cause, retriable, domain.AlertFailure)
}

// MarkTimedOut is the watchdog's failure path: same state machine, timeout
// alert type.
func (t *Tracker) MarkTimedOut(ctx context.Context, id, cause string) error {
	return t.fail(ctx, id, cause, true, domain.AlertTimeout)
}

func (t *Tracker) fail(ctx context.Context, id, cause string, retriable bool, alertType domain.AlertType) error {
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	now := t.now()
	var durMS int64
	if e.StartedAt != nil {
		durMS = now.Sub(*e.StartedAt).Milliseconds()
	}
	won, err := t.store.FinishExecution(ctx, id, domain.ExecFailed, now, durMS, nil, cause)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("execution %s is not running: %w", id, domain.ErrInvalidTransition)
	}
	if e.ScheduleID != "" {
		if err := t.store.BumpScheduleCounters(ctx, e.ScheduleID, false); err != nil {
			t.log.Error().Err(err).Str("schedule_id", e.ScheduleID).Msg("bump counters")
		}
	}
	e.Status = domain.ExecFailed
	e.CompletedAt = &now
	e.Error = cause

	maxRetries := 0
	baseDelay := time.Second
	if e.ScheduleID != "" {
		if sched, err := t.store.GetSchedule(ctx, e.ScheduleID); err == nil {
			maxRetries = sched.MaxRetries
			if sched.BaseDelay > 0 {
				baseDelay = sched.BaseDelay
			}
		}
	}

	if t.policy.ShouldRetry(e.RetryCount, maxRetries, retriable) {
		attempt := e.RetryCount + 1
		delay := t.policy.Backoff(attempt, baseDelay)
		nextAt := now.Add(delay)
		deferred, err := t.store.DeferExecutionRetry(ctx, id, attempt, nextAt)
		if err != nil {
			return err
		}
		if deferred {
			e.Status = domain.ExecRetrying
			e.RetryCount = attempt
			e.NextAttemptAt = &nextAt
			t.log.Warn().
				Str("execution_id", id).
				Int("retry", attempt).
				Dur("backoff", delay).
				Str("cause", cause).
				Msg("execution failed, retry scheduled")
			t.publish(Event{Type: EventRetryScheduled, Execution: e, At: now})
			return nil
		}
		// Lost the defer CAS: a concurrent cancel took the execution.
		return nil
	}

	t.log.Error().Str("execution_id", id).Int("retries", e.RetryCount).Str("cause", cause).Msg("execution failed terminally")
	severity := domain.SeverityHigh
	details, _ := json.Marshal(map[string]any{"cause": cause, "retry_count": e.RetryCount})
	_, _, aerr := t.alerts.Raise(ctx, domain.Alert{
		Type:        alertType,
		Severity:    severity,
		ScheduleID:  e.ScheduleID,
		EntryID:     e.EntryID,
		ExecutionID: e.ID,
		Message:     fmt.Sprintf("execution %s failed after %d retries: %s", e.ID, e.RetryCount, cause),
		Details:     details,
	})
	if aerr != nil {
		t.log.Error().Err(aerr).Str("execution_id", id).Msg("raise failure alert")
	}
	t.publish(Event{Type: EventFailed, Execution: e, At: now})
	return nil
}

// Cancel transitions pending, running, or retrying executions to cancelled
// and signals the worker pool. The local flip is immediate; remote
// termination is best-effort.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	now := t.now()
	won, err := t.store.CancelExecution(ctx, id, now)
	if err != nil {
		return err
	}
	if !won {
		if _, err := t.store.GetExecution(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("execution %s already terminal: %w", id, domain.ErrInvalidTransition)
	}
	if t.signal != nil {
		t.signal.Cancel(id)
	}
	e, err := t.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	t.log.Info().Str("execution_id", id).Msg("execution cancelled")
	t.publish(Event{Type: EventCancelled, Execution: e, At: now})
	return nil
}

// WatchdogSweep fails running executions that outlived their catalog
// entry's max duration. Runs periodically; a blocking wait per execution
// would not survive process restarts, this does.
func (t *Tracker) WatchdogSweep(ctx context.Context, now time.Time) {
	now = now.UTC()
	execs, err := t.store.RunningExecutions(ctx)
	if err != nil {
		t.log.Error().Err(err).Msg("watchdog: list running executions")
		return
	}
	for _, e := range execs {
		if e.StartedAt == nil {
			continue
		}
		entry, err := t.store.GetEntry(ctx, e.EntryID)
		if err != nil || entry.MaxDuration <= 0 {
			continue
		}
		deadline := e.StartedAt.Add(entry.MaxDuration)
		if now.Before(deadline) {
			continue
		}
		cause := fmt.Sprintf("timed out after %s", entry.MaxDuration)
		if err := t.MarkTimedOut(ctx, e.ID, cause); err != nil {
			t.log.Error().Err(err).Str("execution_id", e.ID).Msg("watchdog: mark timed out")
			continue
		}
		if t.signal != nil {
			t.signal.Cancel(e.ID)
		}
	}
}

// RunWatchdog drives WatchdogSweep on a fixed period until ctx is done.
func (t *Tracker) RunWatchdog(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	t.log.Info().Dur("interval", every).Msg("watchdog started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.WatchdogSweep(ctx, now)
		}
	}
}
