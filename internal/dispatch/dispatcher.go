// Package dispatch runs the periodic sweep that claims due schedules and
// hands work to the worker pool. The claim is an optimistic
// compare-and-swap on next_run_at, so any number of dispatcher instances
// may run concurrently and each due fire is dispatched exactly once.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"medflow/internal/catalog"
	"medflow/internal/domain"
	"medflow/internal/schedule"
	"medflow/internal/store"
	"medflow/internal/worker"
)

// Alerter is the slice of the alert manager the dispatcher needs for
// reporting dispatch failures.
type Alerter interface {
	Raise(ctx context.Context, a domain.Alert) (string, bool, error)
}

type Dispatcher struct {
	store  store.Store
	pool   worker.Enqueuer
	alerts Alerter
	log    zerolog.Logger
	tick   time.Duration
	batch  int
	now    func() time.Time
}

func New(st store.Store, pool worker.Enqueuer, alerts Alerter, tick time.Duration, batch int, log zerolog.Logger) *Dispatcher {
	if batch <= 0 {
		batch = 50
	}
	return &Dispatcher{
		store:  st,
		pool:   pool,
		alerts: alerts,
		log:    log.With().Str("component", "dispatcher").Logger(),
		tick:   tick,
		batch:  batch,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	d.log.Info().Dur("interval", d.tick).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Tick(ctx, now)
		}
	}
}

// Tick runs one dispatch sweep: due schedules first, then deferred
// retries. Errors on individual candidates never abort the sweep.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	now = now.UTC()
	d.dispatchDue(ctx, now)
	d.redispatchRetries(ctx, now)
}

func (d *Dispatcher) dispatchDue(ctx context.Context, now time.Time) {
	due, err := d.store.DueSchedules(ctx, now, d.batch)
	if err != nil {
		d.log.Error().Err(err).Msg("load due schedules")
		return
	}
	for _, s := range due {
		if err := d.dispatchOne(ctx, s, now); err != nil {
			d.log.Error().Err(err).Str("schedule_id", s.ID).Msg("dispatch schedule")
		}
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, s domain.Schedule, now time.Time) error {
	if s.NextRunAt == nil {
		return nil
	}
	observed := *s.NextRunAt

	// Window already passed: retire the schedule instead of firing.
	if s.WindowEnd != nil && s.WindowEnd.Before(now) {
		_, err := d.store.ClaimSchedule(ctx, s.ID, observed, now, nil, domain.ScheduleExpired)
		return err
	}

	// Compute the fire after this one before claiming, so the claim and
	// the advance are a single atomic update. A dispatch failure after
	// the claim is alerted, never re-claimed: the fire was consumed.
	after := s
	after.LastRunAt = &now
	next, err := schedule.NextRun(after, now)
	if err != nil {
		return err
	}
	status := domain.ScheduleActive
	if next == nil {
		status = domain.ScheduleExpired
	}

	won, err := d.store.ClaimSchedule(ctx, s.ID, observed, now, next, status)
	if err != nil {
		return err
	}
	if !won {
		// Another instance handles this fire. Not an error.
		d.log.Debug().Str("schedule_id", s.ID).Msg("claim lost")
		return nil
	}

	entry, err := d.store.GetEntry(ctx, s.EntryID)
	if err != nil {
		return err
	}
	if !entry.Active {
		d.log.Warn().Str("schedule_id", s.ID).Str("entry_id", entry.ID).Msg("entry inactive, fire skipped")
		return nil
	}

	execID, err := d.store.CreateExecution(ctx, domain.Execution{
		ScheduleID: s.ID,
		EntryID:    entry.ID,
		Params:     catalog.ResolveParams(entry, s.Params),
		QueuedAt:   now,
		Queue:      entry.Queue,
	})
	if err != nil {
		return err
	}

	exec, err := d.store.GetExecution(ctx, execID)
	if err != nil {
		return err
	}
	if err := d.enqueue(ctx, exec, entry, s.Priority); err != nil {
		d.reportDispatchFailure(ctx, s.ID, entry.ID, execID, err)
		return nil
	}
	d.log.Info().
		Str("schedule_id", s.ID).
		Str("execution_id", execID).
		Interface("next_run", next).
		Msg("fire dispatched")
	return nil
}

func (d *Dispatcher) redispatchRetries(ctx context.Context, now time.Time) {
	retries, err := d.store.DueRetries(ctx, now, d.batch)
	if err != nil {
		d.log.Error().Err(err).Msg("load due retries")
		return
	}
	for _, e := range retries {
		won, err := d.store.ClaimRetry(ctx, e.ID, now)
		if err != nil {
			d.log.Error().Err(err).Str("execution_id", e.ID).Msg("claim retry")
			continue
		}
		if !won {
			// Cancelled, or another instance got there first.
			continue
		}
		entry, err := d.store.GetEntry(ctx, e.EntryID)
		if err != nil {
			d.log.Error().Err(err).Str("execution_id", e.ID).Msg("load entry for retry")
			continue
		}
		if err := d.enqueue(ctx, e, entry, 0); err != nil {
			d.reportDispatchFailure(ctx, e.ScheduleID, entry.ID, e.ID, err)
			continue
		}
		d.log.Info().Str("execution_id", e.ID).Int("retry", e.RetryCount).Msg("retry re-enqueued")
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, e domain.Execution, entry domain.CatalogEntry, priority int) error {
	return d.pool.Enqueue(ctx, worker.Job{
		ExecutionID:   e.ID,
		ExecutableRef: entry.ExecutableRef,
		Params:        e.Params,
		Queue:         e.Queue,
		Priority:      priority,
	})
}

func (d *Dispatcher) reportDispatchFailure(ctx context.Context, scheduleID, entryID, execID string, cause error) {
	d.log.Error().Err(cause).Str("execution_id", execID).Msg("enqueue failed")
	details, _ := json.Marshal(map[string]string{"cause": cause.Error()})
	_, _, err := d.alerts.Raise(ctx, domain.Alert{
		Type:        domain.AlertFailure,
		Severity:    domain.SeverityHigh,
		ScheduleID:  scheduleID,
		EntryID:     entryID,
		ExecutionID: execID,
		Message:     fmt.Sprintf("dispatch of execution %s failed: %v", execID, cause),
		Details:     details,
	})
	if err != nil {
		d.log.Error().Err(err).Msg("raise dispatch alert")
	}
}
