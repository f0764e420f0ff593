package tracker

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"medflow/internal/domain"
	"medflow/internal/retry"
	"medflow/internal/store"
)

type fakeAlerter struct {
	mu     sync.Mutex
	raised []domain.Alert
}

func (f *fakeAlerter) Raise(_ context.Context, a domain.Alert) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised = append(f.raised, a)
	return "alr_test", true, nil
}

func (f *fakeAlerter) count(typ domain.AlertType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.raised {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func newTestTracker(t *testing.T) (*Tracker, store.Store, *fakeAlerter) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	st := store.NewSQLite(db)
	alerts := &fakeAlerter{}
	trk := New(st, retry.Policy{}, alerts, zerolog.Nop())
	return trk, st, alerts
}

func seed(t *testing.T, st store.Store, maxRetries int, maxDuration time.Duration) (entryID string, sched domain.Schedule) {
	t.Helper()
	ctx := context.Background()
	entryID, err := st.CreateEntry(ctx, domain.CatalogEntry{
		Name: "job-" + t.Name(), ExecutableRef: "shell:x", Active: true, MaxDuration: maxDuration,
	})
	require.NoError(t, err)
	next := time.Now().UTC().Add(time.Hour)
	schedID, err := st.CreateSchedule(ctx, domain.Schedule{
		EntryID: entryID, Name: "sched-" + t.Name(), Kind: domain.KindInterval, Spec: "1h",
		MaxRetries: maxRetries, BaseDelay: time.Second, NextRunAt: &next,
	})
	require.NoError(t, err)
	sched, err = st.GetSchedule(ctx, schedID)
	require.NoError(t, err)
	return entryID, sched
}

func newExecution(t *testing.T, st store.Store, entryID, scheduleID string) string {
	t.Helper()
	id, err := st.CreateExecution(context.Background(), domain.Execution{
		ScheduleID: scheduleID, EntryID: entryID, QueuedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func TestMarkRunningTransition(t *testing.T) {
	trk, st, _ := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 0, 0)
	execID := newExecution(t, st, entryID, sched.ID)

	require.NoError(t, trk.MarkRunning(ctx, execID, "w1"))

	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecRunning, e.Status)
	require.NotNil(t, e.StartedAt)

	err = trk.MarkRunning(ctx, execID, "w2")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMarkSuccessBumpsCounters(t *testing.T) {
	trk, st, _ := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 0, 0)
	execID := newExecution(t, st, entryID, sched.ID)

	require.NoError(t, trk.MarkRunning(ctx, execID, "w1"))
	require.NoError(t, trk.MarkSuccess(ctx, execID, []byte(`{"rows":12}`)))

	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecSuccess, e.Status)
	require.NotNil(t, e.CompletedAt)

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	assert.Equal(t, 1, got.Successes)
	assert.Equal(t, 0, got.Failures)

	// success is terminal
	err = trk.MarkSuccess(ctx, execID, nil)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestMarkFailedSchedulesRetryWithBackoff(t *testing.T) {
	trk, st, alerts := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 3, 0)
	execID := newExecution(t, st, entryID, sched.ID)

	require.NoError(t, trk.MarkRunning(ctx, execID, "w1"))
	before := time.Now().UTC()
	require.NoError(t, trk.MarkFailed(ctx, execID, "db connection reset", true))

	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecRetrying, e.Status)
	assert.Equal(t, 1, e.RetryCount)
	require.NotNil(t, e.NextAttemptAt)
	assert.False(t, e.NextAttemptAt.Before(before.Add(time.Second)), "first retry waits at least base delay")
	assert.Equal(t, 0, alerts.count(domain.AlertFailure), "no alert while budget remains")
}

func TestRetryCapTerminalWithSingleAlert(t *testing.T) {
	trk, st, alerts := newTestTracker(t)
	ctx := context.Background()
	maxRetries := 2
	entryID, sched := seed(t, st, maxRetries, 0)
	execID := newExecution(t, st, entryID, sched.ID)

	// Fail max_retries+1 times in a row, re-claiming the deferred retry
	// between attempts the way the dispatcher would.
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			won, err := st.ClaimRetry(ctx, execID, time.Now().UTC().Add(time.Hour))
			require.NoError(t, err)
			require.True(t, won)
		}
		require.NoError(t, trk.MarkRunning(ctx, execID, "w1"))
		require.NoError(t, trk.MarkFailed(ctx, execID, "boom", true))
	}

	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, e.Status)
	assert.Equal(t, maxRetries, e.RetryCount)
	require.NotNil(t, e.CompletedAt)
	assert.Equal(t, 1, alerts.count(domain.AlertFailure), "exactly one failure alert on exhaustion")

	got, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, maxRetries+1, got.Failures)
}

func TestNonRetriableFailureSkipsBudget(t *testing.T) {
	trk, st, alerts := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 5, 0)
	execID := newExecution(t, st, entryID, sched.ID)

	require.NoError(t, trk.MarkRunning(ctx, execID, "w1"))
	require.NoError(t, trk.MarkFailed(ctx, execID, "schema mismatch", false))

	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, e.Status)
	assert.Equal(t, 0, e.RetryCount)
	assert.Equal(t, 1, alerts.count(domain.AlertFailure))
}

func TestCancelPendingAndTerminal(t *testing.T) {
	trk, st, _ := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 0, 0)
	execID := newExecution(t, st, entryID, sched.ID)

	require.NoError(t, trk.Cancel(ctx, execID))
	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecCancelled, e.Status)
	require.NotNil(t, e.CompletedAt)

	err = trk.Cancel(ctx, execID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestWatchdogTimesOutOverdueExecution(t *testing.T) {
	trk, st, alerts := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 0, time.Minute)
	execID := newExecution(t, st, entryID, sched.ID)

	// Started well past the one-minute budget.
	started := time.Now().UTC().Add(-10 * time.Minute)
	won, err := st.MarkExecutionRunning(ctx, execID, "w1", started)
	require.NoError(t, err)
	require.True(t, won)

	trk.WatchdogSweep(ctx, time.Now().UTC())

	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecFailed, e.Status)
	assert.Contains(t, e.Error, "timed out")
	assert.Equal(t, 1, alerts.count(domain.AlertTimeout))
}

func TestWatchdogLeavesHealthyExecutions(t *testing.T) {
	trk, st, alerts := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 0, time.Hour)
	execID := newExecution(t, st, entryID, sched.ID)
	require.NoError(t, trk.MarkRunning(ctx, execID, "w1"))

	trk.WatchdogSweep(ctx, time.Now().UTC())

	e, err := st.GetExecution(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecRunning, e.Status)
	assert.Equal(t, 0, alerts.count(domain.AlertTimeout))
}

func TestObserversSeeTransitions(t *testing.T) {
	trk, st, _ := newTestTracker(t)
	ctx := context.Background()
	entryID, sched := seed(t, st, 0, 0)
	execID := newExecution(t, st, entryID, sched.ID)

	var mu sync.Mutex
	var seen []EventType
	trk.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	require.NoError(t, trk.MarkRunning(ctx, execID, "w1"))
	require.NoError(t, trk.MarkSuccess(ctx, execID, nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventStarted, EventSucceeded}, seen)
}
