package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"medflow/internal/alert"
	"medflow/internal/domain"
	"medflow/internal/store"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, store.Store, *alert.Manager) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	st := store.NewSQLite(db)
	alerts := alert.NewManager(st, nil, zerolog.Nop())
	return New(st, alerts, cfg, zerolog.Nop()), st, alerts
}

func seedEntry(t *testing.T, st store.Store, name string) string {
	t.Helper()
	id, err := st.CreateEntry(context.Background(), domain.CatalogEntry{
		Name: name + "-" + t.Name(), ExecutableRef: "shell:x", Active: true,
	})
	require.NoError(t, err)
	return id
}

func seedSchedule(t *testing.T, st store.Store, entryID string, next time.Time) string {
	t.Helper()
	id, err := st.CreateSchedule(context.Background(), domain.Schedule{
		EntryID: entryID, Name: "sched-" + t.Name(), Kind: domain.KindInterval, Spec: "1h",
		NextRunAt: &next,
	})
	require.NoError(t, err)
	return id
}

// completedExecution records a finished run so SuccessStats has a sample.
func completedExecution(t *testing.T, st store.Store, entryID, schedID string, completedAt time.Time, durationMS int64) {
	t.Helper()
	ctx := context.Background()
	id, err := st.CreateExecution(ctx, domain.Execution{
		ScheduleID: schedID, EntryID: entryID, QueuedAt: completedAt.Add(-time.Minute),
	})
	require.NoError(t, err)
	won, err := st.MarkExecutionRunning(ctx, id, "w1", completedAt.Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, won)
	won, err = st.FinishExecution(ctx, id, domain.ExecSuccess, completedAt, durationMS, nil, "")
	require.NoError(t, err)
	require.True(t, won)
}

func openAlerts(t *testing.T, st store.Store, typ domain.AlertType) []domain.Alert {
	t.Helper()
	all, err := st.ListAlerts(context.Background(), true, 100)
	require.NoError(t, err)
	var out []domain.Alert
	for _, a := range all {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestMissingSweepAlertsOnceAcrossCycles(t *testing.T) {
	m, st, _ := newTestMonitor(t, Config{GracePeriod: 5 * time.Minute})
	ctx := context.Background()
	now := time.Now().UTC()

	entryID := seedEntry(t, st, "missed")
	schedID := seedSchedule(t, st, entryID, now.Add(-10*time.Minute))

	require.NoError(t, m.MissingSweep(ctx, now))
	require.NoError(t, m.MissingSweep(ctx, now.Add(time.Minute)))

	got := openAlerts(t, st, domain.AlertMissing)
	require.Len(t, got, 1, "unresolved missing alert is raised once, not per sweep")
	assert.Equal(t, schedID, got[0].ScheduleID)
	assert.Equal(t, domain.SeverityHigh, got[0].Severity)
}

func TestMissingSweepHonorsGracePeriod(t *testing.T) {
	m, st, _ := newTestMonitor(t, Config{GracePeriod: 5 * time.Minute})
	ctx := context.Background()
	now := time.Now().UTC()

	entryID := seedEntry(t, st, "inside-grace")
	seedSchedule(t, st, entryID, now.Add(-2*time.Minute))

	require.NoError(t, m.MissingSweep(ctx, now))
	assert.Empty(t, openAlerts(t, st, domain.AlertMissing))
}

func TestMissingSweepSkipsScheduleWithQueuedExecution(t *testing.T) {
	m, st, _ := newTestMonitor(t, Config{GracePeriod: 5 * time.Minute})
	ctx := context.Background()
	now := time.Now().UTC()

	entryID := seedEntry(t, st, "queued")
	next := now.Add(-10 * time.Minute)
	schedID := seedSchedule(t, st, entryID, next)
	_, err := st.CreateExecution(ctx, domain.Execution{
		ScheduleID: schedID, EntryID: entryID, QueuedAt: next.Add(time.Second),
	})
	require.NoError(t, err)

	require.NoError(t, m.MissingSweep(ctx, now))
	assert.Empty(t, openAlerts(t, st, domain.AlertMissing))
}

func TestPerformanceSweepDetectsRegression(t *testing.T) {
	m, st, _ := newTestMonitor(t, Config{
		RecentWindow:      24 * time.Hour,
		BaselineWindow:    7 * 24 * time.Hour,
		MinSamples:        5,
		ThresholdFraction: 0.5,
	})
	ctx := context.Background()
	now := time.Now().UTC()

	entryID := seedEntry(t, st, "slow")
	schedID := seedSchedule(t, st, entryID, now.Add(time.Hour))

	// Baseline: six 10s runs well before the recent window.
	for i := 0; i < 6; i++ {
		completedExecution(t, st, entryID, schedID, now.Add(-30*time.Hour).Add(time.Duration(i)*time.Minute), 10000)
	}
	// Recent: six 16s runs, a 60% slowdown over the 50% threshold.
	for i := 0; i < 6; i++ {
		completedExecution(t, st, entryID, schedID, now.Add(-time.Hour).Add(time.Duration(i)*time.Minute), 16000)
	}

	require.NoError(t, m.PerformanceSweep(ctx, now))

	got := openAlerts(t, st, domain.AlertPerformance)
	require.Len(t, got, 1)
	assert.Equal(t, entryID, got[0].EntryID)
	assert.Equal(t, domain.SeverityMedium, got[0].Severity)

	// The regression persists; the open alert suppresses a second one.
	require.NoError(t, m.PerformanceSweep(ctx, now.Add(time.Minute)))
	assert.Len(t, openAlerts(t, st, domain.AlertPerformance), 1)
}

func TestPerformanceSweepNeedsMinSamples(t *testing.T) {
	m, st, _ := newTestMonitor(t, Config{MinSamples: 5, ThresholdFraction: 0.5})
	ctx := context.Background()
	now := time.Now().UTC()

	entryID := seedEntry(t, st, "sparse")
	schedID := seedSchedule(t, st, entryID, now.Add(time.Hour))

	for i := 0; i < 6; i++ {
		completedExecution(t, st, entryID, schedID, now.Add(-30*time.Hour).Add(time.Duration(i)*time.Minute), 10000)
	}
	for i := 0; i < 3; i++ {
		completedExecution(t, st, entryID, schedID, now.Add(-time.Hour).Add(time.Duration(i)*time.Minute), 40000)
	}

	require.NoError(t, m.PerformanceSweep(ctx, now))
	assert.Empty(t, openAlerts(t, st, domain.AlertPerformance), "three recent samples is below the floor")
}

func TestPerformanceSweepNeedsBaseline(t *testing.T) {
	m, st, _ := newTestMonitor(t, Config{MinSamples: 5, ThresholdFraction: 0.5})
	ctx := context.Background()
	now := time.Now().UTC()

	entryID := seedEntry(t, st, "new-entry")
	schedID := seedSchedule(t, st, entryID, now.Add(time.Hour))

	for i := 0; i < 6; i++ {
		completedExecution(t, st, entryID, schedID, now.Add(-time.Hour).Add(time.Duration(i)*time.Minute), 16000)
	}

	require.NoError(t, m.PerformanceSweep(ctx, now))
	assert.Empty(t, openAlerts(t, st, domain.AlertPerformance), "no baseline, nothing to compare against")
}

func TestSweepSurfacesStorageErrorWithoutAlerting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT").WillReturnError(fmt.Errorf("disk I/O error"))

	raised := 0
	m := New(store.NewSQLite(db), alerterFunc(func(context.Context, domain.Alert) (string, bool, error) {
		raised++
		return "", false, nil
	}), Config{}, zerolog.Nop())

	err = m.MissingSweep(context.Background(), time.Now().UTC())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Equal(t, 0, raised, "a failed cycle raises nothing")
	assert.NoError(t, mock.ExpectationsWereMet())
}

type alerterFunc func(context.Context, domain.Alert) (string, bool, error)

func (f alerterFunc) Raise(ctx context.Context, a domain.Alert) (string, bool, error) {
	return f(ctx, a)
}
