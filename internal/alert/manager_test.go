package alert

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"medflow/internal/domain"
	"medflow/internal/store"
)

type countingNotifier struct {
	mu   sync.Mutex
	sent []domain.Alert
}

func (n *countingNotifier) Send(_ context.Context, a domain.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, a)
	return nil
}

func (n *countingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestManager(t *testing.T) (*Manager, store.Store, *countingNotifier) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	st := store.NewSQLite(db)
	n := &countingNotifier{}
	return NewManager(st, n, zerolog.Nop()), st, n
}

func failureAlert(scheduleID string) domain.Alert {
	return domain.Alert{
		Type:       domain.AlertFailure,
		Severity:   domain.SeverityHigh,
		ScheduleID: scheduleID,
		Message:    "nightly export failed after 3 retries",
	}
}

func TestRaiseDedupesUnresolved(t *testing.T) {
	m, _, n := newTestManager(t)
	ctx := context.Background()

	id, created, err := m.Raise(ctx, failureAlert("sch_1"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEmpty(t, id)

	_, created, err = m.Raise(ctx, failureAlert("sch_1"))
	require.NoError(t, err)
	assert.False(t, created, "unresolved duplicate is suppressed")
	assert.Equal(t, 1, n.count())

	// A different schedule or a different type is a distinct alert.
	_, created, err = m.Raise(ctx, failureAlert("sch_2"))
	require.NoError(t, err)
	assert.True(t, created)

	timeout := failureAlert("sch_1")
	timeout.Type = domain.AlertTimeout
	_, created, err = m.Raise(ctx, timeout)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestResolveReopensDedupeSlot(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	id, created, err := m.Raise(ctx, failureAlert("sch_1"))
	require.NoError(t, err)
	require.True(t, created)

	require.NoError(t, m.Resolve(ctx, id, "oncall", "restarted the export worker"))

	_, created, err = m.Raise(ctx, failureAlert("sch_1"))
	require.NoError(t, err)
	assert.True(t, created, "resolving frees the slot for the next occurrence")
}

func TestResolveIsTerminal(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	id, _, err := m.Raise(ctx, failureAlert("sch_1"))
	require.NoError(t, err)
	require.NoError(t, m.Resolve(ctx, id, "oncall", ""))

	err = m.Resolve(ctx, id, "oncall", "again")
	require.ErrorIs(t, err, domain.ErrAlreadyResolved)

	a, err := st.GetAlert(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "oncall", a.ResolvedBy)
	require.NotNil(t, a.ResolvedAt)

	err = m.Resolve(ctx, "alr_missing", "oncall", "")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNotifyAtMostOnce(t *testing.T) {
	m, _, n := newTestManager(t)
	ctx := context.Background()

	// Raise already notified once.
	id, _, err := m.Raise(ctx, failureAlert("sch_1"))
	require.NoError(t, err)
	require.Equal(t, 1, n.count())

	require.NoError(t, m.Notify(ctx, id))
	require.NoError(t, m.Notify(ctx, id))
	assert.Equal(t, 1, n.count(), "notified_at CAS makes repeats no-ops")
}

func TestListUnresolvedOnly(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	openID, _, err := m.Raise(ctx, failureAlert("sch_1"))
	require.NoError(t, err)
	closedID, _, err := m.Raise(ctx, failureAlert("sch_2"))
	require.NoError(t, err)
	require.NoError(t, m.Resolve(ctx, closedID, "oncall", ""))

	open, err := m.List(ctx, true, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, openID, open[0].ID)

	all, err := m.List(ctx, false, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLogNotifierRateLimit(t *testing.T) {
	n := NewLogNotifier(zerolog.Nop(), 2)
	ctx := context.Background()

	// Burst of two passes, the third is dropped without error.
	for i := 0; i < 3; i++ {
		require.NoError(t, n.Send(ctx, domain.Alert{ID: "alr_x", Message: "m"}))
	}
}
