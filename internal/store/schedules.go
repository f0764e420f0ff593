package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"medflow/internal/domain"
)

const scheduleCols = `id,entry_id,name,kind,spec,status,priority,window_start,window_end,params,max_retries,base_delay_secs,last_run_at,next_run_at,total_run_count,success_count,failure_count,created_at,updated_at`

// utcPtr binds an optional instant as UTC so stored timestamps compare
// lexically regardless of the caller's location.
func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (r *sqliteStore) CreateSchedule(ctx context.Context, s domain.Schedule) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	if s.Priority == 0 {
		s.Priority = 5
	}
	if s.Status == "" {
		s.Status = domain.ScheduleActive
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO schedules (`+scheduleCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,0,0,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.EntryID, s.Name, s.Kind, s.Spec, s.Status, s.Priority,
		utcPtr(s.WindowStart), utcPtr(s.WindowEnd), []byte(s.Params), s.MaxRetries,
		int(s.BaseDelay.Seconds()), utcPtr(s.LastRunAt), utcPtr(s.NextRunAt))
	return id, err
}

func (r *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	return scanSchedule(row)
}

func (r *sqliteStore) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteStore) SetScheduleStatus(ctx context.Context, id string, status domain.ScheduleStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteStore) SetScheduleNextRun(ctx context.Context, id string, next *time.Time, status domain.ScheduleStatus) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET next_run_at=?, status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, utcPtr(next), status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *sqliteStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules
WHERE status='active' AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY priority ASC, next_run_at ASC
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ClaimSchedule is the compare-and-swap that grants exactly one dispatcher
// the right to dispatch a due fire: the update only matches while
// next_run_at still equals the value the caller observed.
func (r *sqliteStore) ClaimSchedule(ctx context.Context, id string, observed time.Time, lastRun time.Time, next *time.Time, status domain.ScheduleStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules
SET last_run_at=?, next_run_at=?, status=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='active' AND next_run_at=?`,
		lastRun.UTC(), utcPtr(next), status, id, observed.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteStore) BumpScheduleCounters(ctx context.Context, id string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules
SET total_run_count = total_run_count + 1, `+col+` = `+col+` + 1, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, id)
	return err
}

// MissedSchedules returns active schedules whose next_run_at is older than
// cutoff with no execution queued since that instant.
func (r *sqliteStore) MissedSchedules(ctx context.Context, cutoff time.Time) ([]domain.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules s
WHERE s.status='active' AND s.next_run_at IS NOT NULL AND s.next_run_at < ?
  AND NOT EXISTS (
    SELECT 1 FROM executions e WHERE e.schedule_id = s.id AND e.queued_at >= s.next_run_at
  )`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var winStart, winEnd, lastRun, nextRun sql.NullTime
	var params []byte
	var baseSecs int
	err := row.Scan(&s.ID, &s.EntryID, &s.Name, &s.Kind, &s.Spec, &s.Status, &s.Priority,
		&winStart, &winEnd, &params, &s.MaxRetries, &baseSecs,
		&lastRun, &nextRun, &s.TotalRuns, &s.Successes, &s.Failures, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Schedule{}, err
	}
	s.Params = params
	s.BaseDelay = time.Duration(baseSecs) * time.Second
	if winStart.Valid {
		t := winStart.Time
		s.WindowStart = &t
	}
	if winEnd.Valid {
		t := winEnd.Time
		s.WindowEnd = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		s.NextRunAt = &t
	}
	return s, nil
}

func collectSchedules(rows *sql.Rows) ([]domain.Schedule, error) {
	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
