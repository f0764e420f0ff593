package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"medflow/internal/domain"
)

const executionCols = `id,schedule_id,entry_id,params,status,retry_count,queued_at,started_at,completed_at,duration_ms,next_attempt_at,result,error,worker_id,queue`

func (r *sqliteStore) CreateExecution(ctx context.Context, e domain.Execution) (string, error) {
	id := e.ID
	if id == "" {
		id = "exe_" + uuid.NewString()
	}
	if e.Status == "" {
		e.Status = domain.ExecPending
	}
	if e.Queue == "" {
		e.Queue = "default"
	}
	if e.QueuedAt.IsZero() {
		e.QueuedAt = time.Now().UTC()
	}
	var schedID any
	if e.ScheduleID != "" {
		schedID = e.ScheduleID
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO executions (`+executionCols+`)
VALUES (?,?,?,?,?,?,?,NULL,NULL,0,NULL,NULL,'',?,?)
`, id, schedID, e.EntryID, []byte(e.Params), e.Status, e.RetryCount, e.QueuedAt.UTC(), e.WorkerID, e.Queue)
	return id, err
}

func (r *sqliteStore) GetExecution(ctx context.Context, id string) (domain.Execution, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id=?`, id)
	return scanExecution(row)
}

func (r *sqliteStore) ListRecentExecutions(ctx context.Context, limit int) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+executionCols+` FROM executions ORDER BY queued_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (r *sqliteStore) MarkExecutionRunning(ctx context.Context, id, workerID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET status='running', started_at=?, worker_id=?
WHERE id=? AND status='pending'`, at.UTC(), workerID, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishExecution moves a running execution to a terminal status. The guard
// on status='running' makes concurrent completion attempts resolve to a
// single winner.
func (r *sqliteStore) FinishExecution(ctx context.Context, id string, to domain.ExecutionStatus, completedAt time.Time, durationMS int64, result []byte, errText string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET status=?, completed_at=?, duration_ms=?, result=?, error=?
WHERE id=? AND status='running'`, to, completedAt.UTC(), durationMS, result, errText, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeferExecutionRetry re-opens a failed execution as retrying with a future
// attempt instant. Retry re-enqueue is deferred to the dispatcher tick; no
// goroutine sleeps on the backoff.
func (r *sqliteStore) DeferExecutionRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET status='retrying', retry_count=?, next_attempt_at=?, completed_at=NULL, started_at=NULL, duration_ms=0
WHERE id=? AND status='failed'`, retryCount, nextAttempt.UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteStore) CancelExecution(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET status='cancelled', completed_at=?, next_attempt_at=NULL
WHERE id=? AND status IN ('pending','running','retrying')`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ClaimRetry flips a due retrying execution back to pending. Losing this
// CAS means the execution was cancelled (or claimed) in the meantime.
func (r *sqliteStore) ClaimRetry(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE executions SET status='pending', queued_at=?, next_attempt_at=NULL
WHERE id=? AND status='retrying' AND next_attempt_at <= ?`, now.UTC(), id, now.UTC())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteStore) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+executionCols+` FROM executions
WHERE status='retrying' AND next_attempt_at <= ?
ORDER BY next_attempt_at ASC LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (r *sqliteStore) RunningExecutions(ctx context.Context) ([]domain.Execution, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+executionCols+` FROM executions WHERE status='running'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectExecutions(rows)
}

func (r *sqliteStore) SuccessStats(ctx context.Context, entryID string, from, to time.Time) (float64, int, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT COALESCE(AVG(duration_ms),0), COUNT(*) FROM executions
WHERE entry_id=? AND status='success' AND completed_at >= ? AND completed_at < ?`,
		entryID, from.UTC(), to.UTC())
	var mean float64
	var n int
	if err := row.Scan(&mean, &n); err != nil {
		return 0, 0, err
	}
	return mean, n, nil
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var schedID sql.NullString
	var started, completed, nextAttempt sql.NullTime
	var params, result []byte
	err := row.Scan(&e.ID, &schedID, &e.EntryID, &params, &e.Status, &e.RetryCount,
		&e.QueuedAt, &started, &completed, &e.DurationMS, &nextAttempt,
		&result, &e.Error, &e.WorkerID, &e.Queue)
	if err == sql.ErrNoRows {
		return domain.Execution{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Execution{}, err
	}
	e.ScheduleID = schedID.String
	e.Params = params
	e.Result = result
	if started.Valid {
		t := started.Time
		e.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		e.CompletedAt = &t
	}
	if nextAttempt.Valid {
		t := nextAttempt.Time
		e.NextAttemptAt = &t
	}
	return e, nil
}

func collectExecutions(rows *sql.Rows) ([]domain.Execution, error) {
	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
