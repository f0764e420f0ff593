package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"medflow/internal/domain"
)

const alertCols = `id,type,severity,schedule_id,entry_id,execution_id,message,details,resolved,resolved_at,resolved_by,resolution,notified_at,created_at`

// CreateAlert inserts a new alert. The partial unique index on
// (type, schedule_id) WHERE resolved=0 rejects a second unresolved alert
// for the same pair, which makes check-then-create race-safe.
func (r *sqliteStore) CreateAlert(ctx context.Context, a domain.Alert) (string, error) {
	id := a.ID
	if id == "" {
		id = "alr_" + uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO alerts (id,type,severity,schedule_id,entry_id,execution_id,message,details,resolved,created_at)
VALUES (?,?,?,?,?,?,?,?,0,CURRENT_TIMESTAMP)
`, id, a.Type, a.Severity, a.ScheduleID, a.EntryID, a.ExecutionID, a.Message, []byte(a.Details))
	if isUniqueViolation(err) {
		return "", domain.ErrDuplicateAlert
	}
	return id, err
}

func (r *sqliteStore) GetAlert(ctx context.Context, id string) (domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id=?`, id)
	return scanAlert(row)
}

func (r *sqliteStore) ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.Alert, error) {
	q := `SELECT ` + alertCols + ` FROM alerts`
	if unresolvedOnly {
		q += ` WHERE resolved=0`
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAlertNotified sets the notified timestamp once; a second call matches
// no row, which is how notification stays idempotent.
func (r *sqliteStore) MarkAlertNotified(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts SET notified_at=? WHERE id=? AND notified_at IS NULL`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *sqliteStore) ResolveAlert(ctx context.Context, id, by, note string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts SET resolved=1, resolved_at=?, resolved_by=?, resolution=?
WHERE id=? AND resolved=0`, at.UTC(), by, note, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func scanAlert(row rowScanner) (domain.Alert, error) {
	var a domain.Alert
	var details []byte
	var resolvedAt, notifiedAt sql.NullTime
	err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.ScheduleID, &a.EntryID, &a.ExecutionID,
		&a.Message, &details, &a.Resolved, &resolvedAt, &a.ResolvedBy, &a.Resolution,
		&notifiedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Alert{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Alert{}, err
	}
	a.Details = details
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		a.NotifiedAt = &t
	}
	return a, nil
}
