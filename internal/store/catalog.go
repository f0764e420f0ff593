package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"medflow/internal/domain"
)

func (r *sqliteStore) CreateEntry(ctx context.Context, e domain.CatalogEntry) (string, error) {
	id := e.ID
	if id == "" {
		id = "cat_" + uuid.NewString()
	}
	if e.Queue == "" {
		e.Queue = "default"
	}
	var spec []byte
	if e.ParamsSpec != nil {
		spec, _ = json.Marshal(e.ParamsSpec)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO catalog_entries (id,name,executable_ref,default_params,params_spec,queue,active,max_duration_secs,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, e.Name, e.ExecutableRef, []byte(e.DefaultParams), spec, e.Queue, e.Active, int(e.MaxDuration.Seconds()))
	if isUniqueViolation(err) {
		return "", fmt.Errorf("entry %q: %w", e.Name, domain.ErrDuplicateName)
	}
	return id, err
}

func (r *sqliteStore) GetEntry(ctx context.Context, id string) (domain.CatalogEntry, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id,name,executable_ref,default_params,params_spec,queue,active,max_duration_secs,created_at,updated_at
FROM catalog_entries WHERE id=?`, id)
	return scanEntry(row)
}

func (r *sqliteStore) ListEntries(ctx context.Context, activeOnly bool) ([]domain.CatalogEntry, error) {
	q := `SELECT id,name,executable_ref,default_params,params_spec,queue,active,max_duration_secs,created_at,updated_at
FROM catalog_entries`
	if activeOnly {
		q += ` WHERE active=1`
	}
	q += ` ORDER BY name`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.CatalogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *sqliteStore) SetEntryActive(ctx context.Context, id string, active bool) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE catalog_entries SET active=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanEntry(row rowScanner) (domain.CatalogEntry, error) {
	var e domain.CatalogEntry
	var defaults, spec []byte
	var maxSecs int
	err := row.Scan(&e.ID, &e.Name, &e.ExecutableRef, &defaults, &spec, &e.Queue, &e.Active, &maxSecs, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.CatalogEntry{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.CatalogEntry{}, err
	}
	e.DefaultParams = defaults
	if len(spec) > 0 {
		_ = json.Unmarshal(spec, &e.ParamsSpec)
	}
	e.MaxDuration = time.Duration(maxSecs) * time.Second
	return e, nil
}
