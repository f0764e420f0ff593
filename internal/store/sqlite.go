package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"medflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS catalog_entries (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  executable_ref TEXT NOT NULL,
  default_params BLOB,
  params_spec BLOB,
  queue TEXT NOT NULL DEFAULT 'default',
  active INTEGER NOT NULL DEFAULT 1,
  max_duration_secs INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  entry_id TEXT NOT NULL,
  name TEXT NOT NULL,
  kind TEXT NOT NULL CHECK(kind IN ('once','interval','cron','daily','weekly','monthly')),
  spec TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','paused','expired','disabled')) DEFAULT 'active',
  priority INTEGER NOT NULL DEFAULT 5,
  window_start DATETIME,
  window_end DATETIME,
  params BLOB,
  max_retries INTEGER NOT NULL DEFAULT 3,
  base_delay_secs INTEGER NOT NULL DEFAULT 1,
  last_run_at DATETIME,
  next_run_at DATETIME,
  total_run_count INTEGER NOT NULL DEFAULT 0,
  success_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(entry_id) REFERENCES catalog_entries(id)
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, next_run_at, priority);
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  schedule_id TEXT,
  entry_id TEXT NOT NULL,
  params BLOB,
  status TEXT NOT NULL CHECK(status IN ('pending','running','success','failed','retrying','cancelled')) DEFAULT 'pending',
  retry_count INTEGER NOT NULL DEFAULT 0,
  queued_at DATETIME NOT NULL,
  started_at DATETIME,
  completed_at DATETIME,
  duration_ms INTEGER NOT NULL DEFAULT 0,
  next_attempt_at DATETIME,
  result BLOB,
  error TEXT NOT NULL DEFAULT '',
  worker_id TEXT NOT NULL DEFAULT '',
  queue TEXT NOT NULL DEFAULT 'default',
  FOREIGN KEY(entry_id) REFERENCES catalog_entries(id)
);
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, queued_at);
CREATE INDEX IF NOT EXISTS idx_executions_retry ON executions(status, next_attempt_at);
CREATE TABLE IF NOT EXISTS alerts (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL CHECK(type IN ('failure','timeout','threshold','missing','performance')),
  severity TEXT NOT NULL CHECK(severity IN ('low','medium','high','critical')),
  schedule_id TEXT NOT NULL DEFAULT '',
  entry_id TEXT NOT NULL DEFAULT '',
  execution_id TEXT NOT NULL DEFAULT '',
  message TEXT NOT NULL,
  details BLOB,
  resolved INTEGER NOT NULL DEFAULT 0,
  resolved_at DATETIME,
  resolved_by TEXT NOT NULL DEFAULT '',
  resolution TEXT NOT NULL DEFAULT '',
  notified_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open ON alerts(type, schedule_id, entry_id) WHERE resolved=0;
`
	_, err := db.Exec(schema)
	return err
}

// Store is the persistence boundary for the scheduling core. Claim-style
// methods return false (not an error) when the guarded update matched no
// row, so callers can distinguish lost races from storage failures.
type Store interface {
	// Catalog
	CreateEntry(ctx context.Context, e domain.CatalogEntry) (string, error)
	GetEntry(ctx context.Context, id string) (domain.CatalogEntry, error)
	ListEntries(ctx context.Context, activeOnly bool) ([]domain.CatalogEntry, error)
	SetEntryActive(ctx context.Context, id string, active bool) error

	// Schedules
	CreateSchedule(ctx context.Context, s domain.Schedule) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.Schedule, error)
	ListSchedules(ctx context.Context) ([]domain.Schedule, error)
	SetScheduleStatus(ctx context.Context, id string, status domain.ScheduleStatus) error
	SetScheduleNextRun(ctx context.Context, id string, next *time.Time, status domain.ScheduleStatus) error
	DeleteSchedule(ctx context.Context, id string) error
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error)
	ClaimSchedule(ctx context.Context, id string, observed time.Time, lastRun time.Time, next *time.Time, status domain.ScheduleStatus) (bool, error)
	BumpScheduleCounters(ctx context.Context, id string, success bool) error
	MissedSchedules(ctx context.Context, cutoff time.Time) ([]domain.Schedule, error)

	// Executions
	CreateExecution(ctx context.Context, e domain.Execution) (string, error)
	GetExecution(ctx context.Context, id string) (domain.Execution, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]domain.Execution, error)
	MarkExecutionRunning(ctx context.Context, id, workerID string, at time.Time) (bool, error)
	FinishExecution(ctx context.Context, id string, to domain.ExecutionStatus, completedAt time.Time, durationMS int64, result []byte, errText string) (bool, error)
	DeferExecutionRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time) (bool, error)
	CancelExecution(ctx context.Context, id string, at time.Time) (bool, error)
	ClaimRetry(ctx context.Context, id string, now time.Time) (bool, error)
	DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error)
	RunningExecutions(ctx context.Context) ([]domain.Execution, error)
	SuccessStats(ctx context.Context, entryID string, from, to time.Time) (meanMS float64, n int, err error)

	// Alerts
	CreateAlert(ctx context.Context, a domain.Alert) (string, error)
	GetAlert(ctx context.Context, id string) (domain.Alert, error)
	ListAlerts(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.Alert, error)
	MarkAlertNotified(ctx context.Context, id string, at time.Time) (bool, error)
	ResolveAlert(ctx context.Context, id, by, note string, at time.Time) (bool, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
