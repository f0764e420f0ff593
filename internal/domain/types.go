package domain

import (
	"encoding/json"
	"time"
)

type ScheduleKind string

const (
	KindOnce     ScheduleKind = "once"
	KindInterval ScheduleKind = "interval"
	KindCron     ScheduleKind = "cron"
	KindDaily    ScheduleKind = "daily"
	KindWeekly   ScheduleKind = "weekly"
	KindMonthly  ScheduleKind = "monthly"
)

type ScheduleStatus string

const (
	ScheduleActive   ScheduleStatus = "active"
	SchedulePaused   ScheduleStatus = "paused"
	ScheduleExpired  ScheduleStatus = "expired"
	ScheduleDisabled ScheduleStatus = "disabled"
)

type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecSuccess   ExecutionStatus = "success"
	ExecFailed    ExecutionStatus = "failed"
	ExecRetrying  ExecutionStatus = "retrying"
	ExecCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecSuccess || s == ExecFailed || s == ExecCancelled
}

type AlertType string

const (
	AlertFailure     AlertType = "failure"
	AlertTimeout     AlertType = "timeout"
	AlertThreshold   AlertType = "threshold"
	AlertMissing     AlertType = "missing"
	AlertPerformance AlertType = "performance"
)

type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// ParamType is the set of value types a catalog entry may declare for a
// parameter key. Overrides are checked against these at schedule creation.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "bool"
)

// CatalogEntry is the registered definition of a runnable job. The
// executable reference is opaque to the engine; the worker pool resolves it.
type CatalogEntry struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	ExecutableRef string               `json:"executable_ref"`
	DefaultParams json.RawMessage      `json:"default_params,omitempty"`
	ParamsSpec    map[string]ParamType `json:"params_spec,omitempty"`
	Queue         string               `json:"queue"`
	Active        bool                 `json:"active"`
	MaxDuration   time.Duration        `json:"max_duration"` // 0 = no watchdog
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Schedule describes when a catalog entry should next run. NextRunAt is
// nil when the schedule can never fire again.
type Schedule struct {
	ID          string          `json:"id"`
	EntryID     string          `json:"entry_id"`
	Name        string          `json:"name"`
	Kind        ScheduleKind    `json:"kind"`
	Spec        string          `json:"spec"`
	Status      ScheduleStatus  `json:"status"`
	Priority    int             `json:"priority"` // lower = more urgent
	WindowStart *time.Time      `json:"window_start,omitempty"`
	WindowEnd   *time.Time      `json:"window_end,omitempty"`
	Params      json.RawMessage `json:"params,omitempty"`
	MaxRetries  int             `json:"max_retries"`
	BaseDelay   time.Duration   `json:"base_delay"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	TotalRuns   int             `json:"total_run_count"`
	Successes   int             `json:"success_count"`
	Failures    int             `json:"failure_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Execution is one concrete run attempt. ScheduleID is empty for manual
// triggers.
type Execution struct {
	ID            string          `json:"id"`
	ScheduleID    string          `json:"schedule_id,omitempty"`
	EntryID       string          `json:"entry_id"`
	Params        json.RawMessage `json:"params,omitempty"`
	Status        ExecutionStatus `json:"status"`
	RetryCount    int             `json:"retry_count"`
	QueuedAt      time.Time       `json:"queued_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMS    int64           `json:"duration_ms"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	WorkerID      string          `json:"worker_id,omitempty"`
	Queue         string          `json:"queue"`
}

type Alert struct {
	ID          string          `json:"id"`
	Type        AlertType       `json:"type"`
	Severity    AlertSeverity   `json:"severity"`
	ScheduleID  string          `json:"schedule_id,omitempty"`
	EntryID     string          `json:"entry_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Message     string          `json:"message"`
	Details     json.RawMessage `json:"details,omitempty"`
	Resolved    bool            `json:"resolved"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	Resolution  string          `json:"resolution,omitempty"`
	NotifiedAt  *time.Time      `json:"notified_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
