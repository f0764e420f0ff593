// Package monitor runs the two detection sweeps: schedules that silently
// failed to fire, and catalog entries whose recent executions got slower
// than their baseline. The sweeps are independent periodic loops; a
// storage failure in one cycle is logged and skipped, never propagated to
// the other sweep or the dispatcher.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"medflow/internal/domain"
	"medflow/internal/store"
)

type Alerter interface {
	Raise(ctx context.Context, a domain.Alert) (string, bool, error)
}

type Config struct {
	SweepInterval time.Duration
	GracePeriod   time.Duration

	RecentWindow   time.Duration
	BaselineWindow time.Duration
	MinSamples     int
	// ThresholdFraction 0.5 means "alert when the recent mean exceeds the
	// baseline mean by more than 50%".
	ThresholdFraction float64
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Minute
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 24 * time.Hour
	}
	if c.BaselineWindow <= 0 {
		c.BaselineWindow = 7 * 24 * time.Hour
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.ThresholdFraction <= 0 {
		c.ThresholdFraction = 0.5
	}
	return c
}

type Monitor struct {
	store  store.Store
	alerts Alerter
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
}

func New(st store.Store, alerts Alerter, cfg Config, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:  st,
		alerts: alerts,
		cfg:    cfg.withDefaults(),
		log:    log.With().Str("component", "monitor").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RunMissing drives the missing-execution sweep until ctx is done.
func (m *Monitor) RunMissing(ctx context.Context) {
	m.runLoop(ctx, "missing", m.MissingSweep)
}

// RunPerformance drives the performance sweep until ctx is done.
func (m *Monitor) RunPerformance(ctx context.Context) {
	m.runLoop(ctx, "performance", m.PerformanceSweep)
}

func (m *Monitor) runLoop(ctx context.Context, name string, sweep func(context.Context, time.Time) error) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	m.log.Info().Str("sweep", name).Dur("interval", m.cfg.SweepInterval).Msg("sweep started")
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := sweep(ctx, now); err != nil {
				// Skip this cycle; the next tick gets a fresh try.
				m.log.Error().Err(err).Str("sweep", name).Msg("sweep cycle failed")
			}
		}
	}
}

// MissingSweep alerts on active schedules whose due instant passed more
// than the grace period ago with no execution queued since.
func (m *Monitor) MissingSweep(ctx context.Context, now time.Time) error {
	cutoff := now.UTC().Add(-m.cfg.GracePeriod)
	missed, err := m.store.MissedSchedules(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("missed schedules: %w", err)
	}
	for _, s := range missed {
		details, _ := json.Marshal(map[string]any{
			"next_run_at":  s.NextRunAt,
			"grace_period": m.cfg.GracePeriod.String(),
		})
		_, created, err := m.alerts.Raise(ctx, domain.Alert{
			Type:       domain.AlertMissing,
			Severity:   domain.SeverityHigh,
			ScheduleID: s.ID,
			EntryID:    s.EntryID,
			Message:    fmt.Sprintf("schedule %s (%s) missed its run at %s", s.ID, s.Name, s.NextRunAt.Format(time.RFC3339)),
			Details:    details,
		})
		if err != nil {
			m.log.Error().Err(err).Str("schedule_id", s.ID).Msg("raise missing alert")
			continue
		}
		if created {
			m.log.Warn().Str("schedule_id", s.ID).Msg("missed execution detected")
		}
	}
	return nil
}

// PerformanceSweep compares each active entry's mean success duration in
// the recent window against the preceding baseline window. A mean-ratio
// over fixed windows, deliberately, not a change-point model.
func (m *Monitor) PerformanceSweep(ctx context.Context, now time.Time) error {
	entries, err := m.store.ListEntries(ctx, true)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	now = now.UTC()
	recentFrom := now.Add(-m.cfg.RecentWindow)
	baseFrom := recentFrom.Add(-m.cfg.BaselineWindow)
	for _, e := range entries {
		recentMean, n, err := m.store.SuccessStats(ctx, e.ID, recentFrom, now)
		if err != nil {
			return fmt.Errorf("recent stats for %s: %w", e.ID, err)
		}
		if n < m.cfg.MinSamples {
			continue
		}
		baseMean, bn, err := m.store.SuccessStats(ctx, e.ID, baseFrom, recentFrom)
		if err != nil {
			return fmt.Errorf("baseline stats for %s: %w", e.ID, err)
		}
		if bn == 0 || baseMean <= 0 {
			continue
		}
		if recentMean <= baseMean*(1+m.cfg.ThresholdFraction) {
			continue
		}
		details, _ := json.Marshal(map[string]any{
			"recent_mean_ms":   recentMean,
			"baseline_mean_ms": baseMean,
			"recent_samples":   n,
			"baseline_samples": bn,
		})
		_, created, err := m.alerts.Raise(ctx, domain.Alert{
			Type:     domain.AlertPerformance,
			Severity: domain.SeverityMedium,
			EntryID:  e.ID,
			Message: fmt.Sprintf("entry %s (%s) slowed down: recent mean %.0fms vs baseline %.0fms",
				e.ID, e.Name, recentMean, baseMean),
			Details: details,
		})
		if err != nil {
			m.log.Error().Err(err).Str("entry_id", e.ID).Msg("raise performance alert")
			continue
		}
		if created {
			m.log.Warn().Str("entry_id", e.ID).Float64("recent_ms", recentMean).Float64("baseline_ms", baseMean).Msg("performance regression detected")
		}
	}
	return nil
}
