// Package alert implements the alert lifecycle: raise with dedupe, notify
// once, resolve once. Delivery beyond the Notifier boundary belongs to an
// external dispatcher.
package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"medflow/internal/domain"
	"medflow/internal/store"
)

// Notifier fans a raised alert out to operators. Fire-and-forget,
// at-least-once: the manager guards the exactly-once side with the
// notified timestamp.
type Notifier interface {
	Send(ctx context.Context, a domain.Alert) error
}

type Manager struct {
	store    store.Store
	notifier Notifier
	log      zerolog.Logger
	now      func() time.Time
}

func NewManager(st store.Store, n Notifier, log zerolog.Logger) *Manager {
	return &Manager{
		store:    st,
		notifier: n,
		log:      log.With().Str("component", "alerts").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Raise creates an alert unless an unresolved alert for the same
// (type, schedule) pair already exists. The storage layer enforces the
// uniqueness, so two concurrent raisers cannot both create. A created
// alert is notified immediately.
func (m *Manager) Raise(ctx context.Context, a domain.Alert) (string, bool, error) {
	id, err := m.store.CreateAlert(ctx, a)
	if errors.Is(err, domain.ErrDuplicateAlert) {
		m.log.Debug().Str("type", string(a.Type)).Str("schedule_id", a.ScheduleID).Msg("alert suppressed, unresolved duplicate")
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	m.log.Warn().
		Str("alert_id", id).
		Str("type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Str("schedule_id", a.ScheduleID).
		Msg(a.Message)
	if err := m.Notify(ctx, id); err != nil {
		m.log.Error().Err(err).Str("alert_id", id).Msg("notify failed")
	}
	return id, true, nil
}

// Notify sends the alert outbound at most once; the notified_at CAS makes
// repeat calls no-ops.
func (m *Manager) Notify(ctx context.Context, id string) error {
	won, err := m.store.MarkAlertNotified(ctx, id, m.now())
	if err != nil {
		return err
	}
	if !won {
		return nil // already notified
	}
	a, err := m.store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if m.notifier == nil {
		return nil
	}
	return m.notifier.Send(ctx, a)
}

func (m *Manager) Resolve(ctx context.Context, id, by, note string) error {
	won, err := m.store.ResolveAlert(ctx, id, by, note, m.now())
	if err != nil {
		return err
	}
	if !won {
		if _, err := m.store.GetAlert(ctx, id); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("alert %s: %w", id, domain.ErrAlreadyResolved)
	}
	m.log.Info().Str("alert_id", id).Str("resolved_by", by).Msg("alert resolved")
	return nil
}

func (m *Manager) List(ctx context.Context, unresolvedOnly bool, limit int) ([]domain.Alert, error) {
	return m.store.ListAlerts(ctx, unresolvedOnly, limit)
}

// LogNotifier writes alerts to the log, rate-limited so an alert storm
// cannot drown the log stream. It stands in for a real delivery channel.
type LogNotifier struct {
	log zerolog.Logger
	lim *rate.Limiter
}

func NewLogNotifier(log zerolog.Logger, perMinute int) *LogNotifier {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &LogNotifier{
		log: log.With().Str("component", "notifier").Logger(),
		lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}
}

func (n *LogNotifier) Send(ctx context.Context, a domain.Alert) error {
	if !n.lim.Allow() {
		n.log.Warn().Str("alert_id", a.ID).Msg("notification rate limit hit, dropped")
		return nil
	}
	n.log.Info().
		Str("alert_id", a.ID).
		Str("type", string(a.Type)).
		Str("severity", string(a.Severity)).
		Str("schedule_id", a.ScheduleID).
		Str("execution_id", a.ExecutionID).
		Msg("ALERT " + a.Message)
	return nil
}
