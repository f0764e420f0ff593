// Package schedule implements the next-run-time algorithm for the four
// schedule kinds. Specs are validated once at creation; NextRun assumes a
// validated spec and only fails on programming errors.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"medflow/internal/domain"
)

var weekdays = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// Validate checks a (kind, spec) pair at schedule creation time.
// Per-kind spec syntax:
//
//	once     RFC3339 instant
//	interval Go duration, positive ("30m", "1h")
//	cron     5-field expression, standard dom/dow semantics
//	daily    "HH:MM"
//	weekly   "Mon HH:MM"
//	monthly  "DD HH:MM" (DD 1..28 so every month qualifies)
func Validate(kind domain.ScheduleKind, spec string) error {
	switch kind {
	case domain.KindOnce:
		if _, err := time.Parse(time.RFC3339, spec); err != nil {
			return fmt.Errorf("%w: once spec %q: %v", domain.ErrInvalidSchedule, spec, err)
		}
	case domain.KindInterval:
		d, err := time.ParseDuration(spec)
		if err != nil {
			return fmt.Errorf("%w: interval spec %q: %v", domain.ErrInvalidSchedule, spec, err)
		}
		if d <= 0 {
			return fmt.Errorf("%w: interval must be positive, got %q", domain.ErrInvalidSchedule, spec)
		}
	case domain.KindCron, domain.KindDaily, domain.KindWeekly, domain.KindMonthly:
		expr, err := desugar(kind, spec)
		if err != nil {
			return err
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("%w: cron spec %q: %v", domain.ErrInvalidSchedule, spec, err)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidSchedule, kind)
	}
	return nil
}

// NextRun computes the next fire instant, or nil if the schedule can never
// fire again (spent one-off, or past the active window).
func NextRun(s domain.Schedule, now time.Time) (*time.Time, error) {
	from := now
	if s.WindowStart != nil && s.WindowStart.After(from) {
		from = *s.WindowStart
	}

	var next time.Time
	switch s.Kind {
	case domain.KindOnce:
		if s.LastRunAt != nil {
			return nil, nil
		}
		at, err := time.Parse(time.RFC3339, s.Spec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
		}
		next = at
	case domain.KindInterval:
		ivl, err := time.ParseDuration(s.Spec)
		if err != nil || ivl <= 0 {
			return nil, fmt.Errorf("%w: interval %q", domain.ErrInvalidSchedule, s.Spec)
		}
		if s.LastRunAt != nil {
			next = s.LastRunAt.Add(ivl)
			// Roll forward past any missed fires so the result stays
			// strictly in the future instead of burst-firing a backlog.
			if !next.After(now) {
				missed := now.Sub(next)/ivl + 1
				next = next.Add(missed * ivl)
			}
		} else {
			next = from.Add(ivl)
		}
	case domain.KindCron, domain.KindDaily, domain.KindWeekly, domain.KindMonthly:
		expr, err := desugar(s.Kind, s.Spec)
		if err != nil {
			return nil, err
		}
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSchedule, err)
		}
		next = sched.Next(from)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidSchedule, s.Kind)
	}

	if s.WindowEnd != nil && next.After(*s.WindowEnd) {
		return nil, nil
	}
	return &next, nil
}

// desugar rewrites the daily/weekly/monthly shortcuts as fixed 5-field cron
// patterns; cron specs pass through untouched.
func desugar(kind domain.ScheduleKind, spec string) (string, error) {
	switch kind {
	case domain.KindCron:
		return spec, nil
	case domain.KindDaily:
		h, m, err := parseHHMM(spec)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil
	case domain.KindWeekly:
		day, rest, ok := strings.Cut(spec, " ")
		if !ok {
			return "", fmt.Errorf("%w: weekly spec %q, want \"Mon HH:MM\"", domain.ErrInvalidSchedule, spec)
		}
		wd, ok := weekdays[strings.ToLower(day)]
		if !ok {
			return "", fmt.Errorf("%w: unknown weekday %q", domain.ErrInvalidSchedule, day)
		}
		h, m, err := parseHHMM(rest)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * %d", m, h, wd), nil
	case domain.KindMonthly:
		dayStr, rest, ok := strings.Cut(spec, " ")
		if !ok {
			return "", fmt.Errorf("%w: monthly spec %q, want \"DD HH:MM\"", domain.ErrInvalidSchedule, spec)
		}
		day, err := strconv.Atoi(dayStr)
		if err != nil || day < 1 || day > 28 {
			return "", fmt.Errorf("%w: monthly day %q, want 1..28", domain.ErrInvalidSchedule, dayStr)
		}
		h, m, err := parseHHMM(rest)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d %d * *", m, h, day), nil
	}
	return "", fmt.Errorf("%w: kind %q has no cron form", domain.ErrInvalidSchedule, kind)
}

func parseHHMM(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time %q, want HH:MM", domain.ErrInvalidSchedule, s)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: hour %q", domain.ErrInvalidSchedule, hs)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%w: minute %q", domain.ErrInvalidSchedule, ms)
	}
	return h, m, nil
}
