package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field expressions plus @descriptors. DST handling follows
// the IANA zone rules: skipped nominal times do not fire, duplicated
// ones fire once.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is the parsed firing rule for a job. Exactly one kind is set.
type Schedule struct {
	Kind string `json:"kind"` // at, every, cron

	// At fires once at a fixed instant.
	At time.Time `json:"at,omitempty"`

	// Every fires on a fixed period, phase-locked to Anchor when set.
	Every  time.Duration `json:"every,omitempty"`
	Anchor time.Time     `json:"anchor,omitempty"`

	// CronExpr fires per a 5-field expression in Timezone.
	CronExpr string `json:"cron,omitempty"`
	Timezone string `json:"tz,omitempty"`
}

// At builds a one-shot schedule.
func At(ts time.Time) Schedule {
	return Schedule{Kind: "at", At: ts}
}

// Every builds a periodic schedule. A non-zero anchor phase-locks the
// firing times to anchor + n*period.
func Every(period time.Duration, anchor time.Time) Schedule {
	return Schedule{Kind: "every", Every: period, Anchor: anchor}
}

// Cron builds a cron-expression schedule in the given IANA timezone
// (empty means local time). The expression is validated.
func Cron(expr, tz string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if _, err := cronParser.Parse(expr); err != nil {
		return Schedule{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return Schedule{}, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}
	return Schedule{Kind: "cron", CronExpr: expr, Timezone: tz}, nil
}

// Validate checks the schedule is well formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case "at":
		if s.At.IsZero() {
			return fmt.Errorf("at schedule missing timestamp")
		}
	case "every":
		if s.Every <= 0 {
			return fmt.Errorf("every schedule needs a positive period")
		}
	case "cron":
		if _, err := cronParser.Parse(s.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the first fire time strictly after now, or ok=false when
// the schedule has no future firings.
func (s Schedule) Next(now time.Time) (time.Time, bool) {
	switch s.Kind {
	case "at":
		if s.At.After(now) {
			return s.At, true
		}
		return time.Time{}, false

	case "every":
		if s.Every <= 0 {
			return time.Time{}, false
		}
		if s.Anchor.IsZero() || s.Anchor.After(now) {
			if s.Anchor.After(now) {
				return s.Anchor, true
			}
			return now.Add(s.Every), true
		}
		elapsed := now.Sub(s.Anchor)
		periods := elapsed/s.Every + 1
		return s.Anchor.Add(periods * s.Every), true

	case "cron":
		schedule, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		loc := now.Location()
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		next := schedule.Next(now.In(loc))
		return next, !next.IsZero()
	}
	return time.Time{}, false
}
