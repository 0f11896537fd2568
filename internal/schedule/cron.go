package schedule

import (
	"fmt"
	"strings"
	"time"
	// IANA zones must resolve on hosts without a system zoneinfo database.
	_ "time/tzdata"

	cronv3 "github.com/robfig/cron/v3"

	"flowdeck/backend/internal/fault"
)

// DefaultTimezone is used when a workflow has no timezone.
const DefaultTimezone = "UTC"

var parser = cronv3.NewParser(cronv3.SecondOptional | cronv3.Minute | cronv3.Hour | cronv3.Dom | cronv3.Month | cronv3.Dow | cronv3.Descriptor)

// Expression is a parsed cron expression bound to a timezone.
type Expression struct {
	raw      string
	schedule cronv3.Schedule
	location *time.Location
}

// Parse parses expr in timezone. Failures are validation faults.
func Parse(expr, timezone string) (*Expression, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return nil, fault.Validation("cron expression is required",
			fault.FieldError{Field: "cronExpression", Message: "is required"})
	}

	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fault.Validation(fmt.Sprintf("invalid timezone %q", timezone),
				fault.FieldError{Field: "timezone", Message: err.Error()})
		}
		loc = l
	}

	schedule, err := parser.Parse(raw)
	if err != nil {
		return nil, fault.Validation(fmt.Sprintf("invalid cron expression %q", raw),
			fault.FieldError{Field: "cronExpression", Message: err.Error()})
	}
	return &Expression{raw: raw, schedule: schedule, location: loc}, nil
}

func (e *Expression) String() string           { return e.raw }
func (e *Expression) Location() *time.Location { return e.location }

// Next returns the first activation strictly after ref, in UTC. The zero
// time means the expression never fires again.
func (e *Expression) Next(ref time.Time) time.Time {
	next := e.schedule.Next(ref.In(e.location))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

// Nudge moves a whole-second instant forward by one millisecond. Fire times
// that land exactly on a second boundary would otherwise coincide with the
// activation computed from that same boundary.
func Nudge(t time.Time) time.Time {
	if t.Nanosecond() == 0 {
		return t.Add(time.Millisecond)
	}
	return t
}

// NextFireTime parses expr in timezone and returns the nudged next fire
// time after ref.
func NextFireTime(expr, timezone string, ref time.Time) (time.Time, error) {
	e, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	next := e.Next(ref)
	if next.IsZero() {
		return time.Time{}, fault.Validation(fmt.Sprintf("cron expression %q never fires", e.raw),
			fault.FieldError{Field: "cronExpression", Message: "has no upcoming activation"})
	}
	return Nudge(next), nil
}
