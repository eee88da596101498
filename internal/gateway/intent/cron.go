package intent

import (
	"fmt"
	"time"
	// Zone lookups must work on hosts without system zoneinfo.
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// ValidationError is a rejected create/update with a stable code.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation codes.
const (
	CodeIntentExists      = "intent_id_already_exists"
	CodeInvalidCron       = "invalid_cron"
	CodeInvalidTimeZone   = "invalid_time_zone"
	CodeInvalidSchedule   = "invalid_schedule"
	CodePerSessionLimit   = "max_active_intents_per_session"
	CodeGlobalLimit       = "max_active_intents_global"
	CodeIntentNotFound    = "intent_not_found"
	CodeIntentNotEditable = "intent_not_editable"
)

// parseCron validates a cron expression with an optional IANA zone and
// returns its schedule.
func parseCron(expr, timeZone string) (cron.Schedule, error) {
	if timeZone != "" {
		if expr == "" {
			return nil, &ValidationError{Code: CodeInvalidTimeZone, Message: "time_zone requires cron"}
		}
		if _, err := time.LoadLocation(timeZone); err != nil {
			return nil, &ValidationError{Code: CodeInvalidTimeZone, Message: fmt.Sprintf("unknown time zone %q", timeZone)}
		}
		expr = "CRON_TZ=" + timeZone + " " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, &ValidationError{Code: CodeInvalidCron, Message: err.Error()}
	}
	return sched, nil
}

// nextRun computes the intent's next fire time from a reference point.
// Cron-derived times are floored to minInterval ahead of the reference;
// a fixed run_at passes through untouched.
func nextRun(in *Intent, from time.Time, minInterval time.Duration) (*time.Time, error) {
	switch {
	case in.Cron != "":
		sched, err := parseCron(in.Cron, in.TimeZone)
		if err != nil {
			return nil, err
		}
		next := sched.Next(from)
		if next.IsZero() {
			return nil, &ValidationError{Code: CodeInvalidCron, Message: "cron yields no future run"}
		}
		if floor := from.Add(minInterval); next.Before(floor) {
			next = floor
		}
		next = next.UTC()
		return &next, nil
	case in.RunAt != nil:
		t := in.RunAt.UTC()
		return &t, nil
	default:
		return nil, &ValidationError{Code: CodeInvalidSchedule, Message: "intent needs run_at or cron"}
	}
}
