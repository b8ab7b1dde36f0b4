package loom

import (
	"fmt"
	"strconv"
	"strings"
)

// TriggerType tags the trigger union.
type TriggerType string

const (
	// TriggerManual runs only on explicit user invocation. Never scheduled.
	TriggerManual TriggerType = "manual"
	// TriggerInterval fires periodically ("every": "<N><unit>").
	TriggerInterval TriggerType = "interval"
	// TriggerDaily fires once per day ("at": "HH:MM", 24-hour local time).
	TriggerDaily TriggerType = "daily"
	// TriggerWebhook is event-driven; no schedule.
	TriggerWebhook TriggerType = "webhook"
	// TriggerRSS polls a feed and fires on new items.
	TriggerRSS TriggerType = "rss"
	// TriggerEvent is reserved for integration-specific events.
	TriggerEvent TriggerType = "event"
)

// Trigger is the tagged union of trigger specifications. Only the fields
// required by Type are meaningful; the Scheduler switches exhaustively on
// Type and treats an unknown tag as a programmer error.
type Trigger struct {
	Type TriggerType `json:"type"`
	// Every is the interval spec "<N><unit>", unit ∈ s,m,h,d,w (interval).
	Every string `json:"every,omitempty"`
	// At is the daily fire time "HH:MM" in 24-hour local time (daily).
	At string `json:"at,omitempty"`
	// Secret, when set, requires webhook deliveries to carry a matching
	// HMAC-SHA-256 of the raw body (webhook).
	Secret string `json:"secret,omitempty"`
	// URL is the feed to poll (rss).
	URL string `json:"url,omitempty"`
	// Interval is the poll cadence for rss triggers; defaults to 15m.
	Interval string `json:"interval,omitempty"`
}

// defaultRSSInterval is the poll cadence when an rss trigger omits one.
const defaultRSSInterval = "15m"

// Validate checks the trigger spec for the fields its type requires.
// Returns a *ValidationError describing the first problem found.
func (t Trigger) Validate() error {
	switch t.Type {
	case TriggerManual, TriggerWebhook, TriggerEvent:
		return nil
	case TriggerInterval:
		if t.Every == "" {
			return &ValidationError{Field: "trigger.every", Message: "interval trigger requires an every spec"}
		}
		_, _, err := parseInterval(t.Every)
		return err
	case TriggerDaily:
		if t.At == "" {
			return &ValidationError{Field: "trigger.at", Message: "daily trigger requires an at time"}
		}
		_, _, err := parseDaily(t.At)
		return err
	case TriggerRSS:
		if t.URL == "" {
			return &ValidationError{Field: "trigger.url", Message: "rss trigger requires a feed url"}
		}
		interval := t.Interval
		if interval == "" {
			interval = defaultRSSInterval
		}
		_, _, err := parseInterval(interval)
		return err
	case "":
		return &ValidationError{Field: "trigger.type", Message: "missing trigger type"}
	default:
		return &ValidationError{Field: "trigger.type", Message: fmt.Sprintf("unknown trigger type %q", t.Type)}
	}
}

// Scheduled reports whether this trigger type is driven by the cron layer.
// Manual and webhook triggers never are; rss triggers are scheduled through
// the poller rather than straight into the executor.
func (t Trigger) Scheduled() bool {
	return t.Type == TriggerInterval || t.Type == TriggerDaily
}

// CronSpec converts the trigger into a standard 5-field cron expression.
// Only interval and daily triggers convert; for rss triggers use
// PollCronSpec. The underlying cron layer has 1-minute resolution, so
// sub-minute intervals are coerced to 1 minute.
func (t Trigger) CronSpec() (string, error) {
	switch t.Type {
	case TriggerInterval:
		n, unit, err := parseInterval(t.Every)
		if err != nil {
			return "", err
		}
		return intervalCron(n, unit), nil
	case TriggerDaily:
		hour, minute, err := parseDaily(t.At)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	default:
		return "", &ValidationError{Field: "trigger.type", Message: fmt.Sprintf("trigger type %q has no cron form", t.Type)}
	}
}

// PollCronSpec converts an rss trigger's poll interval into a cron
// expression.
func (t Trigger) PollCronSpec() (string, error) {
	if t.Type != TriggerRSS {
		return "", &ValidationError{Field: "trigger.type", Message: fmt.Sprintf("trigger type %q is not rss", t.Type)}
	}
	interval := t.Interval
	if interval == "" {
		interval = defaultRSSInterval
	}
	n, unit, err := parseInterval(interval)
	if err != nil {
		return "", err
	}
	return intervalCron(n, unit), nil
}

// intervalCron renders a parsed interval as a 5-field cron expression.
// Weekly intervals fire on a fixed day (Monday at midnight); multi-week
// spacing is not expressible in cron, so Nw collapses to weekly.
func intervalCron(n int, unit byte) string {
	switch unit {
	case 's':
		// 1-minute cron resolution: sub-minute coerces to every minute.
		return "*/1 * * * *"
	case 'm':
		return fmt.Sprintf("*/%d * * * *", n)
	case 'h':
		return fmt.Sprintf("0 */%d * * *", n)
	case 'd':
		return fmt.Sprintf("0 0 */%d * *", n)
	default: // 'w'
		return "0 0 * * 1"
	}
}

// intervalMax caps the count per unit. A count that reaches the next unit up
// must use that unit instead (60m is rejected in favour of 1h).
var intervalMax = map[byte]int{'s': 60, 'm': 60, 'h': 24, 'd': 31, 'w': 52}

// parseInterval parses "<N><unit>" with unit ∈ s,m,h,d,w.
func parseInterval(spec string) (int, byte, error) {
	if len(spec) < 2 {
		return 0, 0, &ValidationError{Field: "trigger.every", Message: fmt.Sprintf("invalid interval %q", spec)}
	}
	unit := spec[len(spec)-1]
	if _, ok := intervalMax[unit]; !ok {
		return 0, 0, &ValidationError{Field: "trigger.every", Message: fmt.Sprintf("invalid interval unit in %q (want s, m, h, d, or w)", spec)}
	}
	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil || n < 1 {
		return 0, 0, &ValidationError{Field: "trigger.every", Message: fmt.Sprintf("invalid interval count in %q", spec)}
	}
	if n >= intervalMax[unit] {
		return 0, 0, &ValidationError{
			Field:   "trigger.every",
			Message: fmt.Sprintf("interval %q too large for its unit — use the next unit up", spec),
		}
	}
	return n, unit, nil
}

// parseDaily parses "HH:MM" in 24-hour time. The minute must be two digits:
// "9:00" is accepted, "9:5" is not.
func parseDaily(at string) (hour, minute int, err error) {
	bad := func() (int, int, error) {
		return 0, 0, &ValidationError{Field: "trigger.at", Message: fmt.Sprintf("invalid time %q (want HH:MM, 24-hour)", at)}
	}
	h, m, ok := strings.Cut(at, ":")
	if !ok || len(h) < 1 || len(h) > 2 || len(m) != 2 {
		return bad()
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return bad()
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return bad()
	}
	return hour, minute, nil
}
