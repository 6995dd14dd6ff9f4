package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus the usual @daily
// style descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// zoneSuffixRe matches a trailing Z or ±hh:mm offset on a timestamp.
var zoneSuffixRe = regexp.MustCompile(`(Z|[+-]\d{2}:?\d{2})$`)

// onceLayouts are the accepted local timestamp shapes for one-shot tasks.
var onceLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ValidateValue checks a schedule value for its kind. The returned error
// messages are surfaced verbatim in tool responses.
func ValidateValue(kind, value string) error {
	switch kind {
	case KindCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression %q: %v", value, err)
		}
	case KindInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return fmt.Errorf("interval must be a positive integer of milliseconds, got %q", value)
		}
	case KindOnce:
		if _, err := parseOnce(value, time.Local); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", kind)
	}
	return nil
}

// NextFire computes the next absolute firing instant for a schedule value,
// interpreted in loc. For "once" the result may be in the past; the caller
// decides whether that completes the task without firing.
func NextFire(kind, value string, now time.Time, loc *time.Location) (time.Time, error) {
	switch kind {
	case KindCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %v", value, err)
		}
		return sched.Next(now.In(loc)), nil
	case KindInterval:
		ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}, fmt.Errorf("interval must be a positive integer of milliseconds, got %q", value)
		}
		return now.Add(time.Duration(ms) * time.Millisecond), nil
	case KindOnce:
		return parseOnce(value, loc)
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
}

// parseOnce parses a local timestamp for a one-shot task. Zone suffixes are
// rejected: the host's configured zone is authoritative.
func parseOnce(value string, loc *time.Location) (time.Time, error) {
	v := strings.TrimSpace(value)
	if zoneSuffixRe.MatchString(v) {
		return time.Time{}, fmt.Errorf("one-shot time %q must be a local timestamp without timezone suffix", value)
	}
	for _, layout := range onceLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized one-shot time %q (want e.g. 2026-02-01T15:30:00, without timezone suffix)", value)
}
