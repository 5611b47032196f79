/*
rule.go - Recurrence rules as a tagged union

PURPOSE:
  A subactivity's recurrence is declared in the catalog as a frequency plus a
  configuration record whose shape depends on the frequency. Instead of
  guessing the shape at runtime, each frequency has its own Go type carrying
  only its own fields. The resolver switches over the concrete type.

VARIANTS:
  OneTimeRule     no recurrence
  HourlyRule      interval in hours
  DailyRule       time of day
  WeeklyRule      weekdays + time of day
  MonthlyRule     day of month (1-31, clamped) + time of day
  QuarterlyRule   day of month within the quarter's first month + time of day
  YearlyRule      month + day of month + time of day

SEE ALSO:
  - spec.go: JSON encoding of the variants (frequency + frequencyConfig)
  - resolver.go: Turns a Rule into occurrences
*/
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the declared recurrence cadence of a subactivity.
type Frequency string

const (
	FrequencyNone      Frequency = ""
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// ParseFrequency normalizes a frequency string. "none", "once" and "" all
// mean one-time.
func ParseFrequency(s string) (Frequency, error) {
	switch f := Frequency(strings.ToLower(strings.TrimSpace(s))); f {
	case "", "none", "once", "one-time", "onetime":
		return FrequencyNone, nil
	case FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly:
		return f, nil
	default:
		return FrequencyNone, &ConfigError{Field: "frequency", Reason: fmt.Sprintf("unknown frequency %q", s)}
	}
}

// IsRecurring reports whether the frequency produces more than one occurrence.
func (f Frequency) IsRecurring() bool { return f != FrequencyNone }

// =============================================================================
// ERRORS
// =============================================================================

// ErrInvalidConfig is the sentinel for malformed recurrence configuration.
var ErrInvalidConfig = errors.New("invalid recurrence configuration")

// ConfigError describes a structurally invalid rule or label.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// =============================================================================
// TIME OF DAY
// =============================================================================

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// DefaultTimeOfDay applies when a rule has no usable time.
var DefaultTimeOfDay = TimeOfDay{Hour: 9, Minute: 0}

// ParseTimeOfDay parses "HH:MM AM/PM". A bare 24-hour "HH:MM" is also accepted.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	raw := strings.ToUpper(strings.TrimSpace(s))
	if raw == "" {
		return TimeOfDay{}, &ConfigError{Field: "time", Reason: "empty time of day"}
	}

	meridiem := ""
	if strings.HasSuffix(raw, "AM") || strings.HasSuffix(raw, "PM") {
		meridiem = raw[len(raw)-2:]
		raw = strings.TrimSpace(raw[:len(raw)-2])
	}

	hh, mm, ok := strings.Cut(raw, ":")
	if !ok {
		return TimeOfDay{}, &ConfigError{Field: "time", Reason: fmt.Sprintf("invalid time of day %q", s)}
	}
	hour, err1 := strconv.Atoi(hh)
	minute, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || minute < 0 || minute > 59 {
		return TimeOfDay{}, &ConfigError{Field: "time", Reason: fmt.Sprintf("invalid time of day %q", s)}
	}

	switch meridiem {
	case "":
		if hour < 0 || hour > 23 {
			return TimeOfDay{}, &ConfigError{Field: "time", Reason: fmt.Sprintf("hour out of range in %q", s)}
		}
	default:
		if hour < 1 || hour > 12 {
			return TimeOfDay{}, &ConfigError{Field: "time", Reason: fmt.Sprintf("hour out of range in %q", s)}
		}
		hour %= 12
		if meridiem == "PM" {
			hour += 12
		}
	}

	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

// TimeOrDefault parses s, falling back to 09:00 when it is empty or unparseable.
func TimeOrDefault(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return DefaultTimeOfDay
	}
	return t
}

// String formats the time as "HH:MM AM/PM".
func (t TimeOfDay) String() string {
	meridiem := "AM"
	hour := t.Hour
	if hour >= 12 {
		meridiem = "PM"
	}
	hour %= 12
	if hour == 0 {
		hour = 12
	}
	return fmt.Sprintf("%02d:%02d %s", hour, t.Minute, meridiem)
}

// On returns the given date at this time of day in loc.
func (t TimeOfDay) On(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, t.Hour, t.Minute, 0, 0, loc)
}

// =============================================================================
// RULE VARIANTS
// =============================================================================

// Rule is a recurrence rule. The concrete type determines the frequency.
type Rule interface {
	Frequency() Frequency
	isRule()
}

// OneTimeRule means the subactivity does not recur.
type OneTimeRule struct{}

// HourlyRule recurs every IntervalHours hours.
type HourlyRule struct {
	IntervalHours int
}

// DailyRule recurs every day at At.
type DailyRule struct {
	At TimeOfDay
}

// WeeklyRule recurs on each of Days at At.
type WeeklyRule struct {
	Days []time.Weekday
	At   TimeOfDay
}

// MonthlyRule recurs each month on DayOfMonth at At.
type MonthlyRule struct {
	DayOfMonth int
	At         TimeOfDay
}

// QuarterlyRule recurs each fiscal quarter on DayOfMonth of its first month.
type QuarterlyRule struct {
	DayOfMonth int
	At         TimeOfDay
}

// YearlyRule recurs once per financial year on Month/DayOfMonth.
type YearlyRule struct {
	Month      time.Month
	DayOfMonth int
	At         TimeOfDay
}

func (OneTimeRule) Frequency() Frequency   { return FrequencyNone }
func (HourlyRule) Frequency() Frequency    { return FrequencyHourly }
func (DailyRule) Frequency() Frequency     { return FrequencyDaily }
func (WeeklyRule) Frequency() Frequency    { return FrequencyWeekly }
func (MonthlyRule) Frequency() Frequency   { return FrequencyMonthly }
func (QuarterlyRule) Frequency() Frequency { return FrequencyQuarterly }
func (YearlyRule) Frequency() Frequency    { return FrequencyYearly }

func (OneTimeRule) isRule()   {}
func (HourlyRule) isRule()    {}
func (DailyRule) isRule()     {}
func (WeeklyRule) isRule()    {}
func (MonthlyRule) isRule()   {}
func (QuarterlyRule) isRule() {}
func (YearlyRule) isRule()    {}

// ClampDay bounds a configured day of month to 1..31. Per-month clamping to the
// last valid day happens when the date is built.
func ClampDay(day int) int {
	switch {
	case day < 1:
		return 1
	case day > 31:
		return 31
	default:
		return day
	}
}

// ParseMonth accepts a month name ("July", "jul") or index ("7").
func ParseMonth(s string) (time.Month, error) {
	raw := strings.TrimSpace(s)
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 1 || n > 12 {
			return 0, &ConfigError{Field: "month", Reason: fmt.Sprintf("month index %d out of range", n)}
		}
		return time.Month(n), nil
	}
	lower := strings.ToLower(raw)
	if len(lower) >= 3 {
		for m := time.January; m <= time.December; m++ {
			name := strings.ToLower(m.String())
			if lower == name || lower == name[:3] {
				return m, nil
			}
		}
	}
	return 0, &ConfigError{Field: "month", Reason: fmt.Sprintf("unknown month %q", s)}
}

// ParseWeekday accepts a weekday name ("monday", "mon") or index (0=Sunday).
func ParseWeekday(s string) (time.Weekday, error) {
	raw := strings.TrimSpace(s)
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 || n > 6 {
			return 0, &ConfigError{Field: "days", Reason: fmt.Sprintf("weekday index %d out of range", n)}
		}
		return time.Weekday(n), nil
	}
	lower := strings.ToLower(raw)
	if len(lower) >= 3 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if lower == name || lower == name[:3] {
				return d, nil
			}
		}
	}
	return 0, &ConfigError{Field: "days", Reason: fmt.Sprintf("unknown weekday %q", s)}
}
