package recurrence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Spec is the stored form of a rule: a frequency plus a frequency-specific
// configuration document, as it appears in the activity catalog.
type Spec struct {
	Frequency Frequency       `json:"frequency,omitempty"`
	Config    json.RawMessage `json:"frequencyConfig,omitempty"`
}

// configJSON is the union of all per-frequency keys. Unknown keys are rejected;
// keys belonging to another frequency are ignored.
type configJSON struct {
	HourInterval *flexInt    `json:"hourInterval,omitempty"`
	Time         string      `json:"time,omitempty"`
	Days         []flexValue `json:"days,omitempty"`
	DayOfMonth   *flexInt    `json:"dayOfMonth,omitempty"`
	Month        *flexValue  `json:"month,omitempty"`
}

// Rule decodes the spec into its tagged variant. A missing or null config
// falls back to day 1 at 09:00.
func (s Spec) Rule() (Rule, error) {
	freq, err := ParseFrequency(string(s.Frequency))
	if err != nil {
		return nil, err
	}
	if freq == FrequencyNone {
		return OneTimeRule{}, nil
	}

	var cfg configJSON
	if raw := bytes.TrimSpace(s.Config); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, &ConfigError{Field: "frequencyConfig", Reason: fmt.Sprintf("%s config: %v", freq, err)}
		}
	}

	at := TimeOrDefault(cfg.Time)
	day := 1
	if cfg.DayOfMonth != nil {
		day = ClampDay(int(*cfg.DayOfMonth))
	}

	switch freq {
	case FrequencyHourly:
		interval := 1
		if cfg.HourInterval != nil {
			interval = int(*cfg.HourInterval)
			if interval < 1 || interval > 24 {
				return nil, &ConfigError{Field: "frequencyConfig.hourInterval", Reason: fmt.Sprintf("interval %d must be between 1 and 24", interval)}
			}
		}
		return HourlyRule{IntervalHours: interval}, nil

	case FrequencyDaily:
		return DailyRule{At: at}, nil

	case FrequencyWeekly:
		days := make([]time.Weekday, 0, len(cfg.Days))
		seen := make(map[time.Weekday]bool)
		for _, v := range cfg.Days {
			d, err := ParseWeekday(string(v))
			if err != nil {
				return nil, err
			}
			if !seen[d] {
				seen[d] = true
				days = append(days, d)
			}
		}
		if len(days) == 0 {
			days = append(days, time.Monday)
		}
		return WeeklyRule{Days: days, At: at}, nil

	case FrequencyMonthly:
		return MonthlyRule{DayOfMonth: day, At: at}, nil

	case FrequencyQuarterly:
		return QuarterlyRule{DayOfMonth: day, At: at}, nil

	case FrequencyYearly:
		month := FiscalStartMonth
		if cfg.Month != nil {
			m, err := ParseMonth(string(*cfg.Month))
			if err != nil {
				return nil, err
			}
			month = m
		}
		return YearlyRule{Month: month, DayOfMonth: day, At: at}, nil
	}

	return nil, &ConfigError{Field: "frequency", Reason: fmt.Sprintf("unsupported frequency %q", freq)}
}

// SpecOf encodes a rule back into its stored form.
func SpecOf(rule Rule) Spec {
	var cfg any
	switch r := rule.(type) {
	case HourlyRule:
		cfg = map[string]any{"hourInterval": r.IntervalHours}
	case DailyRule:
		cfg = map[string]any{"time": r.At.String()}
	case WeeklyRule:
		days := make([]string, len(r.Days))
		for i, d := range r.Days {
			days[i] = strings.ToLower(d.String())
		}
		cfg = map[string]any{"days": days, "time": r.At.String()}
	case MonthlyRule:
		cfg = map[string]any{"dayOfMonth": r.DayOfMonth, "time": r.At.String()}
	case QuarterlyRule:
		cfg = map[string]any{"dayOfMonth": r.DayOfMonth, "time": r.At.String()}
	case YearlyRule:
		cfg = map[string]any{"month": r.Month.String(), "dayOfMonth": r.DayOfMonth, "time": r.At.String()}
	default:
		return Spec{Frequency: FrequencyNone}
	}

	raw, _ := json.Marshal(cfg)
	return Spec{Frequency: rule.Frequency(), Config: raw}
}

// flexValue accepts a JSON string or number and keeps its text.
type flexValue string

func (v *flexValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*v = flexValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(b))
	}
	*v = flexValue(n.String())
	return nil
}

// flexInt accepts a JSON integer or a numeric string.
type flexInt int

func (v *flexInt) UnmarshalJSON(b []byte) error {
	var fv flexValue
	if err := fv.UnmarshalJSON(b); err != nil {
		return err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(fv)))
	if err != nil {
		return fmt.Errorf("expected integer, got %s", string(b))
	}
	*v = flexInt(n)
	return nil
}
