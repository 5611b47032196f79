/*
resolver.go - Rule to occurrence resolution

PURPOSE:
  Maps a recurrence rule, a reference date and a financial year to the
  ordered list of (period label, due date) pairs for that year. Pure and
  deterministic: the same inputs always yield the same occurrences.

ALGORITHM:
  Monthly:    12 fiscal months from April. Due = configured day/time,
              clamped to the month's last day.
  Quarterly:  Q1=Apr-Jun, Q2=Jul-Sep, Q3=Oct-Dec, Q4=Jan-Mar. Due = configured
              day/time in the quarter's first month.
  Yearly:     one period labeled with the financial year. Due = configured
              month/day/time, placed in the start year for Apr-Dec and the
              end year for Jan-Mar.
  Daily/Weekly/Hourly:
              one occurrence per fiscal month, due at the first matching slot
              of the month. Period labels are month labels, so the natural key
              admits one instance per month and a sub-monthly rule never
              produces more rows than a monthly one.
  One-time:   a single occurrence due ref + grace window, labeled with the
              reference month.

EXAMPLE:
  r := NewResolver(time.UTC)
  occ := r.ResolvePeriods(QuarterlyRule{DayOfMonth: 15, At: DefaultTimeOfDay},
      time.Now(), NewFinancialYear(2024))
  // Q1-2024-2025 due 2024-04-15, ..., Q4-2024-2025 due 2025-01-15

SEE ALSO:
  - rule.go: Rule variants
  - fiscal.go: Financial year and labels
*/
package recurrence

import "time"

// DefaultOneTimeGrace is how far in the future a one-time obligation is due.
const DefaultOneTimeGrace = 30 * 24 * time.Hour

// Occurrence is one resolved instance of a rule.
type Occurrence struct {
	Period string
	Due    time.Time
	Start  time.Time
	End    time.Time
}

// Resolver resolves rules in a fixed location. Due dates carry wall-clock
// times, so the location decides what "09:00" means.
type Resolver struct {
	Location *time.Location
}

// NewResolver creates a resolver for loc. A nil loc means UTC.
func NewResolver(loc *time.Location) *Resolver {
	return &Resolver{Location: loc}
}

func (r *Resolver) loc() *time.Location {
	if r == nil || r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// ResolvePeriods returns the occurrences of rule within fy in chronological
// order. A zero fy means the financial year containing ref.
func (r *Resolver) ResolvePeriods(rule Rule, ref time.Time, fy FinancialYear) []Occurrence {
	loc := r.loc()
	if fy.IsZero() {
		fy = FinancialYearOf(ref.In(loc))
	}

	switch rule := rule.(type) {
	case MonthlyRule:
		return r.monthBuckets(fy, func(year int, month time.Month) time.Time {
			return dateOn(year, month, rule.DayOfMonth, rule.At, loc)
		})

	case QuarterlyRule:
		return r.quarterly(fy, rule)

	case YearlyRule:
		year := fy.MonthYear(rule.Month)
		return []Occurrence{{
			Period: YearLabel(fy),
			Due:    dateOn(year, rule.Month, rule.DayOfMonth, rule.At, loc),
			Start:  fy.Start(loc),
			End:    fy.End(loc),
		}}

	// Sub-monthly rules collapse into one occurrence per fiscal month.
	case DailyRule:
		return r.monthBuckets(fy, func(year int, month time.Month) time.Time {
			return rule.At.On(year, month, 1, loc)
		})

	case WeeklyRule:
		return r.monthBuckets(fy, func(year int, month time.Month) time.Time {
			return firstWeekdayOnOrAfter(rule.At.On(year, month, 1, loc), rule.Days)
		})

	case HourlyRule:
		return r.monthBuckets(fy, func(year int, month time.Month) time.Time {
			return DefaultTimeOfDay.On(year, month, 1, loc)
		})

	case OneTimeRule:
		return []Occurrence{r.OneTime(ref, DefaultOneTimeGrace)}
	}

	return nil
}

// OneTime returns the single occurrence of a non-recurring obligation created
// at ref. A non-positive grace uses DefaultOneTimeGrace.
func (r *Resolver) OneTime(ref time.Time, grace time.Duration) Occurrence {
	if grace <= 0 {
		grace = DefaultOneTimeGrace
	}
	ref = ref.In(r.loc())
	return Occurrence{
		Period: MonthLabelOf(ref),
		Due:    ref.Add(grace),
		Start:  ref,
		End:    ref.Add(grace),
	}
}

func (r *Resolver) monthBuckets(fy FinancialYear, due func(year int, month time.Month) time.Time) []Occurrence {
	loc := r.loc()
	occurrences := make([]Occurrence, 0, 12)
	for _, month := range fy.Months() {
		year := fy.MonthYear(month)
		start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
		occurrences = append(occurrences, Occurrence{
			Period: MonthLabel(month, year),
			Due:    due(year, month),
			Start:  start,
			End:    start.AddDate(0, 1, 0).Add(-time.Nanosecond),
		})
	}
	return occurrences
}

func (r *Resolver) quarterly(fy FinancialYear, rule QuarterlyRule) []Occurrence {
	loc := r.loc()
	occurrences := make([]Occurrence, 0, 4)
	for q := Quarter(1); q <= 4; q++ {
		month := q.FirstMonth()
		year := fy.MonthYear(month)
		start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
		occurrences = append(occurrences, Occurrence{
			Period: QuarterLabel(q, fy),
			Due:    dateOn(year, month, rule.DayOfMonth, rule.At, loc),
			Start:  start,
			End:    start.AddDate(0, 3, 0).Add(-time.Nanosecond),
		})
	}
	return occurrences
}

// dateOn builds year/month/day at the given time, clamping day to the last
// valid day of the month instead of overflowing into the next one.
func dateOn(year int, month time.Month, day int, at TimeOfDay, loc *time.Location) time.Time {
	day = ClampDay(day)
	if last := DaysIn(year, month); day > last {
		day = last
	}
	return at.On(year, month, day, loc)
}

// DaysIn returns the number of days in the given month.
func DaysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func firstWeekdayOnOrAfter(t time.Time, days []time.Weekday) time.Time {
	if len(days) == 0 {
		return t
	}
	for i := 0; i < 7; i++ {
		candidate := t.AddDate(0, 0, i)
		for _, d := range days {
			if candidate.Weekday() == d {
				return candidate
			}
		}
	}
	return t
}
